package dex

import (
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLMM log grammar is noisier than V4's, so emission requires a higher
// minimum score.
const raydiumCLMMMinConfidence = 0.4

// Plausible raw transfer amounts for a CLMM swap leg.
const (
	raydiumCLMMMinAmount = 100
	raydiumCLMMMaxAmount = 1_000_000_000_000
)

var (
	tickCurrentRe = regexp.MustCompile(`tick[_\s]*current[:\s]+(-?\d+)`)
	tickRe        = regexp.MustCompile(`tick[:\s]+(-?\d+)`)

	sqrtPriceX64Re = regexp.MustCompile(`sqrt[_\s]*price[_\s]*x64[:\s]+(\d+)`)
	sqrtPriceRe    = regexp.MustCompile(`sqrt[_\s]*price[:\s]+(\d+)`)
)

// Classification of a raw sqrtPriceX64 value. Boundary values show up
// during pool initialization and carry no usable price.
const (
	sqrtPriceCalculated = "calculated_price"
	sqrtPriceMaxBound   = "max_bound_2_96"
	sqrtPriceNearMax    = "near_max_bound"
	sqrtPriceNearMin    = "near_min_bound"
)

// RaydiumCLMMParser decodes Raydium concentrated-liquidity swap logs.
type RaydiumCLMMParser struct {
	logger *zap.Logger
}

func NewRaydiumCLMMParser(logger *zap.Logger) *RaydiumCLMMParser {
	return &RaydiumCLMMParser{logger: logger.Named("raydium_clmm")}
}

func (p *RaydiumCLMMParser) ID() string { return IDRaydiumCLMM }

// ParseSwapLogs extracts tick and sqrtPriceX64 fields from the log
// text, derives the price as (sqrtPrice / 2^64)^2 when a usable value
// is present, and falls back to the amount ratio otherwise.
func (p *RaydiumCLMMParser) ParseSwapLogs(logs []string, signature, targetMint string) *SwapEvent {
	if len(logs) == 0 {
		return nil
	}

	mints := extractMints(logs)
	if rejectForeignMint(targetMint, mints) {
		p.logger.Debug("Skipping transaction, target mint not involved",
			zap.String("signature", signature),
			zap.String("target_mint", targetMint))
		return nil
	}

	ev := &SwapEvent{
		DEX:       IDRaydiumCLMM,
		Type:      EventSwap,
		Source:    SourceBlockchain,
		Signature: signature,
		Mint:      targetMint,
		Mints:     mints,
		Logs:      logs,
		Timestamp: time.Now(),
	}

	var (
		found         bool
		confidence    float64
		rawAmounts    []uint64
		transferCnt   int
		tick          *int64
		sqrtPriceType string
		priceFromSqrt float64
	)

	for _, line := range logs {
		lower := strings.ToLower(line)

		switch {
		case strings.Contains(lower, "instruction: swap"):
			found = true
			ev.InstructionType = "swap"
			confidence += 0.4
			if strings.Contains(lower, "exactin") || strings.Contains(lower, "exact_in") {
				ev.InstructionType = "swap_exact_in"
				confidence += 0.1
			} else if strings.Contains(lower, "exactout") || strings.Contains(lower, "exact_out") {
				ev.InstructionType = "swap_exact_out"
				confidence += 0.1
			}
		case strings.Contains(lower, "position") && (strings.Contains(lower, "increase") || strings.Contains(lower, "decrease")):
			confidence += 0.1
		case strings.Contains(lower, "transfer"):
			transferCnt++
			confidence += 0.1
			rawAmounts = append(rawAmounts, matchAmounts(transferAmountRe, line, raydiumCLMMMinAmount, raydiumCLMMMaxAmount)...)
		}

		if tick == nil {
			m := tickCurrentRe.FindStringSubmatch(lower)
			if m == nil {
				m = tickRe.FindStringSubmatch(lower)
			}
			if m != nil {
				if t, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					tick = &t
					confidence += 0.15
				}
			}
		}

		if sqrtPriceType == "" {
			m := sqrtPriceX64Re.FindStringSubmatch(lower)
			if m == nil {
				m = sqrtPriceRe.FindStringSubmatch(lower)
			}
			if m != nil {
				sqrtPriceType, priceFromSqrt = classifySqrtPrice(m[1])
				if sqrtPriceType == sqrtPriceCalculated {
					confidence += 0.25
				}
				confidence += 0.15
			}
		}
	}

	if len(mints) > 0 {
		confidence += 0.1
	}

	if unique := dedupeSortDesc(rawAmounts); len(unique) >= 1 {
		ev.AmountIn = unique[0]
		if len(unique) >= 2 {
			ev.AmountOut = unique[1]
		}
		confidence += 0.15
	}

	if sqrtPriceType == sqrtPriceCalculated {
		ev.PriceSOL = priceFromSqrt
	} else if ev.AmountIn > 0 && ev.AmountOut > 0 {
		// Amount-ratio fallback when sqrtPrice yielded nothing usable.
		ev.PriceSOL = float64(ev.AmountOut) / float64(ev.AmountIn)
		confidence += 0.1
	}

	if transferCnt >= 2 {
		confidence += 0.2
	}

	if tick != nil || sqrtPriceType != "" {
		ev.Meta = map[string]any{}
		if tick != nil {
			ev.Meta["tick_current"] = *tick
		}
		if sqrtPriceType != "" {
			ev.Meta["sqrt_price_type"] = sqrtPriceType
		}
	}

	ev.Confidence = clampConfidence(confidence)
	if !found || ev.Confidence < raydiumCLMMMinConfidence {
		return nil
	}
	return ev
}

// sqrtPriceX64 can exceed 64 bits, so the boundary comparison is done
// on big integers.
var (
	twoPow96 = new(big.Int).Lsh(big.NewInt(1), 96)
	twoPow95 = new(big.Int).Lsh(big.NewInt(1), 95)
)

// classifySqrtPrice buckets a raw sqrtPriceX64 string. Only values away
// from the pool bounds produce a calculated price.
func classifySqrtPrice(raw string) (string, float64) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", 0
	}

	switch {
	case v.Cmp(twoPow96) == 0:
		return sqrtPriceMaxBound, 0
	case v.Cmp(twoPow95) >= 0:
		return sqrtPriceNearMax, 0
	case v.Cmp(big.NewInt(1000)) <= 0:
		return sqrtPriceNearMin, 0
	}

	f, _ := new(big.Float).SetInt(v).Float64()
	normalized := f / math.Pow(2, 64)
	return sqrtPriceCalculated, normalized * normalized
}

// ParseAccountUpdate is not implemented for CLMM pools: the account
// state requires the full concentrated-liquidity layout, and log-driven
// parsing covers the price signal this engine needs.
func (p *RaydiumCLMMParser) ParseAccountUpdate(raw []byte, address string) *SwapEvent {
	if len(raw) == 0 {
		return nil
	}
	return &SwapEvent{
		DEX:        IDRaydiumCLMM,
		Type:       EventAccountUpdate,
		Source:     SourceBlockchain,
		Confidence: 0.5,
		Meta:       map[string]any{"pool_address": address},
		Timestamp:  time.Now(),
	}
}
