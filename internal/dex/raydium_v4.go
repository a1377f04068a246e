package dex

import (
	"encoding/binary"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/pricing"
)

// Raydium V4 pool state layout constants. The account is a fixed-offset
// structure; only the fields needed for price resolution are read.
const (
	raydiumV4StateSize         = 752
	raydiumV4BaseDecimalOffset = 32  // u64
	raydiumV4QuoteDecimalOff   = 40  // u64
	raydiumV4BaseVaultOffset   = 296 // 32-byte pubkey
	raydiumV4QuoteVaultOffset  = 328 // 32-byte pubkey
)

// Plausible raw transfer amounts for a V4 swap leg. Values outside the
// window are dust or counters, not swap legs.
const (
	raydiumV4MinAmount = 1_000
	raydiumV4MaxAmount = 1_000_000_000_000
)

// raydiumV4MinConfidence gates emission: anything below is noise.
const raydiumV4MinConfidence = 0.3

var (
	transferAmountRe = regexp.MustCompile(`(?i)transfer[:\s]+(\d+)`)

	// Amount vocabulary seen in V4 program logs. Each hit adds a small
	// confidence increment on top of the recovered amount.
	v4AmountRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)transfer[_\s]*amount[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)swap[_\s]*amount[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)in[_\s]*amount[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)out[_\s]*amount[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)fee[_\s]*amount[:\s]+(\d+)`),
	}

	v4FeeRe = regexp.MustCompile(`(?i)\bfee[:\s]+(\d+)`)
)

// RaydiumV4Parser decodes Raydium V4 AMM swap logs and pool account
// state.
type RaydiumV4Parser struct {
	logger *zap.Logger
}

func NewRaydiumV4Parser(logger *zap.Logger) *RaydiumV4Parser {
	return &RaydiumV4Parser{logger: logger.Named("raydium_v4")}
}

func (p *RaydiumV4Parser) ID() string { return IDRaydiumV4 }

// ParseSwapLogs runs the scored-evidence heuristics over the log lines:
// each recognized token bumps the confidence score, and the event is
// emitted only when a swap instruction was seen and the accumulated
// score reaches the minimum.
func (p *RaydiumV4Parser) ParseSwapLogs(logs []string, signature, targetMint string) *SwapEvent {
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
		DEX:       IDRaydiumV4,
		Type:      EventSwap,
		Source:    SourceBlockchain,
		Signature: signature,
		Mint:      targetMint,
		Mints:     mints,
		Logs:      logs,
		Timestamp: time.Now(),
	}

	var (
		found       bool
		direction   string
		confidence  float64
		rawAmounts  []uint64
		transfers   []uint64
		transferCnt int
		feeAmount   uint64
	)

	for _, line := range logs {
		lower := strings.ToLower(line)

		switch {
		case strings.Contains(lower, "instruction: swapbasein"):
			found = true
			ev.InstructionType = "swapbasein"
			direction = "base_to_quote"
			confidence += 0.4
		case strings.Contains(lower, "instruction: swapbaseout"):
			found = true
			ev.InstructionType = "swapbaseout"
			direction = "quote_to_base"
			confidence += 0.4
		case strings.Contains(lower, "transfer"):
			transferCnt++
			confidence += 0.1
			for _, a := range matchAmounts(transferAmountRe, line, raydiumV4MinAmount, raydiumV4MaxAmount) {
				transfers = append(transfers, a)
				rawAmounts = append(rawAmounts, a)
			}
		}

		for _, re := range v4AmountRes {
			for _, a := range matchAmounts(re, line, raydiumV4MinAmount, raydiumV4MaxAmount) {
				rawAmounts = append(rawAmounts, a)
				confidence += 0.05
			}
		}

		if m := v4FeeRe.FindStringSubmatch(lower); m != nil && feeAmount == 0 {
			if fee, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				feeAmount = fee
				confidence += 0.1
			}
		}

		if strings.Contains(lower, "initialize") && (strings.Contains(lower, "pool") || strings.Contains(lower, "amm")) {
			ev.Type = EventPoolInitialize
			found = true
			confidence += 0.3
		}
	}

	if len(mints) > 0 {
		confidence += 0.1
	}

	// Two or more recovered amounts: the two largest are the swap legs.
	// Explicit transfer amounts take priority when present.
	if unique := dedupeSortDesc(rawAmounts); len(unique) >= 2 {
		if len(transfers) >= 2 {
			ev.AmountIn, ev.AmountOut = transfers[0], transfers[1]
		} else {
			ev.AmountIn, ev.AmountOut = unique[0], unique[1]
		}
		confidence += 0.2

		if price, ok := p.resolvePrice(direction, ev.AmountIn, ev.AmountOut); ok {
			ev.PriceSOL = price
			confidence += 0.15
		} else {
			p.logger.Debug("Computed price outside sanity window, dropped",
				zap.String("signature", signature))
		}
	}

	if transferCnt >= 2 {
		confidence += 0.2
	}

	if feeAmount > 0 {
		ev.Meta = map[string]any{"fee_amount": feeAmount}
	}

	ev.Confidence = clampConfidence(confidence)
	if !found || ev.Confidence < raydiumV4MinConfidence {
		return nil
	}
	return ev
}

// resolvePrice computes SOL per token from the two swap legs, honoring
// the detected direction. Without a direction the larger raw value is
// assumed to be the token side.
func (p *RaydiumV4Parser) resolvePrice(direction string, amountIn, amountOut uint64) (float64, bool) {
	switch direction {
	case "base_to_quote":
		// Token in, SOL out.
		return pricing.ResolvePrice(amountOut, amountIn, pricing.SolDecimals, pricing.DefaultTokenDecimals, pricing.RaydiumV4Bounds)
	case "quote_to_base":
		// SOL in, token out.
		return pricing.ResolvePrice(amountIn, amountOut, pricing.SolDecimals, pricing.DefaultTokenDecimals, pricing.RaydiumV4Bounds)
	default:
		if amountIn > amountOut*100 {
			return pricing.ResolvePrice(amountOut, amountIn, pricing.SolDecimals, pricing.DefaultTokenDecimals, pricing.RaydiumV4Bounds)
		}
		return pricing.ResolvePrice(amountIn, amountOut, pricing.SolDecimals, pricing.DefaultTokenDecimals, pricing.RaydiumV4Bounds)
	}
}

// ParseAccountUpdate reads decimals and vault addresses from the
// fixed-offset V4 pool state. The state itself carries no balances, so
// the event signals that a vault fetch is required for an actual price.
func (p *RaydiumV4Parser) ParseAccountUpdate(raw []byte, address string) *SwapEvent {
	if len(raw) < raydiumV4StateSize {
		p.logger.Warn("Pool account data too short",
			zap.String("pool", address),
			zap.Int("length", len(raw)))
		return nil
	}

	baseDecimals := binary.LittleEndian.Uint64(raw[raydiumV4BaseDecimalOffset : raydiumV4BaseDecimalOffset+8])
	quoteDecimals := binary.LittleEndian.Uint64(raw[raydiumV4QuoteDecimalOff : raydiumV4QuoteDecimalOff+8])
	if baseDecimals > 18 || quoteDecimals > 18 {
		p.logger.Warn("Implausible decimals in pool state",
			zap.String("pool", address),
			zap.Uint64("base_decimals", baseDecimals),
			zap.Uint64("quote_decimals", quoteDecimals))
		return nil
	}

	baseVault := solana.PublicKeyFromBytes(raw[raydiumV4BaseVaultOffset : raydiumV4BaseVaultOffset+32])
	quoteVault := solana.PublicKeyFromBytes(raw[raydiumV4QuoteVaultOffset : raydiumV4QuoteVaultOffset+32])

	return &SwapEvent{
		DEX:        IDRaydiumV4,
		Type:       EventAccountUpdate,
		Source:     SourceBlockchain,
		Confidence: 1.0,
		Meta: map[string]any{
			"pool_address":         address,
			"base_decimals":        int(baseDecimals),
			"quote_decimals":       int(quoteDecimals),
			"pool_base_vault":      baseVault.String(),
			"pool_quote_vault":     quoteVault.String(),
			"requires_vault_fetch": true,
		},
		Timestamp: time.Now(),
	}
}
