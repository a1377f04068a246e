package dex

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/pricing"
)

var (
	// Balance-update pairs emitted by the AMM: "Pump B: <sol>, S: <token>".
	pumpBalanceRe = regexp.MustCompile(`pump\s+b:\s*(\d+),?\s*s:\s*(\d+)`)

	pumpReserveRe = regexp.MustCompile(`reserve[s]?\s*[:\-]?\s*(\d+)`)
	pumpTokenRe   = regexp.MustCompile(`token[s]?\s*[:\-]?\s*(\d+)`)
	pumpAmountRe  = regexp.MustCompile(`(?i)amount[_\w]*[:\s]+(\d+)`)
	pumpPriceRe   = regexp.MustCompile(`(?i)price[:\s]*(\d+(?:\.\d+)?)`)
)

// pumpSwapAMMLayout is the fixed borsh layout of a PumpSwap pool
// account.
type pumpSwapAMMLayout struct {
	Version               uint8
	Status                uint8
	Bump                  uint8
	Decimals              uint8
	MinimumSolAmount      uint64
	MinimumTokenAmount    uint64
	TotalTradeVolumeSol   uint64
	TotalTradeVolumeToken uint64
	SolBalance            uint64
	TokenBalance          uint64
	LastSwapTimestamp     int64
	Owner                 solana.PublicKey
	TokenMint             solana.PublicKey
	TokenVault            solana.PublicKey
	SolVault              solana.PublicKey
	QuoteTokenMint        solana.PublicKey
	FeePercentage         uint16
	FeeOwner              solana.PublicKey
	Config                solana.PublicKey
}

// PumpSwapParser decodes PumpSwap bonded-curve AMM logs and pool
// accounts. Token decimals are not reliably on-chain for this protocol,
// so prices are resolved through an authoritative lookup cache with
// candidate-list auto-detection as the fallback.
type PumpSwapParser struct {
	logger   *zap.Logger
	decimals *pricing.DecimalsCache
}

func NewPumpSwapParser(decimals *pricing.DecimalsCache, logger *zap.Logger) *PumpSwapParser {
	return &PumpSwapParser{
		logger:   logger.Named("pumpswap"),
		decimals: decimals,
	}
}

func (p *PumpSwapParser) ID() string { return IDPumpSwap }

func (p *PumpSwapParser) ParseSwapLogs(logs []string, signature, targetMint string) *SwapEvent {
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

	mint := targetMint
	if mint == "" && len(mints) == 1 {
		mint = mints[0]
	}

	ev := &SwapEvent{
		DEX:       IDPumpSwap,
		Type:      EventSwap,
		Source:    SourceBlockchain,
		Signature: signature,
		Mint:      mint,
		Mints:     mints,
		Logs:      logs,
		Timestamp: time.Now(),
	}

	var (
		found      bool
		confidence float64
		buyAmount  uint64 // SOL side, lamports
		sellAmount uint64 // token side, raw
	)

	for _, line := range logs {
		lower := strings.ToLower(line)

		if strings.Contains(lower, "instruction: buy") {
			found = true
			ev.InstructionType = "buy"
			confidence += 0.4
		} else if strings.Contains(lower, "instruction: sell") {
			found = true
			ev.InstructionType = "sell"
			confidence += 0.4
		} else if strings.Contains(lower, "instruction: swap") {
			found = true
			ev.InstructionType = "swap"
			confidence += 0.4
		}

		if m := pumpBalanceRe.FindStringSubmatch(lower); m != nil {
			found = true
			ev.InstructionType = "balance_update"
			confidence += 0.3
			buyAmount, _ = strconv.ParseUint(m[1], 10, 64)
			sellAmount, _ = strconv.ParseUint(m[2], 10, 64)
		}

		if buyAmount == 0 {
			if m := pumpReserveRe.FindStringSubmatch(lower); m != nil {
				if v, err := strconv.ParseUint(m[1], 10, 64); err == nil && v > 1_000_000 {
					buyAmount = v
				}
			}
		}
		if sellAmount == 0 {
			if m := pumpTokenRe.FindStringSubmatch(lower); m != nil {
				if v, err := strconv.ParseUint(m[1], 10, 64); err == nil && v > 1_000 {
					sellAmount = v
				}
			}
		}

		if strings.Contains(lower, "amount") {
			for _, m := range pumpAmountRe.FindAllStringSubmatch(line, -1) {
				v, err := strconv.ParseUint(m[1], 10, 64)
				if err != nil || v <= 1_000 {
					continue
				}
				if ev.AmountIn == 0 {
					ev.AmountIn = v
				} else if ev.AmountOut == 0 {
					ev.AmountOut = v
				}
			}
		}

		if strings.Contains(lower, "program") && (strings.Contains(lower, "invoke") || strings.Contains(lower, "success")) {
			if strings.Contains(line, "pAMM") || strings.Contains(lower, "pump") {
				found = true
				confidence += 0.1
			}
		}

		// Explicit price mentions bypass amount math but still obey the
		// sanity window.
		if ev.PriceSOL == 0 {
			if m := pumpPriceRe.FindStringSubmatch(line); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil && pricing.PumpSwapBounds.Contains(v) {
					ev.PriceSOL = v
					found = true
					confidence += 0.15
				}
			}
		}
	}

	if ev.PriceSOL == 0 && buyAmount > 0 && sellAmount > 0 {
		if price, decimals, ok := p.detectPrice(buyAmount, sellAmount, mint); ok {
			ev.PriceSOL = price
			confidence += 0.15
			if ev.Meta == nil {
				ev.Meta = map[string]any{}
			}
			ev.Meta["token_decimals_used"] = decimals
		}
	}

	if ev.PriceSOL == 0 && ev.AmountIn > 0 && ev.AmountOut > 0 {
		// Generic amounts: the SOL leg is in, the token leg is out.
		if price, decimals, ok := p.detectPrice(ev.AmountIn, ev.AmountOut, mint); ok {
			ev.PriceSOL = price
			confidence += 0.1
			if ev.Meta == nil {
				ev.Meta = map[string]any{}
			}
			ev.Meta["token_decimals_used"] = decimals
		}
	}

	if buyAmount > 0 {
		ev.AmountIn = buyAmount
	}
	if sellAmount > 0 {
		ev.AmountOut = sellAmount
	}

	ev.Confidence = clampConfidence(confidence)
	if !found {
		return nil
	}
	return ev
}

// detectPrice resolves SOL per token from a lamport/raw-token pair.
// An authoritative cached decimals value is tried first; failing that,
// the fixed candidate list is tested and the first candidate producing
// a price inside the sanity band wins.
func (p *PumpSwapParser) detectPrice(solLamports, tokenRaw uint64, mint string) (float64, int, bool) {
	known := -1
	if mint != "" && p.decimals != nil {
		known = p.decimals.Known(mint)
	}

	price, decimals, ok := pricing.DetectDecimals(solLamports, tokenRaw, known, pricing.PumpSwapBounds)
	if !ok {
		p.logger.Debug("No decimal candidate produced an in-band price",
			zap.Uint64("sol_lamports", solLamports),
			zap.Uint64("token_raw", tokenRaw),
			zap.String("mint", mint))
		return 0, 0, false
	}
	return price, decimals, true
}

// ParseAccountUpdate decodes the pool account at the fixed borsh layout
// and derives the current price from the pool balances.
func (p *PumpSwapParser) ParseAccountUpdate(raw []byte, address string) *SwapEvent {
	if len(raw) == 0 {
		return nil
	}

	var layout pumpSwapAMMLayout
	if err := bin.NewBorshDecoder(raw).Decode(&layout); err != nil {
		p.logger.Warn("Failed to decode pool account",
			zap.String("pool", address),
			zap.Error(err))
		return nil
	}

	mint := layout.TokenMint.String()
	if p.decimals != nil && layout.Decimals > 0 {
		// The layout carries the decimals; prime the cache for log
		// parsing on the same mint.
		p.decimals.Store(mint, int(layout.Decimals))
	}

	ev := &SwapEvent{
		DEX:        IDPumpSwap,
		Type:       EventAccountUpdate,
		Source:     SourceBlockchain,
		Mint:       mint,
		AmountIn:   layout.SolBalance,
		AmountOut:  layout.TokenBalance,
		Confidence: 1.0,
		Meta: map[string]any{
			"pool_address": address,
			"sol_balance":  layout.SolBalance,
			"token_vault":  layout.TokenVault.String(),
			"sol_vault":    layout.SolVault.String(),
		},
		Timestamp: time.Now(),
	}

	if layout.SolBalance > 0 && layout.TokenBalance > 0 {
		known := int(layout.Decimals)
		if known == 0 {
			known = -1
		}
		if price, decimals, ok := pricing.DetectDecimals(layout.SolBalance, layout.TokenBalance, known, pricing.PumpSwapBounds); ok {
			ev.PriceSOL = price
			ev.Meta["token_decimals_used"] = decimals
		}
	}
	return ev
}

// Decimals proxies the authoritative lookup so the dispatcher can
// resolve decimals ahead of parsing when a context is available.
func (p *PumpSwapParser) Decimals(ctx context.Context, mint string) int {
	if p.decimals == nil {
		return pricing.DefaultTokenDecimals
	}
	return p.decimals.Decimals(ctx, mint)
}
