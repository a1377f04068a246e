// Package pricing resolves raw on-chain amounts into quote-unit prices.
package pricing

// LamportsPerSol is fixed by the protocol: the native unit has 9 decimals.
const LamportsPerSol = 1_000_000_000

// SolDecimals is the decimal count of the native token.
const SolDecimals = 9

// DefaultTokenDecimals is assumed when no authoritative source is available.
// Most SPL meme tokens use 6.
const DefaultTokenDecimals = 6

// DecimalCandidates is the ordered list tried during decimal auto-detection.
// The first candidate producing an in-band price wins; the order is part of
// the engine contract and must not be changed.
var DecimalCandidates = []int{6, 9, 4, 8, 3, 2}

// Bounds is a sanity window for a computed price. Prices outside the window
// are rejected rather than emitted.
type Bounds struct {
	Min float64
	Max float64
}

// Per-protocol sanity windows, in quote units per token.
var (
	RaydiumV4Bounds = Bounds{Min: 1e-9, Max: 1.0}
	PumpSwapBounds  = Bounds{Min: 1e-7, Max: 100.0}
)

// Contains reports whether p falls inside the window.
func (b Bounds) Contains(p float64) bool {
	return p >= b.Min && p <= b.Max
}

// LamportsToSol converts a raw lamport amount to SOL.
func LamportsToSol(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSol
}

func pow10(exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= 10
	}
	return result
}

// ResolvePrice computes quote-per-base adjusted by each side's decimals.
// Returns false when the inputs are degenerate or the result falls outside
// the caller's sanity bounds.
func ResolvePrice(quoteRaw, baseRaw uint64, quoteDecimals, baseDecimals int, bounds Bounds) (float64, bool) {
	if quoteRaw == 0 || baseRaw == 0 || quoteDecimals < 0 || baseDecimals < 0 {
		return 0, false
	}

	quoteAmount := float64(quoteRaw) / pow10(quoteDecimals)
	baseAmount := float64(baseRaw) / pow10(baseDecimals)
	if baseAmount <= 0 {
		return 0, false
	}

	price := quoteAmount / baseAmount
	if !bounds.Contains(price) {
		return 0, false
	}
	return price, true
}

// ResolveSolPerToken computes SOL per token from raw lamports and a raw token
// amount with known token decimals.
func ResolveSolPerToken(solLamports, tokenRaw uint64, tokenDecimals int, bounds Bounds) (float64, bool) {
	return ResolvePrice(solLamports, tokenRaw, SolDecimals, tokenDecimals, bounds)
}

// DetectDecimals resolves a SOL-denominated price when the token decimals are
// unknown. A non-negative known value (from an authoritative lookup) is tried
// first; after that each candidate in DecimalCandidates is tested in order and
// the first one landing inside bounds is accepted. This can pick a technically
// wrong but plausible value when two candidates both land in-band; downstream
// consumers depend on the first-candidate-wins tie-break.
func DetectDecimals(solLamports, tokenRaw uint64, known int, bounds Bounds) (price float64, decimals int, ok bool) {
	if solLamports == 0 || tokenRaw == 0 {
		return 0, 0, false
	}

	if known >= 0 {
		if p, valid := ResolveSolPerToken(solLamports, tokenRaw, known, bounds); valid {
			return p, known, true
		}
	}

	for _, candidate := range DecimalCandidates {
		if p, valid := ResolveSolPerToken(solLamports, tokenRaw, candidate, bounds); valid {
			return p, candidate, true
		}
	}
	return 0, 0, false
}
