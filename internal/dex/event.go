// Package dex decodes protocol-specific transaction logs and account
// layouts into normalized swap events.
package dex

import "time"

// Stable DEX identifiers. These key the parser registry and the
// per-program subscription configuration.
const (
	IDRaydiumV4    = "raydium_v4"
	IDRaydiumCLMM  = "raydium_clmm"
	IDPumpSwap     = "pumpswap"
	IDJupiterPrice = "jupiter_price"
	IDRaydiumPrice = "raydium_price"
)

// SourceClass separates on-chain observations from polled REST sources.
type SourceClass string

const (
	SourceBlockchain  SourceClass = "blockchain"
	SourceExternalAPI SourceClass = "external-api"
)

// EventType classifies what a parser recognized in the payload.
type EventType string

const (
	EventSwap           EventType = "swap"
	EventAccountUpdate  EventType = "account_update"
	EventPoolInitialize EventType = "pool_initialize"
)

// SwapEvent is the normalized output of every parser and price source.
// It is immutable once produced; consumers that need retention must copy.
type SwapEvent struct {
	DEX             string      // registry identifier, e.g. "raydium_v4"
	Type            EventType   // swap, account update, pool initialize
	Source          SourceClass // blockchain or external-api
	Signature       string      // transaction signature, empty for account/REST events
	InstructionType string      // e.g. "swapbasein", "buy", "balance_update"

	AmountIn  uint64 // raw units, zero when not recovered
	AmountOut uint64

	Mint  string   // resolved token mint, empty when unknown
	Mints []string // every mint-looking address extracted from the payload

	// PriceSOL is the native-quote price per token. Zero means the parser
	// could not compute a price inside its sanity window; such events carry
	// structural information only.
	PriceSOL float64
	// PriceUSD is derived downstream from the SOL/USD rate, best-effort.
	PriceUSD float64

	// Confidence accumulates small weighted increments per recognized
	// log token, in [0, 1].
	Confidence float64

	// Meta carries protocol-specific extras (vault addresses, tick,
	// sqrt price classification) for consumers that want them.
	Meta map[string]any

	// Logs is the originating payload, kept for traceability.
	Logs []string

	Timestamp time.Time
}

func clampConfidence(c float64) float64 {
	if c > 1.0 {
		return 1.0
	}
	return c
}
