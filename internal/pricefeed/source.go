// Package pricefeed polls REST price APIs as an independent signal
// next to the on-chain parsers. Sources produce the same normalized
// event shape, tagged as external-api.
package pricefeed

import "context"

// Quote is one source's view of a token price. PriceSOL or PriceUSD may
// be zero when the source quotes only one denomination.
type Quote struct {
	Mint        string
	PriceSOL    float64
	PriceUSD    float64
	SolPriceUSD float64
}

// Source fetches quotes for a batch of mints in one round trip.
type Source interface {
	// ID returns the stable DEX identifier used for events from this
	// source.
	ID() string

	// FetchPrices returns a quote per mint; mints the source does not
	// know are simply absent from the result.
	FetchPrices(ctx context.Context, mints []string) (map[string]Quote, error)
}
