package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

const lookupTimeout = 10 * time.Second

// AccountInfoClient is the slice of the RPC client needed for mint lookups.
type AccountInfoClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// DecimalsCache caches mint decimals for the process lifetime. Entries are
// filled from the chain on first miss; a failed lookup stores the fallback so
// the same mint is not retried on every event.
type DecimalsCache struct {
	client AccountInfoClient
	logger *zap.Logger
	cache  sync.Map // mint string -> int
}

// NewDecimalsCache creates a cache backed by the given RPC client. A nil
// client disables authoritative lookups and always yields the fallback.
func NewDecimalsCache(client AccountInfoClient, logger *zap.Logger) *DecimalsCache {
	return &DecimalsCache{
		client: client,
		logger: logger.Named("decimals_cache"),
	}
}

// Decimals returns the decimals for mint, consulting the cache before any
// network lookup. Unknown mints fall back to DefaultTokenDecimals.
func (c *DecimalsCache) Decimals(ctx context.Context, mint string) int {
	if value, ok := c.cache.Load(mint); ok {
		return value.(int)
	}

	decimals, err := c.fetchFromChain(ctx, mint)
	if err != nil {
		c.logger.Debug("authoritative decimals lookup failed, using fallback",
			zap.String("mint", mint),
			zap.Int("fallback", DefaultTokenDecimals),
			zap.Error(err))
		decimals = DefaultTokenDecimals
	}

	c.cache.Store(mint, decimals)
	return decimals
}

// Known reports the cached decimals for mint without triggering a lookup.
// Returns -1 when the mint has never been resolved.
func (c *DecimalsCache) Known(mint string) int {
	if value, ok := c.cache.Load(mint); ok {
		return value.(int)
	}
	return -1
}

// Store primes the cache, e.g. from an account update that carries decimals.
func (c *DecimalsCache) Store(mint string, decimals int) {
	c.cache.Store(mint, decimals)
}

func (c *DecimalsCache) fetchFromChain(ctx context.Context, mint string) (int, error) {
	if c.client == nil {
		return 0, fmt.Errorf("no RPC client configured")
	}

	pubkey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint address: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	acc, err := c.client.GetAccountInfo(ctx, pubkey)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if acc == nil || acc.Value == nil {
		return 0, fmt.Errorf("mint account not found: %s", mint)
	}

	// SPL mint layout: decimals is the single byte at offset 44.
	data := acc.Value.Data.GetBinary()
	if len(data) < 45 {
		return 0, fmt.Errorf("invalid mint account data length: %d", len(data))
	}

	decimals := int(data[44])
	c.logger.Debug("resolved mint decimals from chain",
		zap.String("mint", mint),
		zap.Int("decimals", decimals))
	return decimals, nil
}
