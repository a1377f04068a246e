// Package solrpc provides a round-robin pool of Solana JSON-RPC clients
// with per-request failover, used for mint account lookups.
package solrpc

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// Pool rotates requests across several RPC endpoints. A failing endpoint
// is skipped for the current request; rotation keeps load spread without
// health bookkeeping.
type Pool struct {
	clients []*rpc.Client
	urls    []string
	logger  *zap.Logger

	mu    sync.Mutex
	index int
}

// NewPool creates a pool over the given endpoint URLs.
func NewPool(urls []string, logger *zap.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("empty RPC endpoint list")
	}

	clients := make([]*rpc.Client, 0, len(urls))
	for _, endpoint := range urls {
		if _, err := url.Parse(endpoint); err != nil {
			return nil, errors.New("invalid RPC URL: " + endpoint)
		}
		clients = append(clients, rpc.New(endpoint))
	}

	return &Pool{
		clients: clients,
		urls:    urls,
		logger:  logger.Named("rpc_pool"),
	}, nil
}

// next returns the next client in rotation along with its position.
func (p *Pool) next() (*rpc.Client, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.index
	p.index = (p.index + 1) % len(p.clients)
	return p.clients[i], i
}

// GetAccountInfo fetches account data, failing over to the remaining
// endpoints when one errors. The last error is returned when all fail.
func (p *Pool) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	var lastErr error
	for range p.clients {
		client, i := p.next()
		result, err := client.GetAccountInfo(ctx, account)
		if err == nil {
			return result, nil
		}
		lastErr = err
		p.logger.Debug("RPC endpoint failed, rotating",
			zap.String("endpoint", p.urls[i]),
			zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
