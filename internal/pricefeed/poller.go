package pricefeed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
)

// Callback receives one normalized event per fetched quote.
type Callback func(*dex.SwapEvent)

// Poller drives all registered sources on a fixed interval and converts
// their quotes into external-api events. The monitored mint set can be
// changed while the poller runs.
type Poller struct {
	sources  []Source
	interval time.Duration
	callback Callback
	logger   *zap.Logger

	mu    sync.RWMutex
	mints map[string]struct{}
}

func NewPoller(sources []Source, interval time.Duration, callback Callback, logger *zap.Logger) *Poller {
	return &Poller{
		sources:  sources,
		interval: interval,
		callback: callback,
		logger:   logger.Named("price_poller"),
		mints:    make(map[string]struct{}),
	}
}

// Watch adds a mint to the polled set.
func (p *Poller) Watch(mint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mints[mint] = struct{}{}
}

// Unwatch removes a mint from the polled set.
func (p *Poller) Unwatch(mint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mints, mint)
}

func (p *Poller) watched() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mints := make([]string, 0, len(p.mints))
	for m := range p.mints {
		mints = append(mints, m)
	}
	return mints
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting price poller",
		zap.Duration("interval", p.interval),
		zap.Int("sources", len(p.sources)))

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-ctx.Done():
			p.logger.Debug("Price poller stopped")
			return
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	mints := p.watched()
	if len(mints) == 0 {
		return
	}

	for _, src := range p.sources {
		quotes, err := src.FetchPrices(ctx, mints)
		if err != nil {
			p.logger.Warn("Price fetch failed",
				zap.String("source", src.ID()),
				zap.Error(err))
			continue
		}

		for _, q := range quotes {
			p.emit(src.ID(), q)
		}
	}
}

func (p *Poller) emit(sourceID string, q Quote) {
	if p.callback == nil {
		return
	}

	p.callback(&dex.SwapEvent{
		DEX:        sourceID,
		Type:       dex.EventSwap,
		Source:     dex.SourceExternalAPI,
		Mint:       q.Mint,
		PriceSOL:   q.PriceSOL,
		PriceUSD:   q.PriceUSD,
		Confidence: 1.0,
		Timestamp:  time.Now(),
	})
}
