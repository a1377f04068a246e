// Package monitor compares prices observed on-chain against external price
// APIs and periodically reports the divergence per token.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
)

const (
	// DefaultReportInterval is how often the comparison report is logged.
	DefaultReportInterval = 60 * time.Second

	// solPriceCacheTTL bounds how long a fetched SOL/USD price is reused.
	solPriceCacheTTL = 5 * time.Minute

	// fallbackSolPriceUSD is used when no SOL/USD source is reachable.
	fallbackSolPriceUSD = 150.0

	// warnRedRatio triggers a summary warning when this fraction of
	// compared tokens diverges by more than 3%.
	warnRedRatio = 5.0
)

// Divergence buckets for a single comparison row.
const (
	BucketOK     = "<=1%"
	BucketNotice = "1-3%"
	BucketAlert  = ">3%"
)

// SolPriceFunc returns the current SOL price in USD.
type SolPriceFunc func(ctx context.Context) (float64, error)

// tokenPrices holds the most recent price per source class for one mint.
type tokenPrices struct {
	blockchainSOL float64
	externalSOL   float64
	externalUSD   float64
	dexID         string
	lastUpdate    time.Time
}

// ComparisonRow is one token's entry in a comparison report.
type ComparisonRow struct {
	Mint          string
	DEX           string
	BlockchainSOL float64
	ExternalSOL   float64
	BlockchainUSD float64
	ExternalUSD   float64
	DiffPercent   float64
	Bucket        string
}

// ComparisonReport summarizes one reporting interval.
type ComparisonReport struct {
	Rows            []ComparisonRow
	ActiveTokens    int
	ComparedTokens  int
	AlertTokens     int
	AlertPercentage float64
	Warning         bool
	SolPriceUSD     float64
	GeneratedAt     time.Time
}

// Aggregator tracks blockchain and external-API prices per mint and emits a
// comparison report on a fixed interval. Entries that have not been updated
// for two intervals are dropped from both the report and the table.
type Aggregator struct {
	mu       sync.Mutex
	prices   map[string]*tokenPrices
	interval time.Duration
	logger   *zap.Logger

	solPrice     SolPriceFunc
	cachedSolUSD float64
	solCachedAt  time.Time
}

// NewAggregator creates a price comparison aggregator. solPrice may be nil,
// in which case a fixed fallback SOL price is used for USD conversions.
func NewAggregator(interval time.Duration, solPrice SolPriceFunc, logger *zap.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Aggregator{
		prices:   make(map[string]*tokenPrices),
		interval: interval,
		logger:   logger,
		solPrice: solPrice,
	}
}

// Observe records a swap event's price under the event's source class.
// Events without a usable mint or price are ignored.
func (a *Aggregator) Observe(ev *dex.SwapEvent) {
	if ev == nil || ev.Mint == "" {
		return
	}
	if ev.PriceSOL <= 0 && ev.PriceUSD <= 0 {
		return
	}
	if ev.Source != dex.SourceBlockchain && ev.Source != dex.SourceExternalAPI {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tp, ok := a.prices[ev.Mint]
	if !ok {
		tp = &tokenPrices{}
		a.prices[ev.Mint] = tp
	}

	switch ev.Source {
	case dex.SourceBlockchain:
		if ev.PriceSOL > 0 {
			tp.blockchainSOL = ev.PriceSOL
		}
	case dex.SourceExternalAPI:
		if ev.PriceSOL > 0 {
			tp.externalSOL = ev.PriceSOL
		}
		if ev.PriceUSD > 0 {
			tp.externalUSD = ev.PriceUSD
		}
	}
	if ev.DEX != "" {
		tp.dexID = ev.DEX
	}
	tp.lastUpdate = time.Now()
}

// Run emits a comparison report every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.logReport(a.Report(ctx))
		}
	}
}

// Report builds the current comparison report and evicts stale entries.
func (a *Aggregator) Report(ctx context.Context) ComparisonReport {
	solUSD := a.solPriceUSD(ctx)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	report := ComparisonReport{
		SolPriceUSD: solUSD,
		GeneratedAt: now,
	}

	for mint, tp := range a.prices {
		if now.Sub(tp.lastUpdate) > 2*a.interval {
			delete(a.prices, mint)
			continue
		}
		report.ActiveTokens++

		if tp.blockchainSOL <= 0 {
			continue
		}
		extSOL := tp.externalSOL
		if extSOL <= 0 && tp.externalUSD > 0 && solUSD > 0 {
			extSOL = tp.externalUSD / solUSD
		}
		if extSOL <= 0 {
			continue
		}
		report.ComparedTokens++

		diff := (tp.blockchainSOL - extSOL) / extSOL * 100
		row := ComparisonRow{
			Mint:          mint,
			DEX:           tp.dexID,
			BlockchainSOL: tp.blockchainSOL,
			ExternalSOL:   extSOL,
			BlockchainUSD: tp.blockchainSOL * solUSD,
			ExternalUSD:   extSOL * solUSD,
			DiffPercent:   diff,
			Bucket:        bucketFor(diff),
		}
		if row.Bucket == BucketAlert {
			report.AlertTokens++
		}
		report.Rows = append(report.Rows, row)
	}

	sort.Slice(report.Rows, func(i, j int) bool {
		return math.Abs(report.Rows[i].DiffPercent) > math.Abs(report.Rows[j].DiffPercent)
	})

	if report.ComparedTokens > 0 {
		report.AlertPercentage = float64(report.AlertTokens) / float64(report.ComparedTokens) * 100
	}
	report.Warning = report.AlertPercentage > warnRedRatio
	return report
}

// bucketFor classifies an absolute price divergence.
func bucketFor(diffPercent float64) string {
	abs := math.Abs(diffPercent)
	switch {
	case abs > 3:
		return BucketAlert
	case abs > 1:
		return BucketNotice
	default:
		return BucketOK
	}
}

// solPriceUSD returns a cached SOL price, refreshing it from the configured
// source at most every solPriceCacheTTL.
func (a *Aggregator) solPriceUSD(ctx context.Context) float64 {
	a.mu.Lock()
	cached, at := a.cachedSolUSD, a.solCachedAt
	a.mu.Unlock()

	if cached > 0 && time.Since(at) < solPriceCacheTTL {
		return cached
	}
	if a.solPrice != nil {
		price, err := a.solPrice(ctx)
		if err == nil && price > 0 {
			a.mu.Lock()
			a.cachedSolUSD = price
			a.solCachedAt = time.Now()
			a.mu.Unlock()
			return price
		}
		if err != nil {
			a.logger.Debug("SOL price fetch failed, using fallback",
				zap.Error(err))
		}
	}
	if cached > 0 {
		return cached
	}
	return fallbackSolPriceUSD
}

// logReport writes the report as a fixed-width table.
func (a *Aggregator) logReport(report ComparisonReport) {
	if report.ActiveTokens == 0 {
		a.logger.Info("no price data available")
		return
	}

	a.logger.Info("price comparison report",
		zap.Duration("interval", a.interval),
		zap.Int("active_tokens", report.ActiveTokens),
		zap.Int("compared_tokens", report.ComparedTokens))

	for _, row := range report.Rows {
		a.logger.Info(fmt.Sprintf("%-7s %7.2f%% %14.9f %14.9f $%12.6f $%12.6f %s",
			row.Bucket,
			row.DiffPercent,
			row.BlockchainSOL,
			row.ExternalSOL,
			row.BlockchainUSD,
			row.ExternalUSD,
			row.Mint),
			zap.String("dex", row.DEX))
	}

	summary := fmt.Sprintf("summary: %d active | %d compared | %d/%d above 3%% (%.1f%%)",
		report.ActiveTokens, report.ComparedTokens,
		report.AlertTokens, report.ComparedTokens, report.AlertPercentage)
	if report.Warning {
		a.logger.Warn(summary + " - divergence above threshold")
	} else {
		a.logger.Info(summary)
	}
	a.logger.Info(fmt.Sprintf("SOL price: $%.2f USD", report.SolPriceUSD))
}
