package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
)

const raydiumBaseURL = "https://api.raydium.io/v2/main/price"

// raydiumResponse: USD prices keyed by mint, behind a success flag.
type raydiumResponse struct {
	Success bool               `json:"success"`
	Data    map[string]float64 `json:"data"`
}

// RaydiumSource polls the Raydium price API. Quotes are USD-denominated;
// the SOL price is derived through the provided SOL/USD lookup.
type RaydiumSource struct {
	client  *http.Client
	logger  *zap.Logger
	baseURL string

	// solPriceUSD supplies the conversion rate, typically the Jupiter
	// source. A nil func leaves PriceSOL unset.
	solPriceUSD func(ctx context.Context) (float64, error)
}

func NewRaydiumSource(solPriceUSD func(ctx context.Context) (float64, error), logger *zap.Logger) *RaydiumSource {
	return &RaydiumSource{
		client: &http.Client{
			Timeout: feedRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:      logger.Named("raydium_price"),
		baseURL:     raydiumBaseURL,
		solPriceUSD: solPriceUSD,
	}
}

func (s *RaydiumSource) ID() string { return dex.IDRaydiumPrice }

func (s *RaydiumSource) FetchPrices(ctx context.Context, mints []string) (map[string]Quote, error) {
	if len(mints) == 0 {
		return map[string]Quote{}, nil
	}

	params := url.Values{}
	params.Set("mints", strings.Join(mints, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out raydiumResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("API reported failure")
	}

	var solUSD float64
	if s.solPriceUSD != nil {
		if v, err := s.solPriceUSD(ctx); err == nil {
			solUSD = v
		} else {
			s.logger.Debug("SOL/USD lookup failed, quotes carry USD price only", zap.Error(err))
		}
	}

	wanted := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		wanted[m] = struct{}{}
	}

	quotes := make(map[string]Quote)
	for mint, priceUSD := range out.Data {
		if _, ok := wanted[mint]; !ok {
			continue
		}
		if priceUSD <= 0 {
			continue
		}

		q := Quote{Mint: mint, PriceUSD: priceUSD, SolPriceUSD: solUSD}
		if solUSD > 0 {
			q.PriceSOL = priceUSD / solUSD
		}
		quotes[mint] = q
	}
	return quotes, nil
}
