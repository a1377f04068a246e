package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
)

const (
	jupiterBaseURL = "https://lite-api.jup.ag/price/v2"

	// solMint is the wrapped SOL mint, used as the vs-token so quotes
	// come back SOL-denominated.
	solMint = "So11111111111111111111111111111111111111112"

	// No small token should cost more than 10 SOL; quotes above are
	// API glitches.
	jupiterMaxPriceSOL = 10.0

	feedRequestTimeout = 5 * time.Second
)

// jupiterResponse wraps the per-mint price map. Prices arrive as
// decimal strings.
type jupiterResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// JupiterSource polls the Jupiter price API for SOL-denominated quotes.
type JupiterSource struct {
	client  *http.Client
	logger  *zap.Logger
	baseURL string
}

func NewJupiterSource(logger *zap.Logger) *JupiterSource {
	return &JupiterSource{
		client: &http.Client{
			Timeout: feedRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger.Named("jupiter_price"),
		baseURL: jupiterBaseURL,
	}
}

func (s *JupiterSource) ID() string { return dex.IDJupiterPrice }

func (s *JupiterSource) FetchPrices(ctx context.Context, mints []string) (map[string]Quote, error) {
	if len(mints) == 0 {
		return map[string]Quote{}, nil
	}

	params := url.Values{}
	params.Set("ids", strings.Join(mints, ","))
	params.Set("vsToken", solMint)

	resp, err := s.get(ctx, params)
	if err != nil {
		return nil, err
	}

	solUSD, err := s.SolPriceUSD(ctx)
	if err != nil {
		s.logger.Debug("SOL/USD lookup failed, quotes carry SOL price only", zap.Error(err))
		solUSD = 0
	}

	quotes := make(map[string]Quote, len(resp.Data))
	for mint, info := range resp.Data {
		priceSOL, err := strconv.ParseFloat(info.Price, 64)
		if err != nil || priceSOL <= 0 {
			continue
		}
		if priceSOL > jupiterMaxPriceSOL {
			s.logger.Warn("Rejecting implausible quote",
				zap.String("mint", mint),
				zap.Float64("price_sol", priceSOL))
			continue
		}

		q := Quote{Mint: mint, PriceSOL: priceSOL, SolPriceUSD: solUSD}
		if solUSD > 0 {
			q.PriceUSD = priceSOL * solUSD
		}
		quotes[mint] = q
	}
	return quotes, nil
}

// SolPriceUSD queries the SOL mint without a vs-token, which yields a
// USD quote.
func (s *JupiterSource) SolPriceUSD(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Set("ids", solMint)

	resp, err := s.get(ctx, params)
	if err != nil {
		return 0, err
	}

	info, ok := resp.Data[solMint]
	if !ok {
		return 0, fmt.Errorf("no SOL quote in response")
	}

	price, err := strconv.ParseFloat(info.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("invalid SOL quote %q", info.Price)
	}
	return price, nil
}

func (s *JupiterSource) get(ctx context.Context, params url.Values) (*jupiterResponse, error) {
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

	var out jupiterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
