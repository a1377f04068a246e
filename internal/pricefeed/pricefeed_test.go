package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
)

const testMint = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"

func TestJupiterSource_FetchPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("ids")
		if ids == solMint && r.URL.Query().Get("vsToken") == "" {
			// SOL/USD leg.
			fmt.Fprintf(w, `{"data":{"%s":{"price":"150.0"}}}`, solMint)
			return
		}
		fmt.Fprintf(w, `{"data":{"%s":{"price":"0.0001"},"BadMint":{"price":"99.5"},"Rejected":{"price":"50.0"}}}`, testMint)
	}))
	defer srv.Close()

	s := NewJupiterSource(zaptest.NewLogger(t))
	s.baseURL = srv.URL

	quotes, err := s.FetchPrices(context.Background(), []string{testMint, "BadMint", "Rejected"})
	require.NoError(t, err)

	q, ok := quotes[testMint]
	require.True(t, ok)
	assert.InDelta(t, 0.0001, q.PriceSOL, 1e-12)
	assert.InDelta(t, 0.015, q.PriceUSD, 1e-9)
	assert.InDelta(t, 150.0, q.SolPriceUSD, 1e-9)

	// 50 SOL per token fails the plausibility gate.
	_, ok = quotes["Rejected"]
	assert.False(t, ok)
}

func TestJupiterSource_SolPriceUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"%s":{"price":"147.25"}}}`, solMint)
	}))
	defer srv.Close()

	s := NewJupiterSource(zaptest.NewLogger(t))
	s.baseURL = srv.URL

	price, err := s.SolPriceUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 147.25, price, 1e-9)
}

func TestJupiterSource_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewJupiterSource(zaptest.NewLogger(t))
	s.baseURL = srv.URL

	_, err := s.FetchPrices(context.Background(), []string{testMint})
	assert.Error(t, err)
}

func TestRaydiumSource_FetchPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"data":{"%s":0.015,"UnrequestedMint":1.0}}`, testMint)
	}))
	defer srv.Close()

	solUSD := func(context.Context) (float64, error) { return 150.0, nil }
	s := NewRaydiumSource(solUSD, zaptest.NewLogger(t))
	s.baseURL = srv.URL

	quotes, err := s.FetchPrices(context.Background(), []string{testMint})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[testMint]
	assert.InDelta(t, 0.015, q.PriceUSD, 1e-9)
	assert.InDelta(t, 0.0001, q.PriceSOL, 1e-12)
}

func TestRaydiumSource_Unsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false}`)
	}))
	defer srv.Close()

	s := NewRaydiumSource(nil, zaptest.NewLogger(t))
	s.baseURL = srv.URL

	_, err := s.FetchPrices(context.Background(), []string{testMint})
	assert.Error(t, err)
}

type stubSource struct {
	id     string
	quotes map[string]Quote
	err    error

	mu    sync.Mutex
	calls [][]string
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) FetchPrices(_ context.Context, mints []string) (map[string]Quote, error) {
	s.mu.Lock()
	s.calls = append(s.calls, mints)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.quotes, nil
}

func TestPoller_EmitsExternalAPIEvents(t *testing.T) {
	src := &stubSource{
		id: dex.IDJupiterPrice,
		quotes: map[string]Quote{
			testMint: {Mint: testMint, PriceSOL: 0.0001, PriceUSD: 0.015},
		},
	}
	failing := &stubSource{id: dex.IDRaydiumPrice, err: assert.AnError}

	events := make(chan *dex.SwapEvent, 4)
	p := NewPoller([]Source{src, failing}, time.Hour, func(ev *dex.SwapEvent) {
		events <- ev
	}, zaptest.NewLogger(t))
	p.Watch(testMint)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-events:
		assert.Equal(t, dex.IDJupiterPrice, ev.DEX)
		assert.Equal(t, dex.SourceExternalAPI, ev.Source)
		assert.Equal(t, testMint, ev.Mint)
		assert.InDelta(t, 0.0001, ev.PriceSOL, 1e-12)
	case <-time.After(5 * time.Second):
		t.Fatal("no event emitted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	// One failing source must not block the other.
	failing.mu.Lock()
	assert.NotEmpty(t, failing.calls)
	failing.mu.Unlock()
}

func TestPoller_NoMintsNoCalls(t *testing.T) {
	src := &stubSource{id: dex.IDJupiterPrice}
	p := NewPoller([]Source{src}, time.Hour, nil, zaptest.NewLogger(t))

	p.pollOnce(context.Background())
	assert.Empty(t, src.calls)

	p.Watch(testMint)
	p.Unwatch(testMint)
	p.pollOnce(context.Background())
	assert.Empty(t, src.calls)
}
