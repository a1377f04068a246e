package dex

import (
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-dexfeed/internal/pricing"
)

func newPumpSwapParser(t *testing.T) *PumpSwapParser {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewPumpSwapParser(pricing.NewDecimalsCache(nil, logger), logger)
}

func TestPumpSwap_BalanceUpdatePair(t *testing.T) {
	p := newPumpSwapParser(t)

	// 0.1 SOL against 1000 tokens at 6 decimals: 0.0001 SOL per token.
	logs := []string{
		"Program pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA invoke [1]",
		"Program log: Pump B: 100000000, S: 1000000000",
	}

	ev := p.ParseSwapLogs(logs, "sig", "")
	require.NotNil(t, ev)

	assert.Equal(t, IDPumpSwap, ev.DEX)
	assert.Equal(t, "balance_update", ev.InstructionType)
	assert.Equal(t, uint64(100_000_000), ev.AmountIn)
	assert.Equal(t, uint64(1_000_000_000), ev.AmountOut)
	assert.InDelta(t, 0.0001, ev.PriceSOL, 1e-12)
	assert.Equal(t, 6, ev.Meta["token_decimals_used"])
}

func TestPumpSwap_CachedDecimalsOverrideCandidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	decimals := pricing.NewDecimalsCache(nil, logger)
	p := NewPumpSwapParser(decimals, logger)

	mint := solana.NewWallet().PublicKey().String()
	decimals.Store(mint, 9)

	logs := []string{
		"Program log: mint " + mint,
		"Program log: Pump B: 100000000, S: 1000000000",
	}

	ev := p.ParseSwapLogs(logs, "sig", mint)
	require.NotNil(t, ev)

	// 9 decimals from the authoritative cache, not the first candidate 6.
	assert.Equal(t, 9, ev.Meta["token_decimals_used"])
	assert.InDelta(t, 0.1, ev.PriceSOL, 1e-12)
}

func TestPumpSwap_BuyInstruction(t *testing.T) {
	p := newPumpSwapParser(t)

	ev := p.ParseSwapLogs([]string{"Program log: Instruction: Buy"}, "sig", "")
	require.NotNil(t, ev)
	assert.Equal(t, "buy", ev.InstructionType)
	assert.Zero(t, ev.PriceSOL)
}

func TestPumpSwap_ExplicitPriceObeysBounds(t *testing.T) {
	p := newPumpSwapParser(t)

	ev := p.ParseSwapLogs([]string{"Program log: price: 0.00042"}, "sig", "")
	require.NotNil(t, ev)
	assert.InDelta(t, 0.00042, ev.PriceSOL, 1e-12)

	// Out-of-band explicit prices are ignored entirely.
	ev = p.ParseSwapLogs([]string{"Program log: price: 50000"}, "sig", "")
	assert.Nil(t, ev)
}

func TestPumpSwap_NegativeMintFilter(t *testing.T) {
	p := newPumpSwapParser(t)

	otherMint := solana.NewWallet().PublicKey().String()
	target := solana.NewWallet().PublicKey().String()

	logs := []string{
		"Program log: mint " + otherMint,
		"Program log: Pump B: 100000000, S: 1000000000",
	}

	assert.Nil(t, p.ParseSwapLogs(logs, "sig", target))
	assert.NotNil(t, p.ParseSwapLogs(logs, "sig", otherMint))
}

func TestPumpSwap_NoRelevantLogs(t *testing.T) {
	p := newPumpSwapParser(t)
	assert.Nil(t, p.ParseSwapLogs([]string{"Program log: something unrelated"}, "sig", ""))
	assert.Nil(t, p.ParseSwapLogs(nil, "sig", ""))
}

func poolAccountFixture(t *testing.T, layout pumpSwapAMMLayout) []byte {
	t.Helper()
	data, err := bin.MarshalBorsh(&layout)
	require.NoError(t, err)
	return data
}

func TestPumpSwap_ParseAccountUpdate(t *testing.T) {
	p := newPumpSwapParser(t)

	mint := solana.NewWallet().PublicKey()
	layout := pumpSwapAMMLayout{
		Version:      1,
		Status:       1,
		Decimals:     6,
		SolBalance:   100_000_000,   // 0.1 SOL
		TokenBalance: 1_000_000_000, // 1000 tokens at 6 decimals
		TokenMint:    mint,
		TokenVault:   solana.NewWallet().PublicKey(),
		SolVault:     solana.NewWallet().PublicKey(),
	}

	ev := p.ParseAccountUpdate(poolAccountFixture(t, layout), "pool1")
	require.NotNil(t, ev)

	assert.Equal(t, EventAccountUpdate, ev.Type)
	assert.Equal(t, mint.String(), ev.Mint)
	assert.InDelta(t, 0.0001, ev.PriceSOL, 1e-12)
	assert.Equal(t, 6, ev.Meta["token_decimals_used"])

	// The layout's decimals prime the cache for log parsing.
	assert.Equal(t, 6, p.decimals.Known(mint.String()))
}

func TestPumpSwap_ParseAccountUpdate_Garbage(t *testing.T) {
	p := newPumpSwapParser(t)
	assert.Nil(t, p.ParseAccountUpdate([]byte{0x01, 0x02}, "pool1"))
	assert.Nil(t, p.ParseAccountUpdate(nil, "pool1"))
}
