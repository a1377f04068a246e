package dex

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRaydiumV4_SwapBaseIn(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	logs := []string{
		"Program log: Instruction: SwapBaseIn",
		"Program log: transfer amount: 1000000",
		"Program log: transfer amount: 950000",
	}

	ev := p.ParseSwapLogs(logs, "sig123", "")
	require.NotNil(t, ev)

	assert.Equal(t, IDRaydiumV4, ev.DEX)
	assert.Equal(t, "swapbasein", ev.InstructionType)
	assert.Equal(t, uint64(1_000_000), ev.AmountIn)
	assert.Equal(t, uint64(950_000), ev.AmountOut)
	assert.GreaterOrEqual(t, ev.Confidence, 0.3)
	assert.Equal(t, SourceBlockchain, ev.Source)
	assert.Equal(t, "sig123", ev.Signature)

	// token in (6 decimals assumed), SOL out
	assert.InDelta(t, 0.00095, ev.PriceSOL, 1e-12)
}

func TestRaydiumV4_SwapBaseOut(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	logs := []string{
		"Program log: Instruction: SwapBaseOut",
		"Program log: transfer amount: 950000",
		"Program log: transfer amount: 1000000",
	}

	ev := p.ParseSwapLogs(logs, "sig456", "")
	require.NotNil(t, ev)
	assert.Equal(t, "swapbaseout", ev.InstructionType)
	// Largest-two rule: in = 1000000, out = 950000 regardless of log order.
	assert.Equal(t, uint64(1_000_000), ev.AmountIn)
	assert.Equal(t, uint64(950_000), ev.AmountOut)
}

func TestRaydiumV4_NoSwapInstruction(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	ev := p.ParseSwapLogs([]string{
		"Program log: transfer amount: 1000000",
		"Program log: transfer amount: 950000",
	}, "sig", "")
	assert.Nil(t, ev)
}

func TestRaydiumV4_NegativeMintFilter(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	otherMint := solana.NewWallet().PublicKey().String()
	targetMint := solana.NewWallet().PublicKey().String()

	logs := []string{
		"Program log: Instruction: SwapBaseIn",
		"Program log: mint " + otherMint,
		"Program log: transfer amount: 1000000",
		"Program log: transfer amount: 950000",
	}

	// The transaction mentions a different mint: must be rejected.
	assert.Nil(t, p.ParseSwapLogs(logs, "sig", targetMint))

	// Same logs without a target pass through.
	ev := p.ParseSwapLogs(logs, "sig", "")
	require.NotNil(t, ev)
	assert.Contains(t, ev.Mints, otherMint)

	// And a matching target passes too.
	ev = p.ParseSwapLogs(logs, "sig", otherMint)
	require.NotNil(t, ev)
	assert.Equal(t, otherMint, ev.Mint)
}

func TestRaydiumV4_AmountBandFilter(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	// Both amounts outside the plausible window: no legs, no price, and
	// confidence stays below the emission threshold without them.
	ev := p.ParseSwapLogs([]string{
		"Program log: Instruction: SwapBaseIn",
		"Program log: transfer amount: 5",
		"Program log: transfer amount: 9000000000000000",
	}, "sig", "")
	if ev != nil {
		assert.Zero(t, ev.AmountIn)
		assert.Zero(t, ev.PriceSOL)
	}
}

func poolStateFixture(baseDecimals, quoteDecimals uint64, baseVault, quoteVault solana.PublicKey) []byte {
	data := make([]byte, raydiumV4StateSize)
	binary.LittleEndian.PutUint64(data[raydiumV4BaseDecimalOffset:], baseDecimals)
	binary.LittleEndian.PutUint64(data[raydiumV4QuoteDecimalOff:], quoteDecimals)
	copy(data[raydiumV4BaseVaultOffset:], baseVault[:])
	copy(data[raydiumV4QuoteVaultOffset:], quoteVault[:])
	return data
}

func TestRaydiumV4_ParseAccountUpdate(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))

	baseVault := solana.NewWallet().PublicKey()
	quoteVault := solana.NewWallet().PublicKey()
	data := poolStateFixture(6, 9, baseVault, quoteVault)

	ev := p.ParseAccountUpdate(data, "pool1")
	require.NotNil(t, ev)

	assert.Equal(t, EventAccountUpdate, ev.Type)
	assert.Equal(t, 6, ev.Meta["base_decimals"])
	assert.Equal(t, 9, ev.Meta["quote_decimals"])
	assert.Equal(t, baseVault.String(), ev.Meta["pool_base_vault"])
	assert.Equal(t, quoteVault.String(), ev.Meta["pool_quote_vault"])
	assert.Equal(t, true, ev.Meta["requires_vault_fetch"])
}

func TestRaydiumV4_ParseAccountUpdate_TooShort(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))
	assert.Nil(t, p.ParseAccountUpdate(make([]byte, 100), "pool1"))
}

func TestRaydiumV4_ParseAccountUpdate_BadDecimals(t *testing.T) {
	p := NewRaydiumV4Parser(zaptest.NewLogger(t))
	data := poolStateFixture(200, 9, solana.PublicKey{}, solana.PublicKey{})
	assert.Nil(t, p.ParseAccountUpdate(data, "pool1"))
}
