package premium

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Diabetes Treatment", "diabetes treatment"},
		{"  diabetes\t  treatment \n", "diabetes treatment"},
		{"CANCER immunotherapy", "cancer immunotherapy"},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuery(tt.in), "input %q", tt.in)
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"0.001", 6, "1000", false},
		{"$1.50", 6, "1500000", false},
		{"2", 6, "2000000", false},
		{".5", 6, "500000", false},
		{"0.001", 18, "1000000000000000", false},
		{"1.0000001", 6, "", true},
		{"abc", 6, "", true},
		{"1.", 6, "", true},
		{"-1", 6, "", true},
		{"", 6, "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.amount, tt.decimals)
		if tt.wantErr {
			assert.Error(t, err, "amount %q", tt.amount)
			continue
		}
		require.NoError(t, err, "amount %q", tt.amount)
		assert.Equal(t, tt.want, got.String(), "amount %q", tt.amount)
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "0.001", FormatUnits(big.NewInt(1000), 6))
	assert.Equal(t, "1.5", FormatUnits(big.NewInt(1500000), 6))
	assert.Equal(t, "2", FormatUnits(big.NewInt(2000000), 6))
	assert.Equal(t, "0", FormatUnits(big.NewInt(0), 6))
	assert.Equal(t, "-0.5", FormatUnits(big.NewInt(-500000), 6))
	assert.Equal(t, "42", FormatUnits(big.NewInt(42), 0))
	assert.Equal(t, "0", FormatUnits(nil, 6))
}

func TestNetworkChainID(t *testing.T) {
	id, err := Network("eip155:8453").ChainID()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id)

	_, err = Network("solana:mainnet").ChainID()
	assert.Error(t, err)

	_, err = Network("eip155").ChainID()
	assert.Error(t, err)
}

func TestContentItemDedupKey(t *testing.T) {
	assert.Equal(t, "doi:10.1000/abc", ContentItem{ID: "1", DOI: " 10.1000/ABC ", AltID: "pmid:1"}.DedupKey())
	assert.Equal(t, "alt:pmid:1", ContentItem{ID: "1", AltID: "pmid:1", URL: "https://x"}.DedupKey())
	assert.Equal(t, "url:https://x", ContentItem{ID: "1", URL: "https://x"}.DedupKey())
	assert.Equal(t, "id:1", ContentItem{ID: "1"}.DedupKey())
}

func TestCacheEntryExpired(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 5 * time.Minute

	failed := CacheEntry{Status: CacheFailed, Timestamp: start}
	assert.False(t, failed.Expired(start.Add(ttl-time.Second), ttl))
	assert.True(t, failed.Expired(start.Add(ttl), ttl))

	pending := CacheEntry{Status: CachePending, Timestamp: start}
	assert.False(t, pending.Expired(start.Add(24*time.Hour), ttl))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeInsufficientFunds, ErrorCode(&InsufficientFundsError{Balance: big.NewInt(1), Required: big.NewInt(2)}))
	assert.Equal(t, ErrCodeSettlementFailed, ErrorCode(WrapPaymentError(ErrCodeSettlementFailed, "x", ErrTransactionNotFound)))
	assert.Equal(t, "", ErrorCode(ErrTransactionNotFound))
}

func TestInsufficientFundsErrorMessage(t *testing.T) {
	err := &InsufficientFundsError{
		Balance:  big.NewInt(500),
		Required: big.NewInt(1500),
		Decimals: 6,
		Currency: "USDC",
	}
	assert.Equal(t, "insufficient funds: balance 0.0005 USDC is below required 0.0015 USDC", err.Error())

	err.Covers = CoversAmount
	assert.Equal(t, "insufficient funds: balance 0.0005 USDC is below required 0.0015 USDC (amount)", err.Error())
}
