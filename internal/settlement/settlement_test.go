package settlement

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/model"
)

func TestToStroopsScalesAndRoundsHalfUp(t *testing.T) {
	cases := []struct {
		amount string
		want   int64
	}{
		{"1", 10_000_000},
		{"0.5", 5_000_000},
		{"1.2345678", 12_345_678},
		{"1.23456785", 12_345_679}, // half-up at the 8th fractional digit
		{"0", 0},
	}
	for _, c := range cases {
		got, err := ToStroops(decimal.RequireFromString(c.amount))
		require.NoError(t, err, "amount %s", c.amount)
		assert.Equal(t, c.want, got, "amount %s", c.amount)
	}
}

func TestToStroopsRejectsOverflow(t *testing.T) {
	// math.MaxInt64 stroops is math.MaxInt64/stroopsPerUnit whole units;
	// one unit past that overflows the signed 64-bit stroop width.
	tooLarge := decimal.NewFromInt(math.MaxInt64 / stroopsPerUnit).Add(decimal.NewFromInt(1))

	_, err := ToStroops(tooLarge)

	require.Error(t, err)
	assert.Equal(t, apperr.KindClientInput, apperr.KindOf(err))
}

func TestBuildInstructionCarriesScaledAmounts(t *testing.T) {
	trade := model.Trade{
		TradeID:     [32]byte{1},
		BuyAccount:  "GBUY",
		SellAccount: "GSELL",
		Price:       decimal.RequireFromString("2.50"),
		Quantity:    decimal.RequireFromString("4"),
	}

	ins := BuildInstruction(trade, 40_000_000, 100_000_000, "CBASE", "CQUOTE", 1700000000)

	assert.Equal(t, int64(40_000_000), ins.BaseAmount)  // 4 units
	assert.Equal(t, int64(100_000_000), ins.QuoteAmount) // 4 * 2.50 = 10 units
	assert.Equal(t, int64(0), ins.Fee)
	assert.Equal(t, "CBASE", ins.BaseAsset)
	assert.Equal(t, "CQUOTE", ins.QuoteAsset)
}

func TestClassifyFailureReason(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"contract error: insufficient balance", "InsufficientVaultBalance"},
		{"caller is not the Unauthorized matcher", "UnauthorizedMatcher"},
		{"matcher authorization Revoked", "Revoked"},
		{"", "ContractRejected"},
		{"something else entirely", "ContractRejected"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyFailureReason(c.raw), "raw %q", c.raw)
	}
}
