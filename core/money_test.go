package core_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/cash-wire/core"
)

func TestRound_RoundsHalfUpToTwoDecimalPlaces(t *testing.T) {
	m := decimal.NewFromFloat(10.006)
	rounded := core.Round(m)
	assert.Equal(t, "10.01", rounded.StringFixed(2))
}

func TestZero_IsAdditiveIdentity(t *testing.T) {
	m := decimal.NewFromFloat(42.5)
	assert.True(t, m.Add(core.Zero()).Equal(m))
}

func TestIsPositive(t *testing.T) {
	assert.True(t, core.IsPositive(decimal.NewFromFloat(0.01)))
	assert.False(t, core.IsPositive(decimal.Zero))
	assert.False(t, core.IsPositive(decimal.NewFromFloat(-0.01)))
}
