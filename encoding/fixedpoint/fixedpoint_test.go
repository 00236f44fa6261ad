package fixedpoint_test

import (
	"math/big"
	"testing"

	"github.com/roundscan/roundscan/encoding/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRaw18(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"1000000000000000000", "1.00000000"},
		{"3876000000000000000", "3.87600000"},
		{"0", "0.00000000"},
		{"1", "0.00000000"},          // below 8-digit resolution, truncated
		{"10000000001", "0.00000001"}, // truncation keeps the floor
		{"125000000000000000000", "125.00000000"},
	}
	for _, tt := range tests {
		a, err := fixedpoint.FromRaw18(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, a.String())
	}
}

func TestFromRaw18Rejects(t *testing.T) {
	_, err := fixedpoint.FromRaw18("")
	require.Error(t, err)
	_, err = fixedpoint.FromRaw18("abc")
	require.Error(t, err)
	_, err = fixedpoint.FromRaw18Big(big.NewInt(-1))
	require.ErrorIs(t, err, fixedpoint.ErrNegative)
}

func TestParse(t *testing.T) {
	a, err := fixedpoint.Parse("3.876")
	require.NoError(t, err)
	assert.Equal(t, "3.87600000", a.String())

	a, err = fixedpoint.Parse("500")
	require.NoError(t, err)
	assert.Equal(t, "500.00000000", a.String())

	_, err = fixedpoint.Parse("1.123456789")
	require.Error(t, err)
	_, err = fixedpoint.Parse("-2")
	require.ErrorIs(t, err, fixedpoint.ErrNegative)
}

func TestDivOdds(t *testing.T) {
	// S1 from the round design: total 4, fee 3%, up side 3 -> 1.2933.
	total, err := fixedpoint.Parse("4")
	require.NoError(t, err)
	up, err := fixedpoint.Parse("3")
	require.NoError(t, err)
	down, err := fixedpoint.Parse("1")
	require.NoError(t, err)

	pool := total.MulFrac(97, 100)
	assert.Equal(t, "3.88000000", pool.String())
	assert.Equal(t, "1.2933", fixedpoint.DivOdds(pool, up).Text4())
	assert.Equal(t, "3.8800", fixedpoint.DivOdds(pool, down).Text4())

	// A side with no stake carries zero odds.
	assert.Equal(t, fixedpoint.Amount(0), fixedpoint.DivOdds(pool, 0))
}

func TestEqualWithin(t *testing.T) {
	a, _ := fixedpoint.Parse("4")
	b, _ := fixedpoint.Parse("4.0001")
	tol, _ := fixedpoint.Parse("0.0001")
	assert.True(t, fixedpoint.EqualWithin(a, b, tol))
	c, _ := fixedpoint.Parse("4.00011")
	assert.False(t, fixedpoint.EqualWithin(a, c, tol))
}

func TestTrunc4(t *testing.T) {
	a, _ := fixedpoint.Parse("1.29339999")
	assert.Equal(t, "1.29330000", a.Trunc4().String())
}
