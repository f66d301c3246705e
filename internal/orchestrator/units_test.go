package orchestrator

import (
	"math/big"
	"testing"

	"capsule/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
	}{
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{".25", 2, "25"},
		{"3.", 2, "300"},
		{"007", 0, "7"},
		{"0", 18, "0"},
		{" 2.5 ", 18, "2500000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnits(tt.in, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	for _, bad := range []string{"", ".", "-1", "1e6", "1,5", "0x10", "1.2.3", "1.0000001"} {
		_, err := ParseUnits(bad, 6)
		assert.ErrorIs(t, err, errors.ErrInvalidAmount, bad)
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.5", FormatUnits(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0.000001", FormatUnits(big.NewInt(1), 6))
	assert.Equal(t, "1", FormatUnits(big.NewInt(1_000_000), 6))
	assert.Equal(t, "0", FormatUnits(big.NewInt(0), 6))
	assert.Equal(t, "42", FormatUnits(big.NewInt(42), 0))
	assert.Equal(t, "-0.5", FormatUnits(big.NewInt(-50), 2))
	assert.Equal(t, "0", FormatUnits(nil, 6))
}

func TestUnitsRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.1", "123.456789", "1000000.000001"} {
		v, err := ParseUnits(s, 6)
		require.NoError(t, err)
		assert.Equal(t, s, FormatUnits(v, 6))
	}
}
