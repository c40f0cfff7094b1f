package esplora

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
)

func TestPickRate(t *testing.T) {
	est := FeeEstimates{"1": 30, "3": 12.5, "6": 8, "144": 0.5, "bogus": 99}

	require.Equal(t, bitcoin.SatPerVByte(30), pickRate(est, 1))
	require.Equal(t, bitcoin.SatPerVByte(12.5), pickRate(est, 2))
	require.Equal(t, bitcoin.SatPerVByte(8), pickRate(est, 6))
	// floored at the relay minimum
	require.Equal(t, bitcoin.MinRelayFeeRate, pickRate(est, 100))
	// beyond the largest target
	require.Equal(t, bitcoin.SatPerVByte(8), pickRate(FeeEstimates{"2": 9, "6": 8}, 1008))
	require.Equal(t, bitcoin.MinRelayFeeRate, pickRate(nil, 6))
}
