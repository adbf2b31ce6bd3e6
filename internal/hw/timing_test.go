package hw

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTimingTruncates(t *testing.T) {
	tm, err := DeriveTiming(42_000_000, 500_000, DefaultSegments)
	require.NoError(t, err)
	// 42e6/500e3 = 84, 84/15 = 5 (5.6 truncated)
	require.Equal(t, uint32(5), tm.Prescaler)
	require.Equal(t, uint32(15), tm.Quanta())
	require.Equal(t, uint32(560_000), tm.Bitrate(42_000_000))

	again, err := DeriveTiming(42_000_000, 500_000, DefaultSegments)
	require.NoError(t, err)
	require.Equal(t, tm, again)
}

func TestDeriveTimingTable(t *testing.T) {
	cases := []struct {
		clock, rate, want uint32
	}{
		{42_000_000, 1_000_000, 2},
		{42_000_000, 250_000, 11},
		{42_000_000, 125_000, 22},
		{36_000_000, 500_000, 4},
		{30_000_000, 100_000, 20},
	}
	for _, c := range cases {
		tm, err := DeriveTiming(c.clock, c.rate, DefaultSegments)
		require.NoError(t, err, "%d/%d", c.clock, c.rate)
		require.Equal(t, c.want, tm.Prescaler, "%d/%d", c.clock, c.rate)
	}
}

func TestDeriveTimingErrors(t *testing.T) {
	_, err := DeriveTiming(42_000_000, 0, DefaultSegments)
	require.ErrorIs(t, err, ErrInvalidBitrate)

	_, err = DeriveTiming(42_000_000, 5_000_000, DefaultSegments)
	require.True(t, errors.Is(err, ErrBitrateUnreachable), "prescaler 0: %v", err)

	_, err = DeriveTiming(42_000_000, 1_000, DefaultSegments)
	require.ErrorIs(t, err, ErrBitrateUnreachable)

	_, err = DeriveTiming(42_000_000, 500_000, Segments{Prop: 1, Phase1: 8, Phase2: 0, SJW: 1})
	require.Error(t, err)
}

func TestBTR(t *testing.T) {
	tm := Timing{Prescaler: 5, Segments: DefaultSegments}
	// SJW=1 -> 0, TS2=5 -> 4, TS1=9 -> 8, BRP=5 -> 4
	require.Equal(t, uint32(0x0048_0004), tm.BTR())
	require.Equal(t, "brp=5 ts1=9 ts2=5 sjw=1", tm.String())
}

func TestFilter(t *testing.T) {
	pa := PassAll(14)
	for _, id := range []uint32{0, 0x123, 0x7FF} {
		require.True(t, pa.Accepts(id))
	}
	f := Filter{ID: 0x100, Mask: 0x700}
	require.True(t, f.Accepts(0x1AB))
	require.False(t, f.Accepts(0x200))
	require.Equal(t, 0, FilterBank(0))
	require.Equal(t, 14, FilterBank(1))
}
