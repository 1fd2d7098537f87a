package rtptime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSampleUsWrapsAroundClock(t *testing.T) {
	t.Parallel()

	got := ToSampleUs(0, 9_000_040, 4_285_967_336, 90_000)
	assert.Equal(t, int64(200_000_000), got)
}

func TestToSampleUs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		offsetUs  int64
		ts        uint32
		first     uint32
		clockRate uint32
		want      int64
	}{
		{"first packet", 0, 9_000_000, 9_000_000, 90_000, 0},
		{"40 ticks at 90kHz", 0, 9_000_040, 9_000_000, 90_000, 444},
		{"80 ticks at 90kHz", 0, 9_000_080, 9_000_000, 90_000, 888},
		{"one second", 0, 90_000, 0, 90_000, 1_000_000},
		{"with seek offset", 5_000_000, 180_000, 90_000, 90_000, 6_000_000},
		{"audio clock", 0, 48_000, 0, 48_000, 1_000_000},
		{"max wrap distance", 0, 0xFFFFFFFF, 0, 90_000, 47_721_858_833},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ToSampleUs(tt.offsetUs, tt.ts, tt.first, tt.clockRate)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScaleLargeTimestamp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		ts         int64
		multiplier int64
		divisor    int64
		want       int64
	}{
		{"divisor multiple of multiplier", 90_000, 1, 90, 1_000},
		{"multiplier multiple of divisor", 3, 1_000_000, 1_000, 3_000},
		{"general case", 18_000_000, 1_000_000, 90_000, 200_000_000},
		{"negative truncates toward zero", -40, 1_000_000, 90_000, -444},
		{"large product does not overflow", math.MaxInt64 / 2, 1_000_000, 2_000_000, math.MaxInt64 / 4},
		{"saturates", math.MaxInt64, 1_000_000, 3, math.MaxInt64},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ScaleLargeTimestamp(tt.ts, tt.multiplier, tt.divisor))
		})
	}
}

func TestNextSequenceNumberWraps(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(12346), NextSequenceNumber(12345))
	assert.Equal(t, uint16(0), NextSequenceNumber(65535))
}

func TestSequenceDelta(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int16(1), SequenceDelta(65535, 0))
	assert.Equal(t, int16(-1), SequenceDelta(0, 65535))
	assert.Equal(t, int16(3), SequenceDelta(12342, 12345))
}
