// Package rtptime converts RTP media clock values to microsecond
// presentation times and provides 16-bit sequence number arithmetic.
// RTP timestamps are 32-bit and wrap roughly every 13 hours at 90 kHz;
// all differences here are taken modulo 2^32 before scaling.
package rtptime

import (
	"math"
	"math/bits"
)

// MicrosPerSecond is the multiplier applied when converting media clock
// ticks to microseconds.
const MicrosPerSecond = 1_000_000

// ScaleLargeTimestamp returns ts*multiplier/divisor without overflowing
// the intermediate product. multiplier and divisor must be positive. The
// result truncates toward zero and saturates at the int64 range.
func ScaleLargeTimestamp(ts, multiplier, divisor int64) int64 {
	if divisor >= multiplier && divisor%multiplier == 0 {
		return ts / (divisor / multiplier)
	}
	if divisor < multiplier && multiplier%divisor == 0 {
		factor := multiplier / divisor
		if ts > math.MaxInt64/factor || ts < math.MinInt64/factor {
			return saturate(ts < 0)
		}
		return ts * factor
	}

	neg := ts < 0
	mag := uint64(ts)
	if neg {
		mag = uint64(-ts)
	}
	hi, lo := bits.Mul64(mag, uint64(multiplier))
	if hi >= uint64(divisor) {
		return saturate(neg)
	}
	q, _ := bits.Div64(hi, lo, uint64(divisor))
	if q > math.MaxInt64 {
		return saturate(neg)
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func saturate(neg bool) int64 {
	if neg {
		return math.MinInt64
	}
	return math.MaxInt64
}

// ToSampleUs returns the presentation time of rtpTimestamp in microseconds,
// relative to firstRTPTimestamp and offset by startTimeOffsetUs. The
// subtraction wraps modulo 2^32, so a timestamp that has rolled over past
// zero still maps to a later presentation time.
func ToSampleUs(startTimeOffsetUs int64, rtpTimestamp, firstRTPTimestamp, clockRate uint32) int64 {
	ticks := int64(rtpTimestamp - firstRTPTimestamp)
	return startTimeOffsetUs + ScaleLargeTimestamp(ticks, MicrosPerSecond, int64(clockRate))
}

// NextSequenceNumber returns the sequence number that follows seq.
func NextSequenceNumber(seq uint16) uint16 {
	return seq + 1
}

// SequenceDelta returns the signed distance from a to b, accounting for
// wrap-around. A positive value means b is ahead of a.
func SequenceDelta(a, b uint16) int16 {
	return int16(b - a)
}
