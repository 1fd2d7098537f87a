package rtpreader

import (
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/depay/internal/demux"
)

var (
	sps720p = mustHex("6764001facd9405005bbff000300046a020202800001f480005dc0078c18cb")
	pps720p = mustHex("68ebe3cb22c0")
)

func newH264Reader(t *testing.T, fmtp map[string]string) (Reader, *fakeOutput) {
	t.Helper()
	r, err := New(PayloadFormat{PayloadType: 96, Encoding: EncodingH264, ClockRate: 90000, Fmtp: fmtp}, nil)
	require.NoError(t, err)
	out := newFakeOutput(t)
	r.CreateTracks(out, 0)
	r.SetStats(out)
	return r, out
}

func idrSlice(n int) []byte {
	nal := make([]byte, n)
	nal[0] = 0x65
	for i := 1; i < n; i++ {
		nal[i] = byte(i%250) + 1
	}
	return nal
}

func TestH264PayloaderRoundTrip(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	idr := idrSlice(4000)
	packetizer := rtp.NewPacketizer(1200, 96, 0x1234, &codecs.H264Payloader{}, rtp.NewFixedSequencer(500), 90000)
	packets := packetizer.Packetize(cat(startCode, sps720p, startCode, pps720p, startCode, idr), 3000)
	require.Greater(t, len(packets), 2)
	assert.Equal(t, byte(h264TypeSTAPA), demux.NALType(packets[0].Payload[0]))

	for _, p := range packets {
		require.NoError(t, consume(r, p))
	}

	require.Len(t, out.samples, 1)
	assert.Equal(t, cat(startCode, sps720p, startCode, pps720p, startCode, idr), out.samples[0].data)
	assert.True(t, out.samples[0].keyframe)
	assert.Equal(t, int64(0), out.samples[0].timeUs)
	assert.Zero(t, out.losses)
	assert.Zero(t, out.breaks)

	require.Len(t, out.formats, 2, "in-band SPS must republish the format")
	f := out.formats[1]
	assert.Equal(t, "avc1.64001F", f.CodecString)
	assert.Equal(t, 1280, f.Width)
	assert.Equal(t, 720, f.Height)
	assert.Equal(t, 2, f.MaxNumReorderFrames)
	assert.Equal(t, sps720p, f.SPS)
	assert.Equal(t, pps720p, f.PPS)
}

func TestH264RepeatedSPSDoesNotRepublish(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	for i := uint16(0); i < 3; i++ {
		require.NoError(t, consume(r, rtpPacket(i*2, uint32(i)*3000, false, sps720p)))
		require.NoError(t, consume(r, rtpPacket(i*2+1, uint32(i)*3000, true, idrSlice(20))))
	}

	assert.Len(t, out.samples, 3)
	assert.Len(t, out.formats, 2)
}

func TestH264ParameterSetChangeRepublishes(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	pps2 := mustHex("68ee3c80")
	for i, pps := range [][]byte{pps720p, pps720p, pps2} {
		seq := uint16(i * 3)
		ts := uint32(i) * 3000
		require.NoError(t, consume(r, rtpPacket(seq, ts, false, sps720p)))
		require.NoError(t, consume(r, rtpPacket(seq+1, ts, false, pps)))
		require.NoError(t, consume(r, rtpPacket(seq+2, ts, true, idrSlice(20))))
	}

	require.Len(t, out.samples, 3)
	require.Len(t, out.formats, 3)
	assert.Equal(t, pps720p, out.formats[1].PPS)
	assert.Equal(t, pps2, out.formats[2].PPS)
	assert.Equal(t, sps720p, out.formats[2].SPS)
}

func TestH264STAPA(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	nonIDR := mustHex("4188112233")
	stap := rtpPacket(1, 0, true,
		[]byte{0x78},
		[]byte{0x00, byte(len(sps720p))}, sps720p,
		[]byte{0x00, byte(len(pps720p))}, pps720p,
		[]byte{0x00, byte(len(nonIDR))}, nonIDR)
	require.NoError(t, consume(r, stap))

	require.Len(t, out.samples, 1)
	assert.Equal(t, cat(startCode, sps720p, startCode, pps720p, startCode, nonIDR), out.samples[0].data)
	assert.False(t, out.samples[0].keyframe)
}

func TestH264STAPASingleUnit(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	nal := mustHex("4188112233")
	require.NoError(t, consume(r, rtpPacket(1, 0, true, []byte{0x78, 0x00, byte(len(nal))}, nal)))

	require.Len(t, out.samples, 1)
	assert.Equal(t, cat(startCode, nal), out.samples[0].data)
}

func TestH264InvalidPackets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrMalformedPacket},
		{"STAP-A truncated unit", mustHex("78000a4188"), ErrMalformedPacket},
		{"STAP-A trailing byte", mustHex("7800024188ff"), ErrMalformedPacket},
		{"STAP-A zero length unit", mustHex("780000"), ErrMalformedPacket},
		{"STAP-A without units", mustHex("78"), ErrMalformedPacket},
		{"FU-A without header", mustHex("7c"), ErrMalformedPacket},
		{"FU-A start and end", mustHex("7cc5aabb"), ErrMalformedPacket},
		{"STAP-B", mustHex("790002aabb"), ErrUnsupportedPacketType},
		{"MTAP16", mustHex("7a00"), ErrUnsupportedPacketType},
		{"FU-B", mustHex("7d85aabb"), ErrUnsupportedPacketType},
		{"reserved type 0", mustHex("00aabb"), ErrUnsupportedPacketType},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, out := newH264Reader(t, nil)
			err := r.Consume(tt.payload, 0, 1, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "h264", perr.Codec)
			assert.Empty(t, out.samples)
		})
	}
}

func TestH264FragmentReconstructsHeader(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	// FU indicator NRI=2, FU header type 1 (non-IDR slice).
	require.NoError(t, r.Consume(mustHex("5c81aabb"), 0, 7, false))
	require.NoError(t, r.Consume(mustHex("5c01ccdd"), 0, 8, false))
	require.NoError(t, r.Consume(mustHex("5c41ee"), 0, 9, true))

	require.Len(t, out.samples, 1)
	assert.Equal(t, cat(startCode, mustHex("41aabbccddee")), out.samples[0].data)
	assert.False(t, out.samples[0].keyframe)
}

func TestH264SingleInterruptsFragment(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	require.NoError(t, r.Consume(mustHex("7c85aabb"), 0, 1, false))
	require.NoError(t, r.Consume(mustHex("4188"), 0, 2, true))

	require.Len(t, out.samples, 1)
	assert.Equal(t, cat(startCode, mustHex("4188")), out.samples[0].data)
	assert.Equal(t, 1, out.breaks)
}

func TestH264PacketLossIgnoresLatePackets(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	require.NoError(t, r.Consume(mustHex("4188"), 0, 10, true))
	require.NoError(t, r.Consume(mustHex("4188"), 3000, 13, true))
	assert.Equal(t, 2, out.losses)

	require.NoError(t, r.Consume(mustHex("4188"), 1500, 11, true))
	require.NoError(t, r.Consume(mustHex("4188"), 6000, 14, true))
	assert.Equal(t, 2, out.losses)
	assert.Len(t, out.samples, 4)
}

func TestH264SequenceWrapIsNotLoss(t *testing.T) {
	t.Parallel()
	r, out := newH264Reader(t, nil)

	require.NoError(t, r.Consume(mustHex("4188"), 0, 65535, true))
	require.NoError(t, r.Consume(mustHex("4188"), 3000, 0, true))

	assert.Zero(t, out.losses)
	require.Len(t, out.samples, 2)
	assert.Equal(t, int64(33_333), out.samples[1].timeUs)
}

func TestH264PacketizationModeInterleaved(t *testing.T) {
	t.Parallel()
	_, err := New(PayloadFormat{
		Encoding: EncodingH264,
		Fmtp:     map[string]string{"packetization-mode": "2"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedPacketizing)
}
