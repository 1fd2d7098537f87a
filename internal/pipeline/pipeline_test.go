package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/media"
	"github.com/zsiec/depay/internal/rtpreader"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	sps720p = mustHex("6764001facd9405005bbff000300046a020202800001f480005dc0078c18cb")
	pps720p = mustHex("68ebe3cb22c0")
)

func slice(header byte, n int) []byte {
	nal := make([]byte, n)
	nal[0] = header
	for i := 1; i < n; i++ {
		nal[i] = byte(i%200) + 1
	}
	return nal
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = demux.AppendAnnexB(out, nal)
	}
	return out
}

// a53SEI returns an H.264 SEI NAL unit carrying one CEA-608 byte pair.
func a53SEI() []byte {
	payload := mustHex("b50031474139340341ff" + "fc9420" + "ff")
	return demux.BuildSEI([]byte{0x06}, demux.SEIMessage{PayloadType: demux.SEIUserDataT35, Payload: payload})
}

func h264Format() rtpreader.PayloadFormat {
	return rtpreader.PayloadFormat{PayloadType: 96, Encoding: rtpreader.EncodingH264, ClockRate: 90000}
}

// packetize packs access units with pion's H.264 payloader, 3000 ticks
// apart.
func packetize(aus ...[]byte) []*rtp.Packet {
	p := rtp.NewPacketizer(1200, 96, 0x1234, &codecs.H264Payloader{}, rtp.NewFixedSequencer(1), 90000)
	var out []*rtp.Packet
	for _, au := range aus {
		out = append(out, p.Packetize(au, 3000)...)
	}
	return out
}

func feed(packets []*rtp.Packet) <-chan *rtp.Packet {
	ch := make(chan *rtp.Packet, len(packets))
	for _, p := range packets {
		ch <- p
	}
	close(ch)
	return ch
}

type frameRecorder struct {
	frames []*media.VideoFrame
	err    error
}

func (r *frameRecorder) WriteVideoFrame(f *media.VideoFrame) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.frames = append(r.frames, f)
	return int64(f.Size()), nil
}

var (
	idrAU   = annexB(sps720p, pps720p, slice(0x65, 2000))
	deltaAU = annexB(slice(0x41, 300))
)

func TestTrackWritesFrames(t *testing.T) {
	t.Parallel()

	sink := &frameRecorder{}
	track, err := NewTrack(0, h264Format(), sink, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if err := track.Run(context.Background(), feed(packetize(idrAU, deltaAU, deltaAU))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(sink.frames))
	}
	wantPTS := []int64{0, 33_333, 66_666}
	for i, f := range sink.frames {
		if f.PTS != wantPTS[i] {
			t.Errorf("frame %d PTS: got %d, want %d", i, f.PTS, wantPTS[i])
		}
		if f.GroupID != 0 {
			t.Errorf("frame %d group: got %d, want 0", i, f.GroupID)
		}
	}

	key := sink.frames[0]
	if !key.IsKeyframe || sink.frames[1].IsKeyframe {
		t.Error("keyframe flags wrong")
	}
	if key.Codec != "h264" || key.CodecString != "avc1.64001F" {
		t.Errorf("codec: got %s / %s", key.Codec, key.CodecString)
	}
	if !bytes.Equal(key.SPS, sps720p) || !bytes.Equal(key.PPS, pps720p) {
		t.Error("keyframe parameter sets not carried")
	}
	if len(key.NALUs) != 3 {
		t.Fatalf("keyframe NAL units: got %d, want 3", len(key.NALUs))
	}
	if n := binary.BigEndian.Uint32(key.WireData[:4]); n != uint32(len(sps720p)) {
		t.Errorf("first length prefix: got %d, want %d", n, len(sps720p))
	}
	if !bytes.Equal(bytes.Join(key.NALUs, nil), idrAU) {
		t.Error("keyframe NAL units do not reproduce the access unit")
	}

	snap := track.Stats().Snapshot()
	if snap.Video.TotalFrames != 3 || snap.Video.KeyFrames != 1 {
		t.Errorf("video stats = %+v", snap.Video)
	}
	if snap.Video.Width != 1280 || snap.Video.Height != 720 {
		t.Errorf("stats resolution: got %dx%d", snap.Video.Width, snap.Video.Height)
	}
	if track.FramesWritten() != 3 {
		t.Errorf("FramesWritten = %d, want 3", track.FramesWritten())
	}
}

func TestTrackDropsLeadingDeltas(t *testing.T) {
	t.Parallel()

	sink := &frameRecorder{}
	track, err := NewTrack(0, h264Format(), sink, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if err := track.Run(context.Background(), feed(packetize(deltaAU, deltaAU, idrAU, deltaAU))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if track.FramesDropped() != 2 {
		t.Errorf("FramesDropped = %d, want 2", track.FramesDropped())
	}
	if len(sink.frames) != 2 || !sink.frames[0].IsKeyframe {
		t.Fatalf("got %d frames, want keyframe then delta", len(sink.frames))
	}
	if got := track.Stats().Snapshot().Video.TotalFrames; got != 4 {
		t.Errorf("stats counted %d frames, want 4", got)
	}
}

func TestTrackKeepsLeadingDeltas(t *testing.T) {
	t.Parallel()

	sink := &frameRecorder{}
	cfg := DefaultConfig()
	cfg.DropLeadingDeltas = false
	track, err := NewTrack(0, h264Format(), sink, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if err := track.Run(context.Background(), feed(packetize(deltaAU, idrAU))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(sink.frames))
	}
}

func TestTrackGroupIDs(t *testing.T) {
	t.Parallel()

	sink := &frameRecorder{}
	track, err := NewTrack(0, h264Format(), sink, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if err := track.Run(context.Background(), feed(packetize(idrAU, deltaAU, idrAU, deltaAU, deltaAU))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []uint32{0, 0, 1, 1, 1}
	if len(sink.frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(sink.frames), len(want))
	}
	for i, f := range sink.frames {
		if f.GroupID != want[i] {
			t.Errorf("frame %d group: got %d, want %d", i, f.GroupID, want[i])
		}
	}
}

func TestTrackParseErrors(t *testing.T) {
	t.Parallel()

	packets := packetize(idrAU, deltaAU)
	bad := &rtp.Packet{Header: packets[len(packets)-1].Header, Payload: []byte{0x7c}}
	bad.SequenceNumber = packets[len(packets)-1].SequenceNumber + 1
	packets = append(packets, bad)

	t.Run("continue", func(t *testing.T) {
		t.Parallel()
		sink := &frameRecorder{}
		track, err := NewTrack(0, h264Format(), sink, nil, DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("NewTrack: %v", err)
		}
		if err := track.Run(context.Background(), feed(packets)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := track.Stats().Snapshot().RTP.ParseErrors; got != 1 {
			t.Errorf("ParseErrors = %d, want 1", got)
		}
		if len(sink.frames) != 2 {
			t.Errorf("got %d frames, want 2", len(sink.frames))
		}
	})

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.StopOnParseError = true
		track, err := NewTrack(0, h264Format(), &frameRecorder{}, nil, cfg, nil)
		if err != nil {
			t.Fatalf("NewTrack: %v", err)
		}
		err = track.Run(context.Background(), feed(packets))
		if !errors.Is(err, rtpreader.ErrMalformedPacket) {
			t.Fatalf("Run = %v, want ErrMalformedPacket", err)
		}
	})
}

func TestTrackSinkError(t *testing.T) {
	t.Parallel()

	errFull := errors.New("disk full")
	track, err := NewTrack(0, h264Format(), &frameRecorder{err: errFull}, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if err := track.Run(context.Background(), feed(packetize(idrAU, deltaAU))); !errors.Is(err, errFull) {
		t.Fatalf("Run = %v, want sink error", err)
	}
}

func TestTrackCancelled(t *testing.T) {
	t.Parallel()

	track, err := NewTrack(0, h264Format(), nil, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := track.Run(ctx, make(chan *rtp.Packet)); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}

func TestTrackQueuesCaptionSEI(t *testing.T) {
	t.Parallel()

	track, err := NewTrack(0, h264Format(), &frameRecorder{}, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}

	au := annexB(a53SEI(), slice(0x65, 100))
	track.SampleData(au)
	track.SampleMetadata(1000, true, len(au))

	if got := track.captions.Pending(); got != 1 {
		t.Fatalf("pending caption access units = %d, want 1", got)
	}

	// An SEI without caption data is not queued.
	au = annexB(demux.BuildSEI([]byte{0x06}, demux.SEIMessage{PayloadType: demux.SEIUserDataUnreg, Payload: make([]byte, 16)}), slice(0x41, 50))
	track.SampleData(au)
	track.SampleMetadata(2000, false, len(au))
	if got := track.captions.Pending(); got != 1 {
		t.Fatalf("pending caption access units = %d, want 1", got)
	}

	// Several caption SEI NAL units in one access unit take one slot.
	au = annexB(a53SEI(), a53SEI(), slice(0x41, 50))
	track.SampleData(au)
	track.SampleMetadata(3000, false, len(au))
	if got := track.captions.Pending(); got != 2 {
		t.Fatalf("pending caption access units = %d, want 2", got)
	}
}

func TestTrackCaptionsDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Captions = false
	track, err := NewTrack(0, h264Format(), &frameRecorder{}, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	au := annexB(a53SEI(), slice(0x65, 100))
	track.SampleData(au)
	track.SampleMetadata(0, true, len(au))
	if track.captions != nil {
		t.Fatal("caption extractor created while disabled")
	}
}

func TestTrackVP9(t *testing.T) {
	t.Parallel()

	sink := &frameRecorder{}
	pf := rtpreader.PayloadFormat{PayloadType: 100, Encoding: rtpreader.EncodingVP9}
	track, err := NewTrack(1, pf, sink, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}

	body := mustHex("824983420031f0")
	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: 10, Timestamp: 90000, Marker: true},
		Payload: append([]byte{0x0c}, body...),
	}
	if err := track.Run(context.Background(), feed([]*rtp.Packet{p})); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if !f.IsKeyframe || f.Codec != "vp9" || f.TrackID != 1 {
		t.Errorf("frame = %+v", f)
	}
	if !bytes.Equal(f.WireData, body) || f.NALUs != nil {
		t.Errorf("VP9 payload: got %x", f.WireData)
	}
}

func TestNewTrackUnsupportedCodec(t *testing.T) {
	t.Parallel()

	pf := rtpreader.PayloadFormat{PayloadType: 97, Encoding: "AV1"}
	if _, err := NewTrack(0, pf, nil, nil, DefaultConfig(), nil); !errors.Is(err, rtpreader.ErrUnsupportedCodec) {
		t.Fatalf("NewTrack = %v, want ErrUnsupportedCodec", err)
	}
}
