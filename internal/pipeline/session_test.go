package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/rtp"

	"github.com/zsiec/depay/internal/ingest"
	"github.com/zsiec/depay/internal/media"
	"github.com/zsiec/depay/internal/moq"
	"github.com/zsiec/depay/internal/rtpreader"
)

type closingRecorder struct {
	frameRecorder
	closed bool
}

func (c *closingRecorder) Close() error {
	c.closed = true
	return nil
}

type sinkSet struct {
	mu    sync.Mutex
	sinks map[int]*closingRecorder
}

func (s *sinkSet) open(trackID int, _ rtpreader.PayloadFormat) (moq.FrameWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinks == nil {
		s.sinks = make(map[int]*closingRecorder)
	}
	r := &closingRecorder{}
	s.sinks[trackID] = r
	return r, nil
}

func writeCapture(t *testing.T, packets ...*rtp.Packet) *ingest.PacketReader {
	t.Helper()
	var buf bytes.Buffer
	w := ingest.NewPacketWriter(&buf)
	for _, p := range packets {
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	return ingest.NewPacketReader(&buf)
}

func vp9Packet(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: seq, Timestamp: ts, SSRC: 0x9999, Marker: true},
		Payload: append([]byte{0x0c}, mustHex("824983420031f0")...),
	}
}

func TestSessionRun(t *testing.T) {
	t.Parallel()

	packets := packetize(idrAU, deltaAU, deltaAU)
	// Interleave a VP9 track and a payload type with no format.
	packets = append(packets, vp9Packet(1, 0), vp9Packet(2, 3000))
	packets = append(packets, &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1}, Payload: []byte{0x01}})

	formats := []rtpreader.PayloadFormat{
		h264Format(),
		{PayloadType: 97, Encoding: "AV1", ClockRate: 90000},
		{PayloadType: 100, Encoding: rtpreader.EncodingVP9, ClockRate: 90000},
	}

	sinks := &sinkSet{}
	s := NewSession(DefaultConfig(), sinks.open, nil, nil)
	if err := s.Run(context.Background(), writeCapture(t, packets...), formats); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sinks.sinks) != 2 {
		t.Fatalf("opened %d sinks, want 2", len(sinks.sinks))
	}
	h264 := sinks.sinks[0]
	if len(h264.frames) != 3 || !h264.closed {
		t.Errorf("H.264 sink: %d frames, closed=%v", len(h264.frames), h264.closed)
	}
	// Track IDs follow registration order, so the skipped AV1 format
	// leaves a hole.
	vp9 := sinks.sinks[2]
	if vp9 == nil || len(vp9.frames) != 2 || !vp9.closed {
		t.Fatalf("VP9 sink = %+v", vp9)
	}

	snap := s.Snapshot()
	if len(snap.Tracks) != 2 {
		t.Fatalf("snapshot has %d tracks, want 2", len(snap.Tracks))
	}
	if snap.Unrouted != 1 {
		t.Errorf("Unrouted = %d, want 1", snap.Unrouted)
	}
	if got := snap.Tracks[1].Ingest.SSRC; got != 0x9999 {
		t.Errorf("VP9 SSRC = %#x, want 0x9999", got)
	}
	if got := snap.Tracks[0].Stats.Video.TotalFrames; got != 3 {
		t.Errorf("H.264 frames = %d, want 3", got)
	}
	if _, err := json.Marshal(snap); err != nil {
		t.Errorf("snapshot does not marshal: %v", err)
	}
}

func TestSessionNoSupportedTracks(t *testing.T) {
	t.Parallel()

	s := NewSession(DefaultConfig(), nil, nil, nil)
	formats := []rtpreader.PayloadFormat{{PayloadType: 97, Encoding: "AV1"}}
	if err := s.Run(context.Background(), writeCapture(t), formats); err == nil {
		t.Fatal("expected error when no track is supported")
	}
}

func TestSessionSinkOpenError(t *testing.T) {
	t.Parallel()

	errOpen := errors.New("read-only filesystem")
	s := NewSession(DefaultConfig(), func(int, rtpreader.PayloadFormat) (moq.FrameWriter, error) {
		return nil, errOpen
	}, nil, nil)
	err := s.Run(context.Background(), writeCapture(t, packetize(idrAU)...), []rtpreader.PayloadFormat{h264Format()})
	if !errors.Is(err, errOpen) {
		t.Fatalf("Run = %v, want sink open error", err)
	}
}

func TestSessionStopsOnTrackError(t *testing.T) {
	t.Parallel()

	aus := [][]byte{idrAU}
	for i := 0; i < 2*media.PacketBufferSize; i++ {
		aus = append(aus, deltaAU)
	}
	packets := packetize(aus...)
	cfg := DefaultConfig()
	errFull := errors.New("disk full")
	s := NewSession(cfg, func(int, rtpreader.PayloadFormat) (moq.FrameWriter, error) {
		return &closingRecorder{frameRecorder: frameRecorder{err: errFull}}, nil
	}, nil, nil)

	err := s.Run(context.Background(), writeCapture(t, packets...), []rtpreader.PayloadFormat{h264Format()})
	if !errors.Is(err, errFull) {
		t.Fatalf("Run = %v, want sink error", err)
	}
}
