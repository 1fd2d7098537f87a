// Package ingest reads framed RTP captures and routes their packets to
// per-track streams keyed by RTP payload type.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/depay/internal/media"
	"github.com/zsiec/depay/internal/rtpreader"
)

// IngestStats captures packet-level metrics for one track's input,
// exposed in the session summary for monitoring source health.
type IngestStats struct {
	Packets     int64  `json:"packets"`
	Bytes       int64  `json:"bytes"`
	SSRC        uint32 `json:"ssrc"`
	SSRCChanges int64  `json:"ssrcChanges"`
	StartedAt   int64  `json:"startedAt"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// Stream is one registered track. Packets routed to its payload type are
// delivered on Packets in capture order; the channel is closed when the
// stream is unregistered.
type Stream struct {
	TrackID   int
	Format    rtpreader.PayloadFormat
	StartedAt time.Time
	packets   chan *rtp.Packet

	packetCount atomic.Int64
	byteCount   atomic.Int64
	ssrc        atomic.Uint32
	ssrcSet     atomic.Bool
	ssrcChanges atomic.Int64
}

// Packets returns the channel on which the stream's packets arrive.
func (s *Stream) Packets() <-chan *rtp.Packet {
	return s.packets
}

// recordRead updates the stream counters for a routed packet and reports
// whether the packet's SSRC differs from the previous one.
func (s *Stream) recordRead(p *rtp.Packet) bool {
	s.packetCount.Add(1)
	s.byteCount.Add(int64(len(p.Payload)))

	if !s.ssrcSet.Swap(true) {
		s.ssrc.Store(p.SSRC)
		return false
	}
	if old := s.ssrc.Swap(p.SSRC); old != p.SSRC {
		s.ssrcChanges.Add(1)
		return true
	}
	return false
}

// IngestStats returns a snapshot of the stream's input metrics.
func (s *Stream) IngestStats() IngestStats {
	return IngestStats{
		Packets:     s.packetCount.Load(),
		Bytes:       s.byteCount.Load(),
		SSRC:        s.ssrc.Load(),
		SSRCChanges: s.ssrcChanges.Load(),
		StartedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:    time.Since(s.StartedAt).Milliseconds(),
	}
}

// Registry tracks registered streams by payload type and routes packets
// to them. It is the rendezvous point between the capture reader and the
// per-track pipelines.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	streams     map[uint8]*Stream
	nextTrackID int

	unrouted atomic.Int64
	invalid  atomic.Int64

	onStream func(s *Stream)
}

// NewRegistry creates a Registry. The onStream callback, if set, is
// invoked synchronously from Register for every new stream. If log is nil,
// slog.Default() is used.
func NewRegistry(onStream func(s *Stream), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "ingest"),
		streams:  make(map[uint8]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for pf's payload type. Track IDs are assigned
// in registration order starting at 0.
func (r *Registry) Register(pf rtpreader.PayloadFormat) (*Stream, error) {
	r.mu.Lock()
	if _, ok := r.streams[pf.PayloadType]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("payload type %d already registered", pf.PayloadType)
	}
	stream := &Stream{
		TrackID:   r.nextTrackID,
		Format:    pf,
		StartedAt: time.Now(),
		packets:   make(chan *rtp.Packet, media.PacketBufferSize),
	}
	r.nextTrackID++
	r.streams[pf.PayloadType] = stream
	r.mu.Unlock()

	r.log.Info("track registered", "track", stream.TrackID, "pt", pf.PayloadType,
		"encoding", pf.Encoding, "clockRate", pf.ClockRate)

	if r.onStream != nil {
		r.onStream(stream)
	}
	return stream, nil
}

// Unregister removes the stream for a payload type and closes its packet
// channel.
func (r *Registry) Unregister(pt uint8) {
	r.mu.Lock()
	stream, ok := r.streams[pt]
	if ok {
		delete(r.streams, pt)
		close(stream.packets)
	}
	r.mu.Unlock()
}

// CloseAll unregisters every stream.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	for pt, stream := range r.streams {
		delete(r.streams, pt)
		close(stream.packets)
	}
	r.mu.Unlock()
}

// Get returns the Stream for the given payload type, or false if not found.
func (r *Registry) Get(pt uint8) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[pt]
	return s, ok
}

// Streams returns the registered streams ordered by track ID.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Unrouted returns the number of packets dropped because no stream was
// registered for their payload type.
func (r *Registry) Unrouted() int64 {
	return r.unrouted.Load()
}

// Invalid returns the number of capture frames that did not decode as RTP.
func (r *Registry) Invalid() int64 {
	return r.invalid.Load()
}

// Route delivers p to the stream registered for its payload type, blocking
// while the stream's buffer is full. Packets of unknown payload types are
// counted and dropped.
func (r *Registry) Route(ctx context.Context, p *rtp.Packet) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.streams[p.PayloadType]
	if !ok {
		if r.unrouted.Add(1) == 1 {
			r.log.Warn("dropping packets of unregistered payload type", "pt", p.PayloadType)
		}
		return nil
	}
	if stream.recordRead(p) {
		r.log.Info("SSRC changed", "track", stream.TrackID, "ssrc", p.SSRC)
	}

	select {
	case stream.packets <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch reads packets from pr and routes them until the capture ends or
// ctx is cancelled, then closes every stream. Frames that do not decode as
// RTP are logged and skipped. The end of the capture is not an error.
func (r *Registry) Dispatch(ctx context.Context, pr *PacketReader) error {
	defer r.CloseAll()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := pr.ReadPacket()
		switch {
		case errors.Is(err, io.EOF):
			r.log.Info("capture finished", "frames", pr.Frames(), "bytes", pr.BytesRead())
			return nil
		case errors.Is(err, ErrInvalidPacket):
			r.invalid.Add(1)
			r.log.Warn("skipping invalid frame", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("read capture: %w", err)
		}

		if err := r.Route(ctx, p); err != nil {
			return err
		}
	}
}
