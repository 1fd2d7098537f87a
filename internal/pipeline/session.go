package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/depay/internal/ingest"
	"github.com/zsiec/depay/internal/moq"
	"github.com/zsiec/depay/internal/rtpreader"
	"github.com/zsiec/depay/internal/stats"
)

// SinkFactory creates the frame writer for a track. The session closes it
// when the track ends.
type SinkFactory func(trackID int, pf rtpreader.PayloadFormat) (moq.FrameWriter, error)

// CaptionHandler receives decoded caption frames tagged with their track.
// It is called from the track's goroutine.
type CaptionHandler func(trackID int, frame *ccx.CaptionFrame)

// TrackSummary is the end-of-session report for one track.
type TrackSummary struct {
	Stats         stats.TrackSnapshot `json:"stats"`
	Ingest        ingest.IngestStats  `json:"ingest"`
	FramesWritten int64               `json:"framesWritten"`
	FramesDropped int64               `json:"framesDropped"`
}

// SessionSnapshot summarizes a session for the CLI and logs.
type SessionSnapshot struct {
	Timestamp int64          `json:"timestamp"`
	UptimeMs  int64          `json:"uptimeMs"`
	Tracks    []TrackSummary `json:"tracks"`
	Unrouted  int64          `json:"unroutedPackets"`
	Invalid   int64          `json:"invalidFrames"`
}

type sessionTrack struct {
	track  *Track
	stream *ingest.Stream
	sink   moq.FrameWriter
}

// Session depacketizes every track of one capture. Each track runs in its
// own goroutine fed by the ingest registry.
type Session struct {
	log       *slog.Logger
	cfg       Config
	newSink   SinkFactory
	onCaption CaptionHandler
	registry  *ingest.Registry
	startTime time.Time

	mu     sync.Mutex
	tracks []*sessionTrack
}

// NewSession creates a Session. newSink may be nil to discard frames and
// onCaption may be nil to discard captions. If log is nil, slog.Default()
// is used.
func NewSession(cfg Config, newSink SinkFactory, onCaption CaptionHandler, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:       log.With("component", "session"),
		cfg:       cfg,
		newSink:   newSink,
		onCaption: onCaption,
		startTime: time.Now(),
	}
	s.registry = ingest.NewRegistry(nil, log)
	return s
}

// Run registers a track per format and depacketizes the capture read by
// pr until it ends, a track fails or ctx is cancelled. Formats whose codec
// is not supported are logged and their packets dropped. Every sink is
// closed before Run returns.
func (s *Session) Run(ctx context.Context, pr *ingest.PacketReader, formats []rtpreader.PayloadFormat) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, pf := range formats {
		st, err := s.addTrack(pf)
		if err != nil {
			if errors.Is(err, rtpreader.ErrUnsupportedCodec) || errors.Is(err, rtpreader.ErrUnsupportedPacketizing) {
				s.log.Warn("skipping track", "pt", pf.PayloadType, "encoding", pf.Encoding, "error", err)
				continue
			}
			s.registry.CloseAll()
			g.Wait()
			s.closeSinks()
			return err
		}
		g.Go(func() error {
			return st.track.Run(ctx, st.stream.Packets())
		})
	}

	if len(s.snapshotTracks()) == 0 {
		s.registry.CloseAll()
		return errors.New("pipeline: no supported tracks")
	}

	g.Go(func() error {
		return s.registry.Dispatch(ctx, pr)
	})

	err := g.Wait()
	if cerr := s.closeSinks(); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) addTrack(pf rtpreader.PayloadFormat) (*sessionTrack, error) {
	stream, err := s.registry.Register(pf)
	if err != nil {
		return nil, err
	}

	var onCaption func(*ccx.CaptionFrame)
	if s.onCaption != nil {
		id := stream.TrackID
		onCaption = func(f *ccx.CaptionFrame) { s.onCaption(id, f) }
	}

	track, err := NewTrack(stream.TrackID, pf, nil, onCaption, s.cfg, s.log)
	if err != nil {
		s.registry.Unregister(pf.PayloadType)
		return nil, err
	}

	var sink moq.FrameWriter
	if s.newSink != nil {
		if sink, err = s.newSink(stream.TrackID, pf); err != nil {
			s.registry.Unregister(pf.PayloadType)
			return nil, fmt.Errorf("open sink for track %d: %w", stream.TrackID, err)
		}
		track.sink = sink
	}

	st := &sessionTrack{track: track, stream: stream, sink: sink}
	s.mu.Lock()
	s.tracks = append(s.tracks, st)
	s.mu.Unlock()
	return st, nil
}

func (s *Session) closeSinks() error {
	var errs []error
	for _, st := range s.snapshotTracks() {
		if st.sink == nil {
			continue
		}
		if err := st.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink for track %d: %w", st.track.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) snapshotTracks() []*sessionTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sessionTrack(nil), s.tracks...)
}

// Snapshot returns a point-in-time summary of every track. It is safe to
// call while Run is in progress.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		Timestamp: time.Now().UnixMilli(),
		UptimeMs:  time.Since(s.startTime).Milliseconds(),
		Unrouted:  s.registry.Unrouted(),
		Invalid:   s.registry.Invalid(),
	}
	for _, st := range s.snapshotTracks() {
		snap.Tracks = append(snap.Tracks, TrackSummary{
			Stats:         st.track.Stats().Snapshot(),
			Ingest:        st.stream.IngestStats(),
			FramesWritten: st.track.FramesWritten(),
			FramesDropped: st.track.FramesDropped(),
		})
	}
	return snap
}
