// Package pipeline runs the per-track depacketization loop: packets routed
// by the ingest registry are fed to an rtpreader.Reader, the reconstructed
// samples become media.VideoFrames for the sample writer, and their SEI
// NAL units feed the caption extractor while telemetry is collected.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/zsiec/ccx"

	"github.com/zsiec/depay/internal/captions"
	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/media"
	"github.com/zsiec/depay/internal/moq"
	"github.com/zsiec/depay/internal/rtpreader"
	"github.com/zsiec/depay/internal/stats"
)

// FrameSink is the subset of moq.FrameWriter the pipeline writes to.
// Accepting an interface here lets tests capture frames with a stub.
type FrameSink interface {
	WriteVideoFrame(frame *media.VideoFrame) (int64, error)
}

// Config controls per-track behavior.
type Config struct {
	// StopOnParseError ends the track on the first malformed packet
	// instead of logging it and continuing.
	StopOnParseError bool

	// Captions enables CEA-608/708 extraction from SEI NAL units.
	Captions bool

	// DropLeadingDeltas discards frames that precede the first keyframe.
	DropLeadingDeltas bool
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Captions:          true,
		DropLeadingDeltas: true,
	}
}

// Compile-time interface checks.
var (
	_ rtpreader.ExtractorOutput = (*Track)(nil)
	_ rtpreader.TrackOutput     = (*Track)(nil)
)

// Track owns one payload type's reader, caption extractor and stats. It
// is driven by a single goroutine through Run; the only state shared with
// other goroutines is the stats collector.
type Track struct {
	log      *slog.Logger
	cfg      Config
	id       int
	reader   rtpreader.Reader
	sink     FrameSink
	stats    *stats.TrackStats
	captions *captions.Extractor

	format  rtpreader.Format
	spsInfo demux.SPSInfo
	hasTC   bool
	sample  []byte
	seis    [][]byte

	groupID     uint32
	sawKeyframe bool
	sinkErr     error

	framesWritten atomic.Int64
	framesDropped atomic.Int64
	captionFrames atomic.Int64
}

// NewTrack creates the Track for one negotiated payload format. Caption
// frames are passed to onCaption, which may be nil. If log is nil,
// slog.Default() is used.
func NewTrack(id int, pf rtpreader.PayloadFormat, sink FrameSink, onCaption func(*ccx.CaptionFrame), cfg Config, log *slog.Logger) (*Track, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("track", id, "pt", pf.PayloadType)

	reader, err := rtpreader.New(pf, log)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", id, err)
	}

	t := &Track{
		log:    log,
		cfg:    cfg,
		id:     id,
		reader: reader,
		sink:   sink,
		stats:  stats.NewTrackStats(id, pf.PayloadType),
	}
	if cfg.Captions {
		t.captions = captions.NewExtractor(func(f *ccx.CaptionFrame) {
			t.captionFrames.Add(1)
			if onCaption != nil {
				onCaption(f)
			}
		}, log)
		t.captions.SetStats(t.stats)
	}

	reader.SetStats(t.stats)
	reader.CreateTracks(t, id)
	return t, nil
}

// ID returns the track ID.
func (t *Track) ID() int {
	return t.id
}

// Stats returns the track's telemetry collector.
func (t *Track) Stats() *stats.TrackStats {
	return t.stats
}

// FramesWritten returns the number of frames handed to the sink.
func (t *Track) FramesWritten() int64 {
	return t.framesWritten.Load()
}

// FramesDropped returns the number of frames discarded before the first
// keyframe.
func (t *Track) FramesDropped() int64 {
	return t.framesDropped.Load()
}

// CaptionFrames returns the number of decoded caption frames.
func (t *Track) CaptionFrames() int64 {
	return t.captionFrames.Load()
}

// Run consumes packets until the channel is closed or ctx is cancelled.
// Pending captions are flushed on return. Parse errors are counted and
// skipped unless Config.StopOnParseError is set.
func (t *Track) Run(ctx context.Context, packets <-chan *rtp.Packet) error {
	defer t.flushCaptions()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				t.log.Info("track finished", "frames", t.framesWritten.Load(),
					"dropped", t.framesDropped.Load(), "captions", t.captionFrames.Load())
				return nil
			}
			if err := t.consume(p); err != nil {
				return err
			}
		}
	}
}

// consume feeds one packet to the reader.
func (t *Track) consume(p *rtp.Packet) error {
	t.stats.RecordPacket(len(p.Payload))

	err := t.reader.Consume(p.Payload, p.Timestamp, p.SequenceNumber, p.Marker)
	if err != nil {
		var pe *rtpreader.ParseError
		if !errors.As(err, &pe) {
			return fmt.Errorf("track %d: %w", t.id, err)
		}
		t.stats.RecordParseError()
		t.log.Warn("dropping malformed packet", "seq", p.SequenceNumber, "error", err)
		if t.cfg.StopOnParseError {
			return fmt.Errorf("track %d seq %d: %w", t.id, p.SequenceNumber, err)
		}
	}
	if t.sinkErr != nil {
		return fmt.Errorf("track %d: write frame: %w", t.id, t.sinkErr)
	}
	return nil
}

func (t *Track) flushCaptions() {
	if t.captions != nil {
		t.captions.Flush()
	}
}

// Track implements rtpreader.ExtractorOutput. Every reader owns a single
// output track, so the ID is not consulted.
func (t *Track) Track(int) rtpreader.TrackOutput {
	return t
}

// Format records a new sample format published by the reader.
func (t *Track) Format(f rtpreader.Format) {
	t.format = f
	t.stats.RecordFormat(f)
	t.log.Info("track format", "codec", f.CodecString, "width", f.Width, "height", f.Height,
		"reorder", f.MaxNumReorderFrames)

	t.parseTimingSPS(f.SPS)
	if t.captions != nil {
		t.captions.SetReorderDepth(f.MaxNumReorderFrames)
	}
}

// SampleData buffers the sample; SampleMetadata follows with its timing.
func (t *Track) SampleData(data []byte) {
	t.sample = append(t.sample[:0], data...)
}

// SampleMetadata turns the buffered sample into a VideoFrame and hands it
// to the captions extractor and the sink.
func (t *Track) SampleMetadata(timeUs int64, keyframe bool, size int) {
	if size != len(t.sample) {
		t.log.Warn("sample size mismatch", "size", size, "buffered", len(t.sample))
	}

	frame := &media.VideoFrame{
		PTS:         timeUs,
		IsKeyframe:  keyframe,
		Codec:       t.format.Codec,
		CodecString: t.format.CodecString,
		TrackID:     t.id,
	}
	if t.format.Codec == "vp9" {
		frame.WireData = append([]byte(nil), t.sample...)
	} else {
		frame.NALUs = t.splitAccessUnit(timeUs)
		frame.WireData = moq.AnnexBToAVC1(frame.NALUs)
	}
	frame.SPS, frame.PPS, frame.VPS = t.format.SPS, t.format.PPS, t.format.VPS

	t.stats.RecordVideoFrame(int64(size), keyframe, timeUs)

	if keyframe {
		if t.sawKeyframe {
			t.groupID++
		}
		t.sawKeyframe = true
	}
	if !t.sawKeyframe && t.cfg.DropLeadingDeltas {
		if t.framesDropped.Add(1) == 1 {
			t.log.Debug("waiting for keyframe")
		}
		return
	}
	frame.GroupID = t.groupID

	if t.sink == nil || t.sinkErr != nil {
		return
	}
	if _, err := t.sink.WriteVideoFrame(frame); err != nil {
		t.sinkErr = err
		return
	}
	t.framesWritten.Add(1)
}

// splitAccessUnit returns the sample's NAL units with 4-byte start codes.
// Its SEI NAL units go to the caption extractor as one access unit and,
// for H.264, to the timecode parser. Parameter sets come from the Format.
func (t *Track) splitAccessUnit(timeUs int64) [][]byte {
	hevc := t.format.Codec == "h265"
	headerLen := 1
	var units []demux.NALUnit
	if hevc {
		headerLen = 2
		units = demux.ParseAnnexBHEVC(t.sample)
	} else {
		units = demux.ParseAnnexB(t.sample)
	}

	t.seis = t.seis[:0]
	nalus := make([][]byte, 0, len(units))
	for _, u := range units {
		nalus = append(nalus, demux.AppendAnnexB(nil, u.Data))

		if hevc {
			if u.Type == demux.HEVCNALSEIPrefix || u.Type == demux.HEVCNALSEISuffix {
				t.seis = append(t.seis, u.Data)
			}
			continue
		}
		if u.Type == demux.NALTypeSEI {
			t.seis = append(t.seis, u.Data)
			if t.hasTC {
				if tc, ok := demux.ParsePicTimingSEI(u.Data, t.spsInfo); ok {
					t.stats.RecordTimecode(tc.String())
				}
			}
		}
	}
	if t.captions != nil && len(t.seis) > 0 {
		t.captions.AddAccessUnit(timeUs, t.seis, headerLen)
	}
	return nalus
}

// parseTimingSPS parses an H.264 SPS for the HRD and pic_struct fields
// that pic_timing SEI decoding depends on.
func (t *Track) parseTimingSPS(sps []byte) {
	if t.format.Codec != "h264" || len(sps) == 0 {
		return
	}
	info, err := demux.ParseSPS(sps)
	if err != nil {
		t.hasTC = false
		return
	}
	t.spsInfo = info
	t.hasTC = info.PicStructPresent && info.HRDPresent
}
