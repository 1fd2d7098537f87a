package rtpreader

import (
	"fmt"
	"log/slog"
	"strings"
)

// Encoding names as they appear in SDP rtpmap attributes.
const (
	EncodingH264 = "H264"
	EncodingH265 = "H265"
	EncodingVP9  = "VP9"
)

// DefaultClockRate is the RTP clock rate mandated for every video payload
// format handled by this package.
const DefaultClockRate = 90000

// Reader depacketizes the RTP packets of a single track.
type Reader interface {
	// CreateTracks registers the reader's output track with output and
	// publishes the initial Format.
	CreateTracks(output ExtractorOutput, trackID int)

	// OnReceivingFirstPacket sets the timeline origin. If it is never
	// called, the first consumed packet sets it.
	OnReceivingFirstPacket(timestamp uint32, sequenceNumber uint16)

	// Consume processes one RTP payload. Packets must be passed in
	// sequence-number order; gaps are tolerated. A returned error is
	// always a *ParseError.
	Consume(payload []byte, timestamp uint32, sequenceNumber uint16, marker bool) error

	// Seek rebases the timeline so that nextRTPTimestamp maps to timeUs,
	// discarding any partially assembled access unit.
	Seek(nextRTPTimestamp uint32, timeUs int64)

	// SetStats attaches a recorder for continuity telemetry.
	SetStats(s StatsRecorder)
}

// TrackOutput receives a track's format and samples. The data passed to
// SampleData is only valid for the duration of the call; SampleMetadata
// follows immediately and describes the same sample.
type TrackOutput interface {
	Format(f Format)
	SampleData(data []byte)
	SampleMetadata(timeUs int64, keyframe bool, size int)
}

// ExtractorOutput hands out TrackOutputs by track ID.
type ExtractorOutput interface {
	Track(id int) TrackOutput
}

// StatsRecorder is the interface accepted by readers for recording
// continuity telemetry. The stats package's TrackStats implements it.
type StatsRecorder interface {
	RecordPacketLoss(lost int)
	RecordContinuityBreak()
}

// PayloadFormat describes an RTP payload as negotiated out of band,
// typically from an SDP media description.
type PayloadFormat struct {
	PayloadType uint8
	Encoding    string
	ClockRate   uint32
	Fmtp        map[string]string
	Width       int
	Height      int
}

// ParseFmtp parses an SDP fmtp parameter string such as
// "packetization-mode=1;profile-level-id=42e01f". Keys are lower-cased and
// surrounding whitespace is trimmed.
func ParseFmtp(s string) map[string]string {
	params := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		params[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return params
}

// New returns a Reader for pf's encoding. If log is nil, slog.Default()
// is used.
func New(pf PayloadFormat, log *slog.Logger) (Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	if pf.ClockRate == 0 {
		pf.ClockRate = DefaultClockRate
	}

	switch strings.ToUpper(pf.Encoding) {
	case EncodingH265:
		return newNALReader(pf, h265Syntax{}, log), nil
	case EncodingH264:
		if mode := pf.Fmtp["packetization-mode"]; mode == "2" {
			return nil, fmt.Errorf("%w: H264 packetization-mode=%s", ErrUnsupportedPacketizing, mode)
		}
		return newNALReader(pf, h264Syntax{}, log), nil
	case EncodingVP9:
		return newVP9Reader(pf, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, pf.Encoding)
	}
}

type discardOutput struct{}

func (discardOutput) Format(Format)                  {}
func (discardOutput) SampleData([]byte)              {}
func (discardOutput) SampleMetadata(int64, bool, int) {}

type nopStats struct{}

func (nopStats) RecordPacketLoss(int)   {}
func (nopStats) RecordContinuityBreak() {}
