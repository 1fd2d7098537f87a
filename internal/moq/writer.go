package moq

import (
	"bytes"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/media"
)

// MoQ stream type constants (draft-ietf-moq-transport-15).
const (
	// StreamTypeSubgroupSIDExt indicates a subgroup stream with an explicit
	// Subgroup ID in the header and per-object extension headers.
	StreamTypeSubgroupSIDExt uint64 = 0x0d
)

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	ExtCaptureTimestamp  uint64 = 2  // even: varint value = microseconds
	ExtVideoFrameMarking uint64 = 4  // even: varint value = RFC 9626 flags
	ExtVideoConfig       uint64 = 13 // odd: length-prefixed byte string
)

// RFC 9626 Video Frame Marking flags (non-scalable).
const (
	vfmKeyframe    uint64 = 0xE0 // S=1, E=1, I=1 (independent/keyframe)
	vfmNonKeyframe uint64 = 0xC0 // S=1, E=1, I=0 (dependent/delta)
)

// FrameWriter is implemented by the sample writers in this package.
type FrameWriter interface {
	WriteVideoFrame(frame *media.VideoFrame) (int64, error)
	Close() error
}

// Compile-time interface checks.
var (
	_ FrameWriter = (*ObjectWriter)(nil)
	_ FrameWriter = (*AnnexBWriter)(nil)
)

// StreamOpener returns the stream a group is written to. The writer
// closes it when the group ends.
type StreamOpener func(groupID uint64) (io.WriteCloser, error)

// ObjectWriter writes video frames as MoQ objects. Every group is carried
// on its own subgroup stream: a frame whose GroupID differs from the
// previous frame's ends the current stream and opens a new one.
//
// Objects carry a capture timestamp and a frame marking extension;
// keyframes additionally carry the decoder configuration record.
type ObjectWriter struct {
	open              StreamOpener
	trackAlias        uint64
	publisherPriority byte

	stream   io.WriteCloser
	started  bool
	groupID  uint64
	objectID uint64
	closed   bool
}

// NewObjectWriter returns an ObjectWriter for one track. trackAlias is a
// session-scoped identifier for the track, and publisherPriority sets the
// priority (0=highest, 255=lowest).
func NewObjectWriter(open StreamOpener, trackAlias uint64, publisherPriority byte) *ObjectWriter {
	return &ObjectWriter{
		open:              open,
		trackAlias:        trackAlias,
		publisherPriority: publisherPriority,
	}
}

// WriteVideoFrame writes frame as the next object of its group and returns
// the number of bytes written, including any stream header.
func (m *ObjectWriter) WriteVideoFrame(frame *media.VideoFrame) (int64, error) {
	if m.closed {
		return 0, ErrWriterClosed
	}

	var n int64
	if m.stream == nil || uint64(frame.GroupID) != m.groupID {
		hn, err := m.startGroup(uint64(frame.GroupID))
		if err != nil {
			return 0, err
		}
		n += hn
	}

	payload := frame.WireData
	if payload == nil {
		payload = AnnexBToAVC1(frame.NALUs)
	}

	var exts []byte

	// Capture Timestamp (ID 2, even → varint value)
	exts = quicvarint.Append(exts, ExtCaptureTimestamp)
	exts = quicvarint.Append(exts, uint64(max(frame.PTS, 0)))

	// Video Frame Marking (ID 4, even → varint value)
	exts = quicvarint.Append(exts, ExtVideoFrameMarking)
	if frame.IsKeyframe {
		exts = quicvarint.Append(exts, vfmKeyframe)
	} else {
		exts = quicvarint.Append(exts, vfmNonKeyframe)
	}

	// Video Config on keyframes (ID 13, odd → length-prefixed bytes)
	if frame.IsKeyframe {
		if configData := DecoderConfig(frame); configData != nil {
			exts = quicvarint.Append(exts, ExtVideoConfig)
			exts = quicvarint.Append(exts, uint64(len(configData)))
			exts = append(exts, configData...)
		}
	}

	on, err := m.writeObject(exts, payload)
	return n + on, err
}

// WriteCaptionFrame writes one serialized caption frame as a group of its
// own, on a stream that is closed as soon as the object is written.
// Caption tracks use a dedicated writer.
func (m *ObjectWriter) WriteCaptionFrame(data []byte, ptsUs int64) (int64, error) {
	if m.closed {
		return 0, ErrWriterClosed
	}

	var groupID uint64
	if m.started {
		groupID = m.groupID + 1
	}
	hn, err := m.startGroup(groupID)
	if err != nil {
		return 0, err
	}

	var exts []byte
	exts = quicvarint.Append(exts, ExtCaptureTimestamp)
	exts = quicvarint.Append(exts, uint64(max(ptsUs, 0)))

	on, err := m.writeObject(exts, data)
	if err != nil {
		return 0, err
	}
	return hn + on, m.endGroup()
}

// Close ends the current group's stream.
func (m *ObjectWriter) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.endGroup()
}

func (m *ObjectWriter) startGroup(groupID uint64) (int64, error) {
	if err := m.endGroup(); err != nil {
		return 0, err
	}
	stream, err := m.open(groupID)
	if err != nil {
		return 0, fmt.Errorf("open stream for group %d: %w", groupID, err)
	}
	m.stream = stream
	m.started = true
	m.groupID = groupID
	m.objectID = 0

	var buf []byte
	buf = quicvarint.Append(buf, StreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, m.trackAlias)
	buf = quicvarint.Append(buf, groupID)
	buf = quicvarint.Append(buf, 0) // subgroup ID
	buf = append(buf, m.publisherPriority)

	if _, err := m.stream.Write(buf); err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

func (m *ObjectWriter) endGroup() error {
	if m.stream == nil {
		return nil
	}
	err := m.stream.Close()
	m.stream = nil
	return err
}

// writeObject writes a MoQ object header (with extensions) and payload.
func (m *ObjectWriter) writeObject(exts []byte, payload []byte) (int64, error) {
	var hdr []byte
	hdr = quicvarint.Append(hdr, m.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(len(payload)))

	m.objectID++

	total := int64(len(hdr) + len(payload))
	if _, err := m.stream.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := m.stream.Write(payload); err != nil {
		return 0, err
	}
	return total, nil
}

// AnnexBWriter writes H.264 and H.265 access units as a raw Annex B
// elementary stream. Parameter sets known from the frame are written ahead
// of a keyframe that does not carry them in-band.
type AnnexBWriter struct {
	w io.Writer
}

// NewAnnexBWriter returns an AnnexBWriter writing to w.
func NewAnnexBWriter(w io.Writer) *AnnexBWriter {
	return &AnnexBWriter{w: w}
}

// WriteVideoFrame appends frame's NAL units to the stream.
func (a *AnnexBWriter) WriteVideoFrame(frame *media.VideoFrame) (int64, error) {
	if frame.Codec != "h264" && frame.Codec != "h265" {
		return 0, fmt.Errorf("%w: annexb output of %q", ErrUnsupportedCodec, frame.Codec)
	}

	var buf bytes.Buffer
	if frame.IsKeyframe && !hasParameterSets(frame) {
		for _, ps := range [][]byte{frame.VPS, frame.SPS, frame.PPS} {
			if len(ps) > 0 {
				buf.Write(demux.AppendAnnexB(nil, ps))
			}
		}
	}
	for _, nalu := range frame.NALUs {
		buf.Write(nalu)
	}
	n, err := a.w.Write(buf.Bytes())
	return int64(n), err
}

// Close is a no-op; the caller owns the underlying writer.
func (a *AnnexBWriter) Close() error {
	return nil
}

// hasParameterSets reports whether the access unit carries an SPS in-band.
func hasParameterSets(frame *media.VideoFrame) bool {
	for _, nalu := range frame.NALUs {
		raw := stripStartCode(nalu)
		if len(raw) == 0 {
			continue
		}
		switch frame.Codec {
		case "h264":
			if demux.IsSPS(demux.NALType(raw[0])) {
				return true
			}
		case "h265":
			if demux.IsHEVCSPS(demux.HEVCNALType(raw[0])) {
				return true
			}
		}
	}
	return false
}
