package rtpreader

import (
	"encoding/binary"
	"log/slog"

	"github.com/zsiec/depay/internal/rtptime"
)

// VP9 payload descriptor bits (RFC 9628 section 4.2).
const (
	vp9PictureID    = 0x80 // I
	vp9InterPicture = 0x40 // P
	vp9LayerIndices = 0x20 // L
	vp9Flexible     = 0x10 // F
	vp9BeginFrame   = 0x08 // B
	vp9EndFrame     = 0x04 // E
	vp9Scalability  = 0x02 // V

	vp9ExtendedPictureID = 0x80 // M
	vp9SSResolution      = 0x10 // Y
	vp9SSPictureGroup    = 0x08 // G

	// frame_type in the first byte of the uncompressed header, 0 for key frames.
	vp9FrameTypeBit = 0x04
)

type vp9Descriptor struct {
	begin, end    bool
	width, height int
	hasSize       bool
	size          int
}

// parseVP9Descriptor validates the payload descriptor of a non-flexible
// mode VP9 payload and returns its length.
func parseVP9Descriptor(p []byte) (vp9Descriptor, error) {
	if len(p) < 1 {
		return vp9Descriptor{}, malformed("empty payload")
	}
	hdr := p[0]
	d := vp9Descriptor{
		begin: hdr&vp9BeginFrame != 0,
		end:   hdr&vp9EndFrame != 0,
	}
	if hdr&vp9Flexible != 0 {
		return d, unsupported("flexible mode")
	}
	off := 1

	need := func(n int, field string) error {
		if len(p)-off < n {
			return malformed("descriptor truncated in %s", field)
		}
		return nil
	}

	if hdr&vp9PictureID != 0 {
		if err := need(1, "picture ID"); err != nil {
			return d, err
		}
		extended := p[off]&vp9ExtendedPictureID != 0
		off++
		if extended {
			if err := need(1, "extended picture ID"); err != nil {
				return d, err
			}
			off++
		}
	}

	if hdr&vp9LayerIndices != 0 {
		// Layer indices followed by TL0PICIDX, present in non-flexible mode.
		if err := need(2, "layer indices"); err != nil {
			return d, err
		}
		off += 2
	}

	if hdr&vp9Scalability != 0 {
		if err := need(1, "scalability structure"); err != nil {
			return d, err
		}
		ss := p[off]
		off++
		spatialLayers := int(ss>>5&0x07) + 1
		if ss&vp9SSResolution != 0 {
			if err := need(4*spatialLayers, "spatial layer resolutions"); err != nil {
				return d, err
			}
			// The highest spatial layer defines the output picture size.
			for i := 0; i < spatialLayers; i++ {
				d.width = int(binary.BigEndian.Uint16(p[off:]))
				d.height = int(binary.BigEndian.Uint16(p[off+2:]))
				off += 4
			}
			d.hasSize = true
		}
		if ss&vp9SSPictureGroup != 0 {
			if err := need(1, "picture group size"); err != nil {
				return d, err
			}
			pictures := int(p[off])
			off++
			for i := 0; i < pictures; i++ {
				if err := need(1, "picture group entry"); err != nil {
					return d, err
				}
				refs := int(p[off]&0x0C) >> 2
				off++
				if err := need(refs, "reference indices"); err != nil {
					return d, err
				}
				off += refs
			}
		}
	}

	d.size = off
	return d, nil
}

// vp9Reader reassembles VP9 frames spread over several packets. A frame
// starts at a packet with the B bit and is emitted on the marker bit.
type vp9Reader struct {
	log       *slog.Logger
	payload   PayloadFormat
	clockRate uint32
	output    TrackOutput
	stats     StatsRecorder
	format    Format

	haveFirst         bool
	firstTimestamp    uint32
	startTimeOffsetUs int64
	nextSeq           uint16

	frame          []byte
	inFrame        bool
	sawEnd         bool
	frameTimestamp uint32
	lastSeq        uint16
	keyframe       bool
}

var _ Reader = (*vp9Reader)(nil)

func newVP9Reader(pf PayloadFormat, log *slog.Logger) *vp9Reader {
	return &vp9Reader{
		log:       log.With("component", "rtpreader", "codec", "vp9", "pt", pf.PayloadType),
		payload:   pf,
		clockRate: pf.ClockRate,
		output:    discardOutput{},
		stats:     nopStats{},
	}
}

func (r *vp9Reader) SetStats(s StatsRecorder) {
	if s == nil {
		s = nopStats{}
	}
	r.stats = s
}

func (r *vp9Reader) CreateTracks(output ExtractorOutput, trackID int) {
	r.output = output.Track(trackID)
	f, err := initialFormat(r.payload)
	if err != nil {
		r.log.Warn("ignoring invalid out-of-band parameters", "error", err)
	}
	f.Codec = "vp9"
	r.format = f
	r.output.Format(r.format.clone())
}

func (r *vp9Reader) OnReceivingFirstPacket(timestamp uint32, sequenceNumber uint16) {
	r.haveFirst = true
	r.firstTimestamp = timestamp
	r.nextSeq = sequenceNumber
}

func (r *vp9Reader) Seek(nextRTPTimestamp uint32, timeUs int64) {
	r.haveFirst = true
	r.firstTimestamp = nextRTPTimestamp
	r.startTimeOffsetUs = timeUs
	r.dropFrame()
}

func (r *vp9Reader) Consume(payload []byte, timestamp uint32, seq uint16, marker bool) error {
	if !r.haveFirst {
		r.OnReceivingFirstPacket(timestamp, seq)
	}
	// Late packets leave the expected sequence number alone.
	if delta := rtptime.SequenceDelta(r.nextSeq, seq); delta >= 0 {
		if delta > 0 {
			r.stats.RecordPacketLoss(int(delta))
		}
		r.nextSeq = rtptime.NextSequenceNumber(seq)
	}

	d, err := parseVP9Descriptor(payload)
	if err != nil {
		r.dropFrame()
		return &ParseError{Codec: "vp9", Reason: "payload descriptor", Err: err}
	}

	if r.inFrame && timestamp != r.frameTimestamp {
		if r.sawEnd {
			r.emit()
		} else {
			r.breakFrame("timestamp changed before the frame ended", seq)
		}
	}
	if r.inFrame && seq != rtptime.NextSequenceNumber(r.lastSeq) {
		r.breakFrame("sequence gap", seq)
	}

	body := payload[d.size:]
	if !r.inFrame {
		if !d.begin {
			r.log.Debug("dropping packet that does not begin a frame", "seq", seq)
			return nil
		}
		r.inFrame = true
		r.frameTimestamp = timestamp
		r.keyframe = len(body) > 0 && body[0]&vp9FrameTypeBit == 0
		r.frame = r.frame[:0]
	}

	if d.hasSize && (d.width != r.format.Width || d.height != r.format.Height) {
		r.format.Width, r.format.Height = d.width, d.height
		r.log.Info("track format changed", "width", d.width, "height", d.height)
		r.output.Format(r.format.clone())
	}

	r.frame = append(r.frame, body...)
	r.lastSeq = seq
	r.sawEnd = d.end

	if marker {
		r.emit()
	}
	return nil
}

func (r *vp9Reader) breakFrame(reason string, seq uint16) {
	r.log.Debug("discarding VP9 frame", "reason", reason,
		"expectedSeq", rtptime.NextSequenceNumber(r.lastSeq), "seq", seq)
	r.dropFrame()
	r.stats.RecordContinuityBreak()
}

func (r *vp9Reader) dropFrame() {
	r.inFrame = false
	r.sawEnd = false
	r.keyframe = false
	r.frame = r.frame[:0]
}

func (r *vp9Reader) emit() {
	if !r.inFrame {
		return
	}
	if len(r.frame) > 0 {
		timeUs := rtptime.ToSampleUs(r.startTimeOffsetUs, r.frameTimestamp, r.firstTimestamp, r.clockRate)
		r.output.SampleData(r.frame)
		r.output.SampleMetadata(timeUs, r.keyframe, len(r.frame))
	}
	r.dropFrame()
}
