package rtpreader

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/rtptime"
)

// nalReader depacketizes the NAL-unit based payload formats (H.264 and
// H.265). Complete NAL units collect in au, start-code prefixed, until the
// marker bit or a timestamp change ends the access unit.
type nalReader struct {
	log       *slog.Logger
	syntax    nalSyntax
	payload   PayloadFormat
	clockRate uint32
	output    TrackOutput
	stats     StatsRecorder
	format    Format

	haveFirst         bool
	firstTimestamp    uint32
	startTimeOffsetUs int64
	nextSeq           uint16

	au          []byte
	auNALs      int
	auTimestamp uint32
	auKeyframe  bool

	fu          []byte
	fuOpen      bool
	fuSeq       uint16
	fuTimestamp uint32

	units [][]byte // scratch for validated aggregation units

	formatChanged bool
}

var _ Reader = (*nalReader)(nil)

func newNALReader(pf PayloadFormat, syntax nalSyntax, log *slog.Logger) *nalReader {
	return &nalReader{
		log:       log.With("component", "rtpreader", "codec", syntax.codec(), "pt", pf.PayloadType),
		syntax:    syntax,
		payload:   pf,
		clockRate: pf.ClockRate,
		output:    discardOutput{},
		stats:     nopStats{},
	}
}

func (r *nalReader) SetStats(s StatsRecorder) {
	if s == nil {
		s = nopStats{}
	}
	r.stats = s
}

func (r *nalReader) CreateTracks(output ExtractorOutput, trackID int) {
	r.output = output.Track(trackID)

	f, err := initialFormat(r.payload)
	if err != nil {
		r.log.Warn("ignoring invalid out-of-band parameters", "error", err)
	}
	f.Codec = r.syntax.codec()
	r.format = f
	r.output.Format(r.format.clone())
}

func (r *nalReader) OnReceivingFirstPacket(timestamp uint32, sequenceNumber uint16) {
	r.haveFirst = true
	r.firstTimestamp = timestamp
	r.nextSeq = sequenceNumber
}

func (r *nalReader) Seek(nextRTPTimestamp uint32, timeUs int64) {
	r.haveFirst = true
	r.firstTimestamp = nextRTPTimestamp
	r.startTimeOffsetUs = timeUs
	r.discardAccessUnit()
}

func (r *nalReader) Consume(payload []byte, timestamp uint32, seq uint16, marker bool) error {
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

	// A new timestamp with complete NAL units pending means the marker
	// packet of the previous access unit was lost.
	if r.auNALs > 0 && timestamp != r.auTimestamp {
		r.emit()
	}

	if len(payload) < r.syntax.headerLen() {
		return r.fail("payload header", malformed("payload of %d bytes is shorter than the payload header", len(payload)))
	}
	kind, err := r.syntax.classify(payload)
	if err != nil {
		return r.fail("payload header", err)
	}

	switch kind {
	case kindSingle:
		r.abandonFragment("single NAL unit packet")
		r.appendNAL(payload, timestamp)
	case kindAggregation:
		units, err := r.splitAggregation(payload)
		if err != nil {
			return r.fail(kind.String(), err)
		}
		r.abandonFragment("aggregation packet")
		for _, nal := range units {
			r.appendNAL(nal, timestamp)
		}
	case kindFragmentation:
		if err := r.consumeFragment(payload, timestamp, seq); err != nil {
			return r.fail(kind.String(), err)
		}
	}

	if marker {
		r.emit()
	}
	return nil
}

// splitAggregation validates every unit of an aggregation packet before
// any of them is used, so a malformed packet contributes nothing.
func (r *nalReader) splitAggregation(payload []byte) ([][]byte, error) {
	hl := r.syntax.headerLen()
	rest := payload[hl:]
	r.units = r.units[:0]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, malformed("%d trailing bytes after the last aggregation unit", len(rest))
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if n < hl {
			return nil, malformed("aggregation unit of %d bytes is shorter than a NAL header", n)
		}
		if n > len(rest) {
			return nil, malformed("aggregation unit of %d bytes exceeds %d remaining", n, len(rest))
		}
		r.units = append(r.units, rest[:n])
		rest = rest[n:]
	}
	if len(r.units) < r.syntax.minAggregated() {
		return nil, malformed("aggregation packet holds %d NAL units", len(r.units))
	}
	return r.units, nil
}

func (r *nalReader) consumeFragment(payload []byte, timestamp uint32, seq uint16) error {
	hl := r.syntax.headerLen()
	if len(payload) < hl+1 {
		return malformed("fragmentation unit of %d bytes has no FU header", len(payload))
	}
	start, end, nalType := r.syntax.fragment(payload)
	if start && end {
		return malformed("fragmentation unit has both start and end bits set")
	}

	if start {
		header := r.syntax.appendFUHeader(nil, payload, nalType)
		if kind, err := r.syntax.classify(header); err != nil || kind != kindSingle {
			return malformed("fragmentation unit carries NAL type %d", nalType)
		}
		r.abandonFragment("new fragmentation unit started")
		r.fu = append(r.fu[:0], header...)
		r.fu = append(r.fu, payload[hl+1:]...)
		r.fuOpen = true
		r.fuSeq = seq
		r.fuTimestamp = timestamp
		return nil
	}

	if !r.fuOpen {
		r.log.Debug("dropping fragment without a start fragment", "seq", seq)
		return nil
	}
	if seq != rtptime.NextSequenceNumber(r.fuSeq) {
		r.breakFragment("sequence gap", seq)
		return nil
	}
	if timestamp != r.fuTimestamp {
		r.breakFragment("timestamp changed", seq)
		return nil
	}

	r.fu = append(r.fu, payload[hl+1:]...)
	r.fuSeq = seq
	if end {
		r.fuOpen = false
		r.appendNAL(r.fu, r.fuTimestamp)
	}
	return nil
}

// breakFragment drops the open fragmentation unit after a continuity
// failure. Later fragments are ignored until the next start fragment.
func (r *nalReader) breakFragment(reason string, seq uint16) {
	r.log.Debug("discarding fragmentation unit", "reason", reason,
		"expectedSeq", rtptime.NextSequenceNumber(r.fuSeq), "seq", seq)
	r.fuOpen = false
	r.fu = r.fu[:0]
	r.stats.RecordContinuityBreak()
}

// abandonFragment drops an open fragmentation unit that another packet
// interrupted before its end fragment arrived.
func (r *nalReader) abandonFragment(reason string) {
	if !r.fuOpen {
		return
	}
	r.log.Debug("discarding incomplete fragmentation unit", "reason", reason, "lastSeq", r.fuSeq)
	r.fuOpen = false
	r.fu = r.fu[:0]
	r.stats.RecordContinuityBreak()
}

func (r *nalReader) appendNAL(nal []byte, timestamp uint32) {
	if r.auNALs == 0 {
		r.auTimestamp = timestamp
	}
	r.au = demux.AppendAnnexB(r.au, nal)
	r.auNALs++

	t := r.syntax.nalType(nal)
	if r.syntax.isKeyframe(t) {
		r.auKeyframe = true
	}
	switch r.syntax.paramSet(t) {
	case paramVPS:
		r.setParamSet(&r.format.VPS, nal)
	case paramPPS:
		r.setParamSet(&r.format.PPS, nal)
	case paramSPS:
		r.updateFormat(nal)
	}
}

// setParamSet records an in-band VPS or PPS. New content is published with
// the next Format.
func (r *nalReader) setParamSet(dst *[]byte, nal []byte) {
	if bytes.Equal(*dst, nal) {
		return
	}
	*dst = append((*dst)[:0], nal...)
	r.formatChanged = true
}

// updateFormat records an in-band SPS. A new SPS is published ahead of the
// access unit carrying it, once the unit's other parameter sets are known.
func (r *nalReader) updateFormat(sps []byte) {
	if bytes.Equal(r.format.SPS, sps) {
		return
	}
	next := r.format
	next.SPS = nil
	if !next.applySPS(r.syntax.codec(), sps) {
		r.log.Debug("ignoring unparseable SPS", "bytes", len(sps))
		return
	}
	r.format = next
	r.formatChanged = true
}

func (r *nalReader) emit() {
	if r.auNALs == 0 {
		return
	}
	if r.formatChanged {
		r.formatChanged = false
		r.log.Info("track format changed", "codec", r.format.CodecString,
			"width", r.format.Width, "height", r.format.Height)
		r.output.Format(r.format.clone())
	}
	timeUs := rtptime.ToSampleUs(r.startTimeOffsetUs, r.auTimestamp, r.firstTimestamp, r.clockRate)
	r.output.SampleData(r.au)
	r.output.SampleMetadata(timeUs, r.auKeyframe, len(r.au))
	r.resetAccessUnit()
}

func (r *nalReader) resetAccessUnit() {
	r.au = r.au[:0]
	r.auNALs = 0
	r.auKeyframe = false
}

func (r *nalReader) discardAccessUnit() {
	r.resetAccessUnit()
	r.fuOpen = false
	r.fu = r.fu[:0]
}

func (r *nalReader) fail(reason string, err error) error {
	if r.auNALs > 0 || r.fuOpen {
		r.log.Debug("discarding partial access unit after parse error", "error", err)
	}
	r.discardAccessUnit()
	return &ParseError{Codec: r.syntax.codec(), Reason: reason, Err: err}
}
