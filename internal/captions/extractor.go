// Package captions decodes CEA-608 and CEA-708 closed captions carried in
// ATSC A/53 SEI messages.
//
// SEI messages arrive in decode order, one access unit at a time. Caption
// byte pairs must be fed to the decoders in presentation order, so the
// Extractor holds each access unit's caption SEI in a reorder.Queue sized
// to the stream's reorder depth and decodes them as they leave the queue.
package captions

import (
	"encoding/binary"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/reorder"
)

// DefaultReorderDepth is used when the stream does not signal its reorder
// depth. It is the largest decoded picture buffer H.264 and H.265 allow.
const DefaultReorderDepth = 16

// Number of CEA-608 channels (CC1-CC4) and CEA-708 services decoded.
const (
	cea608Channels = 4
	cea708Services = 6

	// CEA-708 service N is reported as caption channel N+6.
	cea708ChannelOffset = 6
)

// StatsRecorder is the interface accepted by Extractor for counting decoded
// caption frames. The stats package's TrackStats implements it.
type StatsRecorder interface {
	RecordCaption(channel int)
}

// Extractor reorders caption SEI messages into presentation order and
// decodes them. It is not safe for concurrent use.
type Extractor struct {
	log   *slog.Logger
	emit  func(*ccx.CaptionFrame)
	stats StatsRecorder
	queue *reorder.Queue

	// decode handles one SEI NAL unit leaving the queue.
	decode func(pts int64, sei []byte, headerLen int)

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	released        int64
	lastPTS         int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewExtractor returns an Extractor that passes every decoded caption frame
// to emit. The frame's PTS is the presentation time in microseconds of the
// access unit that carried it. If log is nil, slog.Default() is used.
func NewExtractor(emit func(*ccx.CaptionFrame), log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{
		log:        log.With("component", "captions"),
		emit:       emit,
		cea608Decs: make(map[int]*ccx.CEA608Decoder, cea608Channels),
		cea708Svcs: make(map[int]*ccx.CEA708Service, cea708Services),
	}
	e.resetDecoders()
	e.decode = e.decodeSEI
	e.queue = reorder.New(e.release)
	e.queue.SetMaxSize(DefaultReorderDepth)
	return e
}

// SetStats attaches a recorder that is told about every emitted frame.
func (e *Extractor) SetStats(s StatsRecorder) {
	e.stats = s
}

// SetReorderDepth sizes the queue to the number of pictures that may
// precede a picture in decode order and follow it in output order. The
// queue holds one entry per access unit, so the depth counts pictures.
// demux.ReorderUnknown selects DefaultReorderDepth. Shrinking the depth
// decodes the messages that no longer fit.
func (e *Extractor) SetReorderDepth(depth int) {
	if depth == demux.ReorderUnknown || depth < 0 {
		depth = DefaultReorderDepth
	}
	if depth != e.queue.MaxSize() {
		e.log.Debug("caption reorder depth changed", "depth", depth)
		e.queue.SetMaxSize(depth)
	}
}

// ReorderDepth returns the current queue size limit.
func (e *Extractor) ReorderDepth() int {
	return e.queue.MaxSize()
}

// AddAccessUnit queues the SEI NAL units of one access unit, each
// including its NAL header, presented at pts microseconds. headerLen is 1
// for H.264 and 2 for H.265. Units without A/53 caption data are ignored.
// It must be called once per access unit and returns the number of units
// queued.
func (e *Extractor) AddAccessUnit(pts int64, seis [][]byte, headerLen int) int {
	var entry []byte
	n := 0
	for _, nal := range seis {
		if !demux.IsCaptionSEI(nal, headerLen) {
			continue
		}
		if n == 0 {
			entry = append(entry, byte(headerLen))
		}
		entry = binary.BigEndian.AppendUint32(entry, uint32(len(nal)))
		entry = append(entry, nal...)
		n++
	}
	if n > 0 {
		e.queue.Add(pts, entry)
	}
	return n
}

// Pending returns the number of queued access units not yet decoded.
func (e *Extractor) Pending() int {
	return e.queue.Size()
}

// release decodes a queue entry: a header length byte followed by
// length-prefixed SEI NAL units.
func (e *Extractor) release(pts int64, entry []byte) {
	e.released++
	if len(entry) == 0 {
		return
	}
	headerLen := int(entry[0])
	for rest := entry[1:]; len(rest) >= 4; {
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if n > len(rest) {
			return
		}
		e.decode(pts, rest[:n], headerLen)
		rest = rest[n:]
	}
}

// Flush decodes every queued message and the DTVCC packet still being
// collected, for example at end of stream.
func (e *Extractor) Flush() {
	e.queue.Flush()
	e.drainDTVCC(e.lastPTS)
	e.dtvccBuf = e.dtvccBuf[:0]
}

// Reset drops queued messages without decoding them and clears the
// decoder state, for use after a seek or discontinuity.
func (e *Extractor) Reset() {
	e.queue.Clear()
	e.dtvccBuf = e.dtvccBuf[:0]
	e.lastCCWasCtrl = [2]bool{}
	e.resetDecoders()
}

func (e *Extractor) resetDecoders() {
	for ch := 1; ch <= cea608Channels; ch++ {
		e.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= cea708Services; svc++ {
		e.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
}

// isRepeatedControl reports whether a CEA-608 control pair on field is the
// redundant second copy of the pair sent in the previous frame or the one
// before. Control codes are transmitted twice; only the first copy acts.
// Frames are counted as access units leaving the queue.
func (e *Extractor) isRepeatedControl(field int, cc [2]byte) bool {
	if cc[0] < 0x10 || cc[0] > 0x1F {
		e.lastCCWasCtrl[field] = false
		return false
	}
	frameGap := e.released - e.lastCCCtrlFrame[field]
	if e.lastCCWasCtrl[field] && e.lastCCCtrl[field] == cc && frameGap <= 2 {
		e.lastCCWasCtrl[field] = false
		return true
	}
	e.lastCCCtrl[field] = cc
	e.lastCCWasCtrl[field] = true
	e.lastCCCtrlFrame[field] = e.released
	return false
}

func (e *Extractor) decodeSEI(pts int64, sei []byte, headerLen int) {
	e.lastPTS = pts
	var cd *ccx.CaptionData
	if headerLen == 2 {
		cd = ccx.ExtractCaptionsHEVC(sei)
	} else {
		cd = ccx.ExtractCaptions(sei)
	}
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		field := int(pair.Field) & 1
		if e.isRepeatedControl(field, [2]byte{pair.Data[0], pair.Data[1]}) {
			continue
		}
		dec := e.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(pair.Data[0], pair.Data[1]); text != "" {
			e.send(&ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel, Regions: dec.StyledRegions()})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			e.drainDTVCC(pts)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}
}

// drainDTVCC decodes the DTVCC packet buffered so far once it is complete.
func (e *Extractor) drainDTVCC(pts int64) {
	if len(e.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < packetSize {
		e.log.Debug("dropping incomplete DTVCC packet", "have", len(e.dtvccBuf), "want", packetSize)
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:packetSize]) {
		svc := e.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			channel := block.ServiceNum + cea708ChannelOffset
			e.send(&ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel, Regions: svc.StyledRegions()})
		}
	}
	e.dtvccBuf = e.dtvccBuf[packetSize:]
}

func (e *Extractor) send(frame *ccx.CaptionFrame) {
	if e.stats != nil {
		e.stats.RecordCaption(frame.Channel)
	}
	if e.emit != nil {
		e.emit(frame)
	}
}
