// Package stats accumulates per-track depacketization telemetry and
// produces JSON-serializable snapshots of it.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/depay/internal/captions"
	"github.com/zsiec/depay/internal/rtpreader"
)

// Compile-time interface checks.
var (
	_ rtpreader.StatsRecorder = (*TrackStats)(nil)
	_ captions.StatsRecorder  = (*TrackStats)(nil)
)

// rateWindowUs is the span of media time over which frame rate and
// bitrate are computed.
const rateWindowUs = 2_000_000

// Presentation time jumps larger than this between consecutive samples
// count as timestamp errors.
const maxPTSJumpUs = 5_000_000

// VideoStats holds point-in-time video metrics for a track.
type VideoStats struct {
	Codec         string  `json:"codec"`
	CodecString   string  `json:"codecString,omitempty"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	FormatChanges int64   `json:"formatChanges"`
	TotalFrames   int64   `json:"totalFrames"`
	KeyFrames     int64   `json:"keyFrames"`
	DeltaFrames   int64   `json:"deltaFrames"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	PTSErrors     int64   `json:"ptsErrors"`
	TotalBytes    int64   `json:"totalBytes"`
	FirstPTS      int64   `json:"firstPTS"`
	LastPTS       int64   `json:"lastPTS"`
	Timecode      string  `json:"timecode,omitempty"`
}

// RTPStats counts packet-level events seen by a track's depacketizer.
type RTPStats struct {
	Packets          int64 `json:"packets"`
	PayloadBytes     int64 `json:"payloadBytes"`
	PacketsLost      int64 `json:"packetsLost"`
	ContinuityBreaks int64 `json:"continuityBreaks"`
	ParseErrors      int64 `json:"parseErrors"`
}

// CaptionStats tracks closed-caption activity across all channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// TrackSnapshot is the JSON view of one track's statistics.
type TrackSnapshot struct {
	TrackID     int          `json:"trackId"`
	PayloadType uint8        `json:"payloadType"`
	RTP         RTPStats     `json:"rtp"`
	Video       VideoStats   `json:"video"`
	Captions    CaptionStats `json:"captions"`
}

// TrackStats accumulates telemetry for one track in a concurrency-safe
// manner. It implements rtpreader.StatsRecorder and
// captions.StatsRecorder; the pipeline records samples, formats and
// timecodes on it directly.
//
// Fields are organized by the mechanism that guards them:
//   - Atomic counters: lock-free concurrent reads/writes
//   - formatMu: codec labels and resolution
//   - timecodeMu: SMPTE timecode string
//   - mu: caption channels
//   - windowMu: frame rate and bitrate sliding window
type TrackStats struct {
	trackID     int
	payloadType uint8

	packets          atomic.Int64
	payloadBytes     atomic.Int64
	packetsLost      atomic.Int64
	continuityBreaks atomic.Int64
	parseErrors      atomic.Int64

	videoFrames    atomic.Int64
	videoKeyframes atomic.Int64
	videoDelta     atomic.Int64
	videoBytes     atomic.Int64
	currentGOPLen  atomic.Int32
	ptsErrors      atomic.Int64
	firstPTS       atomic.Int64
	lastPTS        atomic.Int64
	firstPTSSet    atomic.Bool
	formatChanges  atomic.Int64
	captionCount   atomic.Int64

	// formatMu guards the format fields
	formatMu    sync.RWMutex
	codec       string
	codecString string
	width       int
	height      int

	// timecodeMu guards timecode
	timecodeMu sync.RWMutex
	timecode   string

	// mu guards captionChans
	mu           sync.RWMutex
	captionChans map[int]bool

	// windowMu guards window
	windowMu sync.Mutex
	window   []windowEntry
}

type windowEntry struct {
	pts   int64
	bytes int64
}

// NewTrackStats creates a TrackStats for the given track.
func NewTrackStats(trackID int, payloadType uint8) *TrackStats {
	return &TrackStats{
		trackID:      trackID,
		payloadType:  payloadType,
		captionChans: make(map[int]bool),
	}
}

// RecordPacket records one received RTP packet with the given payload size.
func (ts *TrackStats) RecordPacket(payloadBytes int) {
	ts.packets.Add(1)
	ts.payloadBytes.Add(int64(payloadBytes))
}

// RecordPacketLoss records packets missing from the sequence number space.
func (ts *TrackStats) RecordPacketLoss(lost int) {
	ts.packetsLost.Add(int64(lost))
}

// RecordContinuityBreak records a partially received access unit or frame
// that was discarded.
func (ts *TrackStats) RecordContinuityBreak() {
	ts.continuityBreaks.Add(1)
}

// RecordParseError records a packet the depacketizer rejected.
func (ts *TrackStats) RecordParseError() {
	ts.parseErrors.Add(1)
}

// RecordFormat stores the track's current format.
func (ts *TrackStats) RecordFormat(f rtpreader.Format) {
	ts.formatChanges.Add(1)
	ts.formatMu.Lock()
	ts.codec = f.Codec
	ts.codecString = f.CodecString
	ts.width = f.Width
	ts.height = f.Height
	ts.formatMu.Unlock()
}

// RecordVideoFrame records a sample's size, type and presentation time,
// updating frame counters, GOP length, the rate window and PTS continuity.
func (ts *TrackStats) RecordVideoFrame(bytes int64, isKeyframe bool, pts int64) {
	ts.videoFrames.Add(1)
	ts.videoBytes.Add(bytes)

	if !ts.firstPTSSet.Load() {
		ts.firstPTS.Store(pts)
		ts.firstPTSSet.Store(true)
	}

	if isKeyframe {
		ts.videoKeyframes.Add(1)
		ts.currentGOPLen.Store(1)
	} else {
		ts.videoDelta.Add(1)
		ts.currentGOPLen.Add(1)
	}

	lastPTS := ts.lastPTS.Swap(pts)
	if ts.videoFrames.Load() > 1 {
		if delta := pts - lastPTS; delta > maxPTSJumpUs || delta < -maxPTSJumpUs {
			ts.ptsErrors.Add(1)
		}
	}

	ts.windowMu.Lock()
	ts.window = append(ts.window, windowEntry{pts: pts, bytes: bytes})
	cutoff := pts - rateWindowUs
	i := 0
	for i < len(ts.window) && ts.window[i].pts < cutoff {
		i++
	}
	ts.window = ts.window[i:]
	ts.windowMu.Unlock()
}

// RecordTimecode stores the latest SMPTE 12M timecode string.
func (ts *TrackStats) RecordTimecode(tc string) {
	ts.timecodeMu.Lock()
	ts.timecode = tc
	ts.timecodeMu.Unlock()
}

// RecordCaption records a caption frame on the given channel.
func (ts *TrackStats) RecordCaption(channel int) {
	ts.captionCount.Add(1)
	ts.mu.Lock()
	ts.captionChans[channel] = true
	ts.mu.Unlock()
}

// rates computes the frame rate and bitrate over the samples of the last
// rateWindowUs of media time. Samples in the window arrive in decode
// order, so the span is taken between the extreme timestamps.
func (ts *TrackStats) rates() (fps, kbps float64) {
	ts.windowMu.Lock()
	defer ts.windowMu.Unlock()

	if len(ts.window) < 2 {
		return 0, 0
	}
	lo, hi := ts.window[0].pts, ts.window[0].pts
	var total int64
	for _, e := range ts.window {
		lo = min(lo, e.pts)
		hi = max(hi, e.pts)
		total += e.bytes
	}
	dur := float64(hi-lo) / 1e6
	if dur <= 0 {
		return 0, 0
	}
	return float64(len(ts.window)-1) / dur, float64(total) * 8 / dur / 1000
}

// Snapshot produces a point-in-time view of the track's statistics.
func (ts *TrackStats) Snapshot() TrackSnapshot {
	fps, kbps := ts.rates()

	ts.timecodeMu.RLock()
	tc := ts.timecode
	ts.timecodeMu.RUnlock()

	ts.formatMu.RLock()
	vs := VideoStats{
		Codec:       ts.codec,
		CodecString: ts.codecString,
		Width:       ts.width,
		Height:      ts.height,
	}
	ts.formatMu.RUnlock()

	vs.FormatChanges = ts.formatChanges.Load()
	vs.TotalFrames = ts.videoFrames.Load()
	vs.KeyFrames = ts.videoKeyframes.Load()
	vs.DeltaFrames = ts.videoDelta.Load()
	vs.CurrentGOPLen = int(ts.currentGOPLen.Load())
	vs.BitrateKbps = kbps
	vs.FrameRate = fps
	vs.PTSErrors = ts.ptsErrors.Load()
	vs.TotalBytes = ts.videoBytes.Load()
	vs.FirstPTS = ts.firstPTS.Load()
	vs.LastPTS = ts.lastPTS.Load()
	vs.Timecode = tc

	ts.mu.RLock()
	activeChans := make([]int, 0, len(ts.captionChans))
	for ch := range ts.captionChans {
		activeChans = append(activeChans, ch)
	}
	ts.mu.RUnlock()
	sort.Ints(activeChans)

	return TrackSnapshot{
		TrackID:     ts.trackID,
		PayloadType: ts.payloadType,
		RTP: RTPStats{
			Packets:          ts.packets.Load(),
			PayloadBytes:     ts.payloadBytes.Load(),
			PacketsLost:      ts.packetsLost.Load(),
			ContinuityBreaks: ts.continuityBreaks.Load(),
			ParseErrors:      ts.parseErrors.Load(),
		},
		Video: vs,
		Captions: CaptionStats{
			ActiveChannels: activeChans,
			TotalFrames:    ts.captionCount.Load(),
		},
	}
}
