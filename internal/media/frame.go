// Package media defines the frame types that flow out of the depacketizers
// into captions, stats and the sample writers.
package media

// PacketBufferSize is the channel buffer between the ingest registry and
// a track worker, about a second of 30fps video fragmented across several
// packets per frame.
const PacketBufferSize = 256

// VideoFrame is one reconstructed access unit (one picture) together with
// the parameter sets a decoder needs to initialize or reconfigure.
type VideoFrame struct {
	PTS         int64 // presentation time in microseconds
	IsKeyframe  bool
	NALUs       [][]byte // Annex B NAL units, each with a 4-byte start code
	SPS         []byte
	PPS         []byte
	VPS         []byte
	Codec       string // "h264", "h265" or "vp9"
	CodecString string // RFC 6381 codec parameter
	GroupID     uint32
	TrackID     int
	WireData    []byte // AVC1/HVC1 length-prefixed NAL units, or the raw VP9 frame
}

// Size returns the access unit size in bytes as carried in Annex B form.
func (f *VideoFrame) Size() int {
	n := 0
	for _, nal := range f.NALUs {
		n += len(nal)
	}
	if n == 0 {
		return len(f.WireData)
	}
	return n
}
