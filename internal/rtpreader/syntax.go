package rtpreader

import (
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/depay/internal/demux"
)

// packetKind is the payload structure selected by the payload header.
type packetKind int

const (
	kindSingle packetKind = iota
	kindAggregation
	kindFragmentation
)

func (k packetKind) String() string {
	switch k {
	case kindSingle:
		return "single NAL unit packet"
	case kindAggregation:
		return "aggregation packet"
	case kindFragmentation:
		return "fragmentation unit"
	default:
		return "unknown packet"
	}
}

// paramSet classifies parameter set NAL units.
type paramSet int

const (
	paramNone paramSet = iota
	paramVPS
	paramSPS
	paramPPS
)

// nalSyntax captures the per-codec differences of the NAL-based RTP
// payload formats. Fragmentation units of both codecs carry a one-byte FU
// header right after the payload header.
type nalSyntax interface {
	codec() string
	headerLen() int
	minAggregated() int
	classify(payload []byte) (packetKind, error)
	// fragment decodes the FU header at payload[headerLen()].
	fragment(payload []byte) (start, end bool, nalType byte)
	// appendFUHeader appends the NAL header of the unit being fragmented.
	appendFUHeader(dst, payload []byte, nalType byte) []byte
	nalType(nal []byte) byte
	isKeyframe(nalType byte) bool
	paramSet(nalType byte) paramSet
}

// RFC 7798 payload header types.
const (
	h265TypeAP = 48
	h265TypeFU = 49
)

type h265Syntax struct{}

func (h265Syntax) codec() string { return "h265" }
func (h265Syntax) headerLen() int { return 2 }
func (h265Syntax) minAggregated() int { return 2 }
func (h265Syntax) nalType(nal []byte) byte { return demux.HEVCNALType(nal[0]) }

func (h265Syntax) classify(payload []byte) (packetKind, error) {
	hdr := codecs.H265NALUHeader(uint16(payload[0])<<8 | uint16(payload[1]))
	switch {
	case hdr.IsAggregationPacket():
		return kindAggregation, nil
	case hdr.IsFragmentationUnit():
		return kindFragmentation, nil
	case hdr.IsPACIPacket():
		return 0, unsupported("PACI packet")
	case hdr.Type() < h265TypeAP:
		return kindSingle, nil
	default:
		return 0, unsupported("payload header type %d", hdr.Type())
	}
}

func (h265Syntax) fragment(payload []byte) (bool, bool, byte) {
	fu := codecs.H265FragmentationUnitHeader(payload[2])
	return fu.S(), fu.E(), fu.FuType()
}

func (h265Syntax) appendFUHeader(dst, payload []byte, nalType byte) []byte {
	// Keep F and the top LayerId bit, replace the type.
	return append(dst, (payload[0]&0x81)|(nalType<<1), payload[1])
}

func (h265Syntax) isKeyframe(t byte) bool { return demux.IsHEVCKeyframe(t) }

func (h265Syntax) paramSet(t byte) paramSet {
	switch {
	case demux.IsHEVCVPS(t):
		return paramVPS
	case demux.IsHEVCSPS(t):
		return paramSPS
	case demux.IsHEVCPPS(t):
		return paramPPS
	}
	return paramNone
}

// RFC 6184 NAL unit types used for packetization.
const (
	h264TypeSTAPA = 24
	h264TypeFUA   = 28
)

type h264Syntax struct{}

func (h264Syntax) codec() string { return "h264" }
func (h264Syntax) headerLen() int { return 1 }
func (h264Syntax) minAggregated() int { return 1 }
func (h264Syntax) nalType(nal []byte) byte { return demux.NALType(nal[0]) }

func (h264Syntax) classify(payload []byte) (packetKind, error) {
	switch t := demux.NALType(payload[0]); {
	case t >= 1 && t <= 23:
		return kindSingle, nil
	case t == h264TypeSTAPA:
		return kindAggregation, nil
	case t == h264TypeFUA:
		return kindFragmentation, nil
	default:
		return 0, unsupported("NAL unit type %d", t)
	}
}

func (h264Syntax) fragment(payload []byte) (bool, bool, byte) {
	fu := payload[1]
	return fu&0x80 != 0, fu&0x40 != 0, fu & 0x1F
}

func (h264Syntax) appendFUHeader(dst, payload []byte, nalType byte) []byte {
	// F and NRI come from the FU indicator.
	return append(dst, (payload[0]&0xE0)|nalType)
}

func (h264Syntax) isKeyframe(t byte) bool { return demux.IsKeyframe(t) }

func (h264Syntax) paramSet(t byte) paramSet {
	switch {
	case demux.IsSPS(t):
		return paramSPS
	case demux.IsPPS(t):
		return paramPPS
	}
	return paramNone
}
