package demux

import (
	"fmt"
	"math/bits"
	"strings"
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
	HEVCNALSEISuffix  = 40
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe returns true if the NAL type represents an HEVC random access
// point (BLA, IDR, or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// IsHEVCVPS returns true if the NAL type is a Video Parameter Set.
func IsHEVCVPS(nalType byte) bool { return nalType == HEVCNALVPS }

// IsHEVCSPS returns true if the NAL type is a Sequence Parameter Set.
func IsHEVCSPS(nalType byte) bool { return nalType == HEVCNALSPS }

// IsHEVCPPS returns true if the NAL type is a Picture Parameter Set.
func IsHEVCPPS(nalType byte) bool { return nalType == HEVCNALPPS }

// ParseAnnexBHEVC parses an Annex B byte stream into NAL units using the
// HEVC 2-byte NAL header for type extraction. Start codes are identical
// to H.264 (00 00 01 or 00 00 00 01).
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCSPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte

	// MaxNumReorderFrames is sps_max_num_reorder_pics for the highest
	// temporal sub-layer, or ReorderUnknown if the SPS was truncated
	// before it.
	MaxNumReorderFrames int
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0") for use in WebCodecs configuration and MIME types.
func (s HEVCSPSInfo) CodecString() string {
	tier := 'L'
	if s.TierFlag == 1 {
		tier = 'H'
	}
	var b strings.Builder
	fmt.Fprintf(&b, "hev1.%d.%X.%c%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	// Constraint bytes, most significant first, trailing zero bytes dropped.
	cif := s.ConstraintIndicatorFlags & (1<<48 - 1)
	for shift := 40; shift >= 0 && cif != 0; shift -= 8 {
		fmt.Fprintf(&b, ".%X", byte(cif>>shift))
		cif &= 1<<shift - 1
	}
	return b.String()
}

// ParseHEVCSPS parses an HEVC SPS NAL unit to extract resolution,
// profile/tier/level and the picture reorder depth. The input should be the
// raw NAL data including the 2-byte NAL header. Only the fields up to the
// picture size are required; a truncated tail leaves the remaining fields
// at their defaults.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}
	r := newRBSPReader(removeEmulationPrevention(nalu[2:]))

	r.skip(4) // sps_video_parameter_set_id
	subLayers := r.u(3)
	r.skip(1) // sps_temporal_id_nesting_flag

	info := HEVCSPSInfo{MaxNumReorderFrames: ReorderUnknown}
	readHEVCProfileTierLevel(r, &info, subLayers)

	r.ue() // sps_seq_parameter_set_id
	chroma := r.ue()
	if chroma == 3 {
		r.skip(1) // separate_colour_plane_flag
	}
	width, height := r.ue(), r.ue()
	if r.err != nil {
		return HEVCSPSInfo{}, r.err
	}
	info.ChromaFormatIdc = byte(chroma)
	info.Width, info.Height = int(width), int(height)

	if r.flag() { // conformance_window_flag
		var win [4]uint // left, right, top, bottom
		for i := range win {
			win[i] = r.ue()
		}
		if r.err != nil {
			return info, nil
		}
		subW, subH := chromaSubsampling(chroma)
		info.Width -= int(subW * (win[0] + win[1]))
		info.Height -= int(subH * (win[2] + win[3]))
	}

	info.BitDepthLumaMinus8 = byte(r.ue())
	info.BitDepthChromaMinus8 = byte(r.ue())

	r.ue() // log2_max_pic_order_cnt_lsb_minus4
	first := subLayers
	if r.flag() { // sps_sub_layer_ordering_info_present_flag
		first = 0
	}
	reorder := 0
	for i := first; i <= subLayers; i++ {
		r.ue() // sps_max_dec_pic_buffering_minus1
		reorder = int(r.ue())
		r.ue() // sps_max_latency_increase_plus1
	}
	if r.err == nil {
		info.MaxNumReorderFrames = reorder
	}
	return info, nil
}

// readHEVCProfileTierLevel reads the general profile_tier_level fields and
// skips the per-sub-layer entries.
func readHEVCProfileTierLevel(r *rbspReader, info *HEVCSPSInfo, subLayers uint) {
	r.skip(2) // general_profile_space
	info.TierFlag = byte(r.u(1))
	info.ProfileIDC = byte(r.u(5))
	info.ProfileCompatibilityFlags = uint32(r.u(32))
	info.ConstraintIndicatorFlags = uint64(r.u(48))
	info.LevelIDC = byte(r.u(8))
	if subLayers == 0 {
		return
	}

	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < subLayers; i++ {
		profilePresent[i] = r.flag()
		levelPresent[i] = r.flag()
	}
	r.skip(2 * int(8-subLayers)) // reserved_zero_2bits
	for i := uint(0); i < subLayers; i++ {
		if profilePresent[i] {
			r.skip(88)
		}
		if levelPresent[i] {
			r.skip(8)
		}
	}
}
