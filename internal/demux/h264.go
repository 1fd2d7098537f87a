package demux

import (
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// ReorderUnknown is reported when an SPS does not signal its reorder depth
// and none can be inferred from the profile.
const ReorderUnknown = -1

// maxDPBFrames bounds the number of frames any conforming decoder may hold,
// used as the reorder depth when the SPS omits bitstream restrictions.
const maxDPBFrames = 16

// SPSInfo holds parameters extracted from an H.264 Sequence Parameter Set,
// including resolution, profile/level identifiers, HRD timing fields needed
// for pic_timing SEI parsing, and the picture reorder depth.
type SPSInfo struct {
	Width              int
	Height             int
	ProfileIDC         byte
	ConstraintFlags    byte
	LevelIDC           byte
	PicStructPresent   bool
	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int

	// MaxNumReorderFrames is max_num_reorder_frames from the VUI bitstream
	// restrictions, or the value inferred from the profile when absent.
	MaxNumReorderFrames int
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E")
// for use in WebCodecs configuration and MIME types.
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// inferredReorderDepth applies the H.264 E.2.1 inference for streams without
// bitstream_restriction_flag: intra-only and baseline profiles never
// reorder, everything else may use the full DPB.
func (s SPSInfo) inferredReorderDepth() int {
	constraintSet3 := s.ConstraintFlags&0x10 != 0
	switch s.ProfileIDC {
	case 66:
		return 0
	case 44, 86, 100, 110, 122, 244:
		if constraintSet3 {
			return 0
		}
	}
	return maxDPBFrames
}

// Timecode represents a SMPTE 12M timecode extracted from an H.264 pic_timing
// SEI message.
type Timecode struct {
	Hours   int
	Minutes int
	Seconds int
	Frames  int
}

// String formats the timecode as HH:MM:SS:FF.
func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

// ParseSPS parses an H.264 SPS NAL unit to extract resolution, profile/level,
// VUI/HRD timing parameters and the reorder depth. The input should be the
// raw NAL data including the NAL header byte but without the start code.
// Fields up to the frame cropping window are required; the VUI is read on a
// best-effort basis.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	r := newRBSPReader(removeEmulationPrevention(nalu[1:]))

	info := SPSInfo{
		ProfileIDC:      byte(r.u(8)),
		ConstraintFlags: byte(r.u(8)),
		LevelIDC:        byte(r.u(8)),
	}
	r.ue() // seq_parameter_set_id
	chroma := readAVCChromaFormat(r, info.ProfileIDC)
	r.ue() // log2_max_frame_num_minus4
	skipAVCPicOrderCount(r)
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs, heightMapUnits := r.ue(), r.ue()
	fieldMul := uint(2)
	if r.flag() { // frame_mbs_only_flag
		fieldMul = 1
	} else {
		r.skip(1) // mb_adaptive_frame_field_flag
	}
	r.skip(1) // direct_8x8_inference_flag

	var crop [4]uint // left, right, top, bottom
	if r.flag() {
		for i := range crop {
			crop[i] = r.ue()
		}
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	subW, subH := chromaSubsampling(chroma)
	info.Width = int((widthMbs+1)*16 - subW*(crop[0]+crop[1]))
	info.Height = int((heightMapUnits+1)*16*fieldMul - subH*fieldMul*(crop[2]+crop[3]))
	info.MaxNumReorderFrames = info.inferredReorderDepth()

	if r.flag() { // vui_parameters_present_flag
		readAVCVUI(r, &info)
	}
	return info, nil
}

// readAVCChromaFormat reads the high-profile chroma and scaling matrix
// fields and returns ChromaArrayType. Other profiles are 4:2:0.
func readAVCChromaFormat(r *rbspReader, profile byte) uint {
	switch profile {
	case 44, 83, 86, 100, 110, 118, 122, 128, 134, 138, 139, 244:
	default:
		return 1
	}
	format := r.ue()
	arrayType := format
	if format == 3 && r.flag() { // separate_colour_plane_flag
		arrayType = 0
	}
	r.ue()    // bit_depth_luma_minus8
	r.ue()    // bit_depth_chroma_minus8
	r.skip(1) // qpprime_y_zero_transform_bypass_flag
	if r.flag() { // seq_scaling_matrix_present_flag
		lists := 8
		if format == 3 {
			lists = 12
		}
		for i := 0; i < lists; i++ {
			if !r.flag() {
				continue
			}
			if i < 6 {
				r.skipScalingList(16)
			} else {
				r.skipScalingList(64)
			}
		}
	}
	return arrayType
}

func skipAVCPicOrderCount(r *rbspReader) {
	switch r.ue() { // pic_order_cnt_type
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.skip(1) // delta_pic_order_always_zero_flag
		r.se()    // offset_for_non_ref_pic
		r.se()    // offset_for_top_to_bottom_field
		for n := r.ue(); n > 0 && r.err == nil; n-- {
			r.se() // offset_for_ref_frame
		}
	}
}

func readAVCVUI(r *rbspReader, info *SPSInfo) {
	if r.flag() { // aspect_ratio_info_present_flag
		if r.u(8) == 255 { // Extended_SAR
			r.skip(32)
		}
	}
	if r.flag() { // overscan_info_present_flag
		r.skip(1)
	}
	if r.flag() { // video_signal_type_present_flag
		r.skip(4)
		if r.flag() { // colour_description_present_flag
			r.skip(24)
		}
	}
	if r.flag() { // chroma_loc_info_present_flag
		r.ue()
		r.ue()
	}
	if r.flag() { // timing_info_present_flag
		r.skip(32 + 32 + 1)
	}

	nalHRD := r.flag()
	if nalHRD {
		readAVCHRD(r, info)
	}
	vclHRD := r.flag()
	if vclHRD && !info.HRDPresent {
		readAVCHRD(r, info)
	}
	if nalHRD || vclHRD {
		r.skip(1) // low_delay_hrd_flag
	}
	info.PicStructPresent = r.flag()

	if r.flag() { // bitstream_restriction_flag
		r.skip(1) // motion_vectors_over_pic_boundaries_flag
		// max_bytes_per_pic_denom, max_bits_per_mb_denom,
		// log2_max_mv_length_horizontal, log2_max_mv_length_vertical
		for i := 0; i < 4; i++ {
			r.ue()
		}
		reorder := r.ue()
		if r.err == nil {
			info.MaxNumReorderFrames = int(reorder)
		}
	}
}

// readAVCHRD reads hrd_parameters, keeping the field widths pic_timing
// parsing depends on.
func readAVCHRD(r *rbspReader, info *SPSInfo) {
	cpbCount := r.ue() + 1
	r.skip(8) // bit_rate_scale, cpb_size_scale
	for i := uint(0); i < cpbCount && r.err == nil; i++ {
		r.ue()    // bit_rate_value_minus1
		r.ue()    // cpb_size_value_minus1
		r.skip(1) // cbr_flag
	}
	r.skip(5) // initial_cpb_removal_delay_length_minus1
	info.CpbRemovalDelayLen = int(r.u(5)) + 1
	info.DpbOutputDelayLen = int(r.u(5)) + 1
	info.TimeOffsetLen = int(r.u(5))
	info.HRDPresent = true
}

// ParseAnnexB parses H.264 Annex B byte stream into individual NAL units.
// It recognizes both 3-byte (0x000001) and 4-byte (0x00000001) start codes.
func ParseAnnexB(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, 1, func(d []byte) byte { return NALType(d[0]) })
}

// NALType extracts the 5-bit H.264 NAL unit type from the NAL header byte.
func NALType(header byte) byte {
	return header & 0x1F
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}

// ParsePicTimingSEI extracts a SMPTE 12M timecode from an H.264 pic_timing
// SEI message. Returns the timecode and true if extraction succeeded, or a
// zero value and false if the SEI doesn't contain valid clock timestamps.
// Requires HRD parameters from the SPS for correct bitstream parsing.
func ParsePicTimingSEI(seiNALU []byte, sps SPSInfo) (Timecode, bool) {
	if len(seiNALU) < 2 {
		return Timecode{}, false
	}
	if !sps.PicStructPresent || !sps.HRDPresent {
		return Timecode{}, false
	}

	for _, msg := range ParseSEIMessages(seiNALU, 1) {
		if msg.PayloadType != SEIPicTiming {
			continue
		}
		if tc, ok := parsePicTimingPayload(msg.Payload, sps); ok {
			return tc, true
		}
	}
	return Timecode{}, false
}

// clockTimestamps returns NumClockTS for a pic_struct value (Table D-1).
func clockTimestamps(picStruct uint) int {
	switch picStruct {
	case 3, 4:
		return 2
	case 5, 6, 7, 8:
		return 3
	default:
		return 1
	}
}

// parsePicTimingPayload returns the first clock timestamp carried in a
// pic_timing payload.
func parsePicTimingPayload(payload []byte, sps SPSInfo) (Timecode, bool) {
	r := newRBSPReader(payload)
	r.skip(sps.CpbRemovalDelayLen + sps.DpbOutputDelayLen)
	picStruct := r.u(4)
	if r.err != nil {
		return Timecode{}, false
	}

	for n := clockTimestamps(picStruct); n > 0; n-- {
		if !r.flag() { // clock_timestamp_flag
			continue
		}
		r.skip(2 + 1 + 5) // ct_type, nuit_field_based_flag, counting_type
		full := r.flag()
		r.skip(2) // discontinuity_flag, cnt_dropped_flag

		tc := Timecode{Frames: int(r.u(8))}
		switch {
		case full:
			tc.Seconds = int(r.u(6))
			tc.Minutes = int(r.u(6))
			tc.Hours = int(r.u(5))
		case r.flag(): // seconds_flag
			tc.Seconds = int(r.u(6))
			if r.flag() { // minutes_flag
				tc.Minutes = int(r.u(6))
				if r.flag() { // hours_flag
					tc.Hours = int(r.u(5))
				}
			}
		}
		return tc, true
	}
	return Timecode{}, false
}
