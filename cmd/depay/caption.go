package main

import (
	"github.com/zsiec/depay/internal/demux"
)

// CEA-608 miscellaneous control codes on CC1.
var (
	cc608ResumeCaptionLoading = [2]byte{0x14, 0x20}
	cc608EndOfCaption         = [2]byte{0x14, 0x2F}
)

const (
	cc608MaxColumns    = 32
	captionPairsPerAU  = 2
	a53MaxTripletCount = 31
)

// popOnPairs returns the CEA-608 byte pairs that display text on CC1 as a
// pop-on caption. Control codes are sent twice, as broadcasters do.
// Characters outside printable ASCII are replaced with spaces.
func popOnPairs(text string) [][2]byte {
	var chars []byte
	for i := 0; i < len(text) && len(chars) < cc608MaxColumns; i++ {
		c := text[i]
		if c < 0x20 || c > 0x7E {
			c = ' '
		}
		chars = append(chars, c)
	}
	if len(chars) == 0 {
		return nil
	}

	pairs := [][2]byte{cc608ResumeCaptionLoading, cc608ResumeCaptionLoading}
	for i := 0; i < len(chars); i += 2 {
		pair := [2]byte{chars[i], 0x00}
		if i+1 < len(chars) {
			pair[1] = chars[i+1]
		}
		pairs = append(pairs, pair)
	}
	return append(pairs, cc608EndOfCaption, cc608EndOfCaption)
}

// captionSEI wraps CEA-608 field 1 pairs in an ATSC A/53 cc_data SEI NAL
// unit.
func captionSEI(pairs [][2]byte, hevc bool) []byte {
	if len(pairs) > a53MaxTripletCount {
		pairs = pairs[:a53MaxTripletCount]
	}
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(len(pairs)), 0xFF}
	for _, cc := range pairs {
		payload = append(payload, 0xFC, oddParity(cc[0]), oddParity(cc[1]))
	}
	payload = append(payload, 0xFF)

	header := []byte{byte(demux.NALTypeSEI)}
	if hevc {
		header = []byte{demux.HEVCNALSEIPrefix << 1, 0x01}
	}
	return demux.BuildSEI(header, demux.SEIMessage{PayloadType: demux.SEIUserDataT35, Payload: payload})
}

func oddParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// injectCaptions spreads pairs over the access units, captionPairsPerAU at
// a time, inserting each caption SEI ahead of the unit's first slice.
func injectCaptions(aus [][][]byte, pairs [][2]byte, hevc bool) [][][]byte {
	for i := range aus {
		if len(pairs) == 0 {
			break
		}
		n := min(captionPairsPerAU, len(pairs))
		sei := captionSEI(pairs[:n], hevc)
		pairs = pairs[n:]

		au := aus[i]
		at := len(au)
		for j, nal := range au {
			if len(nal) > 0 && isVCL(nalType(nal, hevc), hevc) {
				at = j
				break
			}
		}
		out := make([][]byte, 0, len(au)+1)
		out = append(out, au[:at]...)
		out = append(out, sei)
		aus[i] = append(out, au[at:]...)
	}
	return aus
}

func nalType(nal []byte, hevc bool) byte {
	if hevc {
		return demux.HEVCNALType(nal[0])
	}
	return demux.NALType(nal[0])
}
