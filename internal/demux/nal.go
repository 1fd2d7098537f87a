package demux

import "errors"

// StartCode is the 4-byte Annex B start code that prefixes every NAL unit
// in a reconstructed access unit.
var StartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

var errSPSTooShort = errors.New("SPS data too short")

// NALUnit represents a parsed H.264 or H.265 NAL unit.
type NALUnit struct {
	Type byte   // NAL type (codec-specific: 5-bit for H.264, 6-bit for H.265)
	Data []byte // raw NAL data including the NAL header byte(s), without start code
}

// AppendAnnexB appends nal to dst prefixed with a 4-byte start code.
func AppendAnnexB(dst, nal []byte) []byte {
	dst = append(dst, StartCode[:]...)
	return append(dst, nal...)
}

// rbspReader reads fixed-width and Exp-Golomb fields from an RBSP. The
// first read past the end latches err and every later read returns zero.
type rbspReader struct {
	data []byte
	off  int // bit offset
	err  error
}

func newRBSPReader(data []byte) *rbspReader {
	return &rbspReader{data: data}
}

func (r *rbspReader) fail() {
	r.err = errSPSTooShort
	r.off = len(r.data) * 8
}

// u reads an n-bit unsigned field, n <= 64.
func (r *rbspReader) u(n int) uint {
	if r.err != nil {
		return 0
	}
	if r.off+n > len(r.data)*8 {
		r.fail()
		return 0
	}
	var v uint
	for end := r.off + n; r.off < end; r.off++ {
		v = v<<1 | uint(r.data[r.off>>3]>>(7-r.off&7)&1)
	}
	return v
}

func (r *rbspReader) flag() bool {
	return r.u(1) == 1
}

func (r *rbspReader) skip(n int) {
	if r.err != nil {
		return
	}
	if r.off+n > len(r.data)*8 {
		r.fail()
		return
	}
	r.off += n
}

// ue reads an unsigned Exp-Golomb code.
func (r *rbspReader) ue() uint {
	zeros := 0
	for !r.flag() {
		if r.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			r.fail()
			return 0
		}
	}
	suffix := r.u(zeros)
	if r.err != nil {
		return 0
	}
	return 1<<zeros - 1 + suffix
}

// se reads a signed Exp-Golomb code.
func (r *rbspReader) se() int {
	v := r.ue()
	if v&1 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (r *rbspReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// chromaSubsampling returns SubWidthC and SubHeightC for a chroma array type.
func chromaSubsampling(chroma uint) (uint, uint) {
	switch chroma {
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	default:
		return 1, 1
	}
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// parseAnnexBGeneric splits an Annex B byte stream at 3- and 4-byte start
// codes. A zero byte directly before 00 00 01 belongs to the start code.
// NAL units shorter than minNALBytes (the NAL header size) are dropped.
func parseAnnexBGeneric(data []byte, minNALBytes int, nalTypeFunc func([]byte) byte) []NALUnit {
	if len(data) < 4 {
		return nil
	}
	var units []NALUnit
	start := -1
	emit := func(end int) {
		if start < 0 || end-start < minNALBytes {
			return
		}
		nal := data[start:end]
		units = append(units, NALUnit{Type: nalTypeFunc(nal), Data: nal})
	}

	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			emit(i)
			start, i = i+4, i+4
		case data[i+2] == 1:
			emit(i)
			start, i = i+3, i+3
		default:
			i++
		}
	}
	emit(len(data))
	return units
}
