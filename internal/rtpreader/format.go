package rtpreader

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/depay/internal/demux"
)

// Format describes the samples a track produces. It is republished
// whenever in-band parameter sets change the resolution or codec string.
type Format struct {
	Codec       string // "h264", "h265" or "vp9"
	CodecString string // RFC 6381 codec parameter, e.g. "hev1.1.6.L93.B0"
	Width       int
	Height      int
	VPS         []byte
	SPS         []byte
	PPS         []byte

	// MaxNumReorderFrames is the number of pictures that may precede a
	// picture in decode order and follow it in output order, or
	// demux.ReorderUnknown.
	MaxNumReorderFrames int
}

// applySPS updates f from a parsed parameter set of the given syntax.
// It reports false if sps does not parse to a usable picture size.
func (f *Format) applySPS(codec string, sps []byte) bool {
	switch codec {
	case "h265":
		info, err := demux.ParseHEVCSPS(sps)
		if err != nil || info.Width <= 0 || info.Height <= 0 {
			return false
		}
		f.Width, f.Height = info.Width, info.Height
		f.CodecString = info.CodecString()
		f.MaxNumReorderFrames = info.MaxNumReorderFrames
	case "h264":
		info, err := demux.ParseSPS(sps)
		if err != nil || info.Width <= 0 || info.Height <= 0 {
			return false
		}
		f.Width, f.Height = info.Width, info.Height
		f.CodecString = info.CodecString()
		f.MaxNumReorderFrames = info.MaxNumReorderFrames
	default:
		return false
	}
	f.SPS = append(f.SPS[:0], sps...)
	return true
}

func (f Format) clone() Format {
	f.VPS = append([]byte(nil), f.VPS...)
	f.SPS = append([]byte(nil), f.SPS...)
	f.PPS = append([]byte(nil), f.PPS...)
	return f
}

// initialFormat derives a track's starting Format from its negotiated
// payload parameters.
func initialFormat(pf PayloadFormat) (Format, error) {
	f := Format{
		Width:               pf.Width,
		Height:              pf.Height,
		MaxNumReorderFrames: demux.ReorderUnknown,
	}

	switch strings.ToUpper(pf.Encoding) {
	case EncodingH265:
		f.Codec = "h265"
		for key, dst := range map[string]*[]byte{"sprop-vps": &f.VPS, "sprop-pps": &f.PPS} {
			if v, ok := pf.Fmtp[key]; ok {
				nal, err := decodeSprop(v)
				if err != nil {
					return f, fmt.Errorf("%s: %w", key, err)
				}
				*dst = nal
			}
		}
		if v, ok := pf.Fmtp["sprop-sps"]; ok {
			sps, err := decodeSprop(v)
			if err != nil {
				return f, fmt.Errorf("sprop-sps: %w", err)
			}
			if !f.applySPS(f.Codec, sps) {
				f.SPS = sps
			}
		}
	case EncodingH264:
		f.Codec = "h264"
		if v, ok := pf.Fmtp["profile-level-id"]; ok {
			pli, err := hex.DecodeString(v)
			if err != nil || len(pli) != 3 {
				return f, fmt.Errorf("profile-level-id %q: invalid", v)
			}
			f.CodecString = fmt.Sprintf("avc1.%02X%02X%02X", pli[0], pli[1], pli[2])
		}
		if v, ok := pf.Fmtp["sprop-parameter-sets"]; ok {
			for _, part := range strings.Split(v, ",") {
				nal, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part))
				if err != nil || len(nal) == 0 {
					return f, fmt.Errorf("sprop-parameter-sets: invalid base64 %q", part)
				}
				switch demux.NALType(nal[0]) {
				case demux.NALTypeSPS:
					if !f.applySPS(f.Codec, nal) {
						f.SPS = nal
					}
				case demux.NALTypePPS:
					f.PPS = nal
				}
			}
		}
	case EncodingVP9:
		f.Codec = "vp9"
		profile := 0
		if v, ok := pf.Fmtp["profile-id"]; ok {
			p, err := strconv.Atoi(v)
			if err != nil || p < 0 || p > 3 {
				return f, fmt.Errorf("profile-id %q: invalid", v)
			}
			profile = p
		}
		f.CodecString = fmt.Sprintf("vp09.%02d.10.08", profile)
	default:
		return f, fmt.Errorf("%w: %q", ErrUnsupportedCodec, pf.Encoding)
	}
	return f, nil
}

var errEmptyParameterSet = errors.New("empty parameter set")

// decodeSprop decodes the first parameter set of a comma-separated
// base64 sprop list.
func decodeSprop(v string) ([]byte, error) {
	first, _, _ := strings.Cut(v, ",")
	nal, err := base64.StdEncoding.DecodeString(strings.TrimSpace(first))
	if err != nil {
		return nil, err
	}
	if len(nal) == 0 {
		return nil, errEmptyParameterSet
	}
	return nal, nil
}
