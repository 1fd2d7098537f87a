package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/depay/internal/rtpreader"
)

// ErrNoVideoFormats is returned by FormatsFromSDP when no video payload
// type is described by an rtpmap attribute.
var ErrNoVideoFormats = errors.New("ingest: SDP has no video payload with an rtpmap")

// FormatsFromSDP returns the payload formats of every video media
// description in an SDP session description, in order of appearance.
// Payload types without an rtpmap attribute are skipped.
func FormatsFromSDP(data []byte) ([]rtpreader.PayloadFormat, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	var formats []rtpreader.PayloadFormat
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("media format %q: invalid payload type", f)
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil || codec.Name == "" {
				continue
			}
			width, height := frameSize(md, f)
			formats = append(formats, rtpreader.PayloadFormat{
				PayloadType: uint8(pt),
				Encoding:    strings.ToUpper(codec.Name),
				ClockRate:   codec.ClockRate,
				Fmtp:        rtpreader.ParseFmtp(codec.Fmtp),
				Width:       width,
				Height:      height,
			})
		}
	}
	if len(formats) == 0 {
		return nil, ErrNoVideoFormats
	}
	return formats, nil
}

// frameSize reads the RFC 6236 "a=framesize:<pt> <width>-<height>"
// attribute for payload type pt.
func frameSize(md *sdp.MediaDescription, pt string) (int, int) {
	for _, a := range md.Attributes {
		if a.Key != "framesize" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) != 2 || fields[0] != pt {
			continue
		}
		w, h, ok := strings.Cut(fields[1], "-")
		if !ok {
			return 0, 0
		}
		width, err1 := strconv.Atoi(w)
		height, err2 := strconv.Atoi(h)
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return width, height
	}
	return 0, 0
}
