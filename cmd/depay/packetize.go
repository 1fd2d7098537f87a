package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zsiec/depay/internal/demux"
	"github.com/zsiec/depay/internal/ingest"
	"github.com/zsiec/depay/internal/rtpreader"
)

type packetizeOptions struct {
	codec       string
	payloadType uint8
	ssrc        uint32
	mtu         uint16
	fps         float64
	sdpPath     string
	caption     string
}

func newPacketizeCmd() *cobra.Command {
	o := &packetizeOptions{}
	cmd := &cobra.Command{
		Use:   "packetize <annexb-input> <capture-output>",
		Short: "Packetize an Annex B elementary stream into an RFC 4571 RTP capture",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(args[0], args[1])
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *packetizeOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.codec, "codec", "h264", "Input codec: h264 or h265")
	fs.Uint8Var(&o.payloadType, "pt", 96, "RTP payload type")
	fs.Uint32Var(&o.ssrc, "ssrc", 0x1234ABCD, "RTP SSRC")
	fs.Uint16Var(&o.mtu, "mtu", 1200, "Maximum RTP packet size")
	fs.Float64Var(&o.fps, "fps", 30, "Frame rate used to advance RTP timestamps")
	fs.StringVar(&o.sdpPath, "sdp", "", "Also write an SDP description of the capture to this file")
	fs.StringVar(&o.caption, "caption", "", "Inject a CEA-608 pop-on caption with this text into the first access units")
}

func (o *packetizeOptions) run(inPath, outPath string) error {
	if o.fps <= 0 {
		return fmt.Errorf("invalid frame rate %v", o.fps)
	}

	var payloader rtp.Payloader
	hevc := false
	switch strings.ToLower(o.codec) {
	case "h264":
		payloader = &codecs.H264Payloader{}
	case "h265":
		payloader = &codecs.H265Payloader{}
		hevc = true
	default:
		return fmt.Errorf("packetize: unsupported codec %q", o.codec)
	}

	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var units []demux.NALUnit
	if hevc {
		units = demux.ParseAnnexBHEVC(data)
	} else {
		units = demux.ParseAnnexB(data)
	}
	aus := splitAccessUnits(units, hevc)
	if len(aus) == 0 {
		return errors.New("packetize: no NAL units in input")
	}
	if o.caption != "" {
		aus = injectCaptions(aus, popOnPairs(o.caption), hevc)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	pw := ingest.NewPacketWriter(bw)

	samples := uint32(float64(rtpreader.DefaultClockRate)/o.fps + 0.5)
	packetizer := rtp.NewPacketizer(o.mtu, o.payloadType, o.ssrc, payloader, rtp.NewRandomSequencer(), rtpreader.DefaultClockRate)

	var packets int
	for _, au := range aus {
		var annexB []byte
		for _, nal := range au {
			annexB = demux.AppendAnnexB(annexB, nal)
		}
		for _, p := range packetizer.Packetize(annexB, samples) {
			if err := pw.WritePacket(p); err != nil {
				return fmt.Errorf("write capture: %w", err)
			}
			packets++
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close capture: %w", err)
	}
	slog.Info("capture written", "path", outPath, "accessUnits", len(aus), "packets", packets)

	if o.sdpPath == "" {
		return nil
	}
	desc, err := buildSDP(o.codec, o.payloadType, aus)
	if err != nil {
		return err
	}
	return os.WriteFile(o.sdpPath, desc, 0o644)
}

// splitAccessUnits groups NAL units into access units. A new unit starts
// at a parameter set, SEI or delimiter that follows a slice, or at a slice
// that is the first of its picture.
func splitAccessUnits(units []demux.NALUnit, hevc bool) [][][]byte {
	var aus [][][]byte
	var cur [][]byte
	sawVCL := false

	for _, u := range units {
		vcl := isVCL(u.Type, hevc)
		if sawVCL && startsAccessUnit(u, vcl, hevc) {
			aus = append(aus, cur)
			cur, sawVCL = nil, false
		}
		cur = append(cur, u.Data)
		if vcl {
			sawVCL = true
		}
	}
	if len(cur) > 0 {
		aus = append(aus, cur)
	}
	return aus
}

func isVCL(nalType byte, hevc bool) bool {
	if hevc {
		return nalType < 32
	}
	return nalType >= demux.NALTypeSlice && nalType <= demux.NALTypeIDR
}

func startsAccessUnit(u demux.NALUnit, vcl, hevc bool) bool {
	if vcl {
		// first_mb_in_slice == 0 or first_slice_segment_in_pic_flag, the
		// first bit after the NAL header.
		headerLen := 1
		if hevc {
			headerLen = 2
		}
		return len(u.Data) > headerLen && u.Data[headerLen]&0x80 != 0
	}
	if hevc {
		t := u.Type
		return (t >= demux.HEVCNALVPS && t <= demux.HEVCNALSEIPrefix) ||
			(t >= 41 && t <= 44) || (t >= 48 && t <= 55)
	}
	switch u.Type {
	case demux.NALTypeSEI, demux.NALTypeSPS, demux.NALTypePPS, demux.NALTypeAUD, 14, 15, 16, 17, 18:
		return true
	}
	return false
}

// buildSDP describes a packetized capture with the parameter sets of its
// first access units carried in sprop attributes.
func buildSDP(codec string, pt uint8, aus [][][]byte) ([]byte, error) {
	hevc := strings.EqualFold(codec, "h265")

	var vps, sps, pps []byte
	for _, au := range aus {
		for _, nal := range au {
			if len(nal) == 0 {
				continue
			}
			if hevc {
				switch demux.HEVCNALType(nal[0]) {
				case demux.HEVCNALVPS:
					vps = firstOf(vps, nal)
				case demux.HEVCNALSPS:
					sps = firstOf(sps, nal)
				case demux.HEVCNALPPS:
					pps = firstOf(pps, nal)
				}
				continue
			}
			switch demux.NALType(nal[0]) {
			case demux.NALTypeSPS:
				sps = firstOf(sps, nal)
			case demux.NALTypePPS:
				pps = firstOf(pps, nal)
			}
		}
	}

	var name string
	var params []string
	if hevc {
		name = rtpreader.EncodingH265
		for _, ps := range []struct {
			key string
			nal []byte
		}{{"sprop-vps", vps}, {"sprop-sps", sps}, {"sprop-pps", pps}} {
			if ps.nal != nil {
				params = append(params, ps.key+"="+base64.StdEncoding.EncodeToString(ps.nal))
			}
		}
	} else {
		name = rtpreader.EncodingH264
		params = append(params, "packetization-mode=1")
		if len(sps) >= 4 {
			params = append(params, "profile-level-id="+hex.EncodeToString(sps[1:4]))
		}
		if sps != nil && pps != nil {
			params = append(params, "sprop-parameter-sets="+
				base64.StdEncoding.EncodeToString(sps)+","+base64.StdEncoding.EncodeToString(pps))
		}
	}

	sd, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, fmt.Errorf("build SDP: %w", err)
	}
	md := sdp.NewJSEPMediaDescription("video", nil).
		WithCodec(pt, name, rtpreader.DefaultClockRate, 0, strings.Join(params, ";"))
	return sd.WithMedia(md).Marshal()
}

func firstOf(cur, nal []byte) []byte {
	if cur != nil {
		return cur
	}
	return append([]byte(nil), nal...)
}
