package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zsiec/ccx"

	"github.com/zsiec/depay/internal/ingest"
	"github.com/zsiec/depay/internal/moq"
	"github.com/zsiec/depay/internal/pipeline"
	"github.com/zsiec/depay/internal/rtpreader"
)

// Output formats accepted by --format.
const (
	formatMoQ    = "moq"
	formatAnnexB = "annexb"
	formatNone   = "none"
)

var errNoFormats = errors.New("no track formats: pass --sdp or --codec")

type runOptions struct {
	sdpPath     string
	payloadType uint8
	codec       string
	clockRate   uint32
	fmtp        string
	width       int
	height      int

	outDir      string
	outFormat   string
	captionsOut string
	summary     bool

	stopOnError       bool
	noCaptions        bool
	keepLeadingDeltas bool
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <capture>",
		Short: "Depacketize an RFC 4571 RTP capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.sdpPath, "sdp", envOr("DEPAY_SDP", ""), "SDP file describing the capture's video payload types")
	fs.Uint8Var(&o.payloadType, "pt", 96, "RTP payload type when no SDP is given")
	fs.StringVar(&o.codec, "codec", "", "Encoding when no SDP is given: h264, h265 or vp9")
	fs.Uint32Var(&o.clockRate, "clock-rate", rtpreader.DefaultClockRate, "RTP clock rate when no SDP is given")
	fs.StringVar(&o.fmtp, "fmtp", "", "SDP fmtp parameters when no SDP is given")
	fs.IntVar(&o.width, "width", 0, "Picture width hint when no SDP is given")
	fs.IntVar(&o.height, "height", 0, "Picture height hint when no SDP is given")

	fs.StringVarP(&o.outDir, "out", "o", envOr("DEPAY_OUT", "out"), "Output directory")
	fs.StringVarP(&o.outFormat, "format", "f", envOr("DEPAY_FORMAT", formatMoQ), "Output format: moq, annexb or none")
	fs.StringVar(&o.captionsOut, "captions-out", "", "Write decoded captions as JSON lines to this file ('-' for stdout)")
	fs.BoolVar(&o.summary, "summary", false, "Print a JSON session summary to stdout")

	fs.BoolVar(&o.stopOnError, "stop-on-error", false, "Stop a track on its first malformed packet")
	fs.BoolVar(&o.noCaptions, "no-captions", false, "Disable caption extraction")
	fs.BoolVar(&o.keepLeadingDeltas, "keep-leading-deltas", false, "Write frames that precede the first keyframe")
}

func (o *runOptions) formats() ([]rtpreader.PayloadFormat, error) {
	if o.sdpPath != "" {
		data, err := os.ReadFile(o.sdpPath)
		if err != nil {
			return nil, fmt.Errorf("read SDP: %w", err)
		}
		return ingest.FormatsFromSDP(data)
	}
	if o.codec == "" {
		return nil, errNoFormats
	}
	return []rtpreader.PayloadFormat{{
		PayloadType: o.payloadType,
		Encoding:    strings.ToUpper(o.codec),
		ClockRate:   o.clockRate,
		Fmtp:        rtpreader.ParseFmtp(o.fmtp),
		Width:       o.width,
		Height:      o.height,
	}}, nil
}

func (o *runOptions) config() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.StopOnParseError = o.stopOnError
	cfg.Captions = !o.noCaptions
	cfg.DropLeadingDeltas = !o.keepLeadingDeltas
	return cfg
}

func (o *runOptions) run(ctx context.Context, capturePath string, stdout io.Writer) error {
	formats, err := o.formats()
	if err != nil {
		return err
	}

	newSink, err := sinkFactory(o.outFormat, o.outDir)
	if err != nil {
		return err
	}

	captions, err := o.openCaptions(stdout)
	if err != nil {
		return err
	}
	defer captions.Close()

	f, err := os.Open(capturePath)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	slog.Info("depay starting", "version", version, "capture", capturePath,
		"tracks", len(formats), "format", o.outFormat, "out", o.outDir)

	session := pipeline.NewSession(o.config(), newSink, captions.handle, nil)
	runErr := session.Run(ctx, ingest.NewPacketReader(f), formats)

	snap := session.Snapshot()
	for _, tr := range snap.Tracks {
		slog.Info("track summary", "track", tr.Stats.TrackID, "pt", tr.Stats.PayloadType,
			"description", describeTrack(tr.Stats))
	}
	if snap.Unrouted > 0 || snap.Invalid > 0 {
		slog.Warn("capture packets not processed", "unrouted", snap.Unrouted, "invalid", snap.Invalid)
	}
	if o.summary {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return errors.Join(runErr, captions.Close())
}

// sinkFactory returns the per-track writer constructor for an output
// format. Files are created under dir.
func sinkFactory(format, dir string) (pipeline.SinkFactory, error) {
	switch format {
	case formatNone:
		return nil, nil
	case formatAnnexB:
		return func(trackID int, pf rtpreader.PayloadFormat) (moq.FrameWriter, error) {
			ext, ok := map[string]string{rtpreader.EncodingH264: "h264", rtpreader.EncodingH265: "h265"}[pf.Encoding]
			if !ok {
				return nil, fmt.Errorf("%w: %s to annexb", moq.ErrUnsupportedCodec, pf.Encoding)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("track%d.%s", trackID, ext)))
			if err != nil {
				return nil, err
			}
			bw := bufio.NewWriter(f)
			return &fileSink{FrameWriter: moq.NewAnnexBWriter(bw), buf: bw, f: f}, nil
		}, nil
	case formatMoQ:
		return func(trackID int, pf rtpreader.PayloadFormat) (moq.FrameWriter, error) {
			open, err := groupFiles(filepath.Join(dir, fmt.Sprintf("track%d", trackID)))
			if err != nil {
				return nil, err
			}
			return moq.NewObjectWriter(open, uint64(trackID), 0), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// groupFiles returns a StreamOpener that stores each group in its own
// file under dir.
func groupFiles(dir string) (moq.StreamOpener, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return func(groupID uint64) (io.WriteCloser, error) {
		return os.Create(filepath.Join(dir, fmt.Sprintf("group-%06d.moq", groupID)))
	}, nil
}

// fileSink flushes and closes the file behind a writer on Close.
type fileSink struct {
	moq.FrameWriter
	buf *bufio.Writer
	f   *os.File
}

func (s *fileSink) Close() error {
	return errors.Join(s.FrameWriter.Close(), s.buf.Flush(), s.f.Close())
}

// captionOutput fans decoded captions out to a JSON lines file and, in
// MoQ mode, a caption object track per video track.
type captionOutput struct {
	log     *slog.Logger
	mu      sync.Mutex
	lines   io.Writer
	closer  io.Closer
	moqDir  string
	writers map[int]*moq.ObjectWriter
	closed  bool
}

func (o *runOptions) openCaptions(stdout io.Writer) (*captionOutput, error) {
	c := &captionOutput{
		log:     slog.With("component", "captions"),
		writers: make(map[int]*moq.ObjectWriter),
	}
	if o.outFormat == formatMoQ && !o.noCaptions {
		c.moqDir = o.outDir
	}
	switch o.captionsOut {
	case "":
	case "-":
		c.lines = stdout
	default:
		f, err := os.Create(o.captionsOut)
		if err != nil {
			return nil, fmt.Errorf("open captions output: %w", err)
		}
		c.lines, c.closer = f, f
	}
	return c, nil
}

// captionLine is one line of the JSON lines caption output.
type captionLine struct {
	Track   int    `json:"track"`
	PTS     int64  `json:"pts"`
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

func (c *captionOutput) handle(trackID int, frame *ccx.CaptionFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.lines != nil {
		line, err := json.Marshal(captionLine{Track: trackID, PTS: frame.PTS, Channel: frame.Channel, Text: frame.Text})
		if err == nil {
			_, err = c.lines.Write(append(line, '\n'))
		}
		if err != nil {
			c.log.Warn("caption write failed", "error", err)
		}
	}
	if c.moqDir == "" {
		return
	}
	w, ok := c.writers[trackID]
	if !ok {
		open, err := groupFiles(filepath.Join(c.moqDir, fmt.Sprintf("track%d-captions", trackID)))
		if err != nil {
			c.log.Warn("caption track unavailable", "track", trackID, "error", err)
			c.moqDir = ""
			return
		}
		// Caption track aliases follow the video aliases.
		w = moq.NewObjectWriter(open, uint64(1000+trackID), 1)
		c.writers[trackID] = w
	}
	if _, err := w.WriteCaptionFrame(frame.Serialize(), frame.PTS); err != nil {
		c.log.Warn("caption object write failed", "track", trackID, "error", err)
	}
}

// Close closes the caption writers and the JSON lines file. It is safe
// to call more than once.
func (c *captionOutput) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, w := range c.writers {
		errs = append(errs, w.Close())
	}
	if c.closer != nil {
		errs = append(errs, c.closer.Close())
	}
	return errors.Join(errs...)
}
