package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zsiec/depay/internal/stats"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("depay failed", "error", err)
			os.Exit(1)
		}
	}
}

// setupLogging installs the default text logger on stderr. The DEBUG
// environment variable or the --debug flag selects debug level.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// describeTrack renders a one-line summary of a track for the end-of-run
// log.
func describeTrack(snap stats.TrackSnapshot) string {
	var parts []string

	if snap.Video.CodecString != "" {
		parts = append(parts, snap.Video.CodecString)
	} else if snap.Video.Codec != "" {
		parts = append(parts, snap.Video.Codec)
	}

	if snap.Video.Width > 0 && snap.Video.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", snap.Video.Width, snap.Video.Height))
	}

	parts = append(parts, fmt.Sprintf("%d frames", snap.Video.TotalFrames))

	if snap.Captions.TotalFrames > 0 {
		n := len(snap.Captions.ActiveChannels)
		if n > 0 {
			parts = append(parts, fmt.Sprintf("CC (%d ch)", n))
		} else {
			parts = append(parts, "CC")
		}
	}

	if snap.RTP.PacketsLost > 0 {
		parts = append(parts, fmt.Sprintf("%d lost", snap.RTP.PacketsLost))
	}

	if snap.Video.Timecode != "" {
		parts = append(parts, "TC "+snap.Video.Timecode)
	}

	return strings.Join(parts, " · ")
}
