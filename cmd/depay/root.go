package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "depay",
		Short: "Depacketize RTP video captures into elementary streams and MoQ objects",
		Long: `depay reads RTP captures framed as in RFC 4571, reassembles H.264, H.265
and VP9 access units, extracts CEA-608/708 captions carried in SEI and writes
the result as an Annex B elementary stream or as MoQ/LOC objects.

Examples:
  depay packetize input.h264 capture.rtp --sdp capture.sdp
  depay run capture.rtp --sdp capture.sdp --format annexb --out ./out
  depay run capture.rtp --pt 98 --codec h265 --captions-out -`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(debug)
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (also enabled by DEBUG)")

	rootCmd.AddCommand(newRunCmd(), newPacketizeCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the depay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "depay", version)
		},
	}
}
