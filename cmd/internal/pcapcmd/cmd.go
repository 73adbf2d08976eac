// Package pcapcmd implements "p3tap pcap", the offline extraction driver
// for pcapextract (spec.md §4.C7, §6 CLI surface).
package pcapcmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/p3tap/p3tap/cmd/internal/cmderr"
	"github.com/p3tap/p3tap/pcapextract"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/sink"
)

var (
	pcapFlag            string
	outFlag             string
	serverPortFlag      uint16
	prettyFlag          bool
	storeFullFlag       bool
	legacyShortFormFlag bool
)

var Cmd = &cobra.Command{
	Use:          "pcap",
	Short:        "Extract AOL/P3 frames from a PCAP capture.",
	Long:         "Read a classic-format PCAP file, reassemble the TCP stream for the configured server port, and write a JSONL summary of every recognized frame.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if pcapFlag == "" || outFlag == "" {
			return errors.New("both --pcap and --out are required")
		}

		f, err := os.Open(pcapFlag)
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrapf(err, "opening capture %s", pcapFlag)}
		}
		defer f.Close()

		fs := afero.NewOsFs()
		summaries, err := sink.NewFileSink(fs, outFlag+".jsonl", false)
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "opening output sink")}
		}
		defer summaries.Close()

		var store *sink.FullFrameStore
		if storeFullFlag {
			store = sink.NewFullFrameStore(fs, outFlag+".frames.json", false)
			defer store.Close()
		}

		opts := pcapextract.Options{
			ServerPort:      serverPortFlag,
			StoreFull:       storeFullFlag,
			LegacyShortForm: legacyShortFormFlag,
		}
		stats, err := pcapextract.Run(f, opts, summaries, store)
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "extracting frames")}
		}

		if stats.FramesEmitted == 0 {
			printer.Warningf("no frames recovered: %d packets, %d IP packets, %d matching TCP segments\n",
				stats.Packets, stats.IPPackets, stats.TCPSegments)
		} else {
			printer.Infof("wrote %d frames (%d repeats) from %d packets to %s.jsonl\n",
				stats.FramesEmitted, stats.RepeatFrames, stats.Packets, outFlag)
		}
		return nil
	},
}

func init() {
	Cmd.Flags().StringVar(&pcapFlag, "pcap", "", "Path to the classic-format PCAP file to read.")
	Cmd.Flags().StringVar(&outFlag, "out", "", "Base path for output files (<out>.jsonl, and <out>.frames.json with --store-full).")
	Cmd.Flags().Uint16Var(&serverPortFlag, "server-port", 5190, "TCP port identifying the server side of the connection.")
	Cmd.Flags().BoolVar(&prettyFlag, "pretty", false, "Reserved for human-readable console output; JSONL output is unaffected.")
	Cmd.Flags().BoolVar(&storeFullFlag, "store-full", false, "Write a content-addressed store of full frame hex alongside the summary output.")
	Cmd.Flags().BoolVar(&legacyShortFormFlag, "legacy-short-form", false, "Recognize the 9-byte legacy short frame as a scanner fast path.")
}
