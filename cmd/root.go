// Package cmd assembles the p3tap CLI driver (spec.md §6): cobra
// subcommands for the offline PCAP pipeline, the live proxy, and session
// management, wired the way the teacher's cmd/root.go wires its own
// subcommand tree.
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/p3tap/p3tap/cmd/internal/cmderr"
	"github.com/p3tap/p3tap/cmd/internal/livecmd"
	"github.com/p3tap/p3tap/cmd/internal/pcapcmd"
	"github.com/p3tap/p3tap/cmd/internal/sessionscmd"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/util"
	"github.com/p3tap/p3tap/version"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:           "p3tap",
	Short:         "Analyzer for the legacy AOL/P3 framed transport.",
	Long:          "p3tap reassembles and decodes the legacy AOL/P3 framed binary transport, offline from a PCAP capture or live through a man-in-the-middle TCP proxy.",
	Version:       version.CLIDisplayString(),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI, mapping errors to process exit codes: 0 on
// success, non-zero on fatal I/O or argument error (spec.md §6).
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}

	if _, isP3tapErr := err.(cmderr.P3tapErr); !isP3tapErr {
		cmd.Println(cmd.UsageString())
	}

	exitCode := 1
	var exitErr util.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode
	}
	printer.Stderr.Errorf("%s\n", err)
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "If set, outputs detailed information for debugging.")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(pcapcmd.Cmd)
	rootCmd.AddCommand(livecmd.Cmd)
	rootCmd.AddCommand(sessionscmd.Cmd)
}
