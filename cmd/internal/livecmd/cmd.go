// Package livecmd implements "p3tap live", the MITM TCP proxy driver
// (spec.md §4.C8/C13, §6 CLI surface).
package livecmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/p3tap/p3tap/cmd/internal/cmderr"
	"github.com/p3tap/p3tap/httpapi"
	"github.com/p3tap/p3tap/orchestrator"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/util"
)

var (
	listenPortFlag uint16
	destHostFlag   string
	destPortFlag   uint16
	apiAddrFlag    string
)

var Cmd = &cobra.Command{
	Use:          "live",
	Short:        "Run the live MITM TCP proxy.",
	Long:         "Accept client connections, forward them unchanged to the configured upstream, and summarize every AOL/P3 frame seen in either direction.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if destHostFlag == "" || destPortFlag == 0 {
			return errors.New("both --dest-host and --dest-port are required")
		}

		orch, err := orchestrator.New(afero.NewOsFs(), "")
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "initializing orchestrator")}
		}

		listen := fmt.Sprintf("127.0.0.1:%d", listenPortFlag)
		if err := orch.StartProxy(listen, destHostFlag, int(destPortFlag)); err != nil {
			// A failure to bind the listen port is an operational problem
			// with the host, not a usage mistake; give it its own exit
			// code so callers scripting around this can tell them apart.
			return cmderr.P3tapErr{Err: util.ExitError{ExitCode: 2, Err: errors.Wrap(err, "starting proxy")}}
		}
		printer.Infof("listening on %s, forwarding to %s:%d\n", listen, destHostFlag, destPortFlag)

		if apiAddrFlag != "" {
			server := httpapi.NewServer(orch)
			go func() {
				if err := http.ListenAndServe(apiAddrFlag, server); err != nil {
					printer.Errorf("httpapi server stopped: %v\n", err)
				}
			}()
			printer.Infof("status/session/live-frame API listening on %s\n", apiAddrFlag)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		printer.Infof("shutting down\n")
		orch.StopProxy()
		return nil
	},
}

func init() {
	Cmd.Flags().Uint16Var(&listenPortFlag, "listen-port", 5190, "Local port to accept client connections on.")
	Cmd.Flags().StringVar(&destHostFlag, "dest-host", "", "Upstream host to forward connections to.")
	Cmd.Flags().Uint16Var(&destPortFlag, "dest-port", 0, "Upstream port to forward connections to.")
	Cmd.Flags().StringVar(&apiAddrFlag, "api-addr", "", "If set, also serve the status/session/live-frame HTTP API on this address (e.g. 127.0.0.1:8787).")
}
