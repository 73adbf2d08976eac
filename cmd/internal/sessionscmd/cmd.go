// Package sessionscmd implements "p3tap sessions", surfacing the C12
// session store's list/recover/delete operations (SPEC_FULL.md's
// supplemented session-recovery CLI).
package sessionscmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/p3tap/p3tap/cfg"
	"github.com/p3tap/p3tap/cmd/internal/cmderr"
	"github.com/p3tap/p3tap/session"
)

var Cmd = &cobra.Command{
	Use:   "sessions",
	Short: "List, recover, or delete journaled sessions.",
}

var listCmd = &cobra.Command{
	Use:          "list",
	Short:        "List every journaled session, most recent first.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}
		sessions, err := manager.List()
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "listing sessions")}
		}
		for _, s := range sessions {
			state := "closed"
			if s.Active {
				state = "active"
			}
			fmt.Printf("%s\t%s\t%d frames\t%s\t%s\n", s.ID, state, s.FrameCount, s.FormattedSize, s.FormattedDuration)
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:          "recover <id>",
	Short:        "Finalize a session abandoned by a crashed run.",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}
		info, err := manager.Recover(args[0])
		if err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "recovering session")}
		}
		fmt.Printf("recovered %s: %d frames, %s\n", info.ID, info.FrameCount, info.FormattedSize)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:          "delete <id>",
	Short:        "Delete a closed session's data and metadata files.",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}
		if err := manager.Delete(args[0]); err != nil {
			return cmderr.P3tapErr{Err: errors.Wrap(err, "deleting session")}
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func newManager() (*session.Manager, error) {
	manager, err := session.NewManager(afero.NewOsFs(), "")
	if err != nil {
		dir, _ := cfg.SessionsDir()
		return nil, cmderr.P3tapErr{Err: errors.Wrapf(err, "opening sessions directory %s", dir)}
	}
	return manager, nil
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(recoverCmd)
	Cmd.AddCommand(deleteCmd)
}
