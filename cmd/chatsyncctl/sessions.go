package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

type sessionOutput struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	DaemonPID int    `json:"daemon_pid,omitempty"`
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		out := make([]sessionOutput, 0, len(names))
		for _, name := range names {
			out = append(out, sessionOutput{
				Name:      name,
				Path:      session.Dir(name),
				DaemonPID: lock.Owner(session.LockPath(name)),
			})
		}

		if flagJSON {
			outputJSON(out)
			return nil
		}
		if len(out) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range out {
			running := "stopped"
			if s.DaemonPID > 0 {
				running = fmt.Sprintf("running, pid %d", s.DaemonPID)
			}
			fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
		}
		return nil
	},
}
