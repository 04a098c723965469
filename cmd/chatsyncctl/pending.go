package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

type pendingOutput struct {
	ID        string `json:"id"`
	CID       string `json:"cid"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	Text      string `json:"text"`
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages not yet accepted by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		msgs, err := db.MessagesInState(cmd.Context(),
			store.StateUnsyncedCreate, store.StateUnsyncedUpdate, store.StateSyncing, store.StateSyncFailed)
		if err != nil {
			return err
		}
		out := make([]pendingOutput, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, pendingOutput{
				ID:        m.ID,
				CID:       m.CID,
				State:     string(m.LocalState),
				Error:     m.ErrorMessage,
				CreatedAt: time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339),
				Text:      m.Text,
			})
		}

		if flagJSON {
			outputJSON(out)
			return nil
		}
		if len(out) == 0 {
			fmt.Println("No pending messages.")
			return nil
		}
		for _, p := range out {
			fmt.Printf("%-28s %-20s %-16s %s\n", p.ID, p.CID, p.State, truncate(p.Text, 40))
			if p.Error != "" {
				fmt.Printf("    error: %s\n", p.Error)
			}
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
