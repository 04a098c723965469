package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	flagSession string
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "chatsyncctl",
	Short:         "Inspect a chatsync session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionName() (string, error) {
	name := session.Resolve(flagSession)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// openCache opens the session cache for reading. The daemon may be running;
// WAL mode lets both use the file.
func openCache() (*store.DB, error) {
	name, err := sessionName()
	if err != nil {
		return nil, err
	}
	path := session.CacheDBPath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no cache for session %q: %w", name, err)
	}
	return store.Open(path)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
