package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queriesCmd)
}

type queryOutput struct {
	FilterHash string `json:"filter_hash"`
	Kind       string `json:"kind"`
	Filter     string `json:"filter"`
	Sort       string `json:"sort,omitempty"`
	Links      int    `json:"links"`
}

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "List saved queries with their linked entity counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		var out []queryOutput
		for _, kind := range []store.QueryKind{store.QueryChannels, store.QueryUsers} {
			queries, err := db.SavedQueries(cmd.Context(), kind)
			if err != nil {
				return err
			}
			for _, q := range queries {
				n, err := db.LinkCount(cmd.Context(), q.FilterHash)
				if err != nil {
					return err
				}
				f, _ := q.Filter.JSON()
				out = append(out, queryOutput{
					FilterHash: q.FilterHash,
					Kind:       string(q.Kind),
					Filter:     string(f),
					Sort:       q.Sort,
					Links:      n,
				})
			}
		}

		if flagJSON {
			outputJSON(out)
			return nil
		}
		if len(out) == 0 {
			fmt.Println("No saved queries.")
			return nil
		}
		for _, q := range out {
			fmt.Printf("%.12s  %-8s %5d  %s\n", q.FilterHash, q.Kind, q.Links, q.Filter)
		}
		return nil
	},
}
