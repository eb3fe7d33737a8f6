package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show corpus and query statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			stats, err := eng.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sources:      %d (%d ready)\n", stats.Store.SourceCount, stats.Store.ReadySourceCount)
			fmt.Fprintf(out, "Chunks:       %d (%d vectors, %d dims)\n", stats.Store.ChunkCount, stats.Store.VectorCount, stats.Store.Dimensions)
			fmt.Fprintf(out, "Avg tokens:   %.1f per chunk\n", stats.Corpus.AvgTokens)
			fmt.Fprintf(out, "Queries:      %d total, %d abstained, %d zero-result\n",
				stats.Telemetry.TotalQueries, stats.Telemetry.AbstainCount, stats.Telemetry.ZeroResultCount)
			if len(stats.Telemetry.TopTerms) > 0 {
				fmt.Fprintf(out, "Top terms:   ")
				for i, tc := range stats.Telemetry.TopTerms {
					if i >= 8 {
						break
					}
					fmt.Fprintf(out, " %s(%d)", tc.Term, tc.Count)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}
