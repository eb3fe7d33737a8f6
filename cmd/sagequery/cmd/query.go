package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagequery/sagequery/internal/config"
	"github.com/sagequery/sagequery/internal/engine"
	"github.com/sagequery/sagequery/internal/query"
)

// queryOptions holds the CLI flags for query.
type queryOptions struct {
	profile string
	topK    int
	version string
	kinds   []string
	sources []string
	format  string
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question against the ingested corpus",
		Long: `Ask a question. The answer is grounded in retrieved passages and
cites them as [1], [2], ...; when the evidence is too weak the engine
abstains and suggests how to reformulate.

Examples:
  sagequery query "how to install OpenLab CDS v3.6"
  sagequery query --profile comprehensive "explain the backup procedure"
  sagequery query --format json "what is BGE-M3"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			ans, err := eng.Query(cmd.Context(), engine.QueryRequest{
				Text:    question,
				Profile: config.Profile(opts.profile),
				TopK:    opts.topK,
				Filters: query.Filters{
					Version:   opts.version,
					Kinds:     opts.kinds,
					SourceIDs: opts.sources,
				},
			})
			if err != nil {
				if ans == nil {
					return err
				}
				// Generation failed but retrieval stands; show the sources.
				fmt.Fprintf(cmd.ErrOrStderr(), "generation failed: %v\n", err)
			}
			return printAnswer(cmd, ans, opts.format)
		},
	}

	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Pipeline profile: baseline, enhanced, advanced, comprehensive")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Number of results (default: profile setting)")
	cmd.Flags().StringVar(&opts.version, "filter-version", "", "Restrict to chunks mentioning a product version (e.g. v3.6)")
	cmd.Flags().StringSliceVar(&opts.kinds, "kind", nil, "Restrict to source kinds (repeatable)")
	cmd.Flags().StringSliceVar(&opts.sources, "source", nil, "Restrict to source ids (repeatable)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func printAnswer(cmd *cobra.Command, ans *engine.Answer, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}

	if ans.Abstained {
		fmt.Fprintf(out, "No confident answer (%s).\n%s\n", ans.Reason, ans.Clarification)
		return nil
	}

	if ans.Text != "" {
		fmt.Fprintln(out, ans.Text)
		fmt.Fprintln(out)
	}
	if len(ans.Sources) > 0 {
		fmt.Fprintln(out, "Sources:")
		for _, s := range ans.Sources {
			fmt.Fprintf(out, "  [%d] %s, page %d (score %.2f)\n", s.Index, s.SourceName, s.Page, s.Score)
		}
	}
	return nil
}
