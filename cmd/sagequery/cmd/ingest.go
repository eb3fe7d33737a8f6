package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagequery/sagequery/internal/ingest"
	"github.com/sagequery/sagequery/internal/store"
)

func newIngestCmd() *cobra.Command {
	var kind string
	var name string
	var refresh string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents into the corpus",
		Long: `Ingest text documents. Pages are split on form-feed characters;
a file without form feeds becomes a single page.

Examples:
  sagequery ingest manual.txt
  sagequery ingest --kind web --name "release notes" notes.txt
  sagequery ingest --refresh <source-id> manual.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			if refresh != "" {
				if len(args) != 1 {
					return fmt.Errorf("--refresh takes exactly one file")
				}
				pages, err := readPages(args[0])
				if err != nil {
					return err
				}
				src, err := eng.Refresh(cmd.Context(), refresh, pages)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %s: %d chunks\n", src.Name, src.ChunkCount)
				return nil
			}

			for _, path := range args {
				pages, err := readPages(path)
				if err != nil {
					return err
				}
				srcName := name
				if srcName == "" || len(args) > 1 {
					srcName = filepath.Base(path)
				}
				src, err := eng.Ingest(cmd.Context(), ingest.Descriptor{
					Name: srcName,
					Kind: store.SourceKind(kind),
				}, pages)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %s: %d pages, %d chunks", src.Name, src.PageCount, src.ChunkCount)
				if src.IsTruncated {
					fmt.Fprintf(cmd.OutOrStdout(), " (truncated, %.1f%% coverage)", src.CoveragePct)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "file", "Source kind: file, web, other")
	cmd.Flags().StringVar(&name, "name", "", "Source name (default: file basename)")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Re-ingest an existing source by id")

	return cmd
}

// readPages loads a text file and splits it into pages at form feeds.
func readPages(path string) ([]ingest.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(data), "\f")
	pages := make([]ingest.Page, 0, len(parts))
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		pages = append(pages, ingest.Page{Number: i + 1, Text: p})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s: no text content", path)
	}
	return pages, nil
}
