package workflowcmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/accessioner/internal/bibinfo"
	"github.com/lehigh-university-libraries/accessioner/internal/config"
	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/pagexml"
)

// NewExtractCmd creates the extract command, which prints the works found in
// a directory of PAGE XML without searching for them.
func NewExtractCmd() *cobra.Command {
	var pagesDir string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract titles, authors and ISBNs from transcribed cards",
		Example: `  accessioner extract --pages ./pages/1234

  # Ask an LLM to split title pages the line rules could not
  accessioner extract --pages ./pages/1234 --refine-provider ollama`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, map[string]string{
				"refine.provider": "refine-provider",
				"refine.model":    "refine-model",
			})
			if err != nil {
				return err
			}
			defer done()

			return executeExtract(cmd.Context(), cfg, pagesDir, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&pagesDir, "pages", "", "Directory of PAGE XML files (required)")
	cmd.Flags().String("refine-provider", "", "LLM provider for low confidence title pages (ollama, openai, or gemini)")
	cmd.Flags().String("refine-model", "", "Model name (defaults to provider's default)")

	_ = cmd.MarkFlagRequired("pages")
	return cmd
}

func executeExtract(ctx context.Context, cfg *config.Config, pagesDir string, out io.Writer) error {
	works, _, err := loadWorks(ctx, cfg, pagesDir)
	if err != nil {
		return err
	}

	list := make([]models.Work, 0, len(works))
	for _, id := range bibinfo.SortedIDs(works) {
		list = append(list, works[id])
	}

	data, err := yaml.Marshal(&list)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// loadWorks reads and extracts every card in pagesDir, refining title pages
// when configured. It also returns the names of pages that were skipped.
func loadWorks(ctx context.Context, cfg *config.Config, pagesDir string) (map[models.WorkID]models.Work, []string, error) {
	pages, skipped, err := pagexml.LoadDir(pagesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pages: %w", err)
	}
	names := make([]string, len(skipped))
	for i, s := range skipped {
		names[i] = s.Page
	}
	if len(names) > 0 {
		slog.Warn("Some pages could not be read", "skipped", len(names), "loaded", len(pages))
	}

	works, err := refineWorks(ctx, cfg, bibinfo.FromPages(pages), pages)
	if err != nil {
		return nil, nil, err
	}
	return works, names, nil
}
