package workflowcmd

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/accessioner/internal/bibinfo"
	"github.com/lehigh-university-libraries/accessioner/internal/config"
	"github.com/lehigh-university-libraries/accessioner/internal/matcher"
	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/progress"
	"github.com/lehigh-university-libraries/accessioner/internal/queue"
	"github.com/lehigh-university-libraries/accessioner/internal/snapshot"
	"github.com/lehigh-university-libraries/accessioner/internal/storage"
)

// ReportName is the run report written next to the snapshot
const ReportName = "report.yaml"

// NewMatchCmd creates the match command, which runs extraction and WorldCat
// matching end to end.
func NewMatchCmd() *cobra.Command {
	var pagesDir string
	var outDir string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match transcribed cards against WorldCat",
		Long: `Extract every card in a directory of PAGE XML and search WorldCat for it.

Each work gets a brief-bibs search, by ISBN when one was read and by title
and author otherwise, followed by a full MARCXML fetch for every candidate.
Results are saved as brief_bibs and full_bibs snapshots with a run report.

OCLC credentials are read from OCLC_CLIENT_KEY and OCLC_CLIENT_SECRET.`,
		Example: `  accessioner match --pages ./pages/1234 --out ./results

  # Fewer workers and a lower request rate for a small API quota
  accessioner match --pages ./pages/1234 --out ./results --workers 10 --rps 2

  # Parquet output
  accessioner match --pages ./pages/1234 --out ./results --format parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, map[string]string{
				"matcher.workers":          "workers",
				"worldcat.rate_limit_rps":  "rps",
				"worldcat.request_timeout": "timeout",
				"snapshot.format":          "format",
				"refine.provider":          "refine-provider",
				"refine.model":             "refine-model",
			})
			if err != nil {
				return err
			}
			defer done()

			return executeMatch(cmd.Context(), cfg, pagesDir, outDir, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&pagesDir, "pages", "", "Directory of PAGE XML files (required)")
	cmd.Flags().StringVar(&outDir, "out", "./results", "Output directory for snapshots and report")
	cmd.Flags().Int("workers", matcher.DefaultWorkers, "Number of concurrent workers")
	cmd.Flags().Float64("rps", 10, "Maximum WorldCat requests per second across all workers")
	cmd.Flags().Duration("timeout", 30*time.Second, "Timeout for each WorldCat request")
	cmd.Flags().String("format", string(snapshot.FormatJSON), "Snapshot format (json or parquet)")
	cmd.Flags().String("refine-provider", "", "LLM provider for low confidence title pages (ollama, openai, or gemini)")
	cmd.Flags().String("refine-model", "", "Model name (defaults to provider's default)")

	_ = cmd.MarkFlagRequired("pages")
	return cmd
}

func newRunID() string {
	return ulid.MustNew(ulid.Now(), ulid.Monotonic(rand.Reader, 0)).String()
}

// progressStep prints roughly one progress line per percent of the run
func progressStep(total int) int {
	return max(1, total/100)
}

func executeMatch(ctx context.Context, cfg *config.Config, pagesDir, outDir string, out io.Writer) error {
	runID := newRunID()
	start := time.Now()
	logger := slog.Default().With("run_id", runID)
	logger.Info("Starting match run", "pages", pagesDir, "out", outDir, "workers", cfg.Matcher.Workers)

	format, err := snapshot.ParseFormat(cfg.Snapshot.Format)
	if err != nil {
		return err
	}

	works, skipped, err := loadWorks(ctx, cfg, pagesDir)
	if err != nil {
		return err
	}
	if len(works) == 0 {
		return fmt.Errorf("no cards found in %s: %w", pagesDir, matcher.ErrEmptyQueue)
	}

	client := newWorldCatClient(cfg)
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with WorldCat: %w", err)
	}

	q := queue.New[models.QueryItem]()
	for _, id := range bibinfo.SortedIDs(works) {
		q.Enqueue(works[id].QueryItem())
	}
	q.Close()

	store := storage.New()
	m := matcher.New(client, matcher.Options{
		Workers:  cfg.Matcher.Workers,
		Logger:   slog.Default(),
		Progress: progress.New(len(works), progress.WithWriter(out), progress.WithEvery(progressStep(len(works)))),
		RunID:    runID,
	})
	runErr := m.Run(ctx, q, store)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	// An interrupted run still saves what was matched before the signal.
	brief, full := store.Snapshot()
	if err := snapshot.Save(outDir, format, brief, full); err != nil {
		return err
	}

	report := snapshot.BuildReport(works, brief, full)
	report.RunID = runID
	report.StartedAt = start.UTC().Format(time.RFC3339)
	report.Elapsed = time.Since(start).Round(time.Millisecond).String()
	report.Workers = cfg.Matcher.Workers
	report.Format = format
	report.SkippedPages = skipped
	if err := snapshot.WriteReport(filepath.Join(outDir, ReportName), report); err != nil {
		return err
	}

	logger.Info("Match run finished",
		"works", report.Works,
		"matched", report.WorksWithBrief,
		"unmatched", len(report.Unmatched),
		"elapsed", report.Elapsed)
	fmt.Fprintf(out, "Matched %d/%d works, results in %s\n", report.WorksWithBrief, report.Works, outDir)
	return runErr
}
