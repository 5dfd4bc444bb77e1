package workflowcmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/accessioner/internal/config"
)

// NewAuthCmd creates the htr auth command for checking Transkribus credentials
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Verify Transkribus credentials",
		Long: `Log in to Transkribus with the configured username and password.

Credentials are read from TKB_USERNAME and TKB_PASSWORD (or a .env file).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer done()

			return executeAuth(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func executeAuth(ctx context.Context, cfg *config.Config, out io.Writer) error {
	_, token, err := newTranskribusClient(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Authenticated with Transkribus as %s (token valid for %ds)\n", cfg.Transkribus.Username, token.ExpiresIn)
	return nil
}

// NewRecogniseCmd creates the htr recognise command
func NewRecogniseCmd() *cobra.Command {
	var docID int
	var pages string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "recognise",
		Short: "Start handwritten text recognition for a document",
		Long: `Queue a PyLaia recognition job for a Transkribus document and report its
status once after --wait. Use "htr status" to check on it later.`,
		Example: `  # Recognise every page of document 1234 in collection 99
  accessioner htr recognise --collection 99 --doc 1234 --model 51170

  # Recognise the first four pages only
  accessioner htr recognise --collection 99 --doc 1234 --model 51170 --pages 1-4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, map[string]string{
				"transkribus.collection_id": "collection",
				"transkribus.model_id":      "model",
			})
			if err != nil {
				return err
			}
			defer done()

			if cfg.Transkribus.CollectionID == 0 || cfg.Transkribus.ModelID == 0 {
				return fmt.Errorf("--collection and --model are required")
			}
			return executeRecognise(cmd.Context(), cfg, docID, pages, wait, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int("collection", 0, "Transkribus collection ID")
	cmd.Flags().Int("model", 0, "HTR model ID")
	cmd.Flags().IntVar(&docID, "doc", 0, "Transkribus document ID (required)")
	cmd.Flags().StringVar(&pages, "pages", "all", "Pages to recognise, e.g. 1-4,7")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait before checking the job status")

	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func executeRecognise(ctx context.Context, cfg *config.Config, docID int, pages string, wait time.Duration, out io.Writer) error {
	client, _, err := newTranskribusClient(ctx, cfg)
	if err != nil {
		return err
	}

	job, err := client.StartRecognition(ctx, cfg.Transkribus.CollectionID, docID, cfg.Transkribus.ModelID, pages)
	if err != nil {
		return err
	}
	slog.Info("Started recognition", "job_id", job.JobID, "doc_id", docID, "model_id", cfg.Transkribus.ModelID)
	fmt.Fprintf(out, "Started recognition job %s\n", job.JobID)

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	status, err := client.JobStatus(ctx, job.JobID)
	if err != nil {
		return err
	}
	printJobStatus(out, status.JobID, status.State, status.Progress, status.TotalWork, status.Description)
	return nil
}

// NewStatusCmd creates the htr status command
func NewStatusCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a recognition job once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer done()

			return executeStatus(cmd.Context(), cfg, jobID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Recognition job ID (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func executeStatus(ctx context.Context, cfg *config.Config, jobID string, out io.Writer) error {
	client, _, err := newTranskribusClient(ctx, cfg)
	if err != nil {
		return err
	}
	status, err := client.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	printJobStatus(out, status.JobID, status.State, status.Progress, status.TotalWork, status.Description)
	return nil
}

func printJobStatus(out io.Writer, jobID, state string, done, total int, description string) {
	fmt.Fprintf(out, "Job %s: %s (%d/%d)", jobID, state, done, total)
	if description != "" {
		fmt.Fprintf(out, " %s", description)
	}
	fmt.Fprintln(out)
}

// NewDownloadCmd creates the htr download command
func NewDownloadCmd() *cobra.Command {
	var docID int
	var outDir string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download page images and PAGE XML for a document",
		Long: `Download every page image and transcript of a Transkribus document.

Pages alternate between the title side and the ISBN side of each card, so
files are saved as {work}_title and {work}_isbn under <out>/<doc>.`,
		Example: `  accessioner htr download --collection 99 --doc 1234 --out ./pages`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := setup(cmd, map[string]string{
				"transkribus.collection_id": "collection",
			})
			if err != nil {
				return err
			}
			defer done()

			if cfg.Transkribus.CollectionID == 0 {
				return fmt.Errorf("--collection is required")
			}
			return executeDownload(cmd.Context(), cfg, docID, outDir, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int("collection", 0, "Transkribus collection ID")
	cmd.Flags().IntVar(&docID, "doc", 0, "Transkribus document ID (required)")
	cmd.Flags().StringVar(&outDir, "out", "./pages", "Output directory")

	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func executeDownload(ctx context.Context, cfg *config.Config, docID int, outDir string, out io.Writer) error {
	client, _, err := newTranskribusClient(ctx, cfg)
	if err != nil {
		return err
	}

	manifest, err := client.DocumentManifest(ctx, cfg.Transkribus.CollectionID, docID)
	if err != nil {
		return err
	}

	saved, err := client.DownloadDocument(ctx, docID, manifest, outDir, out)
	if err != nil {
		return fmt.Errorf("failed to download document %d: %w", docID, err)
	}
	fmt.Fprintf(out, "Downloaded %d of %d pages to %s\n", saved, len(manifest.PageList.Pages), outDir)
	return nil
}
