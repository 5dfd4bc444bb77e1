package workflowcmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/accessioner/internal/snapshot"
)

// NewReportCmd creates the report command
func NewReportCmd() *cobra.Command {
	var resultsDir string

	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Summarise a saved match run",
		Example: `  accessioner report --results ./results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeReport(resultsDir, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&resultsDir, "results", "./results", "Directory containing a match snapshot")
	return cmd
}

func executeReport(resultsDir string, out io.Writer) error {
	format, err := snapshot.DetectFormat(resultsDir)
	if err != nil {
		return err
	}
	brief, full, err := snapshot.Load(resultsDir, format)
	if err != nil {
		return err
	}

	// Works and run details only live in the run report; without it the
	// counts come from the snapshot alone.
	report := snapshot.BuildReport(nil, brief, full)
	saved, err := snapshot.ReadReport(filepath.Join(resultsDir, ReportName))
	switch {
	case err == nil:
		saved.Unmatched = report.Unmatched
		report = saved
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	report.Format = format

	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintln(out, "MATCH RUN REPORT")
	fmt.Fprintln(out, strings.Repeat("=", 60))
	if report.RunID != "" {
		fmt.Fprintf(out, "Run:                  %s\n", report.RunID)
		fmt.Fprintf(out, "Started:              %s (%s, %d workers)\n", report.StartedAt, report.Elapsed, report.Workers)
	}
	fmt.Fprintf(out, "Format:               %s\n", report.Format)
	fmt.Fprintf(out, "Works:                %d\n", report.Works)
	fmt.Fprintf(out, "With brief match:     %d (%s)\n", report.WorksWithBrief, percent(report.WorksWithBrief, report.Works))
	fmt.Fprintf(out, "With full records:    %d (%s)\n", report.WorksWithFull, percent(report.WorksWithFull, report.Works))
	fmt.Fprintf(out, "Brief records total:  %d\n", report.BriefRecordsTotal)
	fmt.Fprintf(out, "Full records total:   %d\n", report.FullRecordsTotal)
	if report.RunID != "" {
		fmt.Fprintf(out, "Without ISBN:         %d\n", report.WorksWithoutISBN)
		fmt.Fprintf(out, "Low confidence:       %d\n", report.LowConfidenceWorks)
	}

	if len(report.SkippedPages) > 0 {
		fmt.Fprintf(out, "\nSkipped pages: %s\n", strings.Join(report.SkippedPages, ", "))
	}

	if len(report.Unmatched) > 0 {
		ids := make([]string, len(report.Unmatched))
		for i, id := range report.Unmatched {
			ids[i] = string(id)
		}
		fmt.Fprintf(out, "\nUnmatched works: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

func percent(n, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}
