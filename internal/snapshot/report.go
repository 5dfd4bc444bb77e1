package snapshot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
)

// Report summarises a matching run for operators and review tooling
type Report struct {
	RunID     string `yaml:"run_id"`
	StartedAt string `yaml:"started_at,omitempty"`
	Elapsed   string `yaml:"elapsed,omitempty"`
	Workers   int    `yaml:"workers,omitempty"`
	Format    Format `yaml:"format,omitempty"`

	Works              int `yaml:"works"`
	WorksWithBrief     int `yaml:"works_with_brief_match"`
	WorksWithFull      int `yaml:"works_with_full_records"`
	WorksWithoutISBN   int `yaml:"works_without_isbn"`
	BriefRecordsTotal  int `yaml:"brief_records_total"`
	FullRecordsTotal   int `yaml:"full_records_total"`
	LowConfidenceWorks int `yaml:"low_confidence_works"`

	// Unmatched lists works with no brief candidates, for manual follow-up
	Unmatched  []models.WorkID            `yaml:"unmatched,omitempty"`
	Shelfmarks map[models.WorkID][]string `yaml:"shelfmarks,omitempty"`

	// SkippedPages are transcriptions that could not be read
	SkippedPages []string `yaml:"skipped_pages,omitempty"`
}

// BuildReport counts results per work. works may be nil when only a saved
// snapshot is available.
func BuildReport(works map[models.WorkID]models.Work, brief map[models.WorkID]models.BriefResult, full map[models.WorkID][]models.FullRecord) Report {
	ids := make(map[models.WorkID]struct{}, len(brief))
	for id := range works {
		ids[id] = struct{}{}
	}
	for id := range brief {
		ids[id] = struct{}{}
	}
	for id := range full {
		ids[id] = struct{}{}
	}

	report := Report{Works: len(ids)}
	for id := range ids {
		if n := len(brief[id].Records); n > 0 {
			report.WorksWithBrief++
			report.BriefRecordsTotal += n
		} else {
			report.Unmatched = append(report.Unmatched, id)
		}
		if n := len(full[id]); n > 0 {
			report.WorksWithFull++
			report.FullRecordsTotal += n
		}

		work, ok := works[id]
		if !ok {
			continue
		}
		if work.ISBN == "" {
			report.WorksWithoutISBN++
		}
		if work.LowConfidence {
			report.LowConfidenceWorks++
		}
		if len(work.Shelfmarks) > 0 {
			if report.Shelfmarks == nil {
				report.Shelfmarks = make(map[models.WorkID][]string)
			}
			report.Shelfmarks[id] = work.Shelfmarks
		}
	}
	models.SortWorkIDs(report.Unmatched)

	return report
}

// WriteReport saves the report as YAML
func WriteReport(path string, report Report) error {
	data, err := yaml.Marshal(&report)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport
func ReadReport(path string) (Report, error) {
	var report Report
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("failed to read report: %w", err)
	}
	if err := yaml.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("failed to parse report: %w", err)
	}
	return report, nil
}
