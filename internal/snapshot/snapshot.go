package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
)

// Format selects the on-disk encoding of a snapshot
type Format string

const (
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

const (
	briefName = "brief_bibs"
	fullName  = "full_bibs"
)

// ParseFormat validates a user-supplied format name
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported snapshot format: %s", s)
	}
}

// Paths returns the brief and full artifact paths for a format
func Paths(dir string, format Format) (brief, full string) {
	return filepath.Join(dir, briefName+"."+string(format)), filepath.Join(dir, fullName+"."+string(format))
}

// DetectFormat reports which snapshot format is present in dir
func DetectFormat(dir string) (Format, error) {
	for _, format := range []Format{FormatJSON, FormatParquet} {
		brief, _ := Paths(dir, format)
		if _, err := os.Stat(brief); err == nil {
			return format, nil
		}
	}
	return "", fmt.Errorf("no snapshot found in %s", dir)
}

// Save writes the brief and full result maps to dir
func Save(dir string, format Format, brief map[models.WorkID]models.BriefResult, full map[models.WorkID][]models.FullRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	briefPath, fullPath := Paths(dir, format)

	switch format {
	case FormatJSON:
		if err := writeJSON(briefPath, brief); err != nil {
			return err
		}
		if err := writeJSON(fullPath, full); err != nil {
			return err
		}
	case FormatParquet:
		if err := writeParquet(briefPath, briefRows(brief)); err != nil {
			return err
		}
		if err := writeParquet(fullPath, fullRows(full)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported snapshot format: %s", format)
	}

	slog.Info("Saved snapshot", "format", format, "brief", briefPath, "full", fullPath, "works", len(brief))
	return nil
}

// Load reads a snapshot written by Save
func Load(dir string, format Format) (map[models.WorkID]models.BriefResult, map[models.WorkID][]models.FullRecord, error) {
	briefPath, fullPath := Paths(dir, format)

	brief := make(map[models.WorkID]models.BriefResult)
	full := make(map[models.WorkID][]models.FullRecord)

	switch format {
	case FormatJSON:
		if err := readJSON(briefPath, &brief); err != nil {
			return nil, nil, err
		}
		if err := readJSON(fullPath, &full); err != nil {
			return nil, nil, err
		}
	case FormatParquet:
		bRows, err := readParquet[briefRow](briefPath)
		if err != nil {
			return nil, nil, err
		}
		for _, row := range bRows {
			brief[models.WorkID(row.WorkID)] = row.result()
		}
		fRows, err := readParquet[fullRow](fullPath)
		if err != nil {
			return nil, nil, err
		}
		for _, row := range fRows {
			full[models.WorkID(row.WorkID)] = row.records()
		}
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot format: %s", format)
	}

	normalise(brief, full)
	return brief, full, nil
}

// normalise gives every work a non-nil record slice and drops empty
// identifier lists, so entries compare equal however they were decoded.
func normalise(brief map[models.WorkID]models.BriefResult, full map[models.WorkID][]models.FullRecord) {
	for id, result := range brief {
		if len(result.Records) == 0 {
			result.Records = []models.BriefRecord{}
		}
		for i := range result.Records {
			if len(result.Records[i].ISBNs) == 0 {
				result.Records[i].ISBNs = nil
			}
			if len(result.Records[i].MergedOCLCNumbers) == 0 {
				result.Records[i].MergedOCLCNumbers = nil
			}
		}
		result.WorkID = id
		brief[id] = result
	}
	for id, records := range full {
		if len(records) == 0 {
			full[id] = []models.FullRecord{}
		}
	}
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

type briefRow struct {
	WorkID          string               `parquet:"work_id"`
	Query           string               `parquet:"query"`
	NumberOfRecords int64                `parquet:"number_of_records"`
	Records         []models.BriefRecord `parquet:"records,list"`
}

func (r briefRow) result() models.BriefResult {
	return models.BriefResult{
		WorkID:          models.WorkID(r.WorkID),
		Query:           r.Query,
		NumberOfRecords: int(r.NumberOfRecords),
		Records:         r.Records,
	}
}

type fullRow struct {
	WorkID  string              `parquet:"work_id"`
	Records []models.FullRecord `parquet:"records,list"`
}

func (r fullRow) records() []models.FullRecord {
	return r.Records
}

func briefRows(brief map[models.WorkID]models.BriefResult) []briefRow {
	rows := make([]briefRow, 0, len(brief))
	for _, id := range sortedKeys(brief) {
		result := brief[id]
		rows = append(rows, briefRow{
			WorkID:          string(id),
			Query:           result.Query,
			NumberOfRecords: int64(result.NumberOfRecords),
			Records:         result.Records,
		})
	}
	return rows
}

func fullRows(full map[models.WorkID][]models.FullRecord) []fullRow {
	rows := make([]fullRow, 0, len(full))
	for _, id := range sortedKeys(full) {
		rows = append(rows, fullRow{WorkID: string(id), Records: full[id]})
	}
	return rows
}

func sortedKeys[V any](m map[models.WorkID]V) []models.WorkID {
	ids := make([]models.WorkID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	models.SortWorkIDs(ids)
	return ids
}

func writeParquet[T any](path string, rows []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[T](file)
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write parquet rows to %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish parquet file %s: %w", path, err)
	}
	return nil
}

func readParquet[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[T](pf)
	defer reader.Close()

	var out []T
	for {
		rows := make([]T, 128)
		n, err := reader.Read(rows)
		out = append(out, rows[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows from %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}

	slog.Debug("Read parquet file", "path", path, "rows", len(out))
	return out, nil
}
