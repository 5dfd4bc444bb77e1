package models

import (
	"sort"
	"strconv"
)

// WorkID identifies one catalogued item within a run. It is the page-pair
// ordinal taken from the transcribed page names ("0", "1", ...).
type WorkID string

// SortWorkIDs orders ids by discovery: numeric ordinals ascending, then any
// non-numeric ids lexically.
func SortWorkIDs(ids []WorkID) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.Atoi(string(ids[i]))
		b, bErr := strconv.Atoi(string(ids[j]))
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// Work represents the bibliographic fields extracted from one card
type Work struct {
	ID         WorkID   `json:"work_id" yaml:"work_id"`
	Title      string   `json:"title,omitempty" yaml:"title,omitempty"`
	Author     string   `json:"author,omitempty" yaml:"author,omitempty"`
	ISBN       string   `json:"isbn,omitempty" yaml:"isbn,omitempty"` // digits only, separators stripped
	Shelfmarks []string `json:"shelfmarks,omitempty" yaml:"shelfmarks,omitempty"`

	// LowConfidence is set when the title page had fewer than two lines
	LowConfidence bool `json:"low_confidence,omitempty" yaml:"low_confidence,omitempty"`
}

// QueryItem is the unit of work handed to the matcher
type QueryItem struct {
	WorkID WorkID `json:"work_id"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// QueryItem returns the matcher input for this work
func (w Work) QueryItem() QueryItem {
	return QueryItem{
		WorkID: w.ID,
		Title:  w.Title,
		Author: w.Author,
		ISBN:   w.ISBN,
	}
}

// BriefRecord represents a candidate match from a WorldCat brief-bibs search
type BriefRecord struct {
	OCLCNumber        string   `json:"oclcNumber" parquet:"oclc_number"`
	Title             string   `json:"title,omitempty" parquet:"title"`
	Creator           string   `json:"creator,omitempty" parquet:"creator"`
	Date              string   `json:"date,omitempty" parquet:"date"`
	Language          string   `json:"language,omitempty" parquet:"language"`
	GeneralFormat     string   `json:"generalFormat,omitempty" parquet:"general_format"`
	SpecificFormat    string   `json:"specificFormat,omitempty" parquet:"specific_format"`
	Edition           string   `json:"edition,omitempty" parquet:"edition"`
	Publisher         string   `json:"publisher,omitempty" parquet:"publisher"`
	ISBNs             []string `json:"isbns,omitempty" parquet:"isbns,list"`
	MergedOCLCNumbers []string `json:"mergedOclcNumbers,omitempty" parquet:"merged_oclc_numbers,list"`
}

// BriefResult holds the brief search outcome for one work. Records is empty
// when nothing matched or the search failed.
type BriefResult struct {
	WorkID          WorkID        `json:"work_id"`
	Query           string        `json:"query,omitempty"`
	NumberOfRecords int           `json:"number_of_records"`
	Records         []BriefRecord `json:"records"`
}

// OCLCNumbers returns the identifiers of the brief records in search order
func (r BriefResult) OCLCNumbers() []string {
	numbers := make([]string, 0, len(r.Records))
	for _, rec := range r.Records {
		if rec.OCLCNumber != "" {
			numbers = append(numbers, rec.OCLCNumber)
		}
	}
	return numbers
}

// FullRecord is a complete bibliographic record fetched by OCLC number
type FullRecord struct {
	OCLCNumber string `json:"oclc_number" parquet:"oclc_number"`
	MARCXML    string `json:"marc_xml" parquet:"marc_xml"`
}
