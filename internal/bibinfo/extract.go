package bibinfo

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/pagexml"
)

// Page kinds encoded in transcribed page names ({ordinal}_{kind})
const (
	PageTitle = "title"
	PageISBN  = "isbn"
)

var isbnPattern = regexp.MustCompile(`ISBN\s([0-9\-\s.]+)`)

// CleanISBN removes hyphens, whitespace and periods from an ISBN
func CleanISBN(isbn string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, isbn)
}

// FindISBN returns the first ISBN found scanning lines top to bottom
func FindISBN(lines []string) (string, bool) {
	for _, line := range lines {
		match := isbnPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if isbn := CleanISBN(match[1]); isbn != "" {
			return isbn, true
		}
	}
	return "", false
}

// SplitTitleAuthor applies the title page convention: the last line is the
// author and everything above it is the title. Fewer than two lines yields
// nothing.
func SplitTitleAuthor(lines []string) (title, author string, ok bool) {
	if len(lines) < 2 {
		return "", "", false
	}
	return strings.Join(lines[:len(lines)-1], " "), lines[len(lines)-1], true
}

// ParsePageName splits a page name like "12_isbn.xml" into its work ordinal
// and page kind.
func ParsePageName(name string) (models.WorkID, string, bool) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}
	return models.WorkID(base[:idx]), strings.ToLower(base[idx+1:]), true
}

// ExtractBibInfo turns transcribed page lines into one Work per page pair.
// Missing fields are not errors: a work with only an ISBN or only a title
// page is still returned.
func ExtractBibInfo(pageLines map[string][]string) map[models.WorkID]models.Work {
	works := make(map[models.WorkID]models.Work)

	// Visit pages in a fixed order so log output is stable between runs.
	names := make([]string, 0, len(pageLines))
	for name := range pageLines {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		id, kind, ok := ParsePageName(name)
		if !ok {
			slog.Debug("Skipping page with unrecognised name", "page", name)
			continue
		}

		lines := nonEmpty(pageLines[name])
		work, exists := works[id]
		if !exists {
			work = models.Work{ID: id}
		}

		switch kind {
		case PageISBN:
			if isbn, found := FindISBN(lines); found {
				work.ISBN = isbn
			} else {
				slog.Debug("No ISBN found on page", "page", name, "work_id", id)
			}
		case PageTitle:
			if title, author, found := SplitTitleAuthor(lines); found {
				work.Title = title
				work.Author = author
			} else {
				work.LowConfidence = true
				slog.Warn("Title page has too few lines for title and author", "page", name, "work_id", id, "lines", len(lines))
			}
		default:
			slog.Debug("Skipping page of unknown kind", "page", name, "kind", kind)
			continue
		}

		works[id] = work
	}

	return works
}

// FromLabelled builds a work from a card whose regions were tagged during
// transcription. Multiple title or author regions are joined with a space.
func FromLabelled(id models.WorkID, card pagexml.LabelledCard) models.Work {
	work := models.Work{
		ID:         id,
		Title:      strings.Join(card.Titles, " "),
		Author:     strings.Join(card.Authors, " "),
		Shelfmarks: card.Shelfmarks,
	}
	if work.Title == "" && work.Author == "" {
		work.LowConfidence = true
	}
	return work
}

// Merge overlays labelled fields onto positional ones. Tagged regions are
// more reliable than line position, so labelled values win where set.
func Merge(positional, labelled models.Work) models.Work {
	out := positional
	if labelled.Title != "" {
		out.Title = labelled.Title
	}
	if labelled.Author != "" {
		out.Author = labelled.Author
	}
	if out.Title != "" && out.Author != "" {
		out.LowConfidence = false
	}
	out.Shelfmarks = append(out.Shelfmarks, labelled.Shelfmarks...)
	return out
}

// LoadWorks reads every page in dir and extracts one work per page pair.
// Pages that could not be read are returned alongside the works.
func LoadWorks(dir string) (map[models.WorkID]models.Work, []pagexml.PageError, error) {
	pages, skipped, err := pagexml.LoadDir(dir)
	if err != nil {
		return nil, skipped, err
	}
	return FromPages(pages), skipped, nil
}

// FromPages extracts works from loaded pages, folding in any
// structure-tagged regions found on them.
func FromPages(pages map[string]pagexml.Page) map[models.WorkID]models.Work {
	works := ExtractBibInfo(pagexml.Lines(pages))

	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		labels := pages[name].Labels
		if len(labels.Titles) == 0 && len(labels.Authors) == 0 && len(labels.Shelfmarks) == 0 {
			continue
		}
		id, _, ok := ParsePageName(name)
		if !ok {
			continue
		}
		work, exists := works[id]
		if !exists {
			work = models.Work{ID: id}
		}
		works[id] = Merge(work, FromLabelled(id, labels))
	}

	slog.Info("Extracted bibliographic info", "pages", len(pages), "works", len(works))
	return works
}

// SortedIDs returns work ids in discovery order
func SortedIDs(works map[models.WorkID]models.Work) []models.WorkID {
	ids := make([]models.WorkID, 0, len(works))
	for id := range works {
		ids = append(ids, id)
	}
	models.SortWorkIDs(ids)
	return ids
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
