package transkribus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lehigh-university-libraries/accessioner/internal/bibinfo"
	"github.com/lehigh-university-libraries/accessioner/internal/progress"
)

// Manifest is the fulldoc description of a Transkribus document
type Manifest struct {
	MD struct {
		DocID     int    `json:"docId"`
		Title     string `json:"title"`
		NrOfPages int    `json:"nrOfPages"`
	} `json:"md"`
	PageList struct {
		Pages []Page `json:"pages"`
	} `json:"pageList"`
}

type Page struct {
	PageID      int    `json:"pageId"`
	PageNr      int    `json:"pageNr"`
	ImgFileName string `json:"imgFileName"`
	URL         string `json:"url"`
	TsList      struct {
		Transcripts []Transcript `json:"transcripts"`
	} `json:"tsList"`
}

// Transcript is one stored version of a page's recognised text. The first
// entry is the most recent.
type Transcript struct {
	TsID   int    `json:"tsId"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

// PagePlan says where a manifest page is written locally
type PagePlan struct {
	PageNr        int
	Work          int
	Kind          string
	ImageURL      string
	TranscriptURL string
}

// BaseName is the file name without extension, e.g. "3_isbn"
func (p PagePlan) BaseName() string {
	return strconv.Itoa(p.Work) + "_" + p.Kind
}

// PlanPages maps manifest pages onto works. Cards are scanned front then
// back, so pages alternate title and ISBN in manifest order and each pair
// shares the work number (pageNr-1)/2.
func PlanPages(manifest *Manifest) []PagePlan {
	if manifest == nil {
		return nil
	}
	plans := make([]PagePlan, 0, len(manifest.PageList.Pages))
	for i, page := range manifest.PageList.Pages {
		kind := bibinfo.PageTitle
		if i%2 == 1 {
			kind = bibinfo.PageISBN
		}
		plan := PagePlan{
			PageNr:   page.PageNr,
			Work:     (page.PageNr - 1) / 2,
			Kind:     kind,
			ImageURL: page.URL,
		}
		if len(page.TsList.Transcripts) > 0 {
			plan.TranscriptURL = page.TsList.Transcripts[0].URL
		}
		plans = append(plans, plan)
	}
	return plans
}

// DownloadDocument saves every page image and transcript of a document
// under outDir/docID as {work}_{title|isbn}.{jpg,xml}. Pages that fail are
// logged and skipped. Progress lines go to out; nil silences them. It
// returns the number of pages saved.
func (c *Client) DownloadDocument(ctx context.Context, docID int, manifest *Manifest, outDir string, out io.Writer) (int, error) {
	docDir := filepath.Join(outDir, strconv.Itoa(docID))
	if err := os.MkdirAll(docDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create document directory: %w", err)
	}

	plans := PlanPages(manifest)
	tracker := progress.New(len(plans), progress.WithWriter(out), progress.WithUnit("pages downloaded"))
	saved := 0
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		if err := c.downloadPage(ctx, plan, docDir); err != nil {
			slog.Error("Failed to download page", "doc_id", docID, "page_nr", plan.PageNr, "file", plan.BaseName(), "error", err)
			continue
		}
		saved = tracker.Advance(1)
	}

	slog.Info("Downloaded document", "doc_id", docID, "pages", saved, "works", saved/2, "dir", docDir)
	return saved, nil
}

func (c *Client) downloadPage(ctx context.Context, plan PagePlan, dir string) error {
	if plan.ImageURL == "" || plan.TranscriptURL == "" {
		return fmt.Errorf("page %d has no image or transcript URL", plan.PageNr)
	}

	image, err := c.Download(ctx, plan.ImageURL)
	if err != nil {
		return fmt.Errorf("failed to download image: %w", err)
	}
	transcript, err := c.Download(ctx, plan.TranscriptURL)
	if err != nil {
		return fmt.Errorf("failed to download transcript: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, plan.BaseName()+".jpg"), image); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, plan.BaseName()+".xml"), transcript)
}

// writeAtomic writes through a temp file so a reader never sees a partial page
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
