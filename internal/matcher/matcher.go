package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/queue"
	"github.com/lehigh-university-libraries/accessioner/internal/storage"
	"github.com/lehigh-university-libraries/accessioner/internal/worldcat"
)

// DefaultWorkers is the number of concurrent lookups when none is configured
const DefaultWorkers = 50

// ErrEmptyQueue is returned when Run is given nothing to match
var ErrEmptyQueue = errors.New("no works to match")

// Catalog is the bibliographic search service the matcher resolves works against
type Catalog interface {
	SearchBrief(ctx context.Context, query string) (models.BriefResult, error)
	FetchFull(ctx context.Context, oclcNumber string) (models.FullRecord, error)
}

// Advancer receives one advance per finished work
type Advancer interface {
	Advance(n int) int
}

type Options struct {
	Workers  int
	Logger   *slog.Logger
	Progress Advancer
	// RunID is attached to milestone log lines
	RunID string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Matcher drains a work queue through a fixed pool of workers, storing brief
// and full results for every work it sees.
type Matcher struct {
	catalog Catalog
	opts    Options
}

func New(catalog Catalog, opts Options) *Matcher {
	return &Matcher{
		catalog: catalog,
		opts:    opts.withDefaults(),
	}
}

// BuildQuery turns a work's fields into a WorldCat search expression. ISBN
// takes precedence; otherwise title and author terms are combined. It
// returns "" when the work has nothing to search on.
func BuildQuery(item models.QueryItem) string {
	if isbn := strings.TrimSpace(item.ISBN); isbn != "" {
		return "bn:" + isbn
	}

	var terms []string
	if title := quoteTerm(item.Title); title != "" {
		terms = append(terms, "ti:"+title)
	}
	if author := quoteTerm(item.Author); author != "" {
		terms = append(terms, "au:"+author)
	}
	return strings.Join(terms, " AND ")
}

func quoteTerm(s string) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, `"`, "")), " ")
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}

// Run processes every item in q and blocks until all of them have been
// marked done. Workers are cancelled only after that barrier is reached.
func (m *Matcher) Run(ctx context.Context, q *queue.WorkQueue[models.QueryItem], store *storage.ResultStore) error {
	logger := m.opts.Logger.With("run_id", m.opts.RunID)

	pending := q.Pending()
	if len(pending) == 0 && q.Unfinished() == 0 {
		return ErrEmptyQueue
	}
	for _, item := range pending {
		store.Ensure(item.WorkID)
	}

	start := time.Now()
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(workCtx)
	for i := 0; i < m.opts.Workers; i++ {
		workerID := i
		g.Go(func() error {
			m.worker(gCtx, workerID, q, store, logger)
			return nil
		})
	}

	logger.Info("Queue joined", "works", len(pending), "workers", m.opts.Workers)
	joinErr := q.Join(ctx)
	if joinErr == nil {
		logger.Info("Queue complete", "elapsed", time.Since(start).Round(time.Millisecond).String(), "works", store.Len())
	}

	cancel()
	_ = g.Wait()

	if joinErr != nil {
		return fmt.Errorf("matching interrupted: %w", joinErr)
	}
	return nil
}

func (m *Matcher) worker(ctx context.Context, workerID int, q *queue.WorkQueue[models.QueryItem], store *storage.ResultStore, logger *slog.Logger) {
	for {
		item, err := q.Dequeue(ctx)
		if err != nil {
			logger.Debug("Worker stopping", "worker", workerID, "reason", err)
			return
		}
		m.process(ctx, workerID, item, q, store, logger)
	}
}

// process looks up a single work. Whatever happens, the item is advanced and
// marked done exactly once.
func (m *Matcher) process(ctx context.Context, workerID int, item models.QueryItem, q *queue.WorkQueue[models.QueryItem], store *storage.ResultStore, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker recovered from panic", "worker", workerID, "work_id", item.WorkID, "panic", r)
		}
		if m.opts.Progress != nil {
			m.opts.Progress.Advance(1)
		}
		q.Done()
	}()

	store.Ensure(item.WorkID)

	query := BuildQuery(item)
	if query == "" {
		logger.Warn("Work has no search terms", "work_id", item.WorkID)
		return
	}

	brief, err := m.catalog.SearchBrief(ctx, query)
	if err != nil {
		logCallError(logger, item.WorkID, "brief-bibs", err, "query", query)
		store.SetBrief(item.WorkID, models.BriefResult{Query: query})
		return
	}
	store.SetBrief(item.WorkID, brief)

	// Collected first so the stored order follows the brief results
	var records []models.FullRecord
	for _, oclcNumber := range brief.OCLCNumbers() {
		record, err := m.catalog.FetchFull(ctx, oclcNumber)
		if err != nil {
			logCallError(logger, item.WorkID, "manage-bibs", err, "oclc_number", oclcNumber)
			continue
		}
		records = append(records, record)
	}
	if len(records) > 0 {
		store.AppendFull(item.WorkID, records...)
	}

	logger.Debug("Matched work",
		"work_id", item.WorkID,
		"query", query,
		"brief_records", len(brief.Records),
		"full_records", len(records))
}

func logCallError(logger *slog.Logger, id models.WorkID, call string, err error, args ...any) {
	status := 0
	var statusErr *worldcat.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}
	attrs := append([]any{"work_id", id, "call", call, "status", status, "error", err}, args...)
	logger.Error("Catalog call failed", attrs...)
}
