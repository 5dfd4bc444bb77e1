package storage

import (
	"sync"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
)

// ResultStore holds the brief and full match results of a run, keyed by work.
type ResultStore struct {
	brief map[models.WorkID]models.BriefResult
	full  map[models.WorkID][]models.FullRecord
	mu    sync.RWMutex
}

func New() *ResultStore {
	return &ResultStore{
		brief: make(map[models.WorkID]models.BriefResult),
		full:  make(map[models.WorkID][]models.FullRecord),
	}
}

// Ensure creates empty brief and full entries for a work if none exist.
func (s *ResultStore) Ensure(id models.WorkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.brief[id]; !ok {
		s.brief[id] = models.BriefResult{WorkID: id, Records: []models.BriefRecord{}}
	}
	if _, ok := s.full[id]; !ok {
		s.full[id] = []models.FullRecord{}
	}
}

func (s *ResultStore) SetBrief(id models.WorkID, result models.BriefResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.WorkID = id
	if result.Records == nil {
		result.Records = []models.BriefRecord{}
	}
	s.brief[id] = result
	if _, ok := s.full[id]; !ok {
		s.full[id] = []models.FullRecord{}
	}
}

// AppendFull appends records to the ordered full-record sequence of a work.
func (s *ResultStore) AppendFull(id models.WorkID, records ...models.FullRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full[id] = append(s.full[id], records...)
}

func (s *ResultStore) Brief(id models.WorkID) (models.BriefResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, exists := s.brief[id]
	return result, exists
}

func (s *ResultStore) Full(id models.WorkID) ([]models.FullRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, exists := s.full[id]
	if !exists {
		return nil, false
	}
	out := make([]models.FullRecord, len(records))
	copy(out, records)
	return out, true
}

// Snapshot returns copies of both maps for serialization.
func (s *ResultStore) Snapshot() (map[models.WorkID]models.BriefResult, map[models.WorkID][]models.FullRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	brief := make(map[models.WorkID]models.BriefResult, len(s.brief))
	for k, v := range s.brief {
		brief[k] = v
	}
	full := make(map[models.WorkID][]models.FullRecord, len(s.full))
	for k, v := range s.full {
		records := make([]models.FullRecord, len(v))
		copy(records, v)
		full[k] = records
	}
	return brief, full
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.brief)
}
