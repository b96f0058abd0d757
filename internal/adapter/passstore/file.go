package passstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"agentflow/internal/domain"
)

// DefaultMaxRecords bounds a store when no limit is configured.
const DefaultMaxRecords = 1000

// FileStore implements domain.PassStore with a single JSON file. Records
// are kept in memory and rewritten atomically on every save; the oldest are
// evicted past maxRecords.
type FileStore struct {
	dir        string
	maxRecords int

	mu      sync.RWMutex
	records []domain.PassRecord // oldest first
}

// NewFileStore opens (or creates) the store in dir.
func NewFileStore(dir string, maxRecords int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.NewDomainError("NewFileStore", domain.ErrStore, fmt.Sprintf("create dir: %v", err))
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	s := &FileStore{dir: dir, maxRecords: maxRecords}
	if err := s.load(); err != nil {
		return nil, domain.NewDomainError("NewFileStore", domain.ErrStore, fmt.Sprintf("load: %v", err))
	}
	return s, nil
}

// SavePass appends rec, replacing an existing record with the same ID.
func (s *FileStore) SavePass(_ context.Context, rec domain.PassRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.records {
		if s.records[i].ID == rec.ID {
			s.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.records = append(s.records, rec)
	}
	if over := len(s.records) - s.maxRecords; over > 0 {
		s.records = append([]domain.PassRecord(nil), s.records[over:]...)
	}

	if err := writeJSON(s.path(), s.records); err != nil {
		return domain.NewDomainError("FileStore.SavePass", domain.ErrStore, err.Error())
	}
	return nil
}

// ListPasses returns up to limit records, newest first. An empty workflow
// matches every workflow; limit <= 0 means no limit.
func (s *FileStore) ListPasses(_ context.Context, workflow string, limit int) ([]domain.PassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PassRecord
	for _, rec := range s.records {
		if workflow == "" || rec.Workflow == workflow {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op; every save is already on disk.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path() string {
	return filepath.Join(s.dir, "passes.json")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var records []domain.PassRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse passes.json: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	if over := len(records) - s.maxRecords; over > 0 {
		records = records[over:]
	}
	s.records = records
	return nil
}

func sortNewestFirst(recs []domain.PassRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
