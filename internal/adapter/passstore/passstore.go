// Package passstore keeps the history of workflow passes for operators.
package passstore

import (
	"fmt"
	"os"
	"path/filepath"

	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
)

// New opens the store selected by cfg. Backend "none" returns nil.
func New(cfg config.StoreConfig) (domain.PassStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		s, err := NewFileStore(cfg.Path, cfg.MaxRecords)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		path := cfg.Path
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, "passes.db")
		} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, domain.NewDomainError("passstore.New", domain.ErrStore, fmt.Sprintf("create dir: %v", err))
		}
		s, err := NewSQLiteStore(path, cfg.MaxRecords)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, domain.NewDomainError("passstore.New", domain.ErrConfiguration,
			fmt.Sprintf("unknown store backend %q", cfg.Backend))
	}
}
