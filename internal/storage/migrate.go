package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Migrate applies every *.sql file under dir in lexical order. Scripts must be
// idempotent; no version table is kept.
func (s *Store) Migrate(ctx context.Context, dir string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	applied := make([]string, 0, len(files))
	for _, file := range files {
		body, readErr := os.ReadFile(file)
		if readErr != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, readErr)
		}
		if _, execErr := pool.Exec(ctx, string(body)); execErr != nil {
			return applied, fmt.Errorf("apply migration %s: %w", filepath.Base(file), execErr)
		}
		applied = append(applied, filepath.Base(file))
	}
	return applied, nil
}
