package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aatumaykin/cronhost/internal/constants"
)

var errNotARecord = errors.New("job input is not a structured record")

// ResolveStorePath expands a store path to an absolute location. A leading
// "~" expands against the host home override environment variable when set,
// then the user home directory.
func ResolveStorePath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" {
		path = filepath.Join(constants.DefaultWorkspaceDir, constants.CronSubdirectory, constants.CronJobsFile)
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := os.Getenv(constants.HomeEnvVar)
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		if home != "" {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Store persists the versioned job document at a fixed path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: ResolveStorePath(path)}
}

func (s *Store) Path() string {
	return s.path
}

// rawStoreFile is the on-disk shape before per-job schema migration.
type rawStoreFile struct {
	Version int              `json:"version"`
	Jobs    []map[string]any `json:"jobs"`
}

// Load reads and migrates the persisted job list. A missing file yields an
// empty store. Unmigratable job records are dropped; their count is
// reported so the caller can log it.
func (s *Store) Load() (*StoreFile, int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StoreFile{Version: constants.CronStoreVersion}, 0, nil
		}
		return nil, 0, fmt.Errorf("read job store %s: %w", s.path, err)
	}

	var raw rawStoreFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("parse job store %s: %w", s.path, err)
	}

	file := &StoreFile{Version: constants.CronStoreVersion, Jobs: make([]*Job, 0, len(raw.Jobs))}
	dropped := 0
	for _, rec := range raw.Jobs {
		job, err := migrateStoredJob(rec)
		if err != nil || job.ID == "" {
			dropped++
			continue
		}
		file.Jobs = append(file.Jobs, job)
	}
	return file, dropped, nil
}

// Save atomically rewrites the store: write to a temp file in the same
// directory, fsync, then rename over the target.
func (s *Store) Save(file *StoreFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, constants.CronJobsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace job store %s: %w", s.path, err)
	}
	return nil
}
