// Package state persists per-entity extraction bookmarks between runs.
// A missing or unknown entity entry means the next run performs a full
// initial extraction for that entity.
package state

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
)

// Bookmark records how far one entity has been extracted.
type Bookmark struct {
	// ReplicationKey is the field the bookmark value belongs to
	ReplicationKey string `json:"replication_key"`
	// Value is the highest (incremental) or lowest (full table)
	// replication key value confirmed written to the sink
	Value interface{} `json:"replication_key_value"`
	// LastSyncedAt is when the bookmark last advanced
	LastSyncedAt time.Time `json:"last_sync_timestamp"`
}

// File is the persisted state layout.
type File struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// NewFile returns an empty state file.
func NewFile() *File {
	return &File{Bookmarks: make(map[string]Bookmark)}
}

// Get returns the bookmark for an entity.
func (f *File) Get(entity string) (Bookmark, bool) {
	bm, ok := f.Bookmarks[entity]
	return bm, ok
}

// Set stores the bookmark for an entity.
func (f *File) Set(entity string, bm Bookmark) {
	f.Bookmarks[entity] = bm
}

// Store loads and saves state files. Saves are atomic: the new content
// lands in a temp file that is renamed over the previous state, so a
// crash mid-write never corrupts the last confirmed bookmarks.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logger.Get().With(zap.String("component", "state_store")),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file is normal empty state, not
// an error. Numeric bookmark values decode as json.Number, matching how
// extracted records carry numbers.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no prior state file, starting fresh", zap.String("path", s.path))
			return NewFile(), nil
		}
		return nil, errors.Wrap(err, errors.ClassConfig, "failed to read state file").
			WithDetail("path", s.path)
	}

	file := NewFile()
	dec := jsonpool.GetDecoder(bytes.NewReader(data))
	defer jsonpool.PutDecoder(dec)
	if err := dec.Decode(file); err != nil {
		return nil, errors.Wrap(err, errors.ClassDataValidation, "failed to parse state file").
			WithDetail("path", s.path)
	}
	if file.Bookmarks == nil {
		file.Bookmarks = make(map[string]Bookmark)
	}

	s.logger.Debug("state loaded",
		zap.String("path", s.path),
		zap.Int("entities", len(file.Bookmarks)))
	return file, nil
}

// Save writes the state file atomically.
func (s *Store) Save(file *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := jsonpool.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to create state directory").
			WithDetail("path", dir)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to create temp state file").
			WithDetail("path", dir)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ClassConfig, "failed to write state file").
			WithDetail("path", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ClassConfig, "failed to close state file").
			WithDetail("path", tmpPath)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ClassConfig, "failed to replace state file").
			WithDetail("path", s.path)
	}

	metrics.StateSaves.Inc()
	s.logger.Debug("state saved",
		zap.String("path", s.path),
		zap.Int("entities", len(file.Bookmarks)))
	return nil
}
