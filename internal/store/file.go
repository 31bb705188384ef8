package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/pavelanni/errortk/internal/model"
)

// SchemaVersion is written to meta.version on every save.
const SchemaVersion = "2"

// legacyVersion is the layout written by the first scraper: no source or
// provenance on items.
const legacyVersion = "1.0"

// ErrNotFound is returned by Load when no document exists yet.
var ErrNotFound = errors.New("store document not found")

// CorruptionError means the document exists but cannot be read.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// SchemaMismatchError means the document was written by an unknown schema.
type SchemaMismatchError struct {
	Path  string
	Found string
	Want  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("store %s has schema version %q, want %q", e.Path, e.Found, e.Want)
}

// FileStore persists a Document as one JSON file in the layout the review
// tool reads: a meta header and one array per source.
type FileStore struct {
	path string
}

// NewFileStore returns a store for the document at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document path.
func (s *FileStore) Path() string { return s.path }

type fileMeta struct {
	LastSync *string `json:"last_sync"`
	Version  string  `json:"version"`
}

type fileDocument struct {
	Meta       *fileMeta          `json:"meta"`
	Simulation []*model.ErrorItem `json:"simulation"`
	Real       []*model.ErrorItem `json:"real"`
	Famous     []*model.ErrorItem `json:"famous"`
}

func (d *fileDocument) bucket(st model.SourceType) *[]*model.ErrorItem {
	switch st {
	case model.SourceSimulation:
		return &d.Simulation
	case model.SourceRealExam:
		return &d.Real
	default:
		return &d.Famous
	}
}

// Load reads the document. It returns ErrNotFound when the file does not
// exist, *CorruptionError when it cannot be decoded and *SchemaMismatchError
// for versions it does not know how to upgrade.
func (s *FileStore) Load() (*model.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &CorruptionError{Path: s.path, Err: errors.New("empty file")}
	}

	var raw fileDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}
	if raw.Meta == nil {
		if raw.Simulation == nil && raw.Real == nil && raw.Famous == nil {
			return nil, &CorruptionError{Path: s.path, Err: errors.New("no meta header and no source arrays")}
		}
		raw.Meta = &fileMeta{}
	}

	switch raw.Meta.Version {
	case SchemaVersion:
	case legacyVersion, "":
		slog.Info("upgrading store document", "path", s.path, "from", raw.Meta.Version, "to", SchemaVersion)
	default:
		return nil, &SchemaMismatchError{Path: s.path, Found: raw.Meta.Version, Want: SchemaVersion}
	}

	doc := model.NewDocument()
	doc.Meta.Version = SchemaVersion
	if raw.Meta.LastSync != nil {
		if t, err := time.Parse(time.RFC3339, *raw.Meta.LastSync); err == nil {
			doc.Meta.LastSync = &t
		} else {
			slog.Warn("ignoring unparsable last_sync", "value", *raw.Meta.LastSync)
		}
	}

	for _, st := range model.AllSources {
		for _, it := range *raw.bucket(st) {
			if it == nil {
				continue
			}
			// The bucket is authoritative; legacy items carry no source at all.
			it.Source = st
			if it.UserStatus == "" {
				it.UserStatus = model.StatusNew
			}
			if doc.Has(it.Key()) {
				slog.Warn("duplicate item in store, keeping the later one", "key", it.Key().String())
			}
			doc.Items[it.Key()] = it
		}
	}
	return doc, nil
}

// Save writes doc atomically: the new content goes to a temporary file in the
// same directory which is then renamed over the old document. syncedAt is
// recorded as meta.last_sync. Items are written sorted by id so that equal
// documents produce equal bytes.
func (s *FileStore) Save(doc *model.Document, syncedAt time.Time) error {
	synced := syncedAt.UTC().Truncate(time.Second)
	doc.Meta.LastSync = &synced
	doc.Meta.Version = SchemaVersion

	ts := synced.Format(time.RFC3339)
	out := fileDocument{
		Meta:       &fileMeta{LastSync: &ts, Version: SchemaVersion},
		Simulation: []*model.ErrorItem{},
		Real:       []*model.ErrorItem{},
		Famous:     []*model.ErrorItem{},
	}
	for _, it := range doc.Items {
		b := out.bucket(it.Source)
		*b = append(*b, it)
	}
	for _, st := range model.AllSources {
		items := *out.bucket(st)
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	return writeFileAtomic(s.path, buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// ErrLocked is returned by Lock when another run holds the document.
var ErrLocked = errors.New("store is locked by another sync run")

func (s *FileStore) lockPath() string { return s.path + ".lock" }

// Lock takes the run-level write lock for the document. The lock is an OS
// file lock on <path>.lock, so it is dropped by the kernel if the holder
// dies. The returned func releases it.
func (s *FileStore) Lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	fl := flock.New(s.lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl.Unlock, nil
}

// Locked reports whether a sync run currently holds the document lock.
func (s *FileStore) Locked() bool {
	if _, err := os.Stat(s.lockPath()); err != nil {
		return false
	}
	fl := flock.New(s.lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		slog.Warn("check store lock", "path", s.lockPath(), "error", err)
		return false
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}
