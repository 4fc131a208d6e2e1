// Package storage persists uploaded and generated artifacts in flat per-category
// directories. Every stored name carries a fresh uuid prefix, so concurrent writers
// never target the same file and no locking is needed.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("artifact not found")
	ErrUnknownCategory = errors.New("unknown artifact category")
)

type Category string

const (
	CategoryUpload Category = "uploads"
	CategoryResult Category = "results"
)

// Record describes one persisted artifact.
type Record struct {
	ID        string
	Name      string
	Path      string
	Category  Category
	Size      int64
	CreatedAt time.Time
}

type Store struct {
	dirs  map[Category]string
	newID func() string
	now   func() time.Time
}

// New creates the category directories if they are missing.
func New(uploadDir, resultDir string) (*Store, error) {
	dirs := map[Category]string{
		CategoryUpload: filepath.Clean(uploadDir),
		CategoryResult: filepath.Clean(resultDir),
	}
	for cat, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", cat, err)
		}
	}
	return &Store{
		dirs:  dirs,
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}, nil
}

// Dir returns the directory backing a category.
func (s *Store) Dir(cat Category) (string, error) {
	dir, ok := s.dirs[cat]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	return dir, nil
}

// Persist writes data under "{id}_{originalName}" in the category directory.
func (s *Store) Persist(data []byte, originalName string, cat Category) (Record, error) {
	dir, err := s.Dir(cat)
	if err != nil {
		return Record{}, err
	}

	id := s.newID()
	name := id + "_" + sanitizeName(originalName)
	path := filepath.Join(dir, name)

	// O_EXCL turns an id collision into an error instead of a silent overwrite.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("create artifact %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return Record{}, fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Record{}, fmt.Errorf("close artifact %s: %w", name, err)
	}

	return Record{
		ID:        id,
		Name:      name,
		Path:      path,
		Category:  cat,
		Size:      int64(len(data)),
		CreatedAt: s.now(),
	}, nil
}

// Open looks an artifact up by its exact stored name.
func (s *Store) Open(cat Category, name string) (*os.File, fs.FileInfo, error) {
	dir, err := s.Dir(cat)
	if err != nil {
		return nil, nil, err
	}
	if !validName(name) {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Sweep removes artifacts in every category whose modification time is older
// than maxAge. A zero maxAge disables expiry.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)

	removed := 0
	var errs []error
	for cat, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", cat, err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// removed concurrently
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s/%s: %w", cat, e.Name(), err))
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "artifact"
	}
	return name
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
