// Package calstore persists calibration arrays (offset, scaling) as named
// binary files. A save never overwrites in place: an existing file is first
// moved aside to the smallest unused numbered name (offset_1.cal, ...).
package calstore

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/fsutil"
)

// Extension is appended to every stored array name.
const Extension = ".cal"

// ErrNotFound is returned by Load when no file exists under the name.
var ErrNotFound = errors.New("calibration file not found")

// Store reads and writes calibration arrays below a directory.
type Store struct {
	fs  fsutil.FileSystem
	dir string
}

// New returns a store rooted at dir. A nil fs uses the real filesystem.
func New(fs fsutil.FileSystem, dir string) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Store{fs: fs, dir: dir}
}

// Path returns the file path used for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name) + Extension
}

type record struct {
	Shape []int
	Data  []float64
}

// Save writes f under name and returns the path written. An existing file
// under that name is renamed away first.
func (s *Store) Save(name string, f frame.Frame) (string, error) {
	blob, err := encode(f)
	if err != nil {
		return "", err
	}

	path := s.Path(name)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create calibration dir: %w", err)
	}
	if s.fs.Exists(path) {
		backup := fsutil.NextNumberedName(s.fs, filepath.Join(s.dir, name), Extension)
		if err := s.fs.Rename(path, backup); err != nil {
			return "", fmt.Errorf("failed to move %s aside: %w", path, err)
		}
	}
	if err := s.fs.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Load reads the array stored under name. It returns ErrNotFound when the
// file is absent.
func (s *Store) Load(name string) (frame.Frame, error) {
	return s.LoadFile(s.Path(name))
}

// LoadFile reads an array from an explicit path, e.g. a moved-aside backup.
func (s *Store) LoadFile(path string) (frame.Frame, error) {
	if !s.fs.Exists(path) {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	blob, err := s.fs.ReadFile(path)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := decode(blob)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return f, nil
}

// encode compresses the array using gob encoding and gzip compression.
func encode(f frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(record{Shape: f.Shape(), Data: f.Flatten()}); err != nil {
		return nil, fmt.Errorf("failed to encode array: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decode reverses encode.
func decode(blob []byte) (frame.Frame, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var rec record
	if err := gob.NewDecoder(gz).Decode(&rec); err != nil {
		return frame.Frame{}, fmt.Errorf("failed to decode array: %w", err)
	}
	return frame.FromShape(rec.Shape, rec.Data)
}
