// Package export writes numeric arrays as comma separated files.
//
// Two naming modes exist. Incremental writes always pick a new numbered
// file (name_1.csv, name_2.csv, ...) and never reuse a number. Timestamped
// writes use name_<ISO-8601 seconds>.csv; a second write within the same
// second replaces the earlier file.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/fsutil"
	"github.com/banshee-data/serialdata/internal/noise"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

// Extension of every exported file.
const Extension = ".csv"

// TimestampLayout is the local time layout used in timestamped names.
const TimestampLayout = "2006-01-02T15:04:05"

// Writer writes CSV files below a directory.
type Writer struct {
	fs    fsutil.FileSystem
	dir   string
	clock timeutil.Clock
}

// NewWriter returns a writer rooted at dir. Nil fs and clock select the real
// filesystem and clock.
func NewWriter(fs fsutil.FileSystem, dir string, clock timeutil.Clock) *Writer {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Writer{fs: fs, dir: dir, clock: clock}
}

// WriteIncremental writes rows to the next unused numbered file and returns
// its path.
func (w *Writer) WriteIncremental(name string, rows [][]float64) (string, error) {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	path := fsutil.NextNumberedName(w.fs, filepath.Join(w.dir, name), Extension)
	return path, w.write(path, rows)
}

// WriteTimestamped writes rows to name_<timestamp>.csv and returns its path.
func (w *Writer) WriteTimestamped(name string, rows [][]float64) (string, error) {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	stamp := w.clock.Now().Local().Format(TimestampLayout)
	path := filepath.Join(w.dir, name+"_"+stamp+Extension)
	return path, w.write(path, rows)
}

func (w *Writer) write(path string, rows [][]float64) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	record := make([]string, 0)
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatValue(v))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to encode csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to encode csv: %w", err)
	}
	if err := w.fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// formatValue matches the %.18e layout used by existing analysis scripts.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'e', 18, 64)
}

// FrameRows lays a frame out for export: matrices row by row, vectors one
// value per line.
func FrameRows(f frame.Frame) [][]float64 {
	if f.Dims() == 2 {
		return f.RowSlices()
	}
	return Column(f.Flatten())
}

// Column turns a vector into one value per line.
func Column(values []float64) [][]float64 {
	out := make([][]float64, len(values))
	for i, v := range values {
		out[i] = []float64{v}
	}
	return out
}

// WriteNoise exports a completed noise run as four timestamped files
// (noise_u, noise_datas, noise_means, noise_timings) and returns their paths.
func (w *Writer) WriteNoise(res noise.Result) ([]string, error) {
	timings := make([]float64, len(res.TimingsMs))
	for i, ms := range res.TimingsMs {
		timings[i] = float64(ms)
	}

	outputs := []struct {
		name string
		rows [][]float64
	}{
		{"noise_u", res.Uncertainty},
		{"noise_datas", res.Raw},
		{"noise_means", res.Mean},
		{"noise_timings", Column(timings)},
	}

	paths := make([]string, 0, len(outputs))
	for _, o := range outputs {
		path, err := w.WriteTimestamped(o.name, o.rows)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
