package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/fsutil"
	"github.com/banshee-data/serialdata/internal/noise"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

func TestWriteIncremental_NeverReusesNumbers(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	w := NewWriter(mfs, "/data", timeutil.NewMockClock(time.Now()))

	p1, err := w.WriteIncremental("run", [][]float64{{1, 2}})
	require.NoError(t, err)
	p2, err := w.WriteIncremental("run", [][]float64{{3, 4}})
	require.NoError(t, err)

	assert.Equal(t, "/data/run_1.csv", p1)
	assert.Equal(t, "/data/run_2.csv", p2)

	data, err := mfs.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "1.000000000000000000e+00,2.000000000000000000e+00\n", string(data))
}

func TestWriteTimestamped_SameSecondOverwrites(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	at := time.Date(2026, 5, 4, 13, 2, 1, 0, time.Local)
	clock := timeutil.NewMockClock(at)
	w := NewWriter(mfs, "/data", clock)

	p1, err := w.WriteTimestamped("noise_u", [][]float64{{1}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "noise_u_2026-05-04T13:02:01.csv"), p1)

	clock.Advance(500 * time.Millisecond)
	p2, err := w.WriteTimestamped("noise_u", [][]float64{{2}})
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	data, _ := mfs.ReadFile(p1)
	assert.Equal(t, "2.000000000000000000e+00\n", string(data))
	assert.Len(t, mfs.Files("/data"), 1)

	clock.Advance(time.Second)
	p3, err := w.WriteTimestamped("noise_u", [][]float64{{3}})
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

func TestFrameRows(t *testing.T) {
	assert.Equal(t, [][]float64{{1}, {2}}, FrameRows(frame.Vector([]float64{1, 2})))
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, FrameRows(frame.MustMatrix([][]float64{{1, 2}, {3, 4}})))
}

func TestWriteNoise(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	w := NewWriter(mfs, "/data", timeutil.NewMockClock(time.Date(2026, 5, 4, 13, 2, 1, 0, time.Local)))

	paths, err := w.WriteNoise(noise.Result{
		Raw:         [][]float64{{1, 2}, {3, 4}},
		Mean:        [][]float64{{1, 2}, {2, 3}},
		Uncertainty: [][]float64{{0, 0}, {0.5, 0.5}},
		TimingsMs:   []int64{0, 20},
	})
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Contains(t, paths[0], "noise_u_")
	assert.Contains(t, paths[3], "noise_timings_")

	data, err := mfs.ReadFile(paths[3])
	require.NoError(t, err)
	assert.Equal(t, "0.000000000000000000e+00\n2.000000000000000000e+01\n", string(data))
}
