package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serialdata/internal/calstore"
	"github.com/banshee-data/serialdata/internal/db"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/fsutil"
	"github.com/banshee-data/serialdata/internal/monitoring"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

func establish(t *testing.T, s *Session, port interface{ AddLines(...string) }, line string) {
	t.Helper()
	port.AddLines(line)
	require.NoError(t, s.WaitForFirstData(testContext(t)))
}

func TestMeasureOffset_ConstantInput(t *testing.T) {
	rec := &fakeRecorder{}
	s, port := newTestSession(t, Options{Recorder: rec})
	ctx := testContext(t)

	stop := feed(port, "0:07:42 [D] -13,-124,333;-13,-124,333;", time.Millisecond)
	defer stop()

	require.NoError(t, s.MeasureOffset(ctx, 10, 0))

	offset := s.Calibration().Offset
	assert.Equal(t, []float64{13, 124, -333, 13, 124, -333}, offset.Flatten())

	snap := s.Snapshot()
	require.True(t, snap.Valid(), "returns after first data of the next cycle")
	assert.Equal(t, DefaultAveragingWindow, snap.Window)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, snap.Data.OffsetCorrected().Flatten())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.cal, 1)
	assert.Equal(t, db.KindOffset, rec.cal[0].Kind)
	assert.Equal(t, -1, rec.cal[0].Index)
	assert.Equal(t, 10, rec.cal[0].Window)
	assert.Equal(t, 2, rec.cal[0].Rows)
	assert.Equal(t, 3, rec.cal[0].Cols)
	assert.Equal(t, offset.Flatten(), rec.cal[0].Values)
}

func TestMeasureOffset_UsesCycleMean(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() { errc <- s.MeasureOffset(ctx, 5, 1) }()

	awaitWindow(t, s, 5)
	port.AddLines("1;", "2;", "3;", "4;", "10;")
	awaitWindow(t, s, DefaultAveragingWindow)
	port.AddLines("0;")
	require.NoError(t, <-errc)

	// mean of the five samples is 4
	assert.InDeltaSlice(t, []float64{-3}, s.Calibration().Offset.Flatten(), 1e-12)
}

func TestMeasureScaling(t *testing.T) {
	rec := &fakeRecorder{}
	s, port := newTestSession(t, Options{Recorder: rec})
	ctx := testContext(t)

	stop := feed(port, "2,4;6,8;", time.Millisecond)
	defer stop()
	require.NoError(t, s.WaitForFirstData(ctx))
	require.NoError(t, s.SetOffset(ctx, frame.MustMatrix([][]float64{{1, 1}, {1, 1}})))

	require.NoError(t, s.MeasureScaling(ctx, 3, 18, 4))

	cal := s.Calibration()
	assert.Equal(t, []float64{1, 1, 1, 2}, cal.Scaling.Flatten(), "only index 3 (row 1, col 1) changes")
	assert.Equal(t, []float64{1, 1, 1, 1}, cal.Offset.Flatten())
	assert.InDelta(t, 18, s.Snapshot().Data.Scaled().At(1, 1), 1e-12)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.cal, 1)
	assert.Equal(t, db.KindScaling, rec.cal[0].Kind)
	assert.Equal(t, 3, rec.cal[0].Index)
	assert.Equal(t, 18.0, rec.cal[0].Target)
}

func TestMeasureScaling_Vector(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx := testContext(t)
	s.SetTransform(func(f frame.Frame) frame.Frame { return frame.Vector(f.Flatten()) })

	stop := feed(port, "5,10,20;", time.Millisecond)
	defer stop()

	require.NoError(t, s.MeasureScaling(ctx, 1, 1, 3))
	assert.Equal(t, []float64{1, 0.1, 1}, s.Calibration().Scaling.Flatten())
}

func TestMeasureScaling_IndexOutOfRange(t *testing.T) {
	s, port := newTestSession(t, Options{})
	establish(t, s, port, "1,2;3,4;")
	before := s.Calibration()

	err := s.MeasureScaling(testContext(t), 4, 1, 3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.ErrorIs(t, s.MeasureScaling(testContext(t), -1, 1, 3), ErrIndexOutOfRange)
	assert.True(t, s.Calibration().Scaling.Equal(before.Scaling))
}

func TestMeasureScaling_IndexOutOfRangeOnLateShape(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.MeasureScaling(ctx, 10, 1, 2) }()
	awaitWindow(t, s, 2)
	port.AddLines("1,2;", "1,2;")

	err := <-errc
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no frame followed the measurement")
	assert.Equal(t, DefaultAveragingWindow, s.Snapshot().Window)
}

func TestMeasure_InvalidWindow(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	ctx := testContext(t)

	assert.ErrorIs(t, s.MeasureOffset(ctx, 1, 0), ErrInvalidWindow)
	_, err := s.MeasureNoise(ctx, 1)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestMeasure_CancelRestoresWindow(t *testing.T) {
	s, _ := newTestSession(t, Options{AveragingWindow: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.MeasureOffset(ctx, 50, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 4, s.Snapshot().Window)
}

func TestMeasureNoise_CancelDetachesSampler(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.MeasureNoise(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stop := feed(port, "1,2;", time.Millisecond)
	defer stop()
	require.Eventually(t, func() bool { return s.Snapshot().Counter >= 10 }, waitFor, tick)

	_, ok := s.Noise()
	assert.False(t, ok, "cancelled measurement never completes")
	assert.False(t, s.Signals().NoiseCalculated.IsSet())
	assert.Equal(t, DefaultAveragingWindow, s.Snapshot().Window)
}

func TestMeasureNoise_CancelKeepsPreviousResult(t *testing.T) {
	s, port := newTestSession(t, Options{})

	stop := feed(port, "1,2;", time.Millisecond)
	want, err := s.MeasureNoise(testContext(t), 3)
	stop()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.MeasureNoise(ctx, 50)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stop = feed(port, "4,2;", time.Millisecond)
	defer stop()
	require.Eventually(t, func() bool { return s.Snapshot().Counter >= 60 }, waitFor, tick)

	got, ok := s.Noise()
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.True(t, s.Signals().NoiseCalculated.IsSet())
}

func TestMeasure_StopUnblocks(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	errc := make(chan error, 1)
	go func() { errc <- s.MeasureOffset(context.Background(), 10, 0) }()

	awaitWindow(t, s, 10)
	require.NoError(t, s.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(waitFor):
		t.Fatal("Stop did not unblock MeasureOffset")
	}
}

func TestMeasure_Progress(t *testing.T) {
	var mu sync.Mutex
	var calls [][2]int
	s, port := newTestSession(t, Options{Progress: func(count, window int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [2]int{count, window})
	}})

	stop := feed(port, "1,2;", time.Millisecond)
	defer stop()
	require.NoError(t, s.MeasureOffset(testContext(t), 4, 0))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, 4, last[1])
	assert.GreaterOrEqual(t, last[0], 4)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i][0], calls[i-1][0], "progress never goes backwards")
	}
}

func TestMeasure_RecorderErrorIsNotFatal(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	s, port := newTestSession(t, Options{Recorder: rec})

	stop := feed(port, "3;", time.Millisecond)
	defer stop()
	require.NoError(t, s.MeasureOffset(testContext(t), 2, 0))
	assert.Equal(t, []float64{-3}, s.Calibration().Offset.Flatten())
}

func TestMeasureNoise(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	clock.AutoAdvance(10 * time.Millisecond)
	rec := &fakeRecorder{}
	s, port := newTestSession(t, Options{Clock: clock, Recorder: rec})
	ctx := testContext(t)

	stop := feed(port, "7,8;9,10;", time.Millisecond)
	defer stop()

	res, err := s.MeasureNoise(ctx, 5)
	require.NoError(t, err)

	require.Len(t, res.Uncertainty, 5)
	require.Len(t, res.Raw, 5)
	require.Len(t, res.Mean, 5)
	assert.Equal(t, []float64{0, 0, 0, 0}, res.Uncertainty[0])
	for i := range res.Uncertainty {
		assert.Equal(t, []float64{0, 0, 0, 0}, res.Uncertainty[i], "constant input has no noise")
	}
	assert.Equal(t, []int64{0, 10, 10, 10, 10}, res.TimingsMs)
	assert.True(t, s.Signals().NoiseCalculated.IsSet())
	assert.Equal(t, DefaultAveragingWindow, s.Snapshot().Window)

	got, ok := s.Noise()
	require.True(t, ok)
	assert.Equal(t, res, got)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.noise, 1)
	assert.Equal(t, 5, rec.noise[0].Samples)
	assert.Equal(t, 2, rec.noise[0].Rows)
	assert.Equal(t, 2, rec.noise[0].Cols)
	assert.Equal(t, 10.0, rec.noise[0].MeanIntervalMs)
}

func TestMeasureNoise_UsesScaledData(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx := testContext(t)

	stop := feed(port, "1,2;", time.Millisecond)
	defer stop()
	require.NoError(t, s.WaitForFirstData(ctx))
	require.NoError(t, s.SetScaling(ctx, frame.MustMatrix([][]float64{{3, 5}})))

	res, err := s.MeasureNoise(ctx, 3)
	require.NoError(t, err)
	for _, row := range res.Raw {
		assert.Equal(t, []float64{3, 10}, row)
	}
}

func TestNoise_BeforeMeasurement(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	_, ok := s.Noise()
	assert.False(t, ok)
}

func captureWarnings(t *testing.T) *[]string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return &lines
}

func TestSetOffset_ShapeMismatchLeavesCalibration(t *testing.T) {
	s, port := newTestSession(t, Options{})
	ctx := testContext(t)

	stop := feed(port, "1,2;3,4;", time.Millisecond)
	defer stop()
	require.NoError(t, s.WaitForFirstData(ctx))
	require.NoError(t, s.SetOffset(ctx, frame.MustMatrix([][]float64{{0.5, 0.25}, {-1, 2}})))
	before := s.Calibration()

	logs := captureWarnings(t)
	err := s.SetOffset(ctx, frame.Vector([]float64{1, 2, 3, 4}))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = s.SetScaling(ctx, frame.MustMatrix([][]float64{{1, 2, 3, 4}}))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	after := s.Calibration()
	assert.Equal(t, before.Offset.Shape(), after.Offset.Shape())
	assert.Equal(t, before.Offset.Flatten(), after.Offset.Flatten())
	assert.Equal(t, before.Scaling.Flatten(), after.Scaling.Flatten())
	assert.Contains(t, *logs, "warning: offset shape mismatch: got [4], want [2 2]")
}

func TestSetOffset_NoShape(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	assert.ErrorIs(t, s.SetOffset(testContext(t), frame.Vector([]float64{1})), ErrNoShape)

	_, err := s.SaveScaling(calstore.New(fsutil.NewMemoryFileSystem(), "data/scaling"))
	assert.ErrorIs(t, err, ErrNoShape)
}

func TestSaveAndLoadCalibration(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	offsets := calstore.New(fs, "data/offset")
	scalings := calstore.New(fs, "data/scaling")

	s, port := newTestSession(t, Options{})
	ctx := testContext(t)
	stop := feed(port, "1,2;3,4;", time.Millisecond)
	defer stop()
	require.NoError(t, s.WaitForFirstData(ctx))

	first := frame.MustMatrix([][]float64{{1, 1}, {1, 1}})
	require.NoError(t, s.SetOffset(ctx, first))
	path, err := s.SaveOffset(offsets)
	require.NoError(t, err)
	assert.Equal(t, "data/offset/offset.cal", path)

	require.NoError(t, s.SetOffset(ctx, frame.MustMatrix([][]float64{{2, 2}, {2, 2}})))
	_, err = s.SaveOffset(offsets)
	require.NoError(t, err)

	backup, err := offsets.LoadFile("data/offset/offset_1.cal")
	require.NoError(t, err)
	assert.True(t, backup.Equal(first), "first save stays recoverable")

	require.NoError(t, s.SetOffset(ctx, frame.MustMatrix([][]float64{{0, 0}, {0, 0}})))
	require.NoError(t, s.LoadOffset(ctx, offsets))
	assert.Equal(t, []float64{2, 2, 2, 2}, s.Calibration().Offset.Flatten())

	err = s.LoadScaling(ctx, scalings)
	assert.ErrorIs(t, err, calstore.ErrNotFound)
	assert.Equal(t, []float64{1, 1, 1, 1}, s.Calibration().Scaling.Flatten())

	_, err = s.SaveScaling(scalings)
	require.NoError(t, err)
	require.NoError(t, s.LoadScaling(ctx, scalings))
}
