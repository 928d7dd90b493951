package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/serialdata/internal/calstore"
	"github.com/banshee-data/serialdata/internal/db"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/monitoring"
	"github.com/banshee-data/serialdata/internal/noise"
	"github.com/banshee-data/serialdata/internal/stats"
)

// wait blocks until ch is closed, ctx is done or the session stops.
func (s *Session) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	case <-s.done:
		if s.err != nil {
			return fmt.Errorf("%w: %v", ErrStopped, s.err)
		}
		return ErrStopped
	}
}

// WaitForFirstData blocks until the current cycle has accepted a frame.
func (s *Session) WaitForFirstData(ctx context.Context) error {
	return s.wait(ctx, s.signals.FirstData.Done())
}

// RestartAcquisition clears all cycle statistics and blocks until the first
// frame of the new cycle.
func (s *Session) RestartAcquisition(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.ctl.Lock()
	s.resetLocked()
	first := s.signals.FirstData.Done()
	s.ctl.Unlock()

	return s.wait(ctx, first)
}

// SetTransform installs t for all subsequent frames and resets the cycle.
// A nil t restores the identity.
func (s *Session) SetTransform(t frame.Transform) {
	if t == nil {
		t = frame.Identity
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.transform = t
	s.resetLocked()
}

// measureMean switches the rolling mean to window, resets the cycle and
// blocks until the window is reached. prepare, if set, runs under ctl just
// before the reset. It returns the rolling mean as of the frame that reached
// the window. On error abort, if set, runs under ctl and the normal window is
// restored.
func (s *Session) measureMean(ctx context.Context, window int, prepare, abort func()) (stats.View, error) {
	if window < stats.MinWindow {
		return stats.View{}, fmt.Errorf("%w: %d (minimum %d)", ErrInvalidWindow, window, stats.MinWindow)
	}

	s.ctl.Lock()
	if prepare != nil {
		prepare()
	}
	s.window = window
	s.resetLocked()
	reached := s.signals.WindowReached.Done()
	s.ctl.Unlock()

	err := s.waitWithProgress(ctx, reached, window)

	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err != nil {
		if abort != nil {
			abort()
		}
		s.window = s.normalWindow
		s.resetLocked()
		return stats.View{}, err
	}
	return s.reached, nil
}

func (s *Session) waitWithProgress(ctx context.Context, reached <-chan struct{}, window int) error {
	if s.progress == nil {
		return s.wait(ctx, reached)
	}
	for {
		select {
		case <-reached:
			s.progress(s.Snapshot().Counter, window)
			return nil
		default:
		}
		newData := s.signals.NewData.Done()
		select {
		case <-reached:
		case <-newData:
			s.signals.NewData.Clear()
			s.progress(s.Snapshot().Counter, window)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return ErrStopped
		case <-s.done:
			return s.wait(ctx, reached)
		}
	}
}

// finishLocked restores the normal window and starts a fresh cycle. It
// returns the first-data channel of that cycle. ctl must be held.
func (s *Session) finishLocked() <-chan struct{} {
	s.window = s.normalWindow
	s.resetLocked()
	return s.signals.FirstData.Done()
}

// MeasureOffset averages window frames and sets the offset so that the
// offset-corrected mean equals target at every index. The offset is additive,
// target minus the raw mean, so a constant input c at target 0 yields -c.
// It returns once the first frame of the following cycle has arrived.
func (s *Session) MeasureOffset(ctx context.Context, window int, target float64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	monitoring.Logf("measuring offset over %d frames", window)
	started := s.clock.Now()
	mean, err := s.measureMean(ctx, window, nil, nil)
	if err != nil {
		return err
	}

	s.ctl.Lock()
	raw := mean.Raw()
	s.cal.Offset = frame.Full(raw, target).Sub(raw)
	offset := s.cal.Offset
	first := s.finishLocked()
	s.ctl.Unlock()

	s.recordCalibration(db.KindOffset, -1, target, window, offset, started)
	monitoring.Logf("offset measured")
	return s.wait(ctx, first)
}

// MeasureScaling averages window frames and sets the single scaling entry
// at the flat index so that the scaled mean equals target there. Other
// entries are untouched.
func (s *Session) MeasureScaling(ctx context.Context, index int, target float64, window int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkIndex(index); err != nil && !errors.Is(err, ErrNoShape) {
		return err
	}

	monitoring.Logf("measuring scaling of index %d over %d frames", index, window)
	started := s.clock.Now()
	mean, err := s.measureMean(ctx, window, nil, nil)
	if err != nil {
		return err
	}

	s.ctl.Lock()
	corrected := mean.OffsetCorrected()
	if _, _, err := corrected.Resolve(index); err != nil {
		// Only reachable when the shape was unknown at the start.
		first := s.finishLocked()
		s.ctl.Unlock()
		return errors.Join(fmt.Errorf("%w: %v", ErrIndexOutOfRange, err), s.wait(ctx, first))
	}
	scaling, _ := s.cal.Scaling.WithFlat(index, target/corrected.AtFlat(index))
	s.cal.Scaling = scaling
	first := s.finishLocked()
	s.ctl.Unlock()

	s.recordCalibration(db.KindScaling, index, target, window, scaling, started)
	monitoring.Logf("scaling of index %d measured", index)
	return s.wait(ctx, first)
}

func (s *Session) checkIndex(index int) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.shape == nil {
		return ErrNoShape
	}
	if _, _, err := s.cal.Scaling.Resolve(index); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexOutOfRange, err)
	}
	return nil
}

// MeasureNoise collects count samples of the scaled frame and scaled
// rolling mean, the mean running with window count, and returns the
// uncertainty curve. The result stays available through Noise.
func (s *Session) MeasureNoise(ctx context.Context, count int) (noise.Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if count < stats.MinWindow {
		return noise.Result{}, fmt.Errorf("%w: %d samples (minimum %d)", ErrInvalidWindow, count, stats.MinWindow)
	}

	monitoring.Logf("measuring noise over %d samples", count)
	started := s.clock.Now()
	var prev, sampler *noise.Sampler
	_, err := s.measureMean(ctx, count, func() {
		prev = s.sampler
		s.signals.NoiseCalculated.Clear()
		sampler = noise.NewSampler(count, s.clock, s.signals.NoiseCalculated)
		s.sampler = sampler
	}, func() { s.abandonNoiseLocked(prev) })
	if err != nil {
		return noise.Result{}, err
	}
	if err := s.wait(ctx, s.signals.NoiseCalculated.Done()); err != nil {
		s.ctl.Lock()
		s.abandonNoiseLocked(prev)
		s.finishLocked()
		s.ctl.Unlock()
		return noise.Result{}, err
	}

	s.ctl.Lock()
	res, _ := sampler.Result()
	shape := append([]int(nil), s.shape...)
	first := s.finishLocked()
	s.ctl.Unlock()

	s.recordNoise(res, shape, started)
	monitoring.Logf("noise measured")
	return res, s.wait(ctx, first)
}

// abandonNoiseLocked detaches an unfinished sampler so it never completes
// and reinstates the previous result. ctl must be held.
func (s *Session) abandonNoiseLocked(prev *noise.Sampler) {
	s.sampler = prev
	if prev != nil && prev.Complete() {
		s.signals.NoiseCalculated.Set()
	} else {
		s.signals.NoiseCalculated.Clear()
	}
}

// SetOffset replaces the offset and waits for the first frame of the new
// cycle. A frame of the wrong shape is rejected with ErrShapeMismatch and
// leaves the calibration unchanged.
func (s *Session) SetOffset(ctx context.Context, offset frame.Frame) error {
	return s.setCalibration(ctx, OffsetName, offset, func(c *stats.Calibration) *frame.Frame { return &c.Offset })
}

// SetScaling is like SetOffset for the scaling array.
func (s *Session) SetScaling(ctx context.Context, scaling frame.Frame) error {
	return s.setCalibration(ctx, ScalingName, scaling, func(c *stats.Calibration) *frame.Frame { return &c.Scaling })
}

func (s *Session) setCalibration(ctx context.Context, name string, f frame.Frame, field func(*stats.Calibration) *frame.Frame) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.ctl.Lock()
	if s.shape == nil {
		s.ctl.Unlock()
		return ErrNoShape
	}
	dst := field(&s.cal)
	if !f.SameShape(*dst) {
		s.ctl.Unlock()
		monitoring.Warnf("%s shape mismatch: got %v, want %v", name, f.Shape(), s.shape)
		return fmt.Errorf("%w: %s has shape %v, frames are %v", ErrShapeMismatch, name, f.Shape(), s.shape)
	}
	*dst = f.Clone()
	s.resetLocked()
	first := s.signals.FirstData.Done()
	s.ctl.Unlock()

	monitoring.Logf("%s loaded", name)
	return s.wait(ctx, first)
}

// LoadOffset reads the offset from store and applies it like SetOffset. A
// missing file is reported and wraps calstore.ErrNotFound.
func (s *Session) LoadOffset(ctx context.Context, store *calstore.Store) error {
	f, err := s.load(store, OffsetName)
	if err != nil {
		return err
	}
	return s.SetOffset(ctx, f)
}

// LoadScaling reads the scaling from store and applies it like SetScaling.
func (s *Session) LoadScaling(ctx context.Context, store *calstore.Store) error {
	f, err := s.load(store, ScalingName)
	if err != nil {
		return err
	}
	return s.SetScaling(ctx, f)
}

func (s *Session) load(store *calstore.Store, name string) (frame.Frame, error) {
	f, err := store.Load(name)
	if errors.Is(err, calstore.ErrNotFound) {
		monitoring.Warnf("%s not found: %s", name, store.Path(name))
	}
	return f, err
}

// SaveOffset writes the active offset to store and returns the path.
func (s *Session) SaveOffset(store *calstore.Store) (string, error) {
	return s.save(store, OffsetName, func(c stats.Calibration) frame.Frame { return c.Offset })
}

// SaveScaling writes the active scaling to store and returns the path.
func (s *Session) SaveScaling(store *calstore.Store) (string, error) {
	return s.save(store, ScalingName, func(c stats.Calibration) frame.Frame { return c.Scaling })
}

func (s *Session) save(store *calstore.Store, name string, field func(stats.Calibration) frame.Frame) (string, error) {
	s.ctl.Lock()
	if s.shape == nil {
		s.ctl.Unlock()
		return "", ErrNoShape
	}
	f := field(s.cal)
	s.ctl.Unlock()

	path, err := store.Save(name, f)
	if err != nil {
		return "", err
	}
	monitoring.Logf("%s saved to %s", name, path)
	return path, nil
}

func (s *Session) recordCalibration(kind string, index int, target float64, window int, values frame.Frame, started time.Time) {
	if s.recorder == nil {
		return
	}
	run := &db.CalibrationRun{
		Kind:       kind,
		Index:      index,
		Target:     target,
		Window:     window,
		Rows:       values.Rows(),
		Cols:       values.Cols(),
		Values:     values.Flatten(),
		StartedAt:  started,
		FinishedAt: s.clock.Now(),
	}
	if err := s.recorder.RecordCalibration(run); err != nil {
		monitoring.Warnf("failed to record %s run: %v", kind, err)
	}
}

func (s *Session) recordNoise(res noise.Result, shape []int, started time.Time) {
	if s.recorder == nil || len(res.Uncertainty) == 0 {
		return
	}
	rows, cols := 1, shape[0]
	if len(shape) == 2 {
		rows, cols = shape[0], shape[1]
	}

	var interval float64
	if n := len(res.TimingsMs); n > 1 {
		var sum int64
		for _, ms := range res.TimingsMs[1:] {
			sum += ms
		}
		interval = float64(sum) / float64(n-1)
	}

	run := &db.NoiseRun{
		Samples:        len(res.Raw),
		Rows:           rows,
		Cols:           cols,
		Uncertainty:    res.Uncertainty[len(res.Uncertainty)-1],
		MeanIntervalMs: interval,
		StartedAt:      started,
		FinishedAt:     s.clock.Now(),
	}
	if err := s.recorder.RecordNoise(run); err != nil {
		monitoring.Warnf("failed to record noise run: %v", err)
	}
}
