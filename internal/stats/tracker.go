package stats

import (
	"github.com/banshee-data/serialdata/internal/event"
	"github.com/banshee-data/serialdata/internal/frame"
)

// ExtremaTracker keeps the latest frame and its lifetime elementwise extrema.
type ExtremaTracker struct {
	View
}

// NewExtremaTracker returns a tracker for frames shaped like cal.Offset.
func NewExtremaTracker(cal Calibration) *ExtremaTracker {
	return &ExtremaTracker{View: newView(cal)}
}

// Update records f as the current frame.
func (t *ExtremaTracker) Update(f frame.Frame) {
	t.record(f)
}

// MinWindow is the smallest accepted averaging window.
const MinWindow = 2

// RollingMean averages incoming frames. Up to the target window it keeps the
// exact cumulative mean; from then on it is an exponential moving average
// with smoothing constant 1/window. Its View tracks the mean and the
// extrema of the mean.
type RollingMean struct {
	View

	count   int
	window  int
	reached *event.Event
}

// NewRollingMean returns a rolling mean with the given target window
// (clamped to MinWindow). reached, if non-nil, is set once when the window
// is reached.
func NewRollingMean(cal Calibration, window int, reached *event.Event) *RollingMean {
	return &RollingMean{
		View:    newView(cal),
		window:  max(window, MinWindow),
		reached: reached,
	}
}

// Update folds f into the mean. It reports whether this update reached the
// target window.
func (m *RollingMean) Update(f frame.Frame) bool {
	m.count++

	var mean frame.Frame
	switch {
	case m.count == 1:
		mean = f
	case m.count < m.window:
		// (k-1)/k*mean + 1/k*f
		mean = m.current.AddScaled(1/float64(m.count), f.Sub(m.current))
	default:
		// (w-1)/w*mean + 1/w*f
		mean = m.current.AddScaled(1/float64(m.window), f.Sub(m.current))
	}
	m.record(mean)

	if m.count != m.window {
		return false
	}
	if m.reached != nil {
		m.reached.Set()
	}
	return true
}

// Count returns the number of frames folded in.
func (m *RollingMean) Count() int { return m.count }

// Window returns the target window.
func (m *RollingMean) Window() int { return m.window }

// WindowReached reports whether the target window has been reached.
func (m *RollingMean) WindowReached() bool { return m.count >= m.window }
