// Package stats maintains the per-cycle statistics derived from incoming
// frames: the latest frame with its lifetime extrema, and a rolling mean.
//
// Both trackers embed View, which implements the raw, offset-corrected and
// scaled read-outs once. A View is a plain value over immutable frames, so
// copying one yields a consistent snapshot.
package stats

import (
	"math"

	"github.com/banshee-data/serialdata/internal/frame"
)

// Calibration holds the additive offset and multiplicative scaling applied
// to raw frames. Both arrays share the established frame shape.
type Calibration struct {
	Offset  frame.Frame
	Scaling frame.Frame
}

// DefaultCalibration returns an all-zero offset and all-one scaling shaped
// like the given frame.
func DefaultCalibration(like frame.Frame) Calibration {
	return Calibration{Offset: frame.Zeros(like), Scaling: frame.Ones(like)}
}

// View exposes a tracked frame and its lifetime extrema under the session
// calibration.
type View struct {
	cal        Calibration
	current    frame.Frame
	foreverMin frame.Frame
	foreverMax frame.Frame
}

func newView(cal Calibration) View {
	return View{
		cal:        cal,
		foreverMin: frame.Full(cal.Offset, math.Inf(1)),
		foreverMax: frame.Full(cal.Offset, math.Inf(-1)),
	}
}

// record replaces the current frame and folds it into the extrema.
func (v *View) record(f frame.Frame) {
	v.current = f
	v.foreverMax = v.foreverMax.Maximum(f)
	v.foreverMin = v.foreverMin.Minimum(f)
}

// Valid reports whether at least one frame has been recorded.
func (v View) Valid() bool { return !v.current.IsZero() }

// Calibration returns the calibration the view applies.
func (v View) Calibration() Calibration { return v.cal }

// Raw returns the tracked frame.
func (v View) Raw() frame.Frame { return v.current }

// OffsetCorrected returns raw + offset.
func (v View) OffsetCorrected() frame.Frame { return v.current.Add(v.cal.Offset) }

// Scaled returns (raw + offset) * scaling.
func (v View) Scaled() frame.Frame { return v.calibrate(v.current) }

func (v View) calibrate(f frame.Frame) frame.Frame {
	return f.Add(v.cal.Offset).Mul(v.cal.Scaling)
}

// MinMaxRaw returns the smallest and largest element of Raw.
func (v View) MinMaxRaw() (float64, float64) {
	return v.current.Min(), v.current.Max()
}

// MinMaxScaled returns the smallest and largest element of Scaled.
func (v View) MinMaxScaled() (float64, float64) {
	s := v.Scaled()
	return s.Min(), s.Max()
}

// ForeverMinRaw returns the elementwise lifetime minimum.
func (v View) ForeverMinRaw() frame.Frame { return v.foreverMin }

// ForeverMaxRaw returns the elementwise lifetime maximum.
func (v View) ForeverMaxRaw() frame.Frame { return v.foreverMax }

// ForeverMinScaled returns (foreverMin + offset) * scaling. The bounds are
// not re-sorted: a negative scaling entry yields a value larger than the
// matching ForeverMaxScaled entry.
func (v View) ForeverMinScaled() frame.Frame { return v.calibrate(v.foreverMin) }

// ForeverMaxScaled returns (foreverMax + offset) * scaling. See ForeverMinScaled.
func (v View) ForeverMaxScaled() frame.Frame { return v.calibrate(v.foreverMax) }

// MinMaxForeverRaw returns the overall lifetime minimum and maximum.
func (v View) MinMaxForeverRaw() (float64, float64) {
	return v.foreverMin.Min(), v.foreverMax.Max()
}

// MinMaxForeverScaled returns min(ForeverMinScaled) and max(ForeverMaxScaled).
func (v View) MinMaxForeverScaled() (float64, float64) {
	return v.ForeverMinScaled().Min(), v.ForeverMaxScaled().Max()
}
