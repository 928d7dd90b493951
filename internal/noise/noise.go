// Package noise characterizes measurement noise from a bounded run of
// (frame, rolling mean) pairs.
//
// For every sample index i >= 1 the sampler derives, per vector position,
//
//	s[i] = sqrt( sum_{k=1..i} (mean[k] - raw[k])^2 / i )
//	u[i] = s[i] / sqrt(i+1)
//
// where mean[k] is the rolling mean as it stood when raw[k] arrived. u[0] is
// left at zero. The result is the averaging-count-vs-uncertainty curve.
package noise

import (
	"math"
	"time"

	"github.com/banshee-data/serialdata/internal/event"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

// Result is a completed noise run. Rows are indexed by sample.
type Result struct {
	// Raw holds the flattened frames.
	Raw [][]float64
	// Mean holds the flattened rolling means.
	Mean [][]float64
	// Uncertainty holds the standard error per sample index and position.
	Uncertainty [][]float64
	// TimingsMs holds the wall-clock delta to the previous sample, 0 first.
	TimingsMs []int64
}

// Counts returns the averaging count axis 1..n matching the rows.
func (r Result) Counts() []int {
	out := make([]int, len(r.Uncertainty))
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// Sampler accumulates a fixed number of samples. It is not safe for
// concurrent use; the acquisition loop is its only writer.
type Sampler struct {
	capacity int
	counter  int

	raw       [][]float64
	mean      [][]float64
	timingsMs []int64
	u         [][]float64

	clock timeutil.Clock
	last  time.Time
	done  *event.Event
}

// NewSampler returns a sampler for count samples (at least one). done, if
// non-nil, is set once the curve has been computed.
func NewSampler(count int, clock timeutil.Clock, done *event.Event) *Sampler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	count = max(count, 1)
	return &Sampler{
		capacity:  count,
		clock:     clock,
		done:      done,
		raw:       make([][]float64, 0, count),
		mean:      make([][]float64, 0, count),
		timingsMs: make([]int64, 0, count),
	}
}

// Capacity returns the requested sample count.
func (s *Sampler) Capacity() int { return s.capacity }

// Len returns the number of stored samples.
func (s *Sampler) Len() int { return len(s.raw) }

// Complete reports whether the uncertainty curve has been computed.
func (s *Sampler) Complete() bool { return s.u != nil }

// Update stores one (frame, mean) pair. Once capacity samples are stored it
// is a no-op. It reports whether this call completed the run.
func (s *Sampler) Update(data, mean frame.Frame) bool {
	s.counter++
	if s.counter > s.capacity {
		return false
	}

	s.raw = append(s.raw, data.Flatten())
	s.mean = append(s.mean, mean.Flatten())
	s.timingsMs = append(s.timingsMs, s.elapsedMs())

	if s.counter < s.capacity {
		return false
	}
	s.u = uncertainty(s.raw, s.mean)
	if s.done != nil {
		s.done.Set()
	}
	return true
}

func (s *Sampler) elapsedMs() int64 {
	now := s.clock.Now()
	var diff int64
	if !s.last.IsZero() {
		diff = now.Sub(s.last).Round(time.Millisecond).Milliseconds()
	}
	s.last = now
	return diff
}

func uncertainty(raw, mean [][]float64) [][]float64 {
	u := make([][]float64, len(raw))
	width := len(raw[0])
	for i := range u {
		u[i] = make([]float64, width)
	}

	sum := make([]float64, width)
	for i := 1; i < len(raw); i++ {
		for j := range sum {
			d := mean[i][j] - raw[i][j]
			sum[j] += d * d
			sd := math.Sqrt(sum[j] / float64(i))
			u[i][j] = sd / math.Sqrt(float64(i+1))
		}
	}
	return u
}

// Result returns a copy of the collected data. ok is false until the run
// is complete.
func (s *Sampler) Result() (res Result, ok bool) {
	if !s.Complete() {
		return Result{}, false
	}
	return Result{
		Raw:         copyRows(s.raw),
		Mean:        copyRows(s.mean),
		Uncertainty: copyRows(s.u),
		TimingsMs:   append([]int64(nil), s.timingsMs...),
	}, true
}

func copyRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
