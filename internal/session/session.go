// Package session runs one acquisition session against a serial instrument.
//
// A Session owns a single background loop that reads lines from the port,
// parses them into frames and folds them into the cycle statistics. Control
// operations (restart, calibration, noise measurement) reset the cycle and
// block on the session's signals until the loop has observed enough frames.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/serialdata/internal/db"
	"github.com/banshee-data/serialdata/internal/event"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/monitoring"
	"github.com/banshee-data/serialdata/internal/noise"
	"github.com/banshee-data/serialdata/internal/serialport"
	"github.com/banshee-data/serialdata/internal/stats"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

var (
	// ErrShapeMismatch is returned when a calibration array does not match
	// the established frame shape. The active calibration is unchanged.
	ErrShapeMismatch = errors.New("calibration shape mismatch")
	// ErrNoShape is returned by operations that need the frame shape before
	// the first frame has been accepted.
	ErrNoShape = errors.New("frame shape not yet established")
	// ErrStopped is returned by blocking calls once the session has stopped.
	ErrStopped = errors.New("acquisition stopped")
	// ErrIndexOutOfRange is returned for a scaling index outside the frame.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrInvalidWindow is returned for sample windows below stats.MinWindow.
	ErrInvalidWindow = errors.New("invalid sample window")
)

// DefaultAveragingWindow is the rolling-mean window used when Options leaves
// it unset.
const DefaultAveragingWindow = 3

// Calibration file names inside a calstore.Store.
const (
	OffsetName  = "offset"
	ScalingName = "scaling"
)

// Recorder journals completed measurements. *db.DB implements it.
type Recorder interface {
	RecordCalibration(run *db.CalibrationRun) error
	RecordNoise(run *db.NoiseRun) error
}

// Options configures a Session.
type Options struct {
	// Port is the device path passed to the factory by Open.
	Port        string
	PortOptions serialport.PortOptions

	// AveragingWindow is the normal rolling-mean window. Values below
	// stats.MinWindow are raised to it; zero selects DefaultAveragingWindow.
	AveragingWindow int

	// SkipPartialLine flushes the port input buffer (when supported) and
	// discards the first line read, which may be a partial one.
	SkipPartialLine bool

	// Clock times noise samples and journal entries. Nil uses the wall clock.
	Clock timeutil.Clock

	// Recorder, if set, receives every completed measurement.
	Recorder Recorder

	// Progress, if set, is called while a measurement waits, once per
	// accepted frame, with the frames seen this cycle and the target window.
	Progress func(count, window int)
}

// Signals are the session's edge-triggered, manually reset events. A
// consumer that wants to observe the next occurrence clears the event itself.
type Signals struct {
	// NewData is set on every accepted frame.
	NewData *event.Event
	// FirstData is set on the first frame of each acquisition cycle.
	FirstData *event.Event
	// WindowReached is set once per cycle when the rolling mean reaches its
	// target window.
	WindowReached *event.Event
	// NoiseCalculated is set when a noise measurement completes.
	NoiseCalculated *event.Event
}

func newSignals() Signals {
	return Signals{
		NewData:         event.New(),
		FirstData:       event.New(),
		WindowReached:   event.New(),
		NoiseCalculated: event.New(),
	}
}

// Snapshot is an immutable view of the cycle statistics, published by the
// loop after every accepted frame and after every reset.
type Snapshot struct {
	// Shape is the established frame shape, nil until the first frame.
	Shape []int
	// Counter is the number of frames accepted this cycle.
	Counter int
	// Window is the rolling-mean target window of this cycle.
	Window int
	// Data tracks the latest frame and its extrema.
	Data stats.View
	// Mean tracks the rolling mean and its extrema.
	Mean stats.View
}

// Valid reports whether the cycle has accepted a frame.
func (s Snapshot) Valid() bool { return s.Data.Valid() }

// Session is one acquisition session over a single serial port.
type Session struct {
	port     serialport.Porter
	clock    timeutil.Clock
	recorder Recorder
	progress func(count, window int)
	skip     bool
	signals  Signals

	// opMu serialises control operations.
	opMu sync.Mutex

	// ctl guards the statistics state. The loop holds it while folding in
	// one frame; control operations hold it to reset or recalibrate.
	ctl          sync.Mutex
	transform    frame.Transform
	shape        []int
	cal          stats.Calibration
	normalWindow int
	window       int
	data         *stats.ExtremaTracker
	mean         *stats.RollingMean
	reached      stats.View // rolling mean on the frame that reached the window
	sampler      *noise.Sampler
	counter      int

	snap atomic.Pointer[Snapshot]

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	err      error // loop exit cause, readable once done is closed
}

// Open opens path through factory and starts a session on it. A nil factory
// opens a real serial port. Failure to open is returned immediately.
func Open(factory serialport.Factory, opts Options) (*Session, error) {
	if factory == nil {
		factory = serialport.RealFactory{}
	}
	port, err := factory.Open(opts.Port, opts.PortOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", opts.Port, err)
	}
	monitoring.Logf("serial opened: %s %s", opts.Port, opts.PortOptions)
	return New(port, opts), nil
}

// New starts a session reading from port. The session owns the port and
// closes it on Stop.
func New(port serialport.Porter, opts Options) *Session {
	window := opts.AveragingWindow
	if window == 0 {
		window = DefaultAveragingWindow
	}
	window = max(window, stats.MinWindow)

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Session{
		port:         port,
		clock:        clock,
		recorder:     opts.Recorder,
		progress:     opts.Progress,
		skip:         opts.SkipPartialLine,
		signals:      newSignals(),
		transform:    frame.Identity,
		normalWindow: window,
		window:       window,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.publishLocked()

	go s.run()
	return s
}

// Signals returns the session's events for consumer-side wait loops.
func (s *Session) Signals() Signals { return s.signals }

// Snapshot returns the most recently published statistics.
func (s *Session) Snapshot() Snapshot {
	if p := s.snap.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

// Shape returns the established frame shape, or nil.
func (s *Session) Shape() []int {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return append([]int(nil), s.shape...)
}

// Calibration returns the active offset and scaling. Both are zero Frames
// until the frame shape is established.
func (s *Session) Calibration() stats.Calibration {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.cal
}

// Noise returns the result of the last completed noise measurement.
func (s *Session) Noise() (noise.Result, bool) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.sampler == nil {
		return noise.Result{}, false
	}
	return s.sampler.Result()
}

// Stop sets the stop flag and closes the port, which unblocks a pending
// read. Blocked callers return ErrStopped. The loop exits at its next
// iteration boundary; Done reports when.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
		err = s.port.Close()
		monitoring.Logf("serial closed")
	})
	return err
}

// Done returns a channel closed when the acquisition loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the read error that ended the loop, or nil if it is still
// running or was stopped. The loop ends when the port reports itself closed
// or when reads keep failing after retries.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// publishLocked swaps in a snapshot of the current state. ctl must be held.
func (s *Session) publishLocked() {
	snap := &Snapshot{
		Shape:   append([]int(nil), s.shape...),
		Counter: s.counter,
		Window:  s.window,
	}
	if s.data != nil {
		snap.Data = s.data.View
		snap.Mean = s.mean.View
	}
	s.snap.Store(snap)
}

// resetLocked starts a new acquisition cycle: the trackers are rebuilt on
// the next accepted frame and the cycle signals are cleared. ctl must be
// held.
func (s *Session) resetLocked() {
	s.data = nil
	s.mean = nil
	s.reached = stats.View{}
	s.counter = 0

	s.signals.NewData.Clear()
	s.signals.FirstData.Clear()
	s.signals.WindowReached.Clear()

	s.publishLocked()
}
