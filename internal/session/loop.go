package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/lineparse"
	"github.com/banshee-data/serialdata/internal/monitoring"
	"github.com/banshee-data/serialdata/internal/serialport"
	"github.com/banshee-data/serialdata/internal/stats"
)

// Transient read failures are retried with a doubling delay. After
// maxReadRetries consecutive failures the loop gives up.
const (
	maxReadRetries = 5
	readRetryDelay = 10 * time.Millisecond
)

// run is the acquisition loop. It is the only reader of the port and the
// only writer of the cycle statistics. Nothing it encounters while parsing
// is reported; unusable lines are skipped.
func (s *Session) run() {
	defer close(s.done)
	monitoring.Logf("acquisition loop started")

	r := bufio.NewReader(s.port)
	// discard drops the next line read: the possibly partial first line,
	// or the tail of a line cut short by a failed read.
	discard := false
	if s.skip {
		if f, ok := s.port.(serialport.InputFlusher); ok {
			if err := f.ResetInputBuffer(); err != nil {
				monitoring.Warnf("failed to flush serial input: %v", err)
			}
		}
		discard = true
	}

	failures := 0
	for !s.stopped.Load() {
		line, err := s.readLine(r)
		if err != nil && !s.stopped.Load() && !serialport.IsClosed(err) {
			failures++
			if failures > maxReadRetries {
				s.exit(fmt.Errorf("serial read failed %d times: %w", failures, err))
				return
			}
			monitoring.Warnf("serial read failed (attempt %d/%d): %v", failures, maxReadRetries, err)
			discard = discard || len(line) > 0
			if !s.pause(readRetryDelay << (failures - 1)) {
				break
			}
			continue
		}
		failures = 0

		if discard {
			discard = false
		} else if len(line) > 0 && !s.stopped.Load() {
			s.handleLine(line)
		}
		if err != nil {
			s.exit(err)
			return
		}
	}
	monitoring.Logf("acquisition loop stopped")
}

// pause sleeps for d and reports false if the session stopped meanwhile.
func (s *Session) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Session) exit(err error) {
	if s.stopped.Load() {
		monitoring.Logf("acquisition loop stopped")
		return
	}
	s.err = err
	monitoring.Logf("acquisition loop ended: %v", err)
}

// readLine returns the next newline-terminated line. A read that
// repeatedly returns no data keeps the partial line and retries. At EOF the
// unterminated remainder is returned together with the error.
func (s *Session) readLine(r *bufio.Reader) ([]byte, error) {
	var partial []byte
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.ErrNoProgress) && !s.stopped.Load() {
			partial = append(partial, line...)
			continue
		}
		if partial != nil {
			line = append(partial, line...)
		}
		return line, err
	}
}

// handleLine parses one raw line and, if it yields a frame of the
// established shape, folds it into the cycle.
func (s *Session) handleLine(raw []byte) {
	if !utf8.Valid(raw) {
		return
	}
	f, err := lineparse.Parse(string(raw))
	if err != nil {
		return
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	f, ok := applyTransform(s.transform, f)
	if !ok || f.IsZero() || f.Dims() > 2 {
		return
	}

	if s.shape == nil {
		s.shape = f.Shape()
		s.cal = stats.DefaultCalibration(f)
	} else if !slices.Equal(f.Shape(), s.shape) {
		return
	}

	first := s.data == nil
	if first {
		s.data = stats.NewExtremaTracker(s.cal)
		s.mean = stats.NewRollingMean(s.cal, s.window, nil)
	}

	s.data.Update(f)
	reached := s.mean.Update(f)
	if reached {
		s.reached = s.mean.View
	}
	if s.sampler != nil {
		s.sampler.Update(s.data.Scaled(), s.mean.Scaled())
	}
	s.counter++
	s.publishLocked()

	if first {
		s.signals.FirstData.Set()
	}
	if reached {
		s.signals.WindowReached.Set()
	}
	s.signals.NewData.Set()
}

// applyTransform runs t on f. A panicking transform drops the frame.
func applyTransform(t frame.Transform, f frame.Frame) (out frame.Frame, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = frame.Frame{}, false
		}
	}()
	return t(f), true
}
