package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Read on a closed test or synthetic port.
var ErrClosed = errors.New("serial port closed")

// TestableSerialPort implements Porter with configurable behaviour for
// testing. Reads block until data is added or the port is closed, like a
// real port without a read timeout.
type TestableSerialPort struct {
	mu sync.Mutex

	buf *bytes.Buffer

	// readErr is returned by the next readErrs Read calls if set.
	readErr  error
	readErrs int

	closed     bool
	closeErr   error
	readCalls  int
	flushCalls int

	cond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{buf: bytes.NewBuffer(nil)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered data, blocking while the buffer is empty.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readCalls++
	for !p.closed && p.readErr == nil && p.buf.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, ErrClosed
	}
	if p.readErr != nil {
		err := p.readErr
		if p.readErrs--; p.readErrs <= 0 {
			p.readErr = nil
		}
		return 0, err
	}
	return p.buf.Read(b)
}

// Close marks the port as closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.closeErr
}

// ResetInputBuffer discards any data not yet read.
func (p *TestableSerialPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushCalls++
	p.buf.Reset()
	return nil
}

// AddReadData makes data available to subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Write(data)
	p.cond.Broadcast()
}

// AddLines appends each line followed by a newline.
func (p *TestableSerialPort) AddLines(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	p.AddReadData([]byte(b.String()))
}

// FailNextRead makes the next Read return err.
func (p *TestableSerialPort) FailNextRead(err error) {
	p.FailReads(err, 1)
}

// FailReads makes the next n Read calls return err.
func (p *TestableSerialPort) FailReads(err error, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.readErrs = n
	p.cond.Broadcast()
}

// SetCloseError sets the error returned by Close.
func (p *TestableSerialPort) SetCloseError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Pending returns the number of unread bytes.
func (p *TestableSerialPort) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// FlushCalls returns how often ResetInputBuffer was called.
func (p *TestableSerialPort) FlushCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushCalls
}

// MockPortFactory implements Factory for testing.
type MockPortFactory struct {
	mu sync.Mutex

	// Port is returned from Open.
	Port Porter

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockPortFactory creates a factory handing out port.
func NewMockPortFactory(port Porter) *MockPortFactory {
	return &MockPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockPortFactory) Open(path string, opts PortOptions) (Porter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// SyntheticPort emits matrix lines in the instrument's log format at a fixed
// interval: a constant base matrix plus uniform noise. Used in dev mode.
type SyntheticPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	stop chan struct{}
	once sync.Once
}

// NewSyntheticPort starts generating lines for base with the given noise
// amplitude every interval.
func NewSyntheticPort(base [][]float64, amplitude float64, interval time.Duration) *SyntheticPort {
	r, w := io.Pipe()
	p := &SyntheticPort{r: r, w: w, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-p.stop:
				return
			case now := <-ticker.C:
				line := formatLine(now.Sub(start), base, amplitude, rng)
				if _, err := w.Write([]byte(line)); err != nil {
					return
				}
			}
		}
	}()
	return p
}

func formatLine(uptime time.Duration, base [][]float64, amplitude float64, rng *rand.Rand) string {
	var b strings.Builder
	secs := int(uptime.Seconds())
	fmt.Fprintf(&b, "\x1b[0;32m%d:%02d:%02d [D] ", secs/3600, secs/60%60, secs%60)
	for _, row := range base {
		for i, v := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			noisy := v + amplitude*(2*rng.Float64()-1)
			b.WriteString(strconv.FormatFloat(noisy, 'f', 3, 64))
		}
		b.WriteByte(';')
	}
	b.WriteString("\x1b[0m\n")
	return b.String()
}

// Read reads generated data.
func (p *SyntheticPort) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, io.ErrClosedPipe) {
		return n, ErrClosed
	}
	return n, err
}

// Close stops the generator and unblocks pending reads.
func (p *SyntheticPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.r.Close()
	})
	return nil
}
