// Package serialport abstracts the instrument's serial connection so the
// acquisition loop can be driven by real hardware, a synthetic generator or
// a test double.
package serialport

import (
	"io"
)

// Porter is the minimal interface needed for a serial port.
type Porter interface {
	io.Reader
	io.Closer
}

// InputFlusher is implemented by ports that can discard buffered input.
// go.bug.st/serial ports implement it.
type InputFlusher interface {
	ResetInputBuffer() error
}

// Factory opens serial ports.
type Factory interface {
	// Open opens the port at path with the given options.
	Open(path string, opts PortOptions) (Porter, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(path string, opts PortOptions) (Porter, error)

// Open calls f.
func (f FactoryFunc) Open(path string, opts PortOptions) (Porter, error) {
	return f(path, opts)
}
