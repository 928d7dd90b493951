package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.bug.st/serial"
)

// RealFactory opens hardware ports through go.bug.st/serial.
type RealFactory struct{}

// Open opens the port at path. Reads block until data arrives; closing the
// port unblocks a pending read.
func (RealFactory) Open(path string, opts PortOptions) (Porter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// IsClosed reports whether err from Read means the port is gone for good,
// as opposed to a transient failure worth retrying.
func IsClosed(err error) bool {
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}
