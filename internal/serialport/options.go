package serialport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the instrument's line rate.
const DefaultBaudRate = 115200

// PortOptions describes the serial connection parameters used when opening a
// real serial port. The JSON tags match the session config file.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var standardBaudRates = map[int]bool{
	110: true, 300: true, 600: true, 1200: true, 2400: true, 4800: true, 9600: true,
	14400: true, 19200: true, 28800: true, 38400: true, 57600: true, 115200: true,
	128000: true, 230400: true, 256000: true, 460800: true, 921600: true,
}

// Normalise validates the options and applies defaults for any unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if !standardBaudRates[opts.BaudRate] {
		return opts, fmt.Errorf("invalid baud rate %d: not a standard rate", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.TrimSpace(strings.ToUpper(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}

	return opts, nil
}

// Equal reports whether two PortOptions describe the same serial
// configuration after normalisation.
func (o PortOptions) Equal(other PortOptions) (bool, error) {
	a, err := o.Normalise()
	if err != nil {
		return false, err
	}
	b, err := other.Normalise()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// String renders the options as e.g. "115200 8N1".
func (o PortOptions) String() string {
	return fmt.Sprintf("%d %d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the options into the serial.Mode required by
// go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode, nil
}
