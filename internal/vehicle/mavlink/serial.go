package mavlink

import (
	"fmt"
	"io"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
	"go.bug.st/serial"
)

// DefaultBaudRate is the usual telemetry-radio and flight-controller USB rate.
const DefaultBaudRate = 57600

var standardBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	230400: true, 460800: true, 500000: true, 921600: true, 1500000: true,
}

// PortOptions describes the serial connection to a flight controller or
// telemetry radio. The JSON names match the configuration file.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalise validates the options and applies defaults for any unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if !standardBaudRates[opts.BaudRate] {
		return opts, fmt.Errorf("invalid baud rate %d", opts.BaudRate)
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

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// portOpener is replaced in tests.
var portOpener = func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// SerialEndpoint opens the serial device at path and wraps it as a gomavlib
// endpoint.
func SerialEndpoint(path string, opts PortOptions) (gomavlib.EndpointConf, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options for %s: %w", path, err)
	}
	port, err := portOpener(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return gomavlib.EndpointCustom{ReadWriteCloser: port}, nil
}
