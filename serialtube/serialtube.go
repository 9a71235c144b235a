// Package serialtube opens a serial device and exposes it as a tube.
// There are no process or socket semantics here: reads and writes map
// directly onto device I/O, and end-of-stream only occurs when the
// device is closed or disappears.
package serialtube

import (
	"go.bug.st/serial"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
	"pwnkit/util"
)

// Option configures the port before it is opened.
type Option func(*config)

type config struct {
	mode     serial.Mode
	logger   *util.Logger
	tubeOpts []tube.Option
}

// WithBaudRate sets the line speed (default 115200).
func WithBaudRate(baud int) Option {
	return func(c *config) { c.mode.BaudRate = baud }
}

// WithParity sets the parity discipline (default none).
func WithParity(p serial.Parity) Option {
	return func(c *config) { c.mode.Parity = p }
}

// WithDataBits sets the character size (default 8).
func WithDataBits(n int) Option {
	return func(c *config) { c.mode.DataBits = n }
}

// WithStopBits sets the stop bit count (default one).
func WithStopBits(s serial.StopBits) Option {
	return func(c *config) { c.mode.StopBits = s }
}

// WithLogger attaches a logger to the open and the resulting tube.
func WithLogger(l *util.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTubeOptions forwards options (timeout, newline, metrics) to the
// underlying tube.
func WithTubeOptions(opts ...tube.Option) Option {
	return func(c *config) { c.tubeOpts = append(c.tubeOpts, opts...) }
}

// Serial is a tube over a serial device.
type Serial struct {
	*tube.Tube
	device string
	port   serial.Port
	mode   serial.Mode
}

// Open opens the device path with the configured line parameters and
// returns it as a tube.  Device open failures surface here.
func Open(device string, opts ...Option) (*Serial, error) {
	cfg := config{
		mode: serial.Mode{
			BaudRate: 115200,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	port, err := serial.Open(device, &cfg.mode)
	if err != nil {
		return nil, errs.Wrap("open", device, err)
	}

	cfg.logger.Verbose("serial: opened %s at %d baud", device, cfg.mode.BaudRate)

	tubeOpts := append([]tube.Option{tube.WithLogger(cfg.logger)}, cfg.tubeOpts...)
	return &Serial{
		Tube:   tube.New(port, tubeOpts...),
		device: device,
		port:   port,
		mode:   cfg.mode,
	}, nil
}

// Device returns the device path the tube was opened on.
func (s *Serial) Device() string { return s.device }

// SetBaudRate changes the line speed on the open port, keeping the
// other line parameters.
func (s *Serial) SetBaudRate(baud int) error {
	s.mode.BaudRate = baud
	return s.port.SetMode(&s.mode)
}
