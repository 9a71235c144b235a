package serialtube

import (
	"testing"

	"go.bug.st/serial"
)

// Serial hardware is not present on test machines, so these tests cover
// the open-failure path and option plumbing.

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open("/dev/ttyDOESNOTEXIST0")
	if err == nil {
		t.Fatal("expected error for missing device")
	}
}

func TestOptions(t *testing.T) {
	cfg := config{
		mode: serial.Mode{
			BaudRate: 115200,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
	for _, opt := range []Option{
		WithBaudRate(9600),
		WithParity(serial.EvenParity),
		WithDataBits(7),
		WithStopBits(serial.TwoStopBits),
	} {
		opt(&cfg)
	}

	if cfg.mode.BaudRate != 9600 {
		t.Errorf("BaudRate = %d", cfg.mode.BaudRate)
	}
	if cfg.mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v", cfg.mode.Parity)
	}
	if cfg.mode.DataBits != 7 {
		t.Errorf("DataBits = %d", cfg.mode.DataBits)
	}
	if cfg.mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v", cfg.mode.StopBits)
	}
}
