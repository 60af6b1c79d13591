// Package serialport opens DC6006L channels on real serial ports.
package serialport

import (
	"fmt"
	"sort"
	"time"

	"go.bug.st/serial"

	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
)

// Mode returns the 8N1 line settings used by the supply.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the port and applies the read timeout so that a silent device
// yields (0, nil) reads instead of blocking.
func Open(name string, baud int, readTimeout time.Duration) (dc6006l.Channel, error) {
	p, err := serial.Open(name, Mode(baud))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	return p, nil
}

// ListPorts returns the serial ports currently present, sorted by name.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// Options returns the device options binding a session to real hardware.
func Options() []dc6006l.Option {
	return []dc6006l.Option{
		dc6006l.WithOpener(Open),
		dc6006l.WithPortLister(ListPorts),
	}
}
