//go:build !rp2040 && !rp2350

package platform

import (
	"sync"

	"rangefinder-go/drivers/ping"
	"rangefinder-go/errcode"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// HostInit loads the periph host drivers once per process.
func HostInit() error {
	initOnce.Do(func() { _, initErr = host.Init() })
	return initErr
}

// PeriphPin is a ping.Pin over a periph GPIO, e.g. "GPIO17" on a Raspberry Pi.
type PeriphPin struct {
	p gpio.PinIO
}

// OpenPin looks the pin up by its periph name.
func OpenPin(name string) (*PeriphPin, error) {
	if err := HostInit(); err != nil {
		return nil, errcode.Wrap(errcode.PinFault, "host_init", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, &errcode.E{C: errcode.UnknownPin, Op: "open", Msg: name}
	}
	return &PeriphPin{p: p}, nil
}

func (r *PeriphPin) Name() string { return r.p.Name() }

func (r *PeriphPin) ConfigureOutput(initial bool) error { return r.p.Out(gpio.Level(initial)) }

// ConfigureInput leaves the pull as wired; the sensor drives the line.
func (r *PeriphPin) ConfigureInput() error { return r.p.In(gpio.PullNoChange, gpio.NoEdge) }

func (r *PeriphPin) Set(level bool) error { return r.p.Out(gpio.Level(level)) }

func (r *PeriphPin) Get() bool { return r.p.Read() == gpio.High }

// Close halts the pin and leaves it as an input.
func (r *PeriphPin) Close() error {
	if err := r.p.Halt(); err != nil {
		return err
	}
	return r.p.In(gpio.PullNoChange, gpio.NoEdge)
}

var _ ping.Pin = (*PeriphPin)(nil)
