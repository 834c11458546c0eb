//go:build rp2040 || rp2350

package platform

import (
	"machine"

	"rangefinder-go/drivers/ping"
	"rangefinder-go/errcode"
)

// RP2Pin is a ping.Pin over machine.Pin, numbered as Pico GP numbers.
type RP2Pin struct {
	p machine.Pin
	n int
}

// OpenGP returns GPn. Only the user GPIOs (GP0..GP28) are accepted.
func OpenGP(n int) (*RP2Pin, error) {
	if n < 0 || n > 28 {
		return nil, errcode.UnknownPin
	}
	return &RP2Pin{p: machine.Pin(n), n: n}, nil
}

func (r *RP2Pin) Number() int { return r.n }

func (r *RP2Pin) ConfigureOutput(initial bool) error {
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Set(initial)
	return nil
}

func (r *RP2Pin) ConfigureInput() error {
	r.p.Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}

func (r *RP2Pin) Set(level bool) error {
	r.p.Set(level)
	return nil
}

func (r *RP2Pin) Get() bool { return r.p.Get() }

var _ ping.Pin = (*RP2Pin)(nil)
