package ping

import (
	"time"

	"rangefinder-go/errcode"
	"rangefinder-go/x/mathx"
	"rangefinder-go/x/timex"
)

// Clock is a monotonic tick source, one tick per timex.TickDuration.
type Clock interface {
	Ticks() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Ticks() int64 { return f() }

// MonotonicClock counts ticks from the moment it is created.
func MonotonicClock() Clock {
	base := time.Now()
	return ClockFunc(func() int64 { return timex.SinceTicks(base) })
}

// DistanceFromTicks converts an echo high time to whole centimetres.
func DistanceFromTicks(elapsed int64) int {
	return int(mathx.FloorDiv(elapsed, TicksPerCm))
}

// measure performs one trigger/echo exchange. Caller holds measMu.
//
// The trigger is a bare high/low transition with no hold time; the sensor
// answers with a high pulse whose width is the round-trip time.
func (r *RangeFinder) measure() (Reading, error) {
	p := r.pin
	if err := p.ConfigureOutput(false); err != nil {
		return Reading{}, errcode.Wrap(errcode.PinFault, "configure_output", err)
	}
	if err := p.Set(true); err != nil {
		return Reading{}, errcode.Wrap(errcode.PinFault, "set_high", err)
	}
	if err := p.Set(false); err != nil {
		return Reading{}, errcode.Wrap(errcode.PinFault, "set_low", err)
	}
	if err := p.ConfigureInput(); err != nil {
		return Reading{}, errcode.Wrap(errcode.PinFault, "configure_input", err)
	}

	c, limit := r.clock, r.timeoutTicks

	// Rising edge.
	begin := c.Ticks()
	for !p.Get() {
		if c.Ticks()-begin > limit {
			return Reading{}, &errcode.E{C: errcode.Timeout, Op: "await_rising"}
		}
	}
	start := c.Ticks()

	// Falling edge.
	for p.Get() {
		if c.Ticks()-start > limit {
			return Reading{}, &errcode.E{C: errcode.Timeout, Op: "await_falling"}
		}
	}
	end := c.Ticks()

	return Reading{Distance: DistanceFromTicks(end - start)}, nil
}
