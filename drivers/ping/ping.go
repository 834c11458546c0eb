// Package ping drives single-pin ultrasonic echo rangers such as the Parallax
// PING))) and the Seeed Grove Ultrasonic Ranger. One pin carries both the
// trigger pulse and the echo; the echo's high time is converted to centimetres.
//
// A RangeFinder measures on a fixed cadence and hands each Reading to at most
// one Subscriber:
//
//	rf, err := ping.New(ping.Config{ID: "GP2", Pin: pin, PeriodMs: 1000, Enabled: true})
//	if err != nil {
//		return err
//	}
//	rf.Subscribe(ping.SubscriberFunc(func(r ping.Reading) {
//		println("Range:", r.Distance, "cm")
//	}))
package ping

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"rangefinder-go/errcode"
	"rangefinder-go/x/mathx"
	"rangefinder-go/x/timex"

	"tinygo.org/x/drivers"
)

const (
	// MinPeriodMs is the shortest accepted measurement period.
	MinPeriodMs = 1000

	// TicksPerCm is the round-trip echo time per centimetre in 100 ns ticks
	// (dry air, 20°C).
	TicksPerCm = 580

	// DefaultEchoTimeout bounds each echo wait phase. The sensor's longest
	// pulse is under 19 ms and the holdoff under 1 ms.
	DefaultEchoTimeout = 50 * time.Millisecond
)

// Reading is one distance measurement.
type Reading struct {
	Distance int // centimetres
}

// Pin is a bidirectional digital pin.
type Pin interface {
	ConfigureOutput(initial bool) error
	ConfigureInput() error
	Set(level bool) error
	Get() bool
}

// Subscriber receives readings on the scheduler's goroutine. It must return
// well within one period.
type Subscriber interface {
	OnReading(Reading)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Reading)

func (f SubscriberFunc) OnReading(r Reading) { f(r) }

// Config describes a RangeFinder. Zero values select defaults.
type Config struct {
	ID       string // pin identifier
	Pin      Pin
	PeriodMs int
	Enabled  bool

	EchoTimeout  time.Duration
	Clock        Clock
	NewScheduler func(fn func()) Scheduler

	// OnError receives echo timeouts and pin faults, on the goroutine that
	// ran the measurement, after the protocol lock is released. It may call
	// back into the RangeFinder, including Close.
	OnError func(error)
}

// Stats are cumulative counters.
type Stats struct {
	Cycles   uint32 // protocol executions started
	Readings uint32 // delivered to a subscriber or cached by Update
	Timeouts uint32
	Skipped  uint32 // scheduled cycles dropped while another was running
	Faults   uint32
}

// RangeFinder owns one pin and one scheduler.
type RangeFinder struct {
	id           string
	pin          Pin
	clock        Clock
	timeoutTicks int64
	onError      func(error)
	sched        Scheduler

	// mu guards configuration and the subscriber slot. Never held while
	// the protocol runs.
	mu      sync.Mutex
	period  int
	enabled bool
	closed  bool
	fault   error
	sub     Subscriber

	// measMu serialises protocol executions. Callbacks run after it is
	// released.
	measMu sync.Mutex
	last   atomic.Int64 // centimetres cached by Update

	cycles, readings, timeouts, skipped, faults atomic.Uint32
}

var _ drivers.Sensor = (*RangeFinder)(nil)

// New builds a RangeFinder and applies PeriodMs and Enabled through SetPeriod
// and SetEnabled.
func New(cfg Config) (*RangeFinder, error) {
	if cfg.Pin == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "new", Msg: "nil pin"}
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = DefaultEchoTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = MonotonicClock()
	}
	if cfg.NewScheduler == nil {
		cfg.NewScheduler = func(fn func()) Scheduler { return NewTicker(fn) }
	}
	r := &RangeFinder{
		id:           cfg.ID,
		pin:          cfg.Pin,
		clock:        cfg.Clock,
		timeoutTicks: timex.Ticks(cfg.EchoTimeout),
		onError:      cfg.OnError,
	}
	r.sched = cfg.NewScheduler(r.tick)
	r.SetPeriod(cfg.PeriodMs)
	r.SetEnabled(cfg.Enabled)
	return r, nil
}

func (r *RangeFinder) ID() string { return r.id }

// SetPeriod stores max(ms, MinPeriodMs) and re-applies the enabled state.
func (r *RangeFinder) SetPeriod(ms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.period = mathx.AtLeast(ms, MinPeriodMs)
	r.applyLocked()
}

func (r *RangeFinder) Period() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.period
}

// SetEnabled arms the scheduler to fire now and every period after, or
// disarms it. An in-flight measurement always runs to completion. Enabling
// clears a recorded pin fault. It has no effect after Close.
func (r *RangeFinder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.enabled = on
	if on {
		r.fault = nil
	}
	r.applyLocked()
}

func (r *RangeFinder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *RangeFinder) applyLocked() {
	if r.closed {
		return
	}
	if r.enabled {
		r.sched.Arm(0, timex.MsDuration(r.period))
	} else {
		r.sched.Disarm()
	}
}

// Subscribe replaces the subscriber. nil clears the slot.
func (r *RangeFinder) Subscribe(s Subscriber) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
}

// Err returns the pin fault that disabled the instance, if any.
func (r *RangeFinder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault
}

func (r *RangeFinder) Stats() Stats {
	return Stats{
		Cycles:   r.cycles.Load(),
		Readings: r.readings.Load(),
		Timeouts: r.timeouts.Load(),
		Skipped:  r.skipped.Load(),
		Faults:   r.faults.Load(),
	}
}

// Update runs one measurement outside the schedule and caches it.
// It implements drivers.Sensor; only drivers.Distance is supported.
func (r *RangeFinder) Update(which drivers.Measurement) error {
	if which&drivers.Distance == 0 {
		return nil
	}
	err := r.measureOnce()
	if err != nil && err != errcode.Closed {
		r.report(err)
	}
	return err
}

func (r *RangeFinder) measureOnce() error {
	r.measMu.Lock()
	defer r.measMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errcode.Closed
	}

	rd, err := r.cycle()
	if err != nil {
		return err
	}
	r.last.Store(int64(rd.Distance))
	r.readings.Add(1)
	return nil
}

// Distance returns the centimetres cached by the last Update. It does not
// wait for an in-flight measurement.
func (r *RangeFinder) Distance() int { return int(r.last.Load()) }

// Close stops scheduling, waits for an in-flight measurement and releases
// the pin.
func (r *RangeFinder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.enabled = false
	r.sched.Disarm()
	r.sched.Stop()
	r.mu.Unlock()

	r.measMu.Lock()
	defer r.measMu.Unlock()
	if c, ok := r.pin.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// tick is the scheduler callback.
func (r *RangeFinder) tick() {
	rd, ran, err := r.tickLocked()
	if !ran {
		return
	}
	if err != nil {
		r.report(err)
		return
	}

	r.mu.Lock()
	sub := r.sub
	if r.closed {
		sub = nil
	}
	r.mu.Unlock()
	if sub != nil {
		r.readings.Add(1)
		sub.OnReading(rd)
	}
}

// tickLocked runs one scheduled cycle under measMu and reports whether it ran.
func (r *RangeFinder) tickLocked() (Reading, bool, error) {
	if !r.measMu.TryLock() {
		r.skipped.Add(1)
		return Reading{}, false, nil
	}
	defer r.measMu.Unlock()

	r.mu.Lock()
	skip := r.closed || !r.enabled
	r.mu.Unlock()
	if skip {
		return Reading{}, false, nil
	}
	rd, err := r.cycle()
	return rd, true, err
}

// cycle runs the protocol and records failures. Caller holds measMu.
func (r *RangeFinder) cycle() (Reading, error) {
	r.cycles.Add(1)
	rd, err := r.measure()
	if err == nil {
		return rd, nil
	}
	switch errcode.Of(err) {
	case errcode.Timeout:
		r.timeouts.Add(1)
	case errcode.PinFault:
		r.faults.Add(1)
		r.mu.Lock()
		r.fault = err
		r.enabled = false
		r.applyLocked()
		r.mu.Unlock()
	}
	return Reading{}, err
}

func (r *RangeFinder) report(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
