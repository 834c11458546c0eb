// Package pingsim simulates a single-pin echo ranger for tests and for hosts
// without the sensor attached.
package pingsim

import (
	"sync"
	"sync/atomic"
	"time"

	"rangefinder-go/drivers/ping"
)

// StepClock is a tick counter that only moves when advanced.
type StepClock struct {
	n atomic.Int64
}

func (c *StepClock) Ticks() int64 { return c.n.Load() }

// Advance moves the clock forward d ticks and returns the new value.
func (c *StepClock) Advance(d int64) int64 { return c.n.Add(d) }

// TicksForDistance is the echo width the sensor produces for cm.
func TicksForDistance(cm int) int64 { return int64(cm) * ping.TicksPerCm }

// EchoSim is a ping.Pin. After a trigger (output high then low) it answers,
// in input mode, with a high level starting holdoff ticks after the falling
// edge and lasting width ticks.
type EchoSim struct {
	clock ping.Clock
	step  func()

	mu        sync.Mutex
	holdoff   int64
	width     int64
	silent    bool
	stuck     bool
	failOp    string
	failErr   error
	output    bool
	level     bool
	trig      int64
	triggered bool
	triggers  int
	closed    bool
}

// NewStepped returns a sim whose clock advances one tick per input sample,
// so the measured width equals width exactly. holdoff is at least one tick.
func NewStepped(holdoff, width int64) (*EchoSim, *StepClock) {
	if holdoff < 1 {
		holdoff = 1
	}
	c := &StepClock{}
	s := &EchoSim{clock: c, step: func() { c.Advance(1) }, holdoff: holdoff, width: width}
	return s, c
}

// NewRealtime returns a sim timed against clock, normally ping.MonotonicClock.
func NewRealtime(clock ping.Clock, holdoff, width int64) *EchoSim {
	return &EchoSim{clock: clock, holdoff: holdoff, width: width}
}

// SetEcho changes the response for subsequent triggers.
func (s *EchoSim) SetEcho(holdoff, width int64) {
	if s.step != nil && holdoff < 1 {
		holdoff = 1
	}
	s.mu.Lock()
	s.holdoff, s.width = holdoff, width
	s.mu.Unlock()
}

// SetSilent makes the echo never rise.
func (s *EchoSim) SetSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

// SetStuck makes the echo never fall once risen.
func (s *EchoSim) SetStuck(v bool) {
	s.mu.Lock()
	s.stuck = v
	s.mu.Unlock()
}

// Fail makes op ("configure_output", "set", "configure_input") return err.
// A nil err clears the injection.
func (s *EchoSim) Fail(op string, err error) {
	s.mu.Lock()
	s.failOp, s.failErr = op, err
	s.mu.Unlock()
}

// Triggers counts completed trigger pulses.
func (s *EchoSim) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

func (s *EchoSim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *EchoSim) failing(op string) error {
	if s.failErr != nil && s.failOp == op {
		return s.failErr
	}
	return nil
}

func (s *EchoSim) ConfigureOutput(initial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing("configure_output"); err != nil {
		return err
	}
	s.output = true
	s.level = initial
	return nil
}

func (s *EchoSim) ConfigureInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing("configure_input"); err != nil {
		return err
	}
	s.output = false
	return nil
}

func (s *EchoSim) Set(level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing("set"); err != nil {
		return err
	}
	if !s.output {
		return nil
	}
	if s.level && !level {
		s.trig = s.clock.Ticks()
		s.triggered = true
		s.triggers++
	}
	s.level = level
	return nil
}

func (s *EchoSim) Get() bool {
	if s.step != nil {
		s.step()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output {
		return s.level
	}
	if !s.triggered || s.silent {
		return false
	}
	rel := s.clock.Ticks() - s.trig
	if rel < s.holdoff {
		return false
	}
	if s.stuck {
		return true
	}
	return rel < s.holdoff+s.width
}

func (s *EchoSim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ ping.Pin = (*EchoSim)(nil)

// ManualScheduler is a ping.Scheduler that only fires on Fire.
type ManualScheduler struct {
	mu      sync.Mutex
	fn      func()
	armed   bool
	stopped bool
	delay   time.Duration
	period  time.Duration
	arms    int
	disarms int
}

// New is usable as ping.Config.NewScheduler.
func (m *ManualScheduler) New(fn func()) ping.Scheduler {
	m.mu.Lock()
	m.fn = fn
	m.mu.Unlock()
	return m
}

func (m *ManualScheduler) Arm(delay, period time.Duration) {
	m.mu.Lock()
	m.armed, m.delay, m.period = true, delay, period
	m.arms++
	m.mu.Unlock()
}

func (m *ManualScheduler) Disarm() {
	m.mu.Lock()
	m.armed = false
	m.disarms++
	m.mu.Unlock()
}

func (m *ManualScheduler) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Fire runs the callback if armed and reports whether it ran.
func (m *ManualScheduler) Fire() bool {
	m.mu.Lock()
	fn, ok := m.fn, m.armed && !m.stopped
	m.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn()
	return true
}

func (m *ManualScheduler) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed && !m.stopped
}

func (m *ManualScheduler) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Cadence returns the delay and period of the last Arm.
func (m *ManualScheduler) Cadence() (delay, period time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay, m.period
}

// Counts returns the number of Arm and Disarm calls.
func (m *ManualScheduler) Counts() (arms, disarms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arms, m.disarms
}
