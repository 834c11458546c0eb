package ping

import (
	"sync"
	"time"
)

// Scheduler invokes a callback after an initial delay and then periodically.
type Scheduler interface {
	// Arm replaces any previous arming.
	Arm(delay, period time.Duration)
	Disarm()
	// Stop ends the scheduler for good. It does not wait for a running
	// callback.
	Stop()
}

// Ticker is the default Scheduler: one goroutine, one timer. The callback
// never runs concurrently with itself. Ticks missed while the callback
// overran are skipped, keeping the original phase.
type Ticker struct {
	fn func()

	mu    sync.Mutex
	armed bool
	next  time.Time
	every time.Duration
	gen   uint64 // bumped on every Arm/Disarm

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTicker starts a disarmed Ticker for fn.
func NewTicker(fn func()) *Ticker {
	t := &Ticker{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) Arm(delay, period time.Duration) {
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	t.armed = true
	t.next = time.Now().Add(delay)
	t.every = period
	t.gen++
	t.mu.Unlock()
	t.wakeup()
}

func (t *Ticker) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.gen++
	t.mu.Unlock()
	t.wakeup()
}

func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Ticker) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, armed := t.nextWait()
		if !armed {
			select {
			case <-t.done:
				return
			case <-t.wake:
				continue
			}
		}
		if wait <= 0 {
			if !t.fire() {
				return
			}
			continue
		}

		resetTimer(timer, wait)
		select {
		case <-t.done:
			return
		case <-t.wake:
		case <-timer.C:
		}
	}
}

// fire runs the callback for the due tick and schedules the next one.
// It reports false once the ticker is stopped.
func (t *Ticker) fire() bool {
	select {
	case <-t.done:
		return false
	default:
	}

	t.mu.Lock()
	due, gen, armed := t.next, t.gen, t.armed
	t.mu.Unlock()
	if !armed || due.After(time.Now()) {
		return true // re-armed or disarmed since nextWait
	}

	t.fn()

	t.mu.Lock()
	if t.armed && t.gen == gen {
		next := due
		if t.every <= 0 {
			t.armed = false
		} else {
			now := time.Now()
			for !next.After(now) {
				next = next.Add(t.every)
			}
			t.next = next
		}
	}
	t.mu.Unlock()
	return true
}

func (t *Ticker) nextWait() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0, false
	}
	return time.Until(t.next), true
}

func (t *Ticker) wakeup() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// resetTimer safely stops, drains, and resets a timer.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
