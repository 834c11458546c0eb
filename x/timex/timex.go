package timex

import "time"

// TickDuration is the length of one clock tick. The ranging constants are
// calibrated against 100 ns ticks.
const TickDuration = 100 * time.Nanosecond

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ticks converts d to whole ticks, truncating. Negative durations map to 0.
func Ticks(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / TickDuration)
}

// SinceTicks returns whole ticks elapsed since base on the monotonic clock.
func SinceTicks(base time.Time) int64 { return Ticks(time.Since(base)) }

// MsDuration converts integer milliseconds to a Duration.
func MsDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
