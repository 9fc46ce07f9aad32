package aiqueue

import "time"

// bucket is a token bucket refilled on a fixed tick.
//
// Balances are kept in integer units where one token equals window
// nanoseconds of credit and each elapsed nanosecond adds capacity units.
// This keeps refill and wait computations exact for any window.
type bucket struct {
	capacity int64
	window   int64
	tick     time.Duration
	units    int64
	last     time.Time
}

func newBucket(capacity int, window, tick time.Duration, now time.Time) *bucket {
	b := &bucket{
		capacity: int64(capacity),
		window:   int64(window),
		tick:     tick,
		last:     now,
	}
	b.units = b.max()
	return b
}

func (b *bucket) max() int64 {
	return b.capacity * b.window
}

// refill credits every whole tick elapsed since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed < b.tick {
		return
	}
	ticks := elapsed / b.tick
	b.last = b.last.Add(ticks * b.tick)
	if b.units >= b.max() {
		return
	}
	credit := int64(ticks) * int64(b.tick)
	if credit >= b.window {
		b.units = b.max()
		return
	}
	b.units += credit * b.capacity
	if b.units > b.max() {
		b.units = b.max()
	}
}

// take debits one token if available.
func (b *bucket) take() bool {
	if b.units < b.window {
		return false
	}
	b.units -= b.window
	return true
}

// wait returns how long until one token is available, rounded up to the tick.
func (b *bucket) wait() time.Duration {
	missing := b.window - b.units
	if missing <= 0 {
		return 0
	}
	perTick := int64(b.tick) * b.capacity
	ticks := (missing + perTick - 1) / perTick
	return time.Duration(ticks) * b.tick
}

// tokens reports the balance in tokens, including the fractional part.
func (b *bucket) tokens() float64 {
	return float64(b.units) / float64(b.window)
}
