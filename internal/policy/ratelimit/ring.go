package ratelimit

import "time"

// ring is a fixed-capacity FIFO of timestamps. Pushing into a full ring drops the oldest.
type ring struct {
	buf  []time.Time
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]time.Time, capacity)}
}

func (r *ring) push(t time.Time) {
	if r.size == len(r.buf) {
		r.buf[r.head] = t
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = t
	r.size++
}

// trimBefore drops entries older than cutoff from the front.
func (r *ring) trimBefore(cutoff time.Time) {
	for r.size > 0 && r.buf[r.head].Before(cutoff) {
		r.buf[r.head] = time.Time{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}

func (r *ring) len() int {
	return r.size
}
