package decimal

// Counter is a strictly monotonic id generator. The engine's event loop is
// single-threaded, so no atomics are needed — the loop is the only caller —
// but the zero value must never be handed out: ids start at 1.
type Counter struct {
	next uint64
}

// NewCounter restores a counter to resume after `last` (snapshot restore
// sets the order/deal counters from the latest slice_history row).
func NewCounter(last uint64) *Counter {
	return &Counter{next: last}
}

// Next allocates the next id.
func (c *Counter) Next() uint64 {
	c.next++
	return c.next
}

// Last returns the most recently allocated id without consuming a new one.
func (c *Counter) Last() uint64 { return c.next }

// Skip advances the counter to at least n, without going backward; used
// after operlog tail replay to resume id allocation past every id the
// replay consumed.
func (c *Counter) Skip(n uint64) {
	if n > c.next {
		c.next = n
	}
}

// Reset rewinds/fast-forwards the counter in place to resume after `last`.
// Unlike NewCounter, this mutates the
// existing Counter rather than allocating a new one, so every holder of
// this *Counter (every MarketEngine sharing it) observes the restored
// value instead of continuing to allocate from a stale copy.
func (c *Counter) Reset(last uint64) {
	c.next = last
}
