// Package idempotency deduplicates external balance mutations by
// (user, asset, business, business_id), retained 24h and swept every 60s.
// It lives entirely on the single event-loop goroutine alongside the
// ledger and order books, so — like pkg/ledger — it deliberately carries
// no mutex.
package idempotency

import "time"

// Key identifies one balance-mutation command for deduplication purposes.
type Key struct {
	UserID     uint32
	Asset      string
	Business   string
	BusinessID string
}

// Result is the outcome of TryRecord: Fresh means the caller should
// proceed with the mutation; Duplicate means the key was already recorded
// and the mutation must not be applied again.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

const retention = 24 * time.Hour

// Cache is the idempotency record store.
type Cache struct {
	now     func() time.Time
	records map[Key]time.Time
}

func New(now func() time.Time) *Cache {
	return &Cache{now: now, records: make(map[Key]time.Time)}
}

// TryRecord returns Fresh and records the key on first sight, Duplicate on
// every call within the retention window thereafter.
func (c *Cache) TryRecord(k Key) Result {
	if _, ok := c.records[k]; ok {
		return Duplicate
	}
	c.records[k] = c.now()
	return Fresh
}

// Sweep purges every record older than the 24h retention window; call from
// the 60s sweep timer.
func (c *Cache) Sweep() {
	cutoff := c.now().Add(-retention)
	for k, t := range c.records {
		if t.Before(cutoff) {
			delete(c.records, k)
		}
	}
}

// Len reports the current record count, for status/metrics.
func (c *Cache) Len() int { return len(c.records) }
