package idempotency

import (
	"testing"
	"time"
)

func TestTryRecordDedup(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(func() time.Time { return now })

	k := Key{UserID: 1, Asset: "USD", Business: "deposit", BusinessID: "tx-1"}
	if got := c.TryRecord(k); got != Fresh {
		t.Fatalf("first TryRecord() = %v, want Fresh", got)
	}
	if got := c.TryRecord(k); got != Duplicate {
		t.Fatalf("second TryRecord() = %v, want Duplicate", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	// A different business_id for the same user/asset/business is a distinct key.
	k2 := Key{UserID: 1, Asset: "USD", Business: "deposit", BusinessID: "tx-2"}
	if got := c.TryRecord(k2); got != Fresh {
		t.Fatalf("TryRecord(k2) = %v, want Fresh", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestSweepRetention(t *testing.T) {
	cur := time.Unix(0, 0)
	c := New(func() time.Time { return cur })

	old := Key{UserID: 1, Asset: "USD", Business: "deposit", BusinessID: "old"}
	c.TryRecord(old)

	cur = cur.Add(23 * time.Hour)
	fresh := Key{UserID: 1, Asset: "USD", Business: "deposit", BusinessID: "fresh"}
	c.TryRecord(fresh)

	cur = cur.Add(2 * time.Hour) // old record is now 25h old, fresh is 2h old
	c.Sweep()

	if got := c.TryRecord(old); got != Fresh {
		t.Errorf("old record should have been swept, TryRecord() = %v, want Fresh", got)
	}
	if got := c.TryRecord(fresh); got != Duplicate {
		t.Errorf("fresh record should survive the sweep, TryRecord() = %v, want Duplicate", got)
	}
}
