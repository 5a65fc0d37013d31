// Copyright 2024 The zdbfs Authors.

package cache

import (
	"testing"
	"time"

	"github.com/threefoldtech/zdbfs/internal/clock"
)

func newTestCache(budget int) *Cache {
	return New(clock.NewSimulatedClock(time.Unix(1000, 0)), budget, false)
}

func TestAcquireReuseAndRefcount(t *testing.T) {
	c := newTestCache(32)

	row1 := c.Acquire(5)
	row2 := c.Acquire(5)

	if row1 != row2 {
		t.Fatalf("Acquire(5) twice returned different rows")
	}
	if row1.Ref != 2 {
		t.Fatalf("Ref = %d, want 2", row1.Ref)
	}

	c.Release(row1)
	if row1.Ref != 1 {
		t.Fatalf("Ref after one Release = %d, want 1", row1.Ref)
	}
}

func TestForgetRequiresZeroRef(t *testing.T) {
	c := newTestCache(32)
	row := c.Acquire(5)

	if c.Forget(5) {
		t.Fatalf("Forget succeeded while Ref > 0")
	}

	c.Release(row)
	if !c.Forget(5) {
		t.Fatalf("Forget failed at Ref == 0")
	}
	if _, ok := c.Lookup(5); ok {
		t.Fatalf("row still present after Forget")
	}
}

func TestLookupBlockMissThenHit(t *testing.T) {
	c := newTestCache(32)
	row := c.Acquire(1)

	if _, hit := c.LookupBlock(row, 0); hit {
		t.Fatalf("expected miss on first lookup")
	}

	c.FillOnline(row, 0, []byte("data"))

	entry, hit := c.LookupBlock(row, 0)
	if !hit {
		t.Fatalf("expected hit after FillOnline")
	}
	if entry.State != BlockOnline {
		t.Fatalf("state = %v, want BlockOnline", entry.State)
	}
	if c.Stats().CacheHit != 1 || c.Stats().CacheMiss != 1 {
		t.Fatalf("stats = %+v, want 1 hit 1 miss", c.Stats())
	}
}

func TestNoCacheAlwaysMisses(t *testing.T) {
	c := New(clock.NewSimulatedClock(time.Unix(0, 0)), 32, true)
	row := c.Acquire(1)
	c.FillOnline(row, 0, []byte("data"))

	if _, hit := c.LookupBlock(row, 0); hit {
		t.Fatalf("expected miss with nocache enabled")
	}
}

func TestWriteFlushCommitCycle(t *testing.T) {
	c := newTestCache(32)
	row := c.Acquire(1)

	entry := c.MarkFlushed(row, 0, 77, []byte("dirty"))
	if entry.State != BlockFlushed || entry.OffID != 77 {
		t.Fatalf("entry after MarkFlushed = %+v", entry)
	}

	c.CommitFlush(entry)
	if entry.State != BlockOnline || entry.OffID != 0 {
		t.Fatalf("entry after CommitFlush = %+v", entry)
	}
}

func TestEnsureCapacityEvictsCleanOnlineFirst(t *testing.T) {
	c := newTestCache(2)
	row := c.Acquire(1)

	c.FillOnline(row, 0, []byte("a"))
	c.FillOnline(row, 1, []byte("b"))

	victim, mustFlush := c.EnsureCapacity()
	if mustFlush {
		t.Fatalf("expected EnsureCapacity to self-resolve by evicting a clean block")
	}
	if victim != nil {
		t.Fatalf("expected no victim returned, got %+v", victim)
	}
	if c.Stats().CacheLinearFlush != 1 {
		t.Fatalf("CacheLinearFlush = %d, want 1", c.Stats().CacheLinearFlush)
	}
	if len(c.resident) != 1 {
		t.Fatalf("resident count = %d, want 1 after eviction", len(c.resident))
	}
}

func TestEnsureCapacityForcesFlushWhenAllDirty(t *testing.T) {
	c := newTestCache(1)
	row := c.Acquire(1)

	c.MarkFlushed(row, 0, 10, []byte("dirty"))

	victim, mustFlush := c.EnsureCapacity()
	if !mustFlush {
		t.Fatalf("expected a forced-flush victim when only dirty blocks are resident")
	}
	if victim == nil || victim.Index != 0 {
		t.Fatalf("victim = %+v, want index 0", victim)
	}
	if c.Stats().CacheRandomFlush != 1 {
		t.Fatalf("CacheRandomFlush = %d, want 1", c.Stats().CacheRandomFlush)
	}
}

func TestInvalidateBlockRemovesFromResident(t *testing.T) {
	c := newTestCache(32)
	row := c.Acquire(1)
	c.FillOnline(row, 0, []byte("a"))

	c.InvalidateBlock(row, 0)

	if _, ok := row.Blocks[0]; ok {
		t.Fatalf("block entry still present after InvalidateBlock")
	}
	if len(c.resident) != 0 {
		t.Fatalf("resident list still has %d entries after InvalidateBlock", len(c.resident))
	}
}
