// Copyright 2024 The zdbfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache is the two-level indirect inode/block cache: a fixed
// 1024-branch top level addressed by ino mod 1024, each branch an unordered,
// on-demand-grown list of inode cache rows, and per-row block cache entries
// with their offline/online/flushed state machine.
//
// Like gcsproxy's MutableContent, this package performs no locking of its
// own — external synchronization is required. The filesystem operation
// engine is the single dispatcher thread the concurrency model requires, and
// it is the only caller permitted to touch a Cache.
package cache

import (
	"github.com/threefoldtech/zdbfs/internal/clock"
	"github.com/threefoldtech/zdbfs/internal/codec"
)

// branchCount is the inoroot top level's fixed branch count.
const branchCount = 1024

// Stats mirrors the backend's own in-memory counters (stats_t), exposed as a
// plain snapshot rather than wired to a metrics exporter — SPEC_FULL.md
// carries no external metrics surface, only this in-process accounting.
type Stats struct {
	CacheHit         uint64
	CacheMiss        uint64
	CacheFull        uint64
	CacheLinearFlush uint64
	CacheRandomFlush uint64
}

// Cache is the inode/block cache for one filesystem instance.
type Cache struct {
	clock clock.Clock

	branches [branchCount][]*InodeRow

	// budget is cachesize: the maximum number of block buffers (online or
	// flushed) resident in memory at once.
	budget int

	// noCache disables admission: every read is required to be re-fetched
	// rather than served from a resident buffer (spec §6's nocache option).
	// Writes still stage in temp regardless, since flush/commit semantics
	// don't depend on the cache being populated.
	noCache bool

	// resident lists every block entry currently Online or Flushed, across
	// all rows, in no particular order; eviction scans it for the
	// least-recently-used candidate. cachesize defaults to 32, so a linear
	// scan here is cheap and keeps the package free of a second indexing
	// structure to keep consistent with the branch lists.
	resident []*BlockEntry

	stats Stats
}

// New returns an empty Cache with the given online block budget.
func New(clk clock.Clock, cachesize int, noCache bool) *Cache {
	if cachesize <= 0 {
		cachesize = 32
	}
	return &Cache{
		clock:   clk,
		budget:  cachesize,
		noCache: noCache,
	}
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

func branchOf(ino uint64) int {
	return int(ino % branchCount)
}

// InodeRow is the single mutable in-memory representative of one inode.
type InodeRow struct {
	Ino   uint64
	Ref   int
	Inode *codec.Inode
	Atime int64

	// Blocks is keyed by the block's index within the file, not by its
	// backend id — the index is stable across temp/data promotion, the id
	// is not.
	Blocks map[uint64]*BlockEntry
}

// Acquire returns the cache row for ino, creating an empty one (Inode == nil
// until the caller populates it) if this is the first reference, and bumps
// the row's reference count. Every Acquire must be matched by a Release on
// every exit path, including error paths, per the scoped-acquisition
// discipline.
func (c *Cache) Acquire(ino uint64) *InodeRow {
	branch := branchOf(ino)
	for _, row := range c.branches[branch] {
		if row.Ino == ino {
			row.Ref++
			return row
		}
	}

	row := &InodeRow{
		Ino:    ino,
		Ref:    1,
		Blocks: make(map[uint64]*BlockEntry),
	}
	c.branches[branch] = append(c.branches[branch], row)
	return row
}

// Lookup returns the existing row for ino without creating one or touching
// its reference count, for read-only callers like stat aggregation.
func (c *Cache) Lookup(ino uint64) (*InodeRow, bool) {
	branch := branchOf(ino)
	for _, row := range c.branches[branch] {
		if row.Ino == ino {
			return row, true
		}
	}
	return nil, false
}

// Release drops a reference previously obtained from Acquire.
func (c *Cache) Release(row *InodeRow) {
	if row.Ref > 0 {
		row.Ref--
	}
}

// Touch refreshes a row's LRU timestamp.
func (c *Cache) Touch(row *InodeRow) {
	row.Atime = c.clock.Now().Unix()
}

// DirtyInodes returns the inode number of every row holding at least one
// Flushed (staged-in-temp, not yet committed to data) block, for the
// SNAPSHOT control path to flush ahead of bumping its generation counter.
func (c *Cache) DirtyInodes() []uint64 {
	var dirty []uint64
	for _, branch := range c.branches {
		for _, row := range branch {
			for _, entry := range row.Blocks {
				if entry.State == BlockFlushed {
					dirty = append(dirty, row.Ino)
					break
				}
			}
		}
	}
	return dirty
}

// Forget evicts the row for ino if its reference count is zero, per "row
// eviction requires ref == 0". It reports whether the row was removed.
func (c *Cache) Forget(ino uint64) bool {
	branch := branchOf(ino)
	rows := c.branches[branch]
	for i, row := range rows {
		if row.Ino != ino {
			continue
		}
		if row.Ref > 0 {
			return false
		}
		for _, entry := range row.Blocks {
			c.removeResident(entry)
		}
		c.branches[branch] = append(rows[:i], rows[i+1:]...)
		return true
	}
	return false
}
