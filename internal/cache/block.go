// Copyright 2024 The zdbfs Authors.

package cache

// BlockState is a block cache entry's position in the offline/online/
// flushed state machine.
type BlockState int

const (
	// BlockOffline means the block is not resident in memory.
	BlockOffline BlockState = iota
	// BlockOnline means the block is resident and clean.
	BlockOnline
	// BlockFlushed means the block is resident, dirty, and staged under
	// OffID in the temp namespace, awaiting commit to data.
	BlockFlushed
)

// BlockEntry is one cached block of a regular file's content.
type BlockEntry struct {
	// Index is the block's position within the file (offset / BlockSize).
	Index uint64

	// Buf holds the block's bytes while State != BlockOffline. Its
	// allocated length may exceed the logical content length for the final
	// (possibly partial) block of a file.
	Buf []byte

	State BlockState

	// OffID is the temp-namespace key this block is staged under while
	// BlockFlushed, or 0 if it has never been staged.
	OffID uint32

	// AccessCount counts reads and writes serviced from this entry, for
	// diagnostics; it does not drive eviction (Atime does).
	AccessCount uint64

	// Atime is the monotonic access time last touched, used for LRU
	// eviction ordering.
	Atime int64

	// Row is the inode cache row this block belongs to, so a caller that
	// receives a forced-flush victim from EnsureCapacity can reach the
	// owning inode to rewrite its block table.
	Row *InodeRow
}

// block returns the cache entry for index within row, creating an offline
// placeholder if none exists yet.
func (c *Cache) block(row *InodeRow, index uint64) *BlockEntry {
	entry, ok := row.Blocks[index]
	if ok {
		return entry
	}
	entry = &BlockEntry{Index: index, State: BlockOffline, Row: row}
	row.Blocks[index] = entry
	return entry
}

// LookupBlock reports whether block index of row is resident (online or
// flushed), updating hit/miss statistics and the entry's LRU timestamp.
func (c *Cache) LookupBlock(row *InodeRow, index uint64) (*BlockEntry, bool) {
	entry, ok := row.Blocks[index]
	if c.noCache || !ok || entry.State == BlockOffline {
		c.stats.CacheMiss++
		return entry, false
	}

	c.stats.CacheHit++
	entry.AccessCount++
	entry.Atime = c.clock.Now().Unix()
	return entry, true
}

// EnsureCapacity makes room for one more resident block before the caller
// fetches or creates one, per the admission and eviction policy: first try
// to evict a clean online block (a "linear" pass over the resident list);
// if none is clean, the least-recently-used flushed (dirty) block must
// instead be forcibly flushed to data and promoted before it can be
// evicted. In that second case EnsureCapacity cannot complete the job
// itself — writing to data is a backend round trip the cache package has no
// access to — so it returns that victim and the caller (internal/fs) must
// commit it via CommitForceFlush before proceeding.
func (c *Cache) EnsureCapacity() (victim *BlockEntry, mustFlush bool) {
	if len(c.resident) < c.budget {
		return nil, false
	}

	c.stats.CacheFull++

	if lru := c.lruByState(BlockOnline); lru != nil {
		c.evictLocked(lru)
		c.stats.CacheLinearFlush++
		return nil, false
	}

	if lru := c.lruByState(BlockFlushed); lru != nil {
		c.stats.CacheRandomFlush++
		return lru, true
	}

	return nil, false
}

// lruByState returns the resident entry of the given state with the oldest
// Atime, or nil if none match.
func (c *Cache) lruByState(state BlockState) *BlockEntry {
	var lru *BlockEntry
	for _, e := range c.resident {
		if e.State != state {
			continue
		}
		if lru == nil || e.Atime < lru.Atime {
			lru = e
		}
	}
	return lru
}

// FillOnline records that index's content has been fetched from the backend
// (or freshly zero-filled for a hole) and marks the entry online.
func (c *Cache) FillOnline(row *InodeRow, index uint64, buf []byte) *BlockEntry {
	entry := c.block(row, index)
	wasResident := entry.State != BlockOffline

	entry.Buf = buf
	entry.State = BlockOnline
	entry.Atime = c.clock.Now().Unix()

	if !wasResident {
		c.resident = append(c.resident, entry)
	}
	return entry
}

// MarkFlushed records a write into index's buffer: buf becomes the entry's
// content, staged under tempID in the temp namespace, and the entry's state
// moves to Flushed (dirty).
func (c *Cache) MarkFlushed(row *InodeRow, index uint64, tempID uint32, buf []byte) *BlockEntry {
	entry := c.block(row, index)
	wasResident := entry.State != BlockOffline

	entry.Buf = buf
	entry.OffID = tempID
	entry.State = BlockFlushed
	entry.Atime = c.clock.Now().Unix()

	if !wasResident {
		c.resident = append(c.resident, entry)
	}
	return entry
}

// CommitFlush records that a Flushed entry's bytes have been written to data
// under dataID and its temp copy removed: the entry returns to Online.
func (c *Cache) CommitFlush(entry *BlockEntry) {
	entry.OffID = 0
	entry.State = BlockOnline
	entry.Atime = c.clock.Now().Unix()
}

// Evict drops index's buffer from memory, returning it to Offline. It must
// not be called on a Flushed entry without first committing it — flush/fsync
// uses CommitFlush, and plain cache pressure uses EnsureCapacity, which only
// evicts clean Online entries directly.
func (c *Cache) Evict(entry *BlockEntry) {
	c.evictLocked(entry)
}

func (c *Cache) evictLocked(entry *BlockEntry) {
	entry.Buf = nil
	entry.State = BlockOffline
	c.removeResident(entry)
}

// InvalidateBlock drops any cached state for index entirely (used when
// truncation removes that slot from the block table).
func (c *Cache) InvalidateBlock(row *InodeRow, index uint64) {
	if entry, ok := row.Blocks[index]; ok {
		c.removeResident(entry)
		delete(row.Blocks, index)
	}
}

func (c *Cache) removeResident(entry *BlockEntry) {
	for i, e := range c.resident {
		if e == entry {
			c.resident = append(c.resident[:i], c.resident[i+1:]...)
			return
		}
	}
}
