// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"fmt"

	"github.com/threefoldtech/zdbfs/internal/cache"
	"github.com/threefoldtech/zdbfs/internal/codec"
	"github.com/threefoldtech/zdbfs/internal/zdb"
	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// Open opens ino for reading/writing and returns a new file handle.
func (fs *FileSystem) Open(ctx context.Context, ino uint64) (uint64, error) {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return 0, err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsRegular() {
		return 0, zdbfserr.Invalid(fmt.Sprintf("fs.Open(%d)", ino))
	}

	handle := fs.allocFileHandle()
	fs.fileTable[handle] = &FileHandle{Ino: ino}
	return handle, nil
}

// fetchBlock returns the content of block index of row, consulting the
// cache first and falling back to temp (if staged) or data (by permanent
// id, zero-filling holes) on miss.
func (fs *FileSystem) fetchBlock(ctx context.Context, row *cache.InodeRow, index uint64) ([]byte, error) {
	if entry, hit := fs.cache.LookupBlock(row, index); hit {
		return entry.Buf, nil
	}

	if entry, ok := row.Blocks[index]; ok && entry.OffID != 0 {
		b, err := fs.temp.Get(ctx, zdb.Key(entry.OffID))
		if err != nil {
			return nil, zdbfserr.IO(fmt.Sprintf("fs.fetchBlock(temp %d)", entry.OffID), err)
		}
		fs.cache.FillOnline(row, index, b)
		return b, nil
	}

	var dataID uint32
	if index < uint64(len(row.Inode.Blocks)) {
		dataID = row.Inode.Blocks[index]
	}

	if dataID == 0 {
		hole := make([]byte, blockLen(row.Inode.Size, index))
		fs.cache.FillOnline(row, index, hole)
		return hole, nil
	}

	b, err := fs.data.Get(ctx, zdb.Key(dataID))
	if err != nil {
		return nil, zdbfserr.IO(fmt.Sprintf("fs.fetchBlock(data %d)", dataID), err)
	}
	fs.cache.FillOnline(row, index, b)
	return b, nil
}

// blockLen returns the logical length of block index given a file of size.
func blockLen(size uint64, index uint64) int {
	start := index * codec.BlockSize
	if start >= size {
		return 0
	}
	remaining := size - start
	if remaining > codec.BlockSize {
		return codec.BlockSize
	}
	return int(remaining)
}

// Read returns up to length bytes of ino's content starting at off.
func (fs *FileSystem) Read(ctx context.Context, ino uint64, off int64, length int) ([]byte, error) {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return nil, err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsRegular() {
		return nil, zdbfserr.Invalid(fmt.Sprintf("fs.Read(%d)", ino))
	}

	if off < 0 || uint64(off) >= row.Inode.Size {
		return nil, nil
	}

	end := uint64(off) + uint64(length)
	if end > row.Inode.Size {
		end = row.Inode.Size
	}

	out := make([]byte, 0, end-uint64(off))
	for pos := uint64(off); pos < end; {
		index := pos / codec.BlockSize
		blockOff := pos % codec.BlockSize

		buf, err := fs.fetchBlock(ctx, row, index)
		if err != nil {
			return nil, err
		}

		// The block's logical length comes from the inode size; bytes past the
		// end of a shorter buffer (a hole or a grow-truncate) read as zeros.
		avail := uint64(blockLen(row.Inode.Size, index)) - blockOff
		want := end - pos
		if avail > want {
			avail = want
		}
		var have uint64
		if blockOff < uint64(len(buf)) {
			have = uint64(len(buf)) - blockOff
		}
		if have > avail {
			have = avail
		}
		if have > 0 {
			out = append(out, buf[blockOff:blockOff+have]...)
		}
		out = append(out, make([]byte, avail-have)...)
		pos += avail
	}

	return out, nil
}

// Write applies buf at offset off into ino's content, staging touched
// blocks in temp and updating the inode's size without yet writing the
// inode back (that happens at flush/fsync/release).
func (fs *FileSystem) Write(ctx context.Context, ino uint64, off int64, buf []byte) error {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsRegular() {
		return zdbfserr.Invalid(fmt.Sprintf("fs.Write(%d)", ino))
	}

	newSize := uint64(off) + uint64(len(buf))
	if newSize > fs.cfg.FsSize {
		return zdbfserr.NoSpace(fmt.Sprintf("fs.Write(%d)", ino))
	}

	if blocksNeeded(newSize) > uint64(len(row.Inode.Blocks)) {
		grown := make([]uint32, blocksNeeded(newSize))
		copy(grown, row.Inode.Blocks)
		row.Inode.Blocks = grown
	}

	written := 0
	for written < len(buf) {
		pos := uint64(off) + uint64(written)
		index := pos / codec.BlockSize
		blockOff := pos % codec.BlockSize

		chunk := buf[written:]
		room := codec.BlockSize - int(blockOff)
		if len(chunk) > room {
			chunk = chunk[:room]
		}

		current, err := fs.currentBlockForWrite(ctx, row, index, blockOff, len(chunk))
		if err != nil {
			return err
		}
		copy(current[blockOff:], chunk)

		if victim, mustFlush := fs.cache.EnsureCapacity(); mustFlush {
			if err := fs.commitForcedFlush(ctx, victim); err != nil {
				return err
			}
		}

		tempID, err := fs.stageBlock(ctx, row, index, current)
		if err != nil {
			return err
		}
		fs.cache.MarkFlushed(row, index, tempID, current)

		written += len(chunk)
	}

	if newSize > row.Inode.Size {
		fs.adjustUsed(row.Inode.Size, newSize)
		row.Inode.Size = newSize
	}
	fs.touchMtime(row)

	return nil
}

// currentBlockForWrite returns the buffer a write into [blockOff,
// blockOff+length) should be applied to: fetched if the write is partial,
// zero-extended if writing past the block's current logical end, or a bare
// new buffer if the write fully overwrites it.
func (fs *FileSystem) currentBlockForWrite(ctx context.Context, row *cache.InodeRow, index uint64, blockOff uint64, length int) ([]byte, error) {
	needed := int(blockOff) + length
	if blockOff == 0 && needed >= codec.BlockSize {
		return make([]byte, codec.BlockSize), nil
	}

	buf, err := fs.fetchBlock(ctx, row, index)
	if err != nil {
		return nil, err
	}
	if len(buf) < needed {
		grown := make([]byte, needed)
		copy(grown, buf)
		buf = grown
	}
	return buf, nil
}

// stageBlock puts buf into temp, reusing index's existing scratch id if one
// is already assigned.
func (fs *FileSystem) stageBlock(ctx context.Context, row *cache.InodeRow, index uint64, buf []byte) (uint32, error) {
	var key zdb.Key
	if entry, ok := row.Blocks[index]; ok && entry.OffID != 0 {
		key = zdb.Key(entry.OffID)
	}

	assigned, err := fs.temp.Put(ctx, key, buf)
	if err != nil {
		return 0, zdbfserr.IO(fmt.Sprintf("fs.stageBlock(%d)", index), err)
	}
	return uint32(assigned), nil
}

// commitForcedFlush promotes a cache-pressure eviction victim to data,
// rewrites its owning inode's block table slot, and deletes its temp copy,
// per the admission policy's forced-flush-of-LRU-dirty fallback.
func (fs *FileSystem) commitForcedFlush(ctx context.Context, victim *cache.BlockEntry) error {
	dataID, err := fs.data.Put(ctx, zdb.NoKey, victim.Buf)
	if err != nil {
		return zdbfserr.IO("fs.commitForcedFlush", err)
	}

	row := victim.Row
	if victim.Index < uint64(len(row.Inode.Blocks)) {
		row.Inode.Blocks[victim.Index] = uint32(dataID)
	}
	if victim.OffID != 0 {
		_ = fs.temp.Del(ctx, zdb.Key(victim.OffID))
	}

	if err := fs.saveRow(ctx, row); err != nil {
		return err
	}

	fs.cache.CommitFlush(victim)
	fs.cache.Evict(victim)
	return nil
}

// Flush commits every Flushed block of ino to data and writes the inode
// back. fsync and release (on a regular file) share this behavior.
func (fs *FileSystem) Flush(ctx context.Context, ino uint64) error {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsRegular() {
		return nil
	}

	for index, entry := range row.Blocks {
		if entry.State != cache.BlockFlushed {
			continue
		}

		dataID, err := fs.data.Put(ctx, zdb.NoKey, entry.Buf)
		if err != nil {
			return zdbfserr.IO(fmt.Sprintf("fs.Flush(%d, block %d)", ino, index), err)
		}
		if index < uint64(len(row.Inode.Blocks)) {
			row.Inode.Blocks[index] = uint32(dataID)
		}
		if entry.OffID != 0 {
			if err := fs.temp.Del(ctx, zdb.Key(entry.OffID)); err != nil && !zdbfserr.Is(err, zdbfserr.KindNotFound) {
				return err
			}
		}
		fs.cache.CommitFlush(entry)
	}

	return fs.saveRow(ctx, row)
}

// Release closes handle, flushing its inode if it refers to a regular file.
func (fs *FileSystem) Release(ctx context.Context, handle uint64) error {
	fh, ok := fs.fileTable[handle]
	if !ok {
		return nil
	}
	delete(fs.fileTable, handle)
	return fs.Flush(ctx, fh.Ino)
}
