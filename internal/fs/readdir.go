// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"fmt"

	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// DirEntry is one entry streamed back by ReadDir, including the synthesized
// "." and ".." the backend never stores.
type DirEntry struct {
	Ino  uint64
	Name string
	Dir  bool
}

// OpenDir opens ino for directory reading and returns a new directory
// handle snapshotting the current direntries.
func (fs *FileSystem) OpenDir(ctx context.Context, ino uint64) (uint64, error) {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return 0, err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsDir() {
		return 0, zdbfserr.NotDirectory(fmt.Sprintf("fs.OpenDir(%d)", ino))
	}

	snapshot := make([]DirEntry, len(row.Inode.Dirents))
	for i, d := range row.Inode.Dirents {
		snapshot[i] = DirEntry{Ino: uint64(d.Ino), Name: string(d.Name), Dir: fs.childIsDir(ctx, uint64(d.Ino))}
	}

	handle := fs.allocDirHandle()
	fs.dirTable[handle] = &DirHandle{Ino: ino, Entries: snapshot}
	return handle, nil
}

// childIsDir reports whether ino's stored inode is a directory, resolving
// the type readdir(2)'s d_type needs but codec.Dirent itself doesn't carry.
// A lookup failure (the child row went missing between dirent write and
// this read) is reported as non-directory rather than failing the whole
// listing.
func (fs *FileSystem) childIsDir(ctx context.Context, ino uint64) bool {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return false
	}
	defer fs.cache.Release(row)
	return row.Inode.Mode.IsDir()
}

// ReadDir returns handle's entries starting at index offset, in the synthetic
// order "." , "..", then stored direntries in stored order.
func (fs *FileSystem) ReadDir(ctx context.Context, handle uint64, offset int) ([]DirEntry, error) {
	dh, ok := fs.dirTable[handle]
	if !ok {
		return nil, zdbfserr.Invalid(fmt.Sprintf("fs.ReadDir(%d)", handle))
	}

	self := dh.Ino
	parent, ok := fs.dirParent[self]
	if !ok {
		parent = self
	}

	all := make([]DirEntry, 0, len(dh.Entries)+2)
	all = append(all, DirEntry{Ino: self, Name: ".", Dir: true})
	all = append(all, DirEntry{Ino: parent, Name: "..", Dir: true})
	all = append(all, dh.Entries...)

	if offset < 0 || offset >= len(all) {
		return nil, nil
	}
	return all[offset:], nil
}

// ReleaseDirHandle closes a directory handle opened with OpenDir.
func (fs *FileSystem) ReleaseDirHandle(handle uint64) {
	delete(fs.dirTable, handle)
}
