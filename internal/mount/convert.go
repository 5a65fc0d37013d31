// Copyright 2024 The zdbfs Authors.

// Package mount adapts internal/fs's operation engine to the kernel via
// github.com/jacobsa/fuse: it owns the single dispatcher goroutine the
// engine's no-locking discipline requires, translating each fuseops.*Op into
// an internal/fs call and back.
package mount

import (
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/threefoldtech/zdbfs/internal/codec"
	"github.com/threefoldtech/zdbfs/internal/fs"
)

// attrTTL is how long the kernel may cache an inode's attributes before
// revalidating, mirroring internal/fs.KernelCacheTime.
const attrTTL = fs.KernelCacheTime * time.Second

func toInodeAttributes(a fs.Attr) fuseops.InodeAttributes {
	nlink := a.Links
	if nlink == 0 {
		nlink = 1
	}
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: nlink,
		Mode:  toFileMode(a.Mode),
		Atime: time.Unix(int64(a.Atime), 0),
		Mtime: time.Unix(int64(a.Mtime), 0),
		Ctime: time.Unix(int64(a.Ctime), 0),
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

func attrExpiration() time.Time {
	return time.Now().Add(attrTTL)
}

func toChildInodeEntry(a fs.Attr) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(a.Ino),
		Attributes:           toInodeAttributes(a),
		AttributesExpiration: attrExpiration(),
		EntryExpiration:      attrExpiration(),
	}
}

// toFileMode translates a codec.Mode's file type and permission bits into the
// os.FileMode the kernel interface expects.
func toFileMode(m codec.Mode) os.FileMode {
	perm := os.FileMode(m.Perm())
	switch {
	case m.IsDir():
		return os.ModeDir | perm
	case m.IsSymlink():
		return os.ModeSymlink | perm
	default:
		return perm
	}
}
