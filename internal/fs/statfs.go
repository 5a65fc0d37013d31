// Copyright 2024 The zdbfs Authors.

package fs

import "context"

// BlockSize is the value StatFS reports as its preferred I/O block size,
// matching the block size every regular file is chunked into.
const BlockSize = 131072

// StatFS is the subset of statfs(2)'s reply this filesystem can answer: a
// single-tier view with no fragment size or inode-count accounting, since
// zdbfs has no fixed inode table to report on.
type StatFS struct {
	TotalBytes uint64
	FreeBytes  uint64
	BlockSize  uint32
}

// StatFS reports the configured virtual size and the space left after
// subtracting every regular file's current size, approximated with no
// per-block reservation or backend-side accounting.
func (fs *FileSystem) StatFS(ctx context.Context) StatFS {
	free := fs.cfg.FsSize
	if fs.usedBytes < free {
		free -= fs.usedBytes
	} else {
		free = 0
	}

	return StatFS{
		TotalBytes: fs.cfg.FsSize,
		FreeBytes:  free,
		BlockSize:  BlockSize,
	}
}
