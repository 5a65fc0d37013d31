// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"sync/atomic"

	"github.com/threefoldtech/zdbfs/internal/logger"
)

// Snapshot flushes every inode currently holding a dirty (staged-in-temp)
// block to data, then bumps and returns the generation counter the original
// zdbfs exposes through its ioctl(2) SNAPSHOT request. jacobsa/fuse's
// fuseops carries no IoctlOp, so internal/mount surfaces this over its own
// out-of-band control channel rather than the kernel ioctl path; see
// DESIGN.md's internal/mount entry for that divergence.
func (fs *FileSystem) Snapshot(ctx context.Context) (uint64, error) {
	dirty := fs.cache.DirtyInodes()
	for _, ino := range dirty {
		if err := fs.Flush(ctx, ino); err != nil {
			return 0, err
		}
	}

	gen := atomic.AddUint64(&fs.generation, 1)
	logger.Infof("fs: snapshot %d committed %d inode(s)", gen, len(dirty))
	return gen, nil
}
