// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"fmt"

	"github.com/threefoldtech/zdbfs/internal/codec"
	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// LookupResult is what a successful lookup returns: the child's inode
// number and attributes, valid for KernelCacheTime seconds.
type LookupResult struct {
	Attr Attr
}

// Lookup resolves name within the directory parent.
func (fs *FileSystem) Lookup(ctx context.Context, parent uint64, name string) (LookupResult, error) {
	prow, err := fs.loadRow(ctx, parent)
	if err != nil {
		return LookupResult{}, err
	}
	defer fs.cache.Release(prow)

	if !prow.Inode.Mode.IsDir() {
		return LookupResult{}, zdbfserr.NotDirectory(fmt.Sprintf("fs.Lookup(%d)", parent))
	}

	child, ok := findDirent(prow.Inode.Dirents, name)
	if !ok {
		return LookupResult{}, zdbfserr.NotFound(fmt.Sprintf("fs.Lookup(%d, %q)", parent, name))
	}

	crow, err := fs.loadRow(ctx, uint64(child.Ino))
	if err != nil {
		return LookupResult{}, err
	}
	defer fs.cache.Release(crow)

	return LookupResult{Attr: fs.attrOf(uint64(child.Ino), crow.Inode)}, nil
}

func findDirent(dirents []codec.Dirent, name string) (codec.Dirent, bool) {
	for _, d := range dirents {
		if string(d.Name) == name {
			return d, true
		}
	}
	return codec.Dirent{}, false
}

func removeDirent(dirents []codec.Dirent, name string) ([]codec.Dirent, bool) {
	for i, d := range dirents {
		if string(d.Name) == name {
			out := append(dirents[:i:i], dirents[i+1:]...)
			return out, true
		}
	}
	return dirents, false
}
