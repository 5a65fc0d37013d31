// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"fmt"
	"os"

	"github.com/threefoldtech/zdbfs/internal/cache"
	"github.com/threefoldtech/zdbfs/internal/codec"
	"github.com/threefoldtech/zdbfs/internal/zdb"
	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

const maxNameLen = 65529 // 16-bit direntry size field minus its own header

func validName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return zdbfserr.Invalid("fs: name length")
	}
	return nil
}

// createChild allocates a new inode of the given mode under parent with
// name, appends the direntry, and writes both records back.
func (fs *FileSystem) createChild(ctx context.Context, parent uint64, name string, mode codec.Mode, uid, gid uint32) (*cache.InodeRow, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	prow, err := fs.loadRow(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer fs.cache.Release(prow)

	if !prow.Inode.Mode.IsDir() {
		return nil, zdbfserr.NotDirectory(fmt.Sprintf("fs.createChild(%d)", parent))
	}
	if _, exists := findDirent(prow.Inode.Dirents, name); exists {
		return nil, zdbfserr.Exists(fmt.Sprintf("fs.createChild(%d, %q)", parent, name))
	}

	ino := fs.allocInode()
	now := uint32(fs.clock.Now().Unix())

	child := &codec.Inode{
		Mode:  mode,
		Uid:   uint16(uid),
		Gid:   uint16(gid),
		Links: 1,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if mode.IsDir() {
		child.Links = 2
		prow.Inode.Links++
		fs.dirParent[ino] = parent
	}

	crow := fs.cache.Acquire(ino)
	crow.Inode = child

	prow.Inode.Dirents = append(prow.Inode.Dirents, codec.Dirent{Ino: uint32(ino), Name: []byte(name)})
	prow.Inode.Size = uint64(codec.DirSize(prow.Inode.Dirents))
	fs.touchMtime(prow)

	if err := fs.saveRow(ctx, crow); err != nil {
		fs.cache.Release(crow)
		return nil, err
	}
	if err := fs.saveRow(ctx, prow); err != nil {
		fs.cache.Release(crow)
		return nil, err
	}

	return crow, nil
}

// MkDir creates an empty directory inode named name under parent.
func (fs *FileSystem) MkDir(ctx context.Context, parent uint64, name string, mode os.FileMode, uid, gid uint32) (LookupResult, error) {
	row, err := fs.createChild(ctx, parent, name, codec.NewDirMode(uint32(mode.Perm())), uid, gid)
	if err != nil {
		return LookupResult{}, err
	}
	defer fs.cache.Release(row)
	return LookupResult{Attr: fs.attrOf(row.Ino, row.Inode)}, nil
}

// Create creates an empty regular-file inode named name under parent and
// opens it, returning a handle alongside the new inode's attributes.
func (fs *FileSystem) Create(ctx context.Context, parent uint64, name string, mode os.FileMode, uid, gid uint32) (LookupResult, uint64, error) {
	row, err := fs.createChild(ctx, parent, name, codec.NewFileMode(uint32(mode.Perm())), uid, gid)
	if err != nil {
		return LookupResult{}, 0, err
	}
	defer fs.cache.Release(row)

	handle := fs.allocFileHandle()
	fs.fileTable[handle] = &FileHandle{Ino: row.Ino}

	return LookupResult{Attr: fs.attrOf(row.Ino, row.Inode)}, handle, nil
}

// Symlink creates a symlink inode named name under parent pointing at
// target.
func (fs *FileSystem) Symlink(ctx context.Context, parent uint64, name, target string, uid, gid uint32) (LookupResult, error) {
	row, err := fs.createChild(ctx, parent, name, codec.NewSymlinkMode(), uid, gid)
	if err != nil {
		return LookupResult{}, err
	}
	defer fs.cache.Release(row)

	row.Inode.Symlink = []byte(target)
	row.Inode.Size = uint64(len(target))
	if err := fs.saveRow(ctx, row); err != nil {
		return LookupResult{}, err
	}

	return LookupResult{Attr: fs.attrOf(row.Ino, row.Inode)}, nil
}

// ReadSymlink returns ino's stored target.
func (fs *FileSystem) ReadSymlink(ctx context.Context, ino uint64) (string, error) {
	row, err := fs.loadRow(ctx, ino)
	if err != nil {
		return "", err
	}
	defer fs.cache.Release(row)

	if !row.Inode.Mode.IsSymlink() {
		return "", zdbfserr.Invalid(fmt.Sprintf("fs.ReadSymlink(%d)", ino))
	}
	return string(row.Inode.Symlink), nil
}

// unlinkCommon removes name's direntry from parent, decrements the target's
// link count, and if that drops to zero frees its blocks and meta record.
// wantDir selects RmDir's checks (the target must be an empty directory)
// over Unlink's (the target must not be a directory).
func (fs *FileSystem) unlinkCommon(ctx context.Context, parent uint64, name string, wantDir bool) error {
	prow, err := fs.loadRow(ctx, parent)
	if err != nil {
		return err
	}
	defer fs.cache.Release(prow)

	dirent, ok := findDirent(prow.Inode.Dirents, name)
	if !ok {
		return zdbfserr.NotFound(fmt.Sprintf("fs.unlink(%d, %q)", parent, name))
	}

	crow, err := fs.loadRow(ctx, uint64(dirent.Ino))
	if err != nil {
		return err
	}
	defer fs.cache.Release(crow)

	if wantDir {
		if !crow.Inode.Mode.IsDir() {
			return zdbfserr.NotDirectory(fmt.Sprintf("fs.rmdir(%d, %q)", parent, name))
		}
		if len(crow.Inode.Dirents) > 0 {
			return zdbfserr.NotEmpty(fmt.Sprintf("fs.rmdir(%d, %q)", parent, name))
		}
	} else if crow.Inode.Mode.IsDir() {
		return zdbfserr.IsDirectory(fmt.Sprintf("fs.unlink(%d, %q)", parent, name))
	}

	dirents, _ := removeDirent(prow.Inode.Dirents, name)
	prow.Inode.Dirents = dirents
	prow.Inode.Size = uint64(codec.DirSize(dirents))
	if wantDir {
		prow.Inode.Links--
	}
	fs.touchMtime(prow)

	if wantDir {
		// Removing an empty directory also drops its own "." link.
		crow.Inode.Links = 0
	} else {
		crow.Inode.Links--
	}
	if crow.Inode.Links == 0 {
		if crow.Inode.Mode.IsRegular() {
			fs.adjustUsed(crow.Inode.Size, 0)
		}
		if err := fs.freeInodeContent(ctx, crow); err != nil {
			return err
		}
		if err := fs.meta.Del(ctx, zdb.Key(crow.Ino)); err != nil && !zdbfserr.Is(err, zdbfserr.KindNotFound) {
			return err
		}
		delete(fs.dirParent, crow.Ino)
	} else if err := fs.saveRow(ctx, crow); err != nil {
		return err
	}

	return fs.saveRow(ctx, prow)
}

// freeInodeContent deletes every permanent and staged block owned by row,
// the last step before its meta record is removed.
func (fs *FileSystem) freeInodeContent(ctx context.Context, row *cache.InodeRow) error {
	if !row.Inode.Mode.IsRegular() {
		return nil
	}
	for idx, id := range row.Inode.Blocks {
		if entry, ok := row.Blocks[uint64(idx)]; ok && entry.OffID != 0 {
			_ = fs.temp.Del(ctx, zdb.Key(entry.OffID))
		}
		if id != 0 {
			if err := fs.data.Del(ctx, zdb.Key(id)); err != nil && !zdbfserr.Is(err, zdbfserr.KindNotFound) {
				return err
			}
		}
	}
	return nil
}

// Unlink removes a non-directory entry.
func (fs *FileSystem) Unlink(ctx context.Context, parent uint64, name string) error {
	return fs.unlinkCommon(ctx, parent, name, false)
}

// RmDir removes an empty directory entry.
func (fs *FileSystem) RmDir(ctx context.Context, parent uint64, name string) error {
	return fs.unlinkCommon(ctx, parent, name, true)
}

// Rename moves oldName under oldParent to newName under newParent,
// replacing an existing non-directory newName if present.
func (fs *FileSystem) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	oprow, err := fs.loadRow(ctx, oldParent)
	if err != nil {
		return err
	}
	defer fs.cache.Release(oprow)

	dirent, ok := findDirent(oprow.Inode.Dirents, oldName)
	if !ok {
		return zdbfserr.NotFound(fmt.Sprintf("fs.Rename(%d, %q)", oldParent, oldName))
	}

	var nprow *cache.InodeRow
	if newParent == oldParent {
		nprow = oprow
	} else {
		nprow, err = fs.loadRow(ctx, newParent)
		if err != nil {
			return err
		}
		defer fs.cache.Release(nprow)
	}

	if existing, exists := findDirent(nprow.Inode.Dirents, newName); exists {
		erow, err := fs.loadRow(ctx, uint64(existing.Ino))
		if err != nil {
			return err
		}
		isDir := erow.Inode.Mode.IsDir()
		fs.cache.Release(erow)

		srow, err := fs.loadRow(ctx, uint64(dirent.Ino))
		if err != nil {
			return err
		}
		srcIsDir := srow.Inode.Mode.IsDir()
		fs.cache.Release(srow)

		if isDir && srcIsDir {
			if err := fs.unlinkCommon(ctx, newParent, newName, true); err != nil {
				return err
			}
		} else if !isDir {
			if err := fs.unlinkCommon(ctx, newParent, newName, false); err != nil {
				return err
			}
		} else {
			return zdbfserr.NotEmpty(fmt.Sprintf("fs.Rename(new=%q)", newName))
		}
	}

	oprow.Inode.Dirents, _ = removeDirent(oprow.Inode.Dirents, oldName)
	oprow.Inode.Size = uint64(codec.DirSize(oprow.Inode.Dirents))
	fs.touchMtime(oprow)

	nprow.Inode.Dirents = append(nprow.Inode.Dirents, codec.Dirent{Ino: dirent.Ino, Name: []byte(newName)})
	nprow.Inode.Size = uint64(codec.DirSize(nprow.Inode.Dirents))
	fs.touchMtime(nprow)

	if _, isDir := fs.dirParent[uint64(dirent.Ino)]; isDir {
		fs.dirParent[uint64(dirent.Ino)] = newParent
	}

	if err := fs.saveRow(ctx, oprow); err != nil {
		return err
	}
	if nprow != oprow {
		if err := fs.saveRow(ctx, nprow); err != nil {
			return err
		}
	}
	return nil
}
