// Copyright 2024 The zdbfs Authors.

package mount

import (
	"context"
	"io"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/threefoldtech/zdbfs/internal/fs"
	"github.com/threefoldtech/zdbfs/internal/logger"
	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// Dispatcher implements fuse.Server by reading ops from the kernel
// connection and serving them one at a time against a *fs.FileSystem.
//
// The teacher dispatches fuseops via fuseutil.NewFileSystemServer, which
// spawns a goroutine per op; internal/fs explicitly forgoes locking on the
// assumption that exactly one goroutine drives it, so Dispatcher.ServeOps
// runs its own serial loop directly against fuse.Connection.ReadOp/Reply
// instead, never spawning a goroutine per request. The out-of-band SNAPSHOT
// control request (internal/mount.ControlSocket) is served from an
// accept-spawned goroutine and has no kernel op to ride in on, so it's fed
// into this same serial loop over snapshotReqs instead of calling fsys
// directly — see RequestSnapshot.
type Dispatcher struct {
	fsys         *fs.FileSystem
	snapshotReqs chan snapshotRequest
}

type snapshotRequest struct {
	ctx  context.Context
	resp chan snapshotResponse
}

type snapshotResponse struct {
	generation uint64
	err        error
}

// NewDispatcher returns a Dispatcher serving ops against fsys.
func NewDispatcher(fsys *fs.FileSystem) *Dispatcher {
	return &Dispatcher{fsys: fsys, snapshotReqs: make(chan snapshotRequest)}
}

// RequestSnapshot asks ServeOps' own goroutine to flush dirty inodes and
// bump the generation counter, serializing the snapshot against whatever
// fuse op is currently being handled instead of racing it from the control
// socket's accept goroutine. Blocks until ServeOps picks up the request and
// replies, or ctx is done first (including because ServeOps has already
// exited, in which case the request is never drained and this returns on
// ctx expiry).
func (d *Dispatcher) RequestSnapshot(ctx context.Context) (uint64, error) {
	req := snapshotRequest{ctx: ctx, resp: make(chan snapshotResponse, 1)}

	select {
	case d.snapshotReqs <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.resp:
		return res.generation, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// readOp is one fuse.Connection.ReadOp result, shuttled from the dedicated
// reader goroutine below into ServeOps' select loop so that loop can
// interleave kernel ops with snapshotReqs without either side blocking the
// other.
type readOp struct {
	ctx context.Context
	op  interface{}
	err error
}

// ServeOps reads and serves ops from conn until the kernel closes it,
// interleaving any pending snapshotReqs between ops so both are handled by
// this single goroutine.
func (d *Dispatcher) ServeOps(conn *fuse.Connection) {
	ops := make(chan readOp)
	go func() {
		for {
			ctx, op, err := conn.ReadOp()
			ops <- readOp{ctx: ctx, op: op, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r := <-ops:
			if r.err == io.EOF {
				return
			}
			if r.err != nil {
				logger.Errorf("mount: ReadOp: %v", r.err)
				return
			}

			opErr := d.handle(r.ctx, r.op)
			if err := conn.Reply(r.ctx, opErr); err != nil {
				logger.Errorf("mount: Reply: %v", err)
			}

		case req := <-d.snapshotReqs:
			gen, err := d.fsys.Snapshot(req.ctx)
			req.resp <- snapshotResponse{generation: gen, err: err}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, op interface{}) error {
	switch o := op.(type) {
	case *fuseops.InitOp:
		return nil

	case *fuseops.LookUpInodeOp:
		res, err := d.fsys.Lookup(ctx, uint64(o.Parent), o.Name)
		if err != nil {
			return translate(err)
		}
		o.Entry = toChildInodeEntry(res.Attr)
		return nil

	case *fuseops.GetInodeAttributesOp:
		attr, err := d.fsys.GetAttr(ctx, uint64(o.Inode))
		if err != nil {
			return translate(err)
		}
		o.Attributes = toInodeAttributes(attr)
		o.AttributesExpiration = attrExpiration()
		return nil

	case *fuseops.SetInodeAttributesOp:
		req := fs.SetAttrRequest{Size: o.Size, Mode: o.Mode}
		attr, err := d.fsys.SetAttr(ctx, uint64(o.Inode), req)
		if err != nil {
			return translate(err)
		}
		o.Attributes = toInodeAttributes(attr)
		o.AttributesExpiration = attrExpiration()
		return nil

	case *fuseops.ForgetInodeOp:
		d.fsys.Forget(uint64(o.ID), 1)
		return nil

	case *fuseops.MkDirOp:
		res, err := d.fsys.MkDir(ctx, uint64(o.Parent), o.Name, o.Mode, o.Header.Uid, o.Header.Gid)
		if err != nil {
			return translate(err)
		}
		o.Entry = toChildInodeEntry(res.Attr)
		return nil

	case *fuseops.CreateFileOp:
		res, handle, err := d.fsys.Create(ctx, uint64(o.Parent), o.Name, o.Mode, o.Header.Uid, o.Header.Gid)
		if err != nil {
			return translate(err)
		}
		o.Entry = toChildInodeEntry(res.Attr)
		o.Handle = fuseops.HandleID(handle)
		return nil

	case *fuseops.RmDirOp:
		if err := d.fsys.RmDir(ctx, uint64(o.Parent), o.Name); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.UnlinkOp:
		if err := d.fsys.Unlink(ctx, uint64(o.Parent), o.Name); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.RenameOp:
		if err := d.fsys.Rename(ctx, uint64(o.OldParent), o.OldName, uint64(o.NewParent), o.NewName); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.CreateSymlinkOp:
		res, err := d.fsys.Symlink(ctx, uint64(o.Parent), o.Name, o.Target, o.Header.Uid, o.Header.Gid)
		if err != nil {
			return translate(err)
		}
		o.Entry = toChildInodeEntry(res.Attr)
		return nil

	case *fuseops.ReadSymlinkOp:
		target, err := d.fsys.ReadSymlink(ctx, uint64(o.Inode))
		if err != nil {
			return translate(err)
		}
		o.Target = target
		return nil

	case *fuseops.StatFSOp:
		st := d.fsys.StatFS(ctx)
		o.BlockSize = st.BlockSize
		o.IoSize = st.BlockSize
		o.Blocks = st.TotalBytes / uint64(st.BlockSize)
		o.BlocksFree = st.FreeBytes / uint64(st.BlockSize)
		o.BlocksAvailable = o.BlocksFree
		return nil

	case *fuseops.OpenDirOp:
		handle, err := d.fsys.OpenDir(ctx, uint64(o.Inode))
		if err != nil {
			return translate(err)
		}
		o.Handle = fuseops.HandleID(handle)
		return nil

	case *fuseops.ReadDirOp:
		return d.readDir(ctx, o)

	case *fuseops.ReleaseDirHandleOp:
		d.fsys.ReleaseDirHandle(uint64(o.Handle))
		return nil

	case *fuseops.OpenFileOp:
		handle, err := d.fsys.Open(ctx, uint64(o.Inode))
		if err != nil {
			return translate(err)
		}
		o.Handle = fuseops.HandleID(handle)
		return nil

	case *fuseops.ReadFileOp:
		buf, err := d.fsys.Read(ctx, uint64(o.Inode), o.Offset, o.Size)
		if err != nil {
			return translate(err)
		}
		o.Data = buf
		return nil

	case *fuseops.WriteFileOp:
		if err := d.fsys.Write(ctx, uint64(o.Inode), o.Offset, o.Data); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.SyncFileOp:
		if err := d.fsys.Flush(ctx, uint64(o.Inode)); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.FlushFileOp:
		if err := d.fsys.Flush(ctx, uint64(o.Inode)); err != nil {
			return translate(err)
		}
		return nil

	case *fuseops.ReleaseFileHandleOp:
		if err := d.fsys.Release(ctx, uint64(o.Handle)); err != nil {
			return translate(err)
		}
		return nil

	default:
		return unsupportedOp(op)
	}
}

func (d *Dispatcher) readDir(ctx context.Context, o *fuseops.ReadDirOp) error {
	entries, err := d.fsys.ReadDir(ctx, uint64(o.Handle), int(o.Offset))
	if err != nil {
		return translate(err)
	}

	buf := make([]byte, o.Size)
	written := 0
	for i, e := range entries {
		dirent := fuseops.Dirent{
			Offset: o.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   direntType(e),
		}
		n := fuseutil.WriteDirent(buf[written:], dirent)
		if n == 0 {
			break
		}
		written += n
	}
	o.Data = buf[:written]
	return nil
}

func direntType(e fs.DirEntry) fuseops.DirentType {
	if e.Dir {
		return fuseops.DT_Directory
	}
	return fuseops.DT_File
}

func unsupportedOp(op interface{}) error {
	logger.Warnf("mount: unsupported op %T", op)
	return zdbfserr.Unsupported("mount.handle")
}
