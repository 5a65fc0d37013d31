// Copyright 2024 The zdbfs Authors.

package mount

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/threefoldtech/zdbfs/internal/clock"
	"github.com/threefoldtech/zdbfs/internal/fs"
	"github.com/threefoldtech/zdbfs/internal/zdb"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, context.Context) {
	t.Helper()
	ctx := context.Background()

	client := &zdb.Client{
		Meta: zdb.NewFakeConn(),
		Data: zdb.NewFakeConn(),
		Temp: zdb.NewFakeConn(),
	}
	clk := clock.NewSimulatedClock(time.Unix(1700000000, 0))

	fsys := fs.New(client, clk, fs.Config{FsSize: 1 << 20, Uid: 1000, Gid: 1000, CacheSize: 4}, 0)
	if err := fsys.EnsureRoot(ctx); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	return NewDispatcher(fsys), ctx
}

func TestHandleMkDirAndLookUp(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	mk := &fuseops.MkDirOp{
		Header: fuseops.OpHeader{Uid: 1000, Gid: 1000},
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "sub",
		Mode:   os.FileMode(0755) | os.ModeDir,
	}
	if err := d.handle(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	if mk.Entry.Child == 0 {
		t.Fatalf("MkDir did not assign a child inode")
	}

	lookup := &fuseops.LookUpInodeOp{
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "sub",
	}
	if err := d.handle(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}
	if lookup.Entry.Child != mk.Entry.Child {
		t.Fatalf("LookUpInode.Entry.Child = %d, want %d", lookup.Entry.Child, mk.Entry.Child)
	}
}

func TestHandleLookUpMissingTranslatesENOENT(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	lookup := &fuseops.LookUpInodeOp{
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "nope",
	}
	err := d.handle(ctx, lookup)
	if err != syscall.ENOENT {
		t.Fatalf("err = %v, want ENOENT", err)
	}
}

func TestHandleCreateWriteRead(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	create := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: 1000, Gid: 1000},
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "greeting",
		Mode:   os.FileMode(0644),
	}
	if err := d.handle(ctx, create); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	write := &fuseops.WriteFileOp{
		Inode:  create.Entry.Child,
		Handle: create.Handle,
		Offset: 0,
		Data:   []byte("hello"),
	}
	if err := d.handle(ctx, write); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	read := &fuseops.ReadFileOp{
		Inode:  create.Entry.Child,
		Handle: create.Handle,
		Offset: 0,
		Size:   5,
	}
	if err := d.handle(ctx, read); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(read.Data) != "hello" {
		t.Fatalf("read Data = %q, want %q", read.Data, "hello")
	}
}

func TestHandleReadDirProducesSyntheticEntries(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	mk := &fuseops.MkDirOp{
		Header: fuseops.OpHeader{Uid: 1000, Gid: 1000},
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "sub",
		Mode:   os.FileMode(0755) | os.ModeDir,
	}
	if err := d.handle(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	open := &fuseops.OpenDirOp{Inode: mk.Entry.Child}
	if err := d.handle(ctx, open); err != nil {
		t.Fatalf("OpenDir: %v", err)
	}

	readdir := &fuseops.ReadDirOp{
		Inode:  mk.Entry.Child,
		Handle: open.Handle,
		Offset: 0,
		Size:   4096,
	}
	if err := d.handle(ctx, readdir); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(readdir.Data) == 0 {
		t.Fatalf("ReadDir produced no dirent bytes for an empty directory's . and ..")
	}
}

func TestHandleRenameMoves(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	create := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: 1000, Gid: 1000},
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "a",
		Mode:   os.FileMode(0644),
	}
	if err := d.handle(ctx, create); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	rename := &fuseops.RenameOp{
		OldParent: fuseops.InodeID(fs.RootInode),
		OldName:   "a",
		NewParent: fuseops.InodeID(fs.RootInode),
		NewName:   "b",
	}
	if err := d.handle(ctx, rename); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(fs.RootInode), Name: "b"}
	if err := d.handle(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode(b): %v", err)
	}
	if lookup.Entry.Child != create.Entry.Child {
		t.Fatalf("renamed entry inode = %d, want %d", lookup.Entry.Child, create.Entry.Child)
	}
}

func TestHandleStatFSReportsBudget(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	statfs := &fuseops.StatFSOp{}
	if err := d.handle(ctx, statfs); err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if statfs.BlockSize == 0 {
		t.Fatalf("StatFS.BlockSize = 0")
	}
	if statfs.Blocks == 0 {
		t.Fatalf("StatFS.Blocks = 0")
	}
}

func TestHandleUnsupportedOp(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	err := d.handle(ctx, struct{}{})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized op")
	}
}

// TestRequestSnapshotRoutesThroughChannel exercises the RequestSnapshot/
// snapshotReqs protocol directly (the half ServeOps' select loop plays in
// production), without standing up a real fuse.Connection: it proves a
// snapshot request is only served once something drains d.snapshotReqs,
// which is what keeps the snapshot off the control socket's own goroutine.
func TestRequestSnapshotRoutesThroughChannel(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	create := &fuseops.CreateFileOp{
		Header: fuseops.OpHeader{Uid: 1000, Gid: 1000},
		Parent: fuseops.InodeID(fs.RootInode),
		Name:   "dirty",
		Mode:   os.FileMode(0644),
	}
	if err := d.handle(ctx, create); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Handle: create.Handle, Data: []byte("x")}
	if err := d.handle(ctx, write); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-d.snapshotReqs
		gen, err := d.fsys.Snapshot(req.ctx)
		req.resp <- snapshotResponse{generation: gen, err: err}
	}()

	gen, err := d.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("RequestSnapshot: %v", err)
	}
	if gen == 0 {
		t.Fatalf("RequestSnapshot generation = 0, want > 0")
	}
	<-done
}

func TestRequestSnapshotRespectsContextCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.RequestSnapshot(ctx); err == nil {
		t.Fatalf("RequestSnapshot with a cancelled context: want error, got nil")
	}
}
