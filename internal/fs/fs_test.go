// Copyright 2024 The zdbfs Authors.

package fs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/threefoldtech/zdbfs/internal/clock"
	"github.com/threefoldtech/zdbfs/internal/zdb"
)

func newTestFS(t *testing.T) (*FileSystem, context.Context) {
	t.Helper()
	ctx := context.Background()

	client := &zdb.Client{
		Meta: zdb.NewFakeConn(),
		Data: zdb.NewFakeConn(),
		Temp: zdb.NewFakeConn(),
	}
	clk := clock.NewSimulatedClock(time.Unix(1700000000, 0))

	fsys := New(client, clk, Config{FsSize: 1 << 20, Uid: 1000, Gid: 1000, CacheSize: 4}, 0)
	if err := fsys.EnsureRoot(ctx); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	return fsys, ctx
}

func TestEnsureRootIdempotent(t *testing.T) {
	fsys, ctx := newTestFS(t)
	if err := fsys.EnsureRoot(ctx); err != nil {
		t.Fatalf("second EnsureRoot: %v", err)
	}
	attr, err := fsys.GetAttr(ctx, RootInode)
	if err != nil {
		t.Fatalf("GetAttr(root): %v", err)
	}
	if !attr.Mode.IsDir() {
		t.Fatalf("root is not a directory: %v", attr.Mode)
	}
	if attr.Links != 2 {
		t.Fatalf("root links = %d, want 2", attr.Links)
	}
}

func TestMkDirLookupRmDir(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, err := fsys.MkDir(ctx, RootInode, "sub", os.FileMode(0755), 1000, 1000)
	if err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	if !res.Attr.Mode.IsDir() {
		t.Fatalf("created entry is not a dir")
	}

	lookup, err := fsys.Lookup(ctx, RootInode, "sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if lookup.Attr.Ino != res.Attr.Ino {
		t.Fatalf("lookup ino = %d, want %d", lookup.Attr.Ino, res.Attr.Ino)
	}

	rootAttr, err := fsys.GetAttr(ctx, RootInode)
	if err != nil {
		t.Fatalf("GetAttr(root): %v", err)
	}
	if rootAttr.Links != 3 {
		t.Fatalf("root links after mkdir = %d, want 3", rootAttr.Links)
	}

	if err := fsys.RmDir(ctx, RootInode, "sub"); err != nil {
		t.Fatalf("RmDir: %v", err)
	}
	if _, err := fsys.Lookup(ctx, RootInode, "sub"); err == nil {
		t.Fatalf("Lookup after RmDir succeeded, want error")
	}
}

func TestRmDirRequiresEmpty(t *testing.T) {
	fsys, ctx := newTestFS(t)

	if _, err := fsys.MkDir(ctx, RootInode, "sub", os.FileMode(0755), 1000, 1000); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	sub, err := fsys.Lookup(ctx, RootInode, "sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, _, err := fsys.Create(ctx, sub.Attr.Ino, "f", os.FileMode(0644), 1000, 1000); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := fsys.RmDir(ctx, RootInode, "sub"); err == nil {
		t.Fatalf("RmDir on non-empty dir succeeded, want error")
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, handle, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Attr.Size != 0 {
		t.Fatalf("new file size = %d, want 0", res.Attr.Size)
	}

	payload := []byte("hello, zdbfs")
	if err := fsys.Write(ctx, res.Attr.Ino, 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, 0, len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}

	if err := fsys.Release(ctx, handle); err != nil {
		t.Fatalf("Release: %v", err)
	}

	attr, err := fsys.GetAttr(ctx, res.Attr.Ino)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if attr.Size != uint64(len(payload)) {
		t.Fatalf("size after release = %d, want %d", attr.Size, len(payload))
	}
}

func TestReadPastEOFTruncates(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, 0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, 1, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "bc" {
		t.Fatalf("Read past EOF = %q, want %q", got, "bc")
	}

	got, err = fsys.Read(ctx, res.Attr.Ino, 10, 10)
	if err != nil {
		t.Fatalf("Read beyond size: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read fully beyond size = %q, want empty", got)
	}
}

func TestWriteCrossesBlockBoundary(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const blockSize = 131072
	buf := make([]byte, blockSize+100)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, blockSize/2, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, blockSize/2, len(buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(buf) {
		t.Fatalf("Read length = %d, want %d", len(got), len(buf))
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], buf[i])
		}
	}
}

func TestReadHoleIsZeroFilled(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const blockSize = 131072
	if err := fsys.Write(ctx, res.Attr.Ino, 2*blockSize, []byte("tail")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, 0, blockSize)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("hole byte %d = %d, want 0", i, b)
		}
	}
}

func TestSetAttrTruncateGrowZeroFills(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, 0, []byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	grown := uint64(10)
	if _, err := fsys.SetAttr(ctx, res.Attr.Ino, SetAttrRequest{Size: &grown}); err != nil {
		t.Fatalf("SetAttr grow: %v", err)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("Read length = %d, want 10", len(got))
	}
	if got[0] != 'a' || got[1] != 'b' {
		t.Fatalf("Read prefix = %q, want ab...", got[:2])
	}
	for i := 2; i < 10; i++ {
		if got[i] != 0 {
			t.Fatalf("grown byte %d = %d, want 0", i, got[i])
		}
	}

	shrunk := uint64(1)
	if _, err := fsys.SetAttr(ctx, res.Attr.Ino, SetAttrRequest{Size: &shrunk}); err != nil {
		t.Fatalf("SetAttr shrink: %v", err)
	}
	got, err = fsys.Read(ctx, res.Attr.Ino, 0, 10)
	if err != nil {
		t.Fatalf("Read after shrink: %v", err)
	}
	if string(got) != "a" {
		t.Fatalf("Read after shrink = %q, want %q", got, "a")
	}
}

func TestRenameMovesAndRenamesBack(t *testing.T) {
	fsys, ctx := newTestFS(t)

	if _, _, err := fsys.Create(ctx, RootInode, "a", os.FileMode(0644), 1000, 1000); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := fsys.MkDir(ctx, RootInode, "dir", os.FileMode(0755), 1000, 1000); err != nil {
		t.Fatalf("MkDir dir: %v", err)
	}
	dir, err := fsys.Lookup(ctx, RootInode, "dir")
	if err != nil {
		t.Fatalf("Lookup dir: %v", err)
	}

	if err := fsys.Rename(ctx, RootInode, "a", dir.Attr.Ino, "b"); err != nil {
		t.Fatalf("Rename a->dir/b: %v", err)
	}
	if _, err := fsys.Lookup(ctx, RootInode, "a"); err == nil {
		t.Fatalf("old name still resolves")
	}
	moved, err := fsys.Lookup(ctx, dir.Attr.Ino, "b")
	if err != nil {
		t.Fatalf("Lookup dir/b: %v", err)
	}

	if err := fsys.Rename(ctx, dir.Attr.Ino, "b", RootInode, "a"); err != nil {
		t.Fatalf("Rename dir/b->a: %v", err)
	}
	back, err := fsys.Lookup(ctx, RootInode, "a")
	if err != nil {
		t.Fatalf("Lookup a after rename back: %v", err)
	}
	if back.Attr.Ino != moved.Attr.Ino {
		t.Fatalf("ino changed across rename round trip: %d != %d", back.Attr.Ino, moved.Attr.Ino)
	}
}

func TestReadDirSyntheticEntries(t *testing.T) {
	fsys, ctx := newTestFS(t)

	if _, err := fsys.MkDir(ctx, RootInode, "sub", os.FileMode(0755), 1000, 1000); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	sub, err := fsys.Lookup(ctx, RootInode, "sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, _, err := fsys.Create(ctx, sub.Attr.Ino, "f", os.FileMode(0644), 1000, 1000); err != nil {
		t.Fatalf("Create: %v", err)
	}

	handle, err := fsys.OpenDir(ctx, sub.Attr.Ino)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer fsys.ReleaseDirHandle(handle)

	entries, err := fsys.ReadDir(ctx, handle, 0)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadDir returned %d entries, want 3", len(entries))
	}
	if entries[0].Name != "." || entries[1].Name != ".." {
		t.Fatalf("ReadDir entries = %+v, want . and .. first", entries)
	}
	if entries[1].Ino != RootInode {
		t.Fatalf(".. ino = %d, want root %d", entries[1].Ino, RootInode)
	}
	if entries[2].Name != "f" {
		t.Fatalf("third entry = %+v, want f", entries[2])
	}
}

func TestReadDirStampsDirTypeOnSubdirectories(t *testing.T) {
	fsys, ctx := newTestFS(t)

	if _, err := fsys.MkDir(ctx, RootInode, "childdir", os.FileMode(0755), 1000, 1000); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	if _, _, err := fsys.Create(ctx, RootInode, "childfile", os.FileMode(0644), 1000, 1000); err != nil {
		t.Fatalf("Create: %v", err)
	}

	handle, err := fsys.OpenDir(ctx, RootInode)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer fsys.ReleaseDirHandle(handle)

	entries, err := fsys.ReadDir(ctx, handle, 0)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	var sawDir, sawFile bool
	for _, e := range entries {
		switch e.Name {
		case "childdir":
			sawDir = true
			if !e.Dir {
				t.Fatalf("childdir entry %+v: Dir = false, want true", e)
			}
		case "childfile":
			sawFile = true
			if e.Dir {
				t.Fatalf("childfile entry %+v: Dir = true, want false", e)
			}
		}
	}
	if !sawDir || !sawFile {
		t.Fatalf("ReadDir entries = %+v, missing childdir or childfile", entries)
	}
}

func TestSymlinkReadTarget(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, err := fsys.Symlink(ctx, RootInode, "link", "/target/path", 1000, 1000)
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if !res.Attr.Mode.IsSymlink() {
		t.Fatalf("created entry is not a symlink")
	}

	target, err := fsys.ReadSymlink(ctx, res.Attr.Ino)
	if err != nil {
		t.Fatalf("ReadSymlink: %v", err)
	}
	if target != "/target/path" {
		t.Fatalf("ReadSymlink = %q, want %q", target, "/target/path")
	}
}

func TestUnlinkRemovesEntryAndFreesSpace(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, 0, []byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fsys.Flush(ctx, res.Attr.Ino); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	statBefore := fsys.StatFS(ctx)

	if err := fsys.Unlink(ctx, RootInode, "f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fsys.Lookup(ctx, RootInode, "f"); err == nil {
		t.Fatalf("Lookup after Unlink succeeded")
	}

	statAfter := fsys.StatFS(ctx)
	if statAfter.FreeBytes <= statBefore.FreeBytes {
		t.Fatalf("free bytes did not increase after unlink: before=%d after=%d", statBefore.FreeBytes, statAfter.FreeBytes)
	}
}

func TestStatFSReflectsUsage(t *testing.T) {
	fsys, ctx := newTestFS(t)

	before := fsys.StatFS(ctx)
	if before.TotalBytes != 1<<20 {
		t.Fatalf("total = %d, want %d", before.TotalBytes, 1<<20)
	}

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, 0, make([]byte, 1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	after := fsys.StatFS(ctx)
	if before.FreeBytes-after.FreeBytes != 1024 {
		t.Fatalf("free bytes delta = %d, want 1024", before.FreeBytes-after.FreeBytes)
	}
}

func TestSnapshotFlushesDirtyBlocksAndBumpsGeneration(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Write(ctx, res.Attr.Ino, 0, []byte("dirty")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gen1, err := fsys.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if gen1 != 1 {
		t.Fatalf("first snapshot generation = %d, want 1", gen1)
	}

	gen2, err := fsys.Snapshot(ctx)
	if err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}
	if gen2 != 2 {
		t.Fatalf("second snapshot generation = %d, want 2", gen2)
	}

	got, err := fsys.Read(ctx, res.Attr.Ino, 0, 5)
	if err != nil {
		t.Fatalf("Read after snapshot: %v", err)
	}
	if string(got) != "dirty" {
		t.Fatalf("Read after snapshot = %q, want %q", got, "dirty")
	}
}

func TestWriteNoSpace(t *testing.T) {
	fsys, ctx := newTestFS(t)

	res, _, err := fsys.Create(ctx, RootInode, "f", os.FileMode(0644), 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	huge := make([]byte, 2<<20)
	if err := fsys.Write(ctx, res.Attr.Ino, 0, huge); err == nil {
		t.Fatalf("Write beyond fs size succeeded, want NoSpace error")
	}
}

func TestForgetThenGetAttrReloadsFromMeta(t *testing.T) {
	fsys, ctx := newTestFS(t)

	if _, err := fsys.MkDir(ctx, RootInode, "sub", os.FileMode(0755), 1000, 1000); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	sub, err := fsys.Lookup(ctx, RootInode, "sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	fsys.Forget(sub.Attr.Ino, 1)

	attr, err := fsys.GetAttr(ctx, sub.Attr.Ino)
	if err != nil {
		t.Fatalf("GetAttr after Forget: %v", err)
	}
	if !attr.Mode.IsDir() {
		t.Fatalf("row reloaded after Forget is not a directory")
	}
}
