// Copyright 2024 The zdbfs Authors.

package mount

import (
	"fmt"

	"github.com/jacobsa/fuse"

	"github.com/threefoldtech/zdbfs/internal/fs"
)

// Options controls how the file system is presented to the kernel, the
// subset of the teacher's getFuseMountConfig this system needs.
type Options struct {
	// ReadOnly mounts the file system read-only, rejecting every mutating op
	// before it reaches internal/fs.
	ReadOnly bool

	// AllowOther lets users other than the mount's owner access the file
	// system, passed through as a raw FUSE mount option.
	AllowOther bool

	// EnableVnodeCaching restores OS X entry caching; see
	// fuse.MountConfig.EnableVnodeCaching.
	EnableVnodeCaching bool
}

func (o Options) bazilOptions() map[string]string {
	opts := make(map[string]string)
	if o.AllowOther {
		opts["allow_other"] = ""
	}
	return opts
}

// Mount mounts fsys at dir and returns a handle the caller can Join on to
// block until unmounted, along with the Dispatcher instance serving it.
// The Dispatcher is the sole goroutine fuse.Mount spawns against fsys (see
// fuse.Mount's "serve the connection in the background" goroutine); callers
// that need to act on fsys out of band, like a SNAPSHOT request arriving on
// the control socket, must route through the returned Dispatcher's
// RequestSnapshot rather than calling fsys directly from another goroutine.
func Mount(dir string, fsys *fs.FileSystem, opts Options) (*fuse.MountedFileSystem, *Dispatcher, error) {
	cfg := &fuse.MountConfig{
		FSName:             "zdbfs",
		Subtype:            "zdbfs",
		VolumeName:         "zdbfs",
		Options:            opts.bazilOptions(),
		ReadOnly:           opts.ReadOnly,
		EnableVnodeCaching: opts.EnableVnodeCaching,
	}

	dispatcher := NewDispatcher(fsys)

	mfs, err := fuse.Mount(dir, dispatcher, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("mount.Mount(%s): %w", dir, err)
	}
	return mfs, dispatcher, nil
}
