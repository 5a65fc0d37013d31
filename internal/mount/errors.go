// Copyright 2024 The zdbfs Authors.

package mount

import "github.com/threefoldtech/zdbfs/internal/zdbfserr"

// translate converts an internal/fs error into the syscall.Errno the kernel
// connection's Reply expects, the same boundary role the teacher's direct
// fuse.ENOENT/fuse.EEXIST assignments play against bazilfuse.Errno.
func translate(err error) error {
	if err == nil {
		return nil
	}
	return zdbfserr.ToErrno(err)
}
