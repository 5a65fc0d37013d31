// Copyright 2024 The zdbfs Authors.

// zdbfs mounts a FUSE filesystem backed by a remote 0-db key-value store.
//
// Usage:
//
//	zdbfs [flags] mountpoint
package main

import "github.com/threefoldtech/zdbfs/cmd"

func main() {
	cmd.Execute()
}
