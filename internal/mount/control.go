// Copyright 2024 The zdbfs Authors.

package mount

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/threefoldtech/zdbfs/internal/logger"
)

// ControlSocket serves the out-of-band SNAPSHOT request the original zdbfs
// exposes through ioctl(2): github.com/jacobsa/fuse's fuseops carries no
// IoctlOp, so this listens on a unix socket next to the mountpoint instead
// and accepts a single line command, "SNAPSHOT\n", replying with the
// resulting generation number. See DESIGN.md's internal/mount entry.
//
// Every accepted connection is served on its own goroutine, so a request
// can arrive while Dispatcher.ServeOps is mid-op against the same
// unsynchronized *fs.FileSystem; ControlSocket never calls fsys directly
// for this reason, instead routing through the Dispatcher's
// RequestSnapshot, which serializes the snapshot onto ServeOps' own
// goroutine.
type ControlSocket struct {
	listener net.Listener
	dispatch *Dispatcher
}

// ListenControlSocket creates (replacing any stale socket file at path) and
// starts serving a ControlSocket whose SNAPSHOT requests run against
// dispatch's own goroutine.
func ListenControlSocket(path string, dispatch *Dispatcher) (*ControlSocket, error) {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("mount.ListenControlSocket(%s): %w", path, err)
	}

	cs := &ControlSocket{listener: ln, dispatch: dispatch}
	go cs.serve()
	return cs, nil
}

// Close stops accepting new connections and removes the socket file.
func (cs *ControlSocket) Close() error {
	return cs.listener.Close()
}

func (cs *ControlSocket) serve() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			return
		}
		go cs.handle(conn)
	}
}

func (cs *ControlSocket) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "SNAPSHOT":
		gen, err := cs.dispatch.RequestSnapshot(context.Background())
		if err != nil {
			fmt.Fprintf(conn, "ERROR %v\n", err)
			logger.Warnf("mount: control snapshot failed: %v", err)
			return
		}
		fmt.Fprintf(conn, "OK %d\n", gen)

	default:
		fmt.Fprintf(conn, "ERROR unknown command\n")
	}
}
