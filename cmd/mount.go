// Copyright 2024 The zdbfs Authors.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"golang.org/x/sys/unix"

	"github.com/threefoldtech/zdbfs/cfg"
	"github.com/threefoldtech/zdbfs/internal/clock"
	"github.com/threefoldtech/zdbfs/internal/fs"
	"github.com/threefoldtech/zdbfs/internal/logger"
	"github.com/threefoldtech/zdbfs/internal/mount"
	"github.com/threefoldtech/zdbfs/internal/zdb"
)

// controlSocketSuffix names the unix socket this mount's ControlSocket
// listens on, placed next to the mountpoint so an operator can find it
// from the mountpoint path alone (e.g. `echo SNAPSHOT | nc -U /mnt/data.zdbfs.ctl`).
const controlSocketSuffix = ".zdbfs.ctl"

// backgroundChildEnvVar marks a process as the already-daemonized child of
// a --background re-exec, so it doesn't re-fork itself again.
const backgroundChildEnvVar = "ZDBFS_BACKGROUND_CHILD"

// daemonize re-execs the current process detached from the controlling
// terminal when c.Logging.Background is set, the way the teacher's
// cmd/legacy_main.go relaunches itself with daemonize.Run+osext.Executable
// before mounting in the foreground. This repo has no outcome-signaling
// pipe back to the parent the way daemonize.Run provides — the parent just
// starts the child and returns immediately, trusting the child's own log
// output to report mount success or failure.
//
// Returns true if this process just spawned the daemon and should exit
// without mounting; false if this process should proceed to mount
// (because backgrounding wasn't requested, or because it IS the daemon).
func daemonize() (daemonized bool, err error) {
	if os.Getenv(backgroundChildEnvVar) != "" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("os.Executable: %w", err)
	}

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), backgroundChildEnvVar+"=1"),
		Files: []*os.File{nil, nil, nil},
	})
	if err != nil {
		return false, fmt.Errorf("os.StartProcess: %w", err)
	}

	if err := proc.Release(); err != nil {
		return false, fmt.Errorf("releasing background process: %w", err)
	}

	return true, nil
}

// runMount performs the full mount sequence the teacher's
// mountWithStorageHandle plays against GCS: dial the backend, bootstrap
// the allocator, build the operation engine, mount it, then block until
// unmounted.
func runMount(ctx context.Context, mountPoint string, c *cfg.Config) error {
	if c.Logging.Background {
		daemonized, err := daemonize()
		if err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
		if daemonized {
			fmt.Printf("zdbfs: mounting %s in the background\n", mountPoint)
			return nil
		}
	}

	if err := logger.InitLogFile(string(c.Logging.LogFile)); err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logger.CloseLogFile()
	logger.SetSeverity(severityFor(c.Logging.Severity))

	warnOnLowFileDescriptorLimit()

	logger.Infof("zdbfs: connecting to backend (meta=%s data=%s temp=%s)",
		endpointFor(c.Meta).Addr(), endpointFor(c.Data).Addr(), endpointFor(c.Temp).Addr())

	client, err := dialClient(ctx, c)
	if err != nil {
		return fmt.Errorf("connecting to backend: %w", err)
	}
	defer client.Close()

	bootstrap, err := zdb.Bootstrap(ctx, client.Meta, client.Temp)
	if err != nil {
		return fmt.Errorf("bootstrapping: %w", err)
	}
	logger.Infof("zdbfs: bootstrap found max inode %d, reclaimed %d temp keys",
		bootstrap.MaxInode, bootstrap.ReclaimedTemp)

	fsys := fs.New(client, clock.RealClock{}, fs.Config{
		FsSize:    c.FileSystem.SizeBytes,
		Uid:       uint32(os.Getuid()),
		Gid:       uint32(os.Getgid()),
		CacheSize: c.FileSystem.CacheSize,
		NoCache:   c.FileSystem.NoCache,
	}, bootstrap.MaxInode)

	if err := fsys.EnsureRoot(ctx); err != nil {
		return fmt.Errorf("ensuring root inode: %w", err)
	}

	logger.Infof("zdbfs: mounting at %s", mountPoint)
	mfs, dispatch, err := mount.Mount(mountPoint, fsys, mount.Options{})
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	ctl, err := mount.ListenControlSocket(mountPoint+controlSocketSuffix, dispatch)
	if err != nil {
		logger.Warnf("zdbfs: control socket unavailable: %v", err)
	} else {
		defer ctl.Close()
	}

	registerUnmountSignalHandler(mountPoint)
	registerStatsSignalHandler(fsys)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("mount.Join: %w", err)
	}

	logger.Infof("zdbfs: unmounted %s", mountPoint)
	return nil
}

func dialClient(ctx context.Context, c *cfg.Config) (*zdb.Client, error) {
	meta, err := zdb.Dial(ctx, zdb.NamespaceMeta, endpointFor(c.Meta), c.FileSystem.AutoNS)
	if err != nil {
		return nil, fmt.Errorf("dialing meta: %w", err)
	}
	data, err := zdb.Dial(ctx, zdb.NamespaceData, endpointFor(c.Data), c.FileSystem.AutoNS)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("dialing data: %w", err)
	}
	temp, err := zdb.Dial(ctx, zdb.NamespaceTemp, endpointFor(c.Temp), c.FileSystem.AutoNS)
	if err != nil {
		meta.Close()
		data.Close()
		return nil, fmt.Errorf("dialing temp: %w", err)
	}

	return &zdb.Client{Meta: meta, Data: data, Temp: temp}, nil
}

func endpointFor(ns cfg.NamespaceConfig) zdb.Endpoint {
	return zdb.Endpoint{
		Host:      ns.Host,
		Port:      ns.Port,
		Socket:    ns.Unix,
		Namespace: ns.Namespace,
		Password:  ns.Password,
	}
}

func severityFor(s cfg.LogSeverity) logger.Severity {
	switch s {
	case cfg.TraceLogSeverity, cfg.DebugLogSeverity:
		return logger.SeverityDebug
	case cfg.WarningLogSeverity:
		return logger.SeverityWarn
	case cfg.ErrorLogSeverity, cfg.OffLogSeverity:
		return logger.SeverityError
	default:
		return logger.SeverityInfo
	}
}

// registerUnmountSignalHandler unmounts mountPoint on SIGINT/SIGTERM, the
// way the teacher's registerSIGINTHandler lets an operator Ctrl-C out of a
// foreground mount cleanly instead of leaving a stale mountpoint behind.
func registerUnmountSignalHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range signalChan {
			logger.Infof("zdbfs: received signal, attempting to unmount %s", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("zdbfs: unmount failed: %v", err)
				continue
			}
			logger.Infof("zdbfs: unmounted %s in response to signal", mountPoint)
			return
		}
	}()
}

// registerStatsSignalHandler logs a snapshot of the cache's hit/miss/full/
// flush counters on SIGUSR1, the way the original zdbfs dumps its stats_t counters
// to the log on SIGINFO — there's no FUSE ioctl path for this, so a signal
// is the closest equivalent an operator can reach with `kill -USR1`.
func registerStatsSignalHandler(fsys *fs.FileSystem) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGUSR1)

	go func() {
		for range signalChan {
			stats := fsys.Stats()
			logger.Infof("zdbfs: stats cache_hit=%d cache_miss=%d cache_full=%d "+
				"linear_flush=%d random_flush=%d",
				stats.CacheHit, stats.CacheMiss, stats.CacheFull,
				stats.CacheLinearFlush, stats.CacheRandomFlush)
		}
	}()
}

// warnOnLowFileDescriptorLimit probes RLIMIT_NOFILE the way the teacher's
// ChooseTempDirLimitNumFiles does, logging a warning rather than picking a
// derived limit: zdbfs holds at most one descriptor per open file/dir
// handle plus three backend connections, so the concern here is catching a
// misconfigured low ulimit before it surfaces as EMFILE mid-workload, not
// sizing an internal pool.
func warnOnLowFileDescriptorLimit() {
	const recommendedMin = 1024

	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		logger.Warnf("zdbfs: failed to query RLIMIT_NOFILE: %v", err)
		return
	}

	if rlimit.Cur < recommendedMin {
		logger.Warnf("zdbfs: RLIMIT_NOFILE is %d, below the recommended minimum of %d; "+
			"raise it with `ulimit -n` if the mount serves many concurrently open files",
			rlimit.Cur, recommendedMin)
	}
}
