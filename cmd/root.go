// Copyright 2024 The zdbfs Authors.

// Package cmd wires zdbfs's cfg-bound flags into a cobra root command,
// the same root.go/mount.go split the teacher uses: root.go owns flag
// binding and config assembly, mount.go owns the actual mount call.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/threefoldtech/zdbfs/cfg"
)

var (
	bindErr      error
	unmarshalErr error
	MountConfig  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "zdbfs [flags] mountpoint",
	Short: "Mount a 0-db-backed filesystem",
	Long: `zdbfs is a FUSE filesystem whose inodes, directory entries, and file
blocks all live in a remote 0-db (a Redis-protocol append-only key-value
store) rather than on local disk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		if err := cfg.Rationalize(&MountConfig); err != nil {
			return fmt.Errorf("rationalizing config: %w", err)
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving mountpoint: %w", err)
		}

		return runMount(cmd.Context(), mountPoint, &MountConfig)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	MountConfig = cfg.GetDefaultConfig()
	bindErr = cfg.BindFlags(rootCmd.Flags())

	cobra.OnInitialize(func() {
		unmarshalErr = viper.Unmarshal(&MountConfig, viper.DecodeHook(cfg.DecodeHook()))
	})
}
