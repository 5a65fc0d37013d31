// Copyright 2024 The zdbfs Authors.

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved mount configuration, assembled from flags by
// BindFlags and viper, then completed by Rationalize and checked by
// ValidateConfig — the same three-stage pipeline the teacher's cmd/mount.go
// runs its own Config through.
type Config struct {
	Backend BackendConfig `yaml:"backend"`

	Meta NamespaceConfig `yaml:"meta"`
	Data NamespaceConfig `yaml:"data"`
	Temp NamespaceConfig `yaml:"temp"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

// BackendConfig is the global host/port/socket fallback §6 describes:
// supplied whenever a namespace doesn't override it.
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Unix string `yaml:"unix"`
}

// NamespaceConfig addresses and authenticates one of the three logical 0-db
// namespaces (meta, data, temp).
type NamespaceConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Unix      string `yaml:"unix"`
	Namespace string `yaml:"namespace"`
	Password  string `yaml:"password"`
}

// FileSystemConfig controls the mounted filesystem's size and caching.
type FileSystemConfig struct {
	SizeBytes uint64 `yaml:"size"`
	NoCache   bool   `yaml:"nocache"`
	AutoNS    bool   `yaml:"autons"`
	CacheSize int    `yaml:"cachesize"`
}

// LoggingConfig controls where and how verbosely the mount logs.
type LoggingConfig struct {
	LogFile    ResolvedPath `yaml:"logfile"`
	Background bool         `yaml:"background"`
	Severity   LogSeverity  `yaml:"severity"`
}

// DebugConfig gates verbose, operation-level diagnostics.
type DebugConfig struct {
	FUSE bool `yaml:"fuse"`
}

// BindFlags registers every zdbfs mount option on flagSet and binds it to
// viper under the dotted key Rationalize/ValidateConfig and the eventual
// viper.Unmarshal read back, mirroring the teacher's generated
// cfg.BindFlags one flag at a time.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("host", "", "", "Fallback backend host for all three namespaces.")
	if err = viper.BindPFlag("backend.host", flagSet.Lookup("host")); err != nil {
		return err
	}

	flagSet.IntP("port", "", DefaultPort, "Fallback backend port for all three namespaces.")
	if err = viper.BindPFlag("backend.port", flagSet.Lookup("port")); err != nil {
		return err
	}

	flagSet.StringP("unix", "", "", "Fallback backend unix socket path for all three namespaces.")
	if err = viper.BindPFlag("backend.unix", flagSet.Lookup("unix")); err != nil {
		return err
	}

	if err = bindNamespaceFlags(flagSet, "meta", "mh", "mp", "mu", "mn", "ms"); err != nil {
		return err
	}
	if err = bindNamespaceFlags(flagSet, "data", "dh", "dp", "du", "dn", "ds"); err != nil {
		return err
	}
	if err = bindNamespaceFlags(flagSet, "temp", "th", "tp", "tu", "tn", "ts"); err != nil {
		return err
	}

	flagSet.Uint64P("size", "", DefaultFSSize, "Virtual filesystem size in bytes, reported by statfs(2).")
	if err = viper.BindPFlag("file-system.size", flagSet.Lookup("size")); err != nil {
		return err
	}

	flagSet.BoolP("nocache", "", false, "Disable the block cache: every read goes to the backend.")
	if err = viper.BindPFlag("file-system.nocache", flagSet.Lookup("nocache")); err != nil {
		return err
	}

	flagSet.BoolP("autons", "", false, "Create the meta/data/temp namespaces on mount if they don't exist.")
	if err = viper.BindPFlag("file-system.autons", flagSet.Lookup("autons")); err != nil {
		return err
	}

	flagSet.IntP("cachesize", "", DefaultCacheSize, "Online block cache budget, in blocks.")
	if err = viper.BindPFlag("file-system.cachesize", flagSet.Lookup("cachesize")); err != nil {
		return err
	}

	flagSet.StringP("logfile", "", "", "Mirror log output to this file in addition to stderr.")
	if err = viper.BindPFlag("logging.logfile", flagSet.Lookup("logfile")); err != nil {
		return err
	}

	flagSet.BoolP("background", "", false, "Detach from the terminal after mounting.")
	if err = viper.BindPFlag("logging.background", flagSet.Lookup("background")); err != nil {
		return err
	}

	flagSet.StringP("severity", "", string(InfoLogSeverity), "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("severity")); err != nil {
		return err
	}

	flagSet.BoolP("debug-fuse", "", false, "Log every kernel operation and its result.")
	if err = viper.BindPFlag("debug.fuse", flagSet.Lookup("debug-fuse")); err != nil {
		return err
	}

	return nil
}

func bindNamespaceFlags(flagSet *pflag.FlagSet, yamlKey, hostFlag, portFlag, unixFlag, nsFlag, passFlag string) error {
	var err error

	flagSet.StringP(hostFlag, "", "", yamlKey+" namespace host, falling back to --host if unset.")
	if err = viper.BindPFlag(yamlKey+".host", flagSet.Lookup(hostFlag)); err != nil {
		return err
	}

	flagSet.IntP(portFlag, "", 0, yamlKey+" namespace port, falling back to --port if unset.")
	if err = viper.BindPFlag(yamlKey+".port", flagSet.Lookup(portFlag)); err != nil {
		return err
	}

	flagSet.StringP(unixFlag, "", "", yamlKey+" namespace unix socket path, falling back to --unix if unset.")
	if err = viper.BindPFlag(yamlKey+".unix", flagSet.Lookup(unixFlag)); err != nil {
		return err
	}

	flagSet.StringP(nsFlag, "", "", yamlKey+" namespace name.")
	if err = viper.BindPFlag(yamlKey+".namespace", flagSet.Lookup(nsFlag)); err != nil {
		return err
	}

	flagSet.StringP(passFlag, "", "", yamlKey+" namespace password.")
	if err = viper.BindPFlag(yamlKey+".password", flagSet.Lookup(passFlag)); err != nil {
		return err
	}

	return nil
}
