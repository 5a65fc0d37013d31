// Copyright 2024 The zdbfs Authors.

package cfg

// GetDefaultConfig returns the configuration used before any flags are
// parsed, matching the original's opts->size/opts->cachesize initializers
// (background and autons default to the spec's plain off, per the tri-state
// Open Question in spec.md §9).
func GetDefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Port: DefaultPort,
		},
		FileSystem: FileSystemConfig{
			SizeBytes: DefaultFSSize,
			CacheSize: DefaultCacheSize,
		},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
		},
	}
}
