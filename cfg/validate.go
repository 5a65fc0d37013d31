// Copyright 2024 The zdbfs Authors.

package cfg

import "fmt"

// ValidateConfig returns a non-nil error if the config is invalid, in the
// same descriptive-fmt.Errorf style as the teacher's cfg.ValidateConfig.
func ValidateConfig(config *Config) error {
	if config.FileSystem.SizeBytes == 0 {
		return fmt.Errorf("file-system.size must be greater than zero")
	}
	if config.FileSystem.CacheSize <= 0 {
		return fmt.Errorf("file-system.cachesize must be a positive number of blocks")
	}

	if err := validateNamespace("meta", config.Meta); err != nil {
		return err
	}
	if err := validateNamespace("data", config.Data); err != nil {
		return err
	}
	if err := validateNamespace("temp", config.Temp); err != nil {
		return err
	}

	// The original's temp-password guard is written with a logical bug
	// (NULL-or-zero-length checked with && instead of ||); this keeps the
	// intended semantics of rejecting a null-or-empty password outright.
	if config.Temp.Password == "" {
		return fmt.Errorf("temp.password is mandatory and cannot be empty")
	}

	if _, ok := severityRanking[config.Logging.Severity]; !ok {
		return fmt.Errorf("logging.severity %q is not one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF", config.Logging.Severity)
	}

	return nil
}

func validateNamespace(name string, ns NamespaceConfig) error {
	if ns.Unix != "" {
		if !fileExists(ns.Unix) {
			return fmt.Errorf("%s.unix socket %q does not exist", name, ns.Unix)
		}
		return nil
	}
	if ns.Host == "" {
		return fmt.Errorf("%s namespace has neither a host nor a unix socket configured", name)
	}
	if ns.Port <= 0 || ns.Port > 65535 {
		return fmt.Errorf("%s.port %d is out of range", name, ns.Port)
	}
	return nil
}
