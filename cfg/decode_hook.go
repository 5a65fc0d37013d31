// Copyright 2024 The zdbfs Authors.

package cfg

import (
	"github.com/mitchellh/mapstructure"
)

// DecodeHook composes the mapstructure decode hooks viper.Unmarshal uses to
// assemble a Config from bound flags, the way the teacher's cfg.DecodeHook
// wires its own custom types (LogSeverity, ResolvedPath) in via their
// UnmarshalText methods.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
