// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	cerror "github.com/pingcap/tistream/pkg/errors"
)

// TomlDuration is a duration with a custom json/toml decoder.
type TomlDuration time.Duration

// UnmarshalText is used by toml to decode a duration string.
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// Duration converts d into a standard duration.
func (d TomlDuration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the configuration of the meta server.
type Config struct {
	Addr          string   `toml:"addr" json:"addr"`
	EtcdEndpoints []string `toml:"etcd-endpoints" json:"etcd-endpoints"`

	LogLevel string `toml:"log-level" json:"log-level"`
	LogFile  string `toml:"log-file" json:"log-file"`

	Barrier BarrierConfig `toml:"barrier" json:"barrier"`
}

// BarrierConfig tunes the global barrier manager.
type BarrierConfig struct {
	// Interval is the maximal interval between two consecutive barriers.
	Interval TomlDuration `toml:"interval" json:"interval"`
	// CheckpointFrequency makes every Nth barrier a checkpoint.
	CheckpointFrequency int `toml:"checkpoint-frequency" json:"checkpoint-frequency"`
	// InFlightBarrierNums bounds the number of concurrently uncommitted
	// barriers.
	InFlightBarrierNums int `toml:"in-flight-barrier-nums" json:"in-flight-barrier-nums"`
	// EnableRecovery controls whether a failure triggers cluster recovery or
	// aborts the process.
	EnableRecovery bool `toml:"enable-recovery" json:"enable-recovery"`
}

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Addr:          "127.0.0.1:5690",
		EtcdEndpoints: []string{"http://127.0.0.1:2379"},
		LogLevel:      "info",
		Barrier: BarrierConfig{
			Interval:            TomlDuration(250 * time.Millisecond),
			CheckpointFrequency: 10,
			InFlightBarrierNums: 40,
			EnableRecovery:      true,
		},
	}
}

// FromTomlFile overrides cfg with the contents of a toml file.
func (c *Config) FromTomlFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return cerror.WrapError(cerror.ErrDecodeConfigFile, err)
	}
	if len(meta.Undecoded()) > 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs(meta.Undecoded()[0].String())
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty addr")
	}
	if len(c.EtcdEndpoints) == 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty etcd-endpoints")
	}
	if c.Barrier.Interval.Duration() <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("non-positive barrier interval")
	}
	if c.Barrier.CheckpointFrequency <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("non-positive checkpoint-frequency")
	}
	if c.Barrier.InFlightBarrierNums <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("non-positive in-flight-barrier-nums")
	}
	return nil
}
