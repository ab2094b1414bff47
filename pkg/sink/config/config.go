// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
)

// PartitionNotFoundAction decides what happens to a row no partition accepts.
type PartitionNotFoundAction string

const (
	// PartitionNotFoundSkip filters the row and counts it.
	PartitionNotFoundSkip PartitionNotFoundAction = "skip"
	// PartitionNotFoundAbort fails the whole session.
	PartitionNotFoundAbort PartitionNotFoundAction = "abort"
)

// compression algorithms of request payloads.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// default values of the session config.
const (
	DefaultMaxBufferBytesPerUnit  = 64 * units.MiB
	DefaultMaxRowsPerRequest      = 4096
	DefaultMaxRetryCount          = 3
	DefaultRetryBackoff           = 500 * time.Millisecond
	DefaultAggregateBufferCeiling = 1 * units.GiB
	DefaultCloseTimeout           = 5 * time.Minute
	DefaultBackpressureTimeout    = 10 * time.Minute
	DefaultOpenTimeout            = 60 * time.Second
	DefaultRPCTimeout             = 60 * time.Second
	DefaultSendInterval           = time.Second
	DefaultMaxErrorSamples        = 100
	DefaultMaxStringLength        = 1 * units.MiB
)

// Node is one storage node the session may write to.
type Node struct {
	ID   int64  `toml:"id" json:"id"`
	Addr string `toml:"addr" json:"addr"`
}

// Log is the log section of the config.
type Log struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// ToLogConfig converts the section to a logger config.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File, false)
}

// Config is the configuration of one sink session. It is immutable once a
// coordinator has been created with it.
type Config struct {
	MaxBufferBytesPerUnit ByteSize `toml:"max-buffer-bytes-per-unit" json:"max-buffer-bytes-per-unit"`
	MaxRowsPerRequest     int      `toml:"max-rows-per-request" json:"max-rows-per-request"`
	MaxRetryCount         int      `toml:"max-retry-count" json:"max-retry-count"`
	RetryBackoff          Duration `toml:"retry-backoff" json:"retry-backoff"`
	// MaxErrorRatio is the largest fraction of invalid rows in one batch
	// that is filtered instead of aborting the session.
	MaxErrorRatio          float64  `toml:"max-error-ratio" json:"max-error-ratio"`
	AggregateBufferCeiling ByteSize `toml:"aggregate-buffer-ceiling" json:"aggregate-buffer-ceiling"`
	CloseTimeout           Duration `toml:"close-timeout" json:"close-timeout"`

	BackpressureTimeout Duration `toml:"backpressure-timeout" json:"backpressure-timeout"`
	OpenTimeout         Duration `toml:"open-timeout" json:"open-timeout"`
	RPCTimeout          Duration `toml:"rpc-timeout" json:"rpc-timeout"`
	// SendInterval is the longest time rows stay in a partially filled
	// buffer before they are sent.
	SendInterval      Duration                `toml:"send-interval" json:"send-interval"`
	PartitionNotFound PartitionNotFoundAction `toml:"partition-not-found" json:"partition-not-found"`
	MaxErrorSamples   int                     `toml:"max-error-samples" json:"max-error-samples"`
	MaxStringLength   ByteSize                `toml:"max-string-length" json:"max-string-length"`
	Compression       string                  `toml:"compression" json:"compression"`

	Log   Log    `toml:"log" json:"log"`
	Nodes []Node `toml:"nodes" json:"nodes"`
}

// NewConfig returns a config filled with default values.
func NewConfig() *Config {
	return &Config{
		MaxBufferBytesPerUnit:  DefaultMaxBufferBytesPerUnit,
		MaxRowsPerRequest:      DefaultMaxRowsPerRequest,
		MaxRetryCount:          DefaultMaxRetryCount,
		RetryBackoff:           NewDuration(DefaultRetryBackoff),
		MaxErrorRatio:          0,
		AggregateBufferCeiling: DefaultAggregateBufferCeiling,
		CloseTimeout:           NewDuration(DefaultCloseTimeout),
		BackpressureTimeout:    NewDuration(DefaultBackpressureTimeout),
		OpenTimeout:            NewDuration(DefaultOpenTimeout),
		RPCTimeout:             NewDuration(DefaultRPCTimeout),
		SendInterval:           NewDuration(DefaultSendInterval),
		PartitionNotFound:      PartitionNotFoundSkip,
		MaxErrorSamples:        DefaultMaxErrorSamples,
		MaxStringLength:        DefaultMaxStringLength,
		Compression:            CompressionZstd,
		Log: Log{
			Level:  logutil.DefaultLogLevel,
			Format: logutil.DefaultLogFormat,
		},
	}
}

// LoadFromTOML overwrites the fields of cfg from TOML data.
func (cfg *Config) LoadFromTOML(data []byte) error {
	metaData, err := toml.Decode(string(data), cfg)
	if err != nil {
		return errors.Trace(err)
	}
	return checkUndecoded(metaData)
}

func checkUndecoded(metaData toml.MetaData) error {
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return common.ErrInvalidConfig.GenWithStack("unknown keys in config: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadFromFile loads a config from a TOML file on top of the defaults and
// validates it.
func LoadFromFile(path string) (*Config, error) {
	cfg := NewConfig()
	metaData, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, common.ErrLoadConfigFile.Wrap(err).GenWithStackByArgs(path)
	}
	if err := checkUndecoded(metaData); err != nil {
		return nil, err
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Adjust validates the config. It is called once before a session starts.
func (cfg *Config) Adjust() error {
	invalid := func(format string, args ...any) error {
		return common.ErrInvalidConfig.GenWithStack(format, args...)
	}
	switch {
	case cfg.MaxBufferBytesPerUnit <= 0:
		return invalid("max-buffer-bytes-per-unit must be positive, got %d", cfg.MaxBufferBytesPerUnit)
	case cfg.MaxRowsPerRequest <= 0:
		return invalid("max-rows-per-request must be positive, got %d", cfg.MaxRowsPerRequest)
	case cfg.MaxRetryCount < 0:
		return invalid("max-retry-count must not be negative, got %d", cfg.MaxRetryCount)
	case cfg.RetryBackoff.Duration < 0:
		return invalid("retry-backoff must not be negative, got %s", cfg.RetryBackoff)
	case cfg.MaxErrorRatio < 0 || cfg.MaxErrorRatio > 1:
		return invalid("max-error-ratio must be in [0, 1], got %v", cfg.MaxErrorRatio)
	case cfg.AggregateBufferCeiling <= 0:
		return invalid("aggregate-buffer-ceiling must be positive, got %d", cfg.AggregateBufferCeiling)
	case cfg.CloseTimeout.Duration <= 0:
		return invalid("close-timeout must be positive, got %s", cfg.CloseTimeout)
	case cfg.BackpressureTimeout.Duration <= 0:
		return invalid("backpressure-timeout must be positive, got %s", cfg.BackpressureTimeout)
	case cfg.OpenTimeout.Duration <= 0:
		return invalid("open-timeout must be positive, got %s", cfg.OpenTimeout)
	case cfg.RPCTimeout.Duration <= 0:
		return invalid("rpc-timeout must be positive, got %s", cfg.RPCTimeout)
	case cfg.SendInterval.Duration <= 0:
		return invalid("send-interval must be positive, got %s", cfg.SendInterval)
	case cfg.MaxErrorSamples < 0:
		return invalid("max-error-samples must not be negative, got %d", cfg.MaxErrorSamples)
	case cfg.MaxStringLength <= 0:
		return invalid("max-string-length must be positive, got %d", cfg.MaxStringLength)
	}

	cfg.PartitionNotFound = PartitionNotFoundAction(strings.ToLower(string(cfg.PartitionNotFound)))
	switch cfg.PartitionNotFound {
	case PartitionNotFoundSkip, PartitionNotFoundAbort:
	default:
		return invalid("partition-not-found must be 'skip' or 'abort', got '%s'", cfg.PartitionNotFound)
	}

	cfg.Compression = strings.ToLower(cfg.Compression)
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionNone
	case CompressionNone, CompressionGzip, CompressionZstd, CompressionSnappy:
	default:
		return invalid("unsupported compression '%s'", cfg.Compression)
	}

	seen := make(map[int64]struct{}, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if _, ok := seen[n.ID]; ok {
			return invalid("duplicate node id %d", n.ID)
		}
		if n.Addr == "" {
			return invalid("node %d has no address", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// NodeAddrs returns the address of each node by id.
func (cfg *Config) NodeAddrs() map[int64]string {
	addrs := make(map[int64]string, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		addrs[n.ID] = n.Addr
	}
	return addrs
}

// String implements fmt.Stringer.
func (cfg *Config) String() string {
	return fmt.Sprintf("buffer=%s rows=%d retry=%d/%s max-error-ratio=%v ceiling=%s close-timeout=%s",
		cfg.MaxBufferBytesPerUnit, cfg.MaxRowsPerRequest, cfg.MaxRetryCount, cfg.RetryBackoff,
		cfg.MaxErrorRatio, cfg.AggregateBufferCeiling, cfg.CloseTimeout)
}
