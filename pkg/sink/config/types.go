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
	"encoding/json"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// ByteSize is an alias of int64 which accepts human-friendly strings like
// '10G' when read from TOML.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler
func (size *ByteSize) UnmarshalText(b []byte) error {
	res, err := units.RAMInBytes(string(b))
	if err != nil {
		return err
	}
	*size = ByteSize(res)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler (for testing)
func (size *ByteSize) UnmarshalJSON(b []byte) error {
	var res any
	if err := json.Unmarshal(b, &res); err != nil {
		return err
	}
	switch r := res.(type) {
	case float64:
		*size = ByteSize(r)
		return nil
	case string:
		return size.UnmarshalText([]byte(r))
	default:
		return errors.Errorf("invalid size: '%s'", b)
	}
}

// String renders the size in binary units.
func (size ByteSize) String() string {
	return units.BytesSize(float64(size))
}

// Duration which can be deserialized from a TOML string.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d *Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}
