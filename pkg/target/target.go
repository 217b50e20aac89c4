// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package target describes the tile-parallel machine a graph is built for: the number of tiles
// (processing elements), how much memory each tile has, and how many devices are used.
//
// A Target is usually created with New, which honours the JDL_TARGET environment variable:
//
//	JDL_TARGET="tiles=64,memory=16KiB" go test ./...
package target

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Target is the static description of the machine.
type Target struct {
	// NumTiles is the number of tiles (processing elements) of one device.
	NumTiles int

	// NumDevices is the number of devices the graph spans.
	NumDevices int

	// TileMemory is the number of bytes of memory local to each tile.
	TileMemory uint64
}

const (
	// DefaultNumTiles is the number of tiles of the default target.
	DefaultNumTiles = 1472

	// DefaultTileMemory is the per-tile memory of the default target.
	DefaultTileMemory = 624 * 1024
)

// Default returns a single-device target with DefaultNumTiles tiles of DefaultTileMemory bytes each.
func Default() Target {
	return Target{
		NumTiles:   DefaultNumTiles,
		NumDevices: 1,
		TileMemory: DefaultTileMemory,
	}
}

// JDL_TARGET is the environment variable with the default target configuration to use.
//
// See NewWithConfig for the format.
const JDL_TARGET = "JDL_TARGET"

// DefaultConfig is used by New if JDL_TARGET is not set.
var DefaultConfig string

// New returns the default Target:
//
//  1. The environment JDL_TARGET is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. Default() otherwise.
func New() (Target, error) {
	if config, found := os.LookupEnv(JDL_TARGET); found {
		t, err := NewWithConfig(config)
		if err != nil {
			return Target{}, errors.WithMessagef(err, "while parsing $%s", JDL_TARGET)
		}
		return t, nil
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew is like New, but panics on error.
func MustNew() Target {
	t, err := New()
	if err != nil {
		panic(err)
	}
	return t
}

// NewWithConfig parses a configuration string formatted as a comma-separated list of "key=value" settings,
// applied over Default(). Recognized keys:
//
//   - "tiles": number of tiles per device.
//   - "memory": memory per tile, e.g. "624KiB", "1MB" or "4096".
//   - "devices": number of devices.
//
// An empty config returns Default().
func NewWithConfig(config string) (Target, error) {
	t := Default()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return Target{}, errors.Errorf("invalid target setting %q in %q: expected \"key=value\"", part, config)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "tiles":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Target{}, errors.Wrapf(err, "invalid number of tiles %q", value)
			}
			t.NumTiles = n
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Target{}, errors.Wrapf(err, "invalid number of devices %q", value)
			}
			t.NumDevices = n
		case "memory":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return Target{}, errors.Wrapf(err, "invalid tile memory %q", value)
			}
			t.TileMemory = n
		default:
			return Target{}, errors.Errorf("unknown target setting %q in %q, valid keys are \"tiles\", \"memory\" and \"devices\"",
				key, config)
		}
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Validate returns an error if the target is not usable.
func (t Target) Validate() error {
	if t.NumTiles <= 0 {
		return errors.Errorf("target must have at least one tile, got %d", t.NumTiles)
	}
	if t.NumDevices <= 0 {
		return errors.Errorf("target must have at least one device, got %d", t.NumDevices)
	}
	if t.TileMemory == 0 {
		return errors.New("target tile memory cannot be 0")
	}
	return nil
}

// TotalTiles is the number of tiles over all devices.
func (t Target) TotalTiles() int {
	return t.NumTiles * t.NumDevices
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return fmt.Sprintf("Target(devices=%d, tiles=%d, memory=%s/tile)",
		t.NumDevices, t.NumTiles, humanize.IBytes(t.TileMemory))
}
