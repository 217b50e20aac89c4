// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jdl

import (
	"fmt"

	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/gomlx/jdl/pkg/tilemap"
	"github.com/pkg/errors"
)

// Errors returned when a lookup can't be built. They are wrapped with details, use errors.Is to match them.
var (
	ErrMultiDevice         = errors.New("jdl: only single device targets are supported")
	ErrNoSenders           = errors.New("jdl: data is not placed on any tile")
	ErrUnmappedData        = errors.New("jdl: data is not completely placed on tiles")
	ErrNoReceiver          = errors.New("jdl: result is not placed on any tile")
	ErrMultipleReceivers   = errors.New("jdl: result is placed on more than one tile")
	ErrUnmappedResult      = errors.New("jdl: result is not completely placed on tiles")
	ErrMultiIntervalSender = errors.New("jdl: a tile holds more than one interval of data")
	ErrReceiverHoldsData   = errors.New("jdl: the receiver tile also holds data")
	ErrSelectorNotScalar   = errors.New("jdl: selectors must be scalars")
	ErrSelectorNotInteger  = errors.New("jdl: selectors must have an integer dtype")
	ErrUnmappedSelector    = errors.New("jdl: selector is not placed on a tile")
	ErrResultDTypeMismatch = errors.New("jdl: result and data must have the same dtype")
)

// Role of a tile in a lookup.
type Role uint32

const (
	// Idle tiles hold neither data nor the result. They only declare non-participation in the exchange.
	Idle Role = iota

	// Sender tiles hold one contiguous interval of the data.
	Sender

	// Receiver is the one tile holding the result.
	Receiver
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Idle:
		return "Idle"
	case Sender:
		return "Sender"
	case Receiver:
		return "Receiver"
	default:
		return fmt.Sprintf("Role(%d)", uint32(r))
	}
}

// Participants of a lookup, derived from the placement of the data and the result.
type Participants struct {
	// Receiver is the tile holding the result.
	Receiver int

	// Senders lists the tiles holding data, in increasing order.
	Senders []int

	// Intervals holds the interval of data elements (in flat index order) of each sender.
	Intervals []tilemap.Interval

	// Roles of every tile of the target.
	Roles []Role
}

// NumSenders is the number of tiles holding data.
func (p *Participants) NumSenders() int { return len(p.Senders) }

// NumActive is the number of tiles taking part in the exchange: the senders plus the receiver.
func (p *Participants) NumActive() int { return len(p.Senders) + 1 }

// SenderInterval returns the interval of data held by the tile, and whether it is a sender.
func (p *Participants) SenderInterval(tile int) (tilemap.Interval, bool) {
	for i, sender := range p.Senders {
		if sender == tile {
			return p.Intervals[i], true
		}
	}
	return tilemap.Interval{}, false
}

// String implements fmt.Stringer.
func (p *Participants) String() string {
	return fmt.Sprintf("Participants{receiver: %d, senders: %v, intervals: %v}", p.Receiver, p.Senders, p.Intervals)
}

// Inspect the placement of data and result over the tiles of the graph's target, and classify every tile.
//
// It has no effect on the graph. It fails, with one of the package's errors, if:
//
//   - The target has more than one device.
//   - Any of data or result is not completely placed.
//   - The result is not on exactly one tile (the receiver).
//   - A tile holds more than one interval of data.
//   - The receiver holds data.
func Inspect(g *tilegraph.Graph, data, result tilegraph.Tensor) (*Participants, error) {
	if numDevices := g.Target().NumDevices; numDevices != 1 {
		return nil, errors.Wrapf(ErrMultiDevice, "target has %d devices", numDevices)
	}
	dataMapping, dataComplete := g.TileMapping(data)
	resultMapping, resultComplete := g.TileMapping(result)

	receivers := resultMapping.Tiles()
	switch {
	case len(receivers) == 0:
		return nil, errors.Wrapf(ErrNoReceiver, "result %s", result)
	case len(receivers) > 1:
		return nil, errors.Wrapf(ErrMultipleReceivers, "result %s is placed on tiles %v", result, receivers)
	case !resultComplete:
		return nil, errors.Wrapf(ErrUnmappedResult, "result %s: %s", result, resultMapping)
	}
	if dataMapping.TotalElements() == 0 {
		return nil, errors.Wrapf(ErrNoSenders, "data %s", data)
	}
	if !dataComplete {
		return nil, errors.Wrapf(ErrUnmappedData, "data %s: %d of %d elements placed",
			data, dataMapping.TotalElements(), data.NumElements())
	}

	p := &Participants{
		Receiver: receivers[0],
		Roles:    make([]Role, dataMapping.NumTiles()),
	}
	for tile, intervals := range dataMapping {
		switch {
		case len(intervals) > 1:
			return nil, errors.Wrapf(ErrMultiIntervalSender, "tile %d holds %v of data %s", tile, intervals, data)
		case len(intervals) == 0:
			continue
		case tile == p.Receiver:
			return nil, errors.Wrapf(ErrReceiverHoldsData, "tile %d holds result %s and %v of data %s",
				tile, result, intervals[0], data)
		}
		p.Senders = append(p.Senders, tile)
		p.Intervals = append(p.Intervals, intervals[0])
		p.Roles[tile] = Sender
	}
	p.Roles[p.Receiver] = Receiver
	return p, nil
}
