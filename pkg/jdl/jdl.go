// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jdl implements the JIT Dynamic Lookup (JDL): a data-dependent point-to-point transfer inside a statically
// scheduled tile-parallel graph.
//
// The data is spread over a set of sender tiles, each holding at most one contiguous interval of it. The result
// lives on one receiver tile. On every lookup, the receiver picks at run time (with the tile selector) the sender
// to fetch from, and every sender offers (with the element selector) the run of elements of its own interval
// starting at that offset. Only the selected sender's data lands on the receiver.
//
// The topology is fixed when the graph is built, only the content transferred is chosen at run time. The lookup
// is built in two programs (see CreatePrograms):
//
//   - Setup: writes the routing plan of every active tile in its own memory. Run it once.
//   - Exchange: the lookup itself. Run it every time, with fresh selector values.
//
// Example:
//
//	data := g.AddVariable(dtypes.Int32, "data", numDataTiles, elementsPerTile)
//	for tile := range numDataTiles {
//		g.SetTileMapping(data.Index(tile), tile)
//	}
//	... // Create tileSelector, elementSelector and result, and place them on the receiver tile.
//	progs, err := jdl.CreatePrograms(g, data, tileSelector, elementSelector, result)
//	...
//	engine, err := tilegraph.NewEngine(g, tilegraph.Sequence(progs.Setup, tilegraph.Repeat(n,
//		tilegraph.Sequence(computeRequest, progs.Exchange))))
//
// Selector values are not checked: a tile selector that is not a sender leaves the result untouched, and an
// element selector for which the transfer goes beyond the interval of the sender reads whatever is in the
// sender's memory, or fails the run if it goes beyond the memory of the tile.
package jdl

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Programs implementing a lookup.
type Programs struct {
	// Setup plans the exchange. Run it exactly once before any Exchange: running it again recomputes the
	// same plan.
	Setup tilegraph.Program

	// Exchange performs one lookup, with the current values of the selectors. It can be run any number of times.
	Exchange tilegraph.Program

	// Participants of the lookup.
	Participants *Participants

	// Plan is the routing plan buffer shaped [NumActive, PlanSize]: one row per sender, in the order of
	// Participants.Senders, followed by the receiver's row. Each row is placed on its tile.
	Plan tilegraph.Tensor
}

// CreatePrograms creates the programs to perform a JIT Dynamic Lookup of data into result.
//
//   - data: the tensor to fetch from, completely placed, with at most one contiguous interval per tile.
//     The tiles holding it are the senders.
//   - tileSelector: scalar integer tensor with the tile to fetch from. It is a tile number of the target, e.g. if
//     data is placed on tiles 20 to 50, tileSelector takes values from 20 to 50.
//   - elementSelector: scalar integer tensor with the offset of the first element to fetch within the interval
//     of data of the selected tile.
//   - result: the tensor receiving the data, completely placed on one tile (the receiver), which must hold no data.
//     Its number of elements is the number of elements fetched by every lookup.
//
// The selectors can be placed on any tile, typically the receiver.
//
// It returns an error (see the package's Err* errors) if the lookup can't be built. The graph may have
// been partially modified in that case.
func CreatePrograms(g *tilegraph.Graph, data, tileSelector, elementSelector, result tilegraph.Tensor) (
	progs Programs, err error) {
	exception := exceptions.TryCatch[error](func() {
		progs, err = createPrograms(g, data, tileSelector, elementSelector, result)
	})
	if exception != nil {
		err = exception
	}
	if err != nil {
		return Programs{}, errors.WithMessage(err, "jdl.CreatePrograms")
	}
	return progs, nil
}

// MustCreatePrograms is like CreatePrograms, but panics on error.
func MustCreatePrograms(g *tilegraph.Graph, data, tileSelector, elementSelector, result tilegraph.Tensor) Programs {
	progs, err := CreatePrograms(g, data, tileSelector, elementSelector, result)
	if err != nil {
		panic(err)
	}
	return progs
}

func checkSelector(g *tilegraph.Graph, name string, selector tilegraph.Tensor) error {
	if selector.NumElements() != 1 {
		return errors.Wrapf(ErrSelectorNotScalar, "%s %s", name, selector)
	}
	if !isIntegerDType(selector.DType()) {
		return errors.Wrapf(ErrSelectorNotInteger, "%s %s", name, selector)
	}
	if _, complete := g.TileMapping(selector); !complete {
		return errors.Wrapf(ErrUnmappedSelector, "%s %s", name, selector)
	}
	return nil
}

func createPrograms(g *tilegraph.Graph, data, tileSelector, elementSelector, result tilegraph.Tensor) (
	Programs, error) {
	for _, t := range []tilegraph.Tensor{data, tileSelector, elementSelector, result} {
		t.AssertValid()
	}
	if err := checkSelector(g, "tileSelector", tileSelector); err != nil {
		return Programs{}, err
	}
	if err := checkSelector(g, "elementSelector", elementSelector); err != nil {
		return Programs{}, err
	}
	if data.DType() != result.DType() {
		return Programs{}, errors.Wrapf(ErrResultDTypeMismatch, "data %s, result %s", data, result)
	}
	participants, err := Inspect(g, data, result)
	if err != nil {
		return Programs{}, err
	}

	numActive := participants.NumActive()
	count := result.NumElements()
	elementSize := uint32(data.DType().GoType().Size())
	receiver := participants.Receiver
	plan := g.AddVariable(dtypes.Uint32, "JDL_plan", numActive, PlanSize)
	receiverID := tilegraph.AddConstant(g, "JDL_receiverID", int32(receiver))
	countConst := tilegraph.AddConstant(g, "JDL_count", uint32(count))
	setupCS := g.AddComputeSet("JDL_setup")
	exchangeCS := g.AddComputeSet("JDL_exchange")

	// Receiver.
	receiverPlan := plan.Index(numActive - 1)
	for _, t := range []tilegraph.Tensor{receiverPlan, receiverID, countConst} {
		g.SetTileMapping(t, receiver)
	}
	g.AddVertex(setupCS, &setupRecv{plan: receiverPlan, count: countConst, elementSize: elementSize}, receiver)
	g.AddVertex(exchangeCS, &recv{plan: receiverPlan, tileSelector: tileSelector, result: result}, receiver)

	// Senders and idle tiles.
	flatData := data.Flatten()
	for i, tile := range participants.Senders {
		senderPlan := plan.Index(i)
		interval := participants.Intervals[i]
		g.SetTileMapping(senderPlan, tile)
		g.AddVertex(setupCS, &setupSend{plan: senderPlan, receiverID: receiverID, count: countConst,
			elementSize: elementSize}, tile)
		g.AddVertex(exchangeCS, &send{plan: senderPlan, elementSelector: elementSelector,
			data: flatData.Slice(interval.Begin, interval.End)}, tile)
	}
	for tile, role := range participants.Roles {
		if role == Idle {
			g.AddVertex(exchangeCS, tilegraph.NonParticipant{}, tile)
		}
	}

	klog.V(1).Infof("JDL: %d senders %v, receiver tile %d, %d idle tiles, lookups of %d elements of %s",
		participants.NumSenders(), participants.Senders, receiver,
		len(participants.Roles)-numActive, count, data.DType())
	return Programs{
		Setup: tilegraph.Execute(setupCS),
		Exchange: tilegraph.Sequence(
			tilegraph.Sync(),
			tilegraph.Execute(exchangeCS),
			tilegraph.Sync(),
		),
		Participants: participants,
		Plan:         plan,
	}, nil
}
