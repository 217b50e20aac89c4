// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jdl

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// isIntegerDType returns whether dtype can be used for a selector.
func isIntegerDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

// integerSelector are the Go types of the dtypes accepted for selectors.
type integerSelector interface {
	dtypes.Supported
	constraints.Integer
}

func scalarAsInt[T integerSelector](v tilegraph.View) int {
	return int(tilegraph.Scalar[T](v))
}

// readSelector reads the value of a scalar selector of any integer dtype.
func readSelector(v tilegraph.View) (int, error) {
	switch v.DType() {
	case dtypes.Int8:
		return scalarAsInt[int8](v), nil
	case dtypes.Int16:
		return scalarAsInt[int16](v), nil
	case dtypes.Int32:
		return scalarAsInt[int32](v), nil
	case dtypes.Int64:
		return scalarAsInt[int64](v), nil
	case dtypes.Uint8:
		return scalarAsInt[uint8](v), nil
	case dtypes.Uint16:
		return scalarAsInt[uint16](v), nil
	case dtypes.Uint32:
		return scalarAsInt[uint32](v), nil
	case dtypes.Uint64:
		return scalarAsInt[uint64](v), nil
	}
	return 0, errors.Errorf("selector of dtype %s is not an integer", v.DType())
}

// planOf decodes the plan entry of the tile, checking that it was written for it.
func planOf(w *tilegraph.Worker, role Role) (PlanEntry, error) {
	entry, err := DecodePlan(tilegraph.Flat[uint32](w.Field("plan")))
	if err != nil {
		return PlanEntry{}, err
	}
	if entry.Role != role || int(entry.Self) != w.Tile() {
		return PlanEntry{}, errors.Errorf("routing plan %s doesn't belong to %s tile %d", entry, role, w.Tile())
	}
	return entry, nil
}

// setupSend writes the plan of a sender: who to send to, and how much.
type setupSend struct {
	plan, receiverID, count tilegraph.Tensor
	elementSize             uint32
}

func (v *setupSend) Fields() []tilegraph.Field {
	return []tilegraph.Field{
		{Name: "plan", Tensor: v.plan, Access: tilegraph.Output},
		{Name: "receiverID", Tensor: v.receiverID, Access: tilegraph.Input},
		{Name: "count", Tensor: v.count, Access: tilegraph.Input},
	}
}

func (v *setupSend) Compute(w *tilegraph.Worker) error {
	entry := PlanEntry{
		Role:        Sender,
		Self:        uint32(w.Tile()),
		Peer:        uint32(tilegraph.Scalar[int32](w.Field("receiverID"))),
		Count:       tilegraph.Scalar[uint32](w.Field("count")),
		ElementSize: v.elementSize,
	}
	entry.Encode(tilegraph.Flat[uint32](w.Field("plan")))
	return nil
}

// setupRecv writes the plan of the receiver: how much to expect.
type setupRecv struct {
	plan, count tilegraph.Tensor
	elementSize uint32
}

func (v *setupRecv) Fields() []tilegraph.Field {
	return []tilegraph.Field{
		{Name: "plan", Tensor: v.plan, Access: tilegraph.Output},
		{Name: "count", Tensor: v.count, Access: tilegraph.Input},
	}
}

func (v *setupRecv) Compute(w *tilegraph.Worker) error {
	entry := PlanEntry{
		Role:        Receiver,
		Self:        uint32(w.Tile()),
		Peer:        PeerRuntimeSelected,
		Count:       tilegraph.Scalar[uint32](w.Field("count")),
		ElementSize: v.elementSize,
	}
	entry.Encode(tilegraph.Flat[uint32](w.Field("plan")))
	return nil
}

// send offers Count elements of the tile's data, starting at the element selector, to the receiver.
//
// Every sender sends: only the one the receiver listens to gets its data delivered.
// The element selector is not checked against the data held by the tile.
type send struct {
	plan, elementSelector, data tilegraph.Tensor
}

func (v *send) Fields() []tilegraph.Field {
	return []tilegraph.Field{
		{Name: "plan", Tensor: v.plan, Access: tilegraph.Input},
		{Name: "elementSelector", Tensor: v.elementSelector, Access: tilegraph.Input},
		{Name: "data", Tensor: v.data, Access: tilegraph.Input},
	}
}

func (v *send) Compute(w *tilegraph.Worker) error {
	entry, err := planOf(w, Sender)
	if err != nil {
		return err
	}
	start, err := readSelector(w.Field("elementSelector"))
	if err != nil {
		return err
	}
	w.Send(int(entry.Peer), w.Field("data").Window(start, int(entry.Count)))
	return nil
}

func (v *send) DynamicExchange() {}

// recv listens to the tile given by the tile selector, and receives its data into the result.
//
// The tile selector is not checked: selecting a tile that didn't send leaves the result untouched.
type recv struct {
	plan, tileSelector, result tilegraph.Tensor
}

func (v *recv) Fields() []tilegraph.Field {
	return []tilegraph.Field{
		{Name: "plan", Tensor: v.plan, Access: tilegraph.Input},
		{Name: "tileSelector", Tensor: v.tileSelector, Access: tilegraph.Input},
		{Name: "result", Tensor: v.result, Access: tilegraph.Output},
	}
}

func (v *recv) Compute(w *tilegraph.Worker) error {
	entry, err := planOf(w, Receiver)
	if err != nil {
		return err
	}
	src, err := readSelector(w.Field("tileSelector"))
	if err != nil {
		return err
	}
	w.Listen(src, w.Field("result").Window(0, int(entry.Count)))
	return nil
}

func (v *recv) DynamicExchange() {}
