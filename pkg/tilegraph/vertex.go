// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"github.com/gomlx/exceptions"
)

// Access of a vertex field.
type Access int

const (
	// Input fields are read only. They can live on any tile: remote values are staged before the pass starts.
	Input Access = iota

	// Output fields are written by the vertex, and must be wholly placed on the vertex's tile.
	Output

	// InOut fields are read and written, and must be wholly placed on the vertex's tile.
	InOut
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case Input:
		return "Input"
	case Output:
		return "Output"
	case InOut:
		return "InOut"
	default:
		return "Access(?)"
	}
}

// Field connects a named vertex field to a tensor.
type Field struct {
	Name   string
	Tensor Tensor
	Access Access
}

// Vertex is the task a tile runs in one pass of a compute set.
//
// It's the uniform per-round task interface of the machine: a vertex only sees its own fields (through the Worker)
// and, if it is a DynamicExchanger, the exchange fabric.
type Vertex interface {
	// Fields lists the tensors the vertex is connected to. It must return the same list every time.
	Fields() []Field

	// Compute runs the step of the vertex. It may be called concurrently with the steps of vertices of
	// other tiles, but never concurrently with another step of the same tile.
	Compute(w *Worker) error
}

// DynamicExchanger is implemented by vertices that take part in a data-dependent exchange, that is,
// that may call Worker.Send or Worker.Listen.
//
// A compute set with any such vertex is an "exchanging" compute set, and the statically scheduled machine
// requires every tile to take part in it: each tile must hold exactly one DynamicExchanger vertex in the
// compute set, and tiles with nothing to do must say so with a vertex that does nothing (see NonParticipant).
type DynamicExchanger interface {
	Vertex

	// DynamicExchange is a marker method.
	DynamicExchange()
}

// NonParticipant is the vertex an idle tile runs in an exchanging compute set: it declares that the
// tile neither sends nor listens in the pass.
type NonParticipant struct{}

// Fields implements Vertex.
func (NonParticipant) Fields() []Field { return nil }

// Compute implements Vertex.
func (NonParticipant) Compute(*Worker) error { return nil }

// DynamicExchange implements DynamicExchanger.
func (NonParticipant) DynamicExchange() {}

// Worker is what a vertex sees of the machine while its step runs: its tile, its fields and the exchange.
type Worker struct {
	tile   int
	vertex Vertex
	fields map[string]View
	pass   *exchangePass
}

// Tile where the vertex is running.
func (w *Worker) Tile() int { return w.tile }

// Field returns the view of the named field.
//
// For Output and InOut fields it is the tile's own memory. For Input fields it's either the tile's own memory or,
// for tensors placed elsewhere, a staged copy: writing to it has no effect outside the vertex.
func (w *Worker) Field(name string) View {
	view, found := w.fields[name]
	if !found {
		exceptions.Panicf("vertex %T on tile %d has no field %q", w.vertex, w.tile, name)
	}
	return view
}

// assertExchanger panics if the vertex running is not allowed to use the exchange.
func (w *Worker) assertExchanger(op string) {
	if _, ok := w.vertex.(DynamicExchanger); !ok || w.pass == nil {
		exceptions.Panicf("vertex %T on tile %d called %s, but it is not a DynamicExchanger", w.vertex, w.tile, op)
	}
}
