// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tilegraph builds and executes statically scheduled programs for a tile-parallel machine.
//
// The machine is a fixed set of tiles (see package target), each with its own local memory. Tiles cannot read or
// write each other's memory: the only cross-tile effects are the ones declared in the graph, either
// by connecting a vertex to a tensor living on another tile (its value is staged before the pass) or by the
// addressed point-to-point exchange (see Exchanger).
//
// A Graph holds:
//
//   - Variables and constants (Tensor), whose elements are placed on tiles with SetTileMapping.
//   - Compute sets: groups of vertices (per-tile tasks) that run as one parallel pass.
//
// Programs (Execute, Sequence, Sync, Repeat, PrintTensor) compose the passes, and an Engine compiles
// and runs them.
//
// Errors while building the graph are reported by panicking with an error (with a stack trace), see
// package github.com/gomlx/exceptions. Use exceptions.TryCatch[error] to convert them to errors.
package tilegraph

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/target"
	"github.com/gomlx/jdl/pkg/tilemap"
)

// Graph is the static description of the data and the per-tile tasks of a tile-parallel program.
//
// It is not safe for concurrent use while being built.
type Graph struct {
	target      target.Target
	variables   []*variable
	computeSets []*ComputeSet
	numVertices int
}

// NewGraph creates an empty graph for the given target.
func NewGraph(t target.Target) *Graph {
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return &Graph{target: t}
}

// Target the graph is built for.
func (g *Graph) Target() target.Target { return g.target }

// NumTiles is a shortcut to the total number of tiles of the target.
func (g *Graph) NumTiles() int { return g.target.TotalTiles() }

func (g *Graph) newVariable(dtype dtypes.DType, name string, constant bool, dims []int) *variable {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tilegraph: invalid dtype %s for variable %q", dtype, name)
	}
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("tilegraph: variable %q cannot have an axis with dimension <= 0, got %v", name, dims)
		}
		size *= dim
	}
	v := &variable{
		graph:    g,
		id:       len(g.variables),
		name:     name,
		dtype:    dtype,
		dims:     dims,
		size:     size,
		constant: constant,
		tileOf:   make([]int, size),
	}
	for i := range v.tileOf {
		v.tileOf[i] = tilemap.Unmapped
	}
	g.variables = append(g.variables, v)
	return v
}

// AddVariable declares a new variable with the given dtype and dimensions (none for a scalar).
//
// Its elements are not placed on any tile until SetTileMapping is called, and its values are zero
// unless SetInitialValue is used.
func (g *Graph) AddVariable(dtype dtypes.DType, name string, dims ...int) Tensor {
	v := g.newVariable(dtype, name, false, append([]int(nil), dims...))
	return Tensor{v: v, dims: v.dims}
}

// AddConstant declares a scalar constant. Vertices can't connect to it as an output.
//
// As any other tensor, it must be placed on a tile with SetTileMapping.
func AddConstant[T dtypes.Supported](g *Graph, name string, value T) Tensor {
	v := g.newVariable(dtypes.FromGenericsType[T](), name, true, nil)
	v.initial = []T{value}
	return Tensor{v: v}
}

// SetInitialValue sets the values the elements of t have when the graph is loaded in an Engine.
//
// The length of values must match t.NumElements(), and T must match t.DType().
func SetInitialValue[T dtypes.Supported](t Tensor, values []T) {
	t.AssertValid()
	if dtype := dtypes.FromGenericsType[T](); dtype != t.DType() {
		exceptions.Panicf("SetInitialValue[%s] is incompatible with tensor %s", dtype, t)
	}
	if len(values) != t.NumElements() {
		exceptions.Panicf("SetInitialValue: tensor %s has %d elements, got %d values", t, t.NumElements(), len(values))
	}
	v := t.v
	if v.initial == nil {
		v.initial = reflect.MakeSlice(reflect.SliceOf(v.dtype.GoType()), v.size, v.size).Interface()
	}
	begin, end := t.elements()
	copy(v.initial.([]T)[begin:end], values)
}

// SetTileMapping places all elements of t on the given tile.
//
// It can be called several times, the last placement of an element wins.
func (g *Graph) SetTileMapping(t Tensor, tile int) {
	g.assertOwns(t)
	if tile < 0 || tile >= g.NumTiles() {
		exceptions.Panicf("SetTileMapping(%s, %d): tile out of range, target has %d tiles", t, tile, g.NumTiles())
	}
	begin, end := t.elements()
	for i := begin; i < end; i++ {
		t.v.tileOf[i] = tile
	}
}

// TileMapping returns the mapping of the elements of t (indexed relative to t) over the tiles of the target,
// and whether every element of t has been placed.
func (g *Graph) TileMapping(t Tensor) (mapping tilemap.Mapping, complete bool) {
	g.assertOwns(t)
	begin, end := t.elements()
	return tilemap.FromTileOf(t.v.tileOf[begin:end], g.NumTiles())
}

func (g *Graph) assertOwns(t Tensor) {
	t.AssertValid()
	if t.v.graph != g {
		exceptions.Panicf("tensor %s belongs to a different graph", t)
	}
}

// ComputeSet is a set of vertices executed as one parallel pass: every tile runs its vertices
// logically at the same time as every other tile.
type ComputeSet struct {
	graph    *Graph
	id       int
	name     string
	vertices []placedVertex
}

type placedVertex struct {
	id     int
	tile   int
	vertex Vertex
}

// AddComputeSet creates a new, empty, compute set.
func (g *Graph) AddComputeSet(name string) *ComputeSet {
	cs := &ComputeSet{graph: g, id: len(g.computeSets), name: name}
	g.computeSets = append(g.computeSets, cs)
	return cs
}

// Name of the compute set.
func (cs *ComputeSet) Name() string { return cs.name }

// NumVertices in the compute set.
func (cs *ComputeSet) NumVertices() int { return len(cs.vertices) }

// IsExchanging returns whether any vertex of the compute set uses the dynamic exchange (see DynamicExchanger).
func (cs *ComputeSet) IsExchanging() bool {
	for _, pv := range cs.vertices {
		if _, ok := pv.vertex.(DynamicExchanger); ok {
			return true
		}
	}
	return false
}

// AddVertex adds the vertex to the compute set, to run on the given tile.
//
// Fields are validated here: they must be valid tensors of this graph, have unique names, and only non-constant
// tensors can be written (Output or InOut). Whether the fields are placed where the vertex can reach them is only
// checked when the graph is compiled by an Engine, since tile mappings can still change.
func (g *Graph) AddVertex(cs *ComputeSet, v Vertex, tile int) {
	if cs.graph != g {
		exceptions.Panicf("compute set %q belongs to a different graph", cs.name)
	}
	if tile < 0 || tile >= g.NumTiles() {
		exceptions.Panicf("AddVertex(%q, %T): tile %d out of range, target has %d tiles", cs.name, v, tile, g.NumTiles())
	}
	seen := make(map[string]bool)
	for _, field := range v.Fields() {
		if seen[field.Name] {
			exceptions.Panicf("vertex %T has duplicate field %q", v, field.Name)
		}
		seen[field.Name] = true
		if !field.Tensor.Valid() {
			exceptions.Panicf("vertex %T field %q is not connected to a valid tensor", v, field.Name)
		}
		g.assertOwns(field.Tensor)
		if field.Access != Input && field.Tensor.IsConstant() {
			exceptions.Panicf("vertex %T field %q: constant %s cannot be connected as %s", v, field.Name,
				field.Tensor, field.Access)
		}
	}
	cs.vertices = append(cs.vertices, placedVertex{id: g.numVertices, tile: tile, vertex: v})
	g.numVertices++
}
