// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"reflect"
	"slices"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// boundComputeSet is a compute set with its vertex fields resolved to tile memory.
type boundComputeSet struct {
	cs         *ComputeSet
	exchanging bool
	vertices   []*boundVertex

	// tiles lists, for each tile with vertices, the indices of its vertices.
	tiles [][]int
}

type boundVertex struct {
	tile   int
	vertex Vertex
	fields map[string]View
	staged []stagedInput
}

// stagedInput is an Input field placed (at least partially) on other tiles: its value is
// copied to buf before each pass.
type stagedInput struct {
	tensor Tensor
	buf    []byte
}

func (e *Engine) compile() error {
	g := e.graph
	var computeSets []*ComputeSet
	var printed []*printProgram
	var walk func(p Program) error
	walk = func(p Program) error {
		switch p := p.(type) {
		case *executeProgram:
			if p.cs.graph != g {
				return errors.Errorf("%s uses compute set %q from a different graph", p, p.cs.name)
			}
			if !slices.Contains(computeSets, p.cs) {
				computeSets = append(computeSets, p.cs)
			}
		case *printProgram:
			if p.tensor.v.graph != g {
				return errors.Errorf("%s uses tensor %s from a different graph", p, p.tensor)
			}
			printed = append(printed, p)
		}
		for _, child := range p.children() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for i, p := range e.programs {
		if p == nil {
			return errors.Errorf("program #%d is nil", i)
		}
		if err := walk(p); err != nil {
			return err
		}
		if err := checkSyncs(p); err != nil {
			return errors.WithMessagef(err, "program #%d", i)
		}
	}

	layout, err := layoutMemory(g)
	if err != nil {
		return err
	}
	e.layout = layout
	e.arenas = make([][]byte, g.NumTiles())
	maxUsed, maxTile := 0, 0
	for tile, used := range layout.tileSizes {
		if used > 0 {
			e.arenas[tile] = make([]byte, used)
		}
		if used > maxUsed {
			maxUsed, maxTile = used, tile
		}
	}
	for _, v := range g.variables {
		if v.initial != nil {
			layout.scatter(e.arenas, Tensor{v: v, dims: v.dims}, initialBytes(v.initial))
		}
	}

	for _, cs := range computeSets {
		bcs, err := e.bindComputeSet(cs)
		if err != nil {
			return err
		}
		e.bound[cs] = bcs
	}
	for _, p := range printed {
		if !layout.isComplete(p.tensor) {
			return errors.Errorf("%s: tensor %s is not completely placed on tiles", p, p.tensor)
		}
	}
	klog.V(1).Infof("compiled %d programs, %d compute sets on %s; max memory used %s on tile %d",
		len(e.programs), len(computeSets), g.target, humanize.IBytes(uint64(maxUsed)), maxTile)
	return nil
}

// initialBytes returns the raw memory of a flat slice.
func initialBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	size := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), size)
}

func isSync(p Program) bool {
	_, ok := p.(*syncProgram)
	return ok
}

// checkSyncs verifies that every Execute of an exchanging compute set is bracketed by Syncs.
//
// The runtime selected exchange is invisible to the static schedule, so it must be isolated from the
// passes around it by explicit barriers.
func checkSyncs(p Program) error {
	switch p := p.(type) {
	case *executeProgram:
		if p.cs.IsExchanging() {
			return errors.Errorf("%s runs an exchanging compute set, it must be bracketed by Sync() in a Sequence", p)
		}
	case *sequenceProgram:
		for i, child := range p.programs {
			if exec, ok := child.(*executeProgram); ok && exec.cs.IsExchanging() {
				if i == 0 || !isSync(p.programs[i-1]) || i+1 >= len(p.programs) || !isSync(p.programs[i+1]) {
					return errors.Errorf("%s (#%d in sequence) runs an exchanging compute set, it must be "+
						"directly preceded and followed by Sync()", exec, i)
				}
				continue
			}
			if err := checkSyncs(child); err != nil {
				return err
			}
		}
	case *repeatProgram:
		return checkSyncs(p.body)
	}
	return nil
}

// bindComputeSet checks the participation rules of the compute set and resolves the fields of its vertices.
func (e *Engine) bindComputeSet(cs *ComputeSet) (*boundComputeSet, error) {
	numTiles := e.graph.NumTiles()
	bcs := &boundComputeSet{cs: cs, exchanging: cs.IsExchanging()}
	byTile := make([][]int, numTiles)
	for _, pv := range cs.vertices {
		if _, ok := pv.vertex.(DynamicExchanger); bcs.exchanging && !ok {
			return nil, errors.Errorf("compute set %q is exchanging, but vertex %T on tile %d is not a DynamicExchanger",
				cs.name, pv.vertex, pv.tile)
		}
		bv, err := e.bindVertex(pv)
		if err != nil {
			return nil, errors.WithMessagef(err, "compute set %q", cs.name)
		}
		byTile[pv.tile] = append(byTile[pv.tile], len(bcs.vertices))
		bcs.vertices = append(bcs.vertices, bv)
	}
	for tile, vertices := range byTile {
		if bcs.exchanging && len(vertices) != 1 {
			return nil, errors.Errorf("compute set %q is exchanging: tile %d must run exactly one vertex, it has %d "+
				"(idle tiles must declare non-participation with NonParticipant)", cs.name, tile, len(vertices))
		}
		if len(vertices) > 0 {
			bcs.tiles = append(bcs.tiles, vertices)
		}
	}
	return bcs, nil
}

func (e *Engine) bindVertex(pv placedVertex) (*boundVertex, error) {
	bv := &boundVertex{tile: pv.tile, vertex: pv.vertex, fields: make(map[string]View)}
	for _, field := range pv.vertex.Fields() {
		t := field.Tensor
		if !e.layout.isComplete(t) {
			return nil, errors.Errorf("vertex %T on tile %d: field %q tensor %s is not completely placed on tiles",
				pv.vertex, pv.tile, field.Name, t)
		}
		view, local := e.layout.localView(e.arenas, t, pv.tile)
		if local {
			bv.fields[field.Name] = view
			continue
		}
		if field.Access != Input {
			return nil, errors.Errorf("vertex %T on tile %d: %s field %q tensor %s must be placed contiguously on tile %d",
				pv.vertex, pv.tile, field.Access, field.Name, t, pv.tile)
		}
		staged := stagedInput{tensor: t, buf: make([]byte, t.NumElements()*elementSize(t.DType()))}
		bv.staged = append(bv.staged, staged)
		bv.fields[field.Name] = View{mem: staged.buf, n: t.NumElements(), dtype: t.DType()}
	}
	return bv, nil
}
