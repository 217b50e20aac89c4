// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/tilemap"
	"github.com/pkg/errors"
)

// elementSize in bytes of one element of dtype.
func elementSize(dtype dtypes.DType) int {
	return int(dtype.GoType().Size())
}

// regionAlignment of every region allocated in tile memory.
const regionAlignment = 8

func alignUp(n int) int {
	return (n + regionAlignment - 1) &^ (regionAlignment - 1)
}

// View is a window over the memory of one tile (or over a staged copy), holding elements of one dtype.
//
// Views are only valid during the step of the vertex that received them.
type View struct {
	mem   []byte
	off   int
	n     int
	dtype dtypes.DType
}

// Len is the number of elements of the view.
func (v View) Len() int { return v.n }

// DType of the elements of the view.
func (v View) DType() dtypes.DType { return v.dtype }

// Bytes returns the raw memory of the view.
func (v View) Bytes() []byte {
	size := elementSize(v.dtype)
	return v.mem[v.off : v.off+v.n*size]
}

// Window returns a view of count elements starting at element start of v.
//
// It is not checked against the bounds of v: the window can reach any memory of the tile after (or before) v.
// Only going beyond the tile memory itself is caught, by a panic when the window is accessed.
func (v View) Window(start, count int) View {
	size := elementSize(v.dtype)
	return View{mem: v.mem, off: v.off + start*size, n: count, dtype: v.dtype}
}

// Flat returns the elements of the view as a slice of T, sharing the memory of the view.
//
// T must match the dtype of the view.
func Flat[T dtypes.Supported](v View) []T {
	if dtype := dtypes.FromGenericsType[T](); dtype != v.dtype {
		exceptions.Panicf("Flat[%s] is incompatible with view of dtype %s", dtype, v.dtype)
	}
	if v.n == 0 {
		return nil
	}
	data := v.Bytes()
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), v.n)
}

// Scalar returns the first element of the view.
func Scalar[T dtypes.Supported](v View) T {
	return Flat[T](v)[0]
}

// location of one element of a variable in tile memory.
type location struct {
	tile   int
	offset int // In bytes, within the tile's memory.
}

// memoryLayout of all variables of a graph over the tile memories.
type memoryLayout struct {
	// tileSizes holds the number of bytes used on each tile.
	tileSizes []int

	// locations of each element, indexed by variable id and element index.
	// Unmapped elements have tile set to tilemap.Unmapped.
	locations [][]location
}

// layoutMemory allocates one region per interval of each variable on each tile.
// It fails if some tile runs out of memory.
func layoutMemory(g *Graph) (*memoryLayout, error) {
	numTiles := g.NumTiles()
	layout := &memoryLayout{
		tileSizes: make([]int, numTiles),
		locations: make([][]location, len(g.variables)),
	}
	for _, v := range g.variables {
		size := elementSize(v.dtype)
		locs := make([]location, v.size)
		for i := range locs {
			locs[i].tile = tilemap.Unmapped
		}
		mapping, _ := tilemap.FromTileOf(v.tileOf, numTiles)
		for tile, intervals := range mapping {
			for _, interval := range intervals {
				offset := layout.tileSizes[tile]
				for idx := interval.Begin; idx < interval.End; idx++ {
					locs[idx] = location{tile: tile, offset: offset + (idx-interval.Begin)*size}
				}
				layout.tileSizes[tile] = alignUp(offset + interval.Len()*size)
			}
		}
		layout.locations[v.id] = locs
	}
	memory := g.target.TileMemory
	for tile, used := range layout.tileSizes {
		if uint64(used) > memory {
			return nil, errors.Errorf("tile %d out of memory: needs %s, target has %s per tile",
				tile, humanize.IBytes(uint64(used)), humanize.IBytes(memory))
		}
	}
	return layout, nil
}

// isComplete returns whether every element of t is placed on some tile.
func (layout *memoryLayout) isComplete(t Tensor) bool {
	locs := layout.locations[t.v.id]
	begin, end := t.elements()
	for idx := begin; idx < end; idx++ {
		if locs[idx].tile == tilemap.Unmapped {
			return false
		}
	}
	return true
}

// localView returns the view of t on the given tile, if all its elements are placed contiguously on that tile.
func (layout *memoryLayout) localView(arenas [][]byte, t Tensor, tile int) (View, bool) {
	locs := layout.locations[t.v.id]
	begin, end := t.elements()
	size := elementSize(t.v.dtype)
	for idx := begin; idx < end; idx++ {
		if locs[idx].tile != tile {
			return View{}, false
		}
		if idx > begin && locs[idx].offset != locs[idx-1].offset+size {
			return View{}, false
		}
	}
	return View{mem: arenas[tile], off: locs[begin].offset, n: end - begin, dtype: t.v.dtype}, true
}

// gather copies the elements of t, wherever they are placed, into dst. Unmapped elements are skipped.
func (layout *memoryLayout) gather(arenas [][]byte, t Tensor, dst []byte) {
	locs := layout.locations[t.v.id]
	begin, end := t.elements()
	size := elementSize(t.v.dtype)
	for idx := begin; idx < end; idx++ {
		loc := locs[idx]
		if loc.tile == tilemap.Unmapped {
			continue
		}
		pos := (idx - begin) * size
		copy(dst[pos:pos+size], arenas[loc.tile][loc.offset:loc.offset+size])
	}
}

// scatter copies src into the elements of t, wherever they are placed. Unmapped elements are skipped.
func (layout *memoryLayout) scatter(arenas [][]byte, t Tensor, src []byte) {
	locs := layout.locations[t.v.id]
	begin, end := t.elements()
	size := elementSize(t.v.dtype)
	for idx := begin; idx < end; idx++ {
		loc := locs[idx]
		if loc.tile == tilemap.Unmapped {
			continue
		}
		pos := (idx - begin) * size
		copy(arenas[loc.tile][loc.offset:loc.offset+size], src[pos:pos+size])
	}
}
