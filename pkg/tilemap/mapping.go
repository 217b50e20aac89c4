// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilemap

import (
	"fmt"
	"strings"
)

// Mapping holds, for each tile, the intervals of elements of a tensor placed on that tile.
//
// Intervals are in the tensor's flat element index space, sorted and non-overlapping within a tile.
// Consecutive elements placed on the same tile are always merged into one interval.
type Mapping [][]Interval

// Unmapped is the tile value used in a per-element tile assignment for elements not placed anywhere.
const Unmapped = -1

// FromTileOf builds the Mapping of a tensor given the tile of each of its elements (or Unmapped).
//
// It also returns whether the mapping is complete, that is, whether every element is placed on some tile.
// Tiles outside [0, numTiles) are ignored, and make the mapping incomplete.
func FromTileOf(tileOf []int, numTiles int) (m Mapping, complete bool) {
	m = make(Mapping, numTiles)
	complete = true
	for idx, tile := range tileOf {
		if tile < 0 || tile >= numTiles {
			complete = false
			continue
		}
		intervals := m[tile]
		if n := len(intervals); n > 0 && intervals[n-1].End == idx {
			intervals[n-1].End++
			continue
		}
		m[tile] = append(intervals, Interval{Begin: idx, End: idx + 1})
	}
	return
}

// NumTiles returns the number of tiles the mapping covers, mapped or not.
func (m Mapping) NumTiles() int { return len(m) }

// NumIntervals returns the number of disjoint intervals on the given tile.
func (m Mapping) NumIntervals(tile int) int { return len(m[tile]) }

// Tiles returns the tiles holding at least one element, in increasing order.
func (m Mapping) Tiles() []int {
	var tiles []int
	for tile, intervals := range m {
		if len(intervals) > 0 {
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// TotalElements returns the number of elements mapped over all tiles.
func (m Mapping) TotalElements() int {
	var total int
	for _, intervals := range m {
		for _, interval := range intervals {
			total += interval.Len()
		}
	}
	return total
}

// String lists the non-empty tiles and their intervals.
func (m Mapping) String() string {
	var sb strings.Builder
	sb.WriteString("Mapping{")
	first := true
	for tile, intervals := range m {
		if len(intervals) == 0 {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		_, _ = fmt.Fprintf(&sb, "%d: %v", tile, intervals)
	}
	sb.WriteString("}")
	return sb.String()
}
