// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvenPartition(t *testing.T) {
	parts := EvenPartition(Interval{Begin: 0, End: 10}, 3)
	require.Len(t, parts, 3)
	assert.Equal(t, []Interval{{0, 4}, {4, 7}, {7, 10}}, parts)

	parts = EvenPartition(Interval{Begin: 5, End: 7}, 4)
	assert.Equal(t, []Interval{{5, 6}, {6, 7}, {7, 7}, {7, 7}}, parts)
	for _, p := range parts[2:] {
		assert.Equal(t, 0, p.Len())
	}
}

func TestInterval(t *testing.T) {
	i := Interval{Begin: 3, End: 6}
	assert.Equal(t, 3, i.Len())
	assert.True(t, i.Contains(3))
	assert.True(t, i.Contains(5))
	assert.False(t, i.Contains(6))
	assert.Equal(t, "[3, 6)", i.String())
}

func TestFromTileOf(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		m, complete := FromTileOf([]int{2, 2, 2, 0, 0, 2}, 4)
		assert.True(t, complete)
		assert.Equal(t, 4, m.NumTiles())
		assert.Equal(t, []int{0, 2}, m.Tiles())
		assert.Equal(t, 1, m.NumIntervals(0))
		assert.Equal(t, 2, m.NumIntervals(2))
		assert.Equal(t, 0, m.NumIntervals(1))
		assert.Equal(t, []Interval{{0, 3}, {5, 6}}, m[2])
		assert.Equal(t, 6, m.TotalElements())
		assert.Equal(t, "Mapping{0: [[3, 5)], 2: [[0, 3) [5, 6)]}", m.String())
	})

	t.Run("Incomplete", func(t *testing.T) {
		m, complete := FromTileOf([]int{1, Unmapped, 1, 7}, 4)
		assert.False(t, complete)
		assert.Equal(t, []Interval{{0, 1}, {2, 3}}, m[1])
		assert.Equal(t, 2, m.TotalElements())
	})
}
