package main

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/target"
	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var smallTarget = target.Target{NumTiles: 16, NumDevices: 1, TileMemory: 4096}

// setFlags sets the problem flags for the duration of the test.
func setFlags(t *testing.T, dataTiles, elementsPerTile, lookupSize, receiverTile, repeats int) {
	saved := []int{*flagDataTiles, *flagElementsPerTile, *flagLookupSize, *flagReceiverTile, *flagRepeats}
	savedPrint, savedProgress := *flagPrint, *flagProgress
	t.Cleanup(func() {
		*flagDataTiles, *flagElementsPerTile, *flagLookupSize, *flagReceiverTile, *flagRepeats =
			saved[0], saved[1], saved[2], saved[3], saved[4]
		*flagPrint, *flagProgress = savedPrint, savedProgress
	})
	*flagDataTiles, *flagElementsPerTile, *flagLookupSize, *flagReceiverTile, *flagRepeats =
		dataTiles, elementsPerTile, lookupSize, receiverTile, repeats
}

func TestCheckFlags(t *testing.T) {
	testCases := []struct {
		name                                                 string
		dataTiles, elementsPerTile, lookupSize, receiverTile int
		want                                                 string
	}{
		{"valid", 5, 10, 3, 12, ""},
		{"receiver holds data", 5, 10, 3, 2, "-receiver_tile=2"},
		{"receiver out of target", 5, 10, 3, 16, "-receiver_tile=16"},
		{"lookup larger than tile data", 5, 10, 11, 12, "-lookup_size=11"},
		{"too many data tiles", 17, 10, 3, 12, "-data_tiles=17"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setFlags(t, tc.dataTiles, tc.elementsPerTile, tc.lookupSize, tc.receiverTile, 1)
			err := checkFlags(smallTarget)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRequestGenerator(t *testing.T) {
	const (
		numDataTiles    = 5
		elementsPerTile = 10
		lookupSize      = 3
		numOffsets      = elementsPerTile - lookupSize + 1
	)
	g := tilegraph.NewGraph(smallTarget)
	tileSelector := g.AddVariable(dtypes.Int32, "tileSelector")
	elementSelector := g.AddVariable(dtypes.Int32, "elementSelector")
	g.SetTileMapping(tileSelector, 12)
	g.SetTileMapping(elementSelector, 12)
	cs := g.AddComputeSet("requestCS")
	g.AddVertex(cs, NewRequestGenerator(tileSelector, elementSelector, 0, numDataTiles, numOffsets, 7), 12)
	e := must.M1(tilegraph.NewEngine(g, tilegraph.Execute(cs)))

	seenTiles := make(map[int32]bool)
	seenOffsets := make(map[int32]bool)
	for range 500 {
		require.NoError(t, e.Run(0))
		tile := must.M1(tilegraph.ReadTensor[int32](e, tileSelector))[0]
		offset := must.M1(tilegraph.ReadTensor[int32](e, elementSelector))[0]
		require.GreaterOrEqual(t, tile, int32(0))
		require.Less(t, tile, int32(numDataTiles))
		require.GreaterOrEqual(t, offset, int32(0))
		require.LessOrEqual(t, offset, int32(elementsPerTile-lookupSize))
		seenTiles[tile] = true
		seenOffsets[offset] = true
	}
	assert.Len(t, seenTiles, numDataTiles)
	assert.Len(t, seenOffsets, numOffsets)
}

func TestRunVerify(t *testing.T) {
	setFlags(t, 4, 12, 5, 9, 200)
	*flagPrint, *flagProgress = false, false
	require.NoError(t, checkFlags(smallTarget))
	require.NoError(t, run(smallTarget, func(v int) int32 { return int32(v) }))
	require.NoError(t, run(smallTarget, func(v int) float16.Float16 { return float16.Fromfloat32(float32(v)) }))
}
