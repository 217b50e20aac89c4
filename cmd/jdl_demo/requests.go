package main

import (
	"math/rand/v2"

	"github.com/gomlx/jdl/pkg/tilegraph"
)

// RequestGenerator writes random, valid, selectors for the lookup: a tile holding data, and an offset within
// its elements for which the whole lookup fits.
type RequestGenerator struct {
	TileSelector, ElementSelector tilegraph.Tensor

	// FirstTile, NumTiles is the range of tiles holding data.
	FirstTile, NumTiles int

	// NumOffsets is the number of valid element offsets.
	NumOffsets int

	rng *rand.Rand
}

// NewRequestGenerator creates a generator seeded with seed.
func NewRequestGenerator(tileSelector, elementSelector tilegraph.Tensor, firstTile, numTiles, numOffsets int,
	seed uint64) *RequestGenerator {
	return &RequestGenerator{
		TileSelector:    tileSelector,
		ElementSelector: elementSelector,
		FirstTile:       firstTile,
		NumTiles:        numTiles,
		NumOffsets:      numOffsets,
		rng:             rand.New(rand.NewPCG(seed, seed^0x5eed)),
	}
}

// Fields implements tilegraph.Vertex.
func (r *RequestGenerator) Fields() []tilegraph.Field {
	return []tilegraph.Field{
		{Name: "tileSelector", Tensor: r.TileSelector, Access: tilegraph.Output},
		{Name: "elementSelector", Tensor: r.ElementSelector, Access: tilegraph.Output},
	}
}

// Compute implements tilegraph.Vertex.
func (r *RequestGenerator) Compute(w *tilegraph.Worker) error {
	tilegraph.Flat[int32](w.Field("tileSelector"))[0] = int32(r.FirstTile + r.rng.IntN(r.NumTiles))
	tilegraph.Flat[int32](w.Field("elementSelector"))[0] = int32(r.rng.IntN(r.NumOffsets))
	return nil
}
