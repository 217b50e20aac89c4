// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"bytes"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/target"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallTarget is a 4-tile single device, with 1KiB per tile.
var smallTarget = target.Target{NumTiles: 4, NumDevices: 1, TileMemory: 1024}

// copyVertex copies src into dst.
type copyVertex struct {
	src, dst Tensor
}

func (v *copyVertex) Fields() []Field {
	return []Field{{"src", v.src, Input}, {"dst", v.dst, Output}}
}

func (v *copyVertex) Compute(w *Worker) error {
	copy(Flat[int32](w.Field("dst")), Flat[int32](w.Field("src")))
	return nil
}

// incVertex adds 1 to every element of x.
type incVertex struct {
	x Tensor
}

func (v *incVertex) Fields() []Field { return []Field{{"x", v.x, InOut}} }

func (v *incVertex) Compute(w *Worker) error {
	x := Flat[int32](w.Field("x"))
	for i := range x {
		x[i]++
	}
	return nil
}

// sendVertex sends all of src to dst.
type sendVertex struct {
	src     Tensor
	dst     int
	overrun int // Extra elements sent past the end of src.
}

func (v *sendVertex) Fields() []Field { return []Field{{"src", v.src, Input}} }

func (v *sendVertex) Compute(w *Worker) error {
	src := w.Field("src")
	w.Send(v.dst, src.Window(0, src.Len()+v.overrun))
	return nil
}

func (v *sendVertex) DynamicExchange() {}

// listenVertex listens to tile src, writing into `into`.
type listenVertex struct {
	into Tensor
	src  int
}

func (v *listenVertex) Fields() []Field { return []Field{{"into", v.into, Output}} }

func (v *listenVertex) Compute(w *Worker) error {
	w.Listen(v.src, w.Field("into"))
	return nil
}

func (v *listenVertex) DynamicExchange() {}

// failVertex fails its step, either returning an error or panicking.
type failVertex struct {
	panics bool
}

func (v *failVertex) Fields() []Field { return nil }

func (v *failVertex) Compute(*Worker) error {
	if v.panics {
		var empty []int
		_ = empty[3]
	}
	return errors.New("failVertex failed")
}

// illegalSendVertex is not a DynamicExchanger, but tries to send anyway.
type illegalSendVertex struct{}

func (illegalSendVertex) Fields() []Field { return nil }

func (illegalSendVertex) Compute(w *Worker) error {
	w.Send(0, View{})
	return nil
}

func TestGraph_TileMapping(t *testing.T) {
	g := NewGraph(smallTarget)
	x := g.AddVariable(dtypes.Int32, "x", 3, 2)
	assert.Equal(t, []int{3, 2}, x.Shape())
	assert.Equal(t, 6, x.NumElements())
	assert.Equal(t, "x[3 2](Int32)", x.String())

	_, complete := g.TileMapping(x)
	assert.False(t, complete)

	g.SetTileMapping(x.Index(0), 2)
	g.SetTileMapping(x.Slice(1, 3), 0)
	g.SetTileMapping(x.Index(2).Slice(1, 2), 2)
	mapping, complete := g.TileMapping(x)
	require.True(t, complete)
	assert.Equal(t, "Mapping{0: [[2, 5)], 2: [[0, 2) [5, 6)]}", mapping.String())

	// Mapping of a sub-tensor is relative to it.
	mapping, complete = g.TileMapping(x.Index(2))
	require.True(t, complete)
	assert.Equal(t, "Mapping{0: [[0, 1)], 2: [[1, 2)]}", mapping.String())
}

func TestGraph_BuilderErrors(t *testing.T) {
	g := NewGraph(smallTarget)
	x := g.AddVariable(dtypes.Int32, "x", 4)
	c := AddConstant(g, "c", int32(7))
	other := NewGraph(smallTarget).AddVariable(dtypes.Int32, "other", 4)
	cs := g.AddComputeSet("cs")

	testCases := []struct {
		name string
		fn   func()
		want string
	}{
		{"zero dimension", func() { g.AddVariable(dtypes.Int32, "bad", 2, 0) }, "dimension <= 0"},
		{"tile out of range", func() { g.SetTileMapping(x, 4) }, "tile out of range"},
		{"tensor from other graph", func() { g.SetTileMapping(other, 0) }, "different graph"},
		{"index out of bounds", func() { x.Index(4) }, "out of bounds"},
		{"constant as output", func() { g.AddVertex(cs, &copyVertex{src: x, dst: c}, 0) }, "cannot be connected as Output"},
		{"invalid field tensor", func() { g.AddVertex(cs, &copyVertex{src: x}, 0) }, "not connected to a valid tensor"},
		{"wrong initial value dtype", func() { SetInitialValue(x, []float32{1, 2, 3, 4}) }, "incompatible"},
		{"wrong initial value size", func() { SetInitialValue(x, []int32{1, 2}) }, "got 2 values"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := exceptions.TryCatch[error](tc.fn)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEngine_StagedInputs(t *testing.T) {
	g := NewGraph(smallTarget)
	x := g.AddVariable(dtypes.Int32, "x", 4)
	y := g.AddVariable(dtypes.Int32, "y", 4)
	SetInitialValue(x, []int32{1, 2, 3, 4})
	g.SetTileMapping(x.Slice(0, 2), 0)
	g.SetTileMapping(x.Slice(2, 4), 1)
	g.SetTileMapping(y, 2)

	copyCS := g.AddComputeSet("copy")
	g.AddVertex(copyCS, &copyVertex{src: x, dst: y}, 2)
	incCS := g.AddComputeSet("inc")
	g.AddVertex(incCS, &incVertex{x: x.Slice(0, 2)}, 0)
	g.AddVertex(incCS, &incVertex{x: x.Slice(2, 4)}, 1)

	e := must.M1(NewEngine(g, Execute(copyCS), Sequence(Execute(incCS), Execute(copyCS))))
	for _, parallelism := range []int{0, 1, -1} {
		e.SetMaxParallelism(parallelism)
		require.NoError(t, WriteTensor(e, x, []int32{1, 2, 3, 4}))
		require.NoError(t, e.Run(0))
		assert.Equal(t, []int32{1, 2, 3, 4}, must.M1(ReadTensor[int32](e, y)))
		require.NoError(t, e.Run(1))
		assert.Equal(t, []int32{2, 3, 4, 5}, must.M1(ReadTensor[int32](e, y)))
	}
	stats := e.Stats()
	assert.Equal(t, int64(6), stats.Runs)
	assert.Equal(t, int64(9), stats.Passes)
	assert.Equal(t, int64(0), stats.Delivered)
	assert.Equal(t, 16, e.TileMemoryUsed(2))
	assert.Equal(t, 8, e.TileMemoryUsed(0))
	assert.Equal(t, 0, e.TileMemoryUsed(3))
}

// buildExchange builds a graph where tiles 0 and 1 each send their row of data to tile 3, and tile 3
// listens to listenTo. Tile 2 doesn't participate.
func buildExchange(listenTo int) (g *Graph, data, result Tensor, cs *ComputeSet) {
	g = NewGraph(smallTarget)
	data = g.AddVariable(dtypes.Int32, "data", 2, 3)
	SetInitialValue(data, []int32{10, 11, 12, 20, 21, 22})
	result = g.AddVariable(dtypes.Int32, "result", 3)
	g.SetTileMapping(data.Index(0), 0)
	g.SetTileMapping(data.Index(1), 1)
	g.SetTileMapping(result, 3)
	cs = g.AddComputeSet("exchange")
	g.AddVertex(cs, &sendVertex{src: data.Index(0), dst: 3}, 0)
	g.AddVertex(cs, &sendVertex{src: data.Index(1), dst: 3}, 1)
	g.AddVertex(cs, NonParticipant{}, 2)
	g.AddVertex(cs, &listenVertex{into: result, src: listenTo}, 3)
	return
}

func TestEngine_Exchange(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		g, data, result, cs := buildExchange(1)
		require.True(t, cs.IsExchanging())
		e := must.M1(NewEngine(g, Sequence(Sync(), Execute(cs), Sync())))
		require.NoError(t, e.Run(0))
		assert.Equal(t, []int32{20, 21, 22}, must.M1(ReadTensor[int32](e, result)))
		assert.Equal(t, []int32{10, 11, 12, 20, 21, 22}, must.M1(ReadTensor[int32](e, data)))
		stats := e.Stats()
		assert.Equal(t, int64(1), stats.Passes)
		assert.Equal(t, int64(2), stats.Syncs)
		assert.Equal(t, int64(1), stats.Delivered)
		assert.Equal(t, int64(1), stats.Suppressed)
		assert.Equal(t, int64(0), stats.Unmatched)
		assert.Equal(t, int64(12), stats.BytesExchanged)
	})

	t.Run("unmatched", func(t *testing.T) {
		for _, listenTo := range []int{2, 17, -1} {
			g, _, result, cs := buildExchange(listenTo)
			e := must.M1(NewEngine(g, Sequence(Sync(), Execute(cs), Sync())))
			require.NoError(t, WriteTensor(e, result, []int32{-1, -1, -1}))
			require.NoError(t, e.Run(0))
			// Nothing landed: the result keeps its previous value.
			assert.Equal(t, []int32{-1, -1, -1}, must.M1(ReadTensor[int32](e, result)), "listenTo=%d", listenTo)
			stats := e.Stats()
			assert.Equal(t, int64(0), stats.Delivered)
			assert.Equal(t, int64(2), stats.Suppressed)
			assert.Equal(t, int64(1), stats.Unmatched)
		}
	})

	t.Run("beyond tile memory", func(t *testing.T) {
		g, _, _, cs := buildExchange(0)
		cs.vertices[0].vertex.(*sendVertex).overrun = 1000
		e := must.M1(NewEngine(g, Sequence(Sync(), Execute(cs), Sync())))
		err := e.Run(0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange delivery to tile 3")
	})
}

func TestEngine_CompileErrors(t *testing.T) {
	testCases := []struct {
		name  string
		build func() (*Graph, []Program)
		want  string
	}{
		{"missing participant", func() (*Graph, []Program) {
			g, _, _, cs := buildExchange(0)
			cs.vertices = cs.vertices[:3]
			return g, []Program{Sequence(Sync(), Execute(cs), Sync())}
		}, "tile 3 must run exactly one vertex, it has 0"},
		{"two participants on a tile", func() (*Graph, []Program) {
			g, _, _, cs := buildExchange(0)
			g.AddVertex(cs, NonParticipant{}, 2)
			return g, []Program{Sequence(Sync(), Execute(cs), Sync())}
		}, "tile 2 must run exactly one vertex, it has 2"},
		{"non exchanger in exchanging compute set", func() (*Graph, []Program) {
			g, data, _, cs := buildExchange(0)
			g.AddVertex(cs, &incVertex{x: data.Index(0)}, 0)
			return g, []Program{Sequence(Sync(), Execute(cs), Sync())}
		}, "is not a DynamicExchanger"},
		{"exchange without syncs", func() (*Graph, []Program) {
			g, _, _, cs := buildExchange(0)
			return g, []Program{Execute(cs)}
		}, "must be bracketed by Sync()"},
		{"exchange without trailing sync", func() (*Graph, []Program) {
			g, _, _, cs := buildExchange(0)
			return g, []Program{Repeat(2, Sequence(Sync(), Execute(cs)))}
		}, "directly preceded and followed by Sync()"},
		{"output not on vertex tile", func() (*Graph, []Program) {
			g := NewGraph(smallTarget)
			x := g.AddVariable(dtypes.Int32, "x", 2)
			g.SetTileMapping(x, 1)
			cs := g.AddComputeSet("inc")
			g.AddVertex(cs, &incVertex{x: x}, 0)
			return g, []Program{Execute(cs)}
		}, "must be placed contiguously on tile 0"},
		{"unmapped field", func() (*Graph, []Program) {
			g := NewGraph(smallTarget)
			x := g.AddVariable(dtypes.Int32, "x", 2)
			g.SetTileMapping(x.Slice(0, 1), 0)
			cs := g.AddComputeSet("inc")
			g.AddVertex(cs, &incVertex{x: x}, 0)
			return g, []Program{Execute(cs)}
		}, "not completely placed"},
		{"out of memory", func() (*Graph, []Program) {
			g := NewGraph(target.Target{NumTiles: 2, NumDevices: 1, TileMemory: 16})
			x := g.AddVariable(dtypes.Int32, "x", 8)
			g.SetTileMapping(x, 1)
			return g, []Program{PrintTensor("x", x)}
		}, "tile 1 out of memory"},
		{"compute set of another graph", func() (*Graph, []Program) {
			g := NewGraph(smallTarget)
			other := NewGraph(smallTarget)
			return g, []Program{Execute(other.AddComputeSet("other"))}
		}, "different graph"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, programs := tc.build()
			_, err := NewEngine(g, programs...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEngine_StepErrors(t *testing.T) {
	testCases := []struct {
		name   string
		vertex Vertex
		want   string
	}{
		{"returned error", &failVertex{}, "failVertex failed"},
		{"panic", &failVertex{panics: true}, "vertex panicked"},
		{"send without exchange", illegalSendVertex{}, "not a DynamicExchanger"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGraph(smallTarget)
			cs := g.AddComputeSet("fail")
			g.AddVertex(cs, tc.vertex, 2)
			e := must.M1(NewEngine(g, Execute(cs)))
			err := e.Run(0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Contains(t, err.Error(), "on tile 2")
		})
	}
}

func TestEngine_PrintTensor(t *testing.T) {
	g := NewGraph(smallTarget)
	x := g.AddVariable(dtypes.Int32, "x", 2, 2)
	SetInitialValue(x, []int32{1, 2, 3, 4})
	g.SetTileMapping(x.Index(0), 3)
	g.SetTileMapping(x.Index(1), 1)
	cs := g.AddComputeSet("inc")
	g.AddVertex(cs, &incVertex{x: x.Index(1)}, 1)
	e := must.M1(NewEngine(g, Sequence(PrintTensor("x", x), Repeat(3, Execute(cs)), PrintTensor("row", x.Index(1)))))
	var buf bytes.Buffer
	e.SetOutput(&buf)
	require.NoError(t, e.Run(0))
	assert.Equal(t, "x: [1 2 3 4]\nrow: [6 7]\n", buf.String())
	assert.Equal(t, int64(3), e.Stats().Passes)
}

func TestEngine_HostAccess(t *testing.T) {
	g := NewGraph(smallTarget)
	x := g.AddVariable(dtypes.Float32, "x", 3)
	c := AddConstant(g, "c", uint32(3))
	unmapped := g.AddVariable(dtypes.Float32, "unmapped", 3)
	g.SetTileMapping(x, 0)
	g.SetTileMapping(c, 0)
	e := must.M1(NewEngine(g))

	require.NoError(t, WriteTensor(e, x.Slice(1, 3), []float32{2, 3}))
	assert.Equal(t, []float32{0, 2, 3}, must.M1(ReadTensor[float32](e, x)))
	assert.Equal(t, []uint32{3}, must.M1(ReadTensor[uint32](e, c)))

	require.ErrorContains(t, WriteTensor(e, c, []uint32{4}), "is a constant")
	require.ErrorContains(t, WriteTensor(e, x, []float32{1}), "got 1 values")
	require.ErrorContains(t, WriteTensor(e, x, []int32{1, 2, 3}), "can't be accessed as Int32")
	_, err := ReadTensor[float32](e, unmapped)
	require.ErrorContains(t, err, "not completely placed")
	require.Error(t, e.Run(0))
}

func TestExchangePass_Listeners(t *testing.T) {
	pass := newExchangePass(1472)
	assert.Empty(t, pass.listeners())
	pass.in[1286] = incoming{valid: true, src: 2}
	pass.in[3] = incoming{valid: true, src: 7}
	assert.Equal(t, []int{3, 1286}, pass.listeners())
}

func TestEngine_ExchangeManyListeners(t *testing.T) {
	// Tiles 0 and 1 each send their row to tiles 2 and 3 respectively: two transfers in the same pass.
	g := NewGraph(smallTarget)
	data := g.AddVariable(dtypes.Int32, "data", 2, 2)
	SetInitialValue(data, []int32{1, 2, 3, 4})
	result := g.AddVariable(dtypes.Int32, "result", 2, 2)
	for i := range 2 {
		g.SetTileMapping(data.Index(i), i)
		g.SetTileMapping(result.Index(i), i+2)
	}
	cs := g.AddComputeSet("exchange")
	for i := range 2 {
		g.AddVertex(cs, &sendVertex{src: data.Index(i), dst: i + 2}, i)
		g.AddVertex(cs, &listenVertex{into: result.Index(i), src: i}, i+2)
	}
	e := must.M1(NewEngine(g, Sequence(Sync(), Execute(cs), Sync())))
	for _, parallelism := range []int{0, -1} {
		e.SetMaxParallelism(parallelism)
		require.NoError(t, WriteTensor(e, result, []int32{0, 0, 0, 0}))
		require.NoError(t, e.Run(0))
		assert.Equal(t, []int32{1, 2, 3, 4}, must.M1(ReadTensor[int32](e, result)))
	}
	stats := e.Stats()
	assert.Equal(t, int64(4), stats.Delivered)
	assert.Equal(t, int64(0), stats.Suppressed)
	assert.Equal(t, int64(0), stats.Unmatched)
}
