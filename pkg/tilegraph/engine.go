// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine holds a compiled graph loaded in (simulated) tile memories, and runs its programs.
//
// Programs run to completion: there is no cancellation. An Engine runs one program at a time, and host
// access (WriteTensor, ReadTensor) waits for any running program to finish.
type Engine struct {
	mu       sync.Mutex
	graph    *Graph
	programs []Program
	pool     *workerspool.Pool
	layout   *memoryLayout
	arenas   [][]byte
	bound    map[*ComputeSet]*boundComputeSet
	output   io.Writer

	counters exchangeCounters
	runs     atomic.Int64
	passes   atomic.Int64
	syncs    atomic.Int64
}

// Stats of the execution of an Engine, since it was created.
type Stats struct {
	// Runs is the number of calls to Engine.Run.
	Runs int64

	// Passes is the number of compute set passes executed.
	Passes int64

	// Syncs is the number of internal sync barriers executed.
	Syncs int64

	// Delivered is the number of point-to-point transfers that landed on their receiver.
	Delivered int64

	// Suppressed is the number of attempted sends that were not selected by their receiver.
	Suppressed int64

	// Unmatched is the number of listens for which the selected tile didn't send to the listener.
	Unmatched int64

	// BytesExchanged is the total number of bytes delivered by the exchange.
	BytesExchanged int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("runs=%s, passes=%s, syncs=%s, delivered=%s, suppressed=%s, unmatched=%s, exchanged=%s",
		humanize.Comma(s.Runs), humanize.Comma(s.Passes), humanize.Comma(s.Syncs), humanize.Comma(s.Delivered),
		humanize.Comma(s.Suppressed), humanize.Comma(s.Unmatched), humanize.IBytes(uint64(s.BytesExchanged)))
}

// NewEngine compiles the graph for the given programs and loads it, with the initial values of its variables.
//
// Compilation checks, and returns an error if not satisfied:
//
//   - All compute sets and tensors used by the programs belong to the graph.
//   - Every tensor connected to a vertex is completely placed; Output and InOut fields are placed contiguously
//     on the vertex's tile.
//   - Every tile has exactly one DynamicExchanger vertex in each exchanging compute set, and no other vertex.
//   - Every Execute of an exchanging compute set is directly preceded and followed by a Sync in a Sequence.
//   - The data placed on each tile fits the tile memory.
func NewEngine(g *Graph, programs ...Program) (*Engine, error) {
	e := &Engine{
		graph:    g,
		programs: append([]Program(nil), programs...),
		pool:     workerspool.New(),
		bound:    make(map[*ComputeSet]*boundComputeSet),
		output:   os.Stdout,
	}
	if err := e.compile(); err != nil {
		return nil, err
	}
	return e, nil
}

// MustNewEngine is like NewEngine, but panics on error.
func MustNewEngine(g *Graph, programs ...Program) *Engine {
	e, err := NewEngine(g, programs...)
	if err != nil {
		panic(err)
	}
	return e
}

// SetOutput sets where PrintTensor programs write to. Defaults to os.Stdout.
func (e *Engine) SetOutput(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = w
}

// SetMaxParallelism sets the number of goroutines used to run tile steps in parallel.
// 0 runs the steps inline, one after the other, and -1 uses one goroutine per tile.
func (e *Engine) SetMaxParallelism(maxParallelism int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool.SetMaxParallelism(maxParallelism)
}

// NumPrograms returns the number of programs given to NewEngine.
func (e *Engine) NumPrograms() int { return len(e.programs) }

// Stats returns a snapshot of the execution statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Runs:           e.runs.Load(),
		Passes:         e.passes.Load(),
		Syncs:          e.syncs.Load(),
		Delivered:      e.counters.delivered.Load(),
		Suppressed:     e.counters.suppressed.Load(),
		Unmatched:      e.counters.unmatched.Load(),
		BytesExchanged: e.counters.bytes.Load(),
	}
}

// TileMemoryUsed returns the number of bytes of memory used on the tile.
func (e *Engine) TileMemoryUsed(tile int) int {
	return e.layout.tileSizes[tile]
}

// Run executes the program at the given index (in the order given to NewEngine) to completion.
func (e *Engine) Run(programIndex int) error {
	if programIndex < 0 || programIndex >= len(e.programs) {
		return errors.Errorf("Engine.Run(%d): invalid program index, engine has %d programs",
			programIndex, len(e.programs))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs.Add(1)
	p := e.programs[programIndex]
	klog.V(2).Infof("running program #%d (%s)", programIndex, p.ID())
	if err := e.run(p); err != nil {
		return errors.WithMessagef(err, "Engine.Run(%d)", programIndex)
	}
	return nil
}

func (e *Engine) run(p Program) error {
	switch p := p.(type) {
	case *executeProgram:
		return e.runPass(e.bound[p.cs])
	case *sequenceProgram:
		for _, child := range p.programs {
			if err := e.run(child); err != nil {
				return err
			}
		}
	case *syncProgram:
		// Every pass already ends when all of its tiles are done, so the barrier itself
		// has nothing left to wait for in this machine.
		e.syncs.Add(1)
	case *repeatProgram:
		for range p.count {
			if err := e.run(p.body); err != nil {
				return err
			}
		}
	case *printProgram:
		return e.print(p)
	default:
		return errors.Errorf("unknown program type %T", p)
	}
	return nil
}

// runPass executes one compute set as a parallel pass:
//
//  1. Remote input fields are staged.
//  2. Each tile runs the steps of its vertices, tiles in parallel.
//  3. For exchanging compute sets, payloads are delivered to the tiles that listened in the pass.
//
// Each phase only starts once the previous one finished on every tile.
func (e *Engine) runPass(bcs *boundComputeSet) error {
	e.passes.Add(1)
	klog.V(3).Infof("pass %q: %d vertices on %d tiles", bcs.cs.name, len(bcs.vertices), len(bcs.tiles))
	e.pool.Run(len(bcs.vertices), func(i int) {
		for _, staged := range bcs.vertices[i].staged {
			e.layout.gather(e.arenas, staged.tensor, staged.buf)
		}
	})

	var pass *exchangePass
	if bcs.exchanging {
		pass = newExchangePass(e.graph.NumTiles())
	}
	errs := make([]error, len(bcs.tiles))
	e.pool.Run(len(bcs.tiles), func(i int) {
		for _, vertexIdx := range bcs.tiles[i] {
			bv := bcs.vertices[vertexIdx]
			w := &Worker{tile: bv.tile, vertex: bv.vertex, fields: bv.fields, pass: pass}
			if err := runStep(w); err != nil {
				errs[i] = errors.WithMessagef(err, "compute set %q, vertex %T on tile %d", bcs.cs.name, bv.vertex, bv.tile)
				return
			}
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if pass == nil {
		return nil
	}

	listeners := pass.listeners()
	delivered := make([]bool, e.graph.NumTiles())
	deliveryErrs := make([]error, len(listeners))
	e.pool.Run(len(listeners), func(i int) {
		tile := listeners[i]
		deliveryErrs[i] = exceptions.TryCatch[error](func() {
			delivered[tile] = pass.deliver(tile, &e.counters)
		})
	})
	for i, err := range deliveryErrs {
		if err != nil {
			return errors.WithMessagef(err, "compute set %q, exchange delivery to tile %d", bcs.cs.name, listeners[i])
		}
	}
	e.counters.suppressed.Add(pass.countSuppressed(delivered))
	return nil
}

// runStep runs the vertex, converting panics to errors.
func runStep(w *Worker) (err error) {
	exception := exceptions.Try(func() {
		err = w.vertex.Compute(w)
	})
	if exception != nil {
		if exceptionErr, ok := exception.(error); ok {
			return errors.Wrap(exceptionErr, "vertex panicked")
		}
		return errors.Errorf("vertex panicked: %v", exception)
	}
	return err
}

// print implements PrintTensor.
func (e *Engine) print(p *printProgram) error {
	t := p.tensor
	buf := make([]byte, t.NumElements()*elementSize(t.DType()))
	e.layout.gather(e.arenas, t, buf)
	_, err := fmt.Fprintf(e.output, "%s: %v\n", p.label, flatFromBytes(t.DType(), buf, t.NumElements()))
	return errors.Wrapf(err, "PrintTensor(%q)", p.label)
}

// flatFromBytes converts raw bytes to a flat slice of the Go type of dtype.
func flatFromBytes(dtype dtypes.DType, data []byte, numElements int) any {
	flatV := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), numElements, numElements)
	if numElements > 0 {
		dst := unsafe.Slice((*byte)(flatV.Index(0).Addr().UnsafePointer()), len(data))
		copy(dst, data)
	}
	return flatV.Interface()
}

// asBytes returns the memory of the flat slice as bytes.
func asBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}

func (e *Engine) checkHostAccess(t Tensor, dtype dtypes.DType, numValues int) error {
	if !t.Valid() {
		return errors.New("invalid (zero) tensor")
	}
	if t.v.graph != e.graph {
		return errors.Errorf("tensor %s belongs to a different graph", t)
	}
	if dtype != t.DType() {
		return errors.Errorf("tensor %s can't be accessed as %s", t, dtype)
	}
	if numValues >= 0 && numValues != t.NumElements() {
		return errors.Errorf("tensor %s has %d elements, got %d values", t, t.NumElements(), numValues)
	}
	if !e.layout.isComplete(t) {
		return errors.Errorf("tensor %s is not completely placed on tiles", t)
	}
	return nil
}

// WriteTensor copies values from the host to the tile memories holding t.
func WriteTensor[T dtypes.Supported](e *Engine, t Tensor, values []T) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHostAccess(t, dtypes.FromGenericsType[T](), len(values)); err != nil {
		return errors.WithMessage(err, "WriteTensor")
	}
	if t.IsConstant() {
		return errors.Errorf("WriteTensor: %s is a constant", t)
	}
	e.layout.scatter(e.arenas, t, asBytes(values))
	return nil
}

// ReadTensor copies the values of t from the tile memories to the host.
func ReadTensor[T dtypes.Supported](e *Engine, t Tensor) ([]T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHostAccess(t, dtypes.FromGenericsType[T](), -1); err != nil {
		return nil, errors.WithMessage(err, "ReadTensor")
	}
	values := make([]T, t.NumElements())
	e.layout.gather(e.arenas, t, asBytes(values))
	return values, nil
}
