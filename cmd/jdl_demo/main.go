// jdl_demo builds a JIT Dynamic Lookup over data spread on a few tiles, and runs a number of random lookups.
//
// With -print (the default) the data, the selected tile and offset, and the result of every lookup are printed.
// Otherwise every result is verified against the data on the host, and a summary is printed.
//
// The target is configured with -target, or with $JDL_TARGET, e.g.: "tiles=64,memory=16KiB".
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jdl/pkg/jdl"
	"github.com/gomlx/jdl/pkg/target"
	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/gomlx/jdl/pkg/tilemap"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagTarget = flag.String("target", "",
		fmt.Sprintf("Target configuration, e.g. \"tiles=1472,memory=624KiB\". If empty, $%s is used.", target.JDL_TARGET))
	flagDataTiles       = flag.Int("data_tiles", 5, "Number of tiles holding the data, starting from tile 0.")
	flagElementsPerTile = flag.Int("elements_per_tile", 10, "Number of data elements on each data tile.")
	flagLookupSize      = flag.Int("lookup_size", 3, "Number of elements fetched by each lookup.")
	flagReceiverTile    = flag.Int("receiver_tile", 1286, "Tile receiving the result of the lookups.")
	flagRepeats         = flag.Int("repeats", 5, "Number of lookups to run.")
	flagSeed            = flag.Uint64("seed", 0, "Seed for the data and the requests.")
	flagDType           = flag.String("dtype", "int32", "DType of the data: int32, float32 or float16.")
	flagPrint           = flag.Bool("print", true, "Print data and the result of each lookup. "+
		"If false, results are verified on the host instead.")
	flagProgress    = flag.Bool("progress", false, "Display a progress bar when verifying lookups.")
	flagParallelism = flag.Int("parallelism", -1, "Number of goroutines running tiles in parallel: "+
		"0 runs them inline, -1 uses one goroutine per tile.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var tgt target.Target
	if *flagTarget != "" {
		tgt = must.M1(target.NewWithConfig(*flagTarget))
	} else {
		tgt = must.M1(target.New())
	}
	if err := checkFlags(tgt); err != nil {
		klog.Exitf("Invalid flags: %v", err)
	}

	var err error
	switch *flagDType {
	case "int32":
		err = run(tgt, func(v int) int32 { return int32(v) })
	case "float32":
		err = run(tgt, func(v int) float32 { return float32(v) })
	case "float16":
		err = run(tgt, func(v int) float16.Float16 { return float16.Fromfloat32(float32(v)) })
	default:
		klog.Exitf("Unsupported -dtype=%q, valid values are int32, float32 and float16", *flagDType)
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func checkFlags(tgt target.Target) error {
	numTiles := tgt.TotalTiles()
	switch {
	case *flagDataTiles <= 0 || *flagDataTiles > numTiles:
		return errors.Errorf("-data_tiles=%d must be between 1 and %d", *flagDataTiles, numTiles)
	case *flagLookupSize <= 0 || *flagLookupSize > *flagElementsPerTile:
		return errors.Errorf("-lookup_size=%d must be between 1 and -elements_per_tile=%d",
			*flagLookupSize, *flagElementsPerTile)
	case *flagReceiverTile < *flagDataTiles || *flagReceiverTile >= numTiles:
		return errors.Errorf("-receiver_tile=%d must be a tile without data, between %d and %d",
			*flagReceiverTile, *flagDataTiles, numTiles-1)
	case *flagRepeats < 0:
		return errors.Errorf("-repeats=%d cannot be negative", *flagRepeats)
	}
	return nil
}

// run builds the graph and runs the lookups for data of type T.
func run[T dtypes.Supported](tgt target.Target, fromInt func(int) T) error {
	numDataTiles, elementsPerTile := *flagDataTiles, *flagElementsPerTile
	lookupSize, receiver := *flagLookupSize, *flagReceiverTile
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed))

	g := tilegraph.NewGraph(tgt)
	dtype := dtypes.FromGenericsType[T]()
	values := make([]T, numDataTiles*elementsPerTile)
	for i := range values {
		values[i] = fromInt(rng.IntN(100))
	}
	data := g.AddVariable(dtype, "data", numDataTiles, elementsPerTile)
	tilegraph.SetInitialValue(data, values)
	flatData := data.Flatten()
	for tile, interval := range tilemap.EvenPartition(tilemap.Interval{Begin: 0, End: len(values)}, numDataTiles) {
		g.SetTileMapping(flatData.Slice(interval.Begin, interval.End), tile)
	}

	tileSelector := g.AddVariable(dtypes.Int32, "tileSelector")
	elementSelector := g.AddVariable(dtypes.Int32, "elementSelector")
	result := g.AddVariable(dtype, "result", lookupSize)
	for _, t := range []tilegraph.Tensor{tileSelector, elementSelector, result} {
		g.SetTileMapping(t, receiver)
	}
	progs, err := jdl.CreatePrograms(g, data, tileSelector, elementSelector, result)
	if err != nil {
		return err
	}

	requestCS := g.AddComputeSet("requestCS")
	g.AddVertex(requestCS, NewRequestGenerator(tileSelector, elementSelector, 0, numDataTiles,
		elementsPerTile-lookupSize+1, *flagSeed), receiver)

	// Program 0 is the whole example, printing as it goes. Programs 1 and 2 are driven from the host.
	mainProgram := tilegraph.Sequence(
		tilegraph.PrintTensor("Data", data),
		progs.Setup,
		tilegraph.Repeat(*flagRepeats, tilegraph.Sequence(
			tilegraph.Execute(requestCS),
			progs.Exchange,
			tilegraph.PrintTensor("\nTile Selected", tileSelector),
			tilegraph.PrintTensor("Element Selected", elementSelector),
			tilegraph.PrintTensor("Result", result),
		)),
	)
	lookupProgram := tilegraph.Sequence(tilegraph.Execute(requestCS), progs.Exchange)
	e, err := tilegraph.NewEngine(g, mainProgram, progs.Setup, lookupProgram)
	if err != nil {
		return err
	}
	e.SetMaxParallelism(*flagParallelism)
	klog.V(1).Infof("main program %s, lookup program %s", mainProgram.ID(), lookupProgram.ID())

	start := time.Now()
	if *flagPrint {
		if err := e.Run(0); err != nil {
			return err
		}
		report(g, e, progs, *flagRepeats, 0, time.Since(start))
		return nil
	}

	if err := e.Run(1); err != nil {
		return err
	}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(*flagRepeats,
			progressbar.OptionSetDescription("lookups"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("lookups"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stderr),
		)
	}
	for i := range *flagRepeats {
		if err := e.Run(2); err != nil {
			return err
		}
		if err := verify(e, tileSelector, elementSelector, result, values, elementsPerTile); err != nil {
			return errors.WithMessagef(err, "lookup #%d", i)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	report(g, e, progs, *flagRepeats, *flagRepeats, time.Since(start))
	return nil
}

// verify the result of the last lookup against the data on the host.
func verify[T dtypes.Supported](e *tilegraph.Engine, tileSelector, elementSelector, result tilegraph.Tensor,
	values []T, elementsPerTile int) error {
	tile := must.M1(tilegraph.ReadTensor[int32](e, tileSelector))[0]
	offset := must.M1(tilegraph.ReadTensor[int32](e, elementSelector))[0]
	got, err := tilegraph.ReadTensor[T](e, result)
	if err != nil {
		return err
	}
	start := int(tile)*elementsPerTile + int(offset)
	want := values[start : start+len(got)]
	if !slices.Equal(want, got) {
		return errors.Errorf("tile=%d, offset=%d: got %v, wanted %v", tile, offset, got, want)
	}
	return nil
}
