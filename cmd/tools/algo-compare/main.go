// Command algo-compare runs several fine estimators over the same
// cloud pair, records each run, and emits an HTML line chart of their
// convergence histories for side-by-side inspection.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/io/pcd"
	"github.com/banshee-data/cloudalign/internal/register"
	"github.com/banshee-data/cloudalign/internal/storage/sqlite"
)

func main() {
	var (
		sourcePath = flag.String("source", "", "source PCD file (required)")
		targetPath = flag.String("target", "", "target PCD file (required)")
		outPath    = flag.String("out", "algo-compare.html", "output HTML chart")
		dbPath     = flag.String("db", "", "optional sqlite db to record runs")
		maxIters   = flag.Int("max-iters", 50, "fine iteration cap")
		maxDist    = flag.Float64("max-dist", 1.0, "max correspondence distance")
		resolution = flag.Float64("ndt-resolution", 1.0, "NDT voxel resolution")
	)
	flag.Parse()

	if *sourcePath == "" || *targetPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	source, err := pcd.Read(*sourcePath)
	if err != nil {
		log.Fatalf("algo-compare: loading source: %v", err)
	}
	target, err := pcd.Read(*targetPath)
	if err != nil {
		log.Fatalf("algo-compare: loading target: %v", err)
	}

	params := register.FineParams{
		MaxIterations:             *maxIters,
		MaxCorrespondenceDistance: *maxDist,
		TransformationEpsilon:     1e-10,
		EuclideanFitnessEpsilon:   1e-10,
		RecordHistory:             true,
	}

	type aligner interface {
		Align(source, target *cloud.PointCloud, initial *cloud.Transform) (*register.Result, error)
	}
	estimators := map[string]aligner{
		"icp":   &register.ICP{Params: params},
		"gicp":  &register.GICP{Params: params},
		"aaicp": &register.AndersonICP{Params: params},
		"ndt":   &register.NDT{Params: params, Resolution: *resolution},
	}

	var store *sqlite.RunStore
	if *dbPath != "" {
		store, err = sqlite.Open(*dbPath)
		if err != nil {
			log.Fatalf("algo-compare: opening db: %v", err)
		}
		defer store.Close()
	}

	names := make([]string, 0, len(estimators))
	for name := range estimators {
		names = append(names, name)
	}
	sort.Strings(names)

	histories := make(map[string][]register.IterationStats, len(estimators))
	for _, name := range names {
		started := time.Now()
		result, err := estimators[name].Align(source, target, nil)
		elapsed := time.Since(started)
		if err != nil {
			log.Printf("algo-compare: %s failed: %v", name, err)
			continue
		}
		log.Printf("%s: fitness %.6f in %d iterations (%s), converged=%v",
			name, result.FitnessScore, result.NumIterations, elapsed, result.Converged)
		histories[name] = result.History

		if store != nil {
			if _, err := store.Record(name, *sourcePath, *targetPath, params, result, elapsed); err != nil {
				log.Printf("algo-compare: recording %s: %v", name, err)
			}
		}
	}
	if len(histories) == 0 {
		log.Fatal("algo-compare: every estimator failed")
	}

	if err := renderChart(*outPath, names, histories); err != nil {
		log.Fatalf("algo-compare: %v", err)
	}
	log.Printf("wrote %s", *outPath)
}

func renderChart(path string, names []string, histories map[string][]register.IterationStats) error {
	maxLen := 0
	for _, h := range histories {
		if len(h) > maxLen {
			maxLen = len(h)
		}
	}
	xAxis := make([]string, maxLen)
	for i := range xAxis {
		xAxis[i] = fmt.Sprintf("%d", i)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Registration convergence", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fine registration convergence", Subtitle: "mean error per iteration"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "error"}),
	)
	line.SetXAxis(xAxis)

	for _, name := range names {
		history, ok := histories[name]
		if !ok {
			continue
		}
		data := make([]opts.LineData, len(history))
		for i, stat := range history {
			data[i] = opts.LineData{Value: stat.Error}
		}
		line.AddSeries(name, data)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return line.Render(f)
}
