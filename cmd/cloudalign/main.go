// Command cloudalign registers two PCD point clouds: descriptors and
// correspondences feed a coarse estimator, then a fine estimator
// polishes the result. The transform and fitness print to stdout;
// runs can be recorded to sqlite and the convergence history plotted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/config"
	"github.com/banshee-data/cloudalign/internal/correspond"
	"github.com/banshee-data/cloudalign/internal/features"
	"github.com/banshee-data/cloudalign/internal/filters"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/io/pcd"
	"github.com/banshee-data/cloudalign/internal/monitor"
	"github.com/banshee-data/cloudalign/internal/pool"
	"github.com/banshee-data/cloudalign/internal/register"
	"github.com/banshee-data/cloudalign/internal/storage/sqlite"
)

func main() {
	var (
		sourcePath = flag.String("source", "", "source PCD file (required)")
		targetPath = flag.String("target", "", "target PCD file (required)")
		coarseAlgo = flag.String("coarse", "ransac", "coarse estimator: ransac|prosac|4pcs|super4pcs|none")
		fineAlgo   = flag.String("fine", "icp", "fine estimator: icp|p2l|gicp|aaicp|ndt|none")
		configPath = flag.String("config", "", "optional tuning config JSON")
		dbPath     = flag.String("db", "", "optional sqlite db to record the run")
		plotPath   = flag.String("plot", "", "optional convergence plot PNG")
		voxelSize  = flag.Float64("voxel", 0, "optional voxel downsampling cell size")
		seed       = flag.Int64("seed", 42, "random seed")
		workers    = flag.Int("workers", 0, "worker count (0 = all cores)")
	)
	flag.Parse()

	if *sourcePath == "" || *targetPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *workers > 0 {
		pool.SetWorkers(*workers)
	}

	if err := run(*sourcePath, *targetPath, *coarseAlgo, *fineAlgo, *configPath, *dbPath, *plotPath, *voxelSize, *seed); err != nil {
		log.Fatalf("cloudalign: %v", err)
	}
}

func run(sourcePath, targetPath, coarseAlgo, fineAlgo, configPath, dbPath, plotPath string, voxelSize float64, seed int64) error {
	source, err := pcd.Read(sourcePath)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}
	target, err := pcd.Read(targetPath)
	if err != nil {
		return fmt.Errorf("loading target: %w", err)
	}
	log.Printf("loaded source %d points, target %d points", source.Size(), target.Size())

	if voxelSize > 0 {
		vg := &filters.VoxelGrid{CellSize: voxelSize}
		if source, err = vg.Filter(source); err != nil {
			return err
		}
		if target, err = vg.Filter(target); err != nil {
			return err
		}
		log.Printf("downsampled to source %d, target %d", source.Size(), target.Size())
	}

	coarseParams := register.DefaultCoarseParams()
	coarseParams.RandomSeed = seed
	fineParams := register.DefaultFineParams()
	fineParams.RecordHistory = plotPath != ""
	searchRadius, maxNeighbors, ratio, mutual := 0.5, 50, 0.9, true
	delta, overlap, sampleSize := 0.02, 0.6, 1000
	ndtResolution := 1.0

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.ApplyCoarse(&coarseParams)
		cfg.ApplyFine(&fineParams)
		if cfg.SearchRadius != nil {
			searchRadius = *cfg.SearchRadius
		}
		if cfg.MaxNeighbors != nil {
			maxNeighbors = *cfg.MaxNeighbors
		}
		if cfg.Ratio != nil {
			ratio = *cfg.Ratio
		}
		if cfg.Mutual != nil {
			mutual = *cfg.Mutual
		}
		if cfg.Delta != nil {
			delta = *cfg.Delta
		}
		if cfg.Overlap != nil {
			overlap = *cfg.Overlap
		}
		if cfg.SampleSize != nil {
			sampleSize = *cfg.SampleSize
		}
		if cfg.NDTResolution != nil {
			ndtResolution = *cfg.NDTResolution
		}
	}

	started := time.Now()
	current := cloud.Identity()

	var coarseResult *register.Result
	switch coarseAlgo {
	case "none":
	case "ransac", "prosac":
		corrs, err := buildCorrespondences(source, target, searchRadius, maxNeighbors, ratio, mutual)
		if err != nil {
			return err
		}
		log.Printf("generated %d correspondences", len(corrs))
		if coarseAlgo == "ransac" {
			estimator := &register.RANSAC{Params: coarseParams}
			coarseResult, err = estimator.Align(source, target, corrs)
		} else {
			estimator := &register.PROSAC{Params: coarseParams}
			coarseResult, err = estimator.Align(source, target, corrs)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", coarseAlgo, err)
		}
	case "4pcs":
		estimator := &register.FourPCS{Params: coarseParams, Delta: delta, Overlap: overlap, SampleSize: sampleSize}
		coarseResult, err = estimator.Align(source, target)
		if err != nil {
			return err
		}
	case "super4pcs":
		estimator := &register.Super4PCS{FourPCS: register.FourPCS{Params: coarseParams, Delta: delta, Overlap: overlap, SampleSize: sampleSize}}
		coarseResult, err = estimator.Align(source, target)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown coarse estimator %q", coarseAlgo)
	}
	if coarseResult != nil {
		current = coarseResult.Transform
		log.Printf("coarse %s: fitness %.6f, %d inliers, converged=%v",
			coarseAlgo, coarseResult.FitnessScore, len(coarseResult.Inliers), coarseResult.Converged)
	}

	var fineResult *register.Result
	switch fineAlgo {
	case "none":
	case "icp":
		estimator := &register.ICP{Params: fineParams}
		fineResult, err = estimator.Align(source, target, &current)
	case "p2l":
		if !target.HasNormals() {
			attachNormals(target)
		}
		estimator := &register.PointToPlaneICP{Params: fineParams}
		fineResult, err = estimator.Align(source, target, &current)
	case "gicp":
		estimator := &register.GICP{Params: fineParams}
		fineResult, err = estimator.Align(source, target, &current)
	case "aaicp":
		estimator := &register.AndersonICP{Params: fineParams}
		fineResult, err = estimator.Align(source, target, &current)
	case "ndt":
		estimator := &register.NDT{Params: fineParams, Resolution: ndtResolution}
		fineResult, err = estimator.Align(source, target, &current)
	default:
		return fmt.Errorf("unknown fine estimator %q", fineAlgo)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", fineAlgo, err)
	}

	final := coarseResult
	if fineResult != nil {
		final = fineResult
	}
	if final == nil {
		return fmt.Errorf("both estimators disabled")
	}
	elapsed := time.Since(started)

	printTransform(final.Transform)
	fmt.Printf("fitness:    %.6f\n", final.FitnessScore)
	fmt.Printf("inliers:    %d\n", len(final.Inliers))
	fmt.Printf("iterations: %d\n", final.NumIterations)
	fmt.Printf("converged:  %v\n", final.Converged)
	fmt.Printf("elapsed:    %s\n", elapsed)

	if dbPath != "" {
		store, err := sqlite.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err := store.Record(coarseAlgo+"+"+fineAlgo, sourcePath, targetPath,
			map[string]any{"coarse": coarseParams, "fine": fineParams, "seed": seed},
			final, elapsed)
		if err != nil {
			return err
		}
		log.Printf("recorded run %s in %s", runID, dbPath)
	}

	if plotPath != "" && fineResult != nil && len(fineResult.History) > 0 {
		if err := monitor.ConvergencePlot(plotPath, map[string][]register.IterationStats{fineAlgo: fineResult.History}); err != nil {
			return err
		}
		log.Printf("wrote convergence plot %s", plotPath)
	}
	return nil
}

// buildCorrespondences extracts FPFH descriptors on both clouds and
// matches them with the ratio test.
func buildCorrespondences(source, target *cloud.PointCloud, searchRadius float64, maxNeighbors int, ratio float64, mutual bool) ([]correspond.Correspondence, error) {
	extractor := &features.FPFHExtractor{SearchRadius: searchRadius, MaxNeighbors: maxNeighbors}

	srcTree := index.NewKDTree(source.Points)
	dstTree := index.NewKDTree(target.Points)
	srcKeypoints := allIndices(source.Size())
	dstKeypoints := allIndices(target.Size())

	srcDesc, err := extractor.Extract(source, srcTree, srcKeypoints, nil)
	if err != nil {
		return nil, fmt.Errorf("source descriptors: %w", err)
	}
	dstDesc, err := extractor.Extract(target, dstTree, dstKeypoints, nil)
	if err != nil {
		return nil, fmt.Errorf("target descriptors: %w", err)
	}

	return correspond.Generate(srcDesc, dstDesc, srcKeypoints, dstKeypoints,
		correspond.Params{Ratio: ratio, MutualVerification: mutual})
}

// attachNormals estimates PCA normals in place for point-to-plane.
func attachNormals(c *cloud.PointCloud) {
	tree := index.NewKDTree(c.Points)
	est := features.NormalEstimator{K: 20}
	if res, err := est.Estimate(c, tree); err == nil {
		c.Normals = res.Normals
	}
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func printTransform(t cloud.Transform) {
	fmt.Println("transform:")
	for row := 0; row < 4; row++ {
		fmt.Printf("  % .6f % .6f % .6f % .6f\n", t[4*row], t[4*row+1], t[4*row+2], t[4*row+3])
	}
}
