package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/register"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult(fitness float64, inliers, iterations int, converged bool) *register.Result {
	transform := cloud.Identity()
	transform[3] = 0.5
	ids := make([]int, inliers)
	for i := range ids {
		ids[i] = i
	}
	return &register.Result{
		Transform:     transform,
		FitnessScore:  fitness,
		Inliers:       ids,
		NumIterations: iterations,
		Converged:     converged,
	}
}

func TestRecordAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	res := sampleResult(0.012, 640, 37, true)
	runID, err := store.Record("ransac", "a.pcd", "b.pcd",
		map[string]any{"seed": 42}, res, 1500*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := store.Get(runID)
	require.NoError(t, err)
	require.Equal(t, "ransac", run.Algorithm)
	require.Equal(t, res.Transform, run.Transform)
	require.Equal(t, 0.012, run.FitnessScore)
	require.Equal(t, 640, run.NumInliers)
	require.Equal(t, 37, run.NumIterations)
	require.True(t, run.Converged)
	require.Equal(t, int64(1500), run.DurationMS)
	require.Contains(t, run.ParamsJSON, `"seed":42`)
}

func TestListByAlgorithmNewestFirst(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Record("icp", "a.pcd", "b.pcd", nil, sampleResult(0.2, 10, 5, true), time.Millisecond)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct created_at_ns ordering
	_, err = store.Record("icp", "c.pcd", "d.pcd", nil, sampleResult(0.1, 20, 8, true), time.Millisecond)
	require.NoError(t, err)
	_, err = store.Record("ndt", "a.pcd", "b.pcd", nil, sampleResult(0.3, 5, 3, false), time.Millisecond)
	require.NoError(t, err)

	runs, err := store.ListByAlgorithm("icp", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "c.pcd", runs[0].SourcePath)
	require.False(t, runs[0].CreatedAt.Before(runs[1].CreatedAt))
}

func TestCompareReportsDifferences(t *testing.T) {
	store := openTestStore(t)

	id1, err := store.Record("ransac", "a.pcd", "b.pcd", map[string]any{"seed": 1}, sampleResult(0.1, 100, 20, true), time.Millisecond)
	require.NoError(t, err)
	id2, err := store.Record("prosac", "a.pcd", "b.pcd", map[string]any{"seed": 1}, sampleResult(0.1, 120, 6, true), time.Millisecond)
	require.NoError(t, err)

	diff, err := store.Compare(id1, id2)
	require.NoError(t, err)
	require.Contains(t, diff, "algorithm")
	require.Contains(t, diff, "num_inliers")
	require.Contains(t, diff, "num_iterations")
	require.NotContains(t, diff, "fitness_score")
	require.NotContains(t, diff, "converged")
}

func TestGetUnknownRun(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get("no-such-run")
	require.Error(t, err)
}
