// Package sqlite persists registration runs so parameter sweeps and
// estimator comparisons can be queried after the fact. One row per
// Align call: algorithm, params JSON, the resulting transform and
// quality numbers.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/register"
)

const schema = `
CREATE TABLE IF NOT EXISTS registration_runs (
	run_id TEXT PRIMARY KEY,
	created_at_ns INTEGER NOT NULL,
	algorithm TEXT NOT NULL,
	source_path TEXT,
	target_path TEXT,
	params_json TEXT NOT NULL,
	transform_json TEXT NOT NULL,
	fitness_score REAL NOT NULL,
	num_inliers INTEGER NOT NULL,
	num_iterations INTEGER NOT NULL,
	converged INTEGER NOT NULL,
	duration_ms INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_registration_runs_algorithm
	ON registration_runs(algorithm, created_at_ns);
`

// Run is one persisted registration outcome.
type Run struct {
	RunID         string
	CreatedAt     time.Time
	Algorithm     string
	SourcePath    string
	TargetPath    string
	ParamsJSON    string
	Transform     cloud.Transform
	FitnessScore  float64
	NumInliers    int
	NumIterations int
	Converged     bool
	DurationMS    int64
}

// RunStore manages the registration_runs table.
type RunStore struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies the schema
// and the usual WAL pragmas.
func Open(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close releases the database handle.
func (s *RunStore) Close() error { return s.db.Close() }

// Record inserts a run row for a registration result and returns the
// generated run id.
func (s *RunStore) Record(algorithm, sourcePath, targetPath string, params any, result *register.Result, duration time.Duration) (string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshaling params: %w", err)
	}
	transformJSON, err := json.Marshal(result.Transform)
	if err != nil {
		return "", fmt.Errorf("marshaling transform: %w", err)
	}

	runID := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO registration_runs
			(run_id, created_at_ns, algorithm, source_path, target_path,
			 params_json, transform_json, fitness_score, num_inliers,
			 num_iterations, converged, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UnixNano(), algorithm, sourcePath, targetPath,
		string(paramsJSON), string(transformJSON), result.FitnessScore,
		len(result.Inliers), result.NumIterations, boolToInt(result.Converged),
		duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return runID, nil
}

// Get loads one run by id.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, created_at_ns, algorithm, source_path, target_path,
		       params_json, transform_json, fitness_score, num_inliers,
		       num_iterations, converged, duration_ms
		FROM registration_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListByAlgorithm returns the most recent runs of one algorithm,
// newest first.
func (s *RunStore) ListByAlgorithm(algorithm string, limit int) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, created_at_ns, algorithm, source_path, target_path,
		       params_json, transform_json, fitness_score, num_inliers,
		       num_iterations, converged, duration_ms
		FROM registration_runs
		WHERE algorithm = ?
		ORDER BY created_at_ns DESC
		LIMIT ?`, algorithm, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Compare returns a field-by-field difference report for two runs, the
// analysis-run comparison pattern applied to registration.
func (s *RunStore) Compare(runID1, runID2 string) (map[string]any, error) {
	r1, err := s.Get(runID1)
	if err != nil {
		return nil, err
	}
	r2, err := s.Get(runID2)
	if err != nil {
		return nil, err
	}

	diff := make(map[string]any)
	if r1.Algorithm != r2.Algorithm {
		diff["algorithm"] = map[string]any{"run1": r1.Algorithm, "run2": r2.Algorithm}
	}
	if r1.FitnessScore != r2.FitnessScore {
		diff["fitness_score"] = map[string]any{"run1": r1.FitnessScore, "run2": r2.FitnessScore}
	}
	if r1.NumInliers != r2.NumInliers {
		diff["num_inliers"] = map[string]any{"run1": r1.NumInliers, "run2": r2.NumInliers}
	}
	if r1.NumIterations != r2.NumIterations {
		diff["num_iterations"] = map[string]any{"run1": r1.NumIterations, "run2": r2.NumIterations}
	}
	if r1.Converged != r2.Converged {
		diff["converged"] = map[string]any{"run1": r1.Converged, "run2": r2.Converged}
	}
	if r1.ParamsJSON != r2.ParamsJSON {
		diff["params"] = map[string]any{"run1": r1.ParamsJSON, "run2": r2.ParamsJSON}
	}
	return diff, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var createdNS int64
	var transformJSON string
	var converged int
	err := row.Scan(&run.RunID, &createdNS, &run.Algorithm, &run.SourcePath,
		&run.TargetPath, &run.ParamsJSON, &transformJSON, &run.FitnessScore,
		&run.NumInliers, &run.NumIterations, &converged, &run.DurationMS)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = time.Unix(0, createdNS)
	run.Converged = converged != 0
	if err := json.Unmarshal([]byte(transformJSON), &run.Transform); err != nil {
		return nil, fmt.Errorf("unmarshaling transform: %w", err)
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
