package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Calibration run kinds.
const (
	KindOffset  = "offset"
	KindScaling = "scaling"
)

// CalibrationRun records one completed offset or scaling measurement.
type CalibrationRun struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Index      int       `json:"index"` // flat index for scaling runs, -1 for offset
	Target     float64   `json:"target"`
	Window     int       `json:"window"`
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Values     []float64 `json:"values"` // resulting offset or scaling array, flattened
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NoiseRun records one completed noise characterisation.
type NoiseRun struct {
	ID             string    `json:"id"`
	Samples        int       `json:"samples"`
	Rows           int       `json:"rows"`
	Cols           int       `json:"cols"`
	Uncertainty    []float64 `json:"uncertainty"` // last row of the uncertainty curve
	MeanIntervalMs float64   `json:"mean_interval_ms"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// RecordCalibration inserts run, assigning a new ID when run.ID is empty.
func (db *DB) RecordCalibration(run *CalibrationRun) error {
	if run.Kind != KindOffset && run.Kind != KindScaling {
		return fmt.Errorf("unknown calibration kind %q", run.Kind)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	values, err := json.Marshal(run.Values)
	if err != nil {
		return fmt.Errorf("failed to encode calibration values: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO calibration_runs (
			run_id, kind, flat_index, target, sample_window, rows, cols,
			values_json, started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Index, run.Target, run.Window, run.Rows, run.Cols,
		string(values), run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration run: %w", err)
	}
	return nil
}

// CalibrationRuns returns the most recent calibration runs, newest first. A
// limit of zero or less returns all runs.
func (db *DB) CalibrationRuns(limit int) ([]CalibrationRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT run_id, kind, flat_index, target, sample_window, rows, cols,
		        values_json, started_unix_nanos, finished_unix_nanos
		   FROM calibration_runs
		  ORDER BY started_unix_nanos DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration runs: %w", err)
	}
	defer rows.Close()

	var runs []CalibrationRun
	for rows.Next() {
		var r CalibrationRun
		var values string
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Index, &r.Target, &r.Window, &r.Rows, &r.Cols,
			&values, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan calibration run: %w", err)
		}
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, fmt.Errorf("failed to decode values of run %s: %w", r.ID, err)
		}
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordNoise inserts run, assigning a new ID when run.ID is empty.
func (db *DB) RecordNoise(run *NoiseRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	u, err := json.Marshal(run.Uncertainty)
	if err != nil {
		return fmt.Errorf("failed to encode uncertainty: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO noise_runs (
			run_id, samples, rows, cols, uncertainty_json, mean_interval_ms,
			started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Samples, run.Rows, run.Cols, string(u), run.MeanIntervalMs,
		run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert noise run: %w", err)
	}
	return nil
}

// NoiseRuns returns the most recent noise runs, newest first. A limit of zero
// or less returns all runs.
func (db *DB) NoiseRuns(limit int) ([]NoiseRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT run_id, samples, rows, cols, uncertainty_json, mean_interval_ms,
		        started_unix_nanos, finished_unix_nanos
		   FROM noise_runs
		  ORDER BY started_unix_nanos DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query noise runs: %w", err)
	}
	defer rows.Close()

	var runs []NoiseRun
	for rows.Next() {
		var r NoiseRun
		var u string
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Samples, &r.Rows, &r.Cols, &u, &r.MeanIntervalMs,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan noise run: %w", err)
		}
		if err := json.Unmarshal([]byte(u), &r.Uncertainty); err != nil {
			return nil, fmt.Errorf("failed to decode uncertainty of run %s: %w", r.ID, err)
		}
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
