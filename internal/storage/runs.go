package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autocal/internal/frame"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// RunRecord captures one persisted engine run.
type RunRecord struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	InputRoot   string         `json:"input_root"`
	ConfigJSON  string         `json:"config,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, input_root, config_json, started_at) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, RunRunning, rec.InputRoot, rec.ConfigJSON, formatTime(rec.StartedAt))
	return err
}

// RecordRunFinish finalizes a run with status and outcome counts.
func (s *Store) RecordRunFinish(id, status string, counts map[string]int, errMsg string) error {
	if s == nil {
		return nil
	}
	countsJSON, _ := json.Marshal(counts)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, counts_json=?, completed_at=?, error_message=? WHERE id=?;`,
		status, string(countsJSON), formatTime(time.Now()), errMsg, id)
	return err
}

const runColumns = `id, status, input_root, config_json, counts_json, started_at, completed_at, error_message`

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by ID.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(r scanner) (RunRecord, error) {
	var rec RunRecord
	var inputRoot, configJSON, countsJSON, completed, errMsg sql.NullString
	var started string
	if err := r.Scan(&rec.ID, &rec.Status, &inputRoot, &configJSON, &countsJSON, &started, &completed, &errMsg); err != nil {
		return RunRecord{}, err
	}
	rec.InputRoot = inputRoot.String
	rec.ConfigJSON = configJSON.String
	rec.StartedAt = parseTime(started)
	if completed.Valid {
		t := parseTime(completed.String)
		rec.CompletedAt = &t
	}
	rec.Error = errMsg.String
	if countsJSON.Valid && countsJSON.String != "" {
		if err := json.Unmarshal([]byte(countsJSON.String), &rec.Counts); err != nil {
			return RunRecord{}, fmt.Errorf("unmarshal counts: %w", err)
		}
	}
	return rec, nil
}

// RecordResult appends one stage result.
func (s *Store) RecordResult(res frame.StageResult) error {
	if s == nil {
		return nil
	}
	var mastersJSON []byte
	if len(res.Masters) > 0 {
		mastersJSON, _ = json.Marshal(res.Masters)
	}
	when := res.Time
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO stage_results (run_id, pass, frame_path, input_path, stage, outcome, output_path, masters_json, reason, duration_ms, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		res.RunID, res.Pass, res.Frame, res.Input, res.Stage.String(), string(res.Outcome), res.Output, string(mastersJSON), res.Reason, res.Duration.Milliseconds(), formatTime(when))
	return err
}

// Results returns a run's stage results in recording order.
func (s *Store) Results(runID string) ([]frame.StageResult, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, pass, frame_path, input_path, stage, outcome, output_path, masters_json, reason, duration_ms, recorded_at
        FROM stage_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []frame.StageResult
	for rows.Next() {
		var res frame.StageResult
		var stage, outcome, recorded string
		var framePath, output, masters, reason sql.NullString
		var durationMS int64
		if err := rows.Scan(&res.RunID, &res.Pass, &framePath, &res.Input, &stage, &outcome, &output, &masters, &reason, &durationMS, &recorded); err != nil {
			return nil, err
		}
		if res.Stage, err = frame.ParseStage(stage); err != nil {
			return nil, err
		}
		res.Frame = framePath.String
		res.Outcome = frame.Outcome(outcome)
		res.Output = output.String
		res.Reason = reason.String
		res.Duration = time.Duration(durationMS) * time.Millisecond
		res.Time = parseTime(recorded)
		if masters.Valid && masters.String != "" {
			if err := json.Unmarshal([]byte(masters.String), &res.Masters); err != nil {
				return nil, fmt.Errorf("unmarshal masters: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// RecordFrame upserts a frame descriptor into the catalog.
func (s *Store) RecordFrame(runID string, d frame.Descriptor) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO frames (path, run_id, stage, descriptor_json, updated_at) VALUES (?, ?, ?, ?, ?);`,
		d.Path, runID, d.Stage.String(), string(data), formatTime(time.Now()))
	return err
}

// Frame looks up a cataloged descriptor by path.
func (s *Store) Frame(path string) (frame.Descriptor, error) {
	if s == nil {
		return frame.Descriptor{}, errors.New("store not initialized")
	}
	var data string
	err := s.DB.QueryRow(`SELECT descriptor_json FROM frames WHERE path=?;`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return frame.Descriptor{}, fmt.Errorf("frame %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return frame.Descriptor{}, err
	}
	var d frame.Descriptor
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return frame.Descriptor{}, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return d, nil
}
