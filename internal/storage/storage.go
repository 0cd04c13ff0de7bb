package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for solve runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS solve_runs (
            id TEXT PRIMARY KEY,
            process_type TEXT NOT NULL,
            state TEXT NOT NULL,
            input_path TEXT,
            profile TEXT,
            partitions INTEGER,
            ra REAL,
            dec REAL,
            pixscale REAL,
            orientation REAL,
            parity TEXT,
            field_width REAL,
            field_height REAL,
            stars_found INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS run_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            partition_index INTEGER,
            event_data TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_runs_state ON solve_runs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted solve run info.
type RunRecord struct {
	ID          string
	ProcessType string
	State       string
	InputPath   string
	Profile     string
	Partitions  int
	RA          float64
	Dec         float64
	PixScale    float64
	Orientation float64
	Parity      string
	FieldWidth  float64
	FieldHeight float64
	StarsFound  int
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordRunStart inserts a run and marks it as running.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_runs (id, process_type, state, input_path, profile, partitions, started_at)
        VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.ID, rec.ProcessType, rec.State, rec.InputPath, rec.Profile, rec.Partitions)
	return err
}

// RecordRunResult finalizes a run with a terminal state and solution fields.
func (s *Store) RecordRunResult(id string, rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_runs SET state=?, ra=?, dec=?, pixscale=?, orientation=?, parity=?,
        field_width=?, field_height=?, stars_found=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		rec.State, rec.RA, rec.Dec, rec.PixScale, rec.Orientation, rec.Parity,
		rec.FieldWidth, rec.FieldHeight, rec.StarsFound, rec.Error, id)
	return err
}

// RecordEvent appends a per-partition lifecycle event for a run.
func (s *Store) RecordEvent(runID, eventType string, partitionIndex int, data map[string]any) error {
	if s == nil {
		return nil
	}
	dataJSON, _ := json.Marshal(data)
	_, err := s.DB.Exec(`INSERT INTO run_events (run_id, event_type, partition_index, event_data) VALUES (?, ?, ?, ?);`,
		runID, eventType, partitionIndex, string(dataJSON))
	return err
}

// ListRuns returns the latest runs up to limit.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, process_type, state, input_path, profile, partitions,
        ra, dec, pixscale, orientation, parity, field_width, field_height, stars_found, error_message,
        created_at, started_at, completed_at FROM solve_runs ORDER BY created_at DESC LIMIT ?;`, limit)
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
	return recs, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, process_type, state, input_path, profile, partitions,
        ra, dec, pixscale, orientation, parity, field_width, field_height, stars_found, error_message,
        created_at, started_at, completed_at FROM solve_runs WHERE id=?;`, id)
	return scanRun(row)
}

// RunEvents returns the events recorded for a run in insertion order.
func (s *Store) RunEvents(runID string) ([]map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT event_type, partition_index, event_data, created_at FROM run_events WHERE run_id=? ORDER BY id ASC;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]any
	for rows.Next() {
		var eventType, dataJSON string
		var partIndex sql.NullInt64
		var created time.Time
		if err := rows.Scan(&eventType, &partIndex, &dataJSON, &created); err != nil {
			return nil, err
		}
		event := map[string]any{
			"event_type": eventType,
			"created_at": created,
		}
		if partIndex.Valid {
			event["partition_index"] = int(partIndex.Int64)
		}
		if dataJSON != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
			event["data"] = data
		}
		events = append(events, event)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var created time.Time
	var started, completed sql.NullTime
	var input, profile, parity, errorMsg sql.NullString
	var partitions, starsFound sql.NullInt64
	var ra, dec, pixscale, orientation, fieldW, fieldH sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.ProcessType, &rec.State, &input, &profile, &partitions,
		&ra, &dec, &pixscale, &orientation, &parity, &fieldW, &fieldH, &starsFound, &errorMsg,
		&created, &started, &completed)
	if err != nil {
		return RunRecord{}, err
	}
	rec.CreatedAt = created
	rec.InputPath = input.String
	rec.Profile = profile.String
	rec.Parity = parity.String
	rec.Error = errorMsg.String
	rec.Partitions = int(partitions.Int64)
	rec.StarsFound = int(starsFound.Int64)
	rec.RA = ra.Float64
	rec.Dec = dec.Float64
	rec.PixScale = pixscale.Float64
	rec.Orientation = orientation.Float64
	rec.FieldWidth = fieldW.Float64
	rec.FieldHeight = fieldH.Float64
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}
