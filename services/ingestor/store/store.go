// Package store is the persistence layer: the submissions and api_keys
// tables in Postgres, the uploaded-files directory, and the per-submission
// rerun locks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
)

// ErrNotFound is returned for unknown submission ids and API keys.
var ErrNotFound = errors.New("store: not found")

const maxOpenConns = 16

// Store wraps the database pool and the upload directory.
type Store struct {
	db    *sql.DB
	files *FileStore
	locks *RerunLocks
}

// Open connects the pgx stdlib driver and prepares the upload directory.
// The connection is not verified here; call Ping or Init.
func Open(dsn, uploadDir string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	files, err := NewFileStore(uploadDir)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, files: files, locks: NewRerunLocks()}, nil
}

// NewWithDB builds a Store over an existing pool. Used by tests.
func NewWithDB(db *sql.DB, files *FileStore) *Store {
	return &Store{db: db, files: files, locks: NewRerunLocks()}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Files exposes the upload directory operations.
func (s *Store) Files() *FileStore { return s.files }

// Locks exposes the per-submission rerun locks.
func (s *Store) Locks() *RerunLocks { return s.locks }

// Init creates the schema idempotently. Safe to run on every startup.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id UUID PRIMARY KEY,
	patient_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('completed', 'failed', 'partial')),
	fhir_bundle JSONB NOT NULL,
	raw_extraction TEXT NOT NULL DEFAULT '',
	doctor_notes TEXT NOT NULL DEFAULT '',
	ai_summary TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_submissions_patient ON submissions (patient_id, created_at DESC);
CREATE TABLE IF NOT EXISTS api_keys (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'frontend',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// SaveSubmission inserts a new submission row.
func (s *Store) SaveSubmission(ctx context.Context, sub *datatypes.Submission) error {
	const q = `INSERT INTO submissions
	(id, patient_id, filename, image_url, status, fhir_bundle, raw_extraction, doctor_notes, ai_summary)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, q,
		sub.ID, sub.PatientID, sub.Filename, sub.ImageURL,
		sub.Status, sub.FHIRBundle, sub.RawExtraction, sub.DoctorNotes, sub.AISummary)
	if err != nil {
		return fmt.Errorf("store: inserting submission %s: %w", sub.ID, err)
	}
	return nil
}

const submissionColumns = `id, patient_id, filename, image_url, status,
	fhir_bundle, raw_extraction, doctor_notes, ai_summary, created_at`

func scanSubmission(row interface{ Scan(...any) error }) (*datatypes.Submission, error) {
	var sub datatypes.Submission
	err := row.Scan(&sub.ID, &sub.PatientID, &sub.Filename, &sub.ImageURL, &sub.Status,
		&sub.FHIRBundle, &sub.RawExtraction, &sub.DoctorNotes, &sub.AISummary, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubmission fetches one submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (*datatypes.Submission, error) {
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching submission %s: %w", id, err)
	}
	return sub, nil
}

// UpdateResult replaces the pipeline output of a rerun submission and
// bumps created_at so the record surfaces in the clinician's timeline.
func (s *Store) UpdateResult(ctx context.Context, id, status, bundleJSON, rawExtraction string) error {
	const q = `UPDATE submissions
	SET status = $2, fhir_bundle = $3, raw_extraction = $4, created_at = now()
	WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, status, bundleJSON, rawExtraction)
	if err != nil {
		return fmt.Errorf("store: updating submission %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateNotes saves the doctor's notes without touching anything else.
func (s *Store) UpdateNotes(ctx context.Context, id, notes string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET doctor_notes = $2 WHERE id = $1`, id, notes)
	if err != nil {
		return fmt.Errorf("store: updating notes for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateSummary saves a regenerated AI summary.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET ai_summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("store: updating summary for %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: submission %s", ErrNotFound, id)
	}
	return nil
}

// ListRecent returns the newest submissions first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]datatypes.Submission, error) {
	if limit <= 0 {
		limit = 15
	}
	q := `SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

// PatientHistory returns a patient's submissions, newest first.
func (s *Store) PatientHistory(ctx context.Context, patientID string) ([]datatypes.Submission, error) {
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE patient_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, patientID)
	if err != nil {
		return nil, fmt.Errorf("store: fetching history for %s: %w", patientID, err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func collectSubmissions(rows *sql.Rows) ([]datatypes.Submission, error) {
	subs := make([]datatypes.Submission, 0, 16)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ListPatients returns the grouped patients view.
func (s *Store) ListPatients(ctx context.Context) ([]datatypes.PatientSummary, error) {
	const q = `SELECT patient_id, COUNT(*), MAX(created_at)
	FROM submissions GROUP BY patient_id ORDER BY MAX(created_at) DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: listing patients: %w", err)
	}
	defer rows.Close()

	patients := make([]datatypes.PatientSummary, 0, 16)
	for rows.Next() {
		var p datatypes.PatientSummary
		if err := rows.Scan(&p.PatientID, &p.FileCount, &p.LastUpdated); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// InsertKey stores a freshly issued API key.
func (s *Store) InsertKey(ctx context.Context, key *datatypes.APIKey) error {
	const q = `INSERT INTO api_keys (key, name, role, is_active) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, q, key.Key, key.Name, key.Role, key.IsActive); err != nil {
		return fmt.Errorf("store: inserting api key: %w", err)
	}
	return nil
}

// LookupKey fetches one API key.
func (s *Store) LookupKey(ctx context.Context, key string) (*datatypes.APIKey, error) {
	const q = `SELECT key, name, role, is_active, created_at, last_used_at FROM api_keys WHERE key = $1`
	var k datatypes.APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, q, key).Scan(&k.Key, &k.Name, &k.Role, &k.IsActive, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: looking up api key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return &k, nil
}

// TouchKey records a successful verification. Best-effort; callers fire
// it asynchronously and only log failures.
func (s *Store) TouchKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: touching api key: %w", err)
	}
	return nil
}

// DeactivateKey revokes a key.
func (s *Store) DeactivateKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("store: deactivating api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasSubmission reports whether an id exists. Used by the janitor.
func (s *Store) HasSubmission(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StartJanitor reaps orphaned upload directories (files written before a
// DB failure) in the background until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if n, err := s.files.Reap(ctx, s.HasSubmission); err != nil {
				slog.Warn("Upload janitor pass failed", "error", err)
			} else if n > 0 {
				slog.Info("Upload janitor reaped orphaned directories", "count", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
