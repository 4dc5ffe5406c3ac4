package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"modelviewer/models"

	_ "github.com/lib/pq"
)

// DatabaseService persists translation outcomes in model_translations.
type DatabaseService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseServiceFromDB(db), nil
}

func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db, now: time.Now}
}

const schema = `CREATE TABLE IF NOT EXISTS model_translations (
	urn           TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	stage         TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	error_message TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
)`

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create model_translations: %w", err)
	}
	return nil
}

// UpsertJob records the latest known state of a translation job.
func (d *DatabaseService) UpsertJob(ctx context.Context, job models.ConversionJob) error {
	now := d.now()
	var completedAt any
	if job.State.Terminal() {
		completedAt = now
	}

	query := `INSERT INTO model_translations
		(urn, status, progress, stage, message, attempts, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)
		ON CONFLICT (urn) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			stage = EXCLUDED.stage,
			message = EXCLUDED.message,
			attempts = EXCLUDED.attempts,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`

	_, err := d.db.ExecContext(ctx, query,
		job.ModelID, string(job.State), job.Progress, job.Stage, job.Message, job.Attempt, now, completedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert translation %s: %w", job.ModelID, err)
	}
	return nil
}

func (d *DatabaseService) UpdateTranslationError(ctx context.Context, urn string, errorMsg string) error {
	query := `UPDATE model_translations SET error_message = $1, updated_at = $2 WHERE urn = $3`
	_, err := d.db.ExecContext(ctx, query, errorMsg, d.now(), urn)
	return err
}

func (d *DatabaseService) IncrementRetryCount(ctx context.Context, urn string) error {
	query := `UPDATE model_translations SET retry_count = retry_count + 1, updated_at = $1 WHERE urn = $2`
	_, err := d.db.ExecContext(ctx, query, d.now(), urn)
	return err
}

// GetJob returns the stored job, or sql.ErrNoRows.
func (d *DatabaseService) GetJob(ctx context.Context, urn string) (models.ConversionJob, error) {
	query := `SELECT urn, status, progress, stage, message, attempts FROM model_translations WHERE urn = $1`
	var job models.ConversionJob
	var status string
	err := d.db.QueryRowContext(ctx, query, urn).
		Scan(&job.ModelID, &status, &job.Progress, &job.Stage, &job.Message, &job.Attempt)
	if err != nil {
		return models.ConversionJob{}, err
	}
	job.State = models.JobState(status)
	return job, nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
