package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/silvercrow/onecut/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("export job not found")

func (db *DB) CreateJob(ctx context.Context, job *models.ExportJob) error {
	query := `
		INSERT INTO export_jobs (id, status, progress)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	return db.QueryRowContext(ctx, query, job.ID, job.Status, job.Progress).Scan(&job.CreatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	query := `
		SELECT id, status, progress, error_kind, error_message, download_url, created_at, completed_at
		FROM export_jobs
		WHERE id = $1
	`

	job := &models.ExportJob{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Status, &job.Progress, &job.ErrorKind, &job.ErrorMessage,
		&job.DownloadURL, &job.CreatedAt, &job.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}
	return job, nil
}

func (db *DB) ListJobs(ctx context.Context, limit, offset int) ([]models.ExportJob, error) {
	query := `
		SELECT id, status, progress, error_kind, error_message, download_url, created_at, completed_at
		FROM export_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ExportJob
	for rows.Next() {
		var job models.ExportJob
		err := rows.Scan(
			&job.ID, &job.Status, &job.Progress, &job.ErrorKind, &job.ErrorMessage,
			&job.DownloadURL, &job.CreatedAt, &job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (db *DB) CountJobs(ctx context.Context) (int, error) {
	var total int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_jobs`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count export jobs: %w", err)
	}
	return total, nil
}

func (db *DB) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		`UPDATE export_jobs SET status = $1 WHERE id = $2`,
		models.ExportStatusProcessing, id)
	return err
}

// UpdateProgress persists a progress sample. GREATEST keeps the stored value
// monotonic even if samples arrive out of order.
func (db *DB) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE export_jobs SET progress = GREATEST(progress, $1) WHERE id = $2`,
		progress, id)
	return err
}

func (db *DB) MarkCompleted(ctx context.Context, id uuid.UUID, downloadURL string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE export_jobs SET status = $1, progress = 100, download_url = $2, completed_at = $3 WHERE id = $4`,
		models.ExportStatusCompleted, downloadURL, time.Now(), id)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, kind models.ErrorKind, message string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE export_jobs SET status = $1, error_kind = $2, error_message = $3, completed_at = $4 WHERE id = $5`,
		models.ExportStatusFailed, kind, message, time.Now(), id)
	return err
}
