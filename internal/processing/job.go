// Package processing moves finished downloads into the library.
package processing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slipstream/dlsync/internal/database"
)

// ErrJobNotFound is returned when a job does not exist.
var ErrJobNotFound = errors.New("processing job not found")

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	JobPending    JobStatus = "Pending"
	JobProcessing JobStatus = "Processing"
	JobRetry      JobStatus = "Retry"
	JobCompleted  JobStatus = "Completed"
	JobFailed     JobStatus = "Failed"
)

// ActiveJobStatuses are the statuses that block another enqueue for the same download.
var ActiveJobStatuses = []JobStatus{JobPending, JobProcessing, JobRetry}

// IsActive reports whether the job still has work to do.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobProcessing || s == JobRetry
}

// Job is one request to move a download's files into the library.
type Job struct {
	ID              string    `json:"id"`
	DownloadID      string    `json:"downloadId"`
	SourcePath      string    `json:"sourcePath"`
	DestinationPath string    `json:"destinationPath"`
	ClientID        string    `json:"clientId"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// EnqueueOption customizes a job at enqueue time.
type EnqueueOption func(*Job)

// WithDestination sets the destination path of the job.
func WithDestination(dest string) EnqueueOption {
	return func(j *Job) { j.DestinationPath = dest }
}

const jobColumns = `id, download_id, source_path, destination_path, client_id, status, attempts, error, created_at, updated_at`

// Store persists processing jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Enqueue creates a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, downloadID, sourcePath, clientID string, opts ...EnqueueOption) (string, error) {
	now := s.now().UTC()
	job := &Job{
		ID:         uuid.NewString(),
		DownloadID: downloadID,
		SourcePath: sourcePath,
		ClientID:   clientID,
		Status:     JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(job)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO processing_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DownloadID, job.SourcePath, job.DestinationPath, job.ClientID, string(job.Status),
		job.Attempts, job.Error, now.Format(database.TimeFormat), now.Format(database.TimeFormat))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue processing job: %w", err)
	}
	return job.ID, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing job: %w", err)
	}
	return job, nil
}

// GetActiveJobs returns the pending, processing or retrying jobs for a download.
func (s *Store) GetActiveJobs(ctx context.Context, downloadID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM processing_jobs
		WHERE download_id = ? AND status IN (?, ?, ?) ORDER BY created_at`,
		downloadID, string(JobPending), string(JobProcessing), string(JobRetry))
}

// ListRunnable returns pending and retrying jobs, oldest first.
func (s *Store) ListRunnable(ctx context.Context, limit int) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM processing_jobs
		WHERE status IN (?, ?) ORDER BY created_at LIMIT ?`,
		string(JobPending), string(JobRetry), limit)
}

// SetDestination records where the job will place its files.
func (s *Store) SetDestination(ctx context.Context, jobID, dest string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE processing_jobs SET destination_path = ?, updated_at = ? WHERE id = ?`,
		dest, s.now().UTC().Format(database.TimeFormat), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job destination: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set destination %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Claim moves a runnable job to Processing. It reports false if another worker got it first.
func (s *Store) Claim(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE processing_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(JobProcessing), s.now().UTC().Format(database.TimeFormat), jobID, string(JobPending), string(JobRetry))
	if err != nil {
		return false, fmt.Errorf("failed to claim processing job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Finish records the outcome of an attempt.
func (s *Store) Finish(ctx context.Context, job *Job) error {
	job.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE processing_jobs
		SET status = ?, attempts = ?, error = ?, destination_path = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.Attempts, job.Error, job.DestinationPath, job.UpdatedAt.Format(database.TimeFormat), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update processing job: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processing job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                Job
		status           string
		created, updated string
	)
	if err := row.Scan(&j.ID, &j.DownloadID, &j.SourcePath, &j.DestinationPath, &j.ClientID, &status,
		&j.Attempts, &j.Error, &created, &updated); err != nil {
		return nil, err
	}
	j.Status = JobStatus(strings.TrimSpace(status))
	j.CreatedAt = database.ParseTime(sql.NullString{String: created, Valid: true})
	j.UpdatedAt = database.ParseTime(sql.NullString{String: updated, Valid: true})
	return &j, nil
}
