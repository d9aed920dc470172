package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/slipstream/dlsync/internal/database"
)

const downloadColumns = `id, library_item_id, title, status, progress, total_size, downloaded_size,
	download_client_id, download_path, final_path, started_at, completed_at, error_message, metadata, updated_at`

// Store persists downloads in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a download store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new download, assigning an id and start time when missing.
func (s *Store) Create(ctx context.Context, d *Download) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = s.now().UTC()
	}
	if d.Status == "" {
		d.Status = StatusQueued
	}
	return s.UpsertDownload(ctx, d)
}

// FindDownload returns the download with the given id.
// Returns ErrNotFound if it does not exist.
func (s *Store) FindDownload(ctx context.Context, id string) (*Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find download %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find download: %w", err)
	}
	return d, nil
}

// ListDownloads returns downloads matching the filter, newest first.
func (s *Store) ListDownloads(ctx context.Context, f Filter) ([]*Download, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.ClientID != "" {
		where = append(where, "download_client_id = ?")
		args = append(args, f.ClientID)
	}

	query := `SELECT ` + downloadColumns + ` FROM downloads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var result []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// UpsertDownload inserts or fully replaces a download row.
func (s *Store) UpsertDownload(ctx context.Context, d *Download) error {
	if d.ID == "" {
		return fmt.Errorf("upsert download: missing id")
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if d.Metadata == nil {
		meta = []byte("{}")
	}
	d.UpdatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			library_item_id = excluded.library_item_id,
			title = excluded.title,
			status = excluded.status,
			progress = excluded.progress,
			total_size = excluded.total_size,
			downloaded_size = excluded.downloaded_size,
			download_client_id = excluded.download_client_id,
			download_path = excluded.download_path,
			final_path = excluded.final_path,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		d.ID, d.LibraryItemID, d.Title, string(d.Status), d.Progress, d.TotalSize, d.DownloadedSize,
		d.DownloadClientID, d.DownloadPath, d.FinalPath,
		database.FormatTime(d.StartedAt), database.FormatTime(d.CompletedAt),
		d.ErrorMessage, string(meta), d.UpdatedAt.Format(database.TimeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert download: %w", err)
	}
	return nil
}

// DeleteDownload removes a download. Deleting a missing row is not an error.
func (s *Store) DeleteDownload(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row scanner) (*Download, error) {
	var (
		d                  Download
		status, meta       string
		started, completed sql.NullString
		updated            string
	)
	err := row.Scan(&d.ID, &d.LibraryItemID, &d.Title, &status, &d.Progress, &d.TotalSize, &d.DownloadedSize,
		&d.DownloadClientID, &d.DownloadPath, &d.FinalPath, &started, &completed, &d.ErrorMessage, &meta, &updated)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.StartedAt = database.ParseTime(started)
	d.CompletedAt = database.ParseTime(completed)
	d.UpdatedAt = database.ParseTime(sql.NullString{String: updated, Valid: true})
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}
