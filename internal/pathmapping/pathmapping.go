// Package pathmapping translates paths reported by a download client into local paths.
package pathmapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/database"
	"github.com/slipstream/dlsync/internal/pathutil"
)

// ErrInvalidMapping is returned when a mapping lacks a client or either path.
var ErrInvalidMapping = errors.New("invalid remote path mapping")

// Mapping rewrites RemotePath prefixes reported by one client to LocalPath.
type Mapping struct {
	ID         int64     `json:"id"`
	ClientID   string    `json:"clientId"`
	Name       string    `json:"name"`
	RemotePath string    `json:"remotePath"`
	LocalPath  string    `json:"localPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Service stores mappings and applies them.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a path mapping service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "pathmapping").Logger(),
	}
}

// Create stores a mapping with both paths normalized to a trailing slash.
func (s *Service) Create(ctx context.Context, m *Mapping) error {
	if m.ClientID == "" || strings.TrimSpace(m.RemotePath) == "" || strings.TrimSpace(m.LocalPath) == "" {
		return ErrInvalidMapping
	}
	m.RemotePath = pathutil.WithTrailingSlash(pathutil.NormalizeRemote(m.RemotePath))
	m.LocalPath = pathutil.WithTrailingSlash(pathutil.NormalizeRemote(m.LocalPath))
	m.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_path_mappings (client_id, name, remote_path, local_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ClientID, m.Name, m.RemotePath, m.LocalPath, m.CreatedAt.Format(database.TimeFormat))
	if err != nil {
		return fmt.Errorf("failed to create path mapping: %w", err)
	}
	m.ID, _ = res.LastInsertId()

	s.logger.Info().Int64("mappingId", m.ID).Str("clientId", m.ClientID).
		Str("remotePath", m.RemotePath).Str("localPath", m.LocalPath).Msg("Created remote path mapping")
	return nil
}

// Ensure creates the mapping unless the client already maps the same remote path.
// It reports whether a row was created.
func (s *Service) Ensure(ctx context.Context, m *Mapping) (bool, error) {
	existing, err := s.ListByClient(ctx, m.ClientID)
	if err != nil {
		return false, err
	}
	remote := pathutil.WithTrailingSlash(pathutil.NormalizeRemote(m.RemotePath))
	for _, e := range existing {
		if strings.EqualFold(e.RemotePath, remote) {
			return false, nil
		}
	}
	if err := s.Create(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a mapping.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM remote_path_mappings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete path mapping: %w", err)
	}
	return nil
}

// ListByClient returns a client's mappings, longest remote path first.
func (s *Service) ListByClient(ctx context.Context, clientID string) ([]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, name, remote_path, local_path, created_at
		FROM remote_path_mappings
		WHERE client_id = ?
		ORDER BY length(remote_path) DESC, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list path mappings: %w", err)
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		var (
			m       Mapping
			created string
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Name, &m.RemotePath, &m.LocalPath, &created); err != nil {
			return nil, fmt.Errorf("failed to scan path mapping: %w", err)
		}
		m.CreatedAt = database.ParseTime(sql.NullString{String: created, Valid: true})
		out = append(out, &m)
	}
	return out, rows.Err()
}

// TranslatePath rewrites the longest matching remote prefix to its local path.
// The input is returned unchanged when no mapping applies or the lookup fails.
func (s *Service) TranslatePath(ctx context.Context, clientID, remotePath string) string {
	if strings.TrimSpace(remotePath) == "" {
		return remotePath
	}

	mappings, err := s.ListByClient(ctx, clientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("clientId", clientID).Msg("Failed to load path mappings")
		return remotePath
	}

	translated, ok := Translate(mappings, remotePath)
	if !ok {
		return remotePath
	}
	s.logger.Debug().Str("clientId", clientID).Str("remotePath", remotePath).Str("localPath", translated).Msg("Translated path")
	return translated
}

// Translate applies the first mapping, in order, whose remote path prefixes p.
// Mappings are expected longest first.
func Translate(mappings []*Mapping, p string) (string, bool) {
	normalized := pathutil.NormalizeRemote(p)
	hadTrailing := strings.HasSuffix(normalized, "/")
	withSlash := pathutil.WithTrailingSlash(normalized)

	for _, m := range mappings {
		remote := pathutil.WithTrailingSlash(pathutil.NormalizeRemote(m.RemotePath))
		if !pathutil.HasPrefixFold(withSlash, remote) {
			continue
		}
		out := pathutil.WithTrailingSlash(pathutil.NormalizeRemote(m.LocalPath)) + withSlash[len(remote):]
		if !hadTrailing && len(out) > 1 {
			out = strings.TrimSuffix(out, "/")
		}
		return out, true
	}
	return p, false
}
