package downloader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slipstream/dlsync/internal/database"
)

// ErrClientNotFound is returned when a client configuration does not exist.
var ErrClientNotFound = errors.New("download client not found")

const clientColumns = `id, name, type, host, port, username, password, use_ssl, url_base, api_key,
	category, tags, enabled, download_path, remove_completed_downloads`

// ConfigStore persists download client configurations.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a client configuration store.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// ListClientConfigs returns every configured client ordered by name.
func (s *ConfigStore) ListClientConfigs(ctx context.Context) ([]*ClientConfig, error) {
	return s.list(ctx, `SELECT `+clientColumns+` FROM download_clients ORDER BY name`)
}

// ListEnabledClientConfigs returns only enabled clients.
func (s *ConfigStore) ListEnabledClientConfigs(ctx context.Context) ([]*ClientConfig, error) {
	return s.list(ctx, `SELECT `+clientColumns+` FROM download_clients WHERE enabled = 1 ORDER BY name`)
}

func (s *ConfigStore) list(ctx context.Context, query string) ([]*ClientConfig, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list download clients: %w", err)
	}
	defer rows.Close()

	var configs []*ClientConfig
	for rows.Next() {
		cfg, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download client: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// GetClientConfig returns the client with the given id.
func (s *ConfigStore) GetClientConfig(ctx context.Context, id string) (*ClientConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM download_clients WHERE id = ?`, id)
	cfg, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get download client %s: %w", id, ErrClientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download client: %w", err)
	}
	return cfg, nil
}

// UpsertClientConfig inserts or replaces a client configuration, assigning an id when missing.
func (s *ConfigStore) UpsertClientConfig(ctx context.Context, cfg *ClientConfig) error {
	if cfg.Name == "" || cfg.Host == "" || cfg.Type == "" {
		return fmt.Errorf("invalid download client: name, host and type are required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(database.TimeFormat)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_clients (`+clientColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			use_ssl = excluded.use_ssl,
			url_base = excluded.url_base,
			api_key = excluded.api_key,
			category = excluded.category,
			tags = excluded.tags,
			enabled = excluded.enabled,
			download_path = excluded.download_path,
			remove_completed_downloads = excluded.remove_completed_downloads,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, string(cfg.Type), cfg.Host, cfg.Port, cfg.Username, cfg.Password,
		boolToInt64(cfg.UseSSL), cfg.URLBase, cfg.APIKey, cfg.Category, cfg.Tags,
		boolToInt64(cfg.Enabled), cfg.DownloadPath, boolToInt64(cfg.RemoveCompletedDownloads), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert download client: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClient(row rowScanner) (*ClientConfig, error) {
	var (
		cfg                         ClientConfig
		clientType                  string
		useSSL, enabled, removeDone int64
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &clientType, &cfg.Host, &cfg.Port, &cfg.Username, &cfg.Password,
		&useSSL, &cfg.URLBase, &cfg.APIKey, &cfg.Category, &cfg.Tags, &enabled, &cfg.DownloadPath, &removeDone)
	if err != nil {
		return nil, err
	}
	cfg.Type = ClientType(clientType)
	cfg.UseSSL = useSSL == 1
	cfg.Enabled = enabled == 1
	cfg.RemoveCompletedDownloads = removeDone == 1
	return &cfg, nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
