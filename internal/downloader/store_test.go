package downloader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/testutil"
)

func TestConfigStore_UpsertAndGet(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	store := NewConfigStore(tdb.Conn)
	ctx := context.Background()

	cfg := &ClientConfig{
		Name:         "SAB",
		Type:         ClientTypeSABnzbd,
		Host:         "sab.local",
		Port:         8080,
		APIKey:       "secret",
		Category:     "books",
		Enabled:      true,
		DownloadPath: "/downloads",
	}
	require.NoError(t, store.UpsertClientConfig(ctx, cfg))
	require.NotEmpty(t, cfg.ID)

	got, err := store.GetClientConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.APIKey)
	assert.Equal(t, ClientTypeSABnzbd, got.Type)
	assert.True(t, got.Enabled)
	assert.False(t, got.UseSSL)
	assert.Equal(t, "/downloads", got.DownloadPath)

	cfg.Enabled = false
	cfg.RemoveCompletedDownloads = true
	require.NoError(t, store.UpsertClientConfig(ctx, cfg))

	got, err = store.GetClientConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.True(t, got.RemoveCompletedDownloads)
}

func TestConfigStore_ListEnabled(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	store := NewConfigStore(tdb.Conn)
	ctx := context.Background()

	require.NoError(t, store.UpsertClientConfig(ctx, &ClientConfig{ID: "a", Name: "A", Type: ClientTypeQBittorrent, Host: "h", Port: 1, Enabled: true}))
	require.NoError(t, store.UpsertClientConfig(ctx, &ClientConfig{ID: "b", Name: "B", Type: ClientTypeNZBGet, Host: "h", Port: 2, Enabled: false}))

	all, err := store.ListClientConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := store.ListEnabledClientConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)
}

func TestConfigStore_Errors(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	store := NewConfigStore(tdb.Conn)

	if _, err := store.GetClientConfig(context.Background(), "nope"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("GetClientConfig() error = %v, want ErrClientNotFound", err)
	}
	if err := store.UpsertClientConfig(context.Background(), &ClientConfig{Name: "x"}); err == nil {
		t.Error("UpsertClientConfig() should reject missing host and type")
	}
}
