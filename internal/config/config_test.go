package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/dlsync.db", cfg.Database.Path)
	assert.Equal(t, DefaultExtensions, cfg.Reconcile.AllowedExtensions)

	s := cfg.Reconcile.AppSettings()
	assert.Equal(t, 10*time.Second, s.StabilityWindow)
	assert.Equal(t, 3, s.MissingSourceRetries)
	assert.Equal(t, 30*time.Second, s.InitialRetryDelay)
	assert.Equal(t, "./completed", s.OutputPath)
	assert.False(t, s.ShowCompletedExternal)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.PurgeGrace())
	assert.Equal(t, 2*time.Second, cfg.Reconcile.EchoWindow())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "dlsync.yaml")
	yaml := `
server:
  port: 9090
reconcile:
  stability_seconds: 20
  allowed_extensions: [".epub"]
clients:
  - id: qbit
    type: qBittorrent
    host: localhost
    port: 8081
    path_mappings:
      - remote: /downloads
        local: /mnt/seedbox
  - id: sab
    type: sabnzbd
    enabled: false
    api_key: secret
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DLSYNC_RECONCILE_OUTPUT_PATH=/library\n"), 0o644))
	t.Setenv("DLSYNC_SERVER_PORT", "7070")
	t.Cleanup(func() { os.Unsetenv("DLSYNC_RECONCILE_OUTPUT_PATH") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "env beats file")
	assert.Equal(t, 20, cfg.Reconcile.StabilitySeconds)
	assert.Equal(t, []string{".epub"}, cfg.Reconcile.AllowedExtensions)
	assert.Equal(t, "/library", cfg.Reconcile.OutputPath, ".env is loaded")

	require.Len(t, cfg.Clients, 2)
	qbit := cfg.Clients[0].ClientConfig()
	assert.Equal(t, types.ClientTypeQBittorrent, qbit.Type)
	assert.True(t, qbit.Enabled)
	assert.Equal(t, "qbit", qbit.Name)
	require.Len(t, cfg.Clients[0].PathMappings, 1)
	assert.Equal(t, "/mnt/seedbox", cfg.Clients[0].PathMappings[0].Local)

	sab := cfg.Clients[1].ClientConfig()
	assert.False(t, sab.Enabled)
	assert.Equal(t, "secret", sab.APIKey)
}

func TestSample_LoadsBack(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := Sample()
	require.NoError(t, err)
	assert.Contains(t, string(out), "stability_seconds: 10")

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "qbittorrent", cfg.Clients[0].ID)
	assert.Equal(t, 300, cfg.Reconcile.PurgeGraceSeconds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero interval", func(c *Config) { c.Reconcile.IntervalSeconds = 0 }, true},
		{"negative retries", func(c *Config) { c.Reconcile.MissingSourceMaxRetries = -1 }, true},
		{"client without id", func(c *Config) { c.Clients = []ClientSeed{{Type: "nzbget"}} }, true},
		{"client without type", func(c *Config) { c.Clients = []ClientSeed{{ID: "x"}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
