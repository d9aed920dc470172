// Package tasks holds the scheduled jobs registered at startup.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// DefaultClientHealthInterval is how often idle clients are probed.
const DefaultClientHealthInterval = 15 * time.Minute

// ClientLister lists enabled clients.
type ClientLister interface {
	ListEnabledClientConfigs(ctx context.Context) ([]*types.ClientConfig, error)
}

// ActiveLister lists active downloads.
type ActiveLister interface {
	ListDownloads(ctx context.Context, f downloads.Filter) ([]*downloads.Download, error)
}

// ConnectionTester tests connectivity to a client.
type ConnectionTester interface {
	TestConnection(ctx context.Context, cfg *types.ClientConfig) downloader.TestResult
}

// HealthRecorder records client reachability.
type HealthRecorder interface {
	ClientOK(cfg *types.ClientConfig)
	ClientFailed(cfg *types.ClientConfig, err error)
}

// ClientHealthTask probes clients the reconcile loop is not already polling.
type ClientHealthTask struct {
	clients ClientLister
	active  ActiveLister
	tester  ConnectionTester
	health  HealthRecorder
	logger  zerolog.Logger
}

// NewClientHealthTask creates a client health task.
func NewClientHealthTask(clients ClientLister, active ActiveLister, tester ConnectionTester, health HealthRecorder, logger zerolog.Logger) *ClientHealthTask {
	return &ClientHealthTask{
		clients: clients,
		active:  active,
		tester:  tester,
		health:  health,
		logger:  logger.With().Str("task", "client-health").Logger(),
	}
}

// Run executes the health check.
func (t *ClientHealthTask) Run(ctx context.Context) error {
	clients, err := t.clients.ListEnabledClientConfigs(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list download clients")
		return err
	}
	if len(clients) == 0 {
		return nil
	}

	active, err := t.active.ListDownloads(ctx, downloads.Filter{Statuses: downloads.ActiveStatuses})
	if err != nil {
		return err
	}
	// Clients with active downloads are polled every cycle, which already reports health.
	busy := make(map[string]bool, len(active))
	for _, d := range active {
		busy[d.DownloadClientID] = true
	}

	checked, skipped := 0, 0
	for _, cfg := range clients {
		if busy[cfg.ID] {
			skipped++
			continue
		}
		result := t.tester.TestConnection(ctx, cfg)
		if result.Success {
			t.health.ClientOK(cfg)
		} else {
			t.health.ClientFailed(cfg, errors.New(result.Message))
			t.logger.Warn().Str("clientId", cfg.ID).Str("message", result.Message).Msg("Download client health check failed")
		}
		checked++
	}

	t.logger.Debug().Int("checked", checked).Int("skipped", skipped).Msg("Download client health check completed")
	return nil
}

// RegisterClientHealthTask registers the client health task with the scheduler.
func RegisterClientHealthTask(sched *scheduler.Scheduler, task *ClientHealthTask, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultClientHealthInterval
	}
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "client-health",
		Name:        "Download Client Health Check",
		Description: "Tests connectivity to idle download clients",
		Interval:    interval,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
