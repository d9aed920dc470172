package startup

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// ConnectFunc checks that a client answers with valid credentials.
type ConnectFunc func(ctx context.Context, cfg *types.ClientConfig) error

// HealthRecorder records client reachability.
type HealthRecorder interface {
	ClientOK(cfg *types.ClientConfig)
	ClientFailed(cfg *types.ClientConfig, err error)
}

// ProbeClients checks every enabled client concurrently, retrying network errors.
// It never fails startup and returns the number of reachable clients.
func ProbeClients(ctx context.Context, clients []*types.ClientConfig, connect ConnectFunc, health HealthRecorder, cfg RetryConfig, logger zerolog.Logger) int {
	var (
		g         errgroup.Group
		reachable atomic.Int32
	)
	for _, client := range clients {
		if !client.Enabled {
			continue
		}
		client := client
		g.Go(func() error {
			log := logger.With().Str("clientId", client.ID).Str("clientType", string(client.Type)).Logger()
			err := WithRetry(ctx, "probe "+client.Name, cfg, func(ctx context.Context) error {
				return connect(ctx, client)
			}, log)
			if err != nil {
				log.Warn().Err(err).Msg("Download client unreachable at startup")
				if health != nil {
					health.ClientFailed(client, err)
				}
				return nil
			}
			reachable.Add(1)
			if health != nil {
				health.ClientOK(client)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(reachable.Load())
}
