package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/slipstream/dlsync/internal/metrics"
)

// HistoryLimit is how many finished jobs are requested from a client's history.
const HistoryLimit = 100

// TestResult represents the result of testing a download client connection.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BreakerConfig tunes the per-client circuit breaker around queue polls.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig trips after three consecutive failed polls and probes again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute}
}

type cachedAdapter struct {
	fingerprint string
	adapter     Adapter
	breaker     *gobreaker.CircuitBreaker[[]QueueItem]
}

// Service provides download client operations on top of the adapter registry.
type Service struct {
	registry *Registry
	breaker  BreakerConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	adapters map[string]*cachedAdapter
}

// NewService creates a new download client service.
func NewService(registry *Registry, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		breaker:  DefaultBreakerConfig(),
		logger:   logger.With().Str("component", "downloader").Logger(),
		adapters: make(map[string]*cachedAdapter),
	}
}

// SetBreakerConfig replaces the breaker settings used for adapters built from now on.
func (s *Service) SetBreakerConfig(cfg BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = cfg
}

// Supports reports whether the client type has an adapter.
func (s *Service) Supports(clientType ClientType) bool {
	return s.registry.Supports(clientType)
}

// Adapter returns the cached adapter for the client, rebuilding it when the config changed.
func (s *Service) Adapter(cfg *ClientConfig) (Adapter, error) {
	entry, err := s.entry(cfg)
	if err != nil {
		return nil, err
	}
	return entry.adapter, nil
}

func (s *Service) entry(cfg *ClientConfig) (*cachedAdapter, error) {
	fp := cfg.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.adapters[cfg.ID]; ok && entry.fingerprint == fp {
		return entry, nil
	}

	adapter, err := s.registry.New(cfg)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ID
	threshold := s.breaker.FailureThreshold
	settings := gobreaker.Settings{
		Name:        clientID,
		MaxRequests: 1,
		Timeout:     s.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info().Str("clientId", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Download client breaker changed state")
		},
	}

	entry := &cachedAdapter{
		fingerprint: fp,
		adapter:     adapter,
		breaker:     gobreaker.NewCircuitBreaker[[]QueueItem](settings),
	}
	s.adapters[clientID] = entry
	return entry, nil
}

// Forget drops the cached adapter for a client.
func (s *Service) Forget(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adapters, clientID)
}

// Poll queries a client's queue through its circuit breaker.
// Failures are logged and counted; the error is returned so callers can tell
// an empty queue from an unreachable client.
func (s *Service) Poll(ctx context.Context, cfg *ClientConfig) ([]QueueItem, error) {
	entry, err := s.entry(cfg)
	if err != nil {
		s.logger.Warn().Err(err).Str("clientId", cfg.ID).Str("clientType", string(cfg.Type)).Msg("No adapter for download client")
		return nil, err
	}

	items, err := entry.breaker.Execute(func() ([]QueueItem, error) {
		return entry.adapter.Query(ctx)
	})
	if err != nil {
		metrics.ClientPollFailures.WithLabelValues(string(cfg.Type)).Inc()
		event := s.logger.Warn()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			event = s.logger.Debug()
		}
		event.Err(err).Str("clientId", cfg.ID).Str("clientType", string(cfg.Type)).Msg("Failed to query download client")
		return nil, fmt.Errorf("failed to query %s: %w", cfg.Name, err)
	}
	return items, nil
}

// Query returns the client's queue, or an empty result if the client cannot be reached.
func (s *Service) Query(ctx context.Context, cfg *ClientConfig) []QueueItem {
	items, err := s.Poll(ctx, cfg)
	if err != nil {
		return []QueueItem{}
	}
	return items
}

// History returns the client's finished jobs. supported is false for clients without a history endpoint.
func (s *Service) History(ctx context.Context, cfg *ClientConfig) (items []HistoryItem, supported bool, err error) {
	adapter, err := s.Adapter(cfg)
	if err != nil {
		return nil, false, err
	}
	hp, ok := adapter.(HistoryProvider)
	if !ok {
		return nil, false, nil
	}
	items, err = hp.History(ctx, HistoryLimit)
	if err != nil {
		return nil, true, fmt.Errorf("failed to get history from %s: %w", cfg.Name, err)
	}
	return items, true, nil
}

// Add submits a transfer and returns the client's correlation id, which may be empty.
func (s *Service) Add(ctx context.Context, cfg *ClientConfig, req *AddRequest) (string, error) {
	adapter, err := s.Adapter(cfg)
	if err != nil {
		return "", err
	}
	if req.Category == "" {
		req.Category = cfg.Category
	}
	if req.Tags == "" {
		req.Tags = cfg.Tags
	}

	id, err := adapter.Add(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to add to %s: %w", cfg.Name, err)
	}

	s.logger.Info().Str("clientId", cfg.ID).Str("title", req.Title).Str("externalId", id).Msg("Added download to client")
	return id, nil
}

// Remove deletes a transfer from the client.
func (s *Service) Remove(ctx context.Context, cfg *ClientConfig, id string, deleteData bool) error {
	adapter, err := s.Adapter(cfg)
	if err != nil {
		return err
	}
	if err := adapter.Remove(ctx, id, deleteData); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", cfg.Name, err)
	}
	return nil
}

// TestConnection checks connectivity and credentials without going through the breaker.
func (s *Service) TestConnection(ctx context.Context, cfg *ClientConfig) TestResult {
	adapter, err := s.registry.New(cfg)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("Unknown client type: %s", cfg.Type)}
	}
	if err := adapter.Test(ctx); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("Connection failed: %s", err.Error())}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("Successfully connected to %s", cfg.Type)}
}
