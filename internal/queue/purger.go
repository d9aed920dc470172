package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/matcher"
	"github.com/slipstream/dlsync/internal/metrics"
)

// DefaultGracePeriod is how long a download must stay unmatched in a client
// without history before it is purged.
const DefaultGracePeriod = 5 * time.Minute

// DownloadDeleter removes download records.
type DownloadDeleter interface {
	DeleteDownload(ctx context.Context, id string) error
}

// Forgetter drops in-memory state held for a download.
type Forgetter interface {
	Forget(downloadID string)
}

// RemovalNotifier announces deleted downloads.
type RemovalNotifier interface {
	Removed(downloadID string)
}

// Poll is the outcome of one client poll, as seen by the purger.
type Poll struct {
	Client *types.ClientConfig

	// Tracked are the client's active downloads; Matched holds the ids found in its queue.
	Tracked []*downloads.Download
	Matched map[string]bool

	// HistorySupported reports whether the client has a history endpoint.
	HistorySupported bool
	History          []types.HistoryItem
	HistoryErr       error
}

// Purger deletes downloads no longer backed by any client item.
type Purger struct {
	store     DownloadDeleter
	notifier  RemovalNotifier
	forgetter []Forgetter
	grace     time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	unmatched map[string]map[string]time.Time // clientID -> downloadID -> first unmatched
}

// NewPurger creates a purger. notifier may be nil.
func NewPurger(store DownloadDeleter, notifier RemovalNotifier, grace time.Duration, logger zerolog.Logger, forget ...Forgetter) *Purger {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Purger{
		store:     store,
		notifier:  notifier,
		forgetter: forget,
		grace:     grace,
		logger:    logger.With().Str("component", "purger").Logger(),
		now:       time.Now,
		unmatched: make(map[string]map[string]time.Time),
	}
}

// Check evaluates one successful client poll and deletes orphans. It returns the purged ids.
func (p *Purger) Check(ctx context.Context, poll Poll) []string {
	clientID := poll.Client.ID
	log := p.logger.With().Str("clientId", clientID).Str("clientType", string(poll.Client.Type)).Logger()
	now := p.now()

	p.mu.Lock()
	since, ok := p.unmatched[clientID]
	if !ok {
		since = make(map[string]time.Time)
		p.unmatched[clientID] = since
	}
	tracked := make(map[string]struct{}, len(poll.Tracked))
	var candidates []*downloads.Download
	for _, d := range poll.Tracked {
		tracked[d.ID] = struct{}{}
		if poll.Matched[d.ID] {
			delete(since, d.ID)
			continue
		}
		candidates = append(candidates, d)
	}
	for id := range since {
		if _, ok := tracked[id]; !ok {
			delete(since, id)
		}
	}

	var doomed []*downloads.Download
	for _, d := range candidates {
		first, seen := since[d.ID]
		if !seen {
			since[d.ID] = now
			first = now
		}

		if d.Status == downloads.StatusProcessing {
			metrics.PurgeSkipped.WithLabelValues("processing").Inc()
			continue
		}

		if poll.HistorySupported {
			if poll.HistoryErr != nil {
				metrics.PurgeSkipped.WithLabelValues("history_error").Inc()
				continue
			}
			if matcher.MatchHistory(d, poll.History) {
				metrics.PurgeSkipped.WithLabelValues("history_match").Inc()
				continue
			}
			if !seen {
				metrics.PurgeSkipped.WithLabelValues("grace_period").Inc()
				continue
			}
		} else if now.Sub(first) < p.grace {
			metrics.PurgeSkipped.WithLabelValues("grace_period").Inc()
			continue
		}
		doomed = append(doomed, d)
	}
	p.mu.Unlock()

	if poll.HistorySupported && poll.HistoryErr != nil && len(candidates) > 0 {
		log.Warn().Err(poll.HistoryErr).Int("candidates", len(candidates)).Msg("History unavailable, skipping purge")
	}

	var purged []string
	for _, d := range doomed {
		if err := p.store.DeleteDownload(ctx, d.ID); err != nil {
			log.Error().Err(err).Str("downloadId", d.ID).Msg("Failed to purge orphaned download")
			continue
		}
		p.forget(clientID, d.ID)
		metrics.OrphansPurged.WithLabelValues(string(poll.Client.Type)).Inc()
		log.Info().Str("downloadId", d.ID).Str("title", d.Title).Msg("Purged download no longer present in client")
		purged = append(purged, d.ID)
	}
	return purged
}

// Forget drops the unmatched bookkeeping for a download deleted elsewhere.
func (p *Purger) Forget(downloadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seen := range p.unmatched {
		delete(seen, downloadID)
	}
}

func (p *Purger) forget(clientID, downloadID string) {
	p.mu.Lock()
	delete(p.unmatched[clientID], downloadID)
	p.mu.Unlock()

	for _, f := range p.forgetter {
		f.Forget(downloadID)
	}
	if p.notifier != nil {
		p.notifier.Removed(downloadID)
	}
}
