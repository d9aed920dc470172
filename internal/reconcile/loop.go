// Package reconcile drives the poll cycle that converges downloads with client state.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slipstream/dlsync/internal/broadcast"
	"github.com/slipstream/dlsync/internal/completion"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/finalize"
	"github.com/slipstream/dlsync/internal/matcher"
	"github.com/slipstream/dlsync/internal/metrics"
	"github.com/slipstream/dlsync/internal/queue"
)

const (
	DefaultInterval = 10 * time.Second

	// cycleTimeout bounds one cycle. Stop does not cancel a cycle in flight.
	cycleTimeout = 2 * time.Minute
)

// ClientLister lists enabled client configurations.
type ClientLister interface {
	ListEnabledClientConfigs(ctx context.Context) ([]*types.ClientConfig, error)
}

// Store reads and writes downloads.
type Store interface {
	ListDownloads(ctx context.Context, f downloads.Filter) ([]*downloads.Download, error)
	UpsertDownload(ctx context.Context, d *downloads.Download) error
}

// Poller queries clients.
type Poller interface {
	Poll(ctx context.Context, cfg *types.ClientConfig) ([]types.QueueItem, error)
	History(ctx context.Context, cfg *types.ClientConfig) ([]types.HistoryItem, bool, error)
}

// Finalizer hands confirmed downloads to post-processing.
type Finalizer interface {
	Finalize(ctx context.Context, d *downloads.Download, client *types.ClientConfig, clientPath string) (finalize.Result, error)
}

// Purger deletes orphaned downloads after a successful poll.
type Purger interface {
	Check(ctx context.Context, poll queue.Poll) []string
}

// Publisher emits per-cycle change events.
type Publisher interface {
	Publish(current []*downloads.Download) []*downloads.Download
}

// HealthReporter records client reachability.
type HealthReporter interface {
	ClientOK(cfg *types.ClientConfig)
	ClientFailed(cfg *types.ClientConfig, err error)
}

// Deps are the collaborators of a Loop. Purger, Publisher and Health may be nil.
type Deps struct {
	Clients   ClientLister
	Store     Store
	Poller    Poller
	Detector  *completion.Detector
	Finalizer Finalizer
	Purger    Purger
	Publisher Publisher
	Health    HealthReporter
}

// Loop polls every client with active downloads on a fixed interval.
type Loop struct {
	deps     Deps
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	triggerCh chan struct{}

	// cycleMu serializes cycles between the ticker and RunCycle callers.
	cycleMu sync.Mutex
}

// New creates a loop. A non-positive interval uses DefaultInterval.
func New(deps Deps, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		deps:     deps,
		interval: interval,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
}

// Start begins the periodic cycle.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.stoppedCh = make(chan struct{})
	l.triggerCh = make(chan struct{}, 1)
	l.mu.Unlock()

	go l.run()
	l.logger.Info().Dur("interval", l.interval).Msg("Reconcile loop started")
}

// Stop stops scheduling cycles and waits for the one in flight to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	<-l.stoppedCh
	l.logger.Info().Msg("Reconcile loop stopped")
}

// Trigger requests an immediate cycle.
func (l *Loop) Trigger() {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return
	}

	// Non-blocking send - if channel is full, a trigger is already pending
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.triggerCh:
			l.runDetached()
		case <-ticker.C:
			l.runDetached()
		}
	}
}

// runDetached runs a cycle on a context that shutdown does not cancel.
func (l *Loop) runDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	if err := l.RunCycle(ctx); err != nil {
		l.logger.Error().Err(err).Msg("Reconcile cycle failed")
	}
}

// RunCycle performs one full reconciliation pass.
func (l *Loop) RunCycle(ctx context.Context) error {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	active, err := l.deps.Store.ListDownloads(ctx, downloads.Filter{Statuses: downloads.ActiveStatuses})
	if err != nil {
		return err
	}

	if len(active) > 0 {
		configs, err := l.deps.Clients.ListEnabledClientConfigs(ctx)
		if err != nil {
			return err
		}

		byClient := make(map[string][]*downloads.Download)
		for _, d := range active {
			byClient[d.DownloadClientID] = append(byClient[d.DownloadClientID], d)
		}

		var g errgroup.Group
		polled := 0
		for _, cfg := range configs {
			tracked := byClient[cfg.ID]
			if len(tracked) == 0 {
				continue
			}
			polled++
			cfg := cfg
			g.Go(func() error {
				l.pollClient(ctx, cfg, tracked)
				return nil
			})
		}
		_ = g.Wait()

		l.logger.Debug().Int("active", len(active)).Int("clients", polled).Dur("elapsed", time.Since(start)).
			Msg("Reconcile cycle complete")
	}

	if l.deps.Publisher != nil {
		recent, err := l.deps.Store.ListDownloads(ctx, downloads.Filter{})
		if err != nil {
			return err
		}
		if len(recent) > broadcast.ListLimit {
			recent = recent[:broadcast.ListLimit]
		}
		l.deps.Publisher.Publish(recent)
	}
	return nil
}

func (l *Loop) pollClient(ctx context.Context, cfg *types.ClientConfig, tracked []*downloads.Download) {
	log := l.logger.With().Str("clientId", cfg.ID).Str("clientType", string(cfg.Type)).Logger()

	items, err := l.deps.Poller.Poll(ctx, cfg)
	if err != nil {
		// An unreachable client says nothing about its downloads, so nothing is purged.
		if l.deps.Health != nil {
			l.deps.Health.ClientFailed(cfg, err)
		}
		return
	}
	if l.deps.Health != nil {
		l.deps.Health.ClientOK(cfg)
	}

	history, supported, historyErr := l.deps.Poller.History(ctx, cfg)
	if historyErr != nil {
		log.Warn().Err(historyErr).Msg("Failed to fetch client history")
	} else if supported {
		items = mergeHistory(items, history)
	}

	pairs := matcher.Assign(tracked, items)
	matched := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		matched[p.Download.ID] = true
	}

	// A candidate only survives while every poll sees the item complete.
	for _, d := range tracked {
		if !matched[d.ID] && (d.Status == downloads.StatusQueued || d.Status == downloads.StatusDownloading) {
			l.deps.Detector.Retract(d.ID)
		}
	}

	for _, p := range pairs {
		if ctx.Err() != nil {
			return
		}
		l.reconcile(ctx, cfg, p.Download, p.Item, log)
	}

	if l.deps.Purger != nil {
		l.deps.Purger.Check(ctx, queue.Poll{
			Client:           cfg,
			Tracked:          tracked,
			Matched:          matched,
			HistorySupported: supported,
			History:          history,
			HistoryErr:       historyErr,
		})
	}
}

// mergeHistory appends history entries for jobs that already left the queue.
func mergeHistory(items []types.QueueItem, history []types.HistoryItem) []types.QueueItem {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it.ID] = struct{}{}
	}
	for i := range history {
		if _, ok := seen[history[i].ID]; ok {
			continue
		}
		items = append(items, history[i].ToQueueItem())
	}
	return items
}

func (l *Loop) reconcile(ctx context.Context, cfg *types.ClientConfig, d *downloads.Download, item *types.QueueItem, log zerolog.Logger) {
	log = log.With().Str("downloadId", d.ID).Logger()

	if applyItem(d, item) {
		if err := l.deps.Store.UpsertDownload(ctx, d); err != nil {
			log.Error().Err(err).Msg("Failed to update download")
			return
		}
	}

	if d.Status != downloads.StatusQueued && d.Status != downloads.StatusDownloading {
		if d.Status == downloads.StatusFailed {
			l.deps.Detector.Retract(d.ID)
		}
		return
	}

	outcome := l.deps.Detector.Observe(d.ID, item.IsComplete())
	if outcome != completion.Confirmed {
		return
	}
	metrics.CompletionConfirmed.Inc()

	clientPath := item.Path()
	if clientPath == "" {
		clientPath, _ = d.MetadataValue(types.MetadataContentPath)
	}
	res, err := l.deps.Finalizer.Finalize(ctx, d, cfg, clientPath)
	if err != nil {
		log.Error().Err(err).Msg("Finalization failed")
		return
	}
	log.Debug().Str("result", res.String()).Msg("Finalization attempted")
}

// applyItem copies client-reported progress onto the download. It reports whether anything changed.
func applyItem(d *downloads.Download, item *types.QueueItem) bool {
	before := *d
	contentBefore, _ := d.MetadataValue(types.MetadataContentPath)

	progress := item.Progress
	if progress > 100 {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	d.Progress = progress
	if item.Size > 0 {
		d.TotalSize = item.Size
	}
	if item.Downloaded > 0 || item.Size > 0 {
		d.DownloadedSize = item.Downloaded
	}
	if p := item.Path(); p != "" && p != contentBefore {
		d.SetMetadata(types.MetadataContentPath, p)
	}

	if d.Status == downloads.StatusQueued || d.Status == downloads.StatusDownloading {
		switch item.Status {
		case types.StatusDownloading, types.StatusSeeding, types.StatusCompleted:
			d.Status = downloads.StatusDownloading
		case types.StatusFailed:
			d.Status = downloads.StatusFailed
			d.ErrorMessage = item.Error
			if d.ErrorMessage == "" {
				d.ErrorMessage = "download failed in client (" + item.State + ")"
			}
		}
	}

	contentAfter, _ := d.MetadataValue(types.MetadataContentPath)
	return before.Progress != d.Progress ||
		before.TotalSize != d.TotalSize ||
		before.DownloadedSize != d.DownloadedSize ||
		before.Status != d.Status ||
		before.ErrorMessage != d.ErrorMessage ||
		contentBefore != contentAfter
}
