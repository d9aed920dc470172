// Package broadcast turns per-cycle download snapshots into change events.
package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/websocket"
)

const (
	DefaultFullListInterval = 30 * time.Second
	DefaultEchoWindow       = 2 * time.Second

	// ListLimit caps how many recent downloads are diffed and pushed each cycle.
	ListLimit = 100
)

// Pusher delivers events and knows which downloads were pushed by someone else.
type Pusher interface {
	Broadcast(msgType string, payload interface{}) error
	RecentlyPushed(downloadID string, window time.Duration) bool
}

type snapshot struct {
	status         downloads.Status
	progress       float64
	downloadedSize int64
	errorMessage   string
	completedAt    time.Time
}

func snapshotOf(d *downloads.Download) snapshot {
	return snapshot{
		status:         d.Status,
		progress:       d.Progress,
		downloadedSize: d.DownloadedSize,
		errorMessage:   d.ErrorMessage,
		completedAt:    d.CompletedAt,
	}
}

func (s snapshot) equal(o snapshot) bool {
	return s.status == o.status &&
		s.progress == o.progress &&
		s.downloadedSize == o.downloadedSize &&
		s.errorMessage == o.errorMessage &&
		s.completedAt.Equal(o.completedAt)
}

// Broadcaster keeps the last-seen state of each download and emits deltas.
type Broadcaster struct {
	pusher       Pusher
	fullInterval time.Duration
	echoWindow   time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	snapshots map[string]snapshot
	lastFull  time.Time
	forceFull bool
}

// New creates a broadcaster. Zero durations use the defaults.
func New(pusher Pusher, fullInterval, echoWindow time.Duration, logger zerolog.Logger) *Broadcaster {
	if fullInterval <= 0 {
		fullInterval = DefaultFullListInterval
	}
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	return &Broadcaster{
		pusher:       pusher,
		fullInterval: fullInterval,
		echoWindow:   echoWindow,
		logger:       logger.With().Str("component", "broadcaster").Logger(),
		now:          time.Now,
		snapshots:    make(map[string]snapshot),
	}
}

// RequestFullList makes the next Publish emit the full list.
func (b *Broadcaster) RequestFullList() {
	b.mu.Lock()
	b.forceFull = true
	b.mu.Unlock()
}

// Publish diffs current against the last snapshots and emits the delta set.
// It returns the downloads included in the delta.
func (b *Broadcaster) Publish(current []*downloads.Download) []*downloads.Download {
	b.mu.Lock()
	changed := make([]*downloads.Download, 0)
	seen := make(map[string]struct{}, len(current))
	for _, d := range current {
		seen[d.ID] = struct{}{}
		snap := snapshotOf(d)
		if prev, ok := b.snapshots[d.ID]; ok && prev.equal(snap) {
			continue
		}
		b.snapshots[d.ID] = snap
		if b.pusher.RecentlyPushed(d.ID, b.echoWindow) {
			continue
		}
		changed = append(changed, d)
	}
	for id := range b.snapshots {
		if _, ok := seen[id]; !ok {
			delete(b.snapshots, id)
		}
	}

	now := b.now()
	sendFull := b.forceFull || now.Sub(b.lastFull) >= b.fullInterval
	if sendFull {
		b.lastFull = now
		b.forceFull = false
	}
	b.mu.Unlock()

	if err := b.pusher.Broadcast(websocket.EventDownloadUpdate, changed); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to broadcast download updates")
	} else if len(changed) > 0 {
		b.logger.Debug().Int("count", len(changed)).Msg("Broadcast download updates")
	}

	if sendFull {
		if err := b.pusher.Broadcast(websocket.EventDownloadsList, current); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to broadcast downloads list")
		}
	}
	return changed
}

// Removed announces that a download record was deleted and drops its snapshot.
func (b *Broadcaster) Removed(downloadID string) {
	b.mu.Lock()
	delete(b.snapshots, downloadID)
	b.mu.Unlock()

	if err := b.pusher.Broadcast(websocket.EventDownloadRemoved, map[string]string{"downloadId": downloadID}); err != nil {
		b.logger.Warn().Err(err).Str("downloadId", downloadID).Msg("Failed to broadcast removal")
	}
}
