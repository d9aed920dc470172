// Package queue merges client queues into one view and purges orphaned downloads.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/matcher"
)

// ClientLister lists enabled client configurations.
type ClientLister interface {
	ListEnabledClientConfigs(ctx context.Context) ([]*types.ClientConfig, error)
}

// DownloadLister lists tracked downloads.
type DownloadLister interface {
	ListDownloads(ctx context.Context, f downloads.Filter) ([]*downloads.Download, error)
}

// Querier fetches a client's queue, failing soft.
type Querier interface {
	Query(ctx context.Context, cfg *types.ClientConfig) []types.QueueItem
}

// Entry is one row of the merged queue.
type Entry struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Status        types.Status     `json:"status"`
	State         string           `json:"state,omitempty"`
	Progress      float64          `json:"progress"`
	Size          int64            `json:"size"`
	Downloaded    int64            `json:"downloaded"`
	DownloadSpeed int64            `json:"downloadSpeed"`
	ETA           *int64           `json:"eta,omitempty"`
	Path          string           `json:"path,omitempty"`
	Seeders       int              `json:"seeders"`
	Leechers      int              `json:"leechers"`
	Ratio         float64          `json:"ratio"`
	ClientID      string           `json:"clientId"`
	ClientName    string           `json:"clientName"`
	ClientType    types.ClientType `json:"clientType"`
	Protocol      types.Protocol   `json:"protocol"`
	AddedAt       time.Time        `json:"addedAt"`

	// Synthetic marks a completed entry not backed by a live matched client item.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Aggregator builds the merged queue on demand.
type Aggregator struct {
	clients       ClientLister
	downloads     DownloadLister
	querier       Querier
	showCompleted bool
	logger        zerolog.Logger
}

// NewAggregator creates an aggregator. showCompleted surfaces completed items
// that have no live match as synthetic entries.
func NewAggregator(clients ClientLister, dls DownloadLister, querier Querier, showCompleted bool, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		clients:       clients,
		downloads:     dls,
		querier:       querier,
		showCompleted: showCompleted,
		logger:        logger.With().Str("component", "queue").Logger(),
	}
}

// GetQueue returns every tracked download visible in an enabled client, newest first.
func (a *Aggregator) GetQueue(ctx context.Context) ([]Entry, error) {
	configs, err := a.clients.ListEnabledClientConfigs(ctx)
	if err != nil {
		return nil, err
	}
	all, err := a.downloads.ListDownloads(ctx, downloads.Filter{})
	if err != nil {
		return nil, err
	}

	byClient := make(map[string][]*downloads.Download)
	for _, d := range all {
		byClient[d.DownloadClientID] = append(byClient[d.DownloadClientID], d)
	}

	var (
		mu       sync.Mutex
		entries  []Entry
		external []Entry
		matched  = make(map[string]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		cfg := cfg
		tracked := byClient[cfg.ID]
		g.Go(func() error {
			items := a.querier.Query(gctx, cfg)
			used := make([]bool, len(items))

			var local, extra []Entry
			var hits []string
			for _, p := range matcher.Assign(tracked, items) {
				d := p.Download
				used[p.Index] = true
				hits = append(hits, d.ID)

				e := entryFrom(cfg, p.Item)
				e.ID = d.ID
				if e.AddedAt.IsZero() {
					e.AddedAt = d.StartedAt
				}
				local = append(local, e)
			}

			if a.showCompleted {
				for i := range items {
					if used[i] || !items[i].IsComplete() {
						continue
					}
					e := entryFrom(cfg, &items[i])
					e.Status = types.StatusCompleted
					e.Synthetic = true
					extra = append(extra, e)
				}
			}

			mu.Lock()
			entries = append(entries, local...)
			external = append(external, extra...)
			for _, id := range hits {
				matched[id] = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if a.showCompleted {
		names := make(map[string]*types.ClientConfig, len(configs))
		for _, cfg := range configs {
			names[cfg.ID] = cfg
		}
		for _, d := range all {
			if matched[d.ID] || !(d.Status == downloads.StatusCompleted || d.Status == downloads.StatusMoved) {
				continue
			}
			cfg, ok := names[d.DownloadClientID]
			if !ok {
				continue
			}
			external = append(external, syntheticFrom(cfg, d))
		}
		entries = appendDistinct(entries, external)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].AddedAt.After(entries[j].AddedAt)
	})

	a.logger.Debug().Int("clients", len(configs)).Int("entries", len(entries)).Msg("Built queue")
	return entries, nil
}

// appendDistinct adds synthetic entries whose titles are not already represented.
func appendDistinct(entries, extra []Entry) []Entry {
	for _, e := range extra {
		dup := false
		for _, existing := range entries {
			if existing.ID == e.ID || matcher.AreTitlesSimilarStrict(existing.Title, e.Title) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, e)
		}
	}
	return entries
}

func entryFrom(cfg *types.ClientConfig, item *types.QueueItem) Entry {
	return Entry{
		ID:            item.ID,
		Title:         item.Title,
		Status:        item.Status,
		State:         item.State,
		Progress:      item.Progress,
		Size:          item.Size,
		Downloaded:    item.Downloaded,
		DownloadSpeed: item.DownloadSpeed,
		ETA:           item.ETA,
		Path:          item.Path(),
		Seeders:       item.Seeders,
		Leechers:      item.Leechers,
		Ratio:         item.Ratio,
		ClientID:      cfg.ID,
		ClientName:    cfg.Name,
		ClientType:    cfg.Type,
		Protocol:      types.ProtocolForClient(cfg.Type),
		AddedAt:       item.AddedAt,
	}
}

func syntheticFrom(cfg *types.ClientConfig, d *downloads.Download) Entry {
	path := d.FinalPath
	if path == "" {
		path = d.DownloadPath
	}
	added := d.StartedAt
	if added.IsZero() {
		added = d.CompletedAt
	}
	return Entry{
		ID:         d.ID,
		Title:      d.Title,
		Status:     types.StatusCompleted,
		Progress:   100,
		Size:       d.TotalSize,
		Downloaded: d.DownloadedSize,
		Path:       path,
		ClientID:   cfg.ID,
		ClientName: cfg.Name,
		ClientType: cfg.Type,
		Protocol:   types.ProtocolForClient(cfg.Type),
		AddedAt:    added,
		Synthetic:  true,
	}
}
