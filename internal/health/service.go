// Package health tracks the reachability of download clients and import failures.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// EventHealthUpdated is broadcast whenever an item's status changes.
const EventHealthUpdated = "health:updated"

// Broadcaster defines the interface for sending WebSocket messages.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Service manages the health state of all tracked items.
// All state is in-memory and resets on application restart.
type Service struct {
	items       map[Category]map[string]*Item
	mu          sync.RWMutex
	broadcaster Broadcaster
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService creates a new health service.
func NewService(logger zerolog.Logger) *Service {
	s := &Service{
		items:  make(map[Category]map[string]*Item),
		logger: logger.With().Str("component", "health").Logger(),
		now:    time.Now,
	}
	for _, cat := range AllCategories() {
		s.items[cat] = make(map[string]*Item)
	}
	return s
}

// SetBroadcaster sets the WebSocket broadcaster for real-time updates.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// ClientOK records a successful poll.
func (s *Service) ClientOK(cfg *types.ClientConfig) {
	s.set(CategoryDownloadClients, cfg.ID, cfg.Name, StatusOK, "")
}

// ClientFailed records a failed poll.
func (s *Service) ClientFailed(cfg *types.ClientConfig, err error) {
	s.set(CategoryDownloadClients, cfg.ID, cfg.Name, StatusError, err.Error())
}

// SetImportError marks a download's import as failed.
func (s *Service) SetImportError(downloadID, title, message string) {
	s.set(CategoryImport, downloadID, title, StatusError, message)
}

// Unregister removes an item from health tracking.
func (s *Service) Unregister(category Category, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[category], id)
}

func (s *Service) set(category Category, id, name string, status Status, message string) {
	s.mu.Lock()

	item, exists := s.items[category][id]
	if !exists {
		item = &Item{ID: id, Category: category, Name: name, Status: StatusOK}
		s.items[category][id] = item
	}
	if exists && item.Status == status && item.Message == message {
		s.mu.Unlock()
		return
	}

	oldStatus := item.Status
	item.Name = name
	item.Status = status
	item.Message = message
	if status != StatusOK {
		now := s.now()
		item.Timestamp = &now
	} else {
		item.Timestamp = nil
	}
	snapshot := *item
	s.mu.Unlock()

	if exists || status != StatusOK {
		s.logger.Info().
			Str("category", string(category)).
			Str("id", id).
			Str("name", name).
			Str("oldStatus", string(oldStatus)).
			Str("newStatus", string(status)).
			Str("message", message).
			Msg("Health status changed")
	}
	s.broadcastUpdate(snapshot)
}

// GetAll returns all health items grouped by category.
func (s *Service) GetAll() *Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &Response{
		DownloadClients: s.itemsToSlice(CategoryDownloadClients),
		Import:          s.itemsToSlice(CategoryImport),
	}
	for _, items := range [][]Item{resp.DownloadClients, resp.Import} {
		for _, item := range items {
			if item.Status != StatusOK {
				resp.HasIssues = true
			}
		}
	}
	return resp
}

// GetItem returns a single item by category and ID.
func (s *Service) GetItem(category Category, id string) *Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item, exists := s.items[category][id]; exists {
		cp := *item
		return &cp
	}
	return nil
}

// IsHealthy returns true if the specified item is OK or unknown.
func (s *Service) IsHealthy(category Category, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item, exists := s.items[category][id]; exists {
		return item.Status == StatusOK
	}
	return true
}

func (s *Service) itemsToSlice(category Category) []Item {
	items := make([]Item, 0, len(s.items[category]))
	for _, item := range s.items[category] {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (s *Service) broadcastUpdate(item Item) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(EventHealthUpdated, item); err != nil {
		s.logger.Error().Err(err).Msg("Failed to broadcast health update")
	}
}
