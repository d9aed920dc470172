// Package types defines shared types for download client adapters.
package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for download clients.
var (
	ErrNotConnected      = errors.New("client not connected")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrNotFound          = errors.New("download not found")
	ErrUnsupportedClient = errors.New("unsupported client type")
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// ClientType represents the type of download client.
type ClientType string

const (
	ClientTypeQBittorrent  ClientType = "qbittorrent"
	ClientTypeTransmission ClientType = "transmission"
	ClientTypeSABnzbd      ClientType = "sabnzbd"
	ClientTypeNZBGet       ClientType = "nzbget"
)

// ProtocolForClient returns the protocol for a given client type.
func ProtocolForClient(clientType ClientType) Protocol {
	switch clientType {
	case ClientTypeQBittorrent, ClientTypeTransmission:
		return ProtocolTorrent
	case ClientTypeSABnzbd, ClientTypeNZBGet:
		return ProtocolUsenet
	default:
		return ""
	}
}

// Metadata keys under which adapters' correlation ids are stored on a download.
const (
	MetadataTorrentHash = "TorrentHash"
	MetadataNzoID       = "NzoId"
	MetadataNzbID       = "NzbId"
	MetadataContentPath = "ContentPath"
)

// CorrelationKeys lists every metadata key that can hold a client-native id.
var CorrelationKeys = []string{MetadataTorrentHash, MetadataNzoID, MetadataNzbID}

// CorrelationKey returns the metadata key used to store the id returned by Add.
func CorrelationKey(clientType ClientType) string {
	switch clientType {
	case ClientTypeSABnzbd:
		return MetadataNzoID
	case ClientTypeNZBGet:
		return MetadataNzbID
	default:
		return MetadataTorrentHash
	}
}

// ClientConfig holds the configuration of one download client instance.
type ClientConfig struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         ClientType `json:"type"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"-"`
	UseSSL       bool       `json:"useSsl"`
	URLBase      string     `json:"urlBase,omitempty"`
	APIKey       string     `json:"-"`
	Category     string     `json:"category,omitempty"`
	Tags         string     `json:"tags,omitempty"`
	Enabled      bool       `json:"enabled"`
	DownloadPath string     `json:"downloadPath,omitempty"` // base directory as seen by this host

	// RemoveCompletedDownloads removes the transfer from the client once its files are imported.
	RemoveCompletedDownloads bool `json:"removeCompletedDownloads"`
}

// BaseURL returns scheme://host:port followed by the normalized URL base.
func (c *ClientConfig) BaseURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	base := strings.Trim(c.URLBase, "/")
	if base != "" {
		base = "/" + base
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, base)
}

// Fingerprint identifies the connection-relevant settings of a config.
// Adapters cached under an older fingerprint are rebuilt.
func (c *ClientConfig) Fingerprint() string {
	return strings.Join([]string{
		string(c.Type), c.Host, fmt.Sprint(c.Port), c.Username, c.Password,
		fmt.Sprint(c.UseSSL), c.URLBase, c.APIKey, c.Category, c.Tags,
	}, "|")
}

// Status is the shared status vocabulary every adapter maps into.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusSeeding     Status = "seeding"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusUnknown     Status = "unknown"
)

// QueueItem is one job or torrent as reported by a client during a single poll.
type QueueItem struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	State         string    `json:"state"` // client-native state string
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"` // 0-100
	Size          int64     `json:"size"`
	Downloaded    int64     `json:"downloaded"`
	Remaining     int64     `json:"remaining"` // -1 when the client does not report it
	DownloadSpeed int64     `json:"downloadSpeed"`
	ETA           *int64    `json:"eta,omitempty"` // seconds, nil when unknown
	SavePath      string    `json:"savePath,omitempty"`
	ContentPath   string    `json:"contentPath,omitempty"`
	Seeders       int       `json:"seeders"`
	Leechers      int       `json:"leechers"`
	Ratio         float64   `json:"ratio"`
	AddedAt       time.Time `json:"addedAt,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// IsComplete reports whether the client considers the transfer finished.
// Torrent clients never report completion natively, so it is derived from
// progress and an upload state, or from zero bytes remaining.
func (i *QueueItem) IsComplete() bool {
	if i.Status == StatusCompleted {
		return true
	}
	if i.Progress >= 100 && (i.Status == StatusSeeding || i.Status == StatusPaused) {
		return true
	}
	return i.Remaining == 0 && i.Size > 0
}

// Path returns the most specific path the client reported for the item.
func (i *QueueItem) Path() string {
	if i.ContentPath != "" {
		return i.ContentPath
	}
	return i.SavePath
}

// HistoryItem is a finished job reported by a client's history endpoint.
type HistoryItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	Path        string    `json:"path,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Succeeded reports whether the history entry finished successfully.
func (h *HistoryItem) Succeeded() bool {
	switch strings.ToLower(h.Status) {
	case "completed", "success":
		return true
	}
	return false
}

// ToQueueItem presents a successful history entry as a completed queue item,
// since usenet clients drop finished jobs from the queue.
func (h *HistoryItem) ToQueueItem() QueueItem {
	status := StatusCompleted
	progress := 100.0
	if !h.Succeeded() {
		status = StatusFailed
		progress = 0
	}
	return QueueItem{
		ID:          h.ID,
		Title:       h.Title,
		State:       h.Status,
		Status:      status,
		Progress:    progress,
		Remaining:   -1,
		ContentPath: h.Path,
		AddedAt:     h.CompletedAt,
	}
}

// AddRequest describes a transfer to submit to a client.
type AddRequest struct {
	URL         string // magnet link, torrent URL or NZB URL
	FileContent []byte // raw torrent or NZB file
	FileName    string
	Title       string
	Category    string
	Tags        string
	SavePath    string
	Priority    string // force, high, normal, low
	Paused      bool
}

// Adapter translates one client family's protocol into the shared queue model.
type Adapter interface {
	Type() ClientType
	Protocol() Protocol

	Test(ctx context.Context) error
	Add(ctx context.Context, req *AddRequest) (string, error)
	Remove(ctx context.Context, id string, deleteData bool) error
	Query(ctx context.Context) ([]QueueItem, error)
}

// HistoryProvider is implemented by adapters whose client keeps a history of finished jobs.
type HistoryProvider interface {
	History(ctx context.Context, limit int) ([]HistoryItem, error)
}

// ETAPtr returns a pointer to an ETA value, or nil when the value means unknown.
func ETAPtr(seconds, unknownAbove int64) *int64 {
	if seconds < 0 || (unknownAbove > 0 && seconds >= unknownAbove) {
		return nil
	}
	return &seconds
}
