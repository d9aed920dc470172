// Package downloads owns the persisted record of intent for every transfer.
package downloads

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a download record does not exist.
var ErrNotFound = errors.New("download not found")

// Status is the internal lifecycle state of a Download.
type Status string

const (
	StatusQueued      Status = "Queued"
	StatusDownloading Status = "Downloading"
	StatusProcessing  Status = "Processing"
	StatusPaused      Status = "Paused"
	StatusCompleted   Status = "Completed"
	StatusMoved       Status = "Moved"
	StatusFailed      Status = "Failed"
)

// ActiveStatuses are the statuses the reconcile loop polls for.
var ActiveStatuses = []Status{StatusQueued, StatusDownloading, StatusProcessing}

// IsActive reports whether the status is still being reconciled.
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the download has left the client's hands for good.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusMoved || s == StatusFailed
}

// Download is the internally owned record of one transfer.
type Download struct {
	ID               string            `json:"id"`
	LibraryItemID    string            `json:"libraryItemId,omitempty"`
	Title            string            `json:"title"`
	Status           Status            `json:"status"`
	Progress         float64           `json:"progress"`
	TotalSize        int64             `json:"totalSize"`
	DownloadedSize   int64             `json:"downloadedSize"`
	DownloadClientID string            `json:"downloadClientId"`
	DownloadPath     string            `json:"downloadPath,omitempty"`
	FinalPath        string            `json:"finalPath,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	CompletedAt      time.Time         `json:"completedAt,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// MetadataValue looks up a metadata key case-insensitively.
func (d *Download) MetadataValue(key string) (string, bool) {
	if v, ok := d.Metadata[key]; ok {
		return v, true
	}
	for k, v := range d.Metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// SetMetadata stores a metadata value, allocating the map on first use.
func (d *Download) SetMetadata(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}

// Filter narrows ListDownloads. Empty fields match everything.
type Filter struct {
	Statuses []Status
	ClientID string
}
