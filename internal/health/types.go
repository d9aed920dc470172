package health

import (
	"time"

	json "github.com/goccy/go-json"
)

// Status represents the health state of an item.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Category groups health items.
type Category string

const (
	CategoryDownloadClients Category = "downloadClients"
	CategoryImport          Category = "import"
)

// AllCategories returns all health categories in display order.
func AllCategories() []Category {
	return []Category{CategoryDownloadClients, CategoryImport}
}

// Item represents a single health-tracked item.
type Item struct {
	ID        string     `json:"id"`
	Category  Category   `json:"category"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// MarshalJSON omits the message and timestamp for OK items.
func (h Item) MarshalJSON() ([]byte, error) {
	type Alias Item
	alias := Alias(h)
	if h.Status == StatusOK {
		alias.Timestamp = nil
		alias.Message = ""
	}
	return json.Marshal(alias)
}

// Response contains all health items grouped by category.
type Response struct {
	DownloadClients []Item `json:"downloadClients"`
	Import          []Item `json:"import"`
	HasIssues       bool   `json:"hasIssues"`
}
