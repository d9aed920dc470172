// Package sabnzbd implements a SABnzbd API adapter.
package sabnzbd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// DefaultHistoryLimit bounds the history page fetched for purge checks.
const DefaultHistoryLimit = 100

const bytesPerMB = 1024 * 1024

// Client implements types.Adapter and types.HistoryProvider against the SABnzbd API.
type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
}

var (
	_ types.Adapter         = (*Client)(nil)
	_ types.HistoryProvider = (*Client)(nil)
)

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeSABnzbd
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

// Test verifies connectivity and the API key.
func (c *Client) Test(ctx context.Context) error {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, url.Values{"mode": {"version"}}, &resp); err != nil {
		return err
	}
	if resp.Version == "" {
		return fmt.Errorf("empty version response")
	}
	// mode=version does not require a key; the queue call does.
	return c.get(ctx, url.Values{"mode": {"queue"}, "limit": {"1"}}, &queueResponse{})
}

type queueResponse struct {
	Queue struct {
		Slots []queueSlot `json:"slots"`
	} `json:"queue"`
}

type queueSlot struct {
	NzoID      string    `json:"nzo_id"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	MB         flexFloat `json:"mb"`
	MBLeft     flexFloat `json:"mbleft"`
	Percentage flexFloat `json:"percentage"`
	TimeLeft   string    `json:"timeleft"`
	Category   string    `json:"cat"`
	Storage    string    `json:"storage"`
}

// Query returns the current SABnzbd queue.
func (c *Client) Query(ctx context.Context) ([]types.QueueItem, error) {
	params := url.Values{"mode": {"queue"}}
	if c.config.Category != "" {
		params.Set("cat", c.config.Category)
	}

	var resp queueResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	items := make([]types.QueueItem, 0, len(resp.Queue.Slots))
	for i := range resp.Queue.Slots {
		items = append(items, c.toQueueItem(&resp.Queue.Slots[i]))
	}
	return items, nil
}

func (c *Client) toQueueItem(s *queueSlot) types.QueueItem {
	size := int64(float64(s.MB) * bytesPerMB)
	remaining := int64(float64(s.MBLeft) * bytesPerMB)

	item := types.QueueItem{
		ID:         s.NzoID,
		Title:      s.Filename,
		State:      s.Status,
		Status:     mapStatus(s.Status),
		Progress:   float64(s.Percentage),
		Size:       size,
		Downloaded: size - remaining,
		Remaining:  remaining,
		ETA:        parseTimeLeft(s.TimeLeft),
		SavePath:   s.Storage,
	}
	if item.SavePath == "" && c.config.DownloadPath != "" {
		item.SavePath = c.config.DownloadPath
	}
	if item.Status == types.StatusFailed {
		item.Error = s.Status
	}
	return item
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	Completed   int64  `json:"completed"`
	FailMessage string `json:"fail_message"`
}

// History returns up to limit recently finished jobs.
func (c *Client) History(ctx context.Context, limit int) ([]types.HistoryItem, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	params := url.Values{"mode": {"history"}, "limit": {strconv.Itoa(limit)}}
	if c.config.Category != "" {
		params.Set("category", c.config.Category)
	}

	var resp historyResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	items := make([]types.HistoryItem, 0, len(resp.History.Slots))
	for _, s := range resp.History.Slots {
		h := types.HistoryItem{
			ID:     s.NzoID,
			Title:  s.Name,
			Status: strings.ToLower(s.Status),
			Path:   s.Storage,
		}
		if s.Completed > 0 {
			h.CompletedAt = time.Unix(s.Completed, 0).UTC()
		}
		items = append(items, h)
	}
	return items, nil
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

// Add submits an NZB by URL or file content and returns the nzo_id.
func (c *Client) Add(ctx context.Context, req *types.AddRequest) (string, error) {
	category := req.Category
	if category == "" {
		category = c.config.Category
	}

	params := url.Values{
		"priority": {mapPriority(req.Priority)},
	}
	if category != "" {
		params.Set("cat", category)
	}
	if req.Title != "" {
		params.Set("nzbname", req.Title)
	}
	if req.Paused {
		params.Set("priority", "-2")
	}

	var resp addResponse
	switch {
	case req.URL != "":
		params.Set("mode", "addurl")
		params.Set("name", req.URL)
		if err := c.get(ctx, params, &resp); err != nil {
			return "", err
		}
	case len(req.FileContent) > 0:
		params.Set("mode", "addfile")
		if err := c.postFile(ctx, params, req, &resp); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	if !resp.Status || len(resp.NzoIDs) == 0 {
		if resp.Error != "" {
			return "", fmt.Errorf("sabnzbd rejected nzb: %s", resp.Error)
		}
		return "", fmt.Errorf("sabnzbd returned no nzo_id")
	}
	return resp.NzoIDs[0], nil
}

// Remove deletes a job from the queue, falling back to the history.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	delFiles := "0"
	if deleteData {
		delFiles = "1"
	}

	for _, mode := range []string{"queue", "history"} {
		var resp struct {
			Status bool `json:"status"`
		}
		params := url.Values{
			"mode":      {mode},
			"name":      {"delete"},
			"value":     {id},
			"del_files": {delFiles},
		}
		if err := c.get(ctx, params, &resp); err != nil {
			return err
		}
		if resp.Status {
			return nil
		}
	}
	return types.ErrNotFound
}

func (c *Client) endpoint(params url.Values) string {
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)
	return c.config.BaseURL() + "/api?" + params.Encode()
}

func (c *Client) get(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(params), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postFile(ctx context.Context, params url.Values, add *types.AddRequest, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := add.FileName
	if name == "" {
		name = "release.nzb"
	}
	part, err := w.CreateFormFile("name", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(add.FileContent); err != nil {
		return fmt.Errorf("failed to write nzb content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(params), &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var apiErr struct {
		Status *bool  `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Status != nil && !*apiErr.Status {
		if strings.Contains(strings.ToLower(apiErr.Error), "api key") {
			return types.ErrAuthFailed
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapStatus maps SABnzbd job states to the shared vocabulary.
func mapStatus(status string) types.Status {
	switch strings.ToLower(status) {
	case "downloading", "fetching", "grabbing", "checking", "extracting",
		"moving", "verifying", "repairing", "running":
		return types.StatusDownloading
	case "queued", "propagating":
		return types.StatusQueued
	case "paused":
		return types.StatusPaused
	case "completed":
		return types.StatusCompleted
	case "failed":
		return types.StatusFailed
	default:
		return types.StatusQueued
	}
}

func mapPriority(p string) string {
	switch strings.ToLower(p) {
	case "force":
		return "2"
	case "high":
		return "1"
	case "low":
		return "-1"
	default:
		return "0"
	}
}

// parseTimeLeft parses SABnzbd's "H:MM:SS" or "D:HH:MM:SS" time left.
func parseTimeLeft(s string) *int64 {
	if s == "" {
		return nil
	}
	units := []int64{1, 60, 60 * 60, 24 * 60 * 60}
	parts := strings.Split(s, ":")
	if len(parts) > len(units) {
		return nil
	}
	var total int64
	for i := range parts {
		n, err := strconv.ParseInt(parts[len(parts)-1-i], 10, 64)
		if err != nil {
			return nil
		}
		total += n * units[i]
	}
	return &total
}

// flexFloat decodes numbers SABnzbd sends either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
