// Package qbittorrent implements a qBittorrent Web API adapter.
package qbittorrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// etaInfinity is the value qBittorrent reports when it cannot estimate completion.
const etaInfinity = 8640000

var magnetHashRegex = regexp.MustCompile(`(?i)xt=urn:btih:([a-z0-9]+)`)

// Client implements types.Adapter against the qBittorrent Web API v2.
type Client struct {
	config     types.ClientConfig
	httpClient *http.Client

	mu       sync.Mutex
	loggedIn bool
}

var _ types.Adapter = (*Client)(nil)

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeQBittorrent
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection and credentials.
func (c *Client) Test(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/api/v2/app/version", nil, "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "" {
		return fmt.Errorf("empty version response")
	}
	return nil
}

// qbitTorrent is the subset of /torrents/info fields the adapter consumes.
type qbitTorrent struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	Size        int64   `json:"size"`
	Progress    float64 `json:"progress"`
	Downloaded  int64   `json:"downloaded"`
	Completed   int64   `json:"completed"`
	AmountLeft  *int64  `json:"amount_left"`
	DLSpeed     int64   `json:"dlspeed"`
	ETA         int64   `json:"eta"`
	State       string  `json:"state"`
	Category    string  `json:"category"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	NumSeeds    int     `json:"num_seeds"`
	NumLeechs   int     `json:"num_leechs"`
	Ratio       float64 `json:"ratio"`
	AddedOn     int64   `json:"added_on"`
}

// Query returns the torrents in the configured category.
func (c *Client) Query(ctx context.Context) ([]types.QueueItem, error) {
	torrents, err := c.listTorrents(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]types.QueueItem, 0, len(torrents))
	for i := range torrents {
		items = append(items, toQueueItem(&torrents[i]))
	}
	return items, nil
}

func (c *Client) listTorrents(ctx context.Context) ([]qbitTorrent, error) {
	path := "/api/v2/torrents/info"
	if c.config.Category != "" {
		path += "?category=" + url.QueryEscape(c.config.Category)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var torrents []qbitTorrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("failed to decode torrents: %w", err)
	}
	return torrents, nil
}

func toQueueItem(t *qbitTorrent) types.QueueItem {
	status := mapStatus(t.State)
	progress := t.Progress * 100

	remaining := int64(-1)
	if t.AmountLeft != nil {
		remaining = *t.AmountLeft
	}

	downloaded := t.Completed
	if downloaded == 0 {
		downloaded = t.Downloaded
	}

	item := types.QueueItem{
		ID:            strings.ToLower(t.Hash),
		Title:         t.Name,
		State:         t.State,
		Status:        status,
		Progress:      progress,
		Size:          t.Size,
		Downloaded:    downloaded,
		Remaining:     remaining,
		DownloadSpeed: t.DLSpeed,
		ETA:           types.ETAPtr(t.ETA, etaInfinity),
		SavePath:      t.SavePath,
		ContentPath:   t.ContentPath,
		Seeders:       t.NumSeeds,
		Leechers:      t.NumLeechs,
		Ratio:         t.Ratio,
	}
	if t.AddedOn > 0 {
		item.AddedAt = time.Unix(t.AddedOn, 0).UTC()
	}
	if progress >= 100 && isSeedState(t.State) {
		item.Status = types.StatusCompleted
	}
	if status == types.StatusFailed {
		item.Error = t.State
	}
	return item
}

// Add submits a magnet link, torrent URL or torrent file and returns its info-hash.
func (c *Client) Add(ctx context.Context, req *types.AddRequest) (string, error) {
	if req.URL == "" && len(req.FileContent) == 0 {
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	before, err := c.hashSet(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if req.URL != "" {
		_ = w.WriteField("urls", req.URL)
	} else {
		name := req.FileName
		if name == "" {
			name = "release.torrent"
		}
		part, err := w.CreateFormFile("torrents", name)
		if err != nil {
			return "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(req.FileContent); err != nil {
			return "", fmt.Errorf("failed to write torrent content: %w", err)
		}
	}

	category := req.Category
	if category == "" {
		category = c.config.Category
	}
	tags := req.Tags
	if tags == "" {
		tags = c.config.Tags
	}
	fields := map[string]string{
		"savepath": req.SavePath,
		"category": category,
		"tags":     tags,
		"rename":   req.Title,
	}
	for k, v := range fields {
		if v != "" {
			_ = w.WriteField(k, v)
		}
	}
	if req.Paused {
		_ = w.WriteField("paused", "true")
		_ = w.WriteField("stopped", "true")
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/add", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return "", err
	}
	if strings.Contains(strings.ToLower(string(body)), "fail") {
		return "", fmt.Errorf("qbittorrent rejected torrent: %s", strings.TrimSpace(string(body)))
	}

	after, err := c.hashSet(ctx)
	if err == nil {
		for hash := range after {
			if _, ok := before[hash]; !ok {
				return hash, nil
			}
		}
	}

	if hash := ExtractHashFromMagnet(req.URL); hash != "" {
		return hash, nil
	}
	return "", nil
}

func (c *Client) hashSet(ctx context.Context) (map[string]struct{}, error) {
	torrents, err := c.listTorrents(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(torrents))
	for i := range torrents {
		set[strings.ToLower(torrents[i].Hash)] = struct{}{}
	}
	return set, nil
}

// Remove deletes a torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	form := url.Values{}
	form.Set("hashes", id)
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteData))

	_, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/delete", []byte(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

// ExtractHashFromMagnet returns the lowercase info-hash of a magnet link, or "".
func ExtractHashFromMagnet(magnet string) string {
	m := magnetHashRegex.FindStringSubmatch(magnet)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.config.Username)
	form.Set("password", c.config.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL()+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.config.BaseURL())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute login request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected login status code: %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return types.ErrAuthFailed
	}

	c.loggedIn = true
	return nil
}

// do performs an authenticated request, logging in lazily and once more on 403.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loggedIn && c.config.Username != "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	respBody, status, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}

	if status == http.StatusForbidden && c.config.Username != "" {
		c.loggedIn = false
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		respBody, status, err = c.send(ctx, method, path, body, contentType)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return nil, types.ErrAuthFailed
	case status == http.StatusNotFound:
		return nil, types.ErrNotFound
	case status != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", status)
	}
	return respBody, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL()+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Referer", c.config.BaseURL())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// mapStatus maps qBittorrent torrent states to the shared vocabulary.
func mapStatus(state string) types.Status {
	switch state {
	case "downloading", "metaDL", "forcedDL", "forcedMetaDL", "stalledDL",
		"checkingDL", "checkingResumeData", "moving", "allocating":
		return types.StatusDownloading
	case "pausedDL", "pausedUP", "stoppedDL", "stoppedUP":
		return types.StatusPaused
	case "queuedDL", "queuedUP":
		return types.StatusQueued
	case "uploading", "stalledUP", "checkingUP", "forcedUP":
		return types.StatusSeeding
	case "error", "missingFiles":
		return types.StatusFailed
	default:
		return types.StatusUnknown
	}
}

func isSeedState(state string) bool {
	switch state {
	case "uploading", "stalledUP", "checkingUP", "forcedUP", "stoppedUP", "pausedUP", "queuedUP":
		return true
	}
	return false
}
