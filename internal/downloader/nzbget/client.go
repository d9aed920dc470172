// Package nzbget implements an NZBGet JSON-RPC adapter.
package nzbget

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

const bytesPerMB = 1024 * 1024

// Client implements types.Adapter and types.HistoryProvider against NZBGet's JSON-RPC API.
type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	requestID  atomic.Int64
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
	return types.ClientTypeNZBGet
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

// Test verifies connectivity and credentials.
func (c *Client) Test(ctx context.Context) error {
	var version string
	if err := c.call(ctx, "version", nil, &version); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("empty version response")
	}
	return nil
}

type group struct {
	NZBID            int64   `json:"NZBID"`
	NZBName          string  `json:"NZBName"`
	Status           string  `json:"Status"`
	Category         string  `json:"Category"`
	FileSizeMB       float64 `json:"FileSizeMB"`
	RemainingSizeMB  float64 `json:"RemainingSizeMB"`
	DownloadedSizeMB float64 `json:"DownloadedSizeMB"`
	DownloadRate     int64   `json:"DownloadRate"`
	DestDir          string  `json:"DestDir"`
	FinalDir         string  `json:"FinalDir"`
	MinPostTime      int64   `json:"MinPostTime"`
}

// Query returns the download groups currently in the queue.
func (c *Client) Query(ctx context.Context) ([]types.QueueItem, error) {
	var groups []group
	if err := c.call(ctx, "listgroups", []interface{}{0}, &groups); err != nil {
		return nil, err
	}

	items := make([]types.QueueItem, 0, len(groups))
	for i := range groups {
		g := &groups[i]
		if c.config.Category != "" && !strings.EqualFold(g.Category, c.config.Category) {
			continue
		}
		items = append(items, toQueueItem(g))
	}
	return items, nil
}

func toQueueItem(g *group) types.QueueItem {
	size := int64(g.FileSizeMB * bytesPerMB)
	remaining := int64(g.RemainingSizeMB * bytesPerMB)

	var progress float64
	if g.FileSizeMB > 0 {
		progress = (g.FileSizeMB - g.RemainingSizeMB) * 100 / g.FileSizeMB
	}

	dir := g.FinalDir
	if dir == "" {
		dir = g.DestDir
	}

	item := types.QueueItem{
		ID:            strconv.FormatInt(g.NZBID, 10),
		Title:         g.NZBName,
		State:         g.Status,
		Status:        mapStatus(g.Status),
		Progress:      progress,
		Size:          size,
		Downloaded:    size - remaining,
		Remaining:     remaining,
		DownloadSpeed: g.DownloadRate,
		ContentPath:   dir,
	}
	if dir != "" {
		item.SavePath = path.Dir(strings.ReplaceAll(dir, "\\", "/"))
	}
	if g.DownloadRate > 0 && remaining > 0 {
		eta := remaining / g.DownloadRate
		item.ETA = &eta
	}
	if item.Status == types.StatusFailed {
		item.Error = g.Status
	}
	return item
}

type historyEntry struct {
	NZBID       int64  `json:"NZBID"`
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	DestDir     string `json:"DestDir"`
	FinalDir    string `json:"FinalDir"`
	HistoryTime int64  `json:"HistoryTime"`
	Category    string `json:"Category"`
}

// History returns up to limit recently finished jobs.
func (c *Client) History(ctx context.Context, limit int) ([]types.HistoryItem, error) {
	var entries []historyEntry
	if err := c.call(ctx, "history", []interface{}{false}, &entries); err != nil {
		return nil, err
	}

	items := make([]types.HistoryItem, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && len(items) >= limit {
			break
		}
		dir := e.FinalDir
		if dir == "" {
			dir = e.DestDir
		}
		status, _, _ := strings.Cut(e.Status, "/")
		h := types.HistoryItem{
			ID:     strconv.FormatInt(e.NZBID, 10),
			Title:  e.Name,
			Status: strings.ToLower(status),
			Path:   dir,
		}
		if e.HistoryTime > 0 {
			h.CompletedAt = time.Unix(e.HistoryTime, 0).UTC()
		}
		items = append(items, h)
	}
	return items, nil
}

// Add appends an NZB by URL or content and returns the NZBID.
func (c *Client) Add(ctx context.Context, req *types.AddRequest) (string, error) {
	var content string
	switch {
	case req.URL != "":
		content = req.URL
	case len(req.FileContent) > 0:
		content = base64.StdEncoding.EncodeToString(req.FileContent)
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	name := req.FileName
	if name == "" && req.Title != "" {
		name = req.Title + ".nzb"
	}
	category := req.Category
	if category == "" {
		category = c.config.Category
	}

	params := []interface{}{
		name,
		content,
		category,
		mapPriority(req.Priority),
		false,      // AddToTop
		req.Paused, // AddPaused
		"",         // DupeKey
		0,          // DupeScore
		"SCORE",    // DupeMode
		[]interface{}{},
	}

	var id int64
	if err := c.call(ctx, "append", params, &id); err != nil {
		return "", err
	}
	if id <= 0 {
		return "", fmt.Errorf("nzbget rejected nzb")
	}
	return strconv.FormatInt(id, 10), nil
}

// Remove deletes a group from the queue or, failing that, from the history.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	nzbID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid nzbget id %q: %w", id, err)
	}

	queueCommand := "GroupDelete"
	historyCommand := "HistoryDelete"
	if deleteData {
		queueCommand = "GroupFinalDelete"
		historyCommand = "HistoryFinalDelete"
	}

	for _, command := range []string{queueCommand, historyCommand} {
		var ok bool
		if err := c.call(ctx, "editqueue", []interface{}{command, "", []int64{nzbID}}, &ok); err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return types.ErrNotFound
}

type rpcRequest struct {
	Version string      `json:"version"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Name    string `json:"name"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{
		Version: "1.1",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL()+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

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

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// mapStatus maps NZBGet group states to the shared vocabulary.
func mapStatus(status string) types.Status {
	switch strings.ToUpper(status) {
	case "QUEUED":
		return types.StatusQueued
	case "PAUSED":
		return types.StatusPaused
	case "DOWNLOADING", "FETCHING", "PP_QUEUED", "LOADING_PARS", "VERIFYING_SOURCES",
		"REPAIRING", "VERIFYING_REPAIRED", "RENAMING", "UNPACKING", "MOVING",
		"EXECUTING_SCRIPT", "PP_FINISHED":
		return types.StatusDownloading
	case "SUCCESS":
		return types.StatusCompleted
	case "FAILURE":
		return types.StatusFailed
	default:
		return types.StatusQueued
	}
}

func mapPriority(p string) int {
	switch strings.ToLower(p) {
	case "force":
		return 900
	case "high":
		return 50
	case "low":
		return -50
	default:
		return 0
	}
}
