// Package transmission implements a Transmission RPC adapter.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

const (
	sessionIDHeader = "X-Transmission-Session-Id"
)

var torrentFields = []string{
	"id", "name", "status", "percentDone", "totalSize", "sizeWhenDone",
	"leftUntilDone", "downloadDir", "hashString", "eta", "rateDownload",
	"downloadedEver", "uploadRatio", "peersSendingToUs", "peersGettingFromUs",
	"addedDate", "error", "errorString",
}

// Client implements types.Adapter against the Transmission RPC API.
type Client struct {
	config     types.ClientConfig
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

var _ types.Adapter = (*Client)(nil)

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
	return types.ClientTypeTransmission
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection.
func (c *Client) Test(ctx context.Context) error {
	_, err := c.call(ctx, "session-get", nil)
	return err
}

// Add submits a torrent and returns its hash string.
func (c *Client) Add(ctx context.Context, req *types.AddRequest) (string, error) {
	args := make(map[string]interface{})

	switch {
	case req.URL != "":
		args["filename"] = req.URL
	case len(req.FileContent) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(req.FileContent)
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	if req.SavePath != "" {
		args["download-dir"] = req.SavePath
	} else if c.config.DownloadPath != "" && c.config.Category != "" {
		args["download-dir"] = path.Join(strings.ReplaceAll(c.config.DownloadPath, "\\", "/"), c.config.Category)
	}
	if req.Paused {
		args["paused"] = true
	}

	labels := splitLabels(req.Tags, c.config.Tags, req.Category, c.config.Category)
	if len(labels) > 0 {
		args["labels"] = labels
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return "", err
	}

	return extractTorrentID(resp)
}

// Remove removes a torrent, optionally deleting local data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	args := map[string]interface{}{
		"ids":               []string{id},
		"delete-local-data": deleteData,
	}

	_, err := c.call(ctx, "torrent-remove", args)
	return err
}

// Query returns all torrents known to the daemon.
func (c *Client) Query(ctx context.Context) ([]types.QueueItem, error) {
	resp, err := c.call(ctx, "torrent-get", map[string]interface{}{"fields": torrentFields})
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok {
		return []types.QueueItem{}, nil
	}

	items := make([]types.QueueItem, 0, len(torrentsRaw))
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		items = append(items, toQueueItem(torrent))
	}
	return items, nil
}

// rpcRequest represents a Transmission RPC request.
type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// rpcResponse represents a Transmission RPC response.
type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, args map[string]interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.post(ctx, method, args)
	if err != nil {
		return nil, err
	}

	// A 409 hands out a fresh session id; retry once with it.
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		c.sessionID = resp.Header.Get(sessionIDHeader)
		if c.sessionID == "" {
			return nil, fmt.Errorf("received 409 but no session ID in response")
		}
		resp, err = c.post(ctx, method, args)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	return parseRPCResponse(resp)
}

func (c *Client) post(ctx context.Context, method string, args map[string]interface{}) (*http.Response, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL()+"/transmission/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

func parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Result != "success" {
		return nil, fmt.Errorf("RPC error: %s", rpcResp.Result)
	}

	return &rpcResp, nil
}

// toQueueItem converts a Transmission torrent object to a QueueItem.
func toQueueItem(torrent map[string]interface{}) types.QueueItem {
	code := getInt(torrent, "status")
	status := mapStatus(code)
	progress := getFloat(torrent, "percentDone") * 100

	remaining := int64(-1)
	if _, ok := torrent["leftUntilDone"]; ok {
		remaining = int64(getFloat(torrent, "leftUntilDone"))
	}

	size := int64(getFloat(torrent, "sizeWhenDone"))
	if size == 0 {
		size = int64(getFloat(torrent, "totalSize"))
	}

	name := getString(torrent, "name")
	downloadDir := getString(torrent, "downloadDir")

	item := types.QueueItem{
		ID:            strings.ToLower(getString(torrent, "hashString")),
		Title:         name,
		State:         fmt.Sprintf("%d", code),
		Status:        status,
		Progress:      progress,
		Size:          size,
		Downloaded:    int64(getFloat(torrent, "downloadedEver")),
		Remaining:     remaining,
		DownloadSpeed: int64(getFloat(torrent, "rateDownload")),
		ETA:           types.ETAPtr(int64(getFloat(torrent, "eta")), 0),
		SavePath:      downloadDir,
		Seeders:       getInt(torrent, "peersSendingToUs"),
		Leechers:      getInt(torrent, "peersGettingFromUs"),
		Ratio:         getFloat(torrent, "uploadRatio"),
	}
	if downloadDir != "" && name != "" {
		item.ContentPath = path.Join(strings.ReplaceAll(downloadDir, "\\", "/"), name)
	}
	if added := int64(getFloat(torrent, "addedDate")); added > 0 {
		item.AddedAt = time.Unix(added, 0).UTC()
	}

	if errNum := getInt(torrent, "error"); errNum > 0 {
		item.Error = getString(torrent, "errorString")
		item.Status = types.StatusFailed
	} else if progress >= 100 && status == types.StatusSeeding {
		item.Status = types.StatusCompleted
	}

	return item
}

// extractTorrentID extracts the torrent hash from an add response.
func extractTorrentID(resp *rpcResponse) (string, error) {
	for _, key := range []string{"torrent-added", "torrent-duplicate"} {
		torrent, ok := resp.Arguments[key].(map[string]interface{})
		if !ok {
			continue
		}
		if hashString, ok := torrent["hashString"].(string); ok {
			return strings.ToLower(hashString), nil
		}
		if id, ok := torrent["id"].(float64); ok {
			return fmt.Sprintf("%d", int(id)), nil
		}
	}

	return "", fmt.Errorf("could not extract torrent ID from response")
}

// mapStatus maps Transmission status codes to the shared vocabulary.
func mapStatus(status int) types.Status {
	switch status {
	case 0: // Stopped
		return types.StatusPaused
	case 1, 3: // Queued to verify, queued to download
		return types.StatusQueued
	case 2, 4: // Verifying, downloading
		return types.StatusDownloading
	case 5, 6: // Queued to seed, seeding
		return types.StatusSeeding
	default:
		return types.StatusUnknown
	}
}

func splitLabels(values ...string) []string {
	seen := make(map[string]struct{})
	var labels []string
	for _, v := range values {
		for _, l := range strings.Split(v, ",") {
			l = strings.TrimSpace(l)
			if l == "" {
				continue
			}
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			labels = append(labels, l)
		}
	}
	return labels
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
