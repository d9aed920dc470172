package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

func rpcHandler(t *testing.T, handle func(req rpcRequest) map[string]interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transmission/rpc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get(sessionIDHeader) != "session-1" {
			w.Header().Set(sessionIDHeader, "session-1")
			w.WriteHeader(http.StatusConflict)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(rpcResponse{Result: "success", Arguments: handle(req)})
	}
}

func TestClient_SessionHandshake(t *testing.T) {
	var requests atomic.Int32
	inner := rpcHandler(t, func(req rpcRequest) map[string]interface{} {
		return map[string]interface{}{"version": "4.0.5"}
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		inner(w, r)
	}))
	defer server.Close()

	client := createClientFromServer(t, server)

	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}
	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("second Test() failed: %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests (409, retry, reuse), got %d", requests.Load())
	}
}

func TestClient_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := createClientFromServer(t, server)

	if err := client.Test(context.Background()); !errors.Is(err, types.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_Query(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) map[string]interface{} {
		if req.Method != "torrent-get" {
			t.Errorf("unexpected method %s", req.Method)
		}
		return map[string]interface{}{
			"torrents": []map[string]interface{}{
				{
					"hashString":     "ABC",
					"name":           "Fourth Wing",
					"status":         6,
					"percentDone":    1.0,
					"sizeWhenDone":   500,
					"leftUntilDone":  0,
					"downloadDir":    "/downloads/complete",
					"downloadedEver": 500,
					"eta":            -1,
					"addedDate":      1700000000,
				},
				{
					"hashString":    "def",
					"name":          "Dune",
					"status":        4,
					"percentDone":   0.25,
					"sizeWhenDone":  400,
					"leftUntilDone": 300,
					"eta":           60,
				},
				{
					"hashString":    "bad",
					"name":          "Broken",
					"status":        0,
					"percentDone":   0.1,
					"sizeWhenDone":  100,
					"leftUntilDone": 90,
					"error":         3,
					"errorString":   "No data found",
				},
			},
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server)

	items, err := client.Query(context.Background())
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	if items[0].ID != "abc" || items[0].Status != types.StatusCompleted || !items[0].IsComplete() {
		t.Errorf("expected completed seeding torrent, got %+v", items[0])
	}
	if items[0].ContentPath != "/downloads/complete/Fourth Wing" {
		t.Errorf("unexpected content path %q", items[0].ContentPath)
	}
	if items[0].ETA != nil {
		t.Errorf("expected nil ETA, got %d", *items[0].ETA)
	}

	if items[1].Status != types.StatusDownloading || items[1].IsComplete() {
		t.Errorf("expected downloading torrent, got %+v", items[1])
	}
	if items[1].Progress != 25 {
		t.Errorf("expected progress 25, got %f", items[1].Progress)
	}

	if items[2].Status != types.StatusFailed || items[2].Error != "No data found" {
		t.Errorf("expected failed torrent with error, got %+v", items[2])
	}
}

func TestClient_Add(t *testing.T) {
	var gotArgs map[string]interface{}
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) map[string]interface{} {
		gotArgs = req.Arguments
		return map[string]interface{}{
			"torrent-added": map[string]interface{}{"id": 7, "hashString": "HASH7", "name": "x"},
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server)
	client.config.Category = "books"

	id, err := client.Add(context.Background(), &types.AddRequest{URL: "magnet:?xt=urn:btih:hash7", SavePath: "/data/books", Tags: "a,b"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "hash7" {
		t.Errorf("expected hash7, got %q", id)
	}
	if gotArgs["filename"] != "magnet:?xt=urn:btih:hash7" || gotArgs["download-dir"] != "/data/books" {
		t.Errorf("unexpected args %v", gotArgs)
	}
	labels, _ := gotArgs["labels"].([]interface{})
	if len(labels) != 3 {
		t.Errorf("expected labels a,b,books, got %v", gotArgs["labels"])
	}
}

func TestClient_Add_Duplicate(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) map[string]interface{} {
		return map[string]interface{}{
			"torrent-duplicate": map[string]interface{}{"id": 3, "hashString": "dupe"},
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server)

	id, err := client.Add(context.Background(), &types.AddRequest{FileContent: []byte("d8:announce")})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "dupe" {
		t.Errorf("expected dupe, got %q", id)
	}
}

func TestClient_Remove(t *testing.T) {
	var gotArgs map[string]interface{}
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) map[string]interface{} {
		if req.Method != "torrent-remove" {
			t.Errorf("unexpected method %s", req.Method)
		}
		gotArgs = req.Arguments
		return map[string]interface{}{}
	}))
	defer server.Close()

	client := createClientFromServer(t, server)

	if err := client.Remove(context.Background(), "abc", true); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if gotArgs["delete-local-data"] != true {
		t.Errorf("expected delete-local-data true, got %v", gotArgs["delete-local-data"])
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		code int
		want types.Status
	}{
		{0, types.StatusPaused},
		{1, types.StatusQueued},
		{2, types.StatusDownloading},
		{3, types.StatusQueued},
		{4, types.StatusDownloading},
		{5, types.StatusSeeding},
		{6, types.StatusSeeding},
		{9, types.StatusUnknown},
	}

	for _, tt := range tests {
		if got := mapStatus(tt.code); got != tt.want {
			t.Errorf("mapStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestToQueueItem_StoppedAfterCompletion(t *testing.T) {
	item := toQueueItem(map[string]interface{}{
		"hashString":    "x",
		"status":        0.0,
		"percentDone":   1.0,
		"sizeWhenDone":  10.0,
		"leftUntilDone": 0.0,
	})
	if !item.IsComplete() {
		t.Error("expected stopped torrent with nothing left to be complete")
	}
}

func createClientFromServer(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	parsedURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}

	port := 0
	if _, err := fmt.Sscanf(parsedURL.Port(), "%d", &port); err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}

	return NewFromConfig(&types.ClientConfig{Host: parsedURL.Hostname(), Port: port})
}
