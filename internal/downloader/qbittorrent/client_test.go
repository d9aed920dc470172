package qbittorrent

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

func TestClient_TypeAndProtocol(t *testing.T) {
	client := NewFromConfig(&types.ClientConfig{Host: "localhost", Port: 8080})

	if client.Type() != types.ClientTypeQBittorrent {
		t.Errorf("expected ClientTypeQBittorrent, got %s", client.Type())
	}
	if client.Protocol() != types.ProtocolTorrent {
		t.Errorf("expected ProtocolTorrent, got %s", client.Protocol())
	}
}

func TestClient_Test_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/app/version" {
			w.Write([]byte("v4.6.2"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{})

	if err := client.Test(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestClient_Test_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/app/version" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{})

	err := client.Test(context.Background())
	if !errors.Is(err, types.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_Test_BadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth/login" {
			w.Write([]byte("Fails."))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{Username: "admin", Password: "wrong"})

	if err := client.Test(context.Background()); !errors.Is(err, types.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_Query(t *testing.T) {
	var gotCategory string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/torrents/info" {
			gotCategory = r.URL.Query().Get("category")
			torrents := []qbitTorrent{
				{
					Hash:        "ABC123",
					Name:        "Fourth.Wing.2023.MP3",
					Size:        1000,
					Progress:    1.0,
					ETA:         etaInfinity,
					State:       "stalledUP",
					SavePath:    "/downloads/",
					ContentPath: "/downloads/Fourth.Wing.2023.MP3",
					NumSeeds:    4,
					Ratio:       1.5,
					Completed:   1000,
					AddedOn:     1700000000,
				},
				{
					Hash:     "def456",
					Name:     "Project Hail Mary",
					Size:     2000,
					Progress: 0.5,
					ETA:      120,
					State:    "downloading",
					SavePath: "/downloads/",
				},
				{
					Hash:     "ghi789",
					Name:     "Broken",
					Size:     10,
					Progress: 0.1,
					ETA:      -1,
					State:    "missingFiles",
				},
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(torrents)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{Category: "audiobooks"})

	items, err := client.Query(context.Background())
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if gotCategory != "audiobooks" {
		t.Errorf("expected category filter audiobooks, got %q", gotCategory)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	done := items[0]
	if done.ID != "abc123" {
		t.Errorf("expected lowercased hash, got %s", done.ID)
	}
	if done.Status != types.StatusCompleted {
		t.Errorf("expected completed status for seeding at 100%%, got %s", done.Status)
	}
	if !done.IsComplete() {
		t.Error("expected stalledUP at 100% to be complete")
	}
	if done.ETA != nil {
		t.Errorf("expected nil ETA for infinity, got %d", *done.ETA)
	}
	if done.Path() != "/downloads/Fourth.Wing.2023.MP3" {
		t.Errorf("unexpected path %s", done.Path())
	}
	if done.AddedAt.IsZero() {
		t.Error("expected AddedAt to be set")
	}

	active := items[1]
	if active.Status != types.StatusDownloading || active.IsComplete() {
		t.Errorf("expected incomplete downloading item, got %s", active.Status)
	}
	if active.ETA == nil || *active.ETA != 120 {
		t.Errorf("expected ETA 120, got %v", active.ETA)
	}

	if items[2].Status != types.StatusFailed || items[2].Error == "" {
		t.Errorf("expected failed item with error, got %+v", items[2])
	}
}

func TestClient_Add_ReturnsNewHash(t *testing.T) {
	var added atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/torrents/info":
			torrents := []qbitTorrent{{Hash: "existing"}}
			if added.Load() {
				torrents = append(torrents, qbitTorrent{Hash: "NEWHASH"})
			}
			json.NewEncoder(w).Encode(torrents)
		case "/api/v2/torrents/add":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("failed to parse form: %v", err)
			}
			if r.FormValue("urls") != "http://tracker/file.torrent" {
				t.Errorf("unexpected urls field %q", r.FormValue("urls"))
			}
			if r.FormValue("category") != "books" {
				t.Errorf("expected default category, got %q", r.FormValue("category"))
			}
			added.Store(true)
			w.Write([]byte("Ok."))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{Category: "books"})

	hash, err := client.Add(context.Background(), &types.AddRequest{URL: "http://tracker/file.torrent"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if hash != "newhash" {
		t.Errorf("expected newhash, got %q", hash)
	}
}

func TestClient_Add_FallsBackToMagnetHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/torrents/info":
			w.Write([]byte("[]"))
		case "/api/v2/torrents/add":
			w.Write([]byte("Ok."))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{})

	hash, err := client.Add(context.Background(), &types.AddRequest{URL: "magnet:?xt=urn:btih:ABCDEF0123&dn=test"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if hash != "abcdef0123" {
		t.Errorf("expected magnet hash, got %q", hash)
	}
}

func TestClient_Add_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/torrents/info":
			w.Write([]byte("[]"))
		case "/api/v2/torrents/add":
			w.Write([]byte("Fails."))
		}
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{})

	if _, err := client.Add(context.Background(), &types.AddRequest{URL: "magnet:?xt=urn:btih:abc"}); err == nil {
		t.Error("expected error for rejected torrent")
	}
}

func TestClient_Add_RequiresSource(t *testing.T) {
	client := NewFromConfig(&types.ClientConfig{Host: "localhost", Port: 1})
	if _, err := client.Add(context.Background(), &types.AddRequest{}); err == nil {
		t.Error("expected error when neither URL nor content is provided")
	}
}

func TestClient_Remove(t *testing.T) {
	var gotHashes, gotDelete string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/torrents/delete" {
			r.ParseForm()
			gotHashes = r.FormValue("hashes")
			gotDelete = r.FormValue("deleteFiles")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{})

	if err := client.Remove(context.Background(), "abc123", true); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if gotHashes != "abc123" || gotDelete != "true" {
		t.Errorf("unexpected form hashes=%q deleteFiles=%q", gotHashes, gotDelete)
	}
}

func TestClient_SessionReuse(t *testing.T) {
	var loginCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth/login" {
			loginCount.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: "test-session", Path: "/"})
			w.Write([]byte("Ok."))
			return
		}
		if r.URL.Path == "/api/v2/torrents/info" {
			if _, err := r.Cookie("SID"); err != nil {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{Username: "admin", Password: "password"})

	for i := 0; i < 2; i++ {
		if _, err := client.Query(context.Background()); err != nil {
			t.Fatalf("Query() #%d failed: %v", i+1, err)
		}
	}

	if loginCount.Load() != 1 {
		t.Errorf("expected 1 login call, got %d", loginCount.Load())
	}
}

func TestClient_SessionReauth(t *testing.T) {
	var loginCount atomic.Int32
	var listCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth/login" {
			loginCount.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: "test-session", Path: "/"})
			w.Write([]byte("Ok."))
			return
		}
		if r.URL.Path == "/api/v2/torrents/info" {
			if listCount.Add(1) == 2 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := createClientFromServer(t, server, &types.ClientConfig{Username: "admin", Password: "password"})

	if _, err := client.Query(context.Background()); err != nil {
		t.Fatalf("first Query() failed: %v", err)
	}
	if _, err := client.Query(context.Background()); err != nil {
		t.Fatalf("second Query() should re-authenticate, got %v", err)
	}
	if loginCount.Load() != 2 {
		t.Errorf("expected 2 login calls, got %d", loginCount.Load())
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		state string
		want  types.Status
	}{
		{"downloading", types.StatusDownloading},
		{"metaDL", types.StatusDownloading},
		{"stalledDL", types.StatusDownloading},
		{"checkingResumeData", types.StatusDownloading},
		{"moving", types.StatusDownloading},
		{"stoppedDL", types.StatusPaused},
		{"pausedUP", types.StatusPaused},
		{"queuedDL", types.StatusQueued},
		{"queuedUP", types.StatusQueued},
		{"uploading", types.StatusSeeding},
		{"stalledUP", types.StatusSeeding},
		{"forcedUP", types.StatusSeeding},
		{"error", types.StatusFailed},
		{"missingFiles", types.StatusFailed},
		{"somethingNew", types.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := mapStatus(tt.state); got != tt.want {
				t.Errorf("mapStatus(%q) = %s, want %s", tt.state, got, tt.want)
			}
		})
	}
}

func TestToQueueItem_PausedAfterSeedingIsComplete(t *testing.T) {
	item := toQueueItem(&qbitTorrent{Hash: "h", Progress: 1.0, State: "stoppedUP", Size: 10})
	if item.Status != types.StatusCompleted {
		t.Errorf("expected completed, got %s", item.Status)
	}

	partial := toQueueItem(&qbitTorrent{Hash: "h", Progress: 0.99, State: "stalledUP", Size: 10})
	if partial.IsComplete() {
		t.Error("expected 99% torrent without remaining info to be incomplete")
	}
}

func TestExtractHashFromMagnet(t *testing.T) {
	tests := []struct {
		name   string
		magnet string
		want   string
	}{
		{"hex hash", "magnet:?xt=urn:btih:ABCDEF1234567890&dn=x", "abcdef1234567890"},
		{"lowercase", "magnet:?dn=x&xt=urn:btih:abc", "abc"},
		{"no hash", "http://example.com/file.torrent", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractHashFromMagnet(tt.magnet); got != tt.want {
				t.Errorf("ExtractHashFromMagnet() = %q, want %q", got, tt.want)
			}
		})
	}
}

func createClientFromServer(t *testing.T, server *httptest.Server, baseCfg *types.ClientConfig) *Client {
	t.Helper()

	parsedURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}

	portInt := 0
	if _, err := fmt.Sscanf(parsedURL.Port(), "%d", &portInt); err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}

	cfg := &types.ClientConfig{
		Host:     parsedURL.Hostname(),
		Port:     portInt,
		Username: baseCfg.Username,
		Password: baseCfg.Password,
		Category: baseCfg.Category,
		Tags:     baseCfg.Tags,
	}

	return NewFromConfig(cfg)
}
