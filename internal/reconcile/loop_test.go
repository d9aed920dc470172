package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/completion"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/finalize"
	"github.com/slipstream/dlsync/internal/queue"
	"github.com/slipstream/dlsync/internal/testutil"
)

type fakeClients []*types.ClientConfig

func (f fakeClients) ListEnabledClientConfigs(context.Context) ([]*types.ClientConfig, error) {
	return f, nil
}

type fakePoller struct {
	mu        sync.Mutex
	items     map[string][]types.QueueItem
	history   map[string][]types.HistoryItem
	pollErr   map[string]error
	polls     int
	histCalls int
}

func (p *fakePoller) Poll(_ context.Context, cfg *types.ClientConfig) ([]types.QueueItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if err := p.pollErr[cfg.ID]; err != nil {
		return nil, err
	}
	return append([]types.QueueItem(nil), p.items[cfg.ID]...), nil
}

func (p *fakePoller) History(_ context.Context, cfg *types.ClientConfig) ([]types.HistoryItem, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histCalls++
	h, ok := p.history[cfg.ID]
	return h, ok, nil
}

type finalizeCall struct {
	downloadID string
	clientID   string
	path       string
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
}

func (f *fakeFinalizer) Finalize(_ context.Context, d *downloads.Download, client *types.ClientConfig, path string) (finalize.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finalizeCall{d.ID, client.ID, path})
	return finalize.Enqueued, nil
}

type fakePurger struct {
	mu    sync.Mutex
	polls []queue.Poll
}

func (p *fakePurger) Check(_ context.Context, poll queue.Poll) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls = append(p.polls, poll)
	return nil
}

type fakePublisher struct{ cycles atomic.Int32 }

func (p *fakePublisher) Publish(current []*downloads.Download) []*downloads.Download {
	p.cycles.Add(1)
	return nil
}

type fakeHealth struct {
	mu     sync.Mutex
	failed map[string]bool
}

func (h *fakeHealth) ClientOK(cfg *types.ClientConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[cfg.ID] = false
}

func (h *fakeHealth) ClientFailed(cfg *types.ClientConfig, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[cfg.ID] = true
}

type candidateEvents struct {
	mu     sync.Mutex
	states []string
}

func (c *candidateEvents) Broadcast(_ string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := payload.(completion.CandidateEvent); ok {
		c.states = append(c.states, ev.DownloadID+":"+ev.State)
	}
	return nil
}

func (c *candidateEvents) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.states...)
}

type harness struct {
	loop      *Loop
	events    *candidateEvents
	store     *downloads.Store
	poller    *fakePoller
	finalizer *fakeFinalizer
	purger    *fakePurger
	publisher *fakePublisher
	health    *fakeHealth
	now       time.Time
}

var (
	qbit = &types.ClientConfig{ID: "c1", Name: "qbit", Type: types.ClientTypeQBittorrent, Enabled: true}
	sab  = &types.ClientConfig{ID: "c2", Name: "sab", Type: types.ClientTypeSABnzbd, Enabled: true}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	h := &harness{
		store:     downloads.NewStore(tdb.Conn),
		poller:    &fakePoller{items: map[string][]types.QueueItem{}, history: map[string][]types.HistoryItem{}, pollErr: map[string]error{}},
		finalizer: &fakeFinalizer{},
		purger:    &fakePurger{},
		publisher: &fakePublisher{},
		health:    &fakeHealth{failed: map[string]bool{}},
		events:    &candidateEvents{},
		now:       time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	detector := completion.NewDetector(completion.NewCandidateStore(), 10*time.Second, h.events, testutil.NopLogger())
	detector.SetNow(func() time.Time { return h.now })

	h.loop = New(Deps{
		Clients:   fakeClients{qbit, sab},
		Store:     h.store,
		Poller:    h.poller,
		Detector:  detector,
		Finalizer: h.finalizer,
		Purger:    h.purger,
		Publisher: h.publisher,
		Health:    h.health,
	}, time.Hour, testutil.NewTestLogger(t))
	return h
}

func TestRunCycle_FuzzyMatchConfirmsAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Fourth Wing", DownloadClientID: "c1"}))
	h.poller.items["c1"] = []types.QueueItem{{
		ID: "hash123", Title: "Fourth.Wing.2023.MP3", State: "stalledUP", Status: types.StatusSeeding,
		Progress: 100, Size: 500, Downloaded: 500, Remaining: 0, ContentPath: "/downloads/Fourth.Wing.2023.MP3",
	}}

	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Empty(t, h.finalizer.calls, "first observation only records a candidate")

	got, err := h.store.FindDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, downloads.StatusDownloading, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	path, _ := got.MetadataValue(types.MetadataContentPath)
	assert.Equal(t, "/downloads/Fourth.Wing.2023.MP3", path)

	h.now = h.now.Add(9 * time.Second)
	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Empty(t, h.finalizer.calls, "still inside the window")

	h.now = h.now.Add(2 * time.Second)
	require.NoError(t, h.loop.RunCycle(ctx))
	require.Len(t, h.finalizer.calls, 1)
	assert.Equal(t, finalizeCall{"d1", "c1", "/downloads/Fourth.Wing.2023.MP3"}, h.finalizer.calls[0])

	assert.Equal(t, int32(3), h.publisher.cycles.Load())
	require.NotEmpty(t, h.purger.polls)
	assert.True(t, h.purger.polls[0].Matched["d1"])
}

func TestRunCycle_RetractionPreventsFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c1"}))
	complete := types.QueueItem{ID: "h", Title: "Dune", Status: types.StatusSeeding, Progress: 100, Remaining: -1}
	checking := types.QueueItem{ID: "h", Title: "Dune", Status: types.StatusDownloading, Progress: 99.9, Remaining: 10, Size: 100}

	h.poller.items["c1"] = []types.QueueItem{complete}
	require.NoError(t, h.loop.RunCycle(ctx))

	h.now = h.now.Add(5 * time.Second)
	h.poller.items["c1"] = []types.QueueItem{checking}
	require.NoError(t, h.loop.RunCycle(ctx))

	h.now = h.now.Add(6 * time.Second)
	h.poller.items["c1"] = []types.QueueItem{complete}
	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Empty(t, h.finalizer.calls, "window restarts after retraction")

	h.now = h.now.Add(10 * time.Second)
	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Len(t, h.finalizer.calls, 1)
}

func TestRunCycle_UnreachableClientSkipsPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "A", DownloadClientID: "c1"}))
	h.poller.pollErr["c1"] = errors.New("connection refused")

	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Empty(t, h.purger.polls)
	assert.True(t, h.health.failed["c1"])
}

func TestRunCycle_UsenetHistoryCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c2"}
	d.SetMetadata(types.MetadataNzoID, "SABnzbd_nzo_1")
	require.NoError(t, h.store.Create(ctx, d))
	h.poller.history["c2"] = []types.HistoryItem{{ID: "SABnzbd_nzo_1", Title: "Dune", Status: "Completed", Path: "/complete/Dune"}}

	require.NoError(t, h.loop.RunCycle(ctx))
	h.now = h.now.Add(10 * time.Second)
	require.NoError(t, h.loop.RunCycle(ctx))

	require.Len(t, h.finalizer.calls, 1)
	assert.Equal(t, "/complete/Dune", h.finalizer.calls[0].path)
	assert.False(t, h.health.failed["c2"])
}

func TestRunCycle_FailedInClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c1"}))
	h.poller.items["c1"] = []types.QueueItem{{ID: "h", Title: "Dune", State: "missingFiles", Status: types.StatusFailed, Remaining: -1}}

	require.NoError(t, h.loop.RunCycle(ctx))

	got, err := h.store.FindDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, downloads.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "missingFiles")
}

func TestRunCycle_ProcessingNotRefinalized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c1", Status: downloads.StatusProcessing}))
	h.poller.items["c1"] = []types.QueueItem{{ID: "h", Title: "Dune", Status: types.StatusSeeding, Progress: 100, Remaining: -1}}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.RunCycle(ctx))
		h.now = h.now.Add(time.Minute)
	}
	assert.Empty(t, h.finalizer.calls)
}

func TestRunCycle_NoActiveDownloadsSkipsPolling(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loop.RunCycle(context.Background()))
	assert.Zero(t, h.poller.polls)
	assert.Equal(t, int32(1), h.publisher.cycles.Load())
}

func TestLoop_StartTriggerStop(t *testing.T) {
	h := newHarness(t)

	h.loop.Trigger() // not running, ignored
	h.loop.Start()
	h.loop.Start()
	h.loop.Trigger()

	assert.Eventually(t, func() bool { return h.publisher.cycles.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	h.loop.Stop()
	h.loop.Stop()
}

func TestMergeHistory(t *testing.T) {
	items := []types.QueueItem{{ID: "a"}}
	merged := mergeHistory(items, []types.HistoryItem{
		{ID: "a", Status: "Completed"},
		{ID: "b", Status: "Failed"},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, types.StatusFailed, merged[1].Status)
}

func TestRunCycle_VanishedItemRestartsWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c1"}))
	complete := types.QueueItem{ID: "h", Title: "Dune", Status: types.StatusSeeding, Progress: 100, Remaining: -1}

	h.poller.items["c1"] = []types.QueueItem{complete}
	require.NoError(t, h.loop.RunCycle(ctx))

	h.now = h.now.Add(5 * time.Second)
	h.poller.items["c1"] = nil
	require.NoError(t, h.loop.RunCycle(ctx))

	h.now = h.now.Add(6 * time.Second)
	h.poller.items["c1"] = []types.QueueItem{complete}
	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Empty(t, h.finalizer.calls, "reappearance starts a fresh window")
	assert.Equal(t, []string{"d1:observed", "d1:retracted", "d1:observed"}, h.events.list())

	h.now = h.now.Add(10 * time.Second)
	require.NoError(t, h.loop.RunCycle(ctx))
	assert.Len(t, h.finalizer.calls, 1)
}

func TestRunCycle_FailedDownloadRetractsCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "d1", Title: "Dune", DownloadClientID: "c1"}))
	h.poller.items["c1"] = []types.QueueItem{{ID: "h", Title: "Dune", Status: types.StatusSeeding, Progress: 100, Remaining: -1}}
	require.NoError(t, h.loop.RunCycle(ctx))

	h.poller.items["c1"] = []types.QueueItem{{ID: "h", Title: "Dune", Status: types.StatusFailed, State: "error"}}
	require.NoError(t, h.loop.RunCycle(ctx))

	got, err := h.store.FindDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, downloads.StatusFailed, got.Status)
	assert.Equal(t, []string{"d1:observed", "d1:retracted"}, h.events.list())
}

func TestRunCycle_OneItemDrivesOneDownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "a", Title: "Dune", DownloadClientID: "c1"}))
	require.NoError(t, h.store.Create(ctx, &downloads.Download{ID: "b", Title: "Dune", DownloadClientID: "c1"}))
	h.poller.items["c1"] = []types.QueueItem{{ID: "h", Title: "Dune", Status: types.StatusDownloading, Progress: 40, Size: 100, Remaining: 60}}

	require.NoError(t, h.loop.RunCycle(ctx))
	require.NotEmpty(t, h.purger.polls)
	assert.Len(t, h.purger.polls[0].Matched, 1)
}
