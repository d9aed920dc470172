package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/scheduler"
	"github.com/slipstream/dlsync/internal/testutil"
)

type fakeClients []*types.ClientConfig

func (f fakeClients) ListEnabledClientConfigs(context.Context) ([]*types.ClientConfig, error) {
	return f, nil
}

type fakeActive []*downloads.Download

func (f fakeActive) ListDownloads(context.Context, downloads.Filter) ([]*downloads.Download, error) {
	return f, nil
}

type fakeTester struct {
	results map[string]downloader.TestResult
	tested  []string
}

func (f *fakeTester) TestConnection(_ context.Context, cfg *types.ClientConfig) downloader.TestResult {
	f.tested = append(f.tested, cfg.ID)
	return f.results[cfg.ID]
}

type fakeHealth struct {
	ok     []string
	failed map[string]string
}

func (f *fakeHealth) ClientOK(cfg *types.ClientConfig) { f.ok = append(f.ok, cfg.ID) }

func (f *fakeHealth) ClientFailed(cfg *types.ClientConfig, err error) {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[cfg.ID] = err.Error()
}

func TestClientHealthTask_SkipsBusyClients(t *testing.T) {
	clients := fakeClients{{ID: "qbit"}, {ID: "sab"}, {ID: "nzbget"}}
	active := fakeActive{{ID: "d1", DownloadClientID: "qbit", Status: downloads.StatusDownloading}}
	tester := &fakeTester{results: map[string]downloader.TestResult{
		"sab":    {Success: true},
		"nzbget": {Success: false, Message: "Connection failed: refused"},
	}}
	health := &fakeHealth{}

	task := NewClientHealthTask(clients, active, tester, health, testutil.NopLogger())
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, []string{"sab", "nzbget"}, tester.tested)
	assert.Equal(t, []string{"sab"}, health.ok)
	assert.Equal(t, "Connection failed: refused", health.failed["nzbget"])
}

type fakeProcessor struct {
	calls chan struct{}
	err   error
}

func (f *fakeProcessor) ProcessPending(context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 1, f.err
}

func TestRegisterProcessingTask(t *testing.T) {
	sched, err := scheduler.New(testutil.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop() })

	proc := &fakeProcessor{calls: make(chan struct{}, 1), err: errors.New("boom")}
	require.NoError(t, RegisterProcessingTask(sched, proc, time.Hour, testutil.NopLogger()))

	info, err := sched.GetTask("processing")
	require.NoError(t, err)
	assert.Equal(t, "Import Processing", info.Name)

	require.NoError(t, sched.Start())
	require.NoError(t, sched.RunNow("processing"))

	select {
	case <-proc.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("processing task did not run")
	}
}
