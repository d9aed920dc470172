// Package finalize hands confirmed downloads to post-processing exactly once.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/locator"
	"github.com/slipstream/dlsync/internal/metrics"
	"github.com/slipstream/dlsync/internal/naming"
	"github.com/slipstream/dlsync/internal/processing"
)

// Result describes what one Finalize call did.
type Result int

const (
	// Enqueued means a post-processing job was created.
	Enqueued Result = iota
	// AlreadyQueued means an active job already exists for the download.
	AlreadyQueued
	// RetryScheduled means the source was missing and a deferred retry was scheduled.
	RetryScheduled
	// RetryPending means the source was missing and a retry is already scheduled.
	RetryPending
	// GaveUp means the source was missing after the last allowed retry.
	GaveUp
	// Failed means the attempt aborted without scheduling a retry.
	Failed
)

func (r Result) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case AlreadyQueued:
		return "already-queued"
	case RetryScheduled:
		return "retry-scheduled"
	case RetryPending:
		return "retry-pending"
	case GaveUp:
		return "gave-up"
	default:
		return "failed"
	}
}

// Settings bound the missing-source retry loop.
type Settings struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// DefaultSettings returns 3 retries starting at 30s.
func DefaultSettings() Settings {
	return Settings{MaxRetries: 3, InitialDelay: 30 * time.Second}
}

// Scheduler runs a function once after a delay.
type Scheduler interface {
	ScheduleOnce(name string, delay time.Duration, fn func()) error
}

// Locator finds a download's files on disk.
type Locator interface {
	Locate(ctx context.Context, d *downloads.Download, client *types.ClientConfig, clientPath string) (locator.Result, bool)
}

// JobQueue is the post-processing queue.
type JobQueue interface {
	Enqueue(ctx context.Context, downloadID, sourcePath, clientID string, opts ...processing.EnqueueOption) (string, error)
	GetActiveJobs(ctx context.Context, downloadID string) ([]*processing.Job, error)
}

// Namer renders library destinations.
type Namer interface {
	GenerateFilePath(md naming.Metadata, ext string) string
	DirectoryFor(md naming.Metadata) string
}

// DownloadStore persists the Processing transition.
type DownloadStore interface {
	FindDownload(ctx context.Context, id string) (*downloads.Download, error)
	UpsertDownload(ctx context.Context, d *downloads.Download) error
}

// Coordinator locates a confirmed download's source and enqueues its import.
type Coordinator struct {
	locator   Locator
	jobs      JobQueue
	namer     Namer
	store     DownloadStore
	scheduler Scheduler
	retries   *RetryState
	settings  Settings
	outputDir string
	logger    zerolog.Logger
}

// NewCoordinator creates a coordinator. namer may be nil, in which case files keep
// their original name under outputDir.
func NewCoordinator(loc Locator, jobs JobQueue, namer Namer, store DownloadStore, scheduler Scheduler,
	settings Settings, outputDir string, logger zerolog.Logger) *Coordinator {
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	return &Coordinator{
		locator:   loc,
		jobs:      jobs,
		namer:     namer,
		store:     store,
		scheduler: scheduler,
		retries:   NewRetryState(),
		settings:  settings,
		outputDir: outputDir,
		logger:    logger.With().Str("component", "finalize").Logger(),
	}
}

// Retries exposes the retry state.
func (c *Coordinator) Retries() *RetryState {
	return c.retries
}

// Finalize runs one finalization attempt for a confirmed download.
func (c *Coordinator) Finalize(ctx context.Context, d *downloads.Download, client *types.ClientConfig, clientPath string) (Result, error) {
	log := c.logger.With().Str("downloadId", d.ID).Str("clientId", d.DownloadClientID).Logger()

	active, err := c.jobs.GetActiveJobs(ctx, d.ID)
	if err != nil {
		return Failed, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if len(active) > 0 {
		log.Debug().Str("jobId", active[0].ID).Msg("Post-processing already queued")
		return AlreadyQueued, nil
	}

	found, ok := c.locator.Locate(ctx, d, client, clientPath)
	if !ok {
		return c.missingSource(ctx, d, client, clientPath, log)
	}
	c.retries.Reset(d.ID)

	dest, destDir := c.destination(d, found)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		log.Error().Err(err).Str("dir", destDir).Msg("Failed to create destination directory")
		return Failed, fmt.Errorf("failed to create destination directory: %w", err)
	}

	d.Status = downloads.StatusProcessing
	d.DownloadPath = found.Path
	d.ErrorMessage = ""
	if err := c.store.UpsertDownload(ctx, d); err != nil {
		return Failed, fmt.Errorf("failed to mark download processing: %w", err)
	}

	clientID := d.DownloadClientID
	if client != nil {
		clientID = client.ID
	}
	jobID, err := c.jobs.Enqueue(ctx, d.ID, found.Path, clientID, processing.WithDestination(dest))
	if err != nil {
		return Failed, fmt.Errorf("failed to enqueue post-processing: %w", err)
	}

	log.Info().
		Str("jobId", jobID).
		Str("source", found.Path).
		Str("destination", dest).
		Str("strategy", found.Strategy).
		Bool("multiFile", found.MultiFile).
		Msg("Queued download for post-processing")
	return Enqueued, nil
}

func (c *Coordinator) missingSource(ctx context.Context, d *downloads.Download, client *types.ClientConfig,
	clientPath string, log zerolog.Logger) (Result, error) {
	decision, attempts := c.retries.next(d.ID, c.settings.MaxRetries)

	switch decision {
	case decisionExhausted:
		return GaveUp, nil
	case decisionAlreadyScheduled:
		log.Debug().Int("attempt", attempts).Msg("Retry already scheduled for missing source")
		return RetryPending, nil
	case decisionTerminal:
		metrics.FinalizeTerminalFailures.Inc()
		log.Error().Int("attempts", attempts+1).Str("clientPath", clientPath).
			Msg("Source files not found, giving up")
		c.markWaiting(ctx, d, fmt.Sprintf("source files not found after %d attempts", attempts+1), log)
		return GaveUp, nil
	}

	delay := c.settings.InitialDelay * time.Duration(1<<(attempts-1))
	if attempts == 1 {
		c.markWaiting(ctx, d, "", log)
	}

	retry := func() {
		defer func() {
			if r := recover(); r != nil {
				c.retries.clearScheduled(d.ID)
				log.Error().Interface("panic", r).Msg("Finalize retry panicked")
			}
		}()
		c.retries.clearScheduled(d.ID)
		ctx := context.Background()
		current, err := c.store.FindDownload(ctx, d.ID)
		if errors.Is(err, downloads.ErrNotFound) {
			c.retries.Reset(d.ID)
			log.Debug().Msg("Download deleted, dropping finalize retry")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload download for finalize retry")
			return
		}
		if _, err := c.Finalize(ctx, current, client, clientPath); err != nil {
			log.Error().Err(err).Msg("Finalize retry failed")
		}
	}
	if err := c.scheduler.ScheduleOnce("finalize-"+d.ID, delay, retry); err != nil {
		c.retries.clearScheduled(d.ID)
		return Failed, err
	}

	metrics.MissingSourceRetries.Inc()
	log.Warn().Int("attempt", attempts).Dur("delay", delay).Str("clientPath", clientPath).
		Msg("Source files not found, retry scheduled")
	return RetryScheduled, nil
}

// markWaiting parks the download in Processing so the reconcile loop stops
// re-confirming it while retries run.
func (c *Coordinator) markWaiting(ctx context.Context, d *downloads.Download, msg string, log zerolog.Logger) {
	d.Status = downloads.StatusProcessing
	d.ErrorMessage = msg
	if err := c.store.UpsertDownload(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to update download")
	}
}

func (c *Coordinator) destination(d *downloads.Download, found locator.Result) (dest, dir string) {
	if c.namer == nil {
		dest = filepath.Join(c.outputDir, filepath.Base(found.Path))
		if found.MultiFile {
			return dest, dest
		}
		return dest, c.outputDir
	}

	md := naming.Resolve(d.Title, d.Metadata)
	if found.MultiFile {
		dir = c.namer.DirectoryFor(md)
		return dir, dir
	}
	dest = c.namer.GenerateFilePath(md, filepath.Ext(found.Path))
	return dest, filepath.Dir(dest)
}
