package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
)

const (
	// DefaultMaxAttempts is how many times a job is tried before it fails for good.
	DefaultMaxAttempts = 3

	batchSize = 20
)

// DownloadStore is the subset of the download store the processor writes to.
type DownloadStore interface {
	FindDownload(ctx context.Context, id string) (*downloads.Download, error)
	UpsertDownload(ctx context.Context, d *downloads.Download) error
}

// ClientLookup resolves client configurations by id.
type ClientLookup interface {
	GetClientConfig(ctx context.Context, id string) (*types.ClientConfig, error)
}

// Remover removes a transfer from its client.
type Remover interface {
	Remove(ctx context.Context, cfg *types.ClientConfig, id string, deleteData bool) error
}

// FailureReporter is told about downloads whose import failed for good.
type FailureReporter interface {
	SetImportError(downloadID, title, message string)
}

// Processor drains the job queue and moves files into the library.
type Processor struct {
	jobs        *Store
	downloads   DownloadStore
	clients     ClientLookup
	remover     Remover
	failures    FailureReporter
	mode        TransferMode
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time

	// serializes ProcessPending so overlapping scheduler ticks do not race
	mu sync.Mutex
}

// NewProcessor creates a processor that transfers files with the given mode.
func NewProcessor(jobs *Store, downloads DownloadStore, mode TransferMode, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:        jobs,
		downloads:   downloads,
		mode:        mode,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With().Str("component", "processor").Logger(),
		now:         time.Now,
	}
}

// SetClientRemoval enables removing transfers from clients configured with RemoveCompletedDownloads.
func (p *Processor) SetClientRemoval(clients ClientLookup, remover Remover) {
	p.clients = clients
	p.remover = remover
}

// SetFailureReporter registers a reporter for permanent import failures.
func (p *Processor) SetFailureReporter(r FailureReporter) {
	p.failures = r
}

// ProcessPending runs every runnable job once and returns how many completed.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobs, err := p.jobs.ListRunnable(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		claimed, err := p.jobs.Claim(ctx, job.ID)
		if err != nil {
			return completed, err
		}
		if !claimed {
			continue
		}
		if p.process(ctx, job) {
			completed++
		}
	}
	return completed, nil
}

func (p *Processor) process(ctx context.Context, job *Job) bool {
	log := p.logger.With().Str("jobId", job.ID).Str("downloadId", job.DownloadID).Logger()
	job.Attempts++

	d, err := p.downloads.FindDownload(ctx, job.DownloadID)
	if err != nil {
		if errors.Is(err, downloads.ErrNotFound) {
			job.Status = JobFailed
			job.Error = "download no longer exists"
			p.finish(ctx, job, log)
			return false
		}
		p.fail(ctx, job, nil, err, log)
		return false
	}

	dest := job.DestinationPath
	if dest == "" {
		p.fail(ctx, job, d, fmt.Errorf("no destination for %s", job.SourcePath), log)
		return false
	}

	log.Info().Str("source", job.SourcePath).Str("destination", dest).Str("mode", string(p.mode)).
		Int("attempt", job.Attempts).Msg("Transferring download")

	if err := transfer(job.SourcePath, dest, p.mode); err != nil {
		p.fail(ctx, job, d, err, log)
		return false
	}

	job.Status = JobCompleted
	job.Error = ""
	p.finish(ctx, job, log)

	d.Status = downloads.StatusMoved
	d.FinalPath = dest
	d.Progress = 100
	d.ErrorMessage = ""
	if d.CompletedAt.IsZero() {
		d.CompletedAt = p.now().UTC()
	}
	if err := p.downloads.UpsertDownload(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to record moved download")
	}

	log.Info().Str("finalPath", dest).Msg("Download imported")
	p.removeFromClient(ctx, job, d, log)
	return true
}

func (p *Processor) fail(ctx context.Context, job *Job, d *downloads.Download, cause error, log zerolog.Logger) {
	job.Error = cause.Error()
	if job.Attempts < p.maxAttempts {
		job.Status = JobRetry
		log.Warn().Err(cause).Int("attempt", job.Attempts).Msg("Processing failed, will retry")
		p.finish(ctx, job, log)
		return
	}

	job.Status = JobFailed
	log.Error().Err(cause).Int("attempts", job.Attempts).Msg("Processing failed permanently")
	p.finish(ctx, job, log)

	if d == nil {
		return
	}
	d.Status = downloads.StatusFailed
	d.ErrorMessage = fmt.Sprintf("import failed: %s", cause)
	if err := p.downloads.UpsertDownload(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to record failed download")
	}
	if p.failures != nil {
		p.failures.SetImportError(d.ID, d.Title, d.ErrorMessage)
	}
}

func (p *Processor) finish(ctx context.Context, job *Job, log zerolog.Logger) {
	if err := p.jobs.Finish(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to update job")
	}
}

func (p *Processor) removeFromClient(ctx context.Context, job *Job, d *downloads.Download, log zerolog.Logger) {
	if p.clients == nil || p.remover == nil || job.ClientID == "" {
		return
	}
	cfg, err := p.clients.GetClientConfig(ctx, job.ClientID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load client for removal")
		return
	}
	if !cfg.RemoveCompletedDownloads {
		return
	}

	id, ok := d.MetadataValue(types.CorrelationKey(cfg.Type))
	if !ok || id == "" {
		log.Debug().Msg("No client id recorded, skipping removal")
		return
	}
	if err := p.remover.Remove(ctx, cfg, id, false); err != nil {
		log.Warn().Err(err).Str("client", cfg.Name).Msg("Failed to remove completed download from client")
		return
	}
	log.Info().Str("client", cfg.Name).Msg("Removed completed download from client")
}
