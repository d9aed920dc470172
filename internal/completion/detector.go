// Package completion debounces client-reported completion with a stability window.
package completion

import (
	"time"

	"github.com/rs/zerolog"
)

// EventCompletionCandidate is broadcast when a candidate is observed or retracted.
const EventCompletionCandidate = "CompletionCandidate"

// Outcome classifies one observation of a download.
type Outcome int

const (
	// NotComplete means the client reports the transfer unfinished and no candidate existed.
	NotComplete Outcome = iota
	// Retracted means a pending candidate was dropped because the item is no longer complete.
	Retracted
	// Observed means the item was seen complete for the first time.
	Observed
	// Pending means the item is still complete but the stability window has not elapsed.
	Pending
	// Confirmed means the item stayed complete for the whole window. The candidate is removed.
	Confirmed
)

func (o Outcome) String() string {
	switch o {
	case Retracted:
		return "retracted"
	case Observed:
		return "observed"
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "not-complete"
	}
}

// Notifier receives candidate events.
type Notifier interface {
	Broadcast(msgType string, payload interface{}) error
}

// CandidateEvent is the payload of EventCompletionCandidate.
type CandidateEvent struct {
	DownloadID string `json:"downloadId"`
	State      string `json:"state"`
}

// Detector classifies per-poll completion reports for downloads.
type Detector struct {
	store    *CandidateStore
	window   time.Duration
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDetector creates a detector over the given store.
func NewDetector(store *CandidateStore, window time.Duration, notifier Notifier, logger zerolog.Logger) *Detector {
	return &Detector{
		store:    store,
		window:   window,
		notifier: notifier,
		logger:   logger.With().Str("component", "completion").Logger(),
		now:      time.Now,
	}
}

// SetNow overrides the clock.
func (d *Detector) SetNow(now func() time.Time) {
	d.now = now
}

// Observe records whether the client currently reports the download complete.
// Exactly one call returns Confirmed per continuous run of complete observations
// that outlasts the window, even when called concurrently.
func (d *Detector) Observe(downloadID string, complete bool) Outcome {
	if !complete {
		if d.store.Delete(downloadID) {
			d.logger.Debug().Str("downloadId", downloadID).Msg("Completion candidate retracted")
			d.notify(downloadID, Retracted)
			return Retracted
		}
		return NotComplete
	}

	now := d.now()
	first, loaded := d.store.LoadOrStore(downloadID, now)
	if !loaded {
		d.logger.Debug().Str("downloadId", downloadID).Dur("window", d.window).Msg("Completion candidate observed")
		d.notify(downloadID, Observed)
		return Observed
	}

	if now.Sub(first) < d.window {
		return Pending
	}

	if !d.store.CompareAndDelete(downloadID, first) {
		// Another poll confirmed or retracted it first.
		return Pending
	}
	d.logger.Info().Str("downloadId", downloadID).Dur("stableFor", now.Sub(first)).Msg("Completion confirmed")
	return Confirmed
}

// Retract drops any candidate for the download and announces it.
func (d *Detector) Retract(downloadID string) {
	d.Observe(downloadID, false)
}

// Forget drops any candidate for the download without notifying.
// Use it when the download record itself is gone.
func (d *Detector) Forget(downloadID string) {
	d.store.Delete(downloadID)
}

func (d *Detector) notify(downloadID string, outcome Outcome) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Broadcast(EventCompletionCandidate, CandidateEvent{DownloadID: downloadID, State: outcome.String()}); err != nil {
		d.logger.Warn().Err(err).Str("downloadId", downloadID).Msg("Failed to broadcast completion candidate")
	}
}
