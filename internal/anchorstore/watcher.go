package anchorstore

import (
	"context"
	"time"

	"github.com/keithlinneman/svcgate/internal/authn"
	"github.com/keithlinneman/svcgate/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new
	// keyset release ID.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange  pollResult = iota // SSM ID matches current - nothing to do
	pollSwapped                     // new ID detected, keyset loaded and swapped
	pollSSMError                    // SSM fetch failed - caller should back off
	pollLoadError                   // SSM succeeded but keyset load failed
)

// KeysetFetcher is the interface the Watcher needs from a Loader.
// Extracted to decouple the Watcher from the concrete *Loader type for
// simpler test doubles.
type KeysetFetcher interface {
	FetchCurrentKeysetID(ctx context.Context) (string, error)
	LoadKeyset(ctx context.Context, id string) ([]authn.TrustAnchor, error)
}

// ReloadMetrics is implemented by the metrics package to count reload
// outcomes.
type ReloadMetrics interface {
	IncAnchorReload(err error)
}

// WatcherOptions configures the keyset watcher.
type WatcherOptions struct {
	Logger       log.Logger
	Loader       KeysetFetcher
	Resolver     *authn.StaticResolver
	PollInterval time.Duration

	// CurrentID seeds change detection with the release loaded at startup
	// so the first poll does not re-download it.
	CurrentID string

	// OnSwap is called after a successful keyset swap, synchronously on
	// the poll goroutine.
	OnSwap func(id string, anchors int)

	// Metrics receives reload outcomes.
	Metrics ReloadMetrics
}

// Watcher polls for keyset release changes and swaps new anchors into the
// resolver.
type Watcher struct {
	loader   KeysetFetcher
	resolver *authn.StaticResolver
	logger   log.Logger
	interval time.Duration
	onSwap   func(id string, anchors int)
	metrics  ReloadMetrics

	currentID       string
	consecutiveErrs int

	pollCount int64
	swapCount int64
}

// NewWatcher creates a keyset watcher. Call Run to start the poll loop.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		loader:    opts.Loader,
		resolver:  opts.Resolver,
		logger:    opts.Logger,
		interval:  interval,
		onSwap:    opts.OnSwap,
		metrics:   opts.Metrics,
		currentID: opts.CurrentID,
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "anchor watcher starting",
		"poll_interval", w.interval.String(),
		"current_keyset", w.currentID,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "anchor watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "anchor watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "anchor watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++

	id, err := w.loader.FetchCurrentKeysetID(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "anchor watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncAnchorReload(err)
		}
		return pollSSMError
	}

	// no change - most common path
	if id == w.currentID {
		return pollNoChange
	}

	w.logger.Info(ctx, "anchor watcher: new keyset release detected",
		"old_keyset", w.currentID,
		"new_keyset", id,
	)

	anchors, err := w.loader.LoadKeyset(ctx, id)
	if err != nil {
		// keep serving the current keyset; retry next poll
		w.logger.Error(ctx, err, "anchor watcher: failed to load keyset")
		if w.metrics != nil {
			w.metrics.IncAnchorReload(err)
		}
		return pollLoadError
	}

	w.resolver.Replace(anchors)
	w.currentID = id
	w.swapCount++

	w.logger.Info(ctx, "anchor watcher: keyset swapped",
		"keyset", id,
		"anchors", len(anchors),
	)
	if w.metrics != nil {
		w.metrics.IncAnchorReload(nil)
	}
	if w.onSwap != nil {
		w.onSwap(id, len(anchors))
	}
	return pollSwapped
}

// backoffDuration computes exponential backoff from the error streak,
// doubling from the poll interval. Growth saturates at maxBackoff before
// the multiplication can overflow, so the result stays positive and safe
// to hand to ticker.Reset no matter how long the outage runs.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 1; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
