package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"yhmv/models"
)

const (
	DefaultReportInterval   = 10 * time.Second
	DefaultWatchedThreshold = 0.9
)

// Timeline is what a ProgressReporter reports to.
type Timeline interface {
	ReportTimeline(ctx context.Context, ratingKey string, state models.PlaybackState, position, duration time.Duration)
	Scrobble(ctx context.Context, ratingKey string) error
}

type ProgressOptions struct {
	Interval         time.Duration
	WatchedThreshold float64
	Logger           *slog.Logger
}

// ProgressReporter reports playback of one item. While playing it sends a
// timeline update every interval; pause, resume and stop are reported
// immediately. Stopping past the watched threshold scrobbles the item. No
// error ever reaches the caller.
type ProgressReporter struct {
	timeline  Timeline
	ratingKey string
	opts      ProgressOptions
	log       *slog.Logger

	mu        sync.Mutex
	state     models.PlaybackState
	position  time.Duration
	duration  time.Duration
	running   bool
	stopped   bool
	scrobbled bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewProgressReporter(timeline Timeline, ratingKey string, duration time.Duration, opts ProgressOptions) *ProgressReporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReportInterval
	}
	if opts.WatchedThreshold <= 0 || opts.WatchedThreshold > 1 {
		opts.WatchedThreshold = DefaultWatchedThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressReporter{
		timeline:  timeline,
		ratingKey: ratingKey,
		opts:      opts,
		log:       logger.With("component", "progress", "ratingKey", ratingKey),
		state:     models.PlaybackStopped,
		duration:  duration,
	}
}

// NewProgressReporter starts tracking playback of ratingKey through s.
func (s *Service) NewProgressReporter(ratingKey string, duration time.Duration, opts ProgressOptions) *ProgressReporter {
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	return NewProgressReporter(s, ratingKey, duration, opts)
}

// Start reports playing and begins periodic reports. The loop ends on Stop
// or when ctx is done.
func (r *ProgressReporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.state = models.PlaybackPlaying
	r.mu.Unlock()

	r.report(ctx, models.PlaybackPlaying)

	r.wg.Add(1)
	go r.loop(loopCtx)
	r.log.Debug("progress reporting started")
}

func (r *ProgressReporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			playing := r.state == models.PlaybackPlaying
			r.mu.Unlock()
			if playing {
				r.report(ctx, models.PlaybackPlaying)
			}
		}
	}
}

// Update records the current position (and duration, when known).
func (r *ProgressReporter) Update(position, duration time.Duration) {
	r.mu.Lock()
	r.position = position
	if duration > 0 {
		r.duration = duration
	}
	r.mu.Unlock()
}

func (r *ProgressReporter) Pause(ctx context.Context) {
	if r.transition(models.PlaybackPaused) {
		r.report(ctx, models.PlaybackPaused)
	}
}

func (r *ProgressReporter) Resume(ctx context.Context) {
	if r.transition(models.PlaybackPlaying) {
		r.report(ctx, models.PlaybackPlaying)
	}
}

func (r *ProgressReporter) transition(to models.PlaybackState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.state == to {
		return false
	}
	r.state = to
	return true
}

// Stop ends the session: the loop exits, stopped is reported and the item
// is scrobbled when watched far enough. Only the first call has effect.
func (r *ProgressReporter) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	wasRunning := r.running
	r.running = false
	r.state = models.PlaybackStopped
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	if !wasRunning {
		return
	}

	r.report(ctx, models.PlaybackStopped)

	r.mu.Lock()
	watched := r.duration > 0 && float64(r.position) >= r.opts.WatchedThreshold*float64(r.duration)
	scrobble := watched && !r.scrobbled
	r.scrobbled = r.scrobbled || watched
	r.mu.Unlock()

	if scrobble {
		if err := r.timeline.Scrobble(ctx, r.ratingKey); err != nil {
			r.log.Warn("scrobble failed", "error", err)
			return
		}
		r.log.Info("marked as watched")
	}
}

func (r *ProgressReporter) report(ctx context.Context, state models.PlaybackState) {
	r.mu.Lock()
	position, duration := r.position, r.duration
	r.mu.Unlock()
	r.timeline.ReportTimeline(ctx, r.ratingKey, state, position, duration)
}
