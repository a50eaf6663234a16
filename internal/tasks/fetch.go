package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/services"
	"github.com/desertthunder/ytsync/internal/shared"
)

// FetchStatus classifies one target's fetch outcome.
type FetchStatus string

const (
	FetchOK          FetchStatus = "ok"
	FetchEmpty       FetchStatus = "empty"
	FetchRateLimited FetchStatus = "rate_limited"
	FetchBlocked     FetchStatus = "blocked"
	FetchFailed      FetchStatus = "error"
	FetchSkipped     FetchStatus = "skipped"
)

// FetchResult is the outcome of fetching a single target. It is never persisted.
type FetchResult struct {
	Target   *models.Target
	Status   FetchStatus
	Videos   []models.Video
	Err      error
	Duration time.Duration
}

// FetchProgressFunc is called after every completed or skipped target with a
// strictly increasing completed count.
type FetchProgressFunc func(completed, total int, label string)

// Orchestrator fans fetches out over a [services.ChannelSource] with bounded concurrency.
type Orchestrator struct {
	source services.ChannelSource
	logger *log.Logger
}

// NewOrchestrator creates an Orchestrator over source.
func NewOrchestrator(source services.ChannelSource, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Orchestrator{source: source, logger: logger.WithPrefix("fetch")}
}

// RunFetch fetches every target with at most maxConcurrency requests in flight.
//
// Targets are dispatched in order as slots free up. cancelCheck is consulted
// right before each dispatch; once it reports true, or once any fetch comes back
// blocked, the remaining targets are returned as [FetchSkipped]. Results are in
// completion order, one per target.
func (o *Orchestrator) RunFetch(
	ctx context.Context,
	targets []*models.Target,
	maxConcurrency int,
	cancelCheck func() bool,
	onProgress FetchProgressFunc,
) []FetchResult {
	total := len(targets)
	if total == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if cancelCheck == nil {
		cancelCheck = func() bool { return false }
	}

	results := make(chan FetchResult, total)
	slots := make(chan struct{}, maxConcurrency)
	var blocked atomic.Bool

	go func() {
		for i, target := range targets {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				o.skip(results, targets[i:], "context done")
				return
			}

			if cancelCheck() {
				<-slots
				o.skip(results, targets[i:], "cancelled")
				return
			}
			if blocked.Load() {
				<-slots
				o.skip(results, targets[i:], "blocked")
				return
			}

			go func() {
				defer func() { <-slots }()

				res := o.fetchOne(ctx, target)
				if res.Status == FetchBlocked {
					blocked.Store(true)
				}
				results <- res
			}()
		}
	}()

	out := make([]FetchResult, 0, total)
	for completed := 1; completed <= total; completed++ {
		res := <-results
		out = append(out, res)
		if onProgress != nil {
			onProgress(completed, total, progressLabel(res))
		}
	}
	return out
}

// fetchOne fetches a single target. A panicking source yields a [FetchFailed] result.
func (o *Orchestrator) fetchOne(ctx context.Context, target *models.Target) (res FetchResult) {
	metrics.FetchInFlight.Inc()
	defer metrics.FetchInFlight.Dec()

	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			o.logger.Error("fetch panicked", "target", target.Label(), "panic", v)
			res = FetchResult{
				Target:   target,
				Status:   FetchFailed,
				Err:      fmt.Errorf("fetch %s panicked: %v", target.Label(), v),
				Duration: time.Since(start),
			}
			metrics.RecordFetch(string(res.Status), res.Duration)
		}
	}()

	videos, err := o.source.FetchVideos(ctx, target)
	res = FetchResult{Target: target, Videos: videos, Err: err, Duration: time.Since(start)}

	switch services.Classify(err) {
	case services.KindNone:
		res.Status = FetchOK
		if len(videos) == 0 {
			res.Status = FetchEmpty
		}
	case services.KindRateLimited:
		res.Status = FetchRateLimited
		res.Videos = nil
	case services.KindBlocked:
		res.Status = FetchBlocked
		res.Videos = nil
		o.logger.Warn("source refused request, stopping dispatch", "target", target.Label(), "err", err)
	default:
		res.Status = FetchFailed
		res.Videos = nil
	}

	metrics.RecordFetch(string(res.Status), res.Duration)
	o.logger.Debug("fetched target", "target", target.Label(), "status", res.Status, "videos", len(res.Videos), "took", res.Duration)
	return res
}

func (o *Orchestrator) skip(results chan<- FetchResult, rest []*models.Target, why string) {
	o.logger.Debug("skipping remaining targets", "count", len(rest), "reason", why)
	for _, target := range rest {
		metrics.FetchResultsTotal.WithLabelValues(string(FetchSkipped)).Inc()
		results <- FetchResult{Target: target, Status: FetchSkipped}
	}
}

func progressLabel(res FetchResult) string {
	label := res.Target.Label()
	switch res.Status {
	case FetchOK:
		return label
	case FetchEmpty:
		return label + " (no videos)"
	case FetchRateLimited:
		return label + " (rate limited)"
	case FetchBlocked:
		return label + " (blocked)"
	case FetchFailed:
		return label + " (failed)"
	default:
		return label + " (skipped)"
	}
}
