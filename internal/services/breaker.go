package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker/v2"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

const defaultMaxFailures uint32 = 3

// BreakerSource wraps a [ChannelSource] with a circuit breaker.
//
// Only blocked responses count as failures; ordinary errors and rate limiting
// never open the circuit. While the circuit is open every fetch fails with
// [shared.ErrBlocked] without reaching the network. Fetches turned away while the
// circuit is half-open fail with [shared.ErrServiceUnavailable].
type BreakerSource struct {
	source ChannelSource
	cb     *gobreaker.CircuitBreaker[[]models.Video]
	logger *log.Logger
}

// NewBreakerSource wraps source using the [source.breaker] config section.
func NewBreakerSource(source ChannelSource, cfg shared.BreakerConfig, logger *log.Logger) *BreakerSource {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("breaker")

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	maxRequests := max(cfg.MaxRequests, 1)

	name := source.Name()
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[[]models.Video](gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed", "source", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			return Classify(err) != KindBlocked
		},
	})

	return &BreakerSource{source: source, cb: cb, logger: logger}
}

// Name returns the wrapped source's name.
func (b *BreakerSource) Name() string {
	return b.source.Name()
}

// State reports the current circuit state.
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

// FetchVideos runs the wrapped fetch through the breaker.
func (b *BreakerSource) FetchVideos(ctx context.Context, target *models.Target) ([]models.Video, error) {
	videos, err := b.cb.Execute(func() ([]models.Video, error) {
		return b.source.FetchVideos(ctx, target)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		b.logger.Debug("fetch short-circuited", "target", target.Label(), "state", b.cb.State().String())
		return nil, fmt.Errorf("%w: %s circuit %w", shared.ErrBlocked, b.Name(), err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Debug("fetch turned away while half-open", "target", target.Label())
		return nil, fmt.Errorf("%w: %s circuit is half-open", shared.ErrServiceUnavailable, b.Name())
	}
	return videos, err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
