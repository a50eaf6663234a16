// package services defines interface ChannelSource for reading channel feeds over HTTP
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// ChannelSource fetches the current page of videos for a target.
type ChannelSource interface {
	// FetchVideos returns the newest videos for target, stamped with the
	// target's owner and platform so they can be upserted by natural key.
	FetchVideos(ctx context.Context, target *models.Target) ([]models.Video, error)

	// Name returns the name of the source (e.g., "YouTube")
	Name() string
}

// Kind is the classification of a fetch error.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimited
	KindBlocked
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindRateLimited:
		return "rate_limited"
	case KindBlocked:
		return "blocked"
	default:
		return "error"
	}
}

var (
	rateLimitMarkers = []string{"rate limit", "ratelimit", "quota", "too many requests"}
	blockedMarkers   = []string{"blocked", "flagged", "captcha", "unusual traffic", "sign in to confirm"}
)

// APIError is a non-2xx response from a video API.
type APIError struct {
	Status  int
	Message string
	Kind    Kind
}

func newAPIError(status int, message string) *APIError {
	return &APIError{Status: status, Message: message, Kind: classifyResponse(status, message)}
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("video API error: status %d", e.Status)
	}
	return fmt.Sprintf("video API error (status %d): %s", e.Status, e.Message)
}

// Unwrap exposes the matching sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case KindRateLimited:
		return shared.ErrRateLimited
	case KindBlocked:
		return shared.ErrBlocked
	default:
		return shared.ErrAPIRequest
	}
}

func classifyResponse(status int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case status == 429:
		return KindRateLimited
	case (status == 403 || status == 451) && containsAny(msg, blockedMarkers):
		return KindBlocked
	case containsAny(msg, rateLimitMarkers):
		return KindRateLimited
	default:
		return KindError
	}
}

// Classify maps a fetch error onto the pipeline's failure taxonomy.
//
// Blocked wins over rate-limited so an error carrying both stops the run.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var apiErr *APIError
	switch {
	case errors.Is(err, shared.ErrBlocked):
		return KindBlocked
	case errors.Is(err, shared.ErrRateLimited):
		return KindRateLimited
	case errors.As(err, &apiErr):
		return apiErr.Kind
	case containsAny(strings.ToLower(err.Error()), rateLimitMarkers):
		return KindRateLimited
	default:
		return KindError
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
