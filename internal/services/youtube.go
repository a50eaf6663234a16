// YouTube [ChannelSource] implementation
//
// Reads public channel feeds from an unauthenticated JSON mirror of the YouTube
// data (Invidious-style). Calls are paced by a shared rate limiter.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

const (
	defaultYTBaseURL  string = "http://localhost:3000"
	defaultPageSize   int    = 30
	maxErrorBodyBytes int64  = 4096
)

// YouTubeImage represents a thumbnail in feed responses.
type YouTubeImage struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// YouTubeVideo represents one entry of a channel feed.
type YouTubeVideo struct {
	VideoID       string         `json:"videoId"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Thumbnails    []YouTubeImage `json:"videoThumbnails"`
	LengthSeconds int            `json:"lengthSeconds"`
	ViewCount     int64          `json:"viewCount"`
	Published     int64          `json:"published"` // unix seconds
}

type channelVideosResponse struct {
	Videos []YouTubeVideo `json:"videos"`
}

// YouTubeService implements [ChannelSource] over the feed API.
type YouTubeService struct {
	baseURL    string
	pageSize   int
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewYouTubeService creates a feed client from the [source] config section.
//
// A zero rate limit disables pacing.
func NewYouTubeService(cfg shared.SourceConfig, client *http.Client) *YouTubeService {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultYTBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.Burst, 1)

	return &YouTubeService{
		baseURL:    baseURL,
		pageSize:   pageSize,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: client,
	}
}

// Name returns the service name.
func (y *YouTubeService) Name() string {
	return "YouTube"
}

// FetchVideos retrieves the newest page of videos for a channel.
//
// Calls GET /api/channels/{id}/videos?limit={page_size}.
func (y *YouTubeService) FetchVideos(ctx context.Context, target *models.Target) ([]models.Video, error) {
	if target == nil || target.ChannelID() == "" {
		return nil, fmt.Errorf("%w: target has no channel id", shared.ErrInvalidInput)
	}

	endpoint := fmt.Sprintf("/api/channels/%s/videos?limit=%d", url.PathEscape(target.ChannelID()), y.pageSize)

	var resp channelVideosResponse
	if err := y.doRequest(ctx, http.MethodGet, endpoint, &resp); err != nil {
		return nil, err
	}

	videos := make([]models.Video, 0, len(resp.Videos))
	for _, v := range resp.Videos {
		if v.VideoID == "" {
			continue
		}
		videos = append(videos, v.toModel(target))
	}
	return videos, nil
}

func (y *YouTubeService) doRequest(ctx context.Context, method, endpoint string, result any) error {
	if err := y.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, y.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if y.userAgent != "" {
		req.Header.Set("User-Agent", y.userAgent)
	}

	resp, err := y.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", shared.ErrTimeout, method, endpoint)
		}
		return fmt.Errorf("%w: %w", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return newAPIError(resp.StatusCode, errorMessage(body))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// errorMessage pulls a message out of a JSON error body, falling back to the raw text.
func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		for _, msg := range []string{errResp.Error, errResp.Detail, errResp.Message} {
			if msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}

func (v YouTubeVideo) toModel(target *models.Target) models.Video {
	video := models.Video{
		OwnerID:      target.OwnerID(),
		Platform:     target.Platform(),
		ExternalID:   v.VideoID,
		ChannelID:    target.ChannelID(),
		Title:        v.Title,
		Description:  v.Description,
		ThumbnailURL: bestThumbnail(v.Thumbnails),
		Duration:     v.LengthSeconds,
		ViewCount:    v.ViewCount,
	}
	if v.Published > 0 {
		video.PublishedAt = time.Unix(v.Published, 0).UTC()
	}
	return video
}

func bestThumbnail(images []YouTubeImage) string {
	best := -1
	for i, img := range images {
		if img.URL == "" {
			continue
		}
		if best < 0 || img.Width > images[best].Width {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return images[best].URL
}
