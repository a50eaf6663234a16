// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/ytsync/internal/models"
)

// MockResponse is what [MockSource] returns for one channel.
type MockResponse struct {
	Videos []models.Video
	Err    error
	Delay  time.Duration
	Panic  any // when set, FetchVideos panics with it after the delay
}

// MockSource is a test double for [services.ChannelSource].
//
// Channels without a configured response return no videos. MaxInFlight records
// the highest number of concurrent FetchVideos calls seen.
type MockSource struct {
	Responses map[string]MockResponse
	Default   MockResponse

	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
}

// NewMockSource creates a source answering from responses keyed by channel id.
func NewMockSource(responses map[string]MockResponse) *MockSource {
	if responses == nil {
		responses = map[string]MockResponse{}
	}
	return &MockSource{Responses: responses}
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) FetchVideos(ctx context.Context, target *models.Target) ([]models.Video, error) {
	m.mu.Lock()
	m.calls = append(m.calls, target.ChannelID())
	m.inFlight++
	m.maxInFlight = max(m.maxInFlight, m.inFlight)
	resp, ok := m.Responses[target.ChannelID()]
	if !ok {
		resp = m.Default
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}
	if resp.Panic != nil {
		panic(resp.Panic)
	}
	return resp.Videos, resp.Err
}

// Calls returns the channel ids fetched so far, in call order.
func (m *MockSource) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MaxInFlight returns the highest observed fetch concurrency.
func (m *MockSource) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// MemoryWriter is an in-memory [tasks.VideoWriter] keyed by natural key.
//
// FailBatch, when set, is consulted before each batch and a non-nil error rolls
// the batch back.
type MemoryWriter struct {
	FailBatch func(batch []models.Video) error

	mu      sync.Mutex
	videos  map[models.NaturalKey]models.Video
	batches int
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{videos: map[models.NaturalKey]models.Video{}}
}

func (w *MemoryWriter) UpsertVideos(ctx context.Context, videos []models.Video) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batches++
	if w.FailBatch != nil {
		if err := w.FailBatch(videos); err != nil {
			return 0, err
		}
	}
	for _, v := range videos {
		w.videos[v.NaturalKey()] = v
	}
	return len(videos), nil
}

// Len returns the number of distinct videos stored.
func (w *MemoryWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.videos)
}

// Batches returns how many batches were attempted.
func (w *MemoryWriter) Batches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batches
}

// Snapshot copies the stored videos.
func (w *MemoryWriter) Snapshot() map[models.NaturalKey]models.Video {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.videos)
}

// MakeTargets builds n targets for owner with channel ids "UC000".."UC{n-1}".
func MakeTargets(owner string, n int) []*models.Target {
	targets := make([]*models.Target, n)
	for i := range n {
		targets[i] = models.NewTarget(i+1, owner, fmt.Sprintf("UC%03d", i), fmt.Sprintf("Channel %d", i))
	}
	return targets
}

// MakeVideos builds n distinct videos for one channel of owner.
func MakeVideos(owner, channelID string, n int) []models.Video {
	videos := make([]models.Video, n)
	for i := range n {
		videos[i] = models.Video{
			OwnerID:     owner,
			Platform:    models.PlatformYouTube,
			ExternalID:  fmt.Sprintf("%s-v%03d", channelID, i),
			ChannelID:   channelID,
			Title:       fmt.Sprintf("Video %d", i),
			Duration:    60 + i,
			PublishedAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}
	}
	return videos
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
