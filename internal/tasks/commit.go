package tasks

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

const (
	defaultBatchSize     = 200
	defaultCommitWorkers = 4
)

// VideoWriter upserts one batch of videos atomically and reports how many it stored.
type VideoWriter interface {
	UpsertVideos(ctx context.Context, videos []models.Video) (int, error)
}

// CommitResult tallies a [Committer.Commit] call.
type CommitResult struct {
	Committed     int     // items in batches that committed
	Batches       int     // batches attempted
	FailedBatches int     // batches rolled back
	Errors        []error // one per failed batch
}

// Committer writes fetched videos in concurrent batches.
type Committer struct {
	writer  VideoWriter
	workers int
	logger  *log.Logger
}

// NewCommitter creates a Committer over writer.
func NewCommitter(writer VideoWriter, logger *log.Logger) *Committer {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Committer{writer: writer, workers: defaultCommitWorkers, logger: logger.WithPrefix("commit")}
}

// Commit de-duplicates items by natural key (last occurrence wins), splits them
// into batches of batchSize and upserts the batches concurrently.
//
// Committed is summed from what each successful batch reports, never derived
// from the batch count. A failed batch stores nothing and does not stop the others.
func (c *Committer) Commit(ctx context.Context, items []models.Video, batchSize int) CommitResult {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	unique := models.DedupeVideos(items)
	if dropped := len(items) - len(unique); dropped > 0 {
		c.logger.Debug("dropped duplicate videos", "count", dropped)
	}

	batches := slices.Collect(slices.Chunk(unique, batchSize))
	result := CommitResult{Batches: len(batches)}
	if len(batches) == 0 {
		return result
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.workers)
	)

	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := c.upsert(ctx, batch)
			metrics.RecordBatch(n, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Error("commit batch failed", "batch", i+1, "size", len(batch), "err", err)
				result.FailedBatches++
				result.Errors = append(result.Errors, err)
				return
			}
			result.Committed += n
		}()
	}
	wg.Wait()

	c.logger.Debug("commit finished", "committed", result.Committed, "batches", result.Batches, "failed", result.FailedBatches)
	return result
}

// upsert writes one batch. A panicking writer counts as a failed batch.
func (c *Committer) upsert(ctx context.Context, batch []models.Video) (n int, err error) {
	defer func() {
		if v := recover(); v != nil {
			n, err = 0, fmt.Errorf("commit batch panicked: %v", v)
		}
	}()
	return c.writer.UpsertVideos(ctx, batch)
}
