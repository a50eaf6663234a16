package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// SyncRun is the persisted outcome of one pipeline run.
type SyncRun struct {
	record
	identity    string
	state       string
	success     bool
	cancelled   bool
	committed   int
	targets     int
	rateLimited int
	failed      int
	message     string
	startedAt   time.Time
	finishedAt  *time.Time
}

// NewSyncRun creates a run record for identity starting now.
func NewSyncRun(sequence int, identity string, targets int) *SyncRun {
	r := &SyncRun{record: newRecord(sequence), identity: identity, targets: targets}
	r.startedAt = r.createdAt
	return r
}

func (r *SyncRun) Identity() string           { return r.identity }
func (r *SyncRun) State() string              { return r.state }
func (r *SyncRun) SetState(s string)          { r.state = s }
func (r *SyncRun) Success() bool              { return r.success }
func (r *SyncRun) SetSuccess(ok bool)         { r.success = ok }
func (r *SyncRun) Cancelled() bool            { return r.cancelled }
func (r *SyncRun) SetCancelled(c bool)        { r.cancelled = c }
func (r *SyncRun) Committed() int             { return r.committed }
func (r *SyncRun) SetCommitted(n int)         { r.committed = n }
func (r *SyncRun) Targets() int               { return r.targets }
func (r *SyncRun) RateLimited() int           { return r.rateLimited }
func (r *SyncRun) SetRateLimited(n int)       { r.rateLimited = n }
func (r *SyncRun) Failed() int                { return r.failed }
func (r *SyncRun) SetFailed(n int)            { r.failed = n }
func (r *SyncRun) Message() string            { return r.message }
func (r *SyncRun) SetMessage(m string)        { r.message = m }
func (r *SyncRun) StartedAt() time.Time       { return r.startedAt }
func (r *SyncRun) SetStartedAt(t time.Time)   { r.startedAt = t }
func (r *SyncRun) FinishedAt() *time.Time     { return r.finishedAt }
func (r *SyncRun) SetFinishedAt(t *time.Time) { r.finishedAt = t }

// Duration is the wall time of a finished run, or zero.
func (r *SyncRun) Duration() time.Duration {
	if r.finishedAt == nil {
		return 0
	}
	return r.finishedAt.Sub(r.startedAt)
}

// Validate checks the run has an identity and a state.
func (r *SyncRun) Validate() error {
	if r.identity == "" {
		return fmt.Errorf("%w: run identity is required", shared.ErrInvalidInput)
	}
	if r.state == "" {
		return fmt.Errorf("%w: run state is required", shared.ErrInvalidInput)
	}
	if r.committed < 0 || r.rateLimited < 0 || r.failed < 0 {
		return fmt.Errorf("%w: run counters must not be negative", shared.ErrInvalidInput)
	}
	return nil
}
