package tasks

import "context"

// CancelToken is the cooperative cancel signal for one run.
//
// Cancelling wakes admission sleeps and stops further fetch dispatch. Fetches
// already in flight and the commit phase are never interrupted by it.
// A nil token is never cancelled.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken returns a token that is also cancelled when parent is done.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	if t != nil {
		t.cancel()
	}
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.ctx.Err() != nil
}

// Context is done once the token is cancelled.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}
