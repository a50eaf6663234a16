package models

import "time"

// ThrottleRecord is the completion history for one identity.
//
// Version increments on every write and guards compare-and-swap updates. A zero
// Version means no record has been stored yet.
type ThrottleRecord struct {
	Identity        string
	LastCompletedAt time.Time
	Completions     []time.Time
	Version         int64
}

// CompletionsSince returns the completions strictly after cutoff.
func (r ThrottleRecord) CompletionsSince(cutoff time.Time) []time.Time {
	var out []time.Time
	for _, c := range r.Completions {
		if c.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}
