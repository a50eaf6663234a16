package admission

import (
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// Ticket is a claim on the admission slot.
//
// Generation is the fencing token assigned when the slot was won; stores only
// release or extend a slot whose holder and generation both match.
type Ticket struct {
	ID         string
	Slot       string
	Identity   string
	Weight     int
	Arrival    int64
	Generation int64
	Bypassed   bool
	EnqueuedAt time.Time
	AcquiredAt time.Time
	ExpiresAt  time.Time

	stop func()
}

func newTicket(slot, identity string, weight int) *Ticket {
	return &Ticket{ID: shared.GenerateID(), Slot: slot, Identity: identity, Weight: weight}
}

// Held reports whether the ticket occupies the slot.
func (t *Ticket) Held() bool {
	return t != nil && !t.Bypassed && t.Generation > 0
}

// Snapshot is a point-in-time view of a slot.
type Snapshot struct {
	Slot           string
	HolderID       string
	HolderIdentity string
	Weight         int
	Generation     int64
	AcquiredAt     time.Time
	ExpiresAt      time.Time
	Waiting        int
}

// Held reports whether a live holder occupies the slot at now.
func (s Snapshot) Held(now time.Time) bool {
	return s.HolderID != "" && s.ExpiresAt.After(now)
}
