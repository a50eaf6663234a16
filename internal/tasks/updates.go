package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// ProgressUpdate represents a progress event during a sync run.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Pipeline phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// ProgressFunc receives progress updates. It is called from the run's goroutine
// and must not block.
type ProgressFunc func(ProgressUpdate)

// Pipeline phase enumeration
type Phase int

const (
	PhaseThrottle Phase = iota
	PhaseQueue
	PhaseJitter
	PhaseFetch
	PhaseCommit
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseThrottle:
		return "throttle"
	case PhaseQueue:
		return "queue"
	case PhaseJitter:
		return "jitter"
	case PhaseFetch:
		return "fetch"
	case PhaseCommit:
		return "commit"
	case PhaseDone:
		return "done"
	default:
		return ""
	}
}

// ChannelProgress adapts a channel to a [ProgressFunc].
//
// Sends never block: when the channel is full the update is dropped.
func ChannelProgress(progress chan<- ProgressUpdate) ProgressFunc {
	return func(update ProgressUpdate) {
		sendProgress(progress, update)
	}
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

var counterPattern = regexp.MustCompile(`\[(\d+)/(\d+)\]`)

// ParseCounter extracts the first "[completed/total]" counter embedded in msg.
func ParseCounter(msg string) (done, total int, ok bool) {
	m := counterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	done, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[2])
	if err != nil || total == 0 || done > total {
		return 0, 0, false
	}
	return done, total, true
}

func counter(step, total int) string {
	return fmt.Sprintf("[%d/%d]", step, total)
}

func throttleCheckUpdate(identity string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseThrottle,
		Step:    0,
		Total:   1,
		Message: fmt.Sprintf("Checking sync limits for %s...", identity),
	}
}

func rejectedUpdate(reason string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseThrottle,
		Step:    1,
		Total:   1,
		Message: "Sync not allowed yet: " + reason,
	}
}

func queueJoinUpdate(weight int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseQueue,
		Total:   weight,
		Message: fmt.Sprintf("Requesting sync slot for %d channels...", weight),
	}
}

func queuePositionUpdate(position int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseQueue,
		Step:    position,
		Message: fmt.Sprintf("Waiting in queue (position %d)...", position),
		Data:    position,
	}
}

func jitterUpdate(delay time.Duration) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseJitter,
		Message: fmt.Sprintf("Queue is busy, retrying in %s...", delay.Round(10*time.Millisecond)),
		Data:    delay,
	}
}

func admittedUpdate(bypassed bool, waited time.Duration) ProgressUpdate {
	msg := "Sync slot acquired after " + shared.HumanDuration(waited)
	if bypassed {
		msg = "Small sync, skipping the queue"
	}
	return ProgressUpdate{Phase: PhaseQueue, Message: msg}
}

func fetchStartUpdate(total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseFetch,
		Step:    0,
		Total:   total,
		Message: fmt.Sprintf("%s Fetching %d channels...", counter(0, total), total),
	}
}

func fetchProgressUpdate(step, total int, label string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseFetch,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("%s %s", counter(step, total), label),
	}
}

func commitStartUpdate(items, batches int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseCommit,
		Step:    0,
		Total:   batches,
		Message: fmt.Sprintf("Saving %d videos in %d batches...", items, batches),
	}
}

func commitDoneUpdate(res CommitResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseCommit,
		Step:    res.Batches,
		Total:   res.Batches,
		Message: fmt.Sprintf("%s Saved %d videos", counter(res.Batches-res.FailedBatches, res.Batches), res.Committed),
		Data:    res,
	}
}

func doneUpdate(result *SyncRunResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseDone,
		Step:    1,
		Total:   1,
		Message: result.Message,
		Data:    result,
	}
}
