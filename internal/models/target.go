package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// PlatformYouTube is the only platform the fetch client speaks today.
const PlatformYouTube = "youtube"

// Target is a followed channel that a sync run refreshes.
//
// The pipeline treats targets as read-only input.
type Target struct {
	record
	ownerID        string
	platform       string
	channelID      string
	name           string
	lastVideoCount int
	lastSyncedAt   *time.Time
}

// NewTarget creates a YouTube target for ownerID.
func NewTarget(sequence int, ownerID, channelID, name string) *Target {
	return &Target{
		record:    newRecord(sequence),
		ownerID:   strings.TrimSpace(ownerID),
		platform:  PlatformYouTube,
		channelID: strings.TrimSpace(channelID),
		name:      strings.TrimSpace(name),
	}
}

func (t *Target) OwnerID() string               { return t.ownerID }
func (t *Target) Platform() string              { return t.platform }
func (t *Target) SetPlatform(p string)          { t.platform = p }
func (t *Target) ChannelID() string             { return t.channelID }
func (t *Target) Name() string                  { return t.name }
func (t *Target) SetName(name string)           { t.name = name }
func (t *Target) LastVideoCount() int           { return t.lastVideoCount }
func (t *Target) SetLastVideoCount(n int)       { t.lastVideoCount = n }
func (t *Target) LastSyncedAt() *time.Time      { return t.lastSyncedAt }
func (t *Target) SetLastSyncedAt(ts *time.Time) { t.lastSyncedAt = ts }

// Label is the name shown in progress messages, falling back to the channel id.
func (t *Target) Label() string {
	if t.name != "" {
		return t.name
	}
	return t.channelID
}

// Validate checks the owner and channel are set.
func (t *Target) Validate() error {
	if t.ownerID == "" {
		return fmt.Errorf("%w: target owner is required", shared.ErrInvalidInput)
	}
	if t.channelID == "" {
		return fmt.Errorf("%w: target channel id is required", shared.ErrInvalidInput)
	}
	if t.platform == "" {
		return fmt.Errorf("%w: target platform is required", shared.ErrInvalidInput)
	}
	return nil
}
