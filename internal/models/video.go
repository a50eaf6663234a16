package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// NaturalKey identifies a video independently of storage ids.
type NaturalKey struct {
	OwnerID    string
	Platform   string
	ExternalID string
}

func (k NaturalKey) String() string {
	return k.OwnerID + "/" + k.Platform + "/" + k.ExternalID
}

// Video is a content item fetched from a target and upserted by its natural key.
type Video struct {
	OwnerID      string    `json:"owner_id"`
	Platform     string    `json:"platform"`
	ExternalID   string    `json:"external_id"`
	ChannelID    string    `json:"channel_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Duration     int       `json:"duration"` // seconds
	ViewCount    int64     `json:"view_count"`
	PublishedAt  time.Time `json:"published_at"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// NaturalKey returns the (owner, platform, external id) tuple.
func (v Video) NaturalKey() NaturalKey {
	return NaturalKey{OwnerID: v.OwnerID, Platform: v.Platform, ExternalID: v.ExternalID}
}

// Validate checks the natural key is complete.
func (v Video) Validate() error {
	if strings.TrimSpace(v.OwnerID) == "" || strings.TrimSpace(v.Platform) == "" || strings.TrimSpace(v.ExternalID) == "" {
		return fmt.Errorf("%w: video natural key is incomplete (%s)", shared.ErrInvalidInput, v.NaturalKey())
	}
	return nil
}

// DedupeVideos keeps the last occurrence of each natural key, in first-seen order.
func DedupeVideos(videos []Video) []Video {
	index := make(map[NaturalKey]int, len(videos))
	out := make([]Video, 0, len(videos))
	for _, v := range videos {
		key := v.NaturalKey()
		if i, ok := index[key]; ok {
			out[i] = v
			continue
		}
		index[key] = len(out)
		out = append(out, v)
	}
	return out
}
