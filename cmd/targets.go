package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/ytsync/internal/formatter"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// targetRow is the JSON shape of a followed channel.
type targetRow struct {
	ID             string `json:"id"`
	ChannelID      string `json:"channel_id"`
	Name           string `json:"name"`
	LastVideoCount int    `json:"last_video_count"`
	LastSyncedAt   string `json:"last_synced_at,omitempty"`
}

// TargetsAdd follows a channel for the owner.
func (r *Runner) TargetsAdd(ctx context.Context, cmd *cli.Command) error {
	channelID := strings.TrimSpace(cmd.StringArg("channel-id"))
	if channelID == "" {
		return fmt.Errorf("%w: channel-id", shared.ErrMissingArgument)
	}
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	target := models.NewTarget(0, owner, channelID, cmd.String("name"))
	if err := st.targets.Create(ctx, target); err != nil {
		return fmt.Errorf("failed to add target: %w", err)
	}

	r.logger.Info("target added", "owner", owner, "channel", channelID)
	return r.writePlain("✓ Following %s for %s\n", target.Label(), owner)
}

// TargetsList prints the owner's followed channels.
func (r *Runner) TargetsList(ctx context.Context, cmd *cli.Command) error {
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	targets, err := st.targets.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		rows := make([]targetRow, len(targets))
		for i, t := range targets {
			rows[i] = targetRow{ID: t.ID(), ChannelID: t.ChannelID(), Name: t.Name(), LastVideoCount: t.LastVideoCount()}
			if synced := t.LastSyncedAt(); synced != nil {
				rows[i].LastSyncedAt = synced.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		return r.writeJSON(rows, true)
	}

	if len(targets) == 0 {
		return r.writePlain("No channels followed by %s\n", owner)
	}

	r.writePlainHeader(fmt.Sprintf("Channels followed by %s (%d)", owner, len(targets)))
	for i, t := range targets {
		synced := "never synced"
		if at := t.LastSyncedAt(); at != nil {
			synced = fmt.Sprintf("%d videos, synced %s", t.LastVideoCount(), at.Local().Format("2006-01-02 15:04"))
		}
		r.writePlain("%d. %s (%s) • %s\n", i+1, t.Label(), t.ChannelID(), synced)
	}
	return nil
}

// TargetsRemove stops following a channel.
func (r *Runner) TargetsRemove(ctx context.Context, cmd *cli.Command) error {
	channelID := strings.TrimSpace(cmd.StringArg("channel-id"))
	if channelID == "" {
		return fmt.Errorf("%w: channel-id", shared.ErrMissingArgument)
	}
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	target, err := st.targets.GetByChannel(ctx, owner, channelID)
	if err != nil {
		return fmt.Errorf("failed to find target: %w", err)
	}
	if err := st.targets.Delete(ctx, target.ID()); err != nil {
		return err
	}

	r.logger.Info("target removed", "owner", owner, "channel", channelID)
	return r.writePlain("✓ Stopped following %s\n", target.Label())
}

// VideosList renders the owner's stored videos.
func (r *Runner) VideosList(ctx context.Context, cmd *cli.Command) error {
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	videos, err := st.videos.ListByOwner(ctx, owner, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	total, err := st.videos.CountByOwner(ctx, owner)
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Videos for %s (%d of %d)", owner, len(videos), total)
	data, err := formatter.ExportVideos(format, title, videos)
	if err != nil {
		return err
	}

	if path := cmd.String("output"); path != "" {
		if err := formatter.WriteExport(path, data); err != nil {
			return err
		}
		return r.writePlain("✓ Wrote %d videos to %s\n", len(videos), path)
	}

	_, err = r.output.Write(data)
	return err
}
