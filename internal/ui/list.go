package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/ytsync/internal/models"
)

var (
	_ list.Item = targetItem{}
)

// targetItem wraps [models.Target] to implement [list.Item].
type targetItem struct {
	target *models.Target
}

func (i targetItem) FilterValue() string { return i.target.Label() }
func (i targetItem) Title() string       { return i.target.Label() }
func (i targetItem) Description() string {
	desc := i.target.ChannelID()
	if synced := i.target.LastSyncedAt(); synced != nil {
		desc = fmt.Sprintf("%s • %d videos • synced %s", desc, i.target.LastVideoCount(), synced.Local().Format("Jan 2 15:04"))
	}
	return desc
}
