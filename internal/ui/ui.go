package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	TargetListView ViewState = iota
	SyncView
	ResultView
)

// recentLines is how many fetched channel labels the sync view keeps on screen.
const recentLines = 6

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	view         ViewState
	engine       tasks.SyncEngine
	identity     string
	targets      []*models.Target
	width        int
	height       int
	targetList   list.Model
	bar          progress.Model
	handle       *tasks.RunHandle
	progressChan chan tasks.ProgressUpdate
	progress     tasks.ProgressUpdate
	percent      float64
	position     int
	recent       []string
	cancelling   bool
	result       *tasks.SyncRunResult
	help         help.Model
	keys         keyMap
}

// NewModel creates a TUI model that syncs targets on behalf of identity.
func NewModel(ctx context.Context, engine tasks.SyncEngine, identity string, targets []*models.Target) *Model {
	items := make([]list.Item, len(targets))
	for i, t := range targets {
		items[i] = targetItem{target: t}
	}
	targetList := list.New(items, list.NewDefaultDelegate(), 0, 0)
	targetList.Title = fmt.Sprintf("Channels followed by %s", identity)

	return &Model{
		ctx:        ctx,
		view:       TargetListView,
		engine:     engine,
		identity:   identity,
		targets:    targets,
		targetList: targetList,
		bar:        progress.New(progress.WithDefaultGradient()),
		help:       help.New(),
		keys:       newKeyMap(),
	}
}

// Init has nothing to load; targets are passed in.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Result is the last finished run, if any.
func (m *Model) Result() *tasks.SyncRunResult {
	return m.result
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.targetList.SetSize(msg.Width-4, msg.Height-6)
		m.bar.Width = min(msg.Width-4, 60)
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case TargetListView:
			return m.handleTargetListKeys(msg)
		case SyncView:
			return m.handleSyncKeys(msg)
		case ResultView:
			return m.handleResultKeys(msg)
		}

	case Msg:
		switch msg.kind {
		case MsgProgressUpdate:
			m.applyProgress(msg.data.(tasks.ProgressUpdate))
			return m, m.waitForProgress(m.progressChan)
		case MsgSyncComplete:
			m.result = msg.data.(*tasks.SyncRunResult)
			m.view = ResultView
			m.handle = nil
			m.progressChan = nil
			return m, nil
		}
	}

	if m.view == TargetListView {
		var cmd tea.Cmd
		m.targetList, cmd = m.targetList.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case TargetListView:
		return m.renderTargetList()
	case SyncView:
		return m.renderSync()
	case ResultView:
		return m.renderResult()
	default:
		return ""
	}
}

func (m *Model) handleTargetListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.targetList.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.targetList, cmd = m.targetList.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.sync):
		return m, m.startSync()
	}

	var cmd tea.Cmd
	m.targetList, cmd = m.targetList.Update(msg)
	return m, cmd
}

// handleSyncKeys cancels the run; quitting waits for the run to wind down first.
func (m *Model) handleSyncKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit), key.Matches(msg, m.keys.cancel):
		if m.handle != nil && !m.cancelling {
			m.cancelling = true
			m.engine.Cancel(m.handle)
		}
	}
	return m, nil
}

func (m *Model) handleResultKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.back):
		m.view = TargetListView
		return m, nil
	}
	return m, nil
}

func (m *Model) startSync() tea.Cmd {
	ch := make(chan tasks.ProgressUpdate, 64)

	m.view = SyncView
	m.progressChan = ch
	m.progress = tasks.ProgressUpdate{}
	m.percent = 0
	m.position = 0
	m.recent = nil
	m.cancelling = false
	m.result = nil

	// Every send happens before onDone, so closing there cannot race a sender.
	m.handle = m.engine.StartRun(m.ctx, m.identity, m.targets, tasks.ChannelProgress(ch), func(*tasks.SyncRunResult) {
		close(ch)
	})

	return m.waitForProgress(ch)
}

func (m *Model) waitForProgress(ch <-chan tasks.ProgressUpdate) tea.Cmd {
	handle := m.handle
	return func() tea.Msg {
		update, ok := <-ch
		if !ok {
			return syncCompleteMsg(handle.Wait())
		}
		return progressUpdateMsg(update)
	}
}

func (m *Model) applyProgress(u tasks.ProgressUpdate) {
	m.progress = u

	switch u.Phase {
	case tasks.PhaseQueue:
		if pos, ok := u.Data.(int); ok {
			m.position = pos
		}
	case tasks.PhaseFetch:
		if done, total, ok := tasks.ParseCounter(u.Message); ok {
			m.percent = float64(done) / float64(total)
			if done > 0 {
				label := strings.TrimSpace(u.Message[strings.Index(u.Message, "]")+1:])
				m.recent = append(m.recent, label)
				if len(m.recent) > recentLines {
					m.recent = m.recent[len(m.recent)-recentLines:]
				}
			}
		}
	case tasks.PhaseCommit, tasks.PhaseDone:
		m.percent = 1
	}
}

func (m *Model) renderTargetList() string {
	if len(m.targets) == 0 {
		return styles.warn.Render("No channels to sync. Add one with `ytsync targets add`.") +
			"\n\n" + m.help.ShortHelpView([]key.Binding{m.keys.quit})
	}
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.sync, m.keys.up, m.keys.down, m.keys.quit})
	return fmt.Sprintf("%s\n\n%s", m.targetList.View(), helpView)
}

func (m *Model) renderSync() string {
	var b strings.Builder

	b.WriteString(styles.title.Render(fmt.Sprintf("Syncing %d channels for %s", len(m.targets), m.identity)))
	b.WriteString("\n")

	switch m.progress.Phase {
	case tasks.PhaseThrottle:
		b.WriteString("Checking sync limits...")
	case tasks.PhaseQueue, tasks.PhaseJitter:
		if m.position > 0 {
			fmt.Fprintf(&b, "Waiting for a sync slot (position %d)", m.position)
		} else {
			b.WriteString("Waiting for a sync slot")
		}
	case tasks.PhaseFetch:
		b.WriteString("Fetching channels")
	case tasks.PhaseCommit:
		b.WriteString("Saving videos")
	case tasks.PhaseDone:
		b.WriteString("Finishing up")
	}
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(m.percent))
	b.WriteString("\n")
	b.WriteString(styles.help.Render(m.progress.Message))
	b.WriteString("\n")

	for _, label := range m.recent {
		b.WriteString("\n  • " + label)
	}

	b.WriteString("\n\n")
	if m.cancelling {
		b.WriteString(styles.warn.Render("Cancelling; already fetched videos will still be saved..."))
	} else {
		b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.cancel}))
	}
	return b.String()
}

func (m *Model) renderResult() string {
	r := m.result
	if r == nil {
		return styles.err.Render("No result available") + "\n\n" + m.help.ShortHelpView([]key.Binding{m.keys.back, m.keys.quit})
	}

	var title string
	switch r.Outcome {
	case tasks.OutcomeCompleted:
		title = styles.ok.Render("✓ Sync complete")
	case tasks.OutcomePartial, tasks.OutcomeRateLimited, tasks.OutcomeRejected, tasks.OutcomeTimedOut, tasks.OutcomeCancelled:
		title = styles.warn.Render("! Sync " + strings.ReplaceAll(string(r.Outcome), "_", " "))
	default:
		title = styles.err.Render("✗ Sync " + string(r.Outcome))
	}

	info := fmt.Sprintf(
		"\n%s\n\nChannels: %d fetched, %d empty, %d rate-limited, %d failed, %d skipped\nVideos saved: %d\nTook: %s",
		r.Message, r.Fetched, r.Empty, r.RateLimited, r.Failed, r.Skipped, r.Committed, shared.HumanDuration(r.Duration()),
	)
	if r.RetryAfter > 0 {
		info += fmt.Sprintf("\nTry again in %s", shared.HumanDuration(r.RetryAfter))
	}
	if r.Err != nil {
		info += "\n\n" + styles.err.Render(r.Err.Error())
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.back, m.keys.quit})
	return fmt.Sprintf("%s\n%s\n\n%s", title, info, helpView)
}
