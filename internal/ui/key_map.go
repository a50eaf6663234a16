package ui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the [key.Binding] mapping for the TUI.
type keyMap struct {
	up     key.Binding
	down   key.Binding
	sync   key.Binding
	cancel key.Binding
	back   key.Binding
	quit   key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		sync:   key.NewBinding(key.WithKeys("enter", "s"), key.WithHelp("enter/s", "sync all")),
		cancel: key.NewBinding(key.WithKeys("c", "esc"), key.WithHelp("c", "cancel")),
		back:   key.NewBinding(key.WithKeys("r", "esc"), key.WithHelp("r", "back to channels")),
		quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.up, k.down, k.sync},
		{k.cancel, k.back, k.quit},
	}
}
