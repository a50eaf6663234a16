// Package ui implements an interactive terminal interface using bubbletea's Elm architecture.
//
// The TUI walks through one sync run:
//  1. [TargetListView] : Browse the followed channels
//  2. [SyncView] : Watch the run move through throttle check, queue, fetch and commit
//  3. [ResultView] : Read the run summary
//
// Progress updates flow through a channel from the sync engine, providing non-blocking status reporting.
// The fetch progress bar is driven by the "[done/total]" counter embedded in each update message.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, c, r, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
