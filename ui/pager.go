package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/muesli/reflow/ansi"
)

const (
	statusBarHeight = 1
	captionHeight   = 1
)

func (m *model) setSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = max(0, h-statusBarHeight-captionHeight)
	m.help.Width = w

	if m.showHelp {
		m.viewport.Height = max(0, m.viewport.Height-strings.Count(m.helpView(), "\n")-1)
	}
}

func (m *model) toggleHelp() {
	m.showHelp = !m.showHelp
	m.help.ShowAll = m.showHelp
	m.setSize(m.width, m.height)
	if m.viewport.PastBottom() {
		m.viewport.GotoBottom()
	}
}

// follow scrolls the viewport so the marked unit sits in its upper third.
func (m *model) follow() {
	if m.markLine < 0 {
		return
	}
	m.viewport.SetYOffset(max(0, m.markLine-m.viewport.Height/3))
}

// showStatusMessage shows msg in the status bar until it times out.
func (m *model) showStatusMessage(msg statusMessage) tea.Cmd {
	m.state = pagerStateStatusMessage
	m.statusMessage = msg
	if m.statusMessageTimer != nil {
		m.statusMessageTimer.Stop()
	}
	m.statusMessageTimer = time.NewTimer(statusMessageTimeout)

	return waitForStatusMessageTimeout(m.statusMessageTimer)
}

func waitForStatusMessageTimeout(t *time.Timer) tea.Cmd {
	return func() tea.Msg {
		<-t.C
		return statusMessageTimeoutMsg{}
	}
}

// render re-renders the chapter around the current unit.
func (m model) render() tea.Cmd {
	if len(m.units) == 0 || m.viewport.Width == 0 {
		return nil
	}
	return renderWithGlamour(m.cfg, m.viewport.Width, chapterMarkdown(m.units, m.current))
}

// COMMANDS

func renderWithGlamour(cfg Config, width int, md string) tea.Cmd {
	return func() tea.Msg {
		s, err := glamourRender(cfg, width, md)
		if err != nil {
			log.Error("error rendering with Glamour", "error", err)
			return errMsg{err}
		}
		return contentRenderedMsg{content: s, line: markedLine(s)}
	}
}

func glamourRender(cfg Config, width int, markdown string) (string, error) {
	if !cfg.GlamourEnabled {
		return markdown, nil
	}

	width = max(0, min(int(cfg.GlamourMaxWidth), width)) //nolint:gosec
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(cfg.GlamourStyle),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("error creating glamour renderer: %w", err)
	}

	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("error rendering markdown: %w", err)
	}
	return out, nil
}

// watchBook reports changes to the book file through mail until ctx ends.
func watchBook(ctx context.Context, path string, mail *Mailbox) {
	go func() {
		err := book.Watch(ctx, path, func() {
			log.Debug("book changed", "path", path)
			mail.put(reloadMsg{})
		})
		if err != nil && ctx.Err() == nil {
			log.Error("unable to watch book", "path", path, "error", err)
		}
	}()
}

// fillLine pads s with spaces to width so background colours span the row.
func fillLine(s string, width int) string {
	return s + strings.Repeat(" ", max(0, width-ansi.PrintableRuneWidth(s)))
}

// percentDone is the share of units narrated, counting the current one.
func percentDone(st ttypes.PlaybackState, current int) float64 {
	if st.TotalUnits == 0 || !(st.Status.Active() || st.Status == ttypes.StatusPaused) {
		return 0
	}
	return min(1, float64(current+1)/float64(st.TotalUnits))
}
