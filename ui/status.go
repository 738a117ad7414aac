package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dustin/go-humanize"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"
)

const progressWidth = 16

var (
	cream     = lipgloss.AdaptiveColor{Light: "#FFFDF5", Dark: "#FFFDF5"}
	fuchsia   = lipgloss.Color("#EE6FF8")
	green     = lipgloss.Color("#04B575")
	yellow    = lipgloss.Color("#ECFD65")
	mintGreen = lipgloss.AdaptiveColor{Light: "#89F0CB", Dark: "#89F0CB"}
	darkGreen = lipgloss.AdaptiveColor{Light: "#1C8760", Dark: "#1C8760"}
	darkRed   = lipgloss.AdaptiveColor{Light: "#A8324A", Dark: "#A8324A"}

	statusBarNoteFg = lipgloss.AdaptiveColor{Light: "#656565", Dark: "#7D7D7D"}
	statusBarBg     = lipgloss.AdaptiveColor{Light: "#E6E6E6", Dark: "#242424"}

	logoStyle = lipgloss.NewStyle().
			Foreground(cream).
			Background(fuchsia).
			Bold(true).
			Render

	spinnerStyle = lipgloss.NewStyle().
			Foreground(fuchsia).
			Background(statusBarBg)

	statusBarNoteStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(statusBarBg).
				Render

	statusBarHelpStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(lipgloss.AdaptiveColor{Light: "#DCDCDC", Dark: "#323232"}).
				Render

	statusBarMessageStyle = lipgloss.NewStyle().
				Foreground(mintGreen).
				Background(darkGreen).
				Render

	statusBarErrorStyle = lipgloss.NewStyle().
				Foreground(cream).
				Background(darkRed).
				Render

	captionStyle = lipgloss.NewStyle().
			Foreground(statusBarNoteFg).
			Italic(true).
			Render

	helpViewStyle = lipgloss.NewStyle().
			Foreground(statusBarNoteFg).
			Background(lipgloss.AdaptiveColor{Light: "#f2f2f2", Dark: "#1B1B1B"}).
			Render
)

func (m model) View() string {
	var b strings.Builder
	fmt.Fprint(&b, m.viewport.View()+"\n")
	fmt.Fprint(&b, m.captionView()+"\n")

	// Footer
	m.statusBarView(&b)

	if m.showHelp {
		fmt.Fprint(&b, "\n"+m.helpView())
	}

	return b.String()
}

func logoView() string {
	return logoStyle(" Narrator ")
}

// statusIcon is the glyph for the playback status.
func (m model) statusIcon() string {
	style := lipgloss.NewStyle().Background(statusBarBg)
	switch m.playback.Status {
	case ttypes.StatusGenerating:
		return statusBarNoteStyle(" ") + m.spinner.View()
	case ttypes.StatusPlaying:
		return style.Foreground(green).Render(" ▶")
	case ttypes.StatusPaused:
		return style.Foreground(yellow).Render(" ⏸")
	default:
		return style.Foreground(statusBarNoteFg).Render(" ■")
	}
}

// note describes where narration is.
func (m model) note() string {
	st := m.playback
	if !st.Status.Active() && st.Status != ttypes.StatusPaused {
		return "Press space to start narrating"
	}

	var parts []string
	if m.current >= 0 && m.current < len(m.units) {
		if ch := m.units[m.current].Chapter(); ch > 0 {
			parts = append(parts, fmt.Sprintf("Chapter %d", ch))
		}
	}
	if st.TotalUnits > 0 {
		parts = append(parts, fmt.Sprintf("%s/%s",
			humanize.Comma(int64(m.current+1)),
			humanize.Comma(int64(st.TotalUnits))))
	}
	parts = append(parts, formatSpeed(m.speed))
	if m.voice != "" {
		parts = append(parts, m.voice)
	}
	if m.failures > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", m.failures))
	}
	return st.Status.String() + " · " + strings.Join(parts, " · ")
}

func (m model) statusBarView(b *strings.Builder) {
	showStatusMessage := m.state == pagerStateStatusMessage

	logo := logoView()
	icon := m.statusIcon()

	bar := statusBarNoteStyle(" ") + m.progress.ViewAs(percentDone(m.playback, m.current)) + statusBarNoteStyle(" ")
	helpNote := statusBarHelpStyle(" ? Help ")

	note := m.note()
	if showStatusMessage {
		note = m.statusMessage.message
	}
	note = truncate.StringWithTail(" "+note+" ", uint(max(0, //nolint:gosec
		m.width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(icon)-
			ansi.PrintableRuneWidth(bar)-
			ansi.PrintableRuneWidth(helpNote),
	)), ellipsis)

	style := statusBarNoteStyle
	switch {
	case showStatusMessage && m.statusMessage.isError:
		style = statusBarErrorStyle
	case showStatusMessage:
		style = statusBarMessageStyle
	}
	note = style(note)

	// Empty space
	padding := max(0,
		m.width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(icon)-
			ansi.PrintableRuneWidth(note)-
			ansi.PrintableRuneWidth(bar)-
			ansi.PrintableRuneWidth(helpNote),
	)
	emptySpace := style(strings.Repeat(" ", padding))

	fmt.Fprintf(b, "%s%s%s%s%s%s",
		logo,
		icon,
		note,
		emptySpace,
		bar,
		helpNote,
	)
}

// captionView is the text being spoken, on one line.
func (m model) captionView() string {
	if m.spoken == "" || m.width <= 2 {
		return ""
	}
	return captionStyle(" " + runewidth.Truncate(m.spoken, m.width-2, ellipsis))
}

func (m model) helpView() string {
	s := "\n" + m.help.View(m.keys) + "\n"

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = fillLine("  "+lines[i], m.width)
	}
	return helpViewStyle(strings.Join(lines, "\n"))
}
