// Package ui provides the terminal interface for narrator.
package ui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/narration"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	te "github.com/muesli/termenv"
)

const (
	statusMessageTimeout = time.Second * 3 // how long to show status messages like "copied"
	ellipsis             = "…"
)

// Narrator is the narration control surface the UI drives.
// *narration.Controller implements it.
type Narrator interface {
	Play(ctx context.Context) error
	Toggle(ctx context.Context) error
	Stop(ctx context.Context) error
	SetSpeed(ctx context.Context, speed float64) error
	SetVoice(ctx context.Context, id string) error
	Units(ctx context.Context) ([]ttypes.TextUnit, error)
}

var _ Narrator = (*narration.Controller)(nil)

// NewProgram returns a new Tea program narrating through n. Controller
// events must be delivered to mail.
func NewProgram(ctx context.Context, cfg Config, n Narrator, mail *Mailbox) *tea.Program {
	log.Debug(
		"Starting narrator",
		"glamour", cfg.GlamourEnabled,
		"style", cfg.GlamourStyle,
		"path", cfg.Path,
	)

	if cfg.Watch && cfg.Path != "" {
		watchBook(ctx, cfg.Path, mail)
	}

	opts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}
	if cfg.EnableMouse {
		opts = append(opts, tea.WithMouseCellMotion())
	}
	return tea.NewProgram(newModel(ctx, cfg, n, mail), opts...)
}

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type (
	eventMsg struct{ event narration.Event }
	unitsMsg []ttypes.TextUnit

	// actionMsg reports the result of a controller call.
	actionMsg struct {
		action string
		err    error
	}
	speedMsg struct {
		speed float64
		err   error
	}
	voiceMsg struct {
		voice string
		err   error
	}

	contentRenderedMsg struct {
		content string
		line    int
	}
	reloadMsg               struct{}
	statusMessageTimeoutMsg struct{}
)

type pagerState int

const (
	pagerStateBrowse pagerState = iota
	pagerStateStatusMessage
)

type statusMessage struct {
	message string
	isError bool
}

type model struct {
	cfg      Config
	ctx      context.Context
	narrator Narrator
	mail     *Mailbox

	width  int
	height int

	viewport viewport.Model
	spinner  spinner.Model
	progress progress.Model
	help     help.Model
	keys     keyMap
	showHelp bool

	state              pagerState
	statusMessage      statusMessage
	statusMessageTimer *time.Timer

	// Narration as last reported by the controller.
	units    []ttypes.TextUnit
	playback ttypes.PlaybackState
	current  int
	spoken   string
	speed    float64
	voice    string
	voices   []string
	device   string
	failures int

	// Line of the marked unit in the rendered chapter, or -1.
	markLine int
}

func newModel(ctx context.Context, cfg Config, n Narrator, mail *Mailbox) model {
	if cfg.GlamourStyle == "" || cfg.GlamourStyle == styles.AutoStyle {
		if te.HasDarkBackground() {
			cfg.GlamourStyle = styles.DarkStyle
		} else {
			cfg.GlamourStyle = styles.LightStyle
		}
	}
	if cfg.Speed == 0 {
		cfg.Speed = ttypes.DefaultSpeed
	}

	vp := viewport.New(0, 0)
	vp.YPosition = 0

	return model{
		cfg:      cfg,
		ctx:      ctx,
		narrator: n,
		mail:     mail,
		viewport: vp,
		spinner:  spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(spinnerStyle)),
		progress: progress.New(progress.WithGradient("#5A56E0", "#EE6FF8"), progress.WithoutPercentage(), progress.WithWidth(progressWidth)),
		help:     help.New(),
		keys:     newKeyMap(),
		state:    pagerStateBrowse,
		playback: ttypes.PlaybackState{Status: ttypes.StatusIdle},
		speed:    cfg.Speed,
		voice:    cfg.Voice,
		markLine: -1,
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.mail.wait()}
	if m.cfg.AutoPlay {
		cmds = append(cmds, m.action("play", m.narrator.Play))
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, ok := m.handleKey(msg); ok {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.setSize(msg.Width, msg.Height)
		return m, m.render()

	case eventMsg:
		cmds = append(cmds, m.handleEvent(msg.event), m.mail.wait())

	case reloadMsg:
		cmds = append(cmds,
			m.showStatusMessage(statusMessage{"Book changed on disk, press r to restart", false}),
			m.mail.wait(),
		)

	case unitsMsg:
		m.units = msg
		cmds = append(cmds, m.render())

	case contentRenderedMsg:
		m.viewport.SetContent(msg.content)
		m.markLine = msg.line
		m.follow()

	case actionMsg:
		if msg.err != nil {
			log.Error("narrator action failed", "action", msg.action, "error", msg.err)
			cmds = append(cmds, m.showStatusMessage(statusMessage{describeError(msg.action, msg.err), true}))
		}

	case speedMsg:
		if msg.err != nil {
			cmds = append(cmds, m.showStatusMessage(statusMessage{describeError("speed", msg.err), true}))
			break
		}
		m.speed = msg.speed
		cmds = append(cmds, m.showStatusMessage(statusMessage{"Speed " + formatSpeed(msg.speed), false}))

	case voiceMsg:
		if msg.err != nil {
			cmds = append(cmds, m.showStatusMessage(statusMessage{describeError("voice", msg.err), true}))
			break
		}
		m.voice = msg.voice
		cmds = append(cmds, m.showStatusMessage(statusMessage{"Voice " + msg.voice, false}))

	case errMsg:
		cmds = append(cmds, m.showStatusMessage(statusMessage{msg.Error(), true}))

	case statusMessageTimeoutMsg:
		m.state = pagerStateBrowse

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey returns the command for a bound key. ok is false for keys that
// fall through to the viewport.
func (m *model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit, true

	case key.Matches(msg, m.keys.Toggle):
		if m.playback.Status.Active() || m.playback.Status == ttypes.StatusPaused {
			return m.action("toggle", m.narrator.Toggle), true
		}
		return m.action("play", m.narrator.Play), true

	case key.Matches(msg, m.keys.Stop):
		return m.action("stop", m.narrator.Stop), true

	case key.Matches(msg, m.keys.Restart):
		return m.action("restart", func(ctx context.Context) error {
			if err := m.narrator.Stop(ctx); err != nil {
				return err
			}
			return m.narrator.Play(ctx)
		}), true

	case key.Matches(msg, m.keys.Faster):
		return m.changeSpeed(fasterSpeed(m.speed)), true

	case key.Matches(msg, m.keys.Slower):
		return m.changeSpeed(slowerSpeed(m.speed)), true

	case key.Matches(msg, m.keys.Voice):
		next := nextVoice(m.voices, m.voice)
		if next == "" {
			return m.showStatusMessage(statusMessage{"No other voices", false}), true
		}
		return m.changeVoice(next), true

	case key.Matches(msg, m.keys.Copy):
		text := m.currentText()
		if text == "" {
			return nil, true
		}
		// Copy using OSC 52
		te.Copy(text)
		// Copy using native system clipboard
		_ = clipboard.WriteAll(text)
		return m.showStatusMessage(statusMessage{"Copied paragraph", false}), true

	case key.Matches(msg, m.keys.Follow):
		m.follow()
		return nil, true

	case key.Matches(msg, m.keys.Help):
		m.toggleHelp()
		return nil, true
	}
	return nil, false
}

func (m *model) handleEvent(ev narration.Event) tea.Cmd {
	switch ev := ev.(type) {
	case narration.StateChanged:
		m.playback = ev.State
		if ev.State.Status == ttypes.StatusStopped {
			m.spoken = ""
		}

	case narration.UnitStarted:
		m.current = ev.Index
		if len(m.units) != ev.Total {
			return m.loadUnits()
		}
		return m.render()

	case narration.Spoken:
		m.spoken = ev.Text

	case narration.Failed:
		m.failures++
		if ev.UnitIndex >= 0 {
			return m.showStatusMessage(statusMessage{fmt.Sprintf("Skipped paragraph %d: %v", ev.UnitIndex+1, ev.Err), true})
		}
		return m.showStatusMessage(statusMessage{ev.Err.Error(), true})

	case narration.Ended:
		return m.showStatusMessage(statusMessage{"Finished", false})

	case narration.EngineReady:
		m.voices = append([]string(nil), ev.Voices...)
		sort.Strings(m.voices)
		m.device = ev.Device
		return m.showStatusMessage(statusMessage{"Engine ready on " + ev.Device, false})
	}
	return nil
}

func (m model) action(name string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{action: name, err: fn(ctx)}
	}
}

func (m model) changeSpeed(speed float64) tea.Cmd {
	if speed == m.speed {
		return nil
	}
	ctx, n := m.ctx, m.narrator
	return func() tea.Msg {
		return speedMsg{speed: speed, err: n.SetSpeed(ctx, speed)}
	}
}

func (m model) changeVoice(id string) tea.Cmd {
	ctx, n := m.ctx, m.narrator
	return func() tea.Msg {
		return voiceMsg{voice: id, err: n.SetVoice(ctx, id)}
	}
}

func (m model) loadUnits() tea.Cmd {
	ctx, n := m.ctx, m.narrator
	return func() tea.Msg {
		units, err := n.Units(ctx)
		if err != nil {
			return errMsg{err}
		}
		return unitsMsg(units)
	}
}

func (m model) currentText() string {
	if m.current >= 0 && m.current < len(m.units) {
		return m.units[m.current].Text
	}
	return m.spoken
}

// nextVoice returns the voice after current in voices, wrapping around.
func nextVoice(voices []string, current string) string {
	if len(voices) == 0 || (len(voices) == 1 && voices[0] == current) {
		return ""
	}
	i := sort.SearchStrings(voices, current)
	if i < len(voices) && voices[i] == current {
		i++
	}
	return voices[i%len(voices)]
}

func describeError(action string, err error) string {
	var ne *ttypes.NarrationError
	if errors.As(err, &ne) {
		return fmt.Sprintf("%s failed: %s", action, ne.Message)
	}
	return fmt.Sprintf("%s failed: %v", action, err)
}
