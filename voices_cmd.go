package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dgnsrekt/narrator/internal/voice"
	"github.com/spf13/cobra"
)

var errReadyTimeout = errors.New("timed out waiting for the engine to load")

var voicesCmd = &cobra.Command{
	Use:   "voices [NAME]",
	Short: "List the voices of the configured engine",
	Long: paragraph(fmt.Sprintf("\n%s the voices the configured engine accepts. Pass a name to find the closest matching voice id.",
		keyword("List"))),
	Example: paragraph("narrator voices\nnarrator voices heart\nnarrator --engine piper voices"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadEngineSettings()
		if err != nil {
			return err
		}
		ids, device, err := engineVoices(cmd.Context(), settings)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			v, err := voice.NewCatalog(ids).Resolve(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, v.ID)
			return err
		}
		return printVoices(out, ids, device)
	},
}

// engineVoices starts the engine long enough to read its voice list.
func engineVoices(ctx context.Context, s engineSettings) ([]string, string, error) {
	if s.Kind == ttypes.EngineMock {
		return voice.Standard, "cpu", nil
	}

	eng, cleanup, err := newEngine(ctx, s)
	if err != nil {
		return nil, "", fmt.Errorf("unable to start %s engine: %w", s.Kind, err)
	}
	defer cleanup()
	defer eng.Close() //nolint:errcheck

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return awaitReady(ctx, eng, timeout)
}

// awaitReady reads engine messages until the engine announces itself.
func awaitReady(ctx context.Context, eng engine.Engine, timeout time.Duration) ([]string, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var device string
	for {
		select {
		case msg, ok := <-eng.Messages():
			if !ok {
				return nil, device, ttypes.ErrEngineClosed
			}
			switch msg := msg.(type) {
			case engine.DeviceMsg:
				device = msg.Device
			case engine.ReadyMsg:
				if msg.Device != "" {
					device = msg.Device
				}
				return msg.Voices, device, nil
			case engine.ErrorMsg:
				return nil, device, ttypes.Classify(msg.Error, false)
			}
		case <-timer.C:
			return nil, device, errReadyTimeout
		case <-ctx.Done():
			return nil, device, ctx.Err()
		}
	}
}

func printVoices(w io.Writer, ids []string, device string) error {
	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, "The engine accepts any voice name.")
		return err
	}
	if _, err := fmt.Fprintln(w, voicesTable(ids)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d voices on %s\n", len(ids), device)
	return err
}

// voicesTable renders ids with their parsed details. Ids outside the
// <region><gender>_<name> scheme are listed as is.
func voicesTable(ids []string) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	id := cell.Foreground(lipgloss.Color("#04B575"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#5C5C5C"))).
		Headers("ID", "NAME", "LANGUAGE", "GENDER").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col == 0:
				return id
			default:
				return cell
			}
		})

	for _, raw := range ids {
		v, err := voice.Parse(raw)
		if err != nil {
			t.Row(raw, "", "", "")
			continue
		}
		t.Row(v.ID, v.Name, v.Language, v.Gender)
	}
	return t.String()
}
