package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var showAllFiles bool

var libraryCmd = &cobra.Command{
	Use:   "library [DIR]",
	Short: "Find books in a directory",
	Long: paragraph(fmt.Sprintf("\n%s the markdown, JSON and YAML books below a directory. Files ignored by git are skipped unless --all is set.",
		keyword("Find"))),
	Example: paragraph("narrator library\nnarrator library ~/books --all"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		entries, err := book.Find(dir, showAllFiles)
		if err != nil {
			return err
		}
		return printLibrary(cmd.OutOrStdout(), entries)
	},
}

func printLibrary(w io.Writer, entries []book.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No books found.")
		return err
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("#777777")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("BOOK", "FORMAT", "SIZE", "MODIFIED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow || col > 0 {
				return dim
			}
			return cell
		})
	for _, e := range entries {
		t.Row(e.Name, string(e.Format), humanize.Bytes(uint64(e.Size)), humanize.Time(e.ModTime)) //nolint:gosec
	}

	_, err := fmt.Fprintln(w, t.String())
	return err
}
