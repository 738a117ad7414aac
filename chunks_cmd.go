package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dgnsrekt/narrator/internal/chunker"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sentences bool

var chunksCmd = &cobra.Command{
	Use:   "chunks BOOK",
	Short: "Print the units a book is narrated in",
	Long: paragraph(fmt.Sprintf("\n%s a book into the headings and paragraphs that are sent to the engine, one per line.",
		keyword("Split"))),
	Example: paragraph("narrator chunks book.md\nnarrator chunks --sentences book.yaml"),
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"md", "markdown", "json", "yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := book.Open(args[0])
		if err != nil {
			return err
		}
		b, err := provider.Fetch(cmd.Context())
		if err != nil {
			return err
		}
		return printChunks(cmd.OutOrStdout(), chunker.PrepareChunks(b), sentences)
	},
}

// printChunks writes one line per unit. Headings are marked with #, and
// with split set every sentence the engine would stream goes on its own
// indented line.
func printChunks(w io.Writer, units []ttypes.TextUnit, split bool) error {
	width := len(strconv.Itoa(len(units)))
	splitter := engine.NewSentenceSplitter()

	var words int
	for i, u := range units {
		marker := " "
		if u.IsHeading {
			marker = "#"
		}
		if _, err := fmt.Fprintf(w, "%*d %s %s\n", width, i, marker, u.Text); err != nil {
			return err
		}
		if split && !u.IsHeading {
			for _, s := range splitter.Split(u.Text) {
				if _, err := fmt.Fprintf(w, "%*s   - %s\n", width, "", s); err != nil {
					return err
				}
			}
		}
		words += len(strings.Fields(u.Text))
	}

	_, err := fmt.Fprintf(w, "\n%s units, %s words\n", humanize.Comma(int64(len(units))), humanize.Comma(int64(words)))
	return err
}
