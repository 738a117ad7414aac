// Package chunker turns a book into the ordered text units a narration
// session speaks.
package chunker

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"golang.org/x/text/unicode/norm"
)

// UntitledHeading is spoken for a book without a title.
const UntitledHeading = "Untitled"

// PrepareChunks returns one heading unit for the book, then for each
// chapter a heading unit followed by one unit per non-empty paragraph.
// The result depends only on b.
func PrepareChunks(b book.Book) []ttypes.TextUnit {
	units := make([]ttypes.TextUnit, 0, 1+len(b.Chapters)+b.Paragraphs())
	units = append(units, ttypes.TextUnit{Text: titleHeading(b), IsHeading: true})

	for _, c := range b.Chapters {
		number := c.Number
		units = append(units, ttypes.TextUnit{
			Text:          chapterHeading(number, c.Title),
			ChapterNumber: &number,
			IsHeading:     true,
		})

		for _, p := range c.Contents {
			text := Clean(p)
			if text == "" {
				continue
			}
			n := number
			units = append(units, ttypes.TextUnit{Text: text, ChapterNumber: &n})
		}
	}
	return units
}

func titleHeading(b book.Book) string {
	title, author := Clean(b.Title), Clean(b.Author)
	switch {
	case title == "":
		return UntitledHeading
	case author == "":
		return title
	default:
		return title + " by " + author
	}
}

func chapterHeading(number int, title string) string {
	if title = Clean(title); title != "" {
		return fmt.Sprintf("Chapter %d: %s", number, title)
	}
	return fmt.Sprintf("Chapter %d", number)
}

// Clean normalizes s to NFC, collapses whitespace runs to a single space
// and trims the ends.
func Clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
