// Package book loads structured long-form text for narration.
package book

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// Chapter is one chapter of a book. Contents holds its paragraphs.
type Chapter struct {
	Number   int      `json:"chapterNumber" yaml:"chapterNumber"`
	Title    string   `json:"chapterTitle,omitempty" yaml:"chapterTitle,omitempty"`
	Contents []string `json:"chapterContents" yaml:"chapterContents"`
}

// Book is the content a narration session reads.
type Book struct {
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Author   string    `json:"author,omitempty" yaml:"author,omitempty"`
	Chapters []Chapter `json:"chapters" yaml:"chapters"`
}

// Paragraphs returns the number of paragraphs across all chapters.
func (b Book) Paragraphs() int {
	n := 0
	for _, c := range b.Chapters {
		n += len(c.Contents)
	}
	return n
}

// normalize numbers unnumbered chapters by position and rejects a book
// that has nothing to narrate.
func (b *Book) normalize() error {
	if len(b.Chapters) == 0 {
		return ttypes.ContentFetchError("book has no chapters", nil)
	}
	for i := range b.Chapters {
		c := &b.Chapters[i]
		switch {
		case c.Number == 0:
			c.Number = i + 1
		case c.Number < 0:
			return ttypes.ContentFetchError(fmt.Sprintf("chapter %d has invalid number %d", i+1, c.Number), nil)
		}
	}
	return nil
}

// Provider fetches a book.
type Provider interface {
	Fetch(ctx context.Context) (Book, error)
}

// Static returns a provider that always yields b.
func Static(b Book) Provider {
	return staticProvider{book: b}
}

type staticProvider struct {
	book Book
}

func (s staticProvider) Fetch(ctx context.Context) (Book, error) {
	if err := ctx.Err(); err != nil {
		return Book{}, ttypes.ContentFetchError("fetch book", err)
	}
	b := s.book
	b.Chapters = append([]Chapter(nil), s.book.Chapters...)
	if err := b.normalize(); err != nil {
		return Book{}, err
	}
	return b, nil
}
