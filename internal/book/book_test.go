package book

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dgnsrekt/narrator/internal/ttypes"
)

const markdownBook = `# The Quiet Sea

By Ann Example

## Chapter 1: Intro

Hello world.
It continues here.

Second line.

## Departure

- first item
- second *item*

> A quoted line.

` + "```go\nfmt.Println(\"skipped\")\n```\n"

func TestParseMarkdown(t *testing.T) {
	b, err := Parse([]byte(markdownBook), FormatMarkdown)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := Book{
		Title:  "The Quiet Sea",
		Author: "Ann Example",
		Chapters: []Chapter{
			{Number: 1, Title: "Intro", Contents: []string{"Hello world. It continues here.", "Second line."}},
			{Number: 2, Title: "Departure", Contents: []string{"first item", "second item", "A quoted line."}},
		},
	}
	if !reflect.DeepEqual(b, want) {
		t.Errorf("Parse() =\n%#v\nwant\n%#v", b, want)
	}
}

func TestParseMarkdownWithoutChapters(t *testing.T) {
	b, err := Parse([]byte("# Notes\n\nOne.\n\nTwo.\n"), FormatMarkdown)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(b.Chapters) != 1 || b.Chapters[0].Number != 1 {
		t.Fatalf("chapters = %#v", b.Chapters)
	}
	if got := b.Chapters[0].Contents; !reflect.DeepEqual(got, []string{"One.", "Two."}) {
		t.Errorf("contents = %v", got)
	}
}

func TestParseStructured(t *testing.T) {
	want := Book{
		Title:  "Intro Book",
		Author: "A. Writer",
		Chapters: []Chapter{
			{Number: 1, Title: "Intro", Contents: []string{"Hello world.", "Second line."}},
			{Number: 2, Contents: []string{"More."}},
		},
	}

	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{
			name:   "json",
			format: FormatJSON,
			data: `{"title":"Intro Book","author":"A. Writer","chapters":[
				{"chapterNumber":1,"chapterTitle":"Intro","chapterContents":["Hello world.","Second line."]},
				{"chapterContents":["More."]}]}`,
		},
		{
			name:   "yaml",
			format: FormatYAML,
			data: `title: Intro Book
author: A. Writer
chapters:
  - chapterNumber: 1
    chapterTitle: Intro
    chapterContents:
      - Hello world.
      - Second line.
  - chapterContents:
      - More.
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(b, want) {
				t.Errorf("Parse() = %#v, want %#v", b, want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"no chapters", FormatJSON, `{"title":"Empty","chapters":[]}`},
		{"negative chapter", FormatJSON, `{"chapters":[{"chapterNumber":-1,"chapterContents":["x"]}]}`},
		{"malformed json", FormatJSON, `{"chapters":`},
		{"wrong type", FormatJSON, `{"chapters":{"chapterNumber":1}}`},
		{"malformed yaml", FormatYAML, "chapters: [\n"},
		{"empty markdown", FormatMarkdown, "# Only a title\n"},
		{"unknown format", Format("pdf"), "%PDF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			if ttypes.CodeOf(err) != ttypes.ErrorCodeContentFetch {
				t.Errorf("err = %v, want content fetch error", err)
			}
			if !ttypes.IsFatal(err) {
				t.Errorf("IsFatal(%v) = false", err)
			}
		})
	}
}

func TestOpenAndFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.md")
	if err := os.WriteFile(path, []byte(markdownBook), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Format != FormatMarkdown {
		t.Errorf("Format = %q", p.Format)
	}
	b, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if b.Title != "The Quiet Sea" || b.Paragraphs() != 5 {
		t.Errorf("book = %q with %d paragraphs", b.Title, b.Paragraphs())
	}

	missing, _ := Open(filepath.Join(dir, "missing.json"))
	if _, err := missing.Fetch(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}

	if _, err := Open(filepath.Join(dir, "book.pdf")); ttypes.CodeOf(err) != ttypes.ErrorCodeContentFetch {
		t.Errorf("unsupported extension err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Fetch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled fetch err = %v", err)
	}
}

func TestStatic(t *testing.T) {
	src := Book{Chapters: []Chapter{{Contents: []string{"a"}}, {Contents: []string{"b"}}}}
	b, err := Static(src).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if b.Chapters[0].Number != 1 || b.Chapters[1].Number != 2 {
		t.Errorf("numbers = %d, %d", b.Chapters[0].Number, b.Chapters[1].Number)
	}
	if src.Chapters[0].Number != 0 {
		t.Error("Fetch modified the source book")
	}

	if _, err := Static(Book{}).Fetch(context.Background()); ttypes.CodeOf(err) != ttypes.ErrorCodeContentFetch {
		t.Errorf("empty book err = %v", err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.md", "notes.txt", filepath.Join("nested", "c.json")} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Find(dir, true)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"a.md", "b.yaml", filepath.Join("nested", "c.json")}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if entries[1].Format != FormatYAML {
		t.Errorf("format = %q", entries[1].Format)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, func() { changed <- struct{}{} })
	}()

	// The watcher starts asynchronously; keep writing until it notices.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-changed:
			break loop
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"chapters":[]}`), 0o644); err != nil {
				t.Fatal(err)
			}
			// Other files in the directory are ignored.
			_ = os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644)
		case <-deadline:
			t.Fatal("no change notification")
		}
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
