package book

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	chapterHeading = regexp.MustCompile(`(?i)^chapter\s+(\d+)\s*[:.\-]?\s*(.*)$`)
	byline         = regexp.MustCompile(`(?i)^by\s+(.+)$`)
)

// parseMarkdown reads a book from markdown. The first level one heading is
// the title and a "By ..." paragraph right after it names the author.
// Every level two heading starts a chapter. Paragraphs, list items and
// quotes become chapter contents. A document without level two headings is
// a single chapter.
func parseMarkdown(src []byte) Book {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		b        Book
		current  *Chapter
		preface  []string
		sawTitle bool
	)

	add := func(s string) {
		if s == "" {
			return
		}
		if current == nil {
			preface = append(preface, s)
			return
		}
		current.Contents = append(current.Contents, s)
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := nodeText(node, src)
			switch {
			case node.Level == 1 && !sawTitle:
				b.Title = title
				sawTitle = true
			case node.Level == 2:
				b.Chapters = append(b.Chapters, newChapter(title, len(b.Chapters)+1))
				current = &b.Chapters[len(b.Chapters)-1]
			default:
				add(title)
			}

		case *ast.Paragraph:
			s := nodeText(node, src)
			if current == nil && b.Author == "" && len(preface) == 0 {
				if m := byline.FindStringSubmatch(s); m != nil {
					b.Author = strings.TrimSpace(m[1])
					continue
				}
			}
			add(s)

		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				add(nodeText(item, src))
			}

		case *ast.Blockquote:
			for p := node.FirstChild(); p != nil; p = p.NextSibling() {
				add(nodeText(p, src))
			}

		default:
			// Code, HTML and thematic breaks are not narrated.
		}
	}

	switch {
	case len(b.Chapters) == 0 && len(preface) > 0:
		b.Chapters = []Chapter{{Number: 1, Contents: preface}}
	case len(preface) > 0:
		log.Debug("Book: skipping text before first chapter", "paragraphs", len(preface))
	}
	return b
}

func newChapter(heading string, position int) Chapter {
	c := Chapter{Number: position, Title: heading}
	if m := chapterHeading.FindStringSubmatch(heading); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			c.Number = n
		}
		c.Title = strings.TrimSpace(m[2])
	}
	return c
}

// nodeText flattens the inline text below n onto one line.
func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		default:
			if c != n && c.Type() == ast.TypeBlock {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}
