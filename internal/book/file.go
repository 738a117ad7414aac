package book

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Format is a book file format.
type Format string

// Supported formats.
const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Extensions lists the file patterns of every supported format.
var Extensions = []string{"*.json", "*.yaml", "*.yml", "*.md", "*.markdown"}

// FormatOf returns the format for path's extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".md", ".markdown":
		return FormatMarkdown, true
	default:
		return "", false
	}
}

// FileProvider reads a book from a local file on every Fetch.
type FileProvider struct {
	Path   string
	Format Format
}

// Open returns a provider for the book at path. A leading ~ is expanded.
func Open(path string) (*FileProvider, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, ttypes.ContentFetchError("expand path", err)
	}
	format, ok := FormatOf(expanded)
	if !ok {
		return nil, ttypes.ContentFetchError(fmt.Sprintf("unsupported book format %q", filepath.Ext(expanded)), nil)
	}
	return &FileProvider{Path: expanded, Format: format}, nil
}

// Fetch implements Provider.
func (p *FileProvider) Fetch(ctx context.Context) (Book, error) {
	if err := ctx.Err(); err != nil {
		return Book{}, ttypes.ContentFetchError("fetch book", err)
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Book{}, ttypes.ContentFetchError("read book", err)
	}

	b, err := Parse(data, p.Format)
	if err != nil {
		return Book{}, err
	}
	log.Debug("Book: loaded", "path", p.Path, "chapters", len(b.Chapters), "paragraphs", b.Paragraphs())
	return b, nil
}

// Parse decodes a book in the given format.
func Parse(data []byte, format Format) (Book, error) {
	var (
		b   Book
		err error
	)

	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &b)
	case FormatYAML:
		err = yaml.Unmarshal(data, &b)
	case FormatMarkdown:
		b = parseMarkdown(data)
	default:
		return Book{}, ttypes.ContentFetchError(fmt.Sprintf("unknown format %q", format), nil)
	}
	if err != nil {
		return Book{}, ttypes.ContentFetchError(fmt.Sprintf("decode %s book", format), err)
	}

	if err := b.normalize(); err != nil {
		return Book{}, err
	}
	return b, nil
}
