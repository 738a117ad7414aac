package book

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"github.com/muesli/gitcha"
)

// Entry is a book file found on disk.
type Entry struct {
	Path    string
	Name    string // relative to the search root
	Format  Format
	Size    int64
	ModTime time.Time
}

// Find lists book files below dir, honoring .gitignore rules unless all is
// set. Results are sorted by name.
func Find(dir string, all bool) ([]Entry, error) {
	if dir == "" {
		dir = "."
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var ch chan gitcha.SearchResult
	if all {
		ch, err = gitcha.FindAllFilesExcept(root, Extensions, nil)
	} else {
		ch, err = gitcha.FindFilesExcept(root, Extensions, ignorePatterns())
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for res := range ch {
		format, ok := FormatOf(res.Path)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Path:    res.Path,
			Name:    relativePath(res.Path, root),
			Format:  format,
			Size:    res.Info.Size(),
			ModTime: res.Info.ModTime(),
		})
	}
	log.Debug("Book: search finished", "root", root, "found", len(entries))

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func ignorePatterns() []string {
	return []string{"node_modules", "vendor", ".git"}
}

func relativePath(path, root string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return filepath.Base(path)
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
