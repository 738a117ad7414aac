package ui

import (
	"regexp"
	"strings"

	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// currentMarker prefixes the unit being narrated so the rendered line can be
// found again after glamour styled it.
const currentMarker = "▶"

// Leading text markdown would read as block syntax.
var blockSyntax = regexp.MustCompile(`^(#|>|[-+*] |\d+[.)] )`)

// chapterBounds returns the half-open range of units belonging to the
// chapter that contains current. A chapter starts at a heading unit.
func chapterBounds(units []ttypes.TextUnit, current int) (start, end int) {
	if current < 0 || current >= len(units) {
		return 0, 0
	}
	start = current
	for start > 0 && !units[start].IsHeading {
		start--
	}
	end = current + 1
	for end < len(units) && !units[end].IsHeading {
		end++
	}
	return start, end
}

// chapterMarkdown renders the chapter around current as markdown, with the
// current unit marked and quoted.
func chapterMarkdown(units []ttypes.TextUnit, current int) string {
	start, end := chapterBounds(units, current)
	if start == end {
		return ""
	}

	blocks := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		u := units[i]
		text := escapeBlock(u.Text)
		if i == current {
			text = currentMarker + " " + text
		}
		switch {
		case u.IsHeading && u.ChapterNumber == nil:
			blocks = append(blocks, "# "+text)
		case u.IsHeading:
			blocks = append(blocks, "## "+text)
		case i == current:
			blocks = append(blocks, "> "+text)
		default:
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func escapeBlock(s string) string {
	if !blockSyntax.MatchString(s) {
		return s
	}
	if s[0] >= '0' && s[0] <= '9' {
		i := strings.IndexAny(s, ".)")
		return s[:i] + `\` + s[i:]
	}
	return `\` + s
}

// markedLine returns the index of the first line holding the marker, or -1.
func markedLine(rendered string) int {
	for i, line := range strings.Split(rendered, "\n") {
		if strings.Contains(line, currentMarker) {
			return i
		}
	}
	return -1
}
