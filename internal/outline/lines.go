package outline

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Leaf transforms offered under every line.
var lineLeaves = []string{"reversed", "uppercase", "lowercase"}

// LineIndex is the line-oriented outline of a text.
type LineIndex struct {
	lines  []string
	starts []int
}

// LineLocator is the resolved form of a line path.
type LineLocator struct {
	Line  int    `json:"line"`
	Leaf  string `json:"leaf,omitempty"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// RebuildLines splits text on newlines. Offsets are in runes.
func RebuildLines(text string) *LineIndex {
	lines := strings.Split(text, "\n")
	starts := make([]int, len(lines))
	off := 0
	for i, l := range lines {
		starts[i] = off
		off += utf8.RuneCountInString(l) + 1
	}
	return &LineIndex{lines: lines, starts: starts}
}

// Len returns the number of lines.
func (li *LineIndex) Len() int { return len(li.lines) }

// parse splits "root.line N[.leaf]". line is -1 for the root.
func (li *LineIndex) parse(path string) (line int, leaf string, err error) {
	if path == "" || path == "root" {
		return -1, "", nil
	}
	parts := strings.Split(path, ".")
	if parts[0] != "root" || len(parts) > 3 {
		return 0, "", fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	num, ok := strings.CutPrefix(parts[1], "line ")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	line, err = strconv.Atoi(num)
	if err != nil || line < 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	if line >= len(li.lines) {
		return 0, "", fmt.Errorf("%w: line %d of %d: %w", ErrNotFound, line, len(li.lines), ErrIndexOutOfRange)
	}
	if len(parts) == 3 {
		leaf = parts[2]
		if !isLeaf(leaf) {
			return 0, "", fmt.Errorf("%w: %q", ErrNotFound, path)
		}
	}
	return line, leaf, nil
}

func isLeaf(s string) bool {
	for _, l := range lineLeaves {
		if l == s {
			return true
		}
	}
	return false
}

// Children lists the paths below path.
func (li *LineIndex) Children(path string) ([]string, error) {
	line, leaf, err := li.parse(path)
	if err != nil {
		return nil, err
	}
	switch {
	case line < 0:
		out := make([]string, len(li.lines))
		for i := range li.lines {
			out[i] = fmt.Sprintf("root.line %d", i)
		}
		return out, nil
	case leaf == "":
		base := fmt.Sprintf("root.line %d", line)
		out := make([]string, len(lineLeaves))
		for i, l := range lineLeaves {
			out[i] = base + "." + l
		}
		return out, nil
	default:
		return []string{}, nil
	}
}

// Label returns the display text for path.
func (li *LineIndex) Label(path string) (string, error) {
	line, leaf, err := li.parse(path)
	if err != nil {
		return "", err
	}
	if line < 0 {
		return "document", nil
	}
	text := li.lines[line]
	switch leaf {
	case "reversed":
		return "reversed: " + reverse(text), nil
	case "uppercase":
		return "uppercase: " + strings.ToUpper(text), nil
	case "lowercase":
		return "lowercase: " + strings.ToLower(text), nil
	default:
		return text, nil
	}
}

// Resolve maps path to the line span a view should select.
func (li *LineIndex) Resolve(path string) (LineLocator, error) {
	line, leaf, err := li.parse(path)
	if err != nil {
		return LineLocator{}, err
	}
	if line < 0 {
		line = 0
	}
	text := li.lines[line]
	start := li.starts[line]
	return LineLocator{
		Line:  line,
		Leaf:  leaf,
		Start: start,
		End:   start + utf8.RuneCountInString(text),
		Text:  text,
	}, nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
