// Package outline derives navigable indexes from document text.
//
// Index is the USFM chapter/verse tree addressed by "3" and "3:16" paths.
// LineIndex is a line-oriented tree addressed by "root.line 4" and
// "root.line 4.uppercase" paths. Both are rebuilt from scratch on every
// change, so paths are positional and must be re-resolved against the
// latest index.
package outline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned for paths that address nothing in the index.
	ErrNotFound = errors.New("outline path not found")

	// ErrIndexOutOfRange is wrapped by ErrNotFound when a well-formed
	// numeric path component names nothing in the current index.
	ErrIndexOutOfRange = errors.New("index out of range")
)

var (
	chapterRe = regexp.MustCompile(`\\c ([0-9]+)`)
	verseRe   = regexp.MustCompile(`\\v ([0-9]+)`)
)

// Verse is one verse marker. Offsets are in runes; End is the start of the
// next marker or the end of the text.
type Verse struct {
	Number string `json:"number"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Chapter is one chapter marker and the verses that follow it.
type Chapter struct {
	Number string  `json:"number"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Verses []Verse `json:"verses"`
}

// Index is the chapter/verse structure of a USFM text.
type Index struct {
	Chapters []Chapter `json:"chapters"`
	Length   int       `json:"length"`
}

// Locator tells a view what to select for a path.
type Locator struct {
	Reference string `json:"reference"`
	Chapter   string `json:"chapter,omitempty"`
	Verse     string `json:"verse,omitempty"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

type marker struct {
	chapter bool
	number  string
	start   int
}

// Rebuild scans text once, merging chapter and verse matches in order of
// position. Verses before the first chapter are dropped.
func Rebuild(text string) *Index {
	chapters := chapterRe.FindAllStringSubmatchIndex(text, -1)
	verses := verseRe.FindAllStringSubmatchIndex(text, -1)

	markers := make([]marker, 0, len(chapters)+len(verses))
	runes := newRuneCounter(text)
	ci, vi := 0, 0
	for ci < len(chapters) || vi < len(verses) {
		if ci < len(chapters) && (vi >= len(verses) || chapters[ci][0] < verses[vi][0]) {
			m := chapters[ci]
			markers = append(markers, marker{chapter: true, number: text[m[2]:m[3]], start: runes.at(m[0])})
			ci++
			continue
		}
		m := verses[vi]
		markers = append(markers, marker{number: text[m[2]:m[3]], start: runes.at(m[0])})
		vi++
	}

	idx := &Index{Chapters: []Chapter{}, Length: utf8.RuneCountInString(text)}
	for i, m := range markers {
		end := idx.Length
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		switch {
		case m.chapter:
			if n := len(idx.Chapters); n > 0 {
				idx.Chapters[n-1].End = m.start
			}
			idx.Chapters = append(idx.Chapters, Chapter{Number: m.number, Start: m.start, End: idx.Length, Verses: []Verse{}})
		case len(idx.Chapters) > 0:
			c := &idx.Chapters[len(idx.Chapters)-1]
			c.Verses = append(c.Verses, Verse{Number: m.number, Start: m.start, End: end})
		}
	}
	return idx
}

// runeCounter converts increasing byte offsets to rune offsets.
type runeCounter struct {
	text  string
	byteP int
	runeP int
}

func newRuneCounter(text string) *runeCounter {
	return &runeCounter{text: text}
}

func (r *runeCounter) at(byteOff int) int {
	if byteOff < r.byteP {
		r.byteP, r.runeP = 0, 0
	}
	r.runeP += utf8.RuneCountInString(r.text[r.byteP:byteOff])
	r.byteP = byteOff
	return r.runeP
}

// VerseCounts returns the number of verses under each chapter.
func (idx *Index) VerseCounts() []int {
	out := make([]int, len(idx.Chapters))
	for i, c := range idx.Chapters {
		out[i] = len(c.Verses)
	}
	return out
}

func splitPath(path string) (chapter, verse string) {
	if path == "root" {
		return "", ""
	}
	chapter, verse, _ = strings.Cut(path, ":")
	return chapter, verse
}

// numeric reports whether s is a marker number as the markers spell them.
func numeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// missing builds the error for an absent chapter or verse. A well-formed
// number that is no longer present is out of range: the path is stale and
// should be re-resolved from the root.
func missing(kind, ref, number string) error {
	if numeric(number) {
		return fmt.Errorf("%w: %s %s: %w", ErrNotFound, kind, ref, ErrIndexOutOfRange)
	}
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, ref)
}

func (idx *Index) chapter(number string) (*Chapter, error) {
	for i := range idx.Chapters {
		if idx.Chapters[i].Number == number {
			return &idx.Chapters[i], nil
		}
	}
	return nil, missing("chapter", number, number)
}

func (idx *Index) verse(chapter, number string) (*Chapter, *Verse, error) {
	c, err := idx.chapter(chapter)
	if err != nil {
		return nil, nil, err
	}
	for i := range c.Verses {
		if c.Verses[i].Number == number {
			return c, &c.Verses[i], nil
		}
	}
	return nil, nil, missing("verse", chapter+":"+number, number)
}

// Children lists the paths below path. The root ("" or "root") lists
// chapters; a chapter lists its verses; verses have no children.
func (idx *Index) Children(path string) ([]string, error) {
	chapter, verse := splitPath(path)
	switch {
	case chapter == "":
		out := make([]string, len(idx.Chapters))
		for i, c := range idx.Chapters {
			out[i] = c.Number
		}
		return out, nil
	case verse == "":
		c, err := idx.chapter(chapter)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(c.Verses))
		for i, v := range c.Verses {
			out[i] = chapter + ":" + v.Number
		}
		return out, nil
	default:
		if _, _, err := idx.verse(chapter, verse); err != nil {
			return nil, err
		}
		return []string{}, nil
	}
}

// Label returns the display text for path.
func (idx *Index) Label(path string) (string, error) {
	chapter, verse := splitPath(path)
	switch {
	case chapter == "":
		return "document", nil
	case verse == "":
		if _, err := idx.chapter(chapter); err != nil {
			return "", err
		}
		return "chapter " + chapter, nil
	default:
		if _, _, err := idx.verse(chapter, verse); err != nil {
			return "", err
		}
		return "verse " + chapter + ":" + verse, nil
	}
}

// Resolve maps path to the span a view should select.
func (idx *Index) Resolve(path string) (Locator, error) {
	chapter, verse := splitPath(path)
	switch {
	case chapter == "":
		return Locator{Reference: "", Start: 0, End: idx.Length}, nil
	case verse == "":
		c, err := idx.chapter(chapter)
		if err != nil {
			return Locator{}, err
		}
		return Locator{Reference: chapter, Chapter: chapter, Start: c.Start, End: c.End}, nil
	default:
		_, v, err := idx.verse(chapter, verse)
		if err != nil {
			return Locator{}, err
		}
		return Locator{Reference: path, Chapter: chapter, Verse: verse, Start: v.Start, End: v.End}, nil
	}
}
