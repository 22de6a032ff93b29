// Package textedit computes the smallest contiguous replacement that turns one
// text snapshot into another.
//
// Whole-text replacements coming from views are converted into a single range
// edit so that editing surfaces can apply them without resetting the cursor
// or the undo stack. Offsets are rune offsets into the "before" text.
package textedit

import "fmt"

// Edit replaces before[Start:End] with NewText.
type Edit struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	NewText string `json:"newText"`
}

// IsNoop reports whether applying the edit leaves the text unchanged.
func (e Edit) IsNoop() bool {
	return e.Start == e.End && e.NewText == ""
}

// String implements fmt.Stringer.
func (e Edit) String() string {
	return fmt.Sprintf("[%d,%d)->%q", e.Start, e.End, e.NewText)
}

// ComputeEdit returns the minimal single-range edit from before to after.
//
// The forward scan finds the first differing rune. The backward scan walks
// from both ends while runes match, but never past the point where the
// remaining region could no longer hold the length delta, so a shared
// repeated run at the boundary is not claimed twice. Identical inputs yield a
// zero-length edit at the end of before.
func ComputeEdit(before, after string) Edit {
	b := []rune(before)
	a := []rune(after)

	start := 0
	for start < len(b) && start < len(a) && b[start] == a[start] {
		start++
	}

	delta := len(a) - len(b)
	end := len(b) - 1
	for end >= start && end-start >= len(b)-len(a) && end+delta >= 0 && b[end] == a[end+delta] {
		end--
	}
	// end becomes the first unchanged rune instead of the last changed one.
	end++

	return Edit{
		Start:   start,
		End:     end,
		NewText: string(a[start : end+delta]),
	}
}

// Apply returns before with the edit applied. Offsets outside the text are
// clamped.
func Apply(before string, e Edit) string {
	b := []rune(before)
	start := clamp(e.Start, 0, len(b))
	end := clamp(e.End, start, len(b))
	out := make([]rune, 0, len(b)-(end-start)+len(e.NewText))
	out = append(out, b[:start]...)
	out = append(out, []rune(e.NewText)...)
	out = append(out, b[end:]...)
	return string(out)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
