package textedit

// Position is a zero-based line and rune column.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// RangeEdit is an Edit expressed in line/column coordinates of the text it
// applies to.
type RangeEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// PositionAt converts a rune offset in text into a line/column position.
func PositionAt(text string, offset int) Position {
	var pos Position
	i := 0
	for _, r := range text {
		if i >= offset {
			break
		}
		if r == '\n' {
			pos.Line++
			pos.Character = 0
		} else {
			pos.Character++
		}
		i++
	}
	return pos
}

// OffsetAt converts a line/column position into a rune offset in text.
// Columns past the end of a line clamp to the line end.
func OffsetAt(text string, pos Position) int {
	line, col, i := 0, 0, 0
	for _, r := range text {
		if line == pos.Line && (col == pos.Character || r == '\n') {
			return i
		}
		if r == '\n' {
			line++
			col = 0
		} else {
			col++
		}
		i++
	}
	return i
}

// ToRange converts e into line/column coordinates against before.
func ToRange(before string, e Edit) RangeEdit {
	return RangeEdit{
		Range: Range{
			Start: PositionAt(before, e.Start),
			End:   PositionAt(before, e.End),
		},
		NewText: e.NewText,
	}
}

// Diff is ComputeEdit followed by ToRange.
func Diff(before, after string) RangeEdit {
	return ToRange(before, ComputeEdit(before, after))
}
