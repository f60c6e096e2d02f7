package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// PadRight pads or truncates a string to a fixed display width.
func PadRight(str string, width int) string {
	w := runewidth.StringWidth(str)
	if w > width {
		return runewidth.Truncate(str, width, "...")
	}
	return str + strings.Repeat(" ", width-w)
}

// Field is one labelled line of a summary.
type Field struct {
	Label string
	Value string
}

// Summary renders fields as "label  value" lines with the values aligned.
// Width is measured in terminal cells so wide file names line up.
func Summary(fields []Field) string {
	width := 0
	for _, f := range fields {
		if w := runewidth.StringWidth(f.Label); w > width {
			width = w
		}
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(PadRight(f.Label, width))
		b.WriteString("  ")
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return b.String()
}
