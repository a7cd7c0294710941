// Package diffstat produces a short, human-readable summary of how much a
// commit changed a file, for inclusion in handoff text so the next agent
// gets a rough sense of a predecessor's footprint without re-reading every
// file. New wiring (no teacher file does git-level diff stats); grounded on
// github.com/sergi/go-diff's own diff API, applied here to before/after file
// contents rather than text editing.
package diffstat

import (
	"fmt"

	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// Summary is a compact added/removed line count for one file.
type Summary struct {
	Path    string
	Added   int
	Removed int
}

// String renders "path (+N/-M)".
func (s Summary) String() string {
	return fmt.Sprintf("%s (+%d/-%d)", s.Path, s.Added, s.Removed)
}

var dmp = diffmatchpatch.New()

// Compute diffs before/after file contents and counts added/removed lines.
func Compute(path, before, after string) Summary {
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	summary := Summary{Path: path}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			summary.Added += lineCount(d.Text)
		case diffmatchpatch.DiffDelete:
			summary.Removed += lineCount(d.Text)
		}
	}
	return summary
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	count := 0
	for _, r := range text {
		if r == '\n' {
			count++
		}
	}
	if text[len(text)-1] != '\n' {
		count++
	}
	return count
}

// FormatSummaries joins summaries into a single handoff-friendly line.
func FormatSummaries(summaries []Summary) string {
	if len(summaries) == 0 {
		return "no files changed"
	}
	out := ""
	for i, s := range summaries {
		if i > 0 {
			out += ", "
		}
		out += s.String()
	}
	return out
}
