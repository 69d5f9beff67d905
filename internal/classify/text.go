package classify

import (
	"strings"
	"unicode/utf16"
)

// printableRuns extracts human-readable runs of at least minRun characters
// from binary data, handling both single-byte and UTF-16LE encoded text.
// Shorter runs are discarded as structural noise.
func printableRuns(data []byte, minRun int) string {
	var out []string
	if runs := asciiRuns(data, minRun); len(runs) > 0 {
		out = append(out, runs...)
	}
	if runs := utf16Runs(data, minRun); len(runs) > 0 {
		out = append(out, runs...)
	}
	return strings.Join(out, "\n")
}

func asciiRuns(data []byte, minRun int) []string {
	var runs []string
	var current []byte
	flush := func() {
		if len(current) >= minRun {
			runs = append(runs, string(current))
		}
		current = current[:0]
	}
	for _, b := range data {
		if b == '\t' || b == '\n' || (b >= 0x20 && b < 0x7f) {
			current = append(current, b)
			continue
		}
		flush()
	}
	flush()
	return runs
}

func utf16Runs(data []byte, minRun int) []string {
	var runs []string
	var current []uint16
	flush := func() {
		if len(current) >= minRun {
			runs = append(runs, string(utf16.Decode(current)))
		}
		current = current[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		// Only the low plane with a zero high byte counts as UTF-16LE text
		// here; everything else ends the run.
		if data[i+1] == 0 && (u == '\t' || u == '\n' || (u >= 0x20 && u < 0x7f)) {
			current = append(current, u)
			continue
		}
		flush()
	}
	flush()
	return runs
}
