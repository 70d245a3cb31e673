// Package normalize filters raw command output chunks before they are
// broadcast to web clients. It is never applied to terminal-session output,
// which is passed through verbatim because a terminal emulator on the web
// side interprets control bytes and ANSI sequences itself.
package normalize

import (
	"strings"
	"unicode/utf8"
)

// minPrintabilityRatio is the minimum fraction of a chunk's runes that must
// be printable or permitted control/ANSI bytes for the chunk to be kept.
// Below this the chunk is treated as noise (e.g. a corrupted binary stream)
// and dropped.
const minPrintabilityRatio = 0.6

// permittedControl is the set of control bytes considered printable for the
// purpose of the ratio calculation: BEL, BS, HT, LF, VT, FF, CR, SO, SI, DEL.
var permittedControl = map[rune]struct{}{
	0x07: {}, 0x08: {}, 0x09: {}, 0x0A: {}, 0x0B: {},
	0x0C: {}, 0x0D: {}, 0x0E: {}, 0x0F: {}, 0x7F: {},
}

// Chunk filters a single output chunk. It returns the filtered string and
// true if the chunk should be kept, or "" and false if it should be dropped.
//
// Steps:
//  1. Decode as UTF-8 with non-fatal replacement; if any U+FFFD appears the
//     chunk is treated as binary and dropped outright.
//  2. Compute the printability ratio over the decoded runes.
//  3. Drop if the ratio is below minPrintabilityRatio; otherwise keep the
//     string, with invalid/incomplete ANSI CSI tails retained verbatim so a
//     caller can stitch them to the next chunk.
func Chunk(raw string) (string, bool) {
	if !utf8.ValidString(raw) {
		return "", false
	}
	// ValidString above already guarantees no replacement character was
	// substituted during decoding — Go's decoder does not silently replace
	// invalid sequences unless asked to range over them. A belt-and-braces
	// scan catches any literal U+FFFD present in otherwise valid input,
	// which the spec also treats as a binary signal.
	if strings.ContainsRune(raw, utf8.RuneError) {
		return "", false
	}

	total := 0
	printable := 0
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		total++
		r := runes[i]
		switch {
		case r >= 0x20 && r <= 0x7E:
			printable++
		case isPermittedControl(r):
			printable++
		case r == 0x1B:
			// ESC — count the whole escape sequence (CSI, charset
			// designation, or a partial tail) as printable and skip past it.
			n := ansiSeqLen(runes[i:])
			printable++
			for j := 1; j < n; j++ {
				total++
				printable++
			}
			i += n - 1
		case r >= 128:
			printable++
		}
	}

	if total == 0 {
		return raw, true
	}
	if float64(printable)/float64(total) < minPrintabilityRatio {
		return "", false
	}
	return raw, true
}

func isPermittedControl(r rune) bool {
	_, ok := permittedControl[r]
	return ok
}

// ansiSeqLen returns the length, in runes, of the escape sequence starting
// at runes[0] (which must be ESC). It recognizes CSI sequences (ESC [ ...
// final-byte in 0x40-0x7E), two-byte charset designations (ESC ( X), and
// returns the remaining length if the sequence is cut off mid-chunk so the
// caller can preserve the partial tail for stitching.
func ansiSeqLen(runes []rune) int {
	if len(runes) < 2 {
		return len(runes)
	}
	switch runes[1] {
	case '[':
		for i := 2; i < len(runes); i++ {
			if runes[i] >= 0x40 && runes[i] <= 0x7E {
				return i + 1
			}
		}
		return len(runes)
	case '(', ')':
		if len(runes) < 3 {
			return len(runes)
		}
		return 3
	default:
		return 2
	}
}
