// Package scc encodes timed transcript cues into Scenarist Closed Caption
// files and validates existing ones. Output is pop-on CEA-608 at 29.97 fps
// with drop-frame timecodes, which is what the Cablecast ingest expects.
package scc

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
)

// Cue is one timed caption: seconds-based interval plus display text.
// Intervals must satisfy End > Start with non-decreasing Start across cues.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

const (
	Header = "Scenarist_SCC V1.0"

	maxCols = 32
	maxRows = 2
)

// Control code pairs (channel 1), parity already applied.
const (
	codeRCL = "9420" // resume caption loading
	codeENM = "94ae" // erase non-displayed memory
	codeEOC = "942f" // end of caption (flip memory, display)
	codeEDM = "942c" // erase displayed memory (clear)
	pacR14  = "94d0" // preamble, row 14, white, indent 0
	pacR15  = "9470" // preamble, row 15, white, indent 0
)

// oddParity returns the 7-bit value with the CEA-608 odd parity bit applied.
func oddParity(b byte) byte {
	v := b & 0x7f
	ones := 0
	for i := 0; i < 7; i++ {
		if v&(1<<i) != 0 {
			ones++
		}
	}
	if ones%2 == 0 {
		return v | 0x80
	}
	return v
}

// charCode maps a rune to its CEA-608 basic character, or 0x20 when the
// rune has no representation. The basic set tracks ASCII except for a
// handful of slots reused for accented characters.
func charCode(r rune) byte {
	switch r {
	case 'á':
		return 0x2a
	case 'é':
		return 0x5c
	case 'í':
		return 0x5e
	case 'ó':
		return 0x5f
	case 'ú':
		return 0x60
	case 'ç':
		return 0x7b
	case '÷':
		return 0x7c
	case 'Ñ':
		return 0x7d
	case 'ñ':
		return 0x7e
	case '*', '\\', '^', '_', '`', '{', '|', '}', '~':
		return 0x20
	}
	if r >= 0x20 && r <= 0x7f {
		return byte(r)
	}
	return 0x20
}

// wrapRows splits text into at most maxRows rows of maxCols columns on word
// boundaries. Overflow beyond the last row is truncated; ASR segments are
// short enough that this is the rare case, not the rule.
func wrapRows(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var rows []string
	cur := ""
	for _, w := range words {
		if len(w) > maxCols {
			w = w[:maxCols]
		}
		switch {
		case cur == "":
			cur = w
		case len(cur)+1+len(w) <= maxCols:
			cur += " " + w
		default:
			rows = append(rows, cur)
			cur = w
			if len(rows) == maxRows {
				return rows[:maxRows]
			}
		}
	}
	if cur != "" && len(rows) < maxRows {
		rows = append(rows, cur)
	}
	return rows
}

// textPairs encodes a row into hex byte pairs with parity, padding the
// final odd byte with a null.
func textPairs(row string) []string {
	raw := make([]byte, 0, len(row)+1)
	for _, r := range row {
		raw = append(raw, oddParity(charCode(r)))
	}
	if len(raw)%2 != 0 {
		raw = append(raw, oddParity(0x00))
	}
	pairs := make([]string, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%02x%02x", raw[i], raw[i+1]))
	}
	return pairs
}

// Timecode renders seconds as a 29.97 drop-frame timecode (HH:MM:SS;FF).
func Timecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	frames := int64(math.Round(seconds * 30000.0 / 1001.0))
	return frameTimecode(frames)
}

func frameTimecode(frames int64) string {
	// Re-insert the dropped frame numbers: 2 per minute except every tenth.
	d := frames / 17982
	m := frames % 17982
	fn := frames + 18*d
	if m >= 2 {
		fn += 2 * ((m - 2) / 1798)
	}
	ff := fn % 30
	ss := (fn / 30) % 60
	mm := (fn / 1800) % 60
	hh := (fn / 108000) % 24
	return fmt.Sprintf("%02d:%02d:%02d;%02d", hh, mm, ss, ff)
}

// Encode writes cues as a pop-on SCC document. Timecodes in the output are
// strictly increasing; a clear packet is emitted at each cue's end unless
// the next cue starts at or before it.
func Encode(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n\n", Header); err != nil {
		return err
	}

	lastFrame := int64(-1)
	emit := func(seconds float64, payload []string) error {
		frame := int64(math.Round(seconds * 30000.0 / 1001.0))
		if frame <= lastFrame {
			frame = lastFrame + 1
		}
		lastFrame = frame
		_, err := fmt.Fprintf(bw, "%s\t%s\n\n", frameTimecode(frame), strings.Join(payload, " "))
		return err
	}

	for i, cue := range cues {
		rows := wrapRows(cue.Text)
		if len(rows) == 0 {
			continue
		}
		// Doubled control codes per CEA-608 transmission rules.
		payload := []string{codeENM, codeENM, codeRCL, codeRCL}
		pacs := []string{pacR15}
		if len(rows) == 2 {
			pacs = []string{pacR14, pacR15}
		}
		for r, row := range rows {
			payload = append(payload, pacs[r], pacs[r])
			payload = append(payload, textPairs(row)...)
		}
		payload = append(payload, codeEOC, codeEOC)
		if err := emit(cue.Start, payload); err != nil {
			return err
		}

		// Clear at end unless the next cue replaces the display first.
		if i+1 < len(cues) && cues[i+1].Start <= cue.End {
			continue
		}
		if err := emit(cue.End, []string{codeEDM, codeEDM}); err != nil {
			return err
		}
	}
	return bw.Flush()
}
