package scc

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Status is the caption-check outcome for one SCC file.
type Status string

const (
	StatusOK        Status = "ok"
	StatusMissing   Status = "missing"
	StatusMalformed Status = "malformed"
)

// Report carries the check result plus the first offending line.
type Report struct {
	Status Status `json:"status"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason,omitempty"`
	Cues   int    `json:"cues"`
}

var captionLine = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[:;](\d{2})\t([0-9a-fA-F]{4}( [0-9a-fA-F]{4})*)\s*$`)

// Check validates an SCC document: header, parseable caption lines, and
// strictly increasing timecodes. It does not decode caption semantics; the
// well-formedness contract is what the caption-check job audits.
func Check(r io.Reader) Report {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	if !sc.Scan() {
		return Report{Status: StatusMalformed, Line: 1, Reason: "empty file"}
	}
	line++
	if strings.TrimRight(sc.Text(), "\r") != Header {
		return Report{Status: StatusMalformed, Line: 1, Reason: "missing Scenarist_SCC V1.0 header"}
	}

	cues := 0
	lastFrames := int64(-1)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		m := captionLine.FindStringSubmatch(text)
		if m == nil {
			return Report{Status: StatusMalformed, Line: line, Reason: "unparseable caption line"}
		}
		frames, err := timecodeFrames(m[1], m[2], m[3], m[4])
		if err != nil {
			return Report{Status: StatusMalformed, Line: line, Reason: err.Error()}
		}
		if frames <= lastFrames {
			return Report{Status: StatusMalformed, Line: line, Reason: "non-monotonic timecode"}
		}
		lastFrames = frames
		cues++
	}
	if err := sc.Err(); err != nil {
		return Report{Status: StatusMalformed, Line: line, Reason: err.Error()}
	}
	if cues == 0 {
		return Report{Status: StatusMalformed, Line: line, Reason: "no caption lines"}
	}
	return Report{Status: StatusOK, Cues: cues}
}

// CheckFile is Check against a path; an absent or empty file reports missing.
func CheckFile(path string) Report {
	info, err := os.Stat(path)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return Report{Status: StatusMissing, Reason: err.Error()}
		}
		return Report{Status: StatusMissing, Reason: err.Error()}
	}
	if info.Size() == 0 {
		return Report{Status: StatusMissing, Reason: "zero-length file"}
	}
	f, err := os.Open(path)
	if err != nil {
		return Report{Status: StatusMissing, Reason: err.Error()}
	}
	defer f.Close()
	return Check(f)
}

func timecodeFrames(hh, mm, ss, ff string) (int64, error) {
	h, _ := strconv.ParseInt(hh, 10, 64)
	m, _ := strconv.ParseInt(mm, 10, 64)
	s, _ := strconv.ParseInt(ss, 10, 64)
	f, _ := strconv.ParseInt(ff, 10, 64)
	if m > 59 || s > 59 || f > 29 {
		return 0, fmt.Errorf("timecode field out of range")
	}
	return ((h*60+m)*60+s)*30 + f, nil
}
