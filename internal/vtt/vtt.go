// Package vtt reads and writes the speaker-labelled WebVTT transcripts.
//
// Layout: "WEBVTT", a blank line, then blocks of
//
//	HH:MM:SS.mmm --> HH:MM:SS.mmm
//	[Speaker] text
//
// separated by blank lines.
package vtt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"callreview-go/internal/types"
)

const header = "WEBVTT"

// FormatTimestamp renders d as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := (ms % 3_600_000) / 60_000
	s := (ms % 60_000) / 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// ParseTimestamp accepts HH:MM:SS.mmm and the short MM:SS.mmm form.
func ParseTimestamp(s string) (time.Duration, error) {
	var h, m, sec, ms int
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 3:
		if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &h, &m); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
	case 2:
		if _, err := fmt.Sscanf(parts[0], "%d", &m); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
	default:
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	if _, err := fmt.Sscanf(parts[len(parts)-1], "%d.%d", &sec, &ms); err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// Encode writes the transcript; empty segments are dropped.
func Encode(w io.Writer, tr types.Transcript) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header + "\n\n"); err != nil {
		return err
	}
	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "user"
		}
		if _, err := fmt.Fprintf(bw, "%s --> %s\n[%s] %s\n\n",
			FormatTimestamp(seg.Start), FormatTimestamp(seg.End), speaker, text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// String is Encode into a string.
func String(tr types.Transcript) string {
	var b strings.Builder
	_ = Encode(&b, tr)
	return b.String()
}

// Decode parses a transcript written by Encode. Cue lines without a
// "[speaker]" prefix keep an empty speaker.
func Decode(r io.Reader) (types.Transcript, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var tr types.Transcript
	first := true
	var cur *types.Segment
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			first = false
			if !strings.HasPrefix(strings.TrimPrefix(line, "\ufeff"), header) {
				return tr, fmt.Errorf("missing %s header", header)
			}
			continue
		}
		switch {
		case strings.TrimSpace(line) == "":
			if cur != nil {
				tr.Segments = append(tr.Segments, *cur)
				cur = nil
			}
		case strings.Contains(line, "-->"):
			start, end, err := parseCueTiming(line)
			if err != nil {
				return tr, err
			}
			cur = &types.Segment{Start: start, End: end}
		case cur != nil:
			speaker, text := splitSpeaker(line)
			if cur.Text == "" {
				cur.Speaker = speaker
				cur.Text = text
			} else {
				cur.Text += " " + strings.TrimSpace(line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return tr, err
	}
	if first {
		return tr, fmt.Errorf("missing %s header", header)
	}
	if cur != nil {
		tr.Segments = append(tr.Segments, *cur)
	}
	return tr, nil
}

// PlainText flattens cue text, speaker tags included, into one line.
func PlainText(tr types.Transcript) string {
	lines := make([]string, 0, len(tr.Segments))
	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Speaker != "" {
			text = "[" + seg.Speaker + "] " + text
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, " ")
}

func parseCueTiming(line string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(line, "-->", 2)
	start, err := ParseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// cue settings may follow the end timestamp
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("bad cue timing %q", line)
	}
	end, err := ParseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func splitSpeaker(line string) (string, string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "[") {
		if i := strings.Index(line, "]"); i > 0 {
			return line[1:i], strings.TrimSpace(line[i+1:])
		}
	}
	return "", line
}
