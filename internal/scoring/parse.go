package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"callreview-go/internal/types"
)

// ParseAnalysis reads a score+reasoning object out of free-form model output.
// Anything that does not fit the schema is a MalformedResponse carrying raw.
func ParseAnalysis(raw string) (types.AnalysisResult, error) {
	obj := extractJSON(raw)
	if obj == "" {
		return types.AnalysisResult{}, malformed(raw, "no JSON object in response")
	}

	var doc map[string]json.RawMessage
	if err := decodeNumber(obj, &doc); err != nil {
		return types.AnalysisResult{}, malformed(raw, "decode: "+err.Error())
	}

	// models sometimes put the whole answer inside reasoning
	if inner, ok := nestedAnalysis(doc); ok {
		for k, v := range inner {
			doc[k] = v
		}
	}

	scoreRaw, ok := doc["score"]
	if !ok {
		return types.AnalysisResult{}, malformed(raw, "missing score")
	}
	score, err := parseScore(scoreRaw)
	if err != nil {
		return types.AnalysisResult{}, malformed(raw, err.Error())
	}

	reasonRaw, ok := doc["reasoning"]
	if !ok {
		return types.AnalysisResult{}, malformed(raw, "missing reasoning")
	}
	var reasoning string
	if err := json.Unmarshal(reasonRaw, &reasoning); err != nil {
		return types.AnalysisResult{}, malformed(raw, "reasoning is not a string")
	}

	return types.AnalysisResult{Score: score, Reasoning: strings.TrimSpace(reasoning)}, nil
}

func malformed(raw, detail string) error {
	return &Error{Kind: MalformedResponse, Detail: detail, Raw: raw}
}

func decodeNumber(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

func nestedAnalysis(doc map[string]json.RawMessage) (map[string]json.RawMessage, bool) {
	var reasoning string
	if err := json.Unmarshal(doc["reasoning"], &reasoning); err != nil {
		return nil, false
	}
	reasoning = strings.TrimSpace(reasoning)
	if !strings.HasPrefix(reasoning, "{") {
		return nil, false
	}
	var inner map[string]json.RawMessage
	if err := decodeNumber(reasoning, &inner); err != nil {
		return nil, false
	}
	if _, ok := inner["score"]; !ok {
		if _, ok := inner["reasoning"]; !ok {
			return nil, false
		}
	}
	return inner, true
}

// parseScore accepts integral numbers, also when quoted, within 0..MaxScore.
func parseScore(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		raw = []byte(strings.TrimSpace(text))
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("score %s is not a number", raw)
	}
	if math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("score %s is not an integer", raw)
	}
	if f < 0 || f > types.MaxScore {
		return 0, fmt.Errorf("score %s outside 0..%d", raw, types.MaxScore)
	}
	return int(f), nil
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```JSON", "```"} {
		s = strings.ReplaceAll(s, r, "")
	}

	for start := strings.Index(s, "{"); start != -1; {
		if end := balancedEnd(s, start); end != -1 {
			candidate := strings.TrimSpace(s[start : end+1])
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
		next := strings.Index(s[start+1:], "{")
		if next == -1 {
			break
		}
		start += next + 1
	}
	return ""
}

// balancedEnd returns the index of the brace closing s[start], skipping
// braces inside string literals.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
