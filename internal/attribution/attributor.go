package attribution

import (
	"strings"
	"time"

	"callreview-go/internal/types"
)

// Attributor relabels diarized segments as agent or caller.
type Attributor struct {
	rules RuleSet
}

func New(rules RuleSet) *Attributor {
	return &Attributor{rules: rules}
}

// Attribute splits every segment into sentences and labels each one. The
// agent is rendered with agentName; the caller with the rule set's caller
// label. Sentences no rule matches fall back to the diarization speaker: the
// first raw speaker heard saying agent vocabulary is taken as the agent.
func (a *Attributor) Attribute(segments []types.Segment, agentName string) []types.Segment {
	agentSpeaker := a.agentSpeaker(segments)

	out := make([]types.Segment, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		sentences := SplitSentences(text)
		span := seg.End - seg.Start
		perChar := time.Duration(0)
		if len(text) > 0 && span > 0 {
			perChar = span / time.Duration(len(text))
		}

		cursor := seg.Start
		for i, sentence := range sentences {
			end := cursor + perChar*time.Duration(len(sentence))
			if i == len(sentences)-1 || end > seg.End {
				end = seg.End
			}
			role := a.rules.Classify(sentence)
			if role == "" {
				role = RoleCaller
				if agentSpeaker != "" && seg.Speaker == agentSpeaker {
					role = RoleAgent
				}
			}
			out = append(out, types.Segment{
				Start:   cursor,
				End:     end,
				Speaker: a.render(role, agentName),
				Text:    sentence,
			})
			cursor = end
		}
	}
	return out
}

func (a *Attributor) agentSpeaker(segments []types.Segment) string {
	for _, seg := range segments {
		if seg.Speaker == "" {
			continue
		}
		for _, sentence := range SplitSentences(seg.Text) {
			if a.rules.Classify(sentence) == RoleAgent {
				return seg.Speaker
			}
		}
	}
	return ""
}

func (a *Attributor) render(role, agentName string) string {
	if role == RoleAgent && agentName != "" {
		return agentName
	}
	if role == RoleAgent {
		return RoleAgent
	}
	return a.rules.CallerLabel
}

// SplitSentences cuts text after '.', '!' and '?'.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
