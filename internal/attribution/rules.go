package attribution

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role labels a rule can assign.
const (
	RoleAgent  = "agent"
	RoleCaller = "caller"
)

// MatchKind selects how a rule pattern is compared with a sentence.
type MatchKind string

const (
	MatchContains MatchKind = "contains"
	MatchExact    MatchKind = "exact"
	MatchPrefix   MatchKind = "prefix"
	MatchRegex    MatchKind = "regex"
)

// Rule maps a phrase to a role. Rules are evaluated in order, first match wins.
type Rule struct {
	Pattern string    `yaml:"pattern"`
	Role    string    `yaml:"role"`
	Match   MatchKind `yaml:"match,omitempty"`
	// MaxLen restricts the rule to sentences shorter than this many characters.
	MaxLen int `yaml:"maxLen,omitempty"`

	re *regexp.Regexp
}

// RuleSet is the ordered, substitutable configuration of the speaker heuristic.
type RuleSet struct {
	CallerLabel string `yaml:"callerLabel"`
	Rules       []Rule `yaml:"rules"`
}

// LoadRuleSet reads a YAML rule file.
func LoadRuleSet(path string) (RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return ParseRuleSet(raw)
}

// ParseRuleSet decodes and compiles a YAML rule document.
func ParseRuleSet(raw []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.compile(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func (rs *RuleSet) compile() error {
	if rs.CallerLabel == "" {
		rs.CallerLabel = "user"
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Role != RoleAgent && r.Role != RoleCaller {
			return fmt.Errorf("rule %d: unknown role %q", i, r.Role)
		}
		if r.Match == "" {
			r.Match = MatchContains
		}
		switch r.Match {
		case MatchContains, MatchExact, MatchPrefix:
			r.Pattern = strings.ToLower(r.Pattern)
		case MatchRegex:
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			r.re = re
		default:
			return fmt.Errorf("rule %d: unknown match %q", i, r.Match)
		}
	}
	return nil
}

// Classify returns the role of the first rule matching sentence, or "".
func (rs RuleSet) Classify(sentence string) string {
	trimmed := strings.TrimSpace(sentence)
	lower := strings.ToLower(trimmed)
	for _, r := range rs.Rules {
		if r.MaxLen > 0 && len(trimmed) >= r.MaxLen {
			continue
		}
		if r.matches(lower) {
			return r.Role
		}
	}
	return ""
}

func (r Rule) matches(lower string) bool {
	switch r.Match {
	case MatchExact:
		return lower == r.Pattern
	case MatchPrefix:
		return strings.HasPrefix(lower, r.Pattern)
	case MatchRegex:
		return r.re != nil && r.re.MatchString(lower)
	default:
		return strings.Contains(lower, r.Pattern)
	}
}

// DefaultRuleSet is the help-desk heuristic: explicit caller phrases, short
// acknowledgements, then agent vocabulary.
func DefaultRuleSet() RuleSet {
	rs := RuleSet{CallerLabel: "user"}

	for _, p := range []string{
		"my netid is", "i'm going to my laptop", "i'll open zoom",
		"that worked", "no, that's it", "take care",
	} {
		rs.Rules = append(rs.Rules, Rule{Pattern: p, Role: RoleCaller})
	}
	for _, p := range []string{
		"yes", "no", "ok", "yeah", "sure", "right", "i can", "i will", "i have",
		"i do", "i am", "i'm", "that's right", "exactly", "correct",
	} {
		rs.Rules = append(rs.Rules, Rule{Pattern: p, Role: RoleCaller, Match: MatchPrefix, MaxLen: 15})
	}
	for _, p := range []string{
		"service center", "how can i help", "how may i assist you", "what is your",
		"i can provide", "i need to verify", "are you able", "if you could",
		"i see you", "i'm going to leave", "can you let me know", "all right",
		"awesome", "thank you", "i'm stopping", "take your time", "recovery code",
		"verify your identity", "zoom application", "meeting id number",
		"driver's license", "passport", "have a good", "rest of your day",
		"no worries", "did you have any other questions", "it should prompt you",
		"support", "technical", "help desk", "net id", "netid",
	} {
		rs.Rules = append(rs.Rules, Rule{Pattern: p, Role: RoleAgent})
	}
	// very short replies that carry no agent vocabulary
	rs.Rules = append(rs.Rules, Rule{Pattern: `^[\w' ?]{1,9}$`, Role: RoleCaller, Match: MatchRegex})

	_ = rs.compile()
	return rs
}
