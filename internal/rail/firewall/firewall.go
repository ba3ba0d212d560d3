// Package firewall implements the prompt-injection guard (C4): a stateless
// pattern classifier with three severity profiles (§4.4).
package firewall

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Profile selects the block threshold (§4.4).
type Profile string

const (
	ProfileParanoid Profile = "paranoid"
	ProfileStandard Profile = "standard"
	ProfileRelaxed  Profile = "relaxed"
)

// thresholds maps each profile to its block score (lower threshold = more
// aggressive blocking).
var thresholds = map[Profile]float64{
	ProfileParanoid: 0.4,
	ProfileStandard: 0.7,
	ProfileRelaxed:  1.2,
}

// pattern is one classification rule: a regex or fuzzy phrase list and its
// severity contribution to the additive score.
type pattern struct {
	name     string
	severity float64
	match    func(text string) bool
}

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
var overlongRepeatPattern = regexp.MustCompile(`(.)\1{19,}`)
var urlSchemePattern = regexp.MustCompile(`(?i)(javascript|data):`)
var toolEscapePattern = regexp.MustCompile("(?i)```|<\\|im_(start|end)\\|>|\\\\x[0-9a-f]{2}")

var roleAssumptionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard prior instructions",
	"you are now",
	"act as",
	"new instructions",
	"system prompt",
	"developer mode",
}

var patterns = []pattern{
	{
		name:     "prompt-override",
		severity: 0.7,
		match: func(text string) bool {
			lower := strings.ToLower(text)
			for _, phrase := range roleAssumptionPhrases {
				if strings.Contains(lower, phrase) {
					return true
				}
				if fuzzyPhraseMatch(phrase, lower) {
					return true
				}
			}
			return false
		},
	},
	{
		name:     "tool-escape",
		severity: 0.4,
		match:    func(text string) bool { return toolEscapePattern.MatchString(text) },
	},
	{
		name:     "control-characters",
		severity: 0.3,
		match:    func(text string) bool { return controlCharPattern.MatchString(text) },
	},
	{
		name:     "url-scheme",
		severity: 0.5,
		match:    func(text string) bool { return urlSchemePattern.MatchString(text) },
	},
	{
		name:     "overlong-repeat",
		severity: 0.3,
		match:    func(text string) bool { return overlongRepeatPattern.MatchString(text) },
	},
}

// fuzzyPhraseMatch catches evasions that pad phrase's words with a few extra
// characters, without matching arbitrary text: it slides a window of phrase's
// own word-count over text and requires a tight Levenshtein bound on that
// window, never the whole text. RankMatch only scores windows that contain
// phrase as an in-order subsequence, so dropped or substituted characters and
// words split by extra spaces are not caught.
func fuzzyPhraseMatch(phrase, text string) bool {
	phraseWords := strings.Fields(phrase)
	words := strings.Fields(text)
	n := len(phraseWords)
	if n == 0 || len(words) < n {
		return false
	}

	const maxDistance = 2
	for i := 0; i+n <= len(words); i++ {
		window := strings.Join(words[i:i+n], " ")
		if dist := fuzzy.RankMatch(phrase, window); dist >= 0 && dist <= maxDistance {
			return true
		}
	}
	return false
}

// Threat describes one matched pattern (§4.4 output contract).
type Threat struct {
	Name     string
	Severity float64
}

// Result is the firewall's verdict for one payload (§4.4).
type Result struct {
	Safe      bool
	Sanitized string
	Threats   []Threat
}

// Firewall is stateful only in its configured profile; Process itself has
// no side effects beyond its return value (§4.4, §9).
type Firewall struct {
	threshold float64
}

// New builds a Firewall for the given profile, defaulting to standard if
// the profile name is unrecognized.
func New(profile Profile) *Firewall {
	threshold, ok := thresholds[profile]
	if !ok {
		threshold = thresholds[ProfileStandard]
	}
	return &Firewall{threshold: threshold}
}

// Process classifies text from origin (an agentId, used only for forensic
// logging by the caller) and returns the safety verdict (§4.4).
func (f *Firewall) Process(text string, origin string) Result {
	var threats []Threat
	var score float64

	for _, p := range patterns {
		if p.match(text) {
			threats = append(threats, Threat{Name: p.name, Severity: p.severity})
			score += p.severity
		}
	}

	if score >= f.threshold {
		return Result{Safe: false, Sanitized: "", Threats: threats}
	}

	return Result{Safe: true, Sanitized: sanitize(text), Threats: threats}
}

// sanitize replaces control characters and strips disallowed URL schemes
// (§4.4), leaving otherwise-safe text intact.
func sanitize(text string) string {
	stripped := controlCharPattern.ReplaceAllStringFunc(text, func(string) string { return "" })
	stripped = urlSchemePattern.ReplaceAllString(stripped, "blocked:")
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, stripped)
}
