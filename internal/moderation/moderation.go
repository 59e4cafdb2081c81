// Package moderation screens chat input before any model or network call.
package moderation

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

type Verdict string

const (
	Pass  Verdict = "pass"
	Warn  Verdict = "warn"
	Block Verdict = "block"
)

func (v *Verdict) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Verdict(s) {
	case Pass, Warn, Block:
		*v = Verdict(s)
		return nil
	default:
		return fmt.Errorf("invalid verdict %q", s)
	}
}

const (
	ReasonEmpty      = "empty_message"
	ReasonRepetition = "repetition_spam"
	ReasonAllCaps    = "all_caps"
)

const (
	repetitionThreshold = 5
	allCapsMinLength    = 20
)

type Result struct {
	Verdict Verdict
	Reason  string
}

func (r Result) Blocked() bool {
	return r.Verdict == Block
}

type ruleFile struct {
	Categories []category `yaml:"categories"`
}

type category struct {
	Name     string    `yaml:"name"`
	Reason   string    `yaml:"reason"`
	Verdict  Verdict   `yaml:"verdict"`
	Priority int       `yaml:"priority"`
	Patterns []pattern `yaml:"patterns"`
	compiled []*regexp.Regexp
}

type pattern struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`
}

// Moderator is safe for concurrent use once built.
type Moderator struct {
	categories []category
}

// New builds a moderator from the embedded rule file.
func New() (*Moderator, error) {
	return NewFromYAML(embeddedRules)
}

func NewFromYAML(data []byte) (*Moderator, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse moderation rules: %w", err)
	}
	for i := range file.Categories {
		c := &file.Categories[i]
		if c.Reason == "" {
			return nil, fmt.Errorf("moderation category %q has no reason", c.Name)
		}
		if c.Verdict == "" {
			c.Verdict = Block
		}
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile moderation pattern %s: %w", p.ID, err)
			}
			c.compiled = append(c.compiled, re)
		}
	}
	sort.SliceStable(file.Categories, func(i, j int) bool {
		return file.Categories[i].Priority < file.Categories[j].Priority
	})
	return &Moderator{categories: file.Categories}, nil
}

// Classify applies, in order: the empty check, the pattern categories,
// the repetition check and the all-caps check.
func (m *Moderator) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Verdict: Block, Reason: ReasonEmpty}
	}
	for _, c := range m.categories {
		for _, re := range c.compiled {
			if re.MatchString(trimmed) {
				return Result{Verdict: c.Verdict, Reason: c.Reason}
			}
		}
	}
	if hasExcessiveRepetition(trimmed) {
		return Result{Verdict: Block, Reason: ReasonRepetition}
	}
	if isShouting(trimmed) {
		return Result{Verdict: Warn, Reason: ReasonAllCaps}
	}
	return Result{Verdict: Pass}
}

// hasExcessiveRepetition reports the same word appearing
// repetitionThreshold times in a row. Single-character words are ignored.
func hasExcessiveRepetition(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	count := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] && utf8.RuneCountInString(words[i]) > 1 {
			count++
			if count >= repetitionThreshold {
				return true
			}
		} else {
			count = 1
		}
	}
	return false
}

func isShouting(text string) bool {
	if utf8.RuneCountInString(text) <= allCapsMinLength {
		return false
	}
	if text != strings.ToUpper(text) {
		return false
	}
	return strings.IndexFunc(text, func(r rune) bool { return r >= 'A' && r <= 'Z' }) >= 0
}
