// Package rewrite translates root-relative references in upstream responses
// into prefix-relative ones. Everything here is pure: no I/O beyond loading
// a rule file, no shared mutable state.
package rewrite

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"

	toml "github.com/pelletier/go-toml/v2"
)

//go:embed rules.toml
var defaultRulesTOML []byte

var defaultRules = mustParse(defaultRulesTOML)

// pathGroup is the regexp group name every rule must define.
const pathGroup = "path"

// Rule is one compiled rewrite pattern.
type Rule struct {
	Name  string
	Kinds []Kind

	re    *regexp.Regexp
	group int
}

// appliesTo reports whether the rule runs on content of kind k. HTML documents
// embed scripts and styles, so they get those rules too.
func (r *Rule) appliesTo(k Kind) bool {
	if slices.Contains(r.Kinds, k) {
		return true
	}
	if k == KindHTML {
		return slices.Contains(r.Kinds, KindJavaScript) || slices.Contains(r.Kinds, KindCSS)
	}
	return false
}

// Covers reports whether any rule in rs runs on content of kind k.
func (rs *RuleSet) Covers(k Kind) bool {
	if k == KindNone {
		return false
	}
	for i := range rs.Rules {
		if rs.Rules[i].appliesTo(k) {
			return true
		}
	}
	return false
}

// RuleSet is a versioned, immutable list of rules.
type RuleSet struct {
	Version string
	Rules   []Rule
}

type ruleFile struct {
	Version string `toml:"version"`
	Rules   []struct {
		Name    string   `toml:"name"`
		Kinds   []string `toml:"kinds"`
		Pattern string   `toml:"pattern"`
	} `toml:"rule"`
}

// Default returns the rule set compiled into the binary.
func Default() *RuleSet {
	return defaultRules
}

// Load reads a rule file from disk. An empty path returns Default.
func Load(path string) (*RuleSet, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rewrite: read %s: %w", path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rewrite: %s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes and compiles a TOML rule set.
func Parse(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("rule set has no version")
	}

	rs := &RuleSet{Version: f.Version}
	for i, fr := range f.Rules {
		if fr.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		re, err := regexp.Compile(fr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", fr.Name, err)
		}
		group := re.SubexpIndex(pathGroup)
		if group < 0 {
			return nil, fmt.Errorf("rule %q: pattern has no (?P<%s>...) group", fr.Name, pathGroup)
		}
		if len(fr.Kinds) == 0 {
			return nil, fmt.Errorf("rule %q: no kinds", fr.Name)
		}
		kinds := make([]Kind, 0, len(fr.Kinds))
		for _, k := range fr.Kinds {
			kind := Kind(k)
			if !kind.valid() {
				return nil, fmt.Errorf("rule %q: unknown kind %q", fr.Name, k)
			}
			kinds = append(kinds, kind)
		}
		rs.Rules = append(rs.Rules, Rule{Name: fr.Name, Kinds: kinds, re: re, group: group})
	}
	return rs, nil
}

func mustParse(data []byte) *RuleSet {
	rs, err := Parse(data)
	if err != nil {
		panic("rewrite: embedded rules: " + err.Error())
	}
	return rs
}
