// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleSpec is the configuration form of a Rule.
type RuleSpec struct {
	Name    string `yaml:"name"`
	Match   string `yaml:"match"`
	Counter string `yaml:"counter"`
	Delta   int64  `yaml:"delta"`
	// Stream restricts the rule to stream names ending in this suffix, e.g. "stdout".
	Stream string `yaml:"stream"`
}

// Rule is a compiled RuleSpec.
type Rule struct {
	Name    string
	Match   *regexp.Regexp
	Counter string
	Delta   int64
	Stream  string
}

// Rules classifies lines with regular expressions. Every matching rule adds
// its delta; the first match names the record. Named capture groups become
// record fields.
type Rules struct {
	rules []Rule
}

// CompileRules compiles rule specs. Delta defaults to 1.
func CompileRules(specs []RuleSpec) (*Rules, error) {
	out := make([]Rule, 0, len(specs))
	for i, s := range specs {
		re, err := regexp.Compile(s.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, s.Name, err)
		}
		delta := s.Delta
		if delta == 0 {
			delta = 1
		}
		name := s.Name
		if name == "" {
			name = s.Counter
		}
		out = append(out, Rule{Name: name, Match: re, Counter: s.Counter, Delta: delta, Stream: s.Stream})
	}
	return &Rules{rules: out}, nil
}

func (r *Rules) Classify(stream, line string) (*Record, error) {
	var rec *Record
	for _, rule := range r.rules {
		if rule.Stream != "" && !strings.HasSuffix(stream, rule.Stream) {
			continue
		}
		m := rule.Match.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if rec == nil {
			rec = &Record{Stream: stream, Kind: rule.Name, Raw: line, Deltas: map[string]int64{}}
		}
		if rule.Counter != "" {
			rec.Deltas[rule.Counter] += rule.Delta
		}
		for i, name := range rule.Match.SubexpNames() {
			if i == 0 || name == "" || m[i] == "" {
				continue
			}
			if rec.Fields == nil {
				rec.Fields = map[string]any{}
			}
			if _, seen := rec.Fields[name]; !seen {
				rec.Fields[name] = m[i]
			}
		}
	}
	if rec != nil {
		if id, ok := rec.Fields["id"].(string); ok {
			rec.Identifier = id
		}
	}
	return rec, nil
}
