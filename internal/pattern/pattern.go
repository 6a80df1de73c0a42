// Package pattern implements segment wildcard matching for fact keys and
// event topics.
//
// A pattern is a separator-joined list of segments. Fact keys use ':' and
// event topics use '.'. Two wildcards are recognized:
//
//	*   matches exactly one segment
//	**  matches zero or more segments
//
// "sensor:*:temp" matches "sensor:s1:temp" but not "sensor:temp" or
// "sensor:a:b:temp". "order.**" matches "order", "order.created" and
// "order.eu.created".
package pattern

import (
	"fmt"
	"strings"
)

// KeySep separates fact key segments.
const KeySep = ':'

// TopicSep separates event topic segments.
const TopicSep = '.'

// Pattern is a compiled segment pattern. The zero value matches nothing.
type Pattern struct {
	raw      string
	sep      string
	segments []string
	literal  bool
	multi    bool
}

// Compile parses raw into a Pattern over the given separator. Empty
// patterns and empty segments are rejected.
func Compile(raw string, sep byte) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	segs := strings.Split(raw, string(sep))
	literal := true
	multi := false
	for i, s := range segs {
		switch s {
		case "":
			return Pattern{}, fmt.Errorf("pattern %q: empty segment at position %d", raw, i)
		case "*":
			literal = false
		case "**":
			literal = false
			multi = true
		default:
			if strings.Contains(s, "*") {
				return Pattern{}, fmt.Errorf("pattern %q: segment %q mixes wildcard and text", raw, s)
			}
		}
	}
	return Pattern{raw: raw, sep: string(sep), segments: segs, literal: literal, multi: multi}, nil
}

// MustCompile is Compile for patterns known to be valid.
func MustCompile(raw string, sep byte) Pattern {
	p, err := Compile(raw, sep)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate reports whether raw is a well-formed pattern over sep.
func Validate(raw string, sep byte) error {
	_, err := Compile(raw, sep)
	return err
}

// MatchKey reports whether a fact key matches a raw ':' pattern. Malformed
// patterns match nothing.
func MatchKey(raw, key string) bool {
	p, err := Compile(raw, KeySep)
	if err != nil {
		return false
	}
	return p.Match(key)
}

// MatchTopic reports whether an event topic matches a raw '.' pattern.
// Malformed patterns match nothing.
func MatchTopic(raw, topic string) bool {
	p, err := Compile(raw, TopicSep)
	if err != nil {
		return false
	}
	return p.Match(topic)
}

// Raw returns the pattern source text.
func (p Pattern) Raw() string { return p.raw }

// IsLiteral reports whether the pattern contains no wildcards, so it can
// only match its own text.
func (p Pattern) IsLiteral() bool { return p.literal }

// Arity returns the number of segments the pattern matches. exact is false
// when the pattern contains **, in which case n is the minimum.
func (p Pattern) Arity() (n int, exact bool) {
	if !p.multi {
		return len(p.segments), true
	}
	n = 0
	for _, s := range p.segments {
		if s != "**" {
			n++
		}
	}
	return n, false
}

// Match reports whether key matches the pattern. The key is split on the
// separator the pattern was compiled with.
func (p Pattern) Match(key string) bool {
	if len(p.segments) == 0 {
		return false
	}
	if p.literal {
		return p.raw == key
	}
	return matchSegments(p.segments, strings.Split(key, p.sep))
}

// matchSegments runs wildcard matching with backtracking over **.
func matchSegments(pat, key []string) bool {
	pi, ki := 0, 0
	star, mark := -1, 0
	for ki < len(key) {
		switch {
		case pi < len(pat) && (pat[pi] == "*" || pat[pi] == key[ki]):
			pi++
			ki++
		case pi < len(pat) && pat[pi] == "**":
			star = pi
			mark = ki
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ki = mark
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == "**" {
		pi++
	}
	return pi == len(pat)
}
