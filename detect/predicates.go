package detect

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"time"

	"sentinel/core"

	"github.com/dlclark/regexp2"
)

// PatternPredicate matches signatures against the normalized text payload of an
// event. It ignores event type since malicious payloads arrive on any channel.
type PatternPredicate struct {
	sources  []string
	compiled []*regexp2.Regexp
}

// NewPatternPredicate compiles the patterns with a per-match timeout
func NewPatternPredicate(patterns []string, timeout time.Duration) (*PatternPredicate, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: pattern predicate needs at least one pattern", core.ErrInvalidRule)
	}
	p := &PatternPredicate{
		sources:  make([]string, 0, len(patterns)),
		compiled: make([]*regexp2.Regexp, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		re, err := compileTimed(pattern, timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidRule, err)
		}
		p.sources = append(p.sources, pattern)
		p.compiled = append(p.compiled, re)
	}
	return p, nil
}

// Kind implements core.Predicate
func (p *PatternPredicate) Kind() core.PredicateKind { return core.PredicateKindPattern }

// Window implements core.Predicate
func (p *PatternPredicate) Window() time.Duration { return 0 }

// Patterns returns the source expressions
func (p *PatternPredicate) Patterns() []string {
	out := make([]string, len(p.sources))
	copy(out, p.sources)
	return out
}

// Evaluate implements core.Predicate. A timeout on any pattern fails the whole
// predicate so the engine can count it.
func (p *PatternPredicate) Evaluate(ec core.EvalContext) (bool, error) {
	payload := NormalizePayload(ec.Event)
	if payload == "" {
		return false, nil
	}
	for i, re := range p.compiled {
		ok, err := matchTimed(re, payload)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", p.sources[i], err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// StatefulFunc inspects the event and its history
type StatefulFunc func(ec core.EvalContext) (bool, error)

// StatefulPredicate queries the correlation store over a fixed window
type StatefulPredicate struct {
	window time.Duration
	eval   StatefulFunc
}

// NewStatefulPredicate wraps a behavioral check that looks back at most window
func NewStatefulPredicate(window time.Duration, eval StatefulFunc) *StatefulPredicate {
	return &StatefulPredicate{window: window, eval: eval}
}

// Kind implements core.Predicate
func (p *StatefulPredicate) Kind() core.PredicateKind { return core.PredicateKindStateful }

// Window implements core.Predicate
func (p *StatefulPredicate) Window() time.Duration { return p.window }

// Evaluate implements core.Predicate
func (p *StatefulPredicate) Evaluate(ec core.EvalContext) (bool, error) {
	if p.eval == nil {
		return false, errors.New("stateful predicate has no evaluation function")
	}
	if ec.History == nil {
		return false, errors.New("stateful predicate evaluated without history")
	}
	return p.eval(ec)
}

// NormalizePayload renders the attacker-controllable parts of an event into one
// string for signature matching: resource, action, user agent, and every key and
// value of details in sorted key order. Values are URL- and HTML-unescaped so
// encoded payloads match the same signatures as plain ones.
func NormalizePayload(event *core.SecurityEvent) string {
	var b strings.Builder
	writePart := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(decode(s))
	}

	writePart(event.Resource)
	writePart(event.Action)
	writePart(event.UserAgent)
	flatten("", event.Details, writePart)
	return b.String()
}

func decode(s string) string {
	if strings.ContainsRune(s, '%') {
		if u, err := url.QueryUnescape(s); err == nil {
			s = u
		}
	}
	if strings.ContainsRune(s, '&') {
		s = html.UnescapeString(s)
	}
	return s
}

// flatten walks nested details deterministically
func flatten(prefix string, v interface{}, emit func(string)) {
	switch val := v.(type) {
	case nil:
		return
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			flatten(name, val[k], emit)
		}
	case []interface{}:
		for i, item := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, emit)
		}
	case []string:
		for i, item := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, emit)
		}
	case string:
		emit(prefix + "=" + val)
	default:
		emit(fmt.Sprintf("%s=%v", prefix, val))
	}
}
