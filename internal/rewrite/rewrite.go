// Package rewrite implements the pattern matching and address rewriting
// used to map virtual gateway paths onto backend addresses. Resolution is
// deterministic and side-effect free, so one compiled RuleSet is shared by
// every in-flight session without locking.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrNoMatch indicates no rule in the set matches the virtual path.
// Callers must fail closed and reject the connection.
var ErrNoMatch = errors.New("rewrite: no rule matches")

const wildcard = "**"

// segment is one element of a compiled pattern: either a literal or a
// single-segment capture ({name}).
type segment struct {
	literal string
	capture string
}

// Rule maps a virtual path template to a backend target template.
type Rule struct {
	// Pattern is the original path template: literal segments, {name}
	// captures and an optional trailing /** consuming the remainder.
	Pattern string
	// Target is the backend base address, optionally followed by a
	// residual path/query template referencing captures as {name}.
	Target string

	segments   []segment
	tail       bool // trailing /** present
	base       *url.URL
	residual   string // residual template relative to base, may be empty
	literalLen int    // length of the leading literal prefix, tie-break key
}

// Compile parses a pattern/target pair into a Rule. The target must be an
// absolute URL; anything after its host and base path, plus any {name}
// references, forms the residual template.
func Compile(pattern, target string) (Rule, error) {
	if !strings.HasPrefix(pattern, "/") {
		return Rule{}, fmt.Errorf("rewrite: pattern %q must start with /", pattern)
	}

	rule := Rule{Pattern: pattern, Target: target}

	trimmed := strings.TrimPrefix(pattern, "/")
	if strings.HasSuffix(trimmed, "/"+wildcard) {
		rule.tail = true
		trimmed = strings.TrimSuffix(trimmed, "/"+wildcard)
	} else if trimmed == wildcard {
		rule.tail = true
		trimmed = ""
	}

	literalDone := false
	if trimmed != "" {
		for _, part := range strings.Split(trimmed, "/") {
			if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
				name := part[1 : len(part)-1]
				if name == "" {
					return Rule{}, fmt.Errorf("rewrite: pattern %q has an unnamed capture", pattern)
				}
				rule.segments = append(rule.segments, segment{capture: name})
				literalDone = true
				continue
			}
			if strings.ContainsAny(part, "{}*") {
				return Rule{}, fmt.Errorf("rewrite: pattern %q has malformed segment %q", pattern, part)
			}
			rule.segments = append(rule.segments, segment{literal: part})
			if !literalDone {
				rule.literalLen += len(part) + 1
			}
		}
	}

	base, err := url.Parse(target)
	if err != nil {
		return Rule{}, fmt.Errorf("rewrite: parse target %q: %w", target, err)
	}
	if !base.IsAbs() || base.Host == "" {
		return Rule{}, fmt.Errorf("rewrite: target %q must be an absolute URL", target)
	}
	// Split the residual template off the base: everything containing a
	// capture reference, plus the query, is substituted at resolve time.
	rule.base = &url.URL{Scheme: base.Scheme, Host: base.Host, Path: base.Path}
	if base.RawQuery != "" {
		rule.residual = "?" + base.RawQuery
	}
	if i := strings.Index(base.Path, "{"); i >= 0 {
		cut := strings.LastIndex(base.Path[:i], "/")
		rule.base.Path = base.Path[:cut]
		rule.residual = base.Path[cut:] + rule.residual
	}

	return rule, nil
}

// MustCompile is Compile that panics on error, for statically known rules.
func MustCompile(pattern, target string) Rule {
	rule, err := Compile(pattern, target)
	if err != nil {
		panic(err)
	}
	return rule
}

// Result reports a successful resolution.
type Result struct {
	// RuleIndex is the position of the matched rule in declaration order.
	RuleIndex int
	// BackendURI is the fully resolved backend address.
	BackendURI string
	// ResidualPath is the path (and query) appended to the rule's base.
	ResidualPath string
}

// RuleSet is an ordered, compiled collection of rules. Matching is first
// match wins over an ordering of longest-literal-prefix first; rules with
// equal literal prefixes keep their declaration order.
type RuleSet struct {
	rules []Rule
	order []int // resolution order -> declaration index
}

// NewRuleSet compiles the tie-break ordering for the given rules.
func NewRuleSet(rules ...Rule) RuleSet {
	order := make([]int, len(rules))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rules[order[a]].literalLen > rules[order[b]].literalLen
	})
	return RuleSet{rules: rules, order: order}
}

// Len reports the number of rules in the set.
func (rs RuleSet) Len() int { return len(rs.rules) }

// Rules returns the rules in declaration order.
func (rs RuleSet) Rules() []Rule { return rs.rules }

// Resolve maps a virtual path to a backend address. An empty path is
// treated as the root path.
func (rs RuleSet) Resolve(virtualPath string) (Result, error) {
	if virtualPath == "" {
		virtualPath = "/"
	}
	if !strings.HasPrefix(virtualPath, "/") {
		virtualPath = "/" + virtualPath
	}

	parts := splitPath(virtualPath)
	for _, idx := range rs.order {
		rule := &rs.rules[idx]
		captures, remainder, ok := rule.match(parts)
		if !ok {
			continue
		}
		residual := rule.expand(captures, remainder)
		return Result{
			RuleIndex:    idx,
			BackendURI:   joinURL(rule.base, residual),
			ResidualPath: residual,
		}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrNoMatch, virtualPath)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// match tests the path segments against the rule. remainder holds the
// segments consumed by a trailing wildcard.
func (r *Rule) match(parts []string) (map[string]string, []string, bool) {
	if len(parts) < len(r.segments) {
		return nil, nil, false
	}
	if len(parts) > len(r.segments) && !r.tail {
		return nil, nil, false
	}

	var captures map[string]string
	for i, seg := range r.segments {
		if seg.capture != "" {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg.capture] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, nil, false
		}
	}
	return captures, parts[len(r.segments):], true
}

// expand renders the residual path. A template without captures appends
// the matched suffix verbatim; otherwise captured segments substitute
// into the template.
func (r *Rule) expand(captures map[string]string, remainder []string) string {
	if r.residual == "" || !strings.Contains(r.residual, "{") {
		suffix := r.residual
		if len(remainder) > 0 {
			suffix += "/" + strings.Join(remainder, "/")
		}
		return suffix
	}

	out := r.residual
	for name, value := range captures {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	if len(remainder) > 0 {
		out = strings.ReplaceAll(out, "{"+wildcard+"}", strings.Join(remainder, "/"))
	} else {
		out = strings.ReplaceAll(out, "{"+wildcard+"}", "")
	}
	return out
}

// joinURL appends a residual path/query to the base without doubling
// slashes.
func joinURL(base *url.URL, residual string) string {
	b := *base
	path := residual
	query := ""
	if i := strings.Index(residual, "?"); i >= 0 {
		path = residual[:i]
		query = residual[i+1:]
	}
	if path != "" {
		joined := strings.TrimSuffix(b.Path, "/")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		b.Path = joined + path
	}
	b.RawQuery = query
	return b.String()
}
