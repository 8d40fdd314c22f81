package routing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/strandproxy/strand/internal/rewrite"
	"github.com/strandproxy/strand/internal/topology"
)

// BuildError marks a topology that cannot be compiled. The previously
// published entry, if any, stays active.
type BuildError struct {
	Topology string
	Service  string
	Err      error
}

func (e BuildError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("build topology %q: service %q: %v", e.Topology, e.Service, e.Err)
	}
	return fmt.Sprintf("build topology %q: %v", e.Topology, e.Err)
}

func (e BuildError) Unwrap() error { return e.Err }

// Builder compiles topology declarations into routing entries. Build does
// no I/O, making hot reload a cheap synchronous operation.
type Builder struct {
	params ConnParams
}

// NewBuilder returns a Builder stamping entries with the given connection
// parameters.
func NewBuilder(params ConnParams) *Builder {
	return &Builder{params: params}
}

// Build validates the topology and compiles its rule set. The whole
// topology is rejected on the first malformed service; no partial entry
// is ever produced. Rule order is deterministic: for each service in
// declared order, its overrides precede its default role rule.
func (b *Builder) Build(t topology.Topology) (*Entry, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return nil, BuildError{Topology: t.Name, Err: fmt.Errorf("topology name required")}
	}
	if len(t.Services) == 0 {
		return nil, BuildError{Topology: name, Err: fmt.Errorf("at least one service required")}
	}

	var rules []rewrite.Rule
	seenRoles := make(map[string]struct{}, len(t.Services))
	for _, svc := range t.Services {
		role := strings.Trim(strings.TrimSpace(svc.Role), "/")
		if role == "" {
			return nil, BuildError{Topology: name, Service: svc.Role, Err: fmt.Errorf("service role required")}
		}
		if _, dup := seenRoles[role]; dup {
			return nil, BuildError{Topology: name, Service: role, Err: fmt.Errorf("duplicate service role")}
		}
		seenRoles[role] = struct{}{}

		base, err := normalizeAddress(svc.Address)
		if err != nil {
			return nil, BuildError{Topology: name, Service: role, Err: err}
		}

		for _, override := range svc.Rules {
			target, err := joinTarget(base, override.Target)
			if err != nil {
				return nil, BuildError{Topology: name, Service: role, Err: err}
			}
			rule, err := rewrite.Compile(override.Pattern, target)
			if err != nil {
				return nil, BuildError{Topology: name, Service: role, Err: err}
			}
			rules = append(rules, rule)
		}

		rule, err := rewrite.Compile("/"+role+"/**", base.String())
		if err != nil {
			return nil, BuildError{Topology: name, Service: role, Err: err}
		}
		rules = append(rules, rule)
	}

	return &Entry{
		Topology: name,
		Rules:    rewrite.NewRuleSet(rules...),
		Params:   b.params,
	}, nil
}

// normalizeAddress validates a declared backend address and maps http(s)
// schemes onto their WebSocket equivalents.
func normalizeAddress(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("backend address required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("backend address %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend address %q: host required", raw)
	}
	// Rule targets are appended to the address, so a query or fragment
	// here would produce malformed backend URIs.
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("backend address %q: query and fragment not allowed", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// joinTarget appends a rule override target to the service base address.
func joinTarget(base *url.URL, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return base.String(), nil
	}
	if !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("rule target %q must start with /", target)
	}
	return base.String() + target, nil
}
