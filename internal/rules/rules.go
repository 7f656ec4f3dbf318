// Package rules implements the path-scoped authorization engine. Rules are
// an ordered list; the first rule whose pattern matches the request path
// decides the outcome by evaluating its expression. Every failure mode
// (no matching rule, parse error, unresolved variable) denies.
package rules

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Operation is the kind of access being authorized.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// AuthContext carries the caller identity bound as `auth` in expressions.
type AuthContext struct {
	UserID      string
	WorkspaceID string
}

// Rule is one declared authorization rule.
type Rule struct {
	// Match is the path pattern: literal segments, {name} captures,
	// {name=**} tail capture, or a trailing /** prefix wildcard.
	Match string `json:"match"`
	// Operations restricts which operations the rule covers. Empty means all.
	Operations []Operation `json:"operations,omitempty"`
	// Allow is the expression evaluated when the pattern matches.
	Allow string `json:"allow"`
}

type segKind int

const (
	segLiteral segKind = iota
	segCapture
	segTail     // {name=**}
	segPrefixWC // trailing /**
)

type patternSeg struct {
	kind    segKind
	literal string
	name    string
}

type compiledRule struct {
	raw  Rule
	segs []patternSeg
	ops  map[Operation]bool // nil means all
	expr *exprNode
	bad  bool // pattern or expression failed to compile; rule always denies
}

// Engine evaluates ordered rules. The zero value denies everything.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles a ruleset. Rules that fail to compile are kept in
// place as always-deny so declaration order is preserved.
func NewEngine(rules []Rule) *Engine {
	e := &Engine{}
	for _, r := range rules {
		cr := compiledRule{raw: r}
		segs, ok := compilePattern(r.Match)
		if !ok {
			log.Warn().Str("pattern", r.Match).Msg("invalid rule pattern, rule will deny")
			cr.bad = true
		} else {
			cr.segs = segs
		}
		if len(r.Operations) > 0 {
			cr.ops = make(map[Operation]bool, len(r.Operations))
			for _, op := range r.Operations {
				cr.ops[op] = true
			}
		}
		if !cr.bad {
			node, err := ParseExpr(r.Allow)
			if err != nil {
				log.Warn().Err(err).Str("expr", r.Allow).Msg("invalid rule expression, rule will deny")
				cr.bad = true
			} else {
				cr.expr = node
			}
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// LoadFile reads a JSON array of rules from disk.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// DefaultRules grants owners full access to their own user subtree and
// read/write on everything else in the workspace. Declaration order matters:
// the user-subtree rule shadows the catch-all for paths it matches.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "users/{userId}/**", Allow: "auth.userId == userId"},
		{Match: "users/{userId}", Allow: "auth.userId == userId"},
		{Match: "{collection}/**", Allow: "auth.userId != null"},
		{Match: "{collection}", Allow: "auth.userId != null"},
	}
}

// Authorize returns true only when the first pattern-matching rule's
// expression evaluates to true. No match, a compile failure, or an
// evaluation failure all deny.
func (e *Engine) Authorize(path string, op Operation, auth AuthContext) bool {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return false
	}
	for _, cr := range e.rules {
		if cr.ops != nil && !cr.ops[op] {
			continue
		}
		bindings, matched := matchPattern(cr.segs, segments)
		if !matched {
			continue
		}
		if cr.bad {
			return false
		}
		env := map[string]any{
			"auth": map[string]any{
				"userId":      nonEmpty(auth.UserID),
				"workspaceId": nonEmpty(auth.WorkspaceID),
			},
		}
		for k, v := range bindings {
			env[k] = v
		}
		allowed, err := Eval(cr.expr, env)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Str("pattern", cr.raw.Match).Msg("rule evaluation failed, denying")
			return false
		}
		return allowed
	}
	return false
}

// nonEmpty maps "" to nil so `auth.userId != null` behaves for anonymous
// callers.
func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func compilePattern(pattern string) ([]patternSeg, bool) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return nil, false
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]patternSeg, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "**":
			// Prefix wildcard must be the final segment.
			if i != len(parts)-1 {
				return nil, false
			}
			segs = append(segs, patternSeg{kind: segPrefixWC})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			inner := part[1 : len(part)-1]
			if name, ok := strings.CutSuffix(inner, "=**"); ok {
				if name == "" || i != len(parts)-1 {
					return nil, false
				}
				segs = append(segs, patternSeg{kind: segTail, name: name})
			} else {
				if inner == "" || strings.ContainsAny(inner, "{}=") {
					return nil, false
				}
				segs = append(segs, patternSeg{kind: segCapture, name: inner})
			}
		case part == "":
			return nil, false
		default:
			segs = append(segs, patternSeg{kind: segLiteral, literal: part})
		}
	}
	return segs, true
}

// matchPattern matches path segments against a compiled pattern and returns
// the captured bindings.
func matchPattern(segs []patternSeg, path []string) (map[string]any, bool) {
	bindings := make(map[string]any)
	for i, ps := range segs {
		switch ps.kind {
		case segPrefixWC:
			// /** matches any proper-prefix path: at least one more segment.
			if len(path) > i {
				return bindings, true
			}
			return nil, false
		case segTail:
			if len(path) <= i {
				return nil, false
			}
			bindings[ps.name] = strings.Join(path[i:], "/")
			return bindings, true
		case segCapture:
			if i >= len(path) {
				return nil, false
			}
			bindings[ps.name] = path[i]
		case segLiteral:
			if i >= len(path) || path[i] != ps.literal {
				return nil, false
			}
		}
	}
	if len(path) != len(segs) {
		return nil, false
	}
	return bindings, true
}
