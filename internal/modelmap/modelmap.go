// Package modelmap rewrites client model identifiers into upstream model
// identifiers and classifies generation parameters against a provider's
// capability matrix.
package modelmap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RuleKind selects how a mapping rule matches the client model string.
type RuleKind string

const (
	RuleExact  RuleKind = "exact"
	RulePrefix RuleKind = "prefix"
	RuleSuffix RuleKind = "suffix"
	RuleRegex  RuleKind = "regex"
)

// Rule is a single model mapping rule. For regex rules Replacement may
// reference capture groups ($1, ${name}).
type Rule struct {
	Kind        RuleKind
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// Mapping is an ordered rule list. Rules are evaluated top to bottom and the
// first match wins; an unmatched model maps to itself.
type Mapping struct {
	rules []Rule

	// RestoreAlias controls whether responses report the client's original
	// model string instead of the upstream one.
	restoreAlias bool
}

// New compiles the rule list. Regex patterns are anchored so they must match
// the whole model string.
func New(rules []Rule, restoreAlias bool) (*Mapping, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		switch r.Kind {
		case RuleExact, RulePrefix, RuleSuffix:
		case RuleRegex:
			re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
			if err != nil {
				return nil, fmt.Errorf("model rule %d: %w", i, err)
			}
			r.re = re
		default:
			return nil, fmt.Errorf("model rule %d: unknown kind %q", i, r.Kind)
		}
		compiled[i] = r
	}
	return &Mapping{rules: compiled, restoreAlias: restoreAlias}, nil
}

// Map resolves a client model string to the upstream model. Deterministic:
// the same input always yields the same output.
func (m *Mapping) Map(model string) string {
	for _, r := range m.rules {
		switch r.Kind {
		case RuleExact:
			if model == r.Pattern {
				return r.Replacement
			}
		case RulePrefix:
			if strings.HasPrefix(model, r.Pattern) {
				return r.Replacement
			}
		case RuleSuffix:
			if strings.HasSuffix(model, r.Pattern) {
				return r.Replacement
			}
		case RuleRegex:
			if r.re.MatchString(model) {
				return r.re.ReplaceAllString(model, r.Replacement)
			}
		}
	}
	return model
}

// RestoreAlias returns the model string responses should report: the client's
// original model when alias restoration is enabled, otherwise the upstream one.
func (m *Mapping) RestoreAlias(clientModel, upstreamModel string) string {
	if m.restoreAlias && clientModel != "" {
		return clientModel
	}
	return upstreamModel
}

// Policy selects how unsupported parameters are handled.
type Policy string

const (
	PolicyStrict Policy = "strict"
	PolicyIgnore Policy = "ignore"
)

// UnsupportedParameterError reports a parameter the target provider cannot
// accept under the strict policy.
type UnsupportedParameterError struct {
	Parameter string
}

func (e *UnsupportedParameterError) Error() string {
	return fmt.Sprintf("unsupported parameter: %s", e.Parameter)
}

// Classify splits params into accepted and rejected sets against the
// capability matrix. Under PolicyStrict the first rejected parameter (in a
// stable sorted order) produces an UnsupportedParameterError; under
// PolicyIgnore rejected parameters are dropped and reported for logging.
func Classify(params map[string]any, caps map[string]bool, policy Policy) (map[string]any, []string, error) {
	accepted := make(map[string]any, len(params))
	var rejected []string
	for name, v := range params {
		if caps[name] {
			accepted[name] = v
		} else {
			rejected = append(rejected, name)
		}
	}
	sort.Strings(rejected)
	if len(rejected) > 0 && policy == PolicyStrict {
		return nil, rejected, &UnsupportedParameterError{Parameter: rejected[0]}
	}
	return accepted, rejected, nil
}
