// Package rules implements the declarative matching rules that gate
// model mappings and provider bindings. A Rule compares one addressable
// field of the request context against an expected value; a RuleSet
// aggregates rules with AND/OR logic. Evaluation never fails: anything
// that cannot be compared coerces to false.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Operator names the supported comparison operators.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
)

// Rule is a single predicate over the rule context.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// RuleSet aggregates rules under AND (default) or OR logic. An empty or nil
// RuleSet matches unconditionally.
type RuleSet struct {
	Rules []Rule `json:"rules,omitempty"`
	Logic string `json:"logic,omitempty"`
}

func (rs *RuleSet) Empty() bool { return rs == nil || len(rs.Rules) == 0 }

// ParseRuleSet decodes a JSON-encoded rule set. Empty input yields nil.
func ParseRuleSet(raw string) (*RuleSet, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rs RuleSet
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	return &rs, nil
}

var knownOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpNotContains: true, OpRegex: true,
	OpIn: true, OpNotIn: true, OpExists: true,
}

// Validate checks a rule set for configuration mistakes that evaluation
// would otherwise swallow as non-matches: missing fields, unknown
// operators, and regex patterns that do not compile.
func (rs *RuleSet) Validate() error {
	if rs.Empty() {
		return nil
	}
	if rs.Logic != "" && !strings.EqualFold(rs.Logic, "and") && !strings.EqualFold(rs.Logic, "or") {
		return fmt.Errorf("unknown logic %q", rs.Logic)
	}
	for i, r := range rs.Rules {
		if r.Field == "" {
			return fmt.Errorf("rule %d: field is required", i)
		}
		if !knownOperators[r.Operator] {
			return fmt.Errorf("rule %d: unknown operator %q", i, r.Operator)
		}
		if r.Operator == OpRegex {
			pattern, ok := r.Value.(string)
			if !ok {
				return fmt.Errorf("rule %d: regex value must be a string", i)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("rule %d: invalid regex: %w", i, err)
			}
		}
	}
	return nil
}

// Eval evaluates a single rule against the context. Unknown operators and
// type mismatches evaluate to false rather than erroring.
func Eval(r Rule, ctx *Context) bool {
	actual := ctx.Get(r.Field)

	switch Operator(strings.ToLower(string(r.Operator))) {
	case OpEq:
		return actual.Equal(FromAny(r.Value))
	case OpNe:
		return !actual.Equal(FromAny(r.Value))
	case OpGt:
		a, e, ok := numericPair(actual, r.Value)
		return ok && a > e
	case OpGte:
		a, e, ok := numericPair(actual, r.Value)
		return ok && a >= e
	case OpLt:
		a, e, ok := numericPair(actual, r.Value)
		return ok && a < e
	case OpLte:
		a, e, ok := numericPair(actual, r.Value)
		return ok && a <= e
	case OpContains:
		s, ok := actual.AsString()
		return ok && strings.Contains(s, stringify(r.Value))
	case OpNotContains:
		s, ok := actual.AsString()
		if !ok {
			return true
		}
		return !strings.Contains(s, stringify(r.Value))
	case OpRegex:
		s, ok := actual.AsString()
		if !ok {
			return false
		}
		re, err := regexp.Compile(stringify(r.Value))
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case OpIn:
		return inList(actual, r.Value)
	case OpNotIn:
		if _, ok := r.Value.([]any); !ok {
			return true
		}
		return !inList(actual, r.Value)
	case OpExists:
		want := true
		if b, ok := r.Value.(bool); ok {
			want = b
		}
		return actual.Present() == want
	}
	return false
}

// EvalSet evaluates a rule set. Empty sets match under both AND and OR.
func EvalSet(rs *RuleSet, ctx *Context) bool {
	if rs.Empty() {
		return true
	}
	or := strings.EqualFold(rs.Logic, "OR")
	for _, r := range rs.Rules {
		matched := Eval(r, ctx)
		if or && matched {
			return true
		}
		if !or && !matched {
			return false
		}
	}
	return !or
}

func numericPair(actual Value, expected any) (float64, float64, bool) {
	a, ok := actual.AsNumber()
	if !ok {
		return 0, 0, false
	}
	e, ok := FromAny(expected).AsNumber()
	if !ok {
		return 0, 0, false
	}
	return a, e, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func inList(actual Value, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if actual.Equal(FromAny(e)) {
			return true
		}
	}
	return false
}
