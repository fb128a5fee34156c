package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpRegex       Operator = "regex"
)

// Condition is one match clause of a RoutingRule.
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// fieldValue resolves a condition's field name against a request. Only a
// small set of well-known fields are supported; unknown fields always
// evaluate to "not satisfied" rather than erroring, so a typo in a rule
// degrades gracefully to a lower score instead of rejecting the request.
func fieldValue(req *RoutingRequest, field string) (string, bool) {
	switch field {
	case "model":
		return req.Model, true
	case "category":
		return req.Category, true
	case "priority":
		return string(req.Priority), true
	case "metadata.originFormat":
		return req.Metadata.OriginFormat, true
	case "metadata.targetFormat":
		return req.Metadata.TargetFormat, true
	case "metadata.userId":
		return req.Metadata.UserID, true
	default:
		if strings.HasPrefix(field, "metadata.custom.") {
			key := strings.TrimPrefix(field, "metadata.custom.")
			v, ok := req.Metadata.Custom[key]
			return v, ok
		}
		return "", false
	}
}

// Satisfied evaluates this condition against a request.
func (c Condition) Satisfied(req *RoutingRequest) bool {
	actual, ok := fieldValue(req, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return actual == toStr(c.Value)
	case OpNotEquals:
		return actual != toStr(c.Value)
	case OpContains:
		return strings.Contains(actual, toStr(c.Value))
	case OpNotContains:
		return !strings.Contains(actual, toStr(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(actual, toStr(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(actual, toStr(c.Value))
	case OpIn:
		return containsAny(toSlice(c.Value), actual)
	case OpNotIn:
		return !containsAny(toSlice(c.Value), actual)
	case OpRegex:
		re, err := regexp.Compile(toStr(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func toStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, toStr(e))
		}
		return out
	default:
		return nil
	}
}

func containsAny(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// RulePriority is the high/normal/low scoring adjustment for
// rule scoring (distinct from RoutingRequest.Priority, though the string
// values line up).
type RulePriority string

const (
	RulePriorityHigh   RulePriority = "high"
	RulePriorityNormal RulePriority = "normal"
	RulePriorityLow    RulePriority = "low"
)

// RoutingRule is a named predicate plus a target provider set.
type RoutingRule struct {
	ID           string
	Name         string
	Enabled      bool
	Priority     int // lower = higher priority, used only for tie-breaking
	RulePriority RulePriority
	Conditions   []Condition
	Targets      []string // provider ids
	Weights      map[string]float64
	Description  string
	Tags         []string
}

// score is base 50, plus the priority bump, +15 per satisfied condition,
// -10 per violated one, floored at 0.
func (r RoutingRule) score(req *RoutingRequest) int {
	score := 50
	switch r.RulePriority {
	case RulePriorityHigh:
		score += 20
	case RulePriorityNormal:
		score += 10
	case RulePriorityLow:
		score += 5
	}
	for _, c := range r.Conditions {
		if c.Satisfied(req) {
			score += 15
		} else {
			score -= 10
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// RoutingRules is the versioned collection the Core Router evaluates
// against.
type RoutingRules struct {
	Version    string
	Default    *RoutingRule
	ByCategory map[string]*RoutingRule
	ByModel    map[string]*RoutingRule
	Custom     []*RoutingRule
}

// Validate enforces the collection invariants: the default rule must exist,
// be enabled, and every declared target provider must be referenced by at
// least one rule.
func (rr *RoutingRules) Validate(knownProviders map[string]bool) error {
	if rr.Default == nil {
		return fmt.Errorf("routing rules: default rule is required")
	}
	if !rr.Default.Enabled {
		return fmt.Errorf("routing rules: default rule must be enabled")
	}
	referenced := map[string]bool{}
	all := append([]*RoutingRule{rr.Default}, rr.Custom...)
	for _, r := range rr.ByCategory {
		all = append(all, r)
	}
	for _, r := range rr.ByModel {
		all = append(all, r)
	}
	for _, r := range all {
		for _, t := range r.Targets {
			referenced[t] = true
		}
	}
	for p := range knownProviders {
		if !referenced[p] {
			return fmt.Errorf("routing rules: provider %q is declared but referenced by no rule", p)
		}
	}
	return nil
}

// scoredRule pairs a rule with its computed score for deterministic
// tie-breaking (lowest rule.Priority, then lexicographic id).
type scoredRule struct {
	rule  *RoutingRule
	score int
}

// Match accumulates candidates from the model rule (+20 score bump), the
// category rule (+10), and the custom rules, falling back to the default,
// and returns the top-scored rule, tie-broken deterministically.
func (rr *RoutingRules) Match(req *RoutingRequest) (*RoutingRule, error) {
	var candidates []scoredRule

	if r, ok := rr.ByModel[req.Model]; ok && r.Enabled {
		candidates = append(candidates, scoredRule{r, r.score(req) + 20})
	}
	if req.Category != "" {
		if r, ok := rr.ByCategory[req.Category]; ok && r.Enabled {
			candidates = append(candidates, scoredRule{r, r.score(req) + 10})
		}
	}
	for _, r := range rr.Custom {
		if r.Enabled {
			candidates = append(candidates, scoredRule{r, r.score(req)})
		}
	}
	if len(candidates) == 0 {
		if rr.Default != nil && rr.Default.Enabled {
			candidates = append(candidates, scoredRule{rr.Default, 1})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no enabled rule matched request")
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
			continue
		}
		if c.score == best.score {
			if c.rule.Priority < best.rule.Priority {
				best = c
			} else if c.rule.Priority == best.rule.Priority && c.rule.ID < best.rule.ID {
				best = c
			}
		}
	}
	return best.rule, nil
}
