package router

import (
	"sort"

	"github.com/modelrelay/modelrelay/internal/rules"
)

// SelectCandidates builds the ordered candidate list for one request.
//
// Model-level rules are a veto: if present and false for this request, no
// provider is considered. Each active binding whose provider is active is then
// filtered by its own rules. Survivors sort by (priority asc, binding id asc).
// A rule set that fails to parse never matches.
func SelectCandidates(mapping *ModelMapping, bindings []Binding, providers map[int64]Provider, ctx *rules.Context) []Candidate {
	if mapping == nil {
		return nil
	}
	modelRules, err := rules.ParseRuleSet(mapping.MatchingRules)
	if err != nil || !rules.EvalSet(modelRules, ctx) {
		return nil
	}

	var out []Candidate
	for _, b := range bindings {
		if !b.Active {
			continue
		}
		p, ok := providers[b.ProviderID]
		if !ok || !p.Active {
			continue
		}
		bindingRules, err := rules.ParseRuleSet(b.MatchingRules)
		if err != nil || !rules.EvalSet(bindingRules, ctx) {
			continue
		}
		out = append(out, Candidate{
			BindingID:    b.ID,
			ProviderID:   p.ID,
			ProviderName: p.Name,
			BaseURL:      p.BaseURL,
			Protocol:     p.Protocol,
			APIKey:       p.APIKey,
			TargetModel:  b.TargetModel,
			Priority:     b.Priority,
			Weight:       b.Weight,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].BindingID < out[j].BindingID
	})
	return out
}
