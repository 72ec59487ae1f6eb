package router

import (
	"testing"

	"github.com/modelrelay/modelrelay/internal/rules"
)

func selectorFixture() (*ModelMapping, []Binding, map[int64]Provider) {
	mapping := &ModelMapping{ID: 1, RequestedModel: "gpt-4", Strategy: "round_robin", Active: true}
	bindings := []Binding{
		{ID: 10, MappingID: 1, ProviderID: 1, TargetModel: "gpt-4-turbo", Priority: 1, Weight: 2, Active: true},
		{ID: 11, MappingID: 1, ProviderID: 2, TargetModel: "claude-sonnet", Priority: 0, Weight: 1, Active: true},
		{ID: 12, MappingID: 1, ProviderID: 3, TargetModel: "gpt-4o", Priority: 0, Weight: 1, Active: true},
	}
	providers := map[int64]Provider{
		1: {ID: 1, Name: "openai-main", BaseURL: "https://api.openai.com", Protocol: "openai", Active: true},
		2: {ID: 2, Name: "anthropic-main", BaseURL: "https://api.anthropic.com", Protocol: "anthropic", Active: true},
		3: {ID: 3, Name: "openai-backup", BaseURL: "https://backup.example.com", Protocol: "openai", Active: true},
	}
	return mapping, bindings, providers
}

func reqContext(headers map[string]string) *rules.Context {
	return rules.NewContext("gpt-4", headers, rules.FromJSON([]byte(`{"model":"gpt-4"}`)), rules.TokenUsage{})
}

func TestSelectCandidatesOrdering(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	got := SelectCandidates(mapping, bindings, providers, reqContext(nil))

	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	// Priority ascending, binding id breaking the tie.
	if got[0].BindingID != 11 || got[1].BindingID != 12 || got[2].BindingID != 10 {
		t.Errorf("order = [%d %d %d], want [11 12 10]", got[0].BindingID, got[1].BindingID, got[2].BindingID)
	}
	if got[0].TargetModel != "claude-sonnet" || got[0].Protocol != "anthropic" {
		t.Errorf("candidate fields not carried over: %+v", got[0])
	}
}

func TestSelectCandidatesModelVeto(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	mapping.MatchingRules = `{"rules":[{"field":"headers.x-tier","operator":"eq","value":"gold"}],"logic":"AND"}`

	if got := SelectCandidates(mapping, bindings, providers, reqContext(nil)); got != nil {
		t.Errorf("model veto should empty the list, got %v", got)
	}
	got := SelectCandidates(mapping, bindings, providers, reqContext(map[string]string{"X-Tier": "gold"}))
	if len(got) != 3 {
		t.Errorf("matching header should pass the veto, got %d candidates", len(got))
	}
}

func TestSelectCandidatesBindingRules(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	bindings[1].MatchingRules = `{"rules":[{"field":"headers.x-region","operator":"eq","value":"eu"}],"logic":"AND"}`

	got := SelectCandidates(mapping, bindings, providers, reqContext(nil))
	for _, c := range got {
		if c.BindingID == 11 {
			t.Fatal("binding with unmatched rules must be dropped")
		}
	}
	if len(got) != 2 {
		t.Errorf("got %d candidates, want 2", len(got))
	}
}

func TestSelectCandidatesInactiveFiltered(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	bindings[0].Active = false
	p := providers[2]
	p.Active = false
	providers[2] = p

	got := SelectCandidates(mapping, bindings, providers, reqContext(nil))
	if len(got) != 1 || got[0].BindingID != 12 {
		t.Errorf("only binding 12 should survive, got %v", got)
	}
}

func TestSelectCandidatesUnknownProvider(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	delete(providers, 1)

	got := SelectCandidates(mapping, bindings, providers, reqContext(nil))
	if len(got) != 2 {
		t.Errorf("binding without a provider must be dropped, got %v", got)
	}
}

func TestSelectCandidatesMalformedRules(t *testing.T) {
	mapping, bindings, providers := selectorFixture()
	bindings[0].MatchingRules = `{not json`

	got := SelectCandidates(mapping, bindings, providers, reqContext(nil))
	for _, c := range got {
		if c.BindingID == 10 {
			t.Fatal("binding with unparsable rules must never match")
		}
	}

	mapping.MatchingRules = `{not json`
	if got := SelectCandidates(mapping, bindings, providers, reqContext(nil)); got != nil {
		t.Errorf("unparsable model rules veto everything, got %v", got)
	}
}
