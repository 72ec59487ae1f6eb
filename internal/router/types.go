// Package router resolves a requested model to an ordered set of provider
// candidates and drives selection and failover across them.
package router

// Provider is an upstream endpoint configured by an operator.
type Provider struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Protocol string `json:"protocol"` // openai | anthropic
	APIKey   string `json:"api_key,omitempty"`
	Active   bool   `json:"active"`
}

// ModelMapping maps the model string clients send to a selection strategy and
// an optional model-level rule veto.
type ModelMapping struct {
	ID             int64  `json:"id"`
	RequestedModel string `json:"requested_model"`
	Strategy       string `json:"strategy"` // round_robin | priority
	MatchingRules  string `json:"matching_rules,omitempty"`
	Active         bool   `json:"active"`
}

// Binding attaches a provider to a model mapping with a target model name,
// routing weight/priority, and optional provider-level rules.
type Binding struct {
	ID            int64  `json:"id"`
	MappingID     int64  `json:"mapping_id"`
	ProviderID    int64  `json:"provider_id"`
	TargetModel   string `json:"target_model"`
	Priority      int    `json:"priority"`
	Weight        int    `json:"weight"`
	MatchingRules string `json:"matching_rules,omitempty"`
	Active        bool   `json:"active"`
}

// Candidate is one eligible (provider, binding) pair for a request.
type Candidate struct {
	BindingID    int64
	ProviderID   int64
	ProviderName string
	BaseURL      string
	Protocol     string
	APIKey       string
	TargetModel  string
	Priority     int
	Weight       int
}
