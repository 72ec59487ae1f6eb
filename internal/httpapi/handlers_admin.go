package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/rules"
	"github.com/modelrelay/modelrelay/internal/store"
)

func urlID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func validStrategy(s string) bool {
	return s == "" || s == "round_robin" || s == "priority"
}

func validProtocol(p string) bool {
	return p == "openai" || p == "anthropic"
}

func validRules(raw string) bool {
	if raw == "" {
		return true
	}
	rs, err := rules.ParseRuleSet(raw)
	if err != nil {
		return false
	}
	return rs.Validate() == nil
}

// --- providers ---

func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := d.Store.ListProviders(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// API keys never leave the admin API.
		for i := range providers {
			providers[i].APIKey = ""
		}
		writeJSON(w, http.StatusOK, providers)
	}
}

func ProvidersCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p router.Provider
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if p.Name == "" || p.BaseURL == "" {
			jsonError(w, "name and base_url are required", http.StatusBadRequest)
			return
		}
		if !validProtocol(p.Protocol) {
			jsonError(w, "protocol must be openai or anthropic", http.StatusBadRequest)
			return
		}
		if err := d.Store.CreateProvider(r.Context(), &p); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		p.APIKey = ""
		writeJSON(w, http.StatusCreated, p)
	}
}

func ProvidersUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid provider id", http.StatusBadRequest)
			return
		}
		existing, err := d.Store.GetProvider(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if existing == nil {
			jsonError(w, "provider not found", http.StatusNotFound)
			return
		}
		var p router.Provider
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if p.Name == "" || p.BaseURL == "" {
			jsonError(w, "name and base_url are required", http.StatusBadRequest)
			return
		}
		if !validProtocol(p.Protocol) {
			jsonError(w, "protocol must be openai or anthropic", http.StatusBadRequest)
			return
		}
		p.ID = id
		// An omitted api_key keeps the stored credential.
		if p.APIKey == "" {
			p.APIKey = existing.APIKey
		}
		if err := d.Store.UpdateProvider(r.Context(), &p); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		p.APIKey = ""
		writeJSON(w, http.StatusOK, p)
	}
}

func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid provider id", http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteProvider(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- mappings ---

func MappingsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mappings, err := d.Store.ListMappings(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, mappings)
	}
}

func MappingsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m router.ModelMapping
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if m.RequestedModel == "" {
			jsonError(w, "requested_model is required", http.StatusBadRequest)
			return
		}
		if !validStrategy(m.Strategy) {
			jsonError(w, "strategy must be round_robin or priority", http.StatusBadRequest)
			return
		}
		if !validRules(m.MatchingRules) {
			jsonError(w, "matching_rules is not a valid rule set", http.StatusBadRequest)
			return
		}
		if m.Strategy == "" {
			m.Strategy = "round_robin"
		}
		if err := d.Store.CreateMapping(r.Context(), &m); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func MappingsUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid mapping id", http.StatusBadRequest)
			return
		}
		var m router.ModelMapping
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if m.RequestedModel == "" {
			jsonError(w, "requested_model is required", http.StatusBadRequest)
			return
		}
		if !validStrategy(m.Strategy) {
			jsonError(w, "strategy must be round_robin or priority", http.StatusBadRequest)
			return
		}
		if !validRules(m.MatchingRules) {
			jsonError(w, "matching_rules is not a valid rule set", http.StatusBadRequest)
			return
		}
		m.ID = id
		if err := d.Store.UpdateMapping(r.Context(), &m); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func MappingsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid mapping id", http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteMapping(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- bindings ---

func BindingsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid mapping id", http.StatusBadRequest)
			return
		}
		bindings, err := d.Store.ListBindings(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, bindings)
	}
}

func BindingsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b router.Binding
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if b.MappingID == 0 || b.ProviderID == 0 || b.TargetModel == "" {
			jsonError(w, "mapping_id, provider_id, and target_model are required", http.StatusBadRequest)
			return
		}
		if b.Weight < 0 || b.Priority < 0 {
			jsonError(w, "weight and priority must be non-negative", http.StatusBadRequest)
			return
		}
		if !validRules(b.MatchingRules) {
			jsonError(w, "matching_rules is not a valid rule set", http.StatusBadRequest)
			return
		}
		if b.Weight == 0 {
			b.Weight = 1
		}
		if err := d.Store.CreateBinding(r.Context(), &b); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func BindingsUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid binding id", http.StatusBadRequest)
			return
		}
		var b router.Binding
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if b.MappingID == 0 || b.ProviderID == 0 || b.TargetModel == "" {
			jsonError(w, "mapping_id, provider_id, and target_model are required", http.StatusBadRequest)
			return
		}
		if !validRules(b.MatchingRules) {
			jsonError(w, "matching_rules is not a valid rule set", http.StatusBadRequest)
			return
		}
		b.ID = id
		if b.Weight == 0 {
			b.Weight = 1
		}
		if err := d.Store.UpdateBinding(r.Context(), &b); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func BindingsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid binding id", http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteBinding(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- logs ---

func LogsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.LogFilter{
			TraceID:        q.Get("trace_id"),
			RequestedModel: q.Get("model"),
			ProviderName:   q.Get("provider"),
		}
		if s := q.Get("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				jsonError(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			filter.Since = since
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			filter.Limit = n
		}
		if s := q.Get("offset"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				jsonError(w, "offset must be a non-negative integer", http.StatusBadRequest)
				return
			}
			filter.Offset = n
		}
		logs, err := d.Store.ListLogs(r.Context(), filter)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}
