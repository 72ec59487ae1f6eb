package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/store"
)

func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []store.APIKeyRecord{}
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

// APIKeysCreateHandler mints a new key. The plaintext key appears in this
// response and nowhere else.
func APIKeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if body.Name == "" {
			jsonError(w, "name is required", http.StatusBadRequest)
			return
		}
		plaintext, rec, err := d.APIKeyMgr.Generate(r.Context(), body.Name)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         rec.ID,
			"name":       rec.Name,
			"key":        plaintext,
			"key_prefix": rec.KeyPrefix,
			"created_at": rec.CreatedAt,
		})
	}
}

func APIKeysPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid api key id", http.StatusBadRequest)
			return
		}
		var body struct {
			Active *bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if body.Active == nil {
			jsonError(w, "active is required", http.StatusBadRequest)
			return
		}
		if err := d.Store.SetAPIKeyActive(r.Context(), id, *body.Active); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Disabling must take effect immediately, not after the cache TTL.
		d.APIKeyMgr.Invalidate(id)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": *body.Active})
	}
}

func APIKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlID(r)
		if !ok {
			jsonError(w, "invalid api key id", http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteAPIKey(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.APIKeyMgr.Invalidate(id)
		w.WriteHeader(http.StatusNoContent)
	}
}
