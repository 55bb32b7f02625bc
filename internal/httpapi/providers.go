package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/gateway/internal/credentials"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	names := s.Creds.Providers()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		rec, ok := s.Creds.Get(name)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"name":      name,
			"hasApiKey": rec.APIKey != "",
			"updatedAt": rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var rec credentials.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "malformed request body")
		return
	}
	if err := s.Creds.Set(name, rec); err != nil {
		writeError(w, http.StatusInternalServerError, string(gatewayerr.Internal), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Creds.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, string(gatewayerr.Internal), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
