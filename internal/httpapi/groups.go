package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Hub.Groups.Snapshot())
}

// deleteGroup implements DELETE /api/groups/{name}: the explicit admin
// deletion path — group membership reaching zero never deletes a group.
func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.Hub.Groups.Delete(name) {
		writeError(w, http.StatusNotFound, string(gatewayerr.NotFound), "no such group: "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
