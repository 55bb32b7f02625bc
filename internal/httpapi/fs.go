package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wingman-ai/gateway/internal/fsbrowse"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// writeFsErr maps fsbrowse errors onto HTTP statuses: a path that escapes
// every configured root is 403, everything else follows the usual
// code-to-status table.
func writeFsErr(w http.ResponseWriter, err error) {
	if errors.Is(err, fsbrowse.ErrPathOutsideRoots) {
		writeError(w, http.StatusForbidden, string(gatewayerr.Unauthorized), "path escapes configured fs roots")
		return
	}
	writeGatewayErr(w, err)
}

func (s *Server) fsRoots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Browser.Roots())
}

func (s *Server) fsList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Browser.List(r.URL.Query().Get("path"))
	if err != nil {
		writeFsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type mkdirRequest struct {
	ParentPath string `json:"parentPath"`
	Name       string `json:"name"`
}

func (s *Server) fsMkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "malformed request body")
		return
	}

	path, err := s.Browser.Mkdir(req.ParentPath, req.Name)
	if err != nil {
		writeFsErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) fsRead(w http.ResponseWriter, r *http.Request) {
	data, err := s.Browser.ReadFile(r.URL.Query().Get("path"))
	if err != nil {
		writeFsErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
