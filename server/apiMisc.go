package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/leafscan/server/artifacts"
	"github.com/cyclopcam/leafscan/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// errorJSON is the body of every failed API request
type errorJSON struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func sendJSONError(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&errorJSON{
		Message: message,
		Details: details,
	})
}

func (s *Server) httpHead(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type healthJSON struct {
		Status     string `json:"status"`
		ModelReady bool   `json:"modelReady"`
		Classes    int    `json:"classes"`
	}
	h := &healthJSON{
		Status:     "ok",
		ModelReady: s.engine.Ready(),
	}
	if cfg := s.engine.Config(); cfg != nil {
		h.Classes = len(cfg.Classes)
	}
	if !h.ModelReady {
		h.Status = "loading"
	}
	www.SendJSON(w, h)
}

// Processed images are served from our filesystem if they live there, otherwise
// they are streamed out of blob storage (eg a private GCS bucket).
func (s *Server) httpUploads(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.uploadsStatic != nil {
		s.uploadsStatic.ServeFile(w, r, params.ByName("filepath"), 86400)
		return
	}
	name := strings.TrimPrefix(params.ByName("filepath"), "/")
	if !strings.HasPrefix(name, artifacts.ProcessedPrefix+"/") {
		http.NotFound(w, r)
		return
	}
	f, err := s.blobs.ReadFile(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	www.Check(err)
	defer f.Reader.Close()

	// Artifact names are unique, so their content never changes
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if f.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	if _, err := io.Copy(w, f.Reader); err != nil {
		s.Log.Warnf("Failed to send %v: %v", name, err)
	}
}
