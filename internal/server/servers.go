package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Bliod-Cook/drome/internal/config"
	"github.com/Bliod-Cook/drome/internal/mcpclient"
	"github.com/Bliod-Cook/drome/internal/types"
)

// notificationKeepAlive is the interval of comment frames on idle
// notification streams.
const notificationKeepAlive = 15 * time.Second

// serverBody is the body of PUT /v1/servers/{id}. Enabled defaults to true.
type serverBody struct {
	types.ServerConfig
	Enabled *bool `json:"enabled"`
}

func (s *Server) status(id string) (mcpclient.ServerStatus, bool) {
	for _, st := range s.Manager.Servers() {
		if st.ID == id {
			return st, true
		}
	}
	return mcpclient.ServerStatus{}, false
}

// known writes 404 and returns false for an unregistered server.
func (s *Server) known(w http.ResponseWriter, id string) bool {
	if _, err := s.Manager.Config(id); errors.Is(err, mcpclient.ErrServerNotFound) {
		writeErrorFor(w, err)
		return false
	}
	return true
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.Manager.Servers()})
}

func (s *Server) handleUpsertServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in serverBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	cfg := in.ServerConfig
	cfg.ID = id
	cfg.Enabled = in.Enabled == nil || *in.Enabled
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = id
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = types.TransportStdio
	}
	if err := config.ValidateServer(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Manager.Upsert(cfg)
	s.Logger.Info("server.upsert", "server", id, "transport", cfg.Transport.Type)
	st, _ := s.status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Manager.Remove(id) {
		writeError(w, http.StatusNotFound, "mcp server not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(w, id) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.Manager.StopServer(id)})
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Manager.RestartServer(r.Context(), id); err != nil {
		writeErrorFor(w, err)
		return
	}
	st, _ := s.status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rtt, err := s.Manager.Healthcheck(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "latency_ms": rtt.Milliseconds()})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.Manager.ListTools(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.Manager.ListPrompts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.Manager.ListResources(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

// handleGetPrompt handles POST /v1/servers/{id}/prompts/{name}. The body is
// the argument object and may be empty.
func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	prompt, err := s.Manager.GetPrompt(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), string(body))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimSpace(r.URL.Query().Get("uri"))
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri query parameter is required")
		return
	}
	contents, err := s.Manager.ReadResource(r.Context(), chi.URLParam(r, "id"), uri)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contents": contents})
}

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(w, id) {
		return
	}
	logs := s.Manager.Logs(id)
	if logs == nil {
		logs = []types.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleAbortCall(w http.ResponseWriter, r *http.Request) {
	aborted := s.Manager.AbortTool(chi.URLParam(r, "callID"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handleNotifications streams log, progress, list-changed and state
// notifications until the client goes away. ?server= restricts the stream to
// one server.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ew, ok := newEventWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("server"))

	ch, unsubscribe := s.Manager.Subscribe(256)
	defer unsubscribe()
	if err := ew.writeComment("connected"); err != nil {
		return
	}

	ticker := time.NewTicker(notificationKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := ew.writeComment("keep-alive"); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && n.ServerID != filter {
				continue
			}
			if err := ew.writeChunk(n); err != nil {
				return
			}
		}
	}
}
