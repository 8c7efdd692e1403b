package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Bliod-Cook/drome/internal/provider"
	"github.com/Bliod-Cook/drome/internal/types"
)

// turnRequest is the body of POST /v1/turns.
type turnRequest struct {
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	SessionID string           `json:"session_id"`
	Messages  []types.Message  `json:"messages"`
	Tools     []types.ToolSpec `json:"tools"`
	Servers   []string         `json:"servers"`
	Options   map[string]any   `json:"options"`
	MaxRounds int              `json:"max_rounds"`
}

type providerInfo struct {
	ID           string                `json:"id"`
	Vendor       types.Vendor          `json:"vendor"`
	BaseURL      string                `json:"base_url"`
	DefaultModel string                `json:"default_model"`
	Enabled      bool                  `json:"enabled"`
	Credential   bool                  `json:"credential"`
	Capabilities provider.Capabilities `json:"capabilities"`
}

// handleListProviders handles GET /v1/providers.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	cfgs := s.config().ProviderConfigs()
	out := make([]providerInfo, 0, len(cfgs))
	for _, p := range cfgs {
		key, _ := s.ResolveSecret(p.APIKey)
		out = append(out, providerInfo{
			ID:           p.ID,
			Vendor:       p.Vendor,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			Enabled:      p.Enabled,
			Credential:   key != "",
			Capabilities: provider.CapabilitiesFor(p.Vendor),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleTurn handles POST /v1/turns. Events are streamed as SSE data lines
// followed by data: [DONE]. Errors raised before the first event are
// reported as a JSON error response.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if req.MaxRounds < 0 {
		writeError(w, http.StatusBadRequest, "max_rounds must not be negative")
		return
	}

	cfg := s.config()
	providerID := strings.TrimSpace(req.Provider)
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	pc, ok := cfg.Provider(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", providerID))
		return
	}
	if !pc.Enabled {
		writeErrorFor(w, fmt.Errorf("%w: %s", provider.ErrProviderDisabled, pc.ID))
		return
	}
	apiKey, err := s.ResolveSecret(pc.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("resolve credential of provider %s: %v", pc.ID, err))
		return
	}

	tools := req.Tools
	if len(tools) == 0 && len(req.Servers) > 0 {
		tools, err = s.Manager.ToolSpecs(r.Context(), req.Servers)
		if err != nil {
			writeErrorFor(w, err)
			return
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	messages := make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		messages[i] = m
	}
	gen := &types.GenerateRequest{
		SessionID: sessionID,
		Model:     req.Model,
		Messages:  messages,
		Tools:     tools,
		Stream:    true,
		Options:   req.Options,
	}

	ew, ok := newEventWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	orch := s.Orchestrator.WithRounds(req.MaxRounds)
	err = orch.StreamTurn(r.Context(), pc, apiKey, gen, func(ev types.Event) error {
		return ew.writeChunk(ev)
	})
	if err != nil {
		if r.Context().Err() != nil {
			s.Logger.Debug("turn.client_gone", "provider", pc.ID, "error", err)
			return
		}
		s.Logger.Warn("turn.failed", "provider", pc.ID, "error", err)
		if !ew.started {
			writeErrorFor(w, err)
			return
		}
		ew.writeError(err)
		ew.writeDone()
		return
	}
	ew.writeDone()
}
