package server

import (
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	servers := s.Manager.Servers()
	connected := 0
	for _, st := range servers {
		if st.Connected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"servers":           len(servers),
		"servers_connected": connected,
	})
}
