package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// TTLSeconds is set when TURN credentials were minted for this response.
	TTLSeconds int64 `json:"ttlSeconds,omitempty"`
}

// handleICE serves the ICE server list. With TURN REST configured, every TURN
// entry gets fresh credentials; a ?sessionId= ties them to the caller's room
// session.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	var (
		creds turnrest.Credentials
		err   error
	)
	if sid := strings.TrimSpace(r.URL.Query().Get("sessionId")); sid != "" {
		creds, err = s.deps.TURN.Generate(sid)
	} else {
		creds, err = s.deps.TURN.GenerateRandom()
	}
	if errors.Is(err, turnrest.ErrInvalidSessionID) {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid sessionId"})
		return
	}
	if err != nil {
		s.log.Error("generate turn credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: withTURNRESTCredentials(servers, creds.Username, creds.Credential),
		TTLSeconds: int64(s.deps.TURN.TTL().Seconds()),
	})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.ICEServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
			out[i].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}
