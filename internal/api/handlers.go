package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/siwachabhi/sonic-relay/internal/credentials"
	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/relay"
)

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

type credentialsInfoResponse struct {
	Status           string `json:"status"`
	Mode             string `json:"mode"`
	CredentialSource string `json:"credential_source"`
	Source           string `json:"source,omitempty"`
	Region           string `json:"region"`
	Note             string `json:"note"`
	ExpiresAt        string `json:"expires_at,omitempty"`
}

// handleCredentialsInfo describes where credentials come from. It never
// includes key material.
func (s *Server) handleCredentialsInfo(w http.ResponseWriter, r *http.Request) {
	resp := credentialsInfoResponse{Status: "ok", Region: s.cfg.Region}
	if s.cfg.HasStaticCredentials() {
		resp.Mode = "local"
		resp.CredentialSource = "Environment Variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN)"
		resp.Note = "Using static credentials from environment variables"
	} else {
		resp.Mode = "ec2"
		resp.CredentialSource = "EC2 IMDS (IMDSv2 preferred, falls back to IMDSv1)"
		resp.Note = "Credentials are automatically refreshed from IMDS by background task"
	}

	creds, ok := s.creds.Get()
	if !ok {
		resp.Status = "pending"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Source = creds.Source
	if !creds.Expires.IsZero() {
		resp.ExpiresAt = creds.Expires.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if s.cfg.MaxFrameBytes > 0 {
		c.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	if err := s.relay.Serve(r.Context(), relay.NewWebSocketTransport(c)); err != nil {
		logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay connection ended with error")
	}
}

// originPatterns turns configured CORS origins into the host patterns the
// WebSocket handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		if o = strings.TrimSuffix(o, "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

var _ CredentialSource = (*credentials.Cache)(nil)
