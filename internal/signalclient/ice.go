package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when the relay offers no ICE servers.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

const maxICEResponseBytes = 64 * 1024

type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential any             `json:"credential,omitempty"`
}

type iceResponse struct {
	ICEServers []iceServerJSON `json:"iceServers"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

// ICEConfig is the relay's /webrtc/ice answer. TTL is zero for static
// credentials.
type ICEConfig struct {
	Servers []webrtc.ICEServer
	TTL     time.Duration
}

// FetchICEServers asks the relay at baseURL (http:// or https://) for ICE
// servers. A non-empty sessionID binds any TURN REST credentials to it.
func FetchICEServers(ctx context.Context, client *http.Client, baseURL, sessionID string) (ICEConfig, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/webrtc/ice")
	if err != nil {
		return ICEConfig{}, fmt.Errorf("parse base url: %w", err)
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("sessionId", sessionID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ICEConfig{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxICEResponseBytes))
	if err != nil {
		return ICEConfig{}, fmt.Errorf("read ice servers: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ICEConfig{}, fmt.Errorf("fetch ice servers: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload iceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return ICEConfig{}, fmt.Errorf("decode ice servers: %w", err)
	}

	cfg := ICEConfig{TTL: time.Duration(payload.TTLSeconds) * time.Second}
	for i, s := range payload.ICEServers {
		urls, err := decodeURLs(s.URLs)
		if err != nil {
			return ICEConfig{}, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if cred, ok := s.Credential.(string); ok && cred != "" {
			server.Credential = cred
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg, nil
}

// decodeURLs accepts the RTCIceServer "urls" member as a string or an array.
func decodeURLs(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("urls: %w", err)
	}
	if len(many) == 0 {
		return nil, fmt.Errorf("urls: empty")
	}
	return many, nil
}

// HTTPBaseURL derives the relay's HTTP origin from its WebSocket URL.
func HTTPBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", wsURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
