package webclient

import (
	"net/http"
	"strings"
)

// extractBearerToken pulls the operator's JWT out of whichever of the four
// supported channels carries it, in priority order. Browsers cannot set
// custom headers on the WebSocket handshake, so the query parameter and
// subprotocol fallbacks exist for the native WebSocket API; the cookie
// fallback serves same-origin browser clients that never see the token
// directly.
func extractBearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
			return tok, true
		}
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}

	if cookie, err := r.Cookie("session_token"); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}

	for _, proto := range websocketProtocols(r) {
		if tok, ok := strings.CutPrefix(proto, "jwt."); ok && tok != "" {
			return tok, true
		}
	}

	return "", false
}

func websocketProtocols(r *http.Request) []string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
