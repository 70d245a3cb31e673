package webclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken_AuthorizationHeaderTakesPriority(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: "session_token", Value: "from-cookie"})

	tok, ok := extractBearerToken(r)
	if !ok || tok != "from-header" {
		t.Fatalf("expected header token to win, got %q ok=%v", tok, ok)
	}
}

func TestExtractBearerToken_QueryParamFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client?token=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "session_token", Value: "from-cookie"})

	tok, ok := extractBearerToken(r)
	if !ok || tok != "from-query" {
		t.Fatalf("expected query token, got %q ok=%v", tok, ok)
	}
}

func TestExtractBearerToken_CookieFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
	r.AddCookie(&http.Cookie{Name: "session_token", Value: "from-cookie"})

	tok, ok := extractBearerToken(r)
	if !ok || tok != "from-cookie" {
		t.Fatalf("expected cookie token, got %q ok=%v", tok, ok)
	}
}

func TestExtractBearerToken_SubprotocolFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "jwt.from-subprotocol, other-proto")

	tok, ok := extractBearerToken(r)
	if !ok || tok != "from-subprotocol" {
		t.Fatalf("expected subprotocol token, got %q ok=%v", tok, ok)
	}
}

func TestExtractBearerToken_NoneProvided(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)

	if _, ok := extractBearerToken(r); ok {
		t.Fatal("expected no token found")
	}
}
