package agentsession

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/fleetd-io/fleetd/server/internal/terminal"
)

func TestSha256Hex_MatchesStandardLibrary(t *testing.T) {
	in := "a-registration-secret"
	sum := sha256.Sum256([]byte(in))
	want := hex.EncodeToString(sum[:])

	if got := sha256Hex(in); got != want {
		t.Fatalf("sha256Hex(%q) = %q, want %q", in, got, want)
	}
}

func TestOutboundEnvelope_FlattensEnvelopeFields(t *testing.T) {
	env := terminal.Envelope{
		SessionID: "s1",
		MachineID: "m1",
		Payload:   `{"commandId":"c1","command":"uptime"}`,
		Nonce:     "deadbeef",
		Timestamp: "2026-08-01T00:00:00.000Z",
		HMAC:      "abc123",
	}

	b, err := json.Marshal(outboundEnvelope{Type: "execute_command", Envelope: env})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"type", "sessionId", "machineId", "payload", "nonce", "timestamp", "hmac"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected top-level key %q in wire form, got %v", key, decoded)
		}
	}
	if _, nested := decoded["payload"].(map[string]any); nested {
		t.Fatal("envelope must not be nested under a separate payload wrapper")
	}
}
