package webclient

import (
	"encoding/json"
	"testing"

	"github.com/fleetd-io/fleetd/server/internal/terminal"
)

func TestOutboundEnvelope_FlattensEnvelopeFields(t *testing.T) {
	env := terminal.Envelope{
		SessionID: "s1",
		MachineID: "m1",
		Payload:   `{"data":"ls\n"}`,
		Nonce:     "deadbeef",
		Timestamp: "2026-08-01T00:00:00.000Z",
		HMAC:      "abc123",
	}

	b, err := json.Marshal(outboundEnvelope{Type: "terminal_stdin", Envelope: env})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "sessionId", "machineId", "payload", "nonce", "timestamp", "hmac"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected top-level key %q, got %v", key, decoded)
		}
	}
}
