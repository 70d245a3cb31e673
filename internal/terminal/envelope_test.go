package terminal

import (
	"testing"
	"time"
)

func TestWrapVerify_RoundTrip(t *testing.T) {
	secret := []byte("agent-secret-plaintext")
	nonces := newNonceHistory()

	payload, err := NormalizePayload("terminal_input", map[string]any{"data": "ls\n"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	env, err := Wrap("terminal_input", "sess-1", "machine-1", payload, secret)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	if err := Verify("terminal_input", env, secret, nonces); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestVerify_ReplayRejected(t *testing.T) {
	secret := []byte("agent-secret-plaintext")
	nonces := newNonceHistory()
	payload, _ := NormalizePayload("terminal_input", map[string]any{"data": "ls\n"})
	env, _ := Wrap("terminal_input", "sess-1", "machine-1", payload, secret)

	if err := Verify("terminal_input", env, secret, nonces); err != nil {
		t.Fatalf("first verification should succeed: %v", err)
	}
	if err := Verify("terminal_input", env, secret, nonces); err != ErrReplay {
		t.Fatalf("expected ErrReplay on resend, got %v", err)
	}
}

func TestVerify_MutatedPayloadRejected(t *testing.T) {
	secret := []byte("agent-secret-plaintext")
	nonces := newNonceHistory()
	payload, _ := NormalizePayload("terminal_input", map[string]any{"data": "ls\n"})
	env, _ := Wrap("terminal_input", "sess-1", "machine-1", payload, secret)

	env.Payload = `{"data":"rm -rf /\n"}`
	if err := Verify("terminal_input", env, secret, nonces); err != ErrHMACMismatch {
		t.Fatalf("expected ErrHMACMismatch on mutated payload, got %v", err)
	}
}

func TestVerify_TimestampWindowBoundary(t *testing.T) {
	secret := []byte("agent-secret-plaintext")

	mkEnv := func(age time.Duration) Envelope {
		nonces := newNonceHistory()
		payload, _ := NormalizePayload("terminal_input", map[string]any{"data": "x"})
		env, _ := Wrap("terminal_input", "sess-1", "machine-1", payload, secret)
		ts := time.Now().Add(-age)
		env.Timestamp = ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		sig, _ := computeHMAC("terminal_input", env, secret)
		env.HMAC = sig
		_ = nonces
		return env
	}

	within := mkEnv(59 * time.Second)
	if err := Verify("terminal_input", within, secret, newNonceHistory()); err != nil {
		t.Fatalf("expected 59s-old message accepted, got %v", err)
	}

	outside := mkEnv(61 * time.Second)
	if err := Verify("terminal_input", outside, secret, newNonceHistory()); err != ErrTimestampWindow {
		t.Fatalf("expected 61s-old message rejected with ErrTimestampWindow, got %v", err)
	}
}

func TestNormalizePayload_MissingFieldsDefaultEmpty(t *testing.T) {
	payload, err := NormalizePayload("execute_command", map[string]any{"commandId": "c1"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if payload != `{"commandId":"c1","command":""}` {
		t.Fatalf("expected missing command field to default to empty string, got %q", payload)
	}
}
