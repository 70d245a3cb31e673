package terminal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetd-io/fleetd/server/internal/metrics"
)

// clockSkewWindow is the maximum age an inbound secure message's timestamp
// may have before it is rejected.
const clockSkewWindow = 60 * time.Second

// Envelope is the wire form of a secure machine-bound operator action, or of
// an agent-originated secure message. Payload is transmitted as a string —
// the signature is computed over that exact string, not over a re-serialized
// object, so whitespace and key order must be byte-identical between wrap
// and verify.
type Envelope struct {
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Payload   string `json:"payload"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	HMAC      string `json:"hmac"`
}

// signedFields is the canonical shape the HMAC is computed over. It
// additionally carries the message type, which is not part of Envelope
// itself since the type is known from context (the outer message envelope),
// not re-transmitted inside the secure payload.
type signedFields struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Payload   string `json:"payload"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// NormalizePayload reduces an arbitrary payload map to the canonical shape
// required for msgType before it is signed. Missing fields default to the
// empty string or zero value rather than being omitted, since the agent
// reconstructs the same canonical object to verify the signature.
func NormalizePayload(msgType string, in map[string]any) (string, error) {
	var canonical any
	switch msgType {
	case "terminal_input":
		canonical = struct {
			Data string `json:"data"`
		}{Data: stringField(in, "data")}
	case "terminal_resize":
		canonical = struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}{Cols: intField(in, "cols"), Rows: intField(in, "rows")}
	case "execute_command":
		canonical = struct {
			CommandID string `json:"commandId"`
			Command   string `json:"command"`
		}{CommandID: stringField(in, "commandId"), Command: stringField(in, "command")}
	default:
		return "", fmt.Errorf("terminal: unknown message type %q for envelope normalization", msgType)
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Wrap builds a signed Envelope for a machine-bound operator action.
// payload must already be in its canonical string form (see
// NormalizePayload). agentSecret is the plaintext recovered from the
// machine's encrypted secret.
func Wrap(msgType, sessionID, machineID, payload string, agentSecret []byte) (Envelope, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		SessionID: sessionID,
		MachineID: machineID,
		Payload:   payload,
		Nonce:     hex.EncodeToString(nonceBytes),
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	sig, err := computeHMAC(msgType, env, agentSecret)
	if err != nil {
		return Envelope{}, err
	}
	env.HMAC = sig
	return env, nil
}

func computeHMAC(msgType string, env Envelope, agentSecret []byte) (string, error) {
	signed := signedFields{
		Type:      msgType,
		SessionID: env.SessionID,
		MachineID: env.MachineID,
		Payload:   env.Payload,
		Nonce:     env.Nonce,
		Timestamp: env.Timestamp,
	}
	b, err := json.Marshal(signed)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, agentSecret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verification failure reasons. Callers log these but never return them to
// the sender, per the error handling design's "drop silently" policy for
// cryptographic errors.
var (
	ErrTimestampWindow = errors.New("terminal: timestamp outside clock-skew window")
	ErrReplay          = errors.New("terminal: replay detected")
	ErrHMACMismatch    = errors.New("terminal: hmac mismatch")
	ErrBadTimestamp    = errors.New("terminal: malformed timestamp")
)

// Verify checks an inbound agent-originated envelope in the mandated order:
// clock skew, then replay, then signature. It records the nonce on success
// so an identical resend is rejected as a replay.
func Verify(msgType string, env Envelope, agentSecret []byte, nonces *nonceHistory) error {
	ts, err := time.Parse("2006-01-02T15:04:05.000Z07:00", env.Timestamp)
	if err != nil {
		// Fall back to RFC3339Nano for agents that omit fixed millisecond
		// padding; the spec requires ms precision but tolerates either form.
		ts, err = time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			metrics.SecureMessageRejected.WithLabelValues("bad_timestamp").Inc()
			return ErrBadTimestamp
		}
	}

	if delta := time.Since(ts); delta < -clockSkewWindow || delta > clockSkewWindow {
		metrics.SecureMessageRejected.WithLabelValues("clock_skew").Inc()
		return ErrTimestampWindow
	}

	if nonces.Seen(env.MachineID, env.Nonce) {
		metrics.SecureMessageRejected.WithLabelValues("replay").Inc()
		return ErrReplay
	}

	expected, err := computeHMAC(msgType, env, agentSecret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(env.HMAC)) != 1 {
		metrics.SecureMessageRejected.WithLabelValues("hmac_mismatch").Inc()
		return ErrHMACMismatch
	}

	nonces.Record(env.MachineID, env.Nonce)
	return nil
}
