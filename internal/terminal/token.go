// Package terminal implements the secure remote terminal service: session
// token issuance and refresh, the HMAC-signed secure message envelope, the
// per-session rate limiter, and the per-machine nonce replay history. This
// is the security kernel of the control plane — every operator action bound
// for an agent passes through it.
package terminal

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/server/internal/metrics"
)

// sessionTTL is how long a session token is valid from issuance or refresh.
const sessionTTL = 300 * time.Second

// refreshWindow is how close to expiry a token must be, on successful
// validation, before it is silently refreshed.
const refreshWindow = 60 * time.Second

// DefaultCapabilities is granted to a session when the caller does not
// specify one explicitly.
var DefaultCapabilities = []string{"spawn", "input", "resize"}

// Token is a signed, server-held grant of terminal access to one machine on
// behalf of one user, scoped to a capability set.
type Token struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	MachineID    string    `json:"machineId"`
	IssuedAt     int64     `json:"issuedAt"`
	ExpiresAt    int64     `json:"expiresAt"`
	Capabilities []string  `json:"capabilities"`
	Signature    string    `json:"-"`
	OpenedAt     time.Time `json:"-"`
}

// canonicalJSON returns the deterministic byte representation of the token's
// signed fields, used both to produce and to verify its signature. Field
// order is fixed by the struct tag order of a dedicated marshaling type
// rather than relying on encoding/json's map key sort, since Token itself
// carries unsigned fields (Signature, OpenedAt) that must never leak into
// the signed payload.
func (t Token) canonicalJSON() ([]byte, error) {
	signed := struct {
		SessionID    string   `json:"sessionId"`
		UserID       string   `json:"userId"`
		MachineID    string   `json:"machineId"`
		IssuedAt     int64    `json:"issuedAt"`
		ExpiresAt    int64    `json:"expiresAt"`
		Capabilities []string `json:"capabilities"`
	}{t.SessionID, t.UserID, t.MachineID, t.IssuedAt, t.ExpiresAt, t.Capabilities}
	return json.Marshal(signed)
}

func sign(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// ACLChecker reports whether userID has been granted access to machineID.
// Bypassed for userID == "system".
type ACLChecker interface {
	Has(userID, machineID uuid.UUID) (bool, error)
}

// ErrAccessDenied is returned by Issue when the requesting user has no ACL
// grant for the target machine.
var ErrAccessDenied = errors.New("terminal: access denied")

// ErrTokenInvalid is returned by Validate when a token's signature, presence
// in the active set, or expiry check fails.
var ErrTokenInvalid = errors.New("terminal: invalid or expired session token")

// sessionEntry bundles a Token with its rate-limit bucket so both can be
// looked up and removed together.
type sessionEntry struct {
	token  Token
	bucket *rateBucket
}

// Service owns the in-memory table of active sessions and their rate-limit
// buckets. Per the component design, this state belongs exclusively to the
// component that accepts the operator connection — there is no global lock
// shared with any other subsystem.
type Service struct {
	masterKey []byte

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	nonces *nonceHistory

	audit AuditSink
}

// AuditSink receives SHELL_OPEN/SHELL_CLOSE and replay-alert events. Kept as
// a narrow interface so the terminal package does not import internal/db or
// internal/repositories directly.
type AuditSink interface {
	Record(actor, action, machineID, sessionID, detail string)
}

// NewService constructs a Service. masterKey is the HMAC key for session
// token signatures (SESSION_TOKEN_SECRET), distinct from the AES key used
// for agent secret encryption.
func NewService(masterKey []byte, audit AuditSink) *Service {
	return &Service{
		masterKey: masterKey,
		sessions:  make(map[string]*sessionEntry),
		nonces:    newNonceHistory(),
		audit:     audit,
	}
}

// Issue creates a new session token for userID against machineID. Unless
// userID is the literal "system", acl must confirm the user has access.
func (s *Service) Issue(userID, machineID string, capabilities []string, acl ACLChecker) (Token, error) {
	if userID != "system" {
		uid, err := uuid.Parse(userID)
		if err != nil {
			return Token{}, fmt.Errorf("terminal: invalid user id: %w", err)
		}
		mid, err := uuid.Parse(machineID)
		if err != nil {
			return Token{}, fmt.Errorf("terminal: invalid machine id: %w", err)
		}
		ok, err := acl.Has(uid, mid)
		if err != nil {
			return Token{}, err
		}
		if !ok {
			return Token{}, ErrAccessDenied
		}
	}

	if len(capabilities) == 0 {
		capabilities = DefaultCapabilities
	}

	now := time.Now()
	tok := Token{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		MachineID:    machineID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(sessionTTL).Unix(),
		Capabilities: capabilities,
		OpenedAt:     now,
	}
	payload, err := tok.canonicalJSON()
	if err != nil {
		return Token{}, err
	}
	tok.Signature = sign(s.masterKey, payload)

	s.mu.Lock()
	s.sessions[tok.SessionID] = &sessionEntry{token: tok, bucket: newRateBucket()}
	s.mu.Unlock()
	metrics.TerminalSessionsActive.Inc()

	if s.audit != nil {
		detail, _ := json.Marshal(map[string]any{"capabilities": capabilities})
		s.audit.Record(userID, "SHELL_OPEN", machineID, tok.SessionID, string(detail))
	}
	return tok, nil
}

// Validate checks a token for validity and, if it is close to expiry,
// silently refreshes it. Returns the (possibly refreshed) token.
func (s *Service) Validate(sessionID, signature string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return Token{}, ErrTokenInvalid
	}

	now := time.Now()
	if now.Unix() >= entry.token.ExpiresAt {
		delete(s.sessions, sessionID)
		metrics.TerminalSessionsActive.Dec()
		if s.audit != nil {
			detail, _ := json.Marshal(map[string]any{"durationSeconds": now.Sub(entry.token.OpenedAt).Seconds()})
			s.audit.Record(entry.token.UserID, "SHELL_CLOSE", entry.token.MachineID, sessionID, string(detail))
		}
		return Token{}, ErrTokenInvalid
	}

	payload, err := entry.token.canonicalJSON()
	if err != nil {
		return Token{}, err
	}
	expected := sign(s.masterKey, payload)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return Token{}, ErrTokenInvalid
	}

	if now.Unix()+int64(refreshWindow.Seconds()) >= entry.token.ExpiresAt {
		entry.token.ExpiresAt = now.Add(sessionTTL).Unix()
		refreshedPayload, err := entry.token.canonicalJSON()
		if err != nil {
			return Token{}, err
		}
		entry.token.Signature = sign(s.masterKey, refreshedPayload)
	}

	return entry.token, nil
}

// End removes a session's token and rate-limit bucket and emits SHELL_CLOSE
// with the session's duration. Called on explicit close, owning web-client
// disconnect, or token expiry discovery.
func (s *Service) End(sessionID string) {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	metrics.TerminalSessionsActive.Dec()
	if s.audit != nil {
		duration := time.Since(entry.token.OpenedAt).Seconds()
		detail, _ := json.Marshal(map[string]any{"durationSeconds": duration})
		s.audit.Record(entry.token.UserID, "SHELL_CLOSE", entry.token.MachineID, sessionID, string(detail))
	}
}

// Bucket returns the rate-limit bucket for an active session, or nil if the
// session does not exist.
func (s *Service) Bucket(sessionID string) *rateBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return entry.bucket
}

// Nonces returns the shared nonce history tracker.
func (s *Service) Nonces() *nonceHistory {
	return s.nonces
}
