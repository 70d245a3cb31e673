package terminal

import (
	"testing"

	"github.com/google/uuid"
)

type fakeACL struct{ allowed bool }

func (f fakeACL) Has(userID, machineID uuid.UUID) (bool, error) { return f.allowed, nil }

type recordingAudit struct{ events []string }

func (r *recordingAudit) Record(actor, action, machineID, sessionID, detail string) {
	r.events = append(r.events, action)
}

func TestService_IssueAndValidate_RoundTrip(t *testing.T) {
	audit := &recordingAudit{}
	svc := NewService([]byte("a-sufficiently-long-master-secret"), audit)

	userID := uuid.New().String()
	machineID := uuid.New().String()
	tok, err := svc.Issue(userID, machineID, nil, fakeACL{allowed: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(audit.events) != 1 || audit.events[0] != "SHELL_OPEN" {
		t.Fatalf("expected SHELL_OPEN audit event, got %v", audit.events)
	}

	validated, err := svc.Validate(tok.SessionID, tok.Signature)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.MachineID != machineID {
		t.Fatalf("expected machine id to round-trip")
	}
}

func TestService_Issue_DeniedWithoutACL(t *testing.T) {
	svc := NewService([]byte("a-sufficiently-long-master-secret"), nil)
	_, err := svc.Issue(uuid.New().String(), uuid.New().String(), nil, fakeACL{allowed: false})
	if err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestService_Issue_SystemBypassesACL(t *testing.T) {
	svc := NewService([]byte("a-sufficiently-long-master-secret"), nil)
	_, err := svc.Issue("system", uuid.New().String(), nil, fakeACL{allowed: false})
	if err != nil {
		t.Fatalf("expected system user to bypass ACL, got %v", err)
	}
}

func TestService_Validate_RejectsTamperedSignature(t *testing.T) {
	svc := NewService([]byte("a-sufficiently-long-master-secret"), nil)
	tok, err := svc.Issue("system", uuid.New().String(), nil, fakeACL{allowed: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Validate(tok.SessionID, tok.Signature+"x"); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestService_End_EmitsShellClose(t *testing.T) {
	audit := &recordingAudit{}
	svc := NewService([]byte("a-sufficiently-long-master-secret"), audit)
	tok, _ := svc.Issue("system", uuid.New().String(), nil, fakeACL{allowed: true})

	svc.End(tok.SessionID)
	if len(audit.events) != 2 || audit.events[1] != "SHELL_CLOSE" {
		t.Fatalf("expected SHELL_OPEN then SHELL_CLOSE, got %v", audit.events)
	}
	if _, err := svc.Validate(tok.SessionID, tok.Signature); err != ErrTokenInvalid {
		t.Fatalf("expected session to be gone after End, got %v", err)
	}
}
