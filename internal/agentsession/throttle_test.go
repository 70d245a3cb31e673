package agentsession

import (
	"os"
	"testing"
	"time"
)

func TestThrottleConfigFromEnv_Defaults(t *testing.T) {
	cfg := ThrottleConfigFromEnv()
	want := DefaultThrottleConfig()
	if cfg != want {
		t.Fatalf("expected defaults with no env set, got %+v", cfg)
	}
}

func TestThrottleConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("HEARTBEAT_STATUS_INTERVAL_MS", "2500")
	t.Setenv("HEARTBEAT_METRICS_INTERVAL_MS", "0") // invalid, ignored
	os.Unsetenv("HEARTBEAT_PORTS_INTERVAL_MS")
	os.Unsetenv("HEARTBEAT_BROADCAST_INTERVAL_MS")

	cfg := ThrottleConfigFromEnv()
	if cfg.Status != 2500*time.Millisecond {
		t.Fatalf("expected status interval overridden to 2.5s, got %v", cfg.Status)
	}
	if cfg.Metrics != DefaultThrottleConfig().Metrics {
		t.Fatalf("expected zero-valued override ignored, got %v", cfg.Metrics)
	}
}

func TestHeartbeatClocks_DueGatesUntilIntervalElapses(t *testing.T) {
	cfg := ThrottleConfig{Status: 10 * time.Second}
	h := newHeartbeatClocks(cfg)

	base := time.Now()
	if !h.statusDue("m1", base) {
		t.Fatal("expected first call due (zero-value clock)")
	}
	if h.statusDue("m1", base.Add(1*time.Second)) {
		t.Fatal("expected second call within interval to not be due")
	}
	if !h.statusDue("m1", base.Add(11*time.Second)) {
		t.Fatal("expected call after interval elapsed to be due")
	}
}

func TestHeartbeatClocks_PerMachineIndependent(t *testing.T) {
	cfg := ThrottleConfig{Status: 10 * time.Second}
	h := newHeartbeatClocks(cfg)
	now := time.Now()

	if !h.statusDue("m1", now) {
		t.Fatal("expected m1 due")
	}
	if !h.statusDue("m2", now) {
		t.Fatal("expected m2 due independently of m1")
	}
}

func TestHeartbeatClocks_Delete(t *testing.T) {
	cfg := ThrottleConfig{Status: 10 * time.Second}
	h := newHeartbeatClocks(cfg)
	now := time.Now()

	h.statusDue("m1", now)
	h.delete("m1")

	if !h.statusDue("m1", now.Add(1*time.Second)) {
		t.Fatal("expected clock reset to zero value after delete, so immediately due again")
	}
}
