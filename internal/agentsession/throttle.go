package agentsession

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// ThrottleConfig holds the minimum interval between processing each kind of
// heartbeat-derived work for a single machine. Configurable via environment
// variables so operators can tune write pressure without a rebuild.
type ThrottleConfig struct {
	Status    time.Duration
	Metrics   time.Duration
	Ports     time.Duration
	Broadcast time.Duration
}

// DefaultThrottleConfig returns the spec's defaults: 10s/15s/60s/5s.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Status:    10 * time.Second,
		Metrics:   15 * time.Second,
		Ports:     60 * time.Second,
		Broadcast: 5 * time.Second,
	}
}

// ThrottleConfigFromEnv overlays DefaultThrottleConfig with any of
// HEARTBEAT_STATUS_INTERVAL_MS, HEARTBEAT_METRICS_INTERVAL_MS,
// HEARTBEAT_PORTS_INTERVAL_MS, HEARTBEAT_BROADCAST_INTERVAL_MS present in
// the environment.
func ThrottleConfigFromEnv() ThrottleConfig {
	cfg := DefaultThrottleConfig()
	if v, ok := msFromEnv("HEARTBEAT_STATUS_INTERVAL_MS"); ok {
		cfg.Status = v
	}
	if v, ok := msFromEnv("HEARTBEAT_METRICS_INTERVAL_MS"); ok {
		cfg.Metrics = v
	}
	if v, ok := msFromEnv("HEARTBEAT_PORTS_INTERVAL_MS"); ok {
		cfg.Ports = v
	}
	if v, ok := msFromEnv("HEARTBEAT_BROADCAST_INTERVAL_MS"); ok {
		cfg.Broadcast = v
	}
	return cfg
}

func msFromEnv(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// heartbeatClock tracks the four last-processed timestamps for one machine,
// per the spec's per-field throttle design.
type heartbeatClock struct {
	statusAt    time.Time
	metricsAt   time.Time
	portsAt     time.Time
	broadcastAt time.Time
}

// heartbeatClocks guards per-machine heartbeatClock state. A machine's
// connection handler is the only writer to its own clock, but the map is
// shared by every connection handler goroutine, so access is mutex-protected.
type heartbeatClocks struct {
	mu     sync.Mutex
	clocks map[string]*heartbeatClock
	cfg    ThrottleConfig
}

func newHeartbeatClocks(cfg ThrottleConfig) *heartbeatClocks {
	return &heartbeatClocks{clocks: make(map[string]*heartbeatClock), cfg: cfg}
}

func (h *heartbeatClocks) get(machineID string) *heartbeatClock {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clocks[machineID]
	if !ok {
		c = &heartbeatClock{}
		h.clocks[machineID] = c
	}
	return c
}

func (h *heartbeatClocks) delete(machineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clocks, machineID)
}

// due reports whether a field's interval has elapsed, and if so, stamps it
// with now as a side effect.
func (h *heartbeatClocks) due(field *time.Time, interval time.Duration, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(*field) < interval {
		return false
	}
	*field = now
	return true
}

func (h *heartbeatClocks) statusDue(machineID string, now time.Time) bool {
	c := h.get(machineID)
	return h.due(&c.statusAt, h.cfg.Status, now)
}

func (h *heartbeatClocks) metricsDue(machineID string, now time.Time) bool {
	c := h.get(machineID)
	return h.due(&c.metricsAt, h.cfg.Metrics, now)
}

func (h *heartbeatClocks) portsDue(machineID string, now time.Time) bool {
	c := h.get(machineID)
	return h.due(&c.portsAt, h.cfg.Ports, now)
}

func (h *heartbeatClocks) broadcastDue(machineID string, now time.Time) bool {
	c := h.get(machineID)
	return h.due(&c.broadcastAt, h.cfg.Broadcast, now)
}
