package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

func TestState_UpdateMetric_ReflectsLatest(t *testing.T) {
	s := New()
	id := uuid.New()
	m := db.Machine{Hostname: "h1"}
	m.ID = id
	s.UpsertMachine(m)

	first := db.Metric{CPUUsage: 10}
	s.UpdateMetric(id, first)
	view, ok := s.Get(id)
	if !ok || view.LatestMetric.CPUUsage != 10 {
		t.Fatalf("expected latest metric cpu=10, got %+v", view.LatestMetric)
	}

	second := db.Metric{CPUUsage: 42}
	s.UpdateMetric(id, second)
	view, _ = s.Get(id)
	if view.LatestMetric.CPUUsage != 42 {
		t.Fatalf("expected latest metric to update to cpu=42, got %v", view.LatestMetric.CPUUsage)
	}
}

func TestState_SetOffline(t *testing.T) {
	s := New()
	id := uuid.New()
	m := db.Machine{Status: "online"}
	m.ID = id
	s.UpsertMachine(m)

	s.SetOffline(id)
	view, ok := s.Get(id)
	if !ok || view.Status != "offline" {
		t.Fatalf("expected status offline, got %+v", view)
	}
}

func TestState_UpdateMachineStatus_UnknownMachineNoop(t *testing.T) {
	s := New()
	s.UpdateMachineStatus(uuid.New(), "online", time.Now())
	if len(s.All()) != 0 {
		t.Fatalf("expected no-op on unknown machine, got %d entries", len(s.All()))
	}
}

func TestState_IsOnline(t *testing.T) {
	s := New()
	id := uuid.New()
	m := db.Machine{Status: "online"}
	m.ID = id
	s.UpsertMachine(m)

	if !s.IsOnline(id) {
		t.Fatalf("expected machine to be online")
	}
	s.SetOffline(id)
	if s.IsOnline(id) {
		t.Fatalf("expected machine to be offline")
	}
}

func TestState_DeleteMachine(t *testing.T) {
	s := New()
	id := uuid.New()
	m := db.Machine{}
	m.ID = id
	s.UpsertMachine(m)
	s.DeleteMachine(id)
	if _, ok := s.Get(id); ok {
		t.Fatalf("expected machine to be removed from cache")
	}
}
