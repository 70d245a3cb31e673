// Package cache implements the write-through state projection described in
// the system design: an in-memory view of machines and their observables
// that reads never have to touch the store for. It is not authoritative —
// on process restart it is re-warmed from the database.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// MachineView is the cached projection of a single machine's observable
// state: identity fields plus its latest metric sample and known ports.
type MachineView struct {
	ID         uuid.UUID
	Hostname   string
	IPAddress  string
	OS         string
	Status     string
	LastSeenAt *time.Time
	Role       string
	Labels     string // JSON key-value pairs, queried via tag:<key> conditions

	LatestMetric *db.Metric
	Ports        []db.Port
}

// State is the cache's single entry point. Each machine's state is guarded
// by the shared mutex; all mutation methods take a machineID and apply a
// small, specific update so callers never read-modify-write a whole
// MachineView across a suspension point.
type State struct {
	mu       sync.RWMutex
	machines map[uuid.UUID]*MachineView
}

// New returns an empty, unwarmed State.
func New() *State {
	return &State{machines: make(map[uuid.UUID]*MachineView)}
}

// Warm populates the cache from the store. Called once at startup with one
// query per table; cheap enough at typical fleet sizes (low thousands of
// machines) to do synchronously before serving traffic.
func (s *State) Warm(ctx context.Context, machines repositories.MachineRepository, ports repositories.PortRepository) error {
	all, err := machines.All(ctx)
	if err != nil {
		return err
	}

	allPorts, err := ports.All(ctx)
	if err != nil {
		return err
	}
	portsByMachine := make(map[uuid.UUID][]db.Port, len(allPorts))
	for _, p := range allPorts {
		portsByMachine[p.MachineID] = append(portsByMachine[p.MachineID], p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines = make(map[uuid.UUID]*MachineView, len(all))
	for i := range all {
		m := all[i]
		s.machines[m.ID] = &MachineView{
			ID:         m.ID,
			Hostname:   m.Hostname,
			IPAddress:  m.IPAddress,
			OS:         m.OS,
			Status:     m.Status,
			LastSeenAt: m.LastSeenAt,
			Role:       m.Role,
			Labels:     m.Labels,
			Ports:      portsByMachine[m.ID],
		}
	}
	return nil
}

// UpsertMachine inserts or replaces a machine's identity fields, used on
// registration. Observable fields (metric, ports) are left untouched if the
// machine already exists.
func (s *State) UpsertMachine(m db.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.machines[m.ID]
	if !ok {
		view = &MachineView{ID: m.ID}
		s.machines[m.ID] = view
	}
	view.Hostname = m.Hostname
	view.IPAddress = m.IPAddress
	view.OS = m.OS
	view.Status = m.Status
	view.LastSeenAt = m.LastSeenAt
	view.Role = m.Role
	view.Labels = m.Labels
}

// UpdateMachineStatus updates status and lastSeenAt for a machine already in
// the cache. A no-op if the machine is unknown — the authoritative write
// already landed in the store; the cache is only warmed once, at startup.
func (s *State) UpdateMachineStatus(id uuid.UUID, status string, lastSeenAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.machines[id]; ok {
		view.Status = status
		view.LastSeenAt = &lastSeenAt
	}
}

// SetOffline marks a machine offline, called on agent disconnect.
func (s *State) SetOffline(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.machines[id]; ok {
		view.Status = "offline"
	}
}

// UpdateMetric replaces a machine's cached latest metric sample.
func (s *State) UpdateMetric(id uuid.UUID, metric db.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.machines[id]; ok {
		view.LatestMetric = &metric
	}
}

// UpdatePorts replaces a machine's cached port list wholesale. Called after
// a port scan has upserted current ports and pruned stale ones in the store,
// so the cache always reflects a complete, just-observed set.
func (s *State) UpdatePorts(id uuid.UUID, ports []db.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.machines[id]; ok {
		view.Ports = ports
	}
}

// DeleteMachine removes a machine from the cache entirely.
func (s *State) DeleteMachine(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, id)
}

// Get returns a copy of a machine's cached view and whether it was found.
// A copy is returned so callers can read fields without holding the lock.
func (s *State) Get(id uuid.UUID) (MachineView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.machines[id]
	if !ok {
		return MachineView{}, false
	}
	return *view, true
}

// All returns a snapshot copy of every cached machine view.
func (s *State) All() []MachineView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MachineView, 0, len(s.machines))
	for _, view := range s.machines {
		out = append(out, *view)
	}
	return out
}

// IsOnline reports whether the cache currently shows a machine as online.
// The dispatcher's IsMachineOnline does not use it; that checks the agent
// session manager's live connections.
func (s *State) IsOnline(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.machines[id]
	return ok && view.Status == "online"
}
