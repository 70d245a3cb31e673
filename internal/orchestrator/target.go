package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/server/internal/cache"
)

// targetSpec is the union of shapes TargetSpec can hold depending on
// TargetType: an explicit machine ID list (adhoc, and static group), or an
// embedded query (dynamic, and dynamic group).
type targetSpec struct {
	MachineIDs []string        `json:"machineIds,omitempty"`
	Query      json.RawMessage `json:"query,omitempty"`
}

// resolveTargets returns the machine IDs a job should dispatch to, given its
// TargetType and TargetSpec as persisted on db.Job.
func resolveTargets(targetType, rawSpec string, snapshot []cache.MachineView) ([]uuid.UUID, error) {
	var spec targetSpec
	if rawSpec != "" {
		if err := json.Unmarshal([]byte(rawSpec), &spec); err != nil {
			return nil, fmt.Errorf("orchestrator: invalid target spec: %w", err)
		}
	}

	switch targetType {
	case "adhoc":
		return parseMachineIDs(spec.MachineIDs)

	case "group":
		if len(spec.Query) > 0 {
			return queryMachineIDs(snapshot, spec.Query)
		}
		return parseMachineIDs(spec.MachineIDs)

	case "dynamic":
		return queryMachineIDs(snapshot, spec.Query)

	default:
		return nil, fmt.Errorf("orchestrator: unknown target type %q", targetType)
	}
}

func parseMachineIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: invalid machine id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func queryMachineIDs(snapshot []cache.MachineView, raw json.RawMessage) ([]uuid.UUID, error) {
	q, err := parseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: invalid query: %w", err)
	}
	matched := evaluateQuery(snapshot, q)
	out := make([]uuid.UUID, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.ID)
	}
	return out, nil
}
