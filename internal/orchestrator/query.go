package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/fleetd-io/fleetd/server/internal/cache"
)

// query is the dynamic target-resolution DSL: a set of field/operator/value
// conditions combined by Mode ("all" conjunction, "any" disjunction).
type query struct {
	Mode       string      `json:"mode"`
	Conditions []condition `json:"conditions"`
}

type condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// parseQuery decodes a query DSL document. An empty or missing mode defaults
// to "all" per the conjunction-by-default rule.
func parseQuery(raw json.RawMessage) (query, error) {
	var q query
	if len(raw) == 0 {
		return query{Mode: "all"}, nil
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return query{}, err
	}
	if q.Mode != "any" {
		q.Mode = "all"
	}
	return q, nil
}

// matches reports whether m satisfies q. All comparisons are case-insensitive.
func (q query) matches(m cache.MachineView) bool {
	if len(q.Conditions) == 0 {
		return true
	}

	switch q.Mode {
	case "any":
		for _, c := range q.Conditions {
			if c.matches(m) {
				return true
			}
		}
		return false
	default: // "all"
		for _, c := range q.Conditions {
			if !c.matches(m) {
				return false
			}
		}
		return true
	}
}

func (c condition) matches(m cache.MachineView) bool {
	actual, ok := fieldValue(m, c.Field)
	if !ok {
		return false
	}
	want := strings.ToLower(c.Value)
	actual = strings.ToLower(actual)

	switch c.Op {
	case "contains":
		return strings.Contains(actual, want)
	default: // "eq"
		return actual == want
	}
}

func fieldValue(m cache.MachineView, field string) (string, bool) {
	if tag, ok := strings.CutPrefix(field, "tag:"); ok {
		return labelValue(m.Labels, tag)
	}

	switch field {
	case "os":
		return m.OS, true
	case "status":
		return m.Status, true
	case "hostname":
		return m.Hostname, true
	case "ip":
		return m.IPAddress, true
	case "role":
		return m.Role, true
	default:
		return "", false
	}
}

func labelValue(labelsJSON, key string) (string, bool) {
	if labelsJSON == "" {
		return "", false
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return "", false
	}
	v, ok := labels[key]
	return v, ok
}

// evaluateQuery returns every machine in the cache snapshot that matches q.
func evaluateQuery(snapshot []cache.MachineView, q query) []cache.MachineView {
	out := make([]cache.MachineView, 0, len(snapshot))
	for _, m := range snapshot {
		if q.matches(m) {
			out = append(out, m)
		}
	}
	return out
}
