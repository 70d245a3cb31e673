package orchestrator

import "encoding/json"

// defaultGlobalConcurrencyCap bounds the total number of in-flight executions a
// single parallel-strategy job may hold open, regardless of the requested
// concurrency. Configuration per spec's open question; see New.
const defaultGlobalConcurrencyCap = 50

// defaultDisconnectGrace is how long the orchestrator waits after an agent
// disconnect before failing its inflight executions, absent interleaved
// completion. Overridable via Config.DisconnectGrace.
const defaultDisconnectGrace = 15

// parallelStrategy caps how many executions may be in flight for a job at
// once. Refilled as executions complete until the queue drains.
type parallelStrategy struct {
	Concurrency int `json:"concurrency"`
}

// rollingStrategy partitions a job's targets into sequential batches,
// evaluating failure rate between each.
type rollingStrategy struct {
	BatchSize            int     `json:"batchSize"`
	BatchPercent         float64 `json:"batchPercent"`
	StopOnFailurePercent float64 `json:"stopOnFailurePercent"`
	WaitSeconds          int     `json:"waitSeconds"`
}

// parseStrategy decodes a job's Strategy JSON column according to its Mode
// ("parallel" or "rolling"). Concurrency below 1 defaults to 1; an undefined
// batch size and percent together degenerate to batches of 1 (one-at-a-time
// rolling), matching the legacy behavior the spec asks to be preserved.
func parseStrategy(mode string, raw string) (parallelStrategy, rollingStrategy, error) {
	switch mode {
	case "rolling":
		var r rollingStrategy
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return parallelStrategy{}, rollingStrategy{}, err
			}
		}
		return parallelStrategy{}, r, nil
	default: // "parallel"
		var p parallelStrategy
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return parallelStrategy{}, rollingStrategy{}, err
			}
		}
		if p.Concurrency < 1 {
			p.Concurrency = 1
		}
		return p, rollingStrategy{}, nil
	}
}

// resolveBatchSize resolves r's configured batch size against total targets. A
// BatchSize of 0 falls back to BatchPercent; both absent (zero) degenerates
// to batches of one.
func (r rollingStrategy) resolveBatchSize(total int) int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	if r.BatchPercent > 0 {
		n := int(r.BatchPercent / 100 * float64(total))
		if n < 1 {
			n = 1
		}
		return n
	}
	return 1
}

// batches splits ids into sequential chunks of resolveBatchSize(len(ids)).
func (r rollingStrategy) batches(ids []string) [][]string {
	size := r.resolveBatchSize(len(ids))
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}
