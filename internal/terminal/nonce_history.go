package terminal

import "sync"

// nonceCapacity is the maximum number of nonces retained per machine before
// the oldest entries are evicted.
const nonceCapacity = 10000

// nonceEvictBatch is how many of the oldest entries are evicted once the
// per-machine set exceeds nonceCapacity.
const nonceEvictBatch = 1000

// nonceHistory tracks, per machine, the set of nonces already seen on
// validated secure messages, to detect replay. A FIFO order list is kept
// alongside the membership set so eviction can remove the oldest entries in
// O(1) amortized without scanning the whole set.
type nonceHistory struct {
	mu      sync.Mutex
	seen    map[string]map[string]struct{}
	order   map[string][]string
}

func newNonceHistory() *nonceHistory {
	return &nonceHistory{
		seen:  make(map[string]map[string]struct{}),
		order: make(map[string][]string),
	}
}

// Seen reports whether nonce has already been recorded for machineID.
func (h *nonceHistory) Seen(machineID, nonce string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.seen[machineID]
	if !ok {
		return false
	}
	_, exists := set[nonce]
	return exists
}

// Record adds nonce to machineID's history, evicting the oldest
// nonceEvictBatch entries in FIFO order if the set would exceed
// nonceCapacity.
func (h *nonceHistory) Record(machineID, nonce string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.seen[machineID]
	if !ok {
		set = make(map[string]struct{})
		h.seen[machineID] = set
	}
	set[nonce] = struct{}{}
	h.order[machineID] = append(h.order[machineID], nonce)

	if len(set) > nonceCapacity {
		evictCount := nonceEvictBatch
		order := h.order[machineID]
		if evictCount > len(order) {
			evictCount = len(order)
		}
		for _, old := range order[:evictCount] {
			delete(set, old)
		}
		h.order[machineID] = order[evictCount:]
	}
}
