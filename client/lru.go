package client

import "sync"

// recentIDs remembers the last cap message IDs seen, evicting oldest first.
// It backs the pipeline's de-duplication between the poll and push paths.
type recentIDs struct {
	mu    sync.Mutex
	cap   int
	ids   map[string]struct{}
	order []string
}

func newRecentIDs(cap int) *recentIDs {
	if cap <= 0 {
		cap = 1024
	}
	return &recentIDs{cap: cap, ids: make(map[string]struct{})}
}

// add records an ID, reporting true when it was not already present.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}
