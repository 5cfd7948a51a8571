package proc

import "github.com/haasonsaas/aether/pkg/models"

// logRing is a fixed-capacity ring of log entries. Old entries are
// overwritten once the ring fills.
type logRing struct {
	entries []models.LogEntry
	next    int
	full    bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]models.LogEntry, capacity)}
}

func (r *logRing) append(e models.LogEntry) {
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// tail returns up to n most recent entries, oldest first. n <= 0
// returns everything retained.
func (r *logRing) tail(n int) []models.LogEntry {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.LogEntry, 0, n)
	start := r.next - n
	for i := 0; i < n; i++ {
		idx := (start + i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
