// Package roster implements the thread-safe, ordered catalog of upstream
// agent sockets described in spec.md §3/§4.3: configured entries loaded
// from configuration plus watched entries discovered by the filesystem
// watcher, merged under one deterministic ordering.
package roster

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Source distinguishes how an entry entered the roster.
type Source int

const (
	Configured Source = iota
	Watched
)

func (s Source) String() string {
	if s == Configured {
		return "configured"
	}
	return "watched"
}

// Health is the tri-state liveness of a socket entry.
type Health int

const (
	Unknown Health = iota
	Ok
	Failed
)

func (h Health) String() string {
	switch h {
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry represents a single upstream agent socket.
type Entry struct {
	Path    string
	Source  Source
	AddedAt time.Time
	Healthy Health
}

// Roster is the mutable, mutex-guarded set of known upstream sockets.
// Callers must not perform I/O while holding a reference obtained mid-lock;
// use Ordered to take a stable snapshot first.
type Roster struct {
	mu         sync.Mutex
	configured []*Entry // insertion order preserved
	watched    map[string]*Entry
	now        func() time.Time // overridable for deterministic tests
}

// New returns an empty Roster.
func New() *Roster {
	return &Roster{
		watched: make(map[string]*Entry),
		now:     time.Now,
	}
}

// AddWatched inserts path as a Watched entry if unknown, refreshes its
// timestamp if already Watched, and is a no-op if the path is Configured
// (configuration wins, per spec.md §3's invariant).
func (r *Roster) AddWatched(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.configured {
		if e.Path == path {
			return
		}
	}
	r.watched[path] = &Entry{Path: path, Source: Watched, AddedAt: r.now(), Healthy: Unknown}
}

// RemoveWatched erases path only if it is currently a Watched entry.
func (r *Roster) RemoveWatched(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, path)
}

// ReloadConfigured atomically replaces the Configured subset, preserving
// input order and de-duplicating repeated paths by first occurrence. The
// Watched subset is untouched.
func (r *Roster) ReloadConfigured(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(paths))
	next := make([]*Entry, 0, len(paths))
	now := r.now()
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		next = append(next, &Entry{Path: p, Source: Configured, AddedAt: now, Healthy: Unknown})
		// A path that was merely discovered is superseded by configuration.
		delete(r.watched, p)
	}
	r.configured = next
}

// Ordered returns a snapshot in the order defined by spec.md §3: all
// Watched entries, most-recently-added first, followed by all Configured
// entries in configuration order.
func (r *Roster) Ordered() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	watched := make([]*Entry, 0, len(r.watched))
	for _, e := range r.watched {
		watched = append(watched, e)
	}
	sortByAddedAtDesc(watched)

	out := make([]Entry, 0, len(watched)+len(r.configured))
	for _, e := range watched {
		out = append(out, *e)
	}
	for _, e := range r.configured {
		out = append(out, *e)
	}
	return out
}

func sortByAddedAtDesc(entries []*Entry) {
	// Small n (tens at most, per spec.md §5); insertion sort keeps this
	// dependency-free and avoids importing sort for a handful of elements.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].AddedAt.After(entries[j-1].AddedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Validate probes every entry's underlying socket. Watched entries that
// fail are removed; Configured entries that fail are marked Failed but
// retained, since configuration is authoritative per spec.md §4.3.
func (r *Roster) Validate() {
	snapshot := r.Ordered()

	results := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		results[e.Path] = probe(e.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for path, ok := range results {
		if e, found := r.watched[path]; found {
			if ok {
				e.Healthy = Ok
			} else {
				delete(r.watched, path)
			}
			continue
		}
		for _, e := range r.configured {
			if e.Path == path {
				if ok {
					e.Healthy = Ok
				} else {
					e.Healthy = Failed
				}
			}
		}
	}
}

// probe checks that path exists, is a Unix socket, and accepts a
// connect-and-close.
func probe(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return false
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
