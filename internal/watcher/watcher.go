// Package watcher detects SSH agent-forwarding sockets materialised under
// the system temporary directory, per spec.md §4.4: OS-native filesystem
// notification with a polling fallback, debounced bursts, and a startup
// sweep so pre-existing forwarded sessions are not missed.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/kradalby/agentmux/internal/logger"
)

// DebounceWindow is the fixed hold-off used to coalesce bursts, per
// spec.md §4.4 (target 200ms).
const DebounceWindow = 200 * time.Millisecond

// DefaultPollInterval is the rescan cadence used in polling-fallback mode
// when none is configured: ten debounce windows, per SPEC_FULL.md §4.
const DefaultPollInterval = 2 * time.Second

// classicShape matches the mandatory OpenSSH forwarding socket path:
// <tmp>/ssh-<random>/agent.<pid>.
var classicShape = regexp.MustCompile(`^ssh-[^/]+/agent\.\d+$`)

// EventKind distinguishes the two transitions a WatchEvent can report.
type EventKind int

const (
	Appeared EventKind = iota
	Disappeared
)

// WatchEvent is emitted for every net appearance/disappearance of a
// matching socket path, after debouncing.
type WatchEvent struct {
	Kind EventKind
	Path string
}

// Watcher watches Root for classic-shape agent sockets.
type Watcher struct {
	Root         string
	PollInterval time.Duration

	events chan WatchEvent

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []WatchEvent

	mu          sync.Mutex
	desired     map[string]bool
	lastEmitted map[string]bool
	timers      map[string]*time.Timer

	pollingMu sync.RWMutex
	polling   bool
}

// New returns a Watcher over root whose event delivery is genuinely
// unbounded: producers (the fsnotify pump and the debounce timers) append
// to an ever-growing queue and never block, matching spec.md §4.4/§9's
// rationale for an MPSC channel ("a bounded channel would risk deadlocking
// against the debouncer"). A background pump goroutine drains that queue
// into the channel Events() returns; only the pump itself can be slowed by
// a sluggish consumer, never a producer.
func New(root string) *Watcher {
	w := &Watcher{
		Root:         root,
		PollInterval: DefaultPollInterval,
		events:       make(chan WatchEvent),
		desired:      make(map[string]bool),
		lastEmitted:  make(map[string]bool),
		timers:       make(map[string]*time.Timer),
	}
	w.queueCond = sync.NewCond(&w.queueMu)
	go w.pump()
	return w
}

// Events returns the channel WatchEvents are delivered on.
func (w *Watcher) Events() <-chan WatchEvent { return w.events }

// emit appends ev to the unbounded queue and wakes the pump; it never
// blocks regardless of how far behind the consumer is.
func (w *Watcher) emit(ev WatchEvent) {
	w.queueMu.Lock()
	w.queue = append(w.queue, ev)
	w.queueMu.Unlock()
	w.queueCond.Signal()
}

// pump is the sole goroutine that may block on a slow consumer: it drains
// the unbounded queue one event at a time onto the bounded Events()
// channel, for the lifetime of the process.
func (w *Watcher) pump() {
	for {
		w.queueMu.Lock()
		for len(w.queue) == 0 {
			w.queueCond.Wait()
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.queueMu.Unlock()
		w.events <- ev
	}
}

// Polling reports whether the watcher is running in periodic-rescan
// fallback mode rather than using native filesystem notification.
func (w *Watcher) Polling() bool {
	w.pollingMu.RLock()
	defer w.pollingMu.RUnlock()
	return w.polling
}

func (w *Watcher) setPolling(v bool) {
	w.pollingMu.Lock()
	w.polling = v
	w.pollingMu.Unlock()
}

// Run performs the startup sweep, then watches until ctx is cancelled. It
// downgrades to polling mode (logging a warning) if native notification
// cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	w.sweep()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watcher: native filesystem notification unavailable, falling back to polling", "error", err)
		w.setPolling(true)
		return w.poll(ctx)
	}
	defer fw.Close()

	if err := fw.Add(w.Root); err != nil {
		logger.Warn("watcher: cannot subscribe to temp root, falling back to polling", "root", w.Root, "error", err)
		w.setPolling(true)
		return w.poll(ctx)
	}

	// Watch any ssh-* directories that already exist so Create events for
	// sockets inside them are seen too.
	if err := w.addExistingSubdirs(fw); err != nil {
		logger.Warn("watcher: error enumerating existing subdirectories", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) addExistingSubdirs(fw *fsnotify.Watcher) error {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && isSSHDir(e.Name()) {
			_ = fw.Add(filepath.Join(w.Root, e.Name()))
		}
	}
	return nil
}

func isSSHDir(name string) bool {
	return len(name) > 4 && name[:4] == "ssh-"
}

func (w *Watcher) handleFSEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.Root, ev.Name)
	if err != nil {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() && isSSHDir(filepath.Base(ev.Name)) {
			if addErr := fw.Add(ev.Name); addErr != nil {
				logger.Warn("watcher: failed to subscribe to new ssh directory", "path", ev.Name, "error", addErr)
			}
			// The socket may have been created before we finished adding
			// the watch; sweep this one directory to catch that race.
			w.sweepDir(ev.Name)
			return
		}
	}

	if !classicShape.MatchString(rel) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.setDesired(ev.Name, true)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.setDesired(ev.Name, false)
	}
}

// setDesired records the latest observed intent for path and (re)arms its
// debounce timer.
func (w *Watcher) setDesired(path string, present bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.desired[path] = present
	if t, ok := w.timers[path]; ok {
		t.Reset(DebounceWindow)
		return
	}
	w.timers[path] = time.AfterFunc(DebounceWindow, func() { w.fire(path) })
}

// fire runs after the debounce window: if the path's desired state still
// differs from what was last emitted, it validates (for Appeared) and
// emits exactly one event.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	present := w.desired[path]
	last := w.lastEmitted[path] // never-emitted paths count as absent
	delete(w.timers, path)
	w.mu.Unlock()

	if last == present {
		return // net no-op within the window
	}
	if present && !IsSocket(path) {
		return // matched the name shape but isn't actually a socket
	}

	w.mu.Lock()
	w.lastEmitted[path] = present
	w.mu.Unlock()

	kind := Disappeared
	if present {
		kind = Appeared
	}
	w.emit(WatchEvent{Kind: kind, Path: path})
}

// sweep synchronously enumerates the whole tree and emits Appeared for
// every currently matching socket, before event delivery begins.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		logger.Warn("watcher: startup sweep could not read temp root", "root", w.Root, "error", err)
		return
	}
	if len(entries) == 0 {
		logger.Warn("watcher: temp root appears empty at startup; discovery is enabled but this may indicate the daemon is confined to a private temp namespace", "root", w.Root)
	}
	for _, e := range entries {
		if e.IsDir() && isSSHDir(e.Name()) {
			w.sweepDir(filepath.Join(w.Root, e.Name()))
		}
	}
}

func (w *Watcher) sweepDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		rel, err := filepath.Rel(w.Root, path)
		if err != nil || !classicShape.MatchString(rel) {
			continue
		}
		if !IsSocket(path) {
			continue
		}

		w.mu.Lock()
		already := w.lastEmitted[path]
		w.lastEmitted[path] = true
		w.mu.Unlock()
		if already {
			continue
		}
		w.emit(WatchEvent{Kind: Appeared, Path: path})
	}
}

// Rescan forces an out-of-cycle enumeration of the whole tree, used by the
// control endpoint's "reload" command. It is safe to call repeatedly: only
// net-new sockets produce an event.
func (w *Watcher) Rescan() {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		logger.Warn("watcher: forced rescan could not read temp root", "root", w.Root, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() && isSSHDir(e.Name()) {
			w.sweepDir(filepath.Join(w.Root, e.Name()))
		}
	}
}

// poll is the polling-mode fallback: rescans Root every PollInterval,
// rate-limited so a pathological directory tree cannot busy-loop the
// daemon.
func (w *Watcher) poll(ctx context.Context) error {
	interval := w.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !limiter.Allow() {
				continue
			}
			w.rescan()
		}
	}
}

func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		logger.Warn("watcher: poll rescan failed", "root", w.Root, "error", err)
		return
	}

	current := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() || !isSSHDir(e.Name()) {
			continue
		}
		dir := filepath.Join(w.Root, e.Name())
		sub, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, se := range sub {
			path := filepath.Join(dir, se.Name())
			rel, err := filepath.Rel(w.Root, path)
			if err != nil || !classicShape.MatchString(rel) {
				continue
			}
			if IsSocket(path) {
				current[path] = true
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range current {
		if !w.lastEmitted[path] {
			w.lastEmitted[path] = true
			w.emit(WatchEvent{Kind: Appeared, Path: path})
		}
	}
	for path, present := range w.lastEmitted {
		if present && !current[path] {
			w.lastEmitted[path] = false
			w.emit(WatchEvent{Kind: Disappeared, Path: path})
		}
	}
}

// IsSocket reports whether path exists and is a Unix domain socket.
func IsSocket(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}
