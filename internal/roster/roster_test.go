package roster

import (
	"testing"
	"time"
)

func TestOrderedWatchedBeforeConfigured(t *testing.T) {
	r := New()
	r.ReloadConfigured([]string{"/u1"})
	r.AddWatched("/w1")
	r.AddWatched("/w2")

	ordered := r.Ordered()
	if len(ordered) != 3 {
		t.Fatalf("len = %d, want 3", len(ordered))
	}
	// Watched entries come first, most-recent first; w2 was added after w1.
	if ordered[0].Path != "/w2" || ordered[1].Path != "/w1" || ordered[2].Path != "/u1" {
		t.Errorf("order = %v", pathsOf(ordered))
	}
}

func TestConfiguredWinsOverWatched(t *testing.T) {
	r := New()
	r.ReloadConfigured([]string{"/shared"})
	r.AddWatched("/shared")

	ordered := r.Ordered()
	if len(ordered) != 1 {
		t.Fatalf("len = %d, want 1 (watched discovery of a configured path must be ignored)", len(ordered))
	}
	if ordered[0].Source != Configured {
		t.Errorf("Source = %v, want Configured", ordered[0].Source)
	}
}

func TestAddWatchedRefreshesTimestamp(t *testing.T) {
	r := New()
	tick := time.Unix(0, 0)
	r.now = func() time.Time { return tick }

	r.AddWatched("/w1")
	first := r.Ordered()[0].AddedAt

	tick = tick.Add(time.Minute)
	r.AddWatched("/w1")
	second := r.Ordered()[0].AddedAt

	if !second.After(first) {
		t.Errorf("re-appearance did not refresh timestamp: first=%v second=%v", first, second)
	}
}

func TestRemoveWatchedNoOpOnConfigured(t *testing.T) {
	r := New()
	r.ReloadConfigured([]string{"/cfg"})
	r.RemoveWatched("/cfg")

	ordered := r.Ordered()
	if len(ordered) != 1 || ordered[0].Path != "/cfg" {
		t.Errorf("RemoveWatched mutated a Configured entry: %v", pathsOf(ordered))
	}
}

func TestReloadConfiguredPreservesWatchedSet(t *testing.T) {
	r := New()
	r.ReloadConfigured([]string{"/u1"})
	r.AddWatched("/w1")

	r.ReloadConfigured([]string{"/u2"})

	ordered := r.Ordered()
	paths := pathsOf(ordered)
	if len(paths) != 2 || paths[0] != "/w1" || paths[1] != "/u2" {
		t.Errorf("after reload, order = %v, want [/w1 /u2]", paths)
	}
}

func TestReloadConfiguredDedupesByFirstOccurrence(t *testing.T) {
	r := New()
	r.ReloadConfigured([]string{"/a", "/b", "/a"})

	paths := pathsOf(r.Ordered())
	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/b" {
		t.Errorf("paths = %v, want [/a /b]", paths)
	}
}

func TestReloadConfiguredPreservesInputOrder(t *testing.T) {
	r := New()
	input := []string{"/c", "/a", "/b"}
	r.ReloadConfigured(input)

	paths := pathsOf(r.Ordered())
	for i, p := range input {
		if paths[i] != p {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], p)
		}
	}
}

func pathsOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
