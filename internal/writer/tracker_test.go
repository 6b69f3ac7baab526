package writer

import (
	"testing"
	"time"
)

func TestTracker(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr := newTracker(time.Minute)

	if !tr.claim("dev-1", start) {
		t.Fatal("first claim refused")
	}
	if tr.claim("dev-1", start.Add(30*time.Second)) {
		t.Error("claim within ttl accepted")
	}
	if !tr.active("dev-1", start.Add(59*time.Second)) {
		t.Error("entry expired early")
	}
	if tr.active("dev-1", start.Add(time.Minute)) {
		t.Error("entry outlived ttl")
	}
	if !tr.claim("dev-1", start.Add(time.Minute)) {
		t.Error("claim after ttl refused")
	}

	tr.claim("dev-2", start)
	tr.prune(start.Add(90 * time.Second))
	if got := tr.len(); got != 1 {
		t.Errorf("len after prune = %d, want 1", got)
	}

	tr.mark("dev-1", start.Add(2*time.Minute))
	if !tr.active("dev-1", start.Add(2*time.Minute+30*time.Second)) {
		t.Error("mark did not refresh the entry")
	}

	tr.forget("dev-1")
	if got := tr.len(); got != 0 {
		t.Errorf("len after forget = %d, want 0", got)
	}
}
