package orchestrator

import (
	"testing"

	"github.com/itskum47/arenaforge/control_plane/store"
)

func TestRegistryRegisterGetUnregister(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Get("contest-1"); ok {
		t.Fatal("expected no loop registered for an unknown contest")
	}

	s := store.NewMemoryStore()
	loop := NewContestLoop("contest-1", s, nil, nil)
	r.Register("contest-1", loop)

	got, ok := r.Get("contest-1")
	if !ok {
		t.Fatal("expected a loop to be found after Register")
	}
	if got != loop {
		t.Fatal("expected Get to return the exact loop instance that was registered")
	}

	r.Unregister("contest-1")
	if _, ok := r.Get("contest-1"); ok {
		t.Fatal("expected no loop registered after Unregister")
	}
}

func TestRegistryIsolatesContests(t *testing.T) {
	r := NewRegistry()
	s := store.NewMemoryStore()

	loopA := NewContestLoop("contest-a", s, nil, nil)
	loopB := NewContestLoop("contest-b", s, nil, nil)
	r.Register("contest-a", loopA)
	r.Register("contest-b", loopB)

	gotA, ok := r.Get("contest-a")
	if !ok || gotA != loopA {
		t.Fatal("expected contest-a to map to loopA")
	}
	gotB, ok := r.Get("contest-b")
	if !ok || gotB != loopB {
		t.Fatal("expected contest-b to map to loopB")
	}

	r.Unregister("contest-a")
	if _, ok := r.Get("contest-a"); ok {
		t.Fatal("expected contest-a to be gone")
	}
	if _, ok := r.Get("contest-b"); !ok {
		t.Fatal("expected contest-b to remain registered")
	}
}
