package capacity

import (
	"testing"

	"fulcrum-registry/registry"
)

func TestNewReservationTracker(t *testing.T) {
	rt := NewReservationTracker()
	if rt == nil {
		t.Fatal("NewReservationTracker() returned nil")
	}
	if rt.slots == nil {
		t.Error("slots map not initialized")
	}
}

func TestReservationTracker_AddAndPending(t *testing.T) {
	rt := NewReservationTracker()

	rt.Add("mini1A", "ticket1", 2)
	rt.Add("mini1A", "ticket2", 1)
	rt.Add("mini2B", "ticket3", 4)

	if got := rt.PendingFor("mini1A"); got != 3 {
		t.Errorf("PendingFor(mini1A) got=%#v want=3", got)
	}
	if got := rt.PendingFor("mini2B"); got != 4 {
		t.Errorf("PendingFor(mini2B) got=%#v want=4", got)
	}
	if got := rt.PendingFor("mini9Z"); got != 0 {
		t.Errorf("PendingFor(unknown) got=%#v want=0", got)
	}
}

func TestReservationTracker_Remove(t *testing.T) {
	rt := NewReservationTracker()

	rt.Add("mini1A", "ticket1", 2)
	rt.Add("mini1A", "ticket2", 1)

	if !rt.Remove("mini1A", "ticket1") {
		t.Error("Remove() of known ticket returned false")
	}
	if got := rt.PendingFor("mini1A"); got != 1 {
		t.Errorf("PendingFor after remove got=%#v want=1", got)
	}

	if rt.Remove("mini1A", "nonexistent") {
		t.Error("Remove() of unknown ticket returned true")
	}
	if rt.Remove("mini9Z", "ticket1") {
		t.Error("Remove() on unknown slot returned true")
	}
}

func TestReservationTracker_Clear(t *testing.T) {
	rt := NewReservationTracker()

	rt.Add("mini1A", "ticket1", 2)
	rt.Add("mini1B", "ticket2", 2)
	rt.Clear("mini1A")

	if got := rt.PendingFor("mini1A"); got != 0 {
		t.Errorf("PendingFor after clear got=%#v want=0", got)
	}
	if got := rt.PendingFor("mini1B"); got != 2 {
		t.Errorf("PendingFor on other slot got=%#v want=2", got)
	}
}

func TestReservationTracker_Snapshot(t *testing.T) {
	rt := NewReservationTracker()

	rt.Add("mini1A", "ticket1", 2)
	rt.Add("mini1A", "ticket2", 3)
	rt.Add("mini2B", "ticket3", 1)

	snapshot := rt.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size got=%#v want=2", len(snapshot))
	}
	if snapshot["mini1A"] != 5 || snapshot["mini2B"] != 1 {
		t.Errorf("snapshot mismatch: %#v", snapshot)
	}
}

func TestReservationTracker_FeedsRemainingCapacity(t *testing.T) {
	rt := NewReservationTracker()
	s := &registry.SlotRecord{
		ID:            "mini1A",
		Status:        registry.SlotAvailable,
		MaxPlayers:    16,
		OnlinePlayers: 10,
		Metadata:      map[string]string{},
	}

	rt.Add(s.ID, "ticket1", 3)
	if got := RemainingCapacity(s, rt); got != 3 {
		t.Errorf("RemainingCapacity with tracker got=%#v want=3", got)
	}

	rt.Remove(s.ID, "ticket1")
	if got := RemainingCapacity(s, rt); got != 6 {
		t.Errorf("RemainingCapacity after remove got=%#v want=6", got)
	}
}
