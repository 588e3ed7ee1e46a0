package capacity

import (
	"context"
	"testing"

	"fulcrum-registry/ids"
	"fulcrum-registry/ids/badgerstore"
	"fulcrum-registry/registry"
)

func TestNewEvaluator_CapFallback(t *testing.T) {
	if e := NewEvaluator(0, nil); e.playerCap != DefaultNetworkPlayerCap {
		t.Errorf("cap fallback got=%#v want=%#v", e.playerCap, DefaultNetworkPlayerCap)
	}
	if e := NewEvaluator(-5, nil); e.playerCap != DefaultNetworkPlayerCap {
		t.Errorf("negative cap fallback got=%#v want=%#v", e.playerCap, DefaultNetworkPlayerCap)
	}
	if e := NewEvaluator(250, nil); e.playerCap != 250 {
		t.Errorf("explicit cap got=%#v want=%#v", e.playerCap, 250)
	}
}

func TestEvaluator_TeamCountUsesConfiguredCap(t *testing.T) {
	// Team size 10, no per-slot player limit: the configured network cap
	// drives the derived count.
	s := slot(registry.SlotAvailable, 0, 0, map[string]string{MetaTeamMax: "10"})

	if got := NewEvaluator(200, nil).TeamCount(s); got != 20 {
		t.Errorf("TeamCount(cap=200) got=%#v want=%#v", got, 20)
	}
	if got := NewEvaluator(0, nil).TeamCount(s); got != 10 {
		t.Errorf("TeamCount(default cap) got=%#v want=%#v", got, 10)
	}
}

func TestEvaluator_Admissible(t *testing.T) {
	tracker := NewReservationTracker()
	e := NewEvaluator(100, tracker)

	full := slot(registry.SlotAvailable, 4, 4, nil)
	open := slot(registry.SlotAvailable, 16, 4, nil)
	closing := slot(registry.SlotClosing, 16, 0, nil)

	tests := []struct {
		name    string
		slot    *registry.SlotRecord
		variant string
		want    bool
	}{
		{"open wildcard", open, "", true},
		{"open matching variant", open, "skywars", true},
		{"variant mismatch", open, "bedwars", false},
		{"full", full, "", false},
		{"ineligible status", closing, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Admissible(tt.slot, tt.variant); got != tt.want {
				t.Errorf("Admissible() got=%#v want=%#v", got, tt.want)
			}
		})
	}

	// Pending reservations count against the room.
	tracker.Add(open.ID, "ticket-1", 12)
	if e.Admissible(open, "") {
		t.Error("Admissible() true for slot consumed by pending reservations")
	}
}

func TestEvaluator_OpenSeats(t *testing.T) {
	store, err := badgerstore.NewInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %#v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(ids.NewAllocator(store))
	ctx := context.Background()

	id, err := reg.RegisterServer(ctx, registry.Registration{
		TempID: "srv-aaa", ServerType: "mini", Address: "10.0.0.5", Port: 25565,
	})
	if err != nil {
		t.Fatalf("register: %#v", err)
	}

	updates := []registry.SlotUpdate{
		{SlotID: id + "A", Status: "AVAILABLE", MaxPlayers: 16, OnlinePlayers: 4},
		{SlotID: id + "B", Status: "AVAILABLE"}, // unbounded, excluded from the sum
		{SlotID: id + "C", Status: "CLOSING", MaxPlayers: 16},
	}
	for _, u := range updates {
		if err := reg.ApplySlotUpdate(u); err != nil {
			t.Fatalf("slot update %s: %#v", u.SlotID, err)
		}
	}

	tracker := NewReservationTracker()
	tracker.Add(id+"A", "ticket-1", 2)
	e := NewEvaluator(100, tracker)

	// 16 max - 4 online - 2 pending; unbounded and closing slots contribute 0.
	if got := e.OpenSeats(reg.Servers()); got != 10 {
		t.Errorf("OpenSeats() got=%#v want=%#v", got, 10)
	}
}
