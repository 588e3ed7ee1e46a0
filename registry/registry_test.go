package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"fulcrum-registry/ids"
	"fulcrum-registry/ids/badgerstore"
	"fulcrum-registry/lifecycle"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := badgerstore.NewInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %#v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(ids.NewAllocator(store))
}

func miniRegistration(tempID string) Registration {
	return Registration{
		TempID:      tempID,
		ServerType:  "mini",
		Role:        "game",
		Address:     "10.0.0.5",
		Port:        25565,
		MaxCapacity: 64,
	}
}

func TestRegistry_RegisterServer(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err != nil {
		t.Fatalf("register: %#v", err)
	}
	if id != "mini1" {
		t.Errorf("first id got=%#v want=%#v", id, "mini1")
	}

	rec, ok := r.GetServer(id)
	if !ok {
		t.Fatal("record not found by permanent id")
	}
	if rec.Status() != ServerStarting {
		t.Errorf("new server status got=%#v want=%#v", rec.Status(), ServerStarting)
	}

	// Resolvable by temp id too.
	if byTemp, ok := r.GetServer("srv-aaa"); !ok || byTemp.ID != id {
		t.Errorf("lookup by temp id got=%#v ok=%#v", byTemp, ok)
	}
}

func TestRegistry_RegisterIdempotentRetry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err != nil {
		t.Fatalf("register: %#v", err)
	}
	second, err := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err != nil {
		t.Fatalf("retry register: %#v", err)
	}
	if first != second {
		t.Errorf("retry returned different id: first=%#v second=%#v", first, second)
	}
	if n := len(r.Servers()); n != 1 {
		t.Errorf("server record count got=%#v want=1", n)
	}
}

func TestRegistry_ReRegistration(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	rec, _ := r.GetServer(id)
	rec.SetStatus(ServerRunning)

	// The node comes back presenting its permanent id and a new address.
	reg := miniRegistration(id)
	reg.Address = "10.0.0.9"
	got, err := r.RegisterServer(ctx, reg)
	if err != nil {
		t.Fatalf("re-register: %#v", err)
	}
	if got != id {
		t.Errorf("re-registration id got=%#v want=%#v", got, id)
	}

	rec, _ = r.GetServer(id)
	if rec.Address != "10.0.0.9" {
		t.Errorf("address not refreshed: got=%#v", rec.Address)
	}
	if rec.Status() != ServerStarting {
		t.Errorf("status after re-registration got=%#v want=%#v", rec.Status(), ServerStarting)
	}
	if n := len(r.Servers()); n != 1 {
		t.Errorf("server record count got=%#v want=1", n)
	}
}

func TestRegistry_ReRegistrationUnknownIDTreatedAsNew(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// Permanent-form id with no record behind it: stale client. Registered
	// as new rather than rejected.
	id, err := r.RegisterServer(ctx, miniRegistration("mini7"))
	if err != nil {
		t.Fatalf("register: %#v", err)
	}
	if id != "mini1" {
		t.Errorf("stale re-registration got=%#v want fresh id %#v", id, "mini1")
	}
}

func TestRegistry_DeregisterReleasesID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err := r.DeregisterServer(ctx, id); err != nil {
		t.Fatalf("deregister: %#v", err)
	}

	if _, ok := r.GetServer(id); ok {
		t.Error("record still resolvable after deregistration")
	}
	if _, ok := r.GetServer("srv-aaa"); ok {
		t.Error("temp id still resolvable after deregistration")
	}

	// The freed number is the next one issued.
	next, err := r.RegisterServer(ctx, miniRegistration("srv-bbb"))
	if err != nil {
		t.Fatalf("register after deregister: %#v", err)
	}
	if next != id {
		t.Errorf("id after deregistration got=%#v want reused %#v", next, id)
	}
}

func TestRegistry_DeregisterUnknown(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.DeregisterServer(context.Background(), "mini9"); err == nil {
		t.Error("deregister of unknown server got nil error")
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err := r.ApplyHeartbeat(Heartbeat{ServerID: id, PlayerCount: 17, TPS: 19.8}); err != nil {
		t.Fatalf("heartbeat: %#v", err)
	}

	rec, _ := r.GetServer(id)
	if rec.Status() != ServerRunning {
		t.Errorf("status after first heartbeat got=%#v want=%#v", rec.Status(), ServerRunning)
	}
	if rec.PlayerCount() != 17 {
		t.Errorf("player count got=%#v want=17", rec.PlayerCount())
	}
	if rec.TPS() != 19.8 {
		t.Errorf("tps got=%#v want=19.8", rec.TPS())
	}
	if rec.LastHeartbeat().IsZero() {
		t.Error("last heartbeat not recorded")
	}

	// Later heartbeats do not demote or re-promote.
	rec.SetStatus(ServerEvacuating)
	_ = r.ApplyHeartbeat(Heartbeat{ServerID: id, PlayerCount: 3, TPS: 20})
	if rec.Status() != ServerEvacuating {
		t.Errorf("status after later heartbeat got=%#v want=%#v", rec.Status(), ServerEvacuating)
	}
}

func TestRegistry_SlotUpdates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))

	update := SlotUpdate{
		SlotID:        id + "B",
		SlotSuffix:    "B",
		Status:        "AVAILABLE",
		MaxPlayers:    16,
		OnlinePlayers: 4,
		Metadata:      map[string]string{"variant": "solo"},
	}
	if err := r.ApplySlotUpdate(update); err != nil {
		t.Fatalf("slot update: %#v", err)
	}

	rec, _ := r.GetServer(id)
	slot, ok := rec.Slot("B")
	if !ok {
		t.Fatal("slot not created")
	}
	if slot.Status != SlotAvailable || slot.MaxPlayers != 16 || slot.OnlinePlayers != 4 {
		t.Errorf("slot state got=%#v", slot)
	}
	if slot.ServerID != id {
		t.Errorf("slot owner got=%#v want=%#v", slot.ServerID, id)
	}

	// In-place update.
	update.OnlinePlayers = 9
	update.Status = "ALLOCATED"
	if err := r.ApplySlotUpdate(update); err != nil {
		t.Fatalf("second slot update: %#v", err)
	}
	slot, _ = rec.Slot("B")
	if slot.Status != SlotAllocated || slot.OnlinePlayers != 9 {
		t.Errorf("updated slot state got=%#v", slot)
	}
	if n := len(rec.Slots()); n != 1 {
		t.Errorf("slot count got=%#v want=1", n)
	}

	// The removal flag deletes the slot instead of retaining the data.
	update.Metadata = map[string]string{MetaRemoved: "true"}
	if err := r.ApplySlotUpdate(update); err != nil {
		t.Fatalf("removal update: %#v", err)
	}
	if _, ok := rec.Slot("B"); ok {
		t.Error("slot still present after removal update")
	}
}

func TestRegistry_SlotUpdateSuffixFromSlotID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	// No explicit suffix: derived from the slot id.
	if err := r.ApplySlotUpdate(SlotUpdate{SlotID: id + "C", Status: "AVAILABLE", MaxPlayers: 8}); err != nil {
		t.Fatalf("slot update: %#v", err)
	}
	rec, _ := r.GetServer(id)
	if _, ok := rec.Slot("C"); !ok {
		t.Error("slot suffix not derived from slot id")
	}
}

func TestRegistry_UnknownSlotStatusFallsBack(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err := r.ApplySlotUpdate(SlotUpdate{SlotID: id + "A", SlotSuffix: "A", Status: "SOMETHING_NEW"}); err != nil {
		t.Fatalf("slot update: %#v", err)
	}
	rec, _ := r.GetServer(id)
	slot, _ := rec.Slot("A")
	if slot.Status != SlotProvisioning {
		t.Errorf("unknown status fallback got=%#v want=%#v", slot.Status, SlotProvisioning)
	}
}

func TestRegistry_FamilyReservation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err := r.ApplyFamilyCapacities(id, map[string]int{"skywars": 1}); err != nil {
		t.Fatalf("family capacities: %#v", err)
	}

	// Two concurrent attempts against a counter of 1: exactly one wins.
	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ReserveFamilySlot(id, "skywars")
			if err != nil {
				t.Errorf("reserve: %#v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent reservations won=%#v want=1", wins)
	}

	// Release restores the counter to 1.
	if err := r.ReleaseFamilySlot(id, "skywars"); err != nil {
		t.Fatalf("release: %#v", err)
	}
	rec, _ := r.GetServer(id)
	if free := rec.FamilyFree("skywars"); free != 1 {
		t.Errorf("family free after release got=%#v want=1", free)
	}

	// An unpaired release cannot raise the counter past the advertisement.
	_ = r.ReleaseFamilySlot(id, "skywars")
	if free := rec.FamilyFree("skywars"); free != 1 {
		t.Errorf("family free after unpaired release got=%#v want=1", free)
	}
}

func TestRegistry_NodeTimeout(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err := r.HandleNodeTimeout(ctx, id); err != nil {
		t.Fatalf("node timeout: %#v", err)
	}
	if _, ok := r.GetServer(id); ok {
		t.Error("record still present after node timeout")
	}

	// The id was released.
	next, _ := r.RegisterServer(ctx, miniRegistration("srv-bbb"))
	if next != id {
		t.Errorf("id after timeout got=%#v want reused %#v", next, id)
	}
}

func TestRegistry_ProxyLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterProxy(ctx, "proxy-temp-1", "10.0.1.2")
	if err != nil {
		t.Fatalf("register proxy: %#v", err)
	}
	if !strings.HasPrefix(id, ids.ProxyIDPrefix) {
		t.Errorf("proxy id %#v missing prefix %#v", id, ids.ProxyIDPrefix)
	}

	rec, ok := r.GetProxy(id)
	if !ok {
		t.Fatal("proxy record not found")
	}
	if rec.Machine.State() != lifecycle.Registered {
		t.Errorf("proxy state got=%#v want=%#v", rec.Machine.State(), lifecycle.Registered)
	}

	if !r.MarkProxyDisconnected(id, "transport closed") {
		t.Error("disconnect transition rejected")
	}
	if rec.Machine.State() != lifecycle.Disconnected {
		t.Errorf("proxy state got=%#v want=%#v", rec.Machine.State(), lifecycle.Disconnected)
	}

	// Reconnect with the known permanent id keeps it.
	got, err := r.RegisterProxy(ctx, id, "10.0.1.3")
	if err != nil {
		t.Fatalf("reconnect: %#v", err)
	}
	if got != id {
		t.Errorf("reconnect id got=%#v want=%#v", got, id)
	}
	if rec.Machine.State() != lifecycle.Registered {
		t.Errorf("proxy state after reconnect got=%#v want=%#v", rec.Machine.State(), lifecycle.Registered)
	}
	if rec.Address != "10.0.1.3" {
		t.Errorf("proxy address not refreshed: got=%#v", rec.Address)
	}
}

func TestRegistry_ProxyDeregisterRetainsNumber(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, _ := r.RegisterProxy(ctx, "proxy-temp-1", "10.0.1.2")
	if err := r.DeregisterProxy(ctx, id, false); err != nil {
		t.Fatalf("deregister proxy: %#v", err)
	}

	// Default policy retains the number.
	next, _ := r.RegisterProxy(ctx, "proxy-temp-2", "10.0.1.4")
	if next == id {
		t.Errorf("retained proxy number %#v was reissued", id)
	}

	// Force release recycles it.
	if err := r.DeregisterProxy(ctx, next, true); err != nil {
		t.Fatalf("force deregister proxy: %#v", err)
	}
	reused, _ := r.RegisterProxy(ctx, "proxy-temp-3", "10.0.1.5")
	if reused != next {
		t.Errorf("force released proxy id got=%#v want reused %#v", reused, next)
	}
}

func TestRegistry_RegisterUnknownServerType(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	reg := miniRegistration("srv-aaa")
	reg.ServerType = "giant"
	if _, err := r.RegisterServer(ctx, reg); !errors.Is(err, ids.ErrUnknownServerType) {
		t.Fatalf("register with unknown type: got err=%#v want ErrUnknownServerType", err)
	}
	if got := len(r.Servers()); got != 0 {
		t.Errorf("rejected registration left %d records", got)
	}

	// The rejection must not have touched any namespace: a valid registration
	// still starts the sequence at 1.
	id, err := r.RegisterServer(ctx, miniRegistration("srv-bbb"))
	if err != nil {
		t.Fatalf("register: %#v", err)
	}
	if id != "mini1" {
		t.Errorf("first valid id got=%#v want=%#v", id, "mini1")
	}
}

func TestRegistry_ProxyReconnectAfterFailure(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterProxy(ctx, "proxy-temp-1", "10.0.1.2")
	if err != nil {
		t.Fatalf("register proxy: %#v", err)
	}
	rec, ok := r.GetProxy(id)
	if !ok {
		t.Fatal("proxy record not found")
	}

	// Drive the machine into FAILED through a disconnect.
	if !r.MarkProxyDisconnected(id, "transport closed") {
		t.Fatal("disconnect transition rejected")
	}
	if !rec.Machine.TransitionTo(lifecycle.Failed, "reconnect window expired", nil) {
		t.Fatal("fail transition rejected")
	}

	// A failed proxy retries from scratch and must be let back in.
	got, err := r.RegisterProxy(ctx, id, "10.0.1.9")
	if err != nil {
		t.Fatalf("reconnect after failure: %#v", err)
	}
	if got != id {
		t.Errorf("reconnect id got=%#v want=%#v", got, id)
	}
	if rec.Machine.State() != lifecycle.Registered {
		t.Errorf("proxy state after reconnect got=%#v want=%#v", rec.Machine.State(), lifecycle.Registered)
	}
}

func TestRegistry_SlotMetadataCopiedOnWrite(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterServer(ctx, miniRegistration("srv-aaa"))
	if err != nil {
		t.Fatalf("register: %#v", err)
	}

	meta := map[string]string{"variant": "duos"}
	if err := r.ApplySlotUpdate(SlotUpdate{
		SlotID:     id + "A",
		Status:     "AVAILABLE",
		MaxPlayers: 16,
		Metadata:   meta,
	}); err != nil {
		t.Fatalf("slot update: %#v", err)
	}

	// The caller reusing its map must not reach into the record.
	meta["variant"] = "solos"
	rec, _ := r.GetServer(id)
	slot, ok := rec.Slot("A")
	if !ok {
		t.Fatal("slot not found")
	}
	if got := slot.Metadata["variant"]; got != "duos" {
		t.Errorf("slot metadata aliased caller map: got=%#v want=%#v", got, "duos")
	}
}

func TestParseServerStatus(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ServerStatus
	}{
		{"known", "RUNNING", ServerRunning},
		{"known dead", "DEAD", ServerDead},
		{"unknown falls back", "EXPLODED", ServerUnavailable},
		{"empty falls back", "", ServerUnavailable},
		{"lowercase is unknown", "running", ServerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseServerStatus(tt.in); got != tt.want {
				t.Errorf("ParseServerStatus(%q) got=%#v want=%#v", tt.in, got, tt.want)
			}
		})
	}
}
