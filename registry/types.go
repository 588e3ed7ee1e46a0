package registry

import (
	"sync"
	"time"
)

// ServerStatus is the lifecycle status of a registered server node.
type ServerStatus string

const (
	ServerStarting    ServerStatus = "STARTING"
	ServerAvailable   ServerStatus = "AVAILABLE"
	ServerUnavailable ServerStatus = "UNAVAILABLE"
	ServerRunning     ServerStatus = "RUNNING"
	ServerStopping    ServerStatus = "STOPPING"
	ServerEvacuating  ServerStatus = "EVACUATING"
	ServerDead        ServerStatus = "DEAD"
)

// ParseServerStatus maps a persisted status string to a ServerStatus.
// Unknown or legacy values fall back to UNAVAILABLE so a stale producer can
// never make a node look admissible.
func ParseServerStatus(s string) ServerStatus {
	switch ServerStatus(s) {
	case ServerStarting, ServerAvailable, ServerUnavailable, ServerRunning, ServerStopping, ServerEvacuating, ServerDead:
		return ServerStatus(s)
	}
	return ServerUnavailable
}

// SlotStatus is the lifecycle status of a single joinable game instance.
type SlotStatus string

const (
	SlotProvisioning SlotStatus = "PROVISIONING"
	SlotAvailable    SlotStatus = "AVAILABLE"
	SlotAllocated    SlotStatus = "ALLOCATED"
	SlotClosing      SlotStatus = "CLOSING"
)

// ParseSlotStatus maps a persisted status string to a SlotStatus. Unknown
// values fall back to PROVISIONING, which is never eligible for admissions.
func ParseSlotStatus(s string) SlotStatus {
	switch SlotStatus(s) {
	case SlotProvisioning, SlotAvailable, SlotAllocated, SlotClosing:
		return SlotStatus(s)
	}
	return SlotProvisioning
}

// SlotRecord is a snapshot of one slot hosted by a server. Registry methods
// hand out copies; mutating a returned record has no effect on the registry.
type SlotRecord struct {
	ID            string
	Suffix        string
	ServerID      string
	Status        SlotStatus
	GameType      string
	MaxPlayers    int
	OnlinePlayers int
	Metadata      map[string]string
	UpdatedAt     time.Time
}

func (s SlotRecord) clone() SlotRecord {
	c := s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// Registration is the internal model of a registration request. It mirrors
// the queue payload but is kept decoupled to avoid import loops.
type Registration struct {
	TempID      string
	ServerType  string
	Role        string
	Address     string
	Port        int
	MaxCapacity int
}

// Heartbeat is the internal model of a node heartbeat.
type Heartbeat struct {
	ServerID    string
	PlayerCount int
	TPS         float64
}

// SlotUpdate is the internal model of a slot-status message.
type SlotUpdate struct {
	SlotID        string
	SlotSuffix    string
	Status        string
	MaxPlayers    int
	OnlinePlayers int
	Metadata      map[string]string
}

// MetaRemoved marks a slot update as a removal: the slot is deleted instead
// of retained with the new data.
const MetaRemoved = "removed"

// ServerRecord is a registered node: identity, declared capacity, lifecycle
// state, its hosted slots, and per-family remaining-slot counters. Identity
// fields are written once at registration (or re-registration) and read
// freely; mutable state is guarded by the record's own lock.
type ServerRecord struct {
	ID          string
	Type        string
	TempID      string
	Role        string
	Address     string
	Port        int
	MaxCapacity int

	mu            sync.RWMutex
	status        ServerStatus
	lastHeartbeat time.Time
	playerCount   int
	tps           float64
	cpu           float64
	memory        float64
	slots         map[string]*SlotRecord
	familyFree    map[string]int
	familyCap     map[string]int
}

func newServerRecord(id string, reg Registration) *ServerRecord {
	return &ServerRecord{
		ID:          id,
		Type:        reg.ServerType,
		TempID:      reg.TempID,
		Role:        reg.Role,
		Address:     reg.Address,
		Port:        reg.Port,
		MaxCapacity: reg.MaxCapacity,
		status:      ServerStarting,
		slots:       make(map[string]*SlotRecord),
		familyFree:  make(map[string]int),
		familyCap:   make(map[string]int),
	}
}

// refresh replaces the identity and capacity fields in place on
// re-registration, preserving the permanent id, and resets the lifecycle to
// STARTING. Slots and family counters are cleared: the node is starting over.
func (r *ServerRecord) refresh(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Role = reg.Role
	r.Address = reg.Address
	r.Port = reg.Port
	r.MaxCapacity = reg.MaxCapacity
	r.status = ServerStarting
	r.slots = make(map[string]*SlotRecord)
	r.familyFree = make(map[string]int)
	r.familyCap = make(map[string]int)
}

// Status returns the node's current lifecycle status.
func (r *ServerRecord) Status() ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus applies a status-change command.
func (r *ServerRecord) SetStatus(s ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// LastHeartbeat returns when the node last reported in.
func (r *ServerRecord) LastHeartbeat() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHeartbeat
}

// PlayerCount returns the node's live player count.
func (r *ServerRecord) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playerCount
}

// TPS returns the node's last reported ticks-per-second gauge.
func (r *ServerRecord) TPS() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tps
}

// SetGauges records CPU and memory utilization gauges.
func (r *ServerRecord) SetGauges(cpu, memory float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cpu = cpu
	r.memory = memory
}

// Gauges returns the last recorded CPU and memory utilization.
func (r *ServerRecord) Gauges() (cpu, memory float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cpu, r.memory
}

// applyHeartbeat updates heartbeat recency and load figures. The first
// heartbeat promotes a STARTING node to RUNNING; the returned flag reports
// whether that promotion happened.
func (r *ServerRecord) applyHeartbeat(hb Heartbeat, now time.Time) (promoted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHeartbeat = now
	r.playerCount = hb.PlayerCount
	r.tps = hb.TPS
	if r.status == ServerStarting {
		r.status = ServerRunning
		return true
	}
	return false
}

// Slot returns a copy of the slot with the given suffix.
func (r *ServerRecord) Slot(suffix string) (SlotRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[suffix]
	if !ok {
		return SlotRecord{}, false
	}
	return s.clone(), true
}

// Slots returns copies of all slots hosted by this server.
func (r *ServerRecord) Slots() []SlotRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SlotRecord, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.clone())
	}
	return out
}

type slotOutcome string

const (
	slotCreated slotOutcome = "created"
	slotUpdated slotOutcome = "updated"
	slotRemoved slotOutcome = "removed"
)

// applySlotUpdate finds or creates the addressed slot and applies the update
// in place. An update whose metadata carries the removal flag deletes the
// slot instead.
func (r *ServerRecord) applySlotUpdate(u SlotUpdate, now time.Time) slotOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Metadata[MetaRemoved] == "true" {
		delete(r.slots, u.SlotSuffix)
		return slotRemoved
	}
	s, ok := r.slots[u.SlotSuffix]
	if !ok {
		s = &SlotRecord{
			ID:       u.SlotID,
			Suffix:   u.SlotSuffix,
			ServerID: r.ID,
			Metadata: make(map[string]string),
		}
		r.slots[u.SlotSuffix] = s
	}
	s.Status = ParseSlotStatus(u.Status)
	s.MaxPlayers = u.MaxPlayers
	s.OnlinePlayers = u.OnlinePlayers
	if u.Metadata != nil {
		// Copy: the caller may reuse its map after we return.
		meta := make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			meta[k] = v
		}
		s.Metadata = meta
	}
	s.UpdatedAt = now
	if ok {
		return slotUpdated
	}
	return slotCreated
}

// SetFamilyCapacities replaces the advertised remaining-slot counters. The
// advertisement also sets the ceiling that ReleaseFamilySlot will not raise
// a counter above.
func (r *ServerRecord) SetFamilyCapacities(capacities map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for family, n := range capacities {
		r.familyFree[family] = n
		r.familyCap[family] = n
	}
}

// ReserveFamilySlot decrements the family's remaining-slot counter if and
// only if it is currently positive, reporting whether the reservation took.
// The check and decrement are one atomic step: of two concurrent attempts
// against a counter of 1, exactly one succeeds.
func (r *ServerRecord) ReserveFamilySlot(family string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.familyFree[family] <= 0 {
		return false
	}
	r.familyFree[family]--
	return true
}

// ReleaseFamilySlot returns a previously reserved family slot. The counter
// is capped at the advertised capacity so an unpaired release cannot inflate
// room beyond what the server ever declared.
func (r *ServerRecord) ReleaseFamilySlot(family string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.familyFree[family] >= r.familyCap[family] {
		return
	}
	r.familyFree[family]++
}

// FamilyFree returns the remaining advertised slot count for a family.
func (r *ServerRecord) FamilyFree(family string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.familyFree[family]
}
