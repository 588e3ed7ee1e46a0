package capacity

import (
	"sync"
	"time"
)

// Reservation represents one admission committed against a slot but not yet
// visible in the slot's own online-player counter.
type Reservation struct {
	TicketID  string
	Players   int
	Timestamp time.Time
}

// ReservationTracker is the pending-occupancy source for RemainingCapacity.
// Since each registry instance admits through its own tracker, reservations
// are stored in memory.
type ReservationTracker struct {
	mu    sync.RWMutex
	slots map[string][]*Reservation // key: slot id
}

// NewReservationTracker creates an empty tracker.
func NewReservationTracker() *ReservationTracker {
	return &ReservationTracker{
		slots: make(map[string][]*Reservation),
	}
}

// Add records a reservation of players seats against a slot.
func (rt *ReservationTracker) Add(slotID, ticketID string, players int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.slots[slotID] = append(rt.slots[slotID], &Reservation{
		TicketID:  ticketID,
		Players:   players,
		Timestamp: time.Now(),
	})
}

// Remove drops a reservation once the slot's own counter reflects it (or the
// admission was abandoned). Reports whether the ticket was found.
func (rt *ReservationTracker) Remove(slotID, ticketID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entries, exists := rt.slots[slotID]
	if !exists {
		return false
	}

	for i, e := range entries {
		if e.TicketID == ticketID {
			rt.slots[slotID] = append(entries[:i], entries[i+1:]...)
			if len(rt.slots[slotID]) == 0 {
				delete(rt.slots, slotID)
			}
			return true
		}
	}

	return false
}

// PendingFor returns the number of seats reserved against a slot.
func (rt *ReservationTracker) PendingFor(slotID string) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, e := range rt.slots[slotID] {
		total += e.Players
	}

	return total
}

// Clear drops all reservations for a slot, used when its owning server is
// destroyed.
func (rt *ReservationTracker) Clear(slotID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.slots, slotID)
}

// Snapshot returns the pending seat count per slot for monitoring.
func (rt *ReservationTracker) Snapshot() map[string]int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	snapshot := make(map[string]int)
	for slotID, entries := range rt.slots {
		total := 0
		for _, e := range entries {
			total += e.Players
		}
		snapshot[slotID] = total
	}

	return snapshot
}
