// Package registry tracks the fleet: registered backend servers, the slots
// they host, and the proxies in front of them. It owns the per-instance
// record cache and drives the shared identifier allocator; the allocator,
// not this cache, is the cross-instance source of truth for identifiers.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/ids"
	"fulcrum-registry/lifecycle"
	"fulcrum-registry/metrics"
)

// ErrUnknownServer is returned when an operation addresses a server id,
// temporary or permanent, that the registry does not know.
var ErrUnknownServer = fmt.Errorf("registry: unknown server")

// ProxyRecord is a registered edge proxy and its lifecycle machine.
type ProxyRecord struct {
	ID      string
	TempID  string
	Address string
	Machine *lifecycle.Machine
}

// Registry is the server/proxy coordination core. Store round trips
// (identifier allocation and release) always happen outside the registry
// lock.
type Registry struct {
	alloc        *ids.Allocator
	proxyTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*ServerRecord
	proxies map[string]*ProxyRecord
	tempIDs map[string]string
}

// New returns an empty registry driving alloc.
func New(alloc *ids.Allocator) *Registry {
	return &Registry{
		alloc:        alloc,
		proxyTimeout: lifecycle.DefaultRegistrationTimeout,
		servers:      make(map[string]*ServerRecord),
		proxies:      make(map[string]*ProxyRecord),
		tempIDs:      make(map[string]string),
	}
}

// SetProxyRegistrationTimeout overrides the window after which a proxy stuck
// in (re-)registration is automatically failed.
func (r *Registry) SetProxyRegistrationTimeout(d time.Duration) {
	r.proxyTimeout = d
}

// RegisterServer registers a new or returning node and returns its permanent
// id. Retried requests with the same temporary id are idempotent, and a
// request already carrying a permanent id refreshes the existing record in
// place.
func (r *Registry) RegisterServer(ctx context.Context, reg Registration) (string, error) {
	start := time.Now()
	id, err := r.registerServer(ctx, reg)
	metrics.RegistrationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
		return "", err
	}
	return id, nil
}

func (r *Registry) registerServer(ctx context.Context, reg Registration) (string, error) {
	if !ids.IsServerType(reg.ServerType) {
		return "", fmt.Errorf("register %q: %w: %q", reg.TempID, ids.ErrUnknownServerType, reg.ServerType)
	}

	// A permanent-form id means the node believes it is already registered.
	if ids.IsServerID(reg.TempID) {
		r.mu.RLock()
		rec := r.servers[reg.TempID]
		r.mu.RUnlock()
		if rec != nil {
			rec.refresh(reg)
			metrics.RegistrationsTotal.WithLabelValues("reregistered").Inc()
			log.Info().Str("serverId", reg.TempID).Str("address", reg.Address).Msg("registry: server re-registered")
			return reg.TempID, nil
		}
		log.Warn().Str("serverId", reg.TempID).Msg("registry: re-registration for unknown id, treating as new")
	}

	// Idempotent retry: the same temp id maps to the id we already assigned,
	// as long as that record still exists.
	r.mu.Lock()
	if pid, ok := r.tempIDs[reg.TempID]; ok {
		if _, live := r.servers[pid]; live {
			r.mu.Unlock()
			metrics.RegistrationsTotal.WithLabelValues("retried").Inc()
			log.Info().Str("tempId", reg.TempID).Str("serverId", pid).Msg("registry: duplicate registration, returning existing id")
			return pid, nil
		}
		delete(r.tempIDs, reg.TempID) // stale mapping
	}
	r.mu.Unlock()

	id, err := r.alloc.AllocateServerID(ctx, reg.ServerType)
	if err != nil {
		return "", fmt.Errorf("register %q: %w", reg.TempID, err)
	}

	rec := newServerRecord(id, reg)
	r.mu.Lock()
	if _, exists := r.servers[id]; exists {
		r.mu.Unlock()
		// The allocator's atomicity makes this impossible; a hit means the
		// uniqueness invariant is broken and must not be papered over.
		return "", fmt.Errorf("registry: freshly allocated id %s already has a record (allocator invariant violated)", id)
	}
	if pid, ok := r.tempIDs[reg.TempID]; ok {
		if _, live := r.servers[pid]; live {
			// A concurrent retry of the same temp id won the race; keep its
			// record and give our number back.
			r.mu.Unlock()
			if relErr := r.alloc.ReleaseServerID(ctx, id); relErr != nil {
				log.Error().Err(relErr).Str("serverId", id).Msg("registry: failed to release id after lost registration race")
			}
			metrics.RegistrationsTotal.WithLabelValues("retried").Inc()
			return pid, nil
		}
	}
	r.servers[id] = rec
	r.tempIDs[reg.TempID] = id
	r.mu.Unlock()

	metrics.RegistrationsTotal.WithLabelValues("registered").Inc()
	log.Info().
		Str("serverId", id).
		Str("tempId", reg.TempID).
		Str("serverType", reg.ServerType).
		Str("address", reg.Address).
		Int("port", reg.Port).
		Msg("registry: server registered")
	return id, nil
}

// DeregisterServer removes a node and releases its permanent id for reuse.
// This is the only path that frees an identifier for a different future
// node; the release also clears the server's slot-suffix namespace.
func (r *Registry) DeregisterServer(ctx context.Context, id string) error {
	r.mu.Lock()
	rec := r.resolveLocked(id)
	if rec == nil {
		r.mu.Unlock()
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownServer)
	}
	delete(r.servers, rec.ID)
	delete(r.tempIDs, rec.TempID)
	r.mu.Unlock()

	if err := r.alloc.ReleaseServerID(ctx, rec.ID); err != nil {
		return fmt.Errorf("deregister %s: %w", rec.ID, err)
	}
	log.Info().Str("serverId", rec.ID).Msg("registry: server deregistered")
	return nil
}

// GetServer resolves a node by permanent or temporary id.
func (r *Registry) GetServer(id string) (*ServerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.resolveLocked(id)
	return rec, rec != nil
}

func (r *Registry) resolveLocked(id string) *ServerRecord {
	if rec, ok := r.servers[id]; ok {
		return rec
	}
	if pid, ok := r.tempIDs[id]; ok {
		return r.servers[pid]
	}
	return nil
}

// Servers returns the current server records.
func (r *Registry) Servers() []*ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerRecord, 0, len(r.servers))
	for _, rec := range r.servers {
		out = append(out, rec)
	}
	return out
}

// ApplyHeartbeat updates a node's recency and load figures. The first
// heartbeat promotes the node from STARTING to RUNNING.
func (r *Registry) ApplyHeartbeat(hb Heartbeat) error {
	rec, ok := r.GetServer(hb.ServerID)
	if !ok {
		return fmt.Errorf("heartbeat for %s: %w", hb.ServerID, ErrUnknownServer)
	}
	if promoted := rec.applyHeartbeat(hb, time.Now()); promoted {
		log.Info().Str("serverId", rec.ID).Msg("registry: first heartbeat, server now RUNNING")
	}
	metrics.HeartbeatsTotal.Inc()
	return nil
}

// ApplySlotUpdate finds or creates the addressed slot and applies the
// incoming status, occupancy, and metadata. Updates flagged as removals
// delete the slot instead.
func (r *Registry) ApplySlotUpdate(u SlotUpdate) error {
	serverID := ids.BaseServerID(u.SlotID)
	if u.SlotSuffix == "" {
		u.SlotSuffix = ids.SlotSuffix(u.SlotID)
	}
	rec, ok := r.GetServer(serverID)
	if !ok {
		return fmt.Errorf("slot update for %s: %w", u.SlotID, ErrUnknownServer)
	}
	outcome := rec.applySlotUpdate(u, time.Now())
	metrics.SlotUpdatesTotal.WithLabelValues(string(outcome)).Inc()
	log.Debug().Str("slotId", u.SlotID).Str("outcome", string(outcome)).Msg("registry: slot update applied")
	return nil
}

// ApplyFamilyCapacities applies a server's per-family remaining-slot
// advertisement.
func (r *Registry) ApplyFamilyCapacities(serverID string, capacities map[string]int) error {
	rec, ok := r.GetServer(serverID)
	if !ok {
		return fmt.Errorf("family capacities for %s: %w", serverID, ErrUnknownServer)
	}
	rec.SetFamilyCapacities(capacities)
	return nil
}

// ReserveFamilySlot claims one slot of the server's family counter the
// instant an admission decision is made, before the next heartbeat would
// reflect it.
func (r *Registry) ReserveFamilySlot(serverID, family string) (bool, error) {
	rec, ok := r.GetServer(serverID)
	if !ok {
		return false, fmt.Errorf("reserve family slot on %s: %w", serverID, ErrUnknownServer)
	}
	reserved := rec.ReserveFamilySlot(family)
	if reserved {
		metrics.FamilyReservationsTotal.WithLabelValues("reserved").Inc()
	} else {
		metrics.FamilyReservationsTotal.WithLabelValues("rejected").Inc()
	}
	return reserved, nil
}

// ReleaseFamilySlot returns a reserved family slot.
func (r *Registry) ReleaseFamilySlot(serverID, family string) error {
	rec, ok := r.GetServer(serverID)
	if !ok {
		return fmt.Errorf("release family slot on %s: %w", serverID, ErrUnknownServer)
	}
	rec.ReleaseFamilySlot(family)
	return nil
}

// HandleNodeTimeout reacts to the heartbeat monitor declaring a node dead:
// the record is marked DEAD and then destroyed like an explicit
// deregistration, freeing its identifier.
func (r *Registry) HandleNodeTimeout(ctx context.Context, serverID string) error {
	rec, ok := r.GetServer(serverID)
	if !ok {
		return fmt.Errorf("node timeout for %s: %w", serverID, ErrUnknownServer)
	}
	rec.SetStatus(ServerDead)
	log.Warn().Str("serverId", rec.ID).Msg("registry: node timed out, declaring dead")
	return r.DeregisterServer(ctx, rec.ID)
}

// RegisterProxy registers a new or reconnecting proxy and returns its
// permanent id. A reconnecting proxy presents its known permanent id, which
// is claimed back from the recycle pool so it cannot be handed to anyone
// else mid-reconnect.
func (r *Registry) RegisterProxy(ctx context.Context, tempID, address string) (string, error) {
	if ids.IsProxyID(tempID) {
		r.mu.RLock()
		rec := r.proxies[tempID]
		r.mu.RUnlock()
		if rec != nil {
			// A machine parked in FAILED or UNREGISTERED retries through
			// REGISTERING; only live states re-register.
			target := lifecycle.ReRegistering
			if st := rec.Machine.State(); st == lifecycle.Failed || st == lifecycle.Unregistered {
				target = lifecycle.Registering
			}
			if !rec.Machine.TransitionTo(target, "proxy reconnect", nil) {
				return "", fmt.Errorf("register proxy %s: illegal state %s for reconnect", tempID, rec.Machine.State())
			}
			if err := r.alloc.ClaimProxyID(ctx, tempID); err != nil {
				rec.Machine.TransitionTo(lifecycle.Failed, "id claim failed", err)
				return "", fmt.Errorf("register proxy %s: %w", tempID, err)
			}
			rec.Address = address
			rec.Machine.TransitionTo(lifecycle.Registered, "proxy re-registered", nil)
			log.Info().Str("proxyId", tempID).Str("address", address).Msg("registry: proxy re-registered")
			return tempID, nil
		}
		log.Warn().Str("proxyId", tempID).Msg("registry: reconnect for unknown proxy id, treating as new")
	}

	id, err := r.alloc.AllocateProxyID(ctx)
	if err != nil {
		return "", fmt.Errorf("register proxy %q: %w", tempID, err)
	}

	rec := &ProxyRecord{
		ID:      id,
		TempID:  tempID,
		Address: address,
		Machine: lifecycle.NewMachineWithTimeout(id, r.proxyTimeout),
	}
	rec.Machine.TransitionTo(lifecycle.Registering, "registration request", nil)
	rec.Machine.TransitionTo(lifecycle.Registered, "registration complete", nil)

	r.mu.Lock()
	r.proxies[id] = rec
	r.mu.Unlock()

	log.Info().Str("proxyId", id).Str("tempId", tempID).Str("address", address).Msg("registry: proxy registered")
	return id, nil
}

// DeregisterProxy removes a proxy. By default its identifier number is
// retained so a later reconnect keeps the same address; forceRelease opts in
// to recycling the number, recorded for audit.
func (r *Registry) DeregisterProxy(ctx context.Context, id string, forceRelease bool) error {
	r.mu.Lock()
	rec := r.proxies[id]
	delete(r.proxies, id)
	r.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("deregister proxy %s: unknown proxy", id)
	}

	rec.Machine.TransitionTo(lifecycle.Deregistering, "deregistration request", nil)
	rec.Machine.TransitionTo(lifecycle.Unregistered, "deregistration complete", nil)
	rec.Machine.Close()

	var err error
	if forceRelease {
		err = r.alloc.ForceReleaseProxyID(ctx, id)
	} else {
		err = r.alloc.ReleaseProxyID(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("deregister proxy %s: %w", id, err)
	}
	log.Info().Str("proxyId", id).Bool("forceRelease", forceRelease).Msg("registry: proxy deregistered")
	return nil
}

// MarkProxyDisconnected records a transport-level disconnect of a
// registered proxy.
func (r *Registry) MarkProxyDisconnected(id, reason string) bool {
	r.mu.RLock()
	rec := r.proxies[id]
	r.mu.RUnlock()
	if rec == nil {
		return false
	}
	return rec.Machine.TransitionTo(lifecycle.Disconnected, reason, nil)
}

// GetProxy resolves a proxy record by id.
func (r *Registry) GetProxy(id string) (*ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.proxies[id]
	return rec, ok
}
