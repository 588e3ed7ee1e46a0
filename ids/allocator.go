// Package ids issues the short, contiguous identifiers that double as
// routable addresses for backend servers, proxies, and their slots. All
// allocation state lives in a shared Store so that any number of registry
// instances can allocate concurrently without ever handing out a duplicate.
package ids

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/metrics"
)

// proxyNamespace is the namespace key for proxy identifiers.
const proxyNamespace = "proxy"

// maxSlotSuffixes bounds the per-server slot namespace to the letters A-Z.
const maxSlotSuffixes = 26

// Allocator is a stateless facade over the Store. It owns the id grammar:
// namespaces, prefixes, and the suffix letter domain.
type Allocator struct {
	store Store
}

// NewAllocator returns an allocator backed by store. A nil store is allowed
// (the store connection may come up later); operations fail with
// ErrNotAttached until Attach is called.
func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store}
}

// Attach sets the backing store.
func (a *Allocator) Attach(store Store) {
	a.store = store
}

func (a *Allocator) attached() error {
	if a == nil || a.store == nil {
		return ErrNotAttached
	}
	return nil
}

// AllocateServerID issues the next server id for serverType, preferring the
// lowest released number.
func (a *Allocator) AllocateServerID(ctx context.Context, serverType string) (string, error) {
	if err := a.attached(); err != nil {
		return "", err
	}
	n, err := a.store.Allocate(ctx, serverType, 0)
	if err != nil {
		return "", fmt.Errorf("allocate server id for type %q: %w", serverType, err)
	}
	id := serverType + strconv.Itoa(n)
	metrics.IDAllocationsTotal.WithLabelValues(serverType).Inc()
	log.Debug().Str("serverId", id).Str("serverType", serverType).Msg("ids: allocated server id")
	return id, nil
}

// ReleaseServerID returns a server id's number to its recycle pool and clears
// the server's entire slot-suffix namespace: slot ids are meaningless once
// their owning server is gone. Malformed ids are logged and ignored.
func (a *Allocator) ReleaseServerID(ctx context.Context, id string) error {
	if err := a.attached(); err != nil {
		return err
	}
	serverType, n, ok := splitServerID(id)
	if !ok {
		log.Warn().Str("serverId", id).Msg("ids: release of malformed server id ignored")
		return nil
	}
	if err := a.store.Clear(ctx, id); err != nil {
		return fmt.Errorf("clear slot namespace for %s: %w", id, err)
	}
	if err := a.store.Release(ctx, serverType, n); err != nil {
		return fmt.Errorf("release server id %s: %w", id, err)
	}
	metrics.IDReleasesTotal.WithLabelValues(serverType).Inc()
	log.Debug().Str("serverId", id).Msg("ids: released server id")
	return nil
}

// ClaimServerID removes a known permanent id from its recycle pool so it
// cannot be issued to another node while its former owner reconnects.
// Malformed ids are logged and ignored.
func (a *Allocator) ClaimServerID(ctx context.Context, id string) error {
	if err := a.attached(); err != nil {
		return err
	}
	serverType, n, ok := splitServerID(id)
	if !ok {
		log.Warn().Str("serverId", id).Msg("ids: claim of malformed server id ignored")
		return nil
	}
	claimed, err := a.store.Claim(ctx, serverType, n)
	if err != nil {
		return fmt.Errorf("claim server id %s: %w", id, err)
	}
	log.Debug().Str("serverId", id).Bool("wasRecycled", claimed).Msg("ids: claimed server id")
	return nil
}

// AllocateProxyID issues the next proxy id under the fixed prefix.
func (a *Allocator) AllocateProxyID(ctx context.Context) (string, error) {
	if err := a.attached(); err != nil {
		return "", err
	}
	n, err := a.store.Allocate(ctx, proxyNamespace, 0)
	if err != nil {
		return "", fmt.Errorf("allocate proxy id: %w", err)
	}
	id := ProxyIDPrefix + strconv.Itoa(n)
	metrics.IDAllocationsTotal.WithLabelValues(proxyNamespace).Inc()
	log.Debug().Str("proxyId", id).Msg("ids: allocated proxy id")
	return id, nil
}

// ReleaseProxyID is deliberately a no-op: a proxy's number stays out of
// circulation by default so a reconnecting proxy keeps its address. Use
// ForceReleaseProxyID to actually recycle a number.
func (a *Allocator) ReleaseProxyID(ctx context.Context, id string) error {
	if err := a.attached(); err != nil {
		return err
	}
	log.Debug().Str("proxyId", id).Msg("ids: proxy id retained (release requires force)")
	return nil
}

// ForceReleaseProxyID returns a proxy id's number to the recycle pool. The
// forced flag is recorded in the audit log; operators invoke this only when a
// proxy is known to be permanently gone. Malformed ids are logged and ignored.
func (a *Allocator) ForceReleaseProxyID(ctx context.Context, id string) error {
	if err := a.attached(); err != nil {
		return err
	}
	n, ok := splitProxyID(id)
	if !ok {
		log.Warn().Str("proxyId", id).Msg("ids: force release of malformed proxy id ignored")
		return nil
	}
	if err := a.store.Release(ctx, proxyNamespace, n); err != nil {
		return fmt.Errorf("force release proxy id %s: %w", id, err)
	}
	metrics.IDReleasesTotal.WithLabelValues(proxyNamespace).Inc()
	log.Info().Str("proxyId", id).Bool("forced", true).Msg("ids: proxy id force released")
	return nil
}

// ClaimProxyID removes a known proxy id from the recycle pool (reconnect
// after a force release). Malformed ids are logged and ignored.
func (a *Allocator) ClaimProxyID(ctx context.Context, id string) error {
	if err := a.attached(); err != nil {
		return err
	}
	n, ok := splitProxyID(id)
	if !ok {
		log.Warn().Str("proxyId", id).Msg("ids: claim of malformed proxy id ignored")
		return nil
	}
	claimed, err := a.store.Claim(ctx, proxyNamespace, n)
	if err != nil {
		return fmt.Errorf("claim proxy id %s: %w", id, err)
	}
	log.Debug().Str("proxyId", id).Bool("wasRecycled", claimed).Msg("ids: claimed proxy id")
	return nil
}

// AllocateSlotSuffix issues the next free suffix letter for baseServerID.
// The domain is bounded to A-Z; the 27th outstanding suffix fails with
// ErrExhausted and the owning server must be treated as full.
func (a *Allocator) AllocateSlotSuffix(ctx context.Context, baseServerID string) (string, error) {
	if err := a.attached(); err != nil {
		return "", err
	}
	n, err := a.store.Allocate(ctx, baseServerID, maxSlotSuffixes)
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			return "", fmt.Errorf("slot suffixes for %s: %w", baseServerID, err)
		}
		return "", fmt.Errorf("allocate slot suffix for %s: %w", baseServerID, err)
	}
	suffix := string(rune('A' + n - 1))
	metrics.IDAllocationsTotal.WithLabelValues("slot").Inc()
	log.Debug().Str("serverId", baseServerID).Str("suffix", suffix).Msg("ids: allocated slot suffix")
	return suffix, nil
}

// ReleaseSlotSuffix returns a suffix letter to its server's pool. Malformed
// suffixes are logged and ignored.
func (a *Allocator) ReleaseSlotSuffix(ctx context.Context, baseServerID, suffix string) error {
	if err := a.attached(); err != nil {
		return err
	}
	if len(suffix) != 1 || suffix[0] < 'A' || suffix[0] > 'Z' {
		log.Warn().Str("serverId", baseServerID).Str("suffix", suffix).Msg("ids: release of malformed slot suffix ignored")
		return nil
	}
	n := int(suffix[0]-'A') + 1
	if err := a.store.Release(ctx, baseServerID, n); err != nil {
		return fmt.Errorf("release slot suffix %s%s: %w", baseServerID, suffix, err)
	}
	metrics.IDReleasesTotal.WithLabelValues("slot").Inc()
	return nil
}
