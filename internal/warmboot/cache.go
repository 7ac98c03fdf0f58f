// Package warmboot holds the hardware host state programmed by a previous
// run of the agent. During startup reconciliation the host table claims
// entries that still match its freshly computed state instead of rewriting
// them, keeping live traffic undisturbed; whatever is left unclaimed is a
// leftover and is scrubbed from hardware afterwards.
package warmboot

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/forward"
	"github.com/fibrelane/asicd/internal/hal"
)

type hostKey struct {
	vrf  hal.VRF
	addr netip.Addr
}

// Option is a function that configures the cache.
type Option func(*Cache)

// WithLog configures the cache with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(m *Cache) {
		m.log = log
	}
}

// Cache is the warm boot cache: a one-shot snapshot of previously programmed
// host records, consumed entry by entry as the table claims them.
type Cache struct {
	log           *zap.SugaredLogger
	hosts         map[hostKey]hal.HostRecord
	claimedEgress map[hal.EgressID]struct{}
}

// New creates an empty cache. A table reconciling against it programs every
// entry fresh, which is the cold boot path.
func New(options ...Option) *Cache {
	m := &Cache{
		log:           zap.NewNop().Sugar(),
		hosts:         map[hostKey]hal.HostRecord{},
		claimedEgress: map[hal.EgressID]struct{}{},
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// LoadFile populates a cache from a snapshot written by a previous run. A
// missing file yields an empty cache; a snapshot larger than maxSize is
// refused.
func LoadFile(path string, maxSize datasize.ByteSize, options ...Option) (*Cache, error) {
	m := New(options...)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		m.log.Infow("no warm boot snapshot, starting cold", zap.String("path", path))
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat warm boot snapshot: %w", err)
	}
	if maxSize > 0 && datasize.ByteSize(info.Size()) > maxSize {
		return nil, fmt.Errorf("warm boot snapshot %q is %s, refusing to load more than %s",
			path, datasize.ByteSize(info.Size()).HR(), maxSize.HR())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read warm boot snapshot: %w", err)
	}

	var snap forward.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse warm boot snapshot %q: %w", path, err)
	}

	for _, host := range snap.Hosts {
		addr, err := netip.ParseAddr(host.IP)
		if err != nil {
			return nil, fmt.Errorf("bad host address %q in warm boot snapshot: %w", host.IP, err)
		}
		key := hostKey{vrf: hal.VRF(host.VRF), addr: addr}
		m.hosts[key] = hal.HostRecord{
			VRF:    hal.VRF(host.VRF),
			Addr:   addr,
			Egress: hal.EgressID(host.EgressID),
			V6:     addr.Is6() && !addr.Is4In6(),
		}
	}

	m.log.Infow("loaded warm boot snapshot",
		zap.String("path", path),
		zap.Int("hosts", len(m.hosts)),
	)
	return m, nil
}

// FindHost looks up the previously programmed record for a key.
func (m *Cache) FindHost(vrf hal.VRF, addr netip.Addr) (hal.HostRecord, bool) {
	rec, ok := m.hosts[hostKey{vrf: vrf, addr: addr}]
	return rec, ok
}

// ClaimHost marks a record consumed: the running table now owns the hardware
// entry, and cleanup passes must leave both it and its egress object alone.
func (m *Cache) ClaimHost(vrf hal.VRF, addr netip.Addr) {
	key := hostKey{vrf: vrf, addr: addr}
	rec, ok := m.hosts[key]
	if !ok {
		return
	}
	if rec.Egress != hal.InvalidEgressID {
		m.claimedEgress[rec.Egress] = struct{}{}
	}
	delete(m.hosts, key)
	m.log.Debugw("claimed warm boot host entry",
		zap.Int32("vrf", int32(vrf)),
		zap.Stringer("addr", addr),
	)
}

// Len returns the number of unclaimed entries.
func (m *Cache) Len() int {
	return len(m.hosts)
}

// Clear deletes every unclaimed host record and its egress objects from
// hardware. It runs after the full state has been reapplied, when anything
// still unclaimed belongs to the previous run only. An egress object shared
// with a claimed entry stays: the running table owns it now.
func (m *Cache) Clear(h hal.HAL) error {
	leftover := map[hal.EgressID]struct{}{}
	for key, rec := range m.hosts {
		if err := h.HostDelete(rec); err != nil {
			return fmt.Errorf("failed to scrub leftover host entry %s: %w", rec.Key(), err)
		}
		if rec.Egress != hal.InvalidEgressID && rec.Egress != h.DropEgressID() {
			leftover[rec.Egress] = struct{}{}
		}
		delete(m.hosts, key)
		m.log.Infow("scrubbed leftover host entry",
			zap.Int32("vrf", int32(rec.VRF)),
			zap.Stringer("addr", rec.Addr),
		)
	}

	for id := range leftover {
		if _, ok := m.claimedEgress[id]; ok {
			continue
		}
		if err := h.DeleteEgress(id); err != nil {
			return fmt.Errorf("failed to scrub leftover egress object %d: %w", id, err)
		}
		m.log.Infow("scrubbed leftover egress object", zap.Int32("egress_id", int32(id)))
	}
	return nil
}
