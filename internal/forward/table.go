// Package forward manages the reference-counted hardware forwarding
// resources of one switch ASIC unit: L3 host adjacency entries, simple and
// ECMP egress objects, and the port index used for link-state fanout.
//
// The package does no internal locking: all mutation is expected to happen on
// the single logical thread that serializes state application and link events
// for the agent.
package forward

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/hal"
)

// WarmBootCache supplies the hardware state programmed by a previous run of
// the agent, so that matching entries are adopted instead of rewritten.
type WarmBootCache interface {
	// FindHost looks up the previously programmed record for a key.
	FindHost(vrf hal.VRF, addr netip.Addr) (hal.HostRecord, bool)
	// ClaimHost marks a looked-up record consumed, so later cleanup passes
	// do not mistake it for a leftover.
	ClaimHost(vrf hal.VRF, addr netip.Addr)
}

type noWarmBoot struct{}

func (noWarmBoot) FindHost(hal.VRF, netip.Addr) (hal.HostRecord, bool) { return hal.HostRecord{}, false }
func (noWarmBoot) ClaimHost(hal.VRF, netip.Addr)                       {}

// Option is a function that configures the table.
type Option func(*Table)

// WithLog configures the table with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(m *Table) {
		m.log = log
	}
}

// WithWarmBootCache configures the table with the warm boot state of a
// previous run.
func WithWarmBootCache(wb WarmBootCache) Option {
	return func(m *Table) {
		m.warmBoot = wb
	}
}

type refEntry[V any] struct {
	value V
	refs  int
}

// Table is the top-level registry of forwarding resources for one ASIC unit.
//
// It owns three reference-counted maps (hosts, ECMP groups, egress objects)
// plus the port index, and is the only mutation entry point for all of them.
type Table struct {
	h        hal.HAL
	log      *zap.SugaredLogger
	warmBoot WarmBootCache

	hosts     map[HostKey]*refEntry[*Host]
	ecmpHosts map[EcmpKey]*refEntry[*EcmpHost]
	egress    *egressPool
	portIndex map[hal.PortID]map[hal.EgressID]struct{}
}

// NewTable creates an empty host table bound to one ASIC unit.
func NewTable(h hal.HAL, options ...Option) *Table {
	m := &Table{
		h:         h,
		log:       zap.NewNop().Sugar(),
		warmBoot:  noWarmBoot{},
		hosts:     map[HostKey]*refEntry[*Host]{},
		ecmpHosts: map[EcmpKey]*refEntry[*EcmpHost]{},
		portIndex: map[hal.PortID]map[hal.EgressID]struct{}{},
	}
	for _, o := range options {
		o(m)
	}
	m.egress = newEgressPool(m.log)
	return m
}

// incRefOrCreate is the shared get-or-create shape: an existing entry gains a
// reference, a missing one is constructed at reference count 1. Construction
// failure leaves the map untouched.
func incRefOrCreate[K comparable, V any](entries map[K]*refEntry[V], key K, construct func() (V, error)) (V, error) {
	if entry, ok := entries[key]; ok {
		entry.refs++
		return entry.value, nil
	}
	value, err := construct()
	if err != nil {
		var zero V
		return zero, err
	}
	entries[key] = &refEntry[V]{value: value, refs: 1}
	return value, nil
}

// deref decrements an entry's reference count; at zero the entry is erased
// and destroyed. Reports whether the entry was removed.
func deref[K comparable, V any](entries map[K]*refEntry[V], key K, destroy func(V) error) (bool, error) {
	entry, ok := entries[key]
	if !ok {
		return false, invariantf("dereference of unknown entry %v", key)
	}
	if entry.refs <= 0 {
		return false, invariantf("reference count underflow for entry %v", key)
	}
	entry.refs--
	if entry.refs > 0 {
		return false, nil
	}
	delete(entries, key)
	if err := destroy(entry.value); err != nil {
		return true, err
	}
	return true, nil
}

// GetOrCreateHost returns the host entry for the key, creating it at
// reference count 1 or incrementing the count of an existing one.
func (m *Table) GetOrCreateHost(key HostKey) (*Host, error) {
	return incRefOrCreate(m.hosts, key, func() (*Host, error) {
		return newHost(m, key), nil
	})
}

// GetOrCreateReferencedHost is GetOrCreateHost for an entry that adopts an
// already registered egress object instead of creating its own.
func (m *Table) GetOrCreateReferencedHost(key HostKey, egressID hal.EgressID) (*Host, error) {
	return incRefOrCreate(m.hosts, key, func() (*Host, error) {
		return newReferencedHost(m, key, egressID)
	})
}

// HostIf returns the host entry for the key without any side effect.
func (m *Table) HostIf(key HostKey) (*Host, bool) {
	entry, ok := m.hosts[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Host returns the host entry for the key; the caller's own invariants must
// guarantee it exists.
func (m *Table) Host(key HostKey) (*Host, error) {
	host, ok := m.HostIf(key)
	if !ok {
		return nil, fmt.Errorf("host %s: %w", key, ErrNotFound)
	}
	return host, nil
}

// DerefHost releases one reference on the host entry, destroying it (hardware
// record deleted, held egress dereferenced) at zero. Reports removal.
func (m *Table) DerefHost(key HostKey) (bool, error) {
	return deref(m.hosts, key, func(host *Host) error {
		return host.destroy()
	})
}

// GetOrCreateEcmpHost returns the ECMP group entry for (vrf, fwd), creating
// it at reference count 1 or incrementing the count of an existing one. Any
// permutation of the same next-hop set resolves to the same entry.
func (m *Table) GetOrCreateEcmpHost(vrf hal.VRF, fwd NextHops) (*EcmpHost, error) {
	return incRefOrCreate(m.ecmpHosts, NewEcmpKey(vrf, fwd), func() (*EcmpHost, error) {
		return newEcmpHost(m, vrf, fwd)
	})
}

// EcmpHostIf returns the ECMP group entry for (vrf, fwd) without any side
// effect.
func (m *Table) EcmpHostIf(vrf hal.VRF, fwd NextHops) (*EcmpHost, bool) {
	entry, ok := m.ecmpHosts[NewEcmpKey(vrf, fwd)]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// EcmpHost returns the ECMP group entry for (vrf, fwd); the caller's own
// invariants must guarantee it exists.
func (m *Table) EcmpHost(vrf hal.VRF, fwd NextHops) (*EcmpHost, error) {
	host, ok := m.EcmpHostIf(vrf, fwd)
	if !ok {
		return nil, fmt.Errorf("ecmp host %s: %w", NewEcmpKey(vrf, fwd), ErrNotFound)
	}
	return host, nil
}

// DerefEcmpHost releases one reference on the ECMP group entry, destroying it
// at zero: the aggregate egress first, then every member host reference.
// Reports removal.
func (m *Table) DerefEcmpHost(vrf hal.VRF, fwd NextHops) (bool, error) {
	return deref(m.ecmpHosts, NewEcmpKey(vrf, fwd), func(host *EcmpHost) error {
		return host.destroy()
	})
}

// EgressIf returns the egress object for the ID, without creating anything.
func (m *Table) EgressIf(id hal.EgressID) (EgressObject, bool) {
	return m.egress.get(id)
}

// IncEgressRef increments the reference count of an egress ID that must
// already be registered.
func (m *Table) IncEgressRef(id hal.EgressID) error {
	return m.egress.incRef(id)
}

// DerefEgress releases one reference on an egress object, destroying it in
// hardware at zero. Reports whether the object survived.
func (m *Table) DerefEgress(id hal.EgressID) (bool, error) {
	return m.egress.decRef(id)
}

// updatePortEgressMapping moves an egress ID between per-port sets when a
// host entry's output port changes. Zero ports carry no set.
func (m *Table) updatePortEgressMapping(egressID hal.EgressID, oldPort, newPort hal.PortID) {
	if oldPort != 0 {
		if ids, ok := m.portIndex[oldPort]; ok {
			delete(ids, egressID)
			if len(ids) == 0 {
				delete(m.portIndex, oldPort)
			}
		}
	}
	if newPort != 0 {
		ids, ok := m.portIndex[newPort]
		if !ok {
			ids = map[hal.EgressID]struct{}{}
			m.portIndex[newPort] = ids
		}
		ids[egressID] = struct{}{}
	}
}

// EgressIDsForPort returns the egress objects currently forwarding out the
// given port.
func (m *Table) EgressIDsForPort(port hal.PortID) []hal.EgressID {
	ids := make([]hal.EgressID, 0, len(m.portIndex[port]))
	for id := range m.portIndex[port] {
		ids = append(ids, id)
	}
	return ids
}

// OnLinkStateChange fans a port link transition out to every ECMP group that
// forwards through that port, toggling only the affected member paths. Groups
// with no member on the port are untouched.
func (m *Table) OnLinkStateChange(port hal.PortID, up bool) error {
	affected := m.portIndex[port]
	if len(affected) == 0 {
		return nil
	}
	m.log.Infow("fanning out link state change",
		zap.Int32("port", int32(port)),
		zap.Bool("up", up),
		zap.Int("affected_egress_ids", len(affected)),
	)

	for key, entry := range m.ecmpHosts {
		ecmpID := entry.value.EcmpEgressID()
		if ecmpID == hal.InvalidEgressID {
			continue
		}
		obj, ok := m.egress.get(ecmpID)
		if !ok {
			return invariantf("ecmp host %s references unknown egress id %d", key, ecmpID)
		}
		group, ok := obj.(*EcmpEgress)
		if !ok {
			return invariantf("ecmp host %s references egress id %d of wrong kind", key, ecmpID)
		}
		for path := range affected {
			if !group.HasPath(path) {
				continue
			}
			var err error
			if up {
				err = group.PathReachable(path)
			} else {
				err = group.PathUnreachable(path)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats describes the current table occupancy.
type Stats struct {
	Hosts     int
	EcmpHosts int
	Egress    int
}

// Stats returns the current table occupancy.
func (m *Table) Stats() Stats {
	return Stats{
		Hosts:     len(m.hosts),
		EcmpHosts: len(m.ecmpHosts),
		Egress:    m.egress.size(),
	}
}
