package forward

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/hal"
)

// HostKey identifies a single-adjacency forwarding entry: one destination IP
// in one routing domain.
type HostKey struct {
	VRF  hal.VRF
	Addr netip.Addr
}

// String returns string representation of this key.
func (m HostKey) String() string {
	return fmt.Sprintf("vrf=%d addr=%s", m.VRF, m.Addr)
}

// Host binds one (VRF, destination IP) to one egress object, which it creates
// and owns unless it adopted a pre-existing one at construction.
//
// Once the entry has been added to hardware its key never changes and its
// egress ID stays stable, even though the egress content (MAC, port, action)
// may be rewritten in place.
type Host struct {
	table    *Table
	key      HostKey
	egressID hal.EgressID
	port     hal.PortID
	added    bool
}

func newHost(table *Table, key HostKey) *Host {
	return &Host{
		table:    table,
		key:      key,
		egressID: hal.InvalidEgressID,
	}
}

// newReferencedHost creates a host entry that adopts an already registered
// egress object instead of creating its own. The pool reference is taken here
// and released by destroy.
func newReferencedHost(table *Table, key HostKey, egressID hal.EgressID) (*Host, error) {
	m := newHost(table, key)
	if egressID != hal.InvalidEgressID {
		if err := table.egress.incRef(egressID); err != nil {
			return nil, err
		}
		m.egressID = egressID
	}
	return m, nil
}

// Key returns the entry's identity.
func (m *Host) Key() HostKey {
	return m.key
}

// EgressID returns the egress object the entry currently resolves to.
func (m *Host) EgressID() hal.EgressID {
	return m.egressID
}

// Port returns the current output port, zero when the entry drops or punts.
func (m *Host) Port() hal.PortID {
	return m.port
}

// Programmed reports whether the entry has an egress object associated.
func (m *Host) Programmed() bool {
	return m.egressID != hal.InvalidEgressID
}

func (m *Host) hostRecord(multipath bool) hal.HostRecord {
	return hal.HostRecord{
		VRF:       m.key.VRF,
		Addr:      m.key.Addr,
		Egress:    m.egressID,
		V6:        m.key.Addr.Is6() && !m.key.Addr.Is4In6(),
		Multipath: multipath,
	}
}

// hostEquivalent compares exactly the fields we trust on warm-boot readback:
// the v6 flag, the multipath flag, the VRF and the target egress interface.
// The ASIC has been observed to return garbage in other bits.
func hostEquivalent(fresh, cached hal.HostRecord) bool {
	return fresh.V6 == cached.V6 &&
		fresh.Multipath == cached.Multipath &&
		fresh.VRF == cached.VRF &&
		fresh.Egress == cached.Egress
}

// add programs the host record into hardware the first time around,
// reconciling against the warm boot cache: an equivalent previously
// programmed record is claimed and the hardware write skipped, so a restarted
// agent does not disturb live traffic. A non-equivalent record for the same
// key breaks the identity contract and is fatal.
func (m *Host) add(multipath bool) error {
	if m.added {
		return nil
	}
	rec := m.hostRecord(multipath)

	if cached, ok := m.table.warmBoot.FindHost(m.key.VRF, m.key.Addr); ok {
		if !hostEquivalent(rec, cached) {
			return invariantf("host entry for %s changed across warm boot: have egress=%d v6=%t multipath=%t, hardware has egress=%d v6=%t multipath=%t",
				m.key, rec.Egress, rec.V6, rec.Multipath, cached.Egress, cached.V6, cached.Multipath)
		}
		m.table.warmBoot.ClaimHost(m.key.VRF, m.key.Addr)
		m.table.log.Debugw("host entry already programmed, claimed from warm boot cache",
			zap.Stringer("key", m.key),
		)
	} else {
		if err := m.table.h.HostAdd(rec); err != nil {
			return err
		}
		m.table.log.Debugw("added host entry",
			zap.Stringer("key", m.key),
			zap.Int32("egress_id", int32(m.egressID)),
		)
	}
	m.added = true
	return nil
}

// Program points the entry at (intf, mac, port), creating its egress object
// on first use and rewriting it in place afterwards. A nil mac programs a
// drop or punt-to-CPU object per action, with no port association.
func (m *Host) Program(intf hal.IfID, mac net.HardwareAddr, port hal.PortID, action hal.ForwardAction) error {
	var created *Egress
	var egress *Egress
	if m.egressID == hal.InvalidEgressID {
		created = newEgress(m.table.h, m.table.log)
		egress = created
	} else {
		obj, ok := m.table.egress.get(m.egressID)
		if !ok {
			return invariantf("host %s references unknown egress id %d", m.key, m.egressID)
		}
		egress, ok = obj.(*Egress)
		if !ok {
			return invariantf("host %s references egress id %d of wrong kind", m.key, m.egressID)
		}
	}

	var err error
	if mac != nil {
		err = egress.Program(intf, m.key.VRF, m.key.Addr, mac, port)
	} else if action == hal.ActionDrop {
		err = egress.ProgramToDrop(intf, m.key.VRF, m.key.Addr)
	} else {
		err = egress.ProgramToCPU(intf, m.key.VRF, m.key.Addr)
	}
	if err != nil {
		return err
	}

	if created != nil {
		if err := m.table.egress.insert(created); err != nil {
			return err
		}
		m.egressID = created.ID()
	}

	if !m.added {
		if err := m.add(false); err != nil {
			return err
		}
	}

	// Entries programmed to drop or punt carry port zero: no physical port is
	// associated with them anymore.
	m.table.updatePortEgressMapping(m.egressID, m.port, port)
	m.table.log.Debugw("updated host port association",
		zap.Stringer("key", m.key),
		zap.Int32("egress_id", int32(m.egressID)),
		zap.Int32("old_port", int32(m.port)),
		zap.Int32("new_port", int32(port)),
	)
	m.port = port
	return nil
}

// ProgramToCPU provisionally points an unresolved entry at the CPU so that
// traffic triggers neighbour resolution.
func (m *Host) ProgramToCPU(intf hal.IfID) error {
	return m.Program(intf, nil, 0, hal.ActionToCPU)
}

// destroy deletes the hardware host record (if one was ever added) and
// releases the held egress reference.
func (m *Host) destroy() error {
	if m.added {
		if err := m.table.h.HostDelete(m.hostRecord(false)); err != nil {
			return err
		}
		m.table.updatePortEgressMapping(m.egressID, m.port, 0)
		m.table.log.Debugw("deleted host entry", zap.Stringer("key", m.key))
	}
	if m.egressID != hal.InvalidEgressID {
		if _, err := m.table.egress.decRef(m.egressID); err != nil {
			return err
		}
	}
	return nil
}
