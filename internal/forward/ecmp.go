package forward

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/hal"
)

// NextHop is one (interface, next-hop IP) pair of an ECMP set.
type NextHop struct {
	Intf hal.IfID
	Addr netip.Addr
}

// String returns string representation of this next hop.
func (m NextHop) String() string {
	return fmt.Sprintf("%d@%s", m.Intf, m.Addr)
}

// NextHops is an ordered set of next hops.
type NextHops []NextHop

// String returns string representation of this next-hop set.
func (m NextHops) String() string {
	parts := make([]string, len(m))
	for idx, nh := range m {
		parts[idx] = nh.String()
	}
	return strings.Join(parts, ",")
}

// EcmpKey identifies one ECMP group: a VRF plus the membership of its
// next-hop set. The set is the identity, not the sequence, so any permutation
// of the same next hops produces the same key.
type EcmpKey struct {
	VRF hal.VRF
	set string
}

// NewEcmpKey builds the order-independent identity of a next-hop set.
func NewEcmpKey(vrf hal.VRF, fwd NextHops) EcmpKey {
	parts := make([]string, len(fwd))
	for idx, nh := range fwd {
		parts[idx] = nh.String()
	}
	slices.Sort(parts)
	return EcmpKey{VRF: vrf, set: strings.Join(parts, ",")}
}

// String returns string representation of this key.
func (m EcmpKey) String() string {
	return fmt.Sprintf("vrf=%d nexthops=%s", m.VRF, m.set)
}

// EcmpHost binds one (VRF, next-hop set) to a set of member host entries
// plus, when the set has more than one member, an aggregate ECMP group egress
// object. Each member host holds exactly one reference owned by this group,
// and the group holds exactly one reference on the aggregate egress if one
// was created.
type EcmpHost struct {
	table        *Table
	vrf          hal.VRF
	fwd          NextHops
	egressID     hal.EgressID
	ecmpEgressID hal.EgressID
}

// newEcmpHost builds the group all-or-nothing: on any failure every member
// reference already taken is released, in reverse order, before the error
// propagates. Members without a resolved adjacency are provisionally
// programmed to punt to the CPU so that traffic triggers neighbour
// resolution; they are later reprogrammed in place under the same egress ID,
// so the group itself never needs an update.
func newEcmpHost(table *Table, vrf hal.VRF, fwd NextHops) (*EcmpHost, error) {
	if len(fwd) == 0 {
		return nil, invariantf("ecmp group for vrf %d has no next hops", vrf)
	}

	m := &EcmpHost{
		table:        table,
		vrf:          vrf,
		egressID:     hal.InvalidEgressID,
		ecmpEgressID: hal.InvalidEgressID,
	}

	prog := make(NextHops, 0, len(fwd))
	unwind := func() {
		for idx := len(prog) - 1; idx >= 0; idx-- {
			key := HostKey{VRF: vrf, Addr: prog[idx].Addr}
			if _, err := table.DerefHost(key); err != nil {
				table.log.Errorw("failed to unwind ecmp member reference",
					zap.Stringer("key", key), zap.Error(err))
			}
		}
	}

	paths := make([]hal.EgressID, 0, len(fwd))
	for _, nh := range fwd {
		if slices.ContainsFunc(prog, func(p NextHop) bool { return p.Addr == nh.Addr }) {
			unwind()
			return nil, invariantf("duplicate next hop %s in ecmp set for vrf %d", nh.Addr, vrf)
		}
		host, err := table.GetOrCreateHost(HostKey{VRF: vrf, Addr: nh.Addr})
		if err != nil {
			unwind()
			return nil, err
		}
		prog = append(prog, nh)
		if !host.Programmed() {
			if err := host.ProgramToCPU(nh.Intf); err != nil {
				unwind()
				return nil, err
			}
		}
		paths = append(paths, host.EgressID())
	}

	if len(paths) == 1 {
		// A degenerate group forwards straight through its single member,
		// with no aggregate object in between.
		m.egressID = paths[0]
	} else {
		ecmp := newEcmpEgress(table.h, table.log)
		if err := ecmp.Program(paths); err != nil {
			unwind()
			return nil, err
		}
		if err := table.egress.insert(ecmp); err != nil {
			if derr := ecmp.destroy(); derr != nil {
				table.log.Errorw("failed to unwind ecmp egress object",
					zap.Int32("egress_id", int32(ecmp.ID())), zap.Error(derr))
			}
			unwind()
			return nil, err
		}
		m.egressID = ecmp.ID()
		m.ecmpEgressID = ecmp.ID()
	}
	m.fwd = prog

	table.log.Infow("created ecmp group",
		zap.Int32("vrf", int32(vrf)),
		zap.Stringer("nexthops", m.fwd),
		zap.Int32("egress_id", int32(m.egressID)),
		zap.Int32("ecmp_egress_id", int32(m.ecmpEgressID)),
	)
	return m, nil
}

// VRF returns the routing domain of the group.
func (m *EcmpHost) VRF() hal.VRF {
	return m.vrf
}

// NextHops returns the programmed next-hop mapping, in input order.
func (m *EcmpHost) NextHops() NextHops {
	return slices.Clone(m.fwd)
}

// EgressID returns the effective egress of the group: the aggregate object
// for a real group, the single member's egress for a degenerate one.
func (m *EcmpHost) EgressID() hal.EgressID {
	return m.egressID
}

// EcmpEgressID returns the aggregate group egress ID, or hal.InvalidEgressID
// for a degenerate single-member group.
func (m *EcmpHost) EcmpEgressID() hal.EgressID {
	return m.ecmpEgressID
}

// destroy releases the aggregate egress reference before the member host
// references: the aggregate object holds pointers into the member egress
// objects and must not outlive them.
func (m *EcmpHost) destroy() error {
	if m.ecmpEgressID != hal.InvalidEgressID {
		if _, err := m.table.egress.decRef(m.ecmpEgressID); err != nil {
			return err
		}
	}
	for _, nh := range m.fwd {
		if _, err := m.table.DerefHost(HostKey{VRF: m.vrf, Addr: nh.Addr}); err != nil {
			return err
		}
	}
	return nil
}
