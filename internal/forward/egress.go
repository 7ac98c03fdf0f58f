package forward

import (
	"net"
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/hal"
)

// EgressObject is a pool-owned hardware egress object. The pool destroys it
// when its reference count reaches zero.
type EgressObject interface {
	// ID returns the vendor-assigned identifier, or hal.InvalidEgressID if
	// the object has not been programmed yet.
	ID() hal.EgressID
	// destroy performs the hardware deletion.
	destroy() error
}

// Egress is a simple (single adjacency) egress object.
//
// The object is created in hardware on the first program call; subsequent
// calls rewrite its content in place and its ID stays stable for its whole
// lifetime.
type Egress struct {
	h    hal.HAL
	log  *zap.SugaredLogger
	id   hal.EgressID
	spec hal.EgressSpec
}

func newEgress(h hal.HAL, log *zap.SugaredLogger) *Egress {
	return &Egress{
		h:   h,
		log: log,
		id:  hal.InvalidEgressID,
	}
}

// ID returns the vendor-assigned egress identifier.
func (m *Egress) ID() hal.EgressID {
	return m.id
}

// Spec returns the currently programmed content.
func (m *Egress) Spec() hal.EgressSpec {
	return m.spec
}

// Program programs a resolved unicast adjacency.
func (m *Egress) Program(intf hal.IfID, vrf hal.VRF, addr netip.Addr, mac net.HardwareAddr, port hal.PortID) error {
	return m.program(hal.EgressSpec{
		Intf:   intf,
		VRF:    vrf,
		Addr:   addr,
		MAC:    mac,
		Port:   port,
		Action: hal.ActionForward,
	})
}

// ProgramToDrop programs the object to discard matching packets.
func (m *Egress) ProgramToDrop(intf hal.IfID, vrf hal.VRF, addr netip.Addr) error {
	return m.program(hal.EgressSpec{
		Intf:   intf,
		VRF:    vrf,
		Addr:   addr,
		Action: hal.ActionDrop,
	})
}

// ProgramToCPU programs the object to punt matching packets to the
// control-plane CPU.
func (m *Egress) ProgramToCPU(intf hal.IfID, vrf hal.VRF, addr netip.Addr) error {
	return m.program(hal.EgressSpec{
		Intf:   intf,
		VRF:    vrf,
		Addr:   addr,
		Action: hal.ActionToCPU,
	})
}

func (m *Egress) program(spec hal.EgressSpec) error {
	if m.id == hal.InvalidEgressID {
		id, err := m.h.CreateEgress(spec)
		if err != nil {
			return err
		}
		m.id = id
		m.spec = spec
		m.log.Debugw("created egress object",
			zap.Int32("egress_id", int32(id)),
			zap.Stringer("addr", spec.Addr),
			zap.Stringer("action", spec.Action),
		)
		return nil
	}

	if err := m.h.UpdateEgress(m.id, spec); err != nil {
		return err
	}
	m.spec = spec
	m.log.Debugw("updated egress object",
		zap.Int32("egress_id", int32(m.id)),
		zap.Stringer("addr", spec.Addr),
		zap.Stringer("action", spec.Action),
	)
	return nil
}

func (m *Egress) destroy() error {
	if m.id == hal.InvalidEgressID {
		return nil
	}
	return m.h.DeleteEgress(m.id)
}

// EcmpEgress is an ECMP group egress object over a fixed set of member
// egress objects.
//
// The member set is the programmed identity of the group; link-state events
// only toggle individual members in and out of the hardware group.
type EcmpEgress struct {
	h     hal.HAL
	log   *zap.SugaredLogger
	id    hal.EgressID
	paths []hal.EgressID
}

func newEcmpEgress(h hal.HAL, log *zap.SugaredLogger) *EcmpEgress {
	return &EcmpEgress{
		h:   h,
		log: log,
		id:  hal.InvalidEgressID,
	}
}

// ID returns the vendor-assigned group identifier.
func (m *EcmpEgress) ID() hal.EgressID {
	return m.id
}

// Paths returns the member egress IDs the group was programmed over.
func (m *EcmpEgress) Paths() []hal.EgressID {
	return slices.Clone(m.paths)
}

// HasPath reports whether the given egress object is a member of this group.
func (m *EcmpEgress) HasPath(path hal.EgressID) bool {
	return slices.Contains(m.paths, path)
}

// Program creates the hardware group over the given member egress objects.
func (m *EcmpEgress) Program(paths []hal.EgressID) error {
	id, err := m.h.CreateEcmpEgress(paths)
	if err != nil {
		return err
	}
	m.id = id
	m.paths = slices.Clone(paths)
	m.log.Debugw("created ecmp egress object",
		zap.Int32("egress_id", int32(id)),
		zap.Int("paths", len(paths)),
	)
	return nil
}

// PathReachable restores a member path after its link came back up.
func (m *EcmpEgress) PathReachable(path hal.EgressID) error {
	if err := m.h.EcmpAddMember(m.id, path); err != nil {
		return err
	}
	m.log.Infow("restored ecmp member",
		zap.Int32("ecmp_egress_id", int32(m.id)),
		zap.Int32("member_egress_id", int32(path)),
	)
	return nil
}

// PathUnreachable removes a member path after its link went down. The group
// object and its other members are left untouched.
func (m *EcmpEgress) PathUnreachable(path hal.EgressID) error {
	if err := m.h.EcmpDelMember(m.id, path); err != nil {
		return err
	}
	m.log.Infow("removed unreachable ecmp member",
		zap.Int32("ecmp_egress_id", int32(m.id)),
		zap.Int32("member_egress_id", int32(path)),
	)
	return nil
}

func (m *EcmpEgress) destroy() error {
	if m.id == hal.InvalidEgressID {
		return nil
	}
	return m.h.DeleteEcmpEgress(m.id)
}
