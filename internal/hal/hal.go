// Package hal abstracts the vendor switch SDK used to program L3 host and
// egress objects into the forwarding ASIC.
package hal

import (
	"fmt"
	"net"
	"net/netip"
)

// VRF is a virtual routing and forwarding domain identifier.
type VRF int32

// IfID is a router interface identifier.
type IfID int32

// PortID is a physical port identifier. Zero means "no port": the entry drops
// traffic or punts it to the CPU.
type PortID int32

// EgressID is a vendor-assigned identifier of a hardware egress object.
type EgressID int32

// InvalidEgressID marks an egress reference that has not been programmed yet.
const InvalidEgressID EgressID = -1

// ForwardAction tells the ASIC what to do with packets matching a host entry
// that has no resolved adjacency.
type ForwardAction uint8

const (
	// ActionForward forwards through a resolved adjacency.
	ActionForward ForwardAction = iota
	// ActionDrop silently discards matching packets.
	ActionDrop
	// ActionToCPU punts matching packets to the control-plane CPU, typically
	// to trigger neighbour resolution.
	ActionToCPU
)

// String returns string representation of this action.
func (m ForwardAction) String() string {
	switch m {
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	case ActionToCPU:
		return "to-cpu"
	default:
		return "unknown"
	}
}

// HostRecord is the hardware view of a single L3 host entry.
//
// Only the fields below are trusted on warm-boot readback: the ASIC has been
// observed to return garbage in unrelated flag bits.
type HostRecord struct {
	// VRF is the routing domain of the entry.
	VRF VRF
	// Addr is the destination IP address.
	Addr netip.Addr
	// Egress is the egress object the entry resolves to.
	Egress EgressID
	// V6 is set for IPv6 entries.
	V6 bool
	// Multipath is set when the entry resolves through an ECMP group.
	Multipath bool
}

// Key returns a human-readable identity of the record, used in errors and logs.
func (m HostRecord) Key() string {
	return fmt.Sprintf("vrf=%d addr=%s", m.VRF, m.Addr)
}

// EgressSpec describes the content of a simple (non-ECMP) egress object.
//
// The spec of a live object may be rewritten in place; its EgressID never
// changes once assigned.
type EgressSpec struct {
	// Intf is the router interface the object sends through.
	Intf IfID
	// VRF is the routing domain of the destination.
	VRF VRF
	// Addr is the destination IP address.
	Addr netip.Addr
	// MAC is the resolved next-hop MAC address. Nil for drop and punt objects.
	MAC net.HardwareAddr
	// Port is the physical output port. Zero for drop and punt objects.
	Port PortID
	// Action is the forwarding action programmed into the object.
	Action ForwardAction
}

// HAL is the set of SDK calls this agent needs to manage host adjacencies and
// egress objects on one ASIC unit.
//
// All calls are synchronous: they complete the hardware write before
// returning. Failures are reported as *Error.
type HAL interface {
	// HostAdd programs a host entry into the L3 host table.
	HostAdd(rec HostRecord) error
	// HostDelete removes a host entry from the L3 host table.
	HostDelete(rec HostRecord) error

	// CreateEgress allocates a new simple egress object and returns the
	// vendor-assigned identifier.
	CreateEgress(spec EgressSpec) (EgressID, error)
	// UpdateEgress rewrites the content of an existing egress object in place.
	UpdateEgress(id EgressID, spec EgressSpec) error
	// DeleteEgress destroys a simple egress object.
	DeleteEgress(id EgressID) error

	// CreateEcmpEgress allocates an ECMP group object over the given member
	// egress objects and returns the vendor-assigned identifier.
	CreateEcmpEgress(members []EgressID) (EgressID, error)
	// DeleteEcmpEgress destroys an ECMP group object.
	DeleteEcmpEgress(id EgressID) error
	// EcmpAddMember restores a member path into an ECMP group.
	EcmpAddMember(group EgressID, member EgressID) error
	// EcmpDelMember removes a member path from an ECMP group without
	// touching the remaining members.
	EcmpDelMember(group EgressID, member EgressID) error

	// DropEgressID returns the identifier of the shared process-lifetime
	// drop egress object owned by the HAL.
	DropEgressID() EgressID
}

// Error is a hardware-programming failure: an SDK call returned a bad status.
//
// It carries the operation and the target key so the caller can decide whether
// to abort the enclosing state application.
type Error struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (m *Error) Error() string {
	if m.Key == "" {
		return fmt.Sprintf("hardware %s failed: %v", m.Op, m.Err)
	}
	return fmt.Sprintf("hardware %s failed for %s: %v", m.Op, m.Key, m.Err)
}

// Unwrap returns the underlying SDK error.
func (m *Error) Unwrap() error {
	return m.Err
}
