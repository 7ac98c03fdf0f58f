package forward

import (
	"slices"
	"strings"

	"github.com/fibrelane/asicd/internal/hal"
)

// Snapshot is the persisted form of the table's full state, written across
// restarts to repopulate and audit the warm boot cache.
type Snapshot struct {
	Hosts     []HostDump     `json:"host"`
	EcmpHosts []EcmpHostDump `json:"ecmpHosts"`
}

// HostDump is the persisted form of one single-adjacency host entry.
type HostDump struct {
	VRF      int32       `json:"vrf"`
	IP       string      `json:"ip"`
	Port     int32       `json:"port"`
	EgressID int32       `json:"egressId"`
	Egress   *EgressDump `json:"egress,omitempty"`
}

// NextHopDump is the persisted form of one ECMP next hop.
type NextHopDump struct {
	Intf int32  `json:"interface"`
	IP   string `json:"ip"`
}

// EcmpHostDump is the persisted form of one ECMP group entry.
type EcmpHostDump struct {
	VRF          int32         `json:"vrf"`
	NextHops     []NextHopDump `json:"nexthops"`
	EgressID     int32         `json:"egressId"`
	EcmpEgressID int32         `json:"ecmpEgressId"`
	EcmpEgress   *EgressDump   `json:"ecmpEgress,omitempty"`
}

// EgressDump is the persisted form of an egress object: either a simple
// adjacency or an ECMP group over member egress IDs.
type EgressDump struct {
	EgressID int32   `json:"egressId"`
	Intf     int32   `json:"interface,omitempty"`
	MAC      string  `json:"mac,omitempty"`
	Port     int32   `json:"port,omitempty"`
	Action   string  `json:"action,omitempty"`
	Paths    []int32 `json:"paths,omitempty"`
}

// dumpEgress dumps the body of an egress object. Invalid IDs and the shared
// drop egress are skipped to avoid redundant dumps of singleton objects.
func (m *Table) dumpEgress(id hal.EgressID) *EgressDump {
	if id == hal.InvalidEgressID || id == m.h.DropEgressID() {
		return nil
	}
	obj, ok := m.egress.get(id)
	if !ok {
		return nil
	}

	dump := &EgressDump{EgressID: int32(id)}
	switch egress := obj.(type) {
	case *Egress:
		spec := egress.Spec()
		dump.Intf = int32(spec.Intf)
		dump.Port = int32(spec.Port)
		dump.Action = spec.Action.String()
		if spec.MAC != nil {
			dump.MAC = spec.MAC.String()
		}
	case *EcmpEgress:
		for _, path := range egress.Paths() {
			dump.Paths = append(dump.Paths, int32(path))
		}
	}
	return dump
}

func (m *Host) dump() HostDump {
	return HostDump{
		VRF:      int32(m.key.VRF),
		IP:       m.key.Addr.String(),
		Port:     int32(m.port),
		EgressID: int32(m.egressID),
		Egress:   m.table.dumpEgress(m.egressID),
	}
}

func (m *EcmpHost) dump() EcmpHostDump {
	nhops := make([]NextHopDump, 0, len(m.fwd))
	for _, nh := range m.fwd {
		nhops = append(nhops, NextHopDump{
			Intf: int32(nh.Intf),
			IP:   nh.Addr.String(),
		})
	}
	return EcmpHostDump{
		VRF:          int32(m.vrf),
		NextHops:     nhops,
		EgressID:     int32(m.egressID),
		EcmpEgressID: int32(m.ecmpEgressID),
		EcmpEgress:   m.table.dumpEgress(m.ecmpEgressID),
	}
}

// Snapshot dumps the table's full state in a deterministic order.
func (m *Table) Snapshot() *Snapshot {
	snap := &Snapshot{
		Hosts:     make([]HostDump, 0, len(m.hosts)),
		EcmpHosts: make([]EcmpHostDump, 0, len(m.ecmpHosts)),
	}
	for _, entry := range m.hosts {
		snap.Hosts = append(snap.Hosts, entry.value.dump())
	}
	for _, entry := range m.ecmpHosts {
		snap.EcmpHosts = append(snap.EcmpHosts, entry.value.dump())
	}

	slices.SortFunc(snap.Hosts, func(a, b HostDump) int {
		if a.VRF != b.VRF {
			return int(a.VRF - b.VRF)
		}
		return strings.Compare(a.IP, b.IP)
	})
	slices.SortFunc(snap.EcmpHosts, func(a, b EcmpHostDump) int {
		if a.VRF != b.VRF {
			return int(a.VRF - b.VRF)
		}
		return int(a.EgressID - b.EgressID)
	})
	return snap
}
