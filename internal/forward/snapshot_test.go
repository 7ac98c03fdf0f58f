package forward

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/fibrelane/asicd/internal/hal"
)

func TestSnapshotSchema(t *testing.T) {
	table, _ := newTestTable(t)

	host, err := table.GetOrCreateHost(HostKey{VRF: 1, Addr: netip.MustParseAddr("10.0.0.1")})
	require.NoError(t, err)
	require.NoError(t, host.Program(5, testMAC(1), 10, hal.ActionForward))

	fwd := NextHops{
		{Intf: 1, Addr: netip.MustParseAddr("10.0.0.2")},
		{Intf: 2, Addr: netip.MustParseAddr("10.0.0.3")},
	}
	group, err := table.GetOrCreateEcmpHost(1, fwd)
	require.NoError(t, err)

	// An entry that was never programmed dumps a sentinel egress ID and no
	// egress body.
	_, err = table.GetOrCreateHost(HostKey{VRF: 1, Addr: netip.MustParseAddr("10.0.0.9")})
	require.NoError(t, err)

	snap := table.Snapshot()
	require.Len(t, snap.Hosts, 4)
	require.Len(t, snap.EcmpHosts, 1)

	member2, err := table.Host(HostKey{VRF: 1, Addr: netip.MustParseAddr("10.0.0.2")})
	require.NoError(t, err)
	member3, err := table.Host(HostKey{VRF: 1, Addr: netip.MustParseAddr("10.0.0.3")})
	require.NoError(t, err)

	want := EcmpHostDump{
		VRF: 1,
		NextHops: []NextHopDump{
			{Intf: 1, IP: "10.0.0.2"},
			{Intf: 2, IP: "10.0.0.3"},
		},
		EgressID:     int32(group.EgressID()),
		EcmpEgressID: int32(group.EcmpEgressID()),
		EcmpEgress: &EgressDump{
			EgressID: int32(group.EcmpEgressID()),
			Paths:    []int32{int32(member2.EgressID()), int32(member3.EgressID())},
		},
	}
	if diff := cmp.Diff(want, snap.EcmpHosts[0]); diff != "" {
		t.Fatalf("unexpected ecmp dump (-want +got):\n%s", diff)
	}

	var resolved, unprogrammed *HostDump
	for idx := range snap.Hosts {
		switch snap.Hosts[idx].IP {
		case "10.0.0.1":
			resolved = &snap.Hosts[idx]
		case "10.0.0.9":
			unprogrammed = &snap.Hosts[idx]
		}
	}
	require.NotNil(t, resolved)
	require.NotNil(t, unprogrammed)

	require.Equal(t, int32(10), resolved.Port)
	require.NotNil(t, resolved.Egress)
	require.Equal(t, testMAC(1).String(), resolved.Egress.MAC)
	require.Equal(t, "forward", resolved.Egress.Action)

	require.Equal(t, int32(hal.InvalidEgressID), unprogrammed.EgressID)
	require.Nil(t, unprogrammed.Egress)
}

func TestSnapshotIsDeterministic(t *testing.T) {
	table, _ := newTestTable(t)

	for _, addr := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		host, err := table.GetOrCreateHost(HostKey{VRF: 0, Addr: netip.MustParseAddr(addr)})
		require.NoError(t, err)
		require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))
	}

	first := table.Snapshot()
	second := table.Snapshot()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("snapshot not deterministic (-first +second):\n%s", diff)
	}
	require.Equal(t, "10.0.0.1", first.Hosts[0].IP)
	require.Equal(t, "10.0.0.3", first.Hosts[2].IP)
}
