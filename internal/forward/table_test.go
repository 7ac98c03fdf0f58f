package forward

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fibrelane/asicd/internal/hal"
)

func newTestTable(t *testing.T, options ...Option) (*Table, *hal.Sim) {
	t.Helper()
	sim := hal.NewSim()
	log := zaptest.NewLogger(t).Sugar()
	return NewTable(sim, append([]Option{WithLog(log)}, options...)...), sim
}

func testMAC(last byte) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, last}
}

func TestGetOrCreateHostRefCounting(t *testing.T) {
	table, sim := newTestTable(t)
	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}

	first, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.NoError(t, first.Program(1, testMAC(1), 10, hal.ActionForward))

	second, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, table.Stats().Hosts)

	removed, err := table.DerefHost(key)
	require.NoError(t, err)
	require.False(t, removed)
	_, ok := table.HostIf(key)
	require.True(t, ok)

	removed, err = table.DerefHost(key)
	require.NoError(t, err)
	require.True(t, removed)
	_, ok = table.HostIf(key)
	require.False(t, ok)

	require.Equal(t, 1, sim.NumCalls("host-delete"))
	require.Equal(t, 1, sim.NumCalls("egress-delete"))
	require.Equal(t, 0, table.Stats().Egress)
}

func TestDerefUnknownHostIsInvariantViolation(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.DerefHost(HostKey{VRF: 0, Addr: netip.MustParseAddr("10.9.9.9")})
	require.Error(t, err)
	require.True(t, IsInvariant(err))
}

func TestHostGetOrThrow(t *testing.T) {
	table, _ := newTestTable(t)
	key := HostKey{VRF: 3, Addr: netip.MustParseAddr("10.0.0.7")}

	_, err := table.Host(key)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = table.GetOrCreateHost(key)
	require.NoError(t, err)
	host, err := table.Host(key)
	require.NoError(t, err)
	require.Equal(t, key, host.Key())
}

func TestReferencedHostSharesEgress(t *testing.T) {
	table, sim := newTestTable(t)
	owner := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}
	adopter := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.2")}

	host, err := table.GetOrCreateHost(owner)
	require.NoError(t, err)
	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))
	egressID := host.EgressID()

	shared, err := table.GetOrCreateReferencedHost(adopter, egressID)
	require.NoError(t, err)
	require.Equal(t, egressID, shared.EgressID())
	require.Equal(t, 1, table.Stats().Egress)

	// The owner goes away first; the shared object must survive on the
	// adopter's reference.
	removed, err := table.DerefHost(owner)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 0, sim.NumCalls("egress-delete"))

	removed, err = table.DerefHost(adopter)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 1, sim.NumCalls("egress-delete"))
}

func TestIncEgressRefRequiresPresence(t *testing.T) {
	table, _ := newTestTable(t)

	err := table.IncEgressRef(12345)
	require.Error(t, err)
	require.True(t, IsInvariant(err))
}

func TestEgressPoolInsertCollision(t *testing.T) {
	table, _ := newTestTable(t)

	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}
	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))

	obj, ok := table.EgressIf(host.EgressID())
	require.True(t, ok)
	err = table.egress.insert(obj)
	require.Error(t, err)
	require.True(t, IsInvariant(err))
}

func TestLinkStateFanoutIsTargeted(t *testing.T) {
	table, sim := newTestTable(t)

	resolve := func(addr string, intf hal.IfID, mac byte, port hal.PortID) *Host {
		t.Helper()
		host, err := table.GetOrCreateHost(HostKey{VRF: 0, Addr: netip.MustParseAddr(addr)})
		require.NoError(t, err)
		require.NoError(t, host.Program(intf, testMAC(mac), port, hal.ActionForward))
		return host
	}

	resolve("10.0.0.2", 1, 2, 1)
	offPort := resolve("10.0.0.3", 2, 3, 2)
	resolve("10.0.0.4", 3, 4, 3)
	resolve("10.0.0.5", 4, 5, 4)
	// A single-adjacency host on the same port must never be toggled; only
	// ECMP group members are.
	resolve("10.0.0.6", 1, 6, 1)

	groupOnPort, err := table.GetOrCreateEcmpHost(0, NextHops{
		{Intf: 1, Addr: netip.MustParseAddr("10.0.0.2")},
		{Intf: 2, Addr: netip.MustParseAddr("10.0.0.3")},
	})
	require.NoError(t, err)
	_, err = table.GetOrCreateEcmpHost(0, NextHops{
		{Intf: 3, Addr: netip.MustParseAddr("10.0.0.4")},
		{Intf: 4, Addr: netip.MustParseAddr("10.0.0.5")},
	})
	require.NoError(t, err)

	require.NoError(t, table.OnLinkStateChange(1, false))
	require.Equal(t, 1, sim.NumCalls("ecmp-del-member"))
	require.Equal(t, []hal.EgressID{offPort.EgressID()},
		sim.GroupMembers(groupOnPort.EcmpEgressID()))

	require.NoError(t, table.OnLinkStateChange(1, true))
	require.Equal(t, 1, sim.NumCalls("ecmp-add-member"))
	require.Len(t, sim.GroupMembers(groupOnPort.EcmpEgressID()), 2)
}

func TestLinkStateChangeEmptyPortIsNoop(t *testing.T) {
	table, sim := newTestTable(t)

	before := len(sim.Journal())
	require.NoError(t, table.OnLinkStateChange(9, false))
	require.Len(t, sim.Journal(), before)
}

func TestLinkStateDownOnlyAffectsMappedPort(t *testing.T) {
	table, sim := newTestTable(t)

	host, err := table.GetOrCreateHost(HostKey{VRF: 0, Addr: netip.MustParseAddr("10.1.0.2")})
	require.NoError(t, err)
	require.NoError(t, host.Program(1, testMAC(1), 7, hal.ActionForward))
	otherHost, err := table.GetOrCreateHost(HostKey{VRF: 0, Addr: netip.MustParseAddr("10.1.0.3")})
	require.NoError(t, err)
	require.NoError(t, otherHost.Program(2, testMAC(2), 8, hal.ActionForward))

	_, err = table.GetOrCreateEcmpHost(0, NextHops{
		{Intf: 1, Addr: netip.MustParseAddr("10.1.0.2")},
		{Intf: 2, Addr: netip.MustParseAddr("10.1.0.3")},
	})
	require.NoError(t, err)

	// Port 8 carries only the second member; the first must stay reachable.
	require.NoError(t, table.OnLinkStateChange(8, false))
	require.Equal(t, 1, sim.NumCalls("ecmp-del-member"))
	group, err := table.EcmpHost(0, NextHops{
		{Intf: 1, Addr: netip.MustParseAddr("10.1.0.2")},
		{Intf: 2, Addr: netip.MustParseAddr("10.1.0.3")},
	})
	require.NoError(t, err)
	require.Equal(t, []hal.EgressID{host.EgressID()}, sim.GroupMembers(group.EcmpEgressID()))
}

func TestHardwareErrorPropagates(t *testing.T) {
	table, sim := newTestTable(t)
	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}

	sim.FailNext("egress-create", errors.New("table full"))
	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)

	err = host.Program(1, testMAC(1), 10, hal.ActionForward)
	require.Error(t, err)
	var halErr *hal.Error
	require.ErrorAs(t, err, &halErr)
	require.Equal(t, "egress-create", halErr.Op)
	require.False(t, IsInvariant(err))
}
