package forward

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fibrelane/asicd/internal/hal"
)

// fakeWarmBoot is a test stand-in for the warm boot cache collaborator.
type fakeWarmBoot struct {
	records map[HostKey]hal.HostRecord
	claimed []HostKey
}

func newFakeWarmBoot() *fakeWarmBoot {
	return &fakeWarmBoot{records: map[HostKey]hal.HostRecord{}}
}

func (m *fakeWarmBoot) FindHost(vrf hal.VRF, addr netip.Addr) (hal.HostRecord, bool) {
	rec, ok := m.records[HostKey{VRF: vrf, Addr: addr}]
	return rec, ok
}

func (m *fakeWarmBoot) ClaimHost(vrf hal.VRF, addr netip.Addr) {
	key := HostKey{VRF: vrf, Addr: addr}
	m.claimed = append(m.claimed, key)
	delete(m.records, key)
}

// The simulated HAL assigns egress IDs sequentially and its shared drop
// object takes the first one, so the first egress a test creates always gets
// this ID.
const simFirstEgressID = hal.EgressID(100002)

func TestHostProgramKeepsEgressIDStable(t *testing.T) {
	table, sim := newTestTable(t)
	key := HostKey{VRF: 2, Addr: netip.MustParseAddr("10.0.0.1")}

	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.False(t, host.Programmed())

	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))
	require.True(t, host.Programmed())
	id := host.EgressID()
	require.Equal(t, 1, sim.NumCalls("egress-create"))

	// Resolution changes rewrite the object in place; the ID must not move.
	require.NoError(t, host.Program(1, testMAC(2), 11, hal.ActionForward))
	require.Equal(t, id, host.EgressID())
	require.NoError(t, host.Program(1, nil, 0, hal.ActionDrop))
	require.Equal(t, id, host.EgressID())

	require.Equal(t, 1, sim.NumCalls("egress-create"))
	require.Equal(t, 2, sim.NumCalls("egress-update"))
	require.Equal(t, 1, sim.NumCalls("host-add"))
}

func TestHostProgramMaintainsPortIndex(t *testing.T) {
	table, _ := newTestTable(t)
	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}

	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)

	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))
	require.Equal(t, []hal.EgressID{host.EgressID()}, table.EgressIDsForPort(10))

	require.NoError(t, host.Program(1, testMAC(1), 11, hal.ActionForward))
	require.Empty(t, table.EgressIDsForPort(10))
	require.Equal(t, []hal.EgressID{host.EgressID()}, table.EgressIDsForPort(11))

	// Entries punted to the CPU have no port association at all.
	require.NoError(t, host.Program(1, nil, 0, hal.ActionToCPU))
	require.Empty(t, table.EgressIDsForPort(11))
	require.Equal(t, hal.PortID(0), host.Port())
}

func TestHostDestroyWithoutHardwareAdd(t *testing.T) {
	table, sim := newTestTable(t)
	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("10.0.0.1")}

	_, err := table.GetOrCreateHost(key)
	require.NoError(t, err)

	// Never programmed, never added: dereferencing must not touch hardware.
	removed, err := table.DerefHost(key)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 0, sim.NumCalls("host-delete"))
}

func TestWarmBootEquivalentEntrySkipsHardwareAdd(t *testing.T) {
	wb := newFakeWarmBoot()
	key := HostKey{VRF: 2, Addr: netip.MustParseAddr("10.0.0.1")}
	wb.records[key] = hal.HostRecord{
		VRF:    2,
		Addr:   key.Addr,
		Egress: simFirstEgressID,
	}

	table, sim := newTestTable(t, WithWarmBootCache(wb))
	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))

	require.Equal(t, 0, sim.NumCalls("host-add"))
	require.Equal(t, []HostKey{key}, wb.claimed)
}

func TestWarmBootMismatchIsFatal(t *testing.T) {
	wb := newFakeWarmBoot()
	key := HostKey{VRF: 2, Addr: netip.MustParseAddr("10.0.0.1")}
	wb.records[key] = hal.HostRecord{
		VRF:    2,
		Addr:   key.Addr,
		Egress: simFirstEgressID + 7,
	}

	table, sim := newTestTable(t, WithWarmBootCache(wb))
	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)

	err = host.Program(1, testMAC(1), 10, hal.ActionForward)
	require.Error(t, err)
	require.True(t, IsInvariant(err))
	require.Equal(t, 0, sim.NumCalls("host-add"))
	require.Empty(t, wb.claimed)
}

func TestWarmBootV6FlagParticipatesInEquivalence(t *testing.T) {
	wb := newFakeWarmBoot()
	key := HostKey{VRF: 0, Addr: netip.MustParseAddr("2001:db8::1")}
	wb.records[key] = hal.HostRecord{
		VRF:    0,
		Addr:   key.Addr,
		Egress: simFirstEgressID,
		V6:     true,
	}

	table, sim := newTestTable(t, WithWarmBootCache(wb))
	host, err := table.GetOrCreateHost(key)
	require.NoError(t, err)
	require.NoError(t, host.Program(1, testMAC(1), 10, hal.ActionForward))

	require.Equal(t, 0, sim.NumCalls("host-add"))
}
