package hal

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// SimOption is a function that configures the simulated HAL.
type SimOption func(*Sim)

// WithLog configures the simulated HAL with a logger.
func WithLog(log *zap.SugaredLogger) SimOption {
	return func(m *Sim) {
		m.log = log
	}
}

type simHostKey struct {
	vrf  VRF
	addr string
}

// Sim is an in-memory HAL backend.
//
// It emulates the vendor SDK's bookkeeping (ID assignment, duplicate and
// missing-object detection) without a real ASIC, keeps a journal of performed
// operations, and supports one-shot fault injection. It backs the agent when
// no hardware is attached and every test in this repository.
type Sim struct {
	log    *zap.SugaredLogger
	nextID EgressID
	dropID EgressID

	hosts   map[simHostKey]HostRecord
	egress  map[EgressID]EgressSpec
	groups  map[EgressID][]EgressID
	absent  map[EgressID]map[EgressID]bool
	faults  map[string]error
	journal []string
}

// NewSim creates a new simulated HAL with the shared drop egress already
// allocated.
func NewSim(options ...SimOption) *Sim {
	m := &Sim{
		log:    zap.NewNop().Sugar(),
		nextID: 100001,
		hosts:  map[simHostKey]HostRecord{},
		egress: map[EgressID]EgressSpec{},
		groups: map[EgressID][]EgressID{},
		absent: map[EgressID]map[EgressID]bool{},
		faults: map[string]error{},
	}
	for _, o := range options {
		o(m)
	}

	m.dropID = m.allocID()
	m.egress[m.dropID] = EgressSpec{Action: ActionDrop}
	return m
}

// FailNext makes the next call of the named operation ("host-add",
// "ecmp-create", ...) fail with the given error.
func (m *Sim) FailNext(op string, err error) {
	m.faults[op] = err
}

// Journal returns the ordered list of hardware operations performed so far.
func (m *Sim) Journal() []string {
	return slices.Clone(m.journal)
}

// NumCalls returns how many times the named operation was performed.
func (m *Sim) NumCalls(op string) int {
	n := 0
	for _, entry := range m.journal {
		if strings.HasPrefix(entry, op+" ") {
			n++
		}
	}
	return n
}

// Hosts returns the number of live host entries.
func (m *Sim) Hosts() int { return len(m.hosts) }

// EgressObjects returns the number of live egress objects, the drop egress
// included.
func (m *Sim) EgressObjects() int { return len(m.egress) + len(m.groups) }

// GroupMembers returns the currently reachable members of an ECMP group.
func (m *Sim) GroupMembers(group EgressID) []EgressID {
	members := make([]EgressID, 0, len(m.groups[group]))
	for _, member := range m.groups[group] {
		if !m.absent[group][member] {
			members = append(members, member)
		}
	}
	return members
}

func (m *Sim) allocID() EgressID {
	id := m.nextID
	m.nextID++
	return id
}

func (m *Sim) fail(op, key string) error {
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return &Error{Op: op, Key: key, Err: err}
}

func (m *Sim) record(format string, args ...any) {
	entry := fmt.Sprintf(format, args...)
	m.journal = append(m.journal, entry)
	m.log.Debugw("hardware op", zap.String("op", entry))
}

// HostAdd implements HAL.
func (m *Sim) HostAdd(rec HostRecord) error {
	if err := m.fail("host-add", rec.Key()); err != nil {
		return err
	}
	key := simHostKey{vrf: rec.VRF, addr: rec.Addr.String()}
	if _, ok := m.hosts[key]; ok {
		return &Error{Op: "host-add", Key: rec.Key(), Err: errors.New("entry exists")}
	}
	m.hosts[key] = rec
	m.record("host-add %s egress=%d", rec.Key(), rec.Egress)
	return nil
}

// HostDelete implements HAL.
func (m *Sim) HostDelete(rec HostRecord) error {
	if err := m.fail("host-delete", rec.Key()); err != nil {
		return err
	}
	key := simHostKey{vrf: rec.VRF, addr: rec.Addr.String()}
	if _, ok := m.hosts[key]; !ok {
		return &Error{Op: "host-delete", Key: rec.Key(), Err: errors.New("no such entry")}
	}
	delete(m.hosts, key)
	m.record("host-delete %s", rec.Key())
	return nil
}

// CreateEgress implements HAL.
func (m *Sim) CreateEgress(spec EgressSpec) (EgressID, error) {
	if err := m.fail("egress-create", spec.Addr.String()); err != nil {
		return InvalidEgressID, err
	}
	id := m.allocID()
	m.egress[id] = spec
	m.record("egress-create %d action=%s", id, spec.Action)
	return id, nil
}

// UpdateEgress implements HAL.
func (m *Sim) UpdateEgress(id EgressID, spec EgressSpec) error {
	if err := m.fail("egress-update", spec.Addr.String()); err != nil {
		return err
	}
	if _, ok := m.egress[id]; !ok {
		return &Error{Op: "egress-update", Key: fmt.Sprint(id), Err: errors.New("no such object")}
	}
	m.egress[id] = spec
	m.record("egress-update %d action=%s", id, spec.Action)
	return nil
}

// DeleteEgress implements HAL.
func (m *Sim) DeleteEgress(id EgressID) error {
	if err := m.fail("egress-delete", fmt.Sprint(id)); err != nil {
		return err
	}
	if _, ok := m.egress[id]; !ok {
		return &Error{Op: "egress-delete", Key: fmt.Sprint(id), Err: errors.New("no such object")}
	}
	delete(m.egress, id)
	m.record("egress-delete %d", id)
	return nil
}

// CreateEcmpEgress implements HAL.
func (m *Sim) CreateEcmpEgress(members []EgressID) (EgressID, error) {
	if err := m.fail("ecmp-create", ""); err != nil {
		return InvalidEgressID, err
	}
	for _, member := range members {
		if _, ok := m.egress[member]; !ok {
			return InvalidEgressID, &Error{Op: "ecmp-create", Key: fmt.Sprint(member), Err: errors.New("member does not exist")}
		}
	}
	id := m.allocID()
	m.groups[id] = slices.Clone(members)
	m.absent[id] = map[EgressID]bool{}
	m.record("ecmp-create %d members=%d", id, len(members))
	return id, nil
}

// DeleteEcmpEgress implements HAL.
func (m *Sim) DeleteEcmpEgress(id EgressID) error {
	if err := m.fail("ecmp-delete", fmt.Sprint(id)); err != nil {
		return err
	}
	if _, ok := m.groups[id]; !ok {
		return &Error{Op: "ecmp-delete", Key: fmt.Sprint(id), Err: errors.New("no such group")}
	}
	delete(m.groups, id)
	delete(m.absent, id)
	m.record("ecmp-delete %d", id)
	return nil
}

// EcmpAddMember implements HAL.
func (m *Sim) EcmpAddMember(group EgressID, member EgressID) error {
	if err := m.fail("ecmp-add-member", fmt.Sprint(member)); err != nil {
		return err
	}
	members, ok := m.groups[group]
	if !ok {
		return &Error{Op: "ecmp-add-member", Key: fmt.Sprint(group), Err: errors.New("no such group")}
	}
	if !slices.Contains(members, member) {
		return &Error{Op: "ecmp-add-member", Key: fmt.Sprint(member), Err: errors.New("not a group member")}
	}
	delete(m.absent[group], member)
	m.record("ecmp-add-member %d/%d", group, member)
	return nil
}

// EcmpDelMember implements HAL.
func (m *Sim) EcmpDelMember(group EgressID, member EgressID) error {
	if err := m.fail("ecmp-del-member", fmt.Sprint(member)); err != nil {
		return err
	}
	members, ok := m.groups[group]
	if !ok {
		return &Error{Op: "ecmp-del-member", Key: fmt.Sprint(group), Err: errors.New("no such group")}
	}
	if !slices.Contains(members, member) {
		return &Error{Op: "ecmp-del-member", Key: fmt.Sprint(member), Err: errors.New("not a group member")}
	}
	m.absent[group][member] = true
	m.record("ecmp-del-member %d/%d", group, member)
	return nil
}

// DropEgressID implements HAL.
func (m *Sim) DropEgressID() EgressID {
	return m.dropID
}
