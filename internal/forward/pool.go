package forward

import (
	"go.uber.org/zap"

	"github.com/fibrelane/asicd/internal/hal"
)

type poolEntry struct {
	obj  EgressObject
	refs int
}

// egressPool owns every live hardware egress object of one ASIC unit, keyed
// by vendor-assigned ID and reference counted.
//
// An ID leaves the pool exactly when its count reaches zero, at which point
// the object's hardware deletion runs. No operation blocks or retries.
type egressPool struct {
	log     *zap.SugaredLogger
	entries map[hal.EgressID]*poolEntry
}

func newEgressPool(log *zap.SugaredLogger) *egressPool {
	return &egressPool{
		log:     log,
		entries: map[hal.EgressID]*poolEntry{},
	}
}

// insert takes ownership of a freshly built object at reference count 1.
// The object's ID must not already be present.
func (m *egressPool) insert(obj EgressObject) error {
	id := obj.ID()
	if _, ok := m.entries[id]; ok {
		return invariantf("egress pool already owns id %d", id)
	}
	m.entries[id] = &poolEntry{obj: obj, refs: 1}
	return nil
}

// get returns the object for the given ID, without creating anything.
func (m *egressPool) get(id hal.EgressID) (EgressObject, bool) {
	entry, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return entry.obj, true
}

// incRef increments the reference count of an ID that must be present.
func (m *egressPool) incRef(id hal.EgressID) error {
	entry, ok := m.entries[id]
	if !ok {
		return invariantf("reference to unknown egress id %d", id)
	}
	entry.refs++
	return nil
}

// decRef decrements the reference count. At zero the object is removed from
// the pool and deleted from hardware. Reports whether the object survived.
func (m *egressPool) decRef(id hal.EgressID) (bool, error) {
	entry, ok := m.entries[id]
	if !ok {
		return false, invariantf("dereference of unknown egress id %d", id)
	}
	if entry.refs <= 0 {
		return false, invariantf("reference count underflow for egress id %d", id)
	}
	entry.refs--
	if entry.refs > 0 {
		return true, nil
	}

	delete(m.entries, id)
	if err := entry.obj.destroy(); err != nil {
		return false, err
	}
	m.log.Debugw("destroyed egress object", zap.Int32("egress_id", int32(id)))
	return false, nil
}

// size returns the number of live objects.
func (m *egressPool) size() int {
	return len(m.entries)
}
