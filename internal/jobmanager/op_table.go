package jobmanager

import (
	"sync"

	"github.com/ChuLiYu/femd/pkg/types"
)

// opTable is a fixed-capacity arena of op records. Slot i holds the most recent op whose
// id is congruent to i, so older ops are recycled once the counter wraps the table.
type opTable struct {
	mu    sync.Mutex
	slots []opSlot
}

type opSlot struct {
	used   bool
	status types.OpStatus
}

func newOpTable(capacity int) *opTable {
	return &opTable{slots: make([]opSlot, capacity)}
}

func (t *opTable) index(opID uint64) int {
	return int(opID % uint64(len(t.slots)))
}

func (t *opTable) record(st types.OpStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[t.index(st.OpID)] = opSlot{used: true, status: st}
}

func (t *opTable) get(opID uint64) (types.OpStatus, error) {
	if opID == 0 {
		return types.OpStatus{}, ErrOpNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[t.index(opID)]
	if !s.used || s.status.OpID != opID {
		return types.OpStatus{}, ErrOpNotFound
	}
	return s.status, nil
}

// set moves an op forward. States never go backwards and terminal states are sticky.
// Each timestamp is written once.
func (t *opTable) set(opID uint64, state types.OpState, result int, nowMs int64) (types.OpStatus, bool) {
	if opID == 0 {
		return types.OpStatus{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[t.index(opID)]
	if !s.used || s.status.OpID != opID {
		return types.OpStatus{}, false
	}
	st := &s.status
	if st.State.Terminal() || state <= st.State {
		return *st, false
	}

	st.State = state
	if state == types.OpRunning && st.StartedMs == 0 {
		st.StartedMs = nowMs
	}
	if state.Terminal() {
		st.Result = result
		if st.EndedMs == 0 {
			st.EndedMs = nowMs
		}
	}
	return *st, true
}
