// Package counters implements C3: a fixed-slot registry of 64-bit
// counters with metadata, used both for stream positions and for
// driver-wide statistics (spec.md §3, §4.3).
//
// A secondary in-memory index, backed by github.com/tidwall/buntdb,
// maps each allocated slot's id to its label, so the admin surface can
// answer "counters whose label matches prefix X" from the index rather
// than the slot array. The slot array remains the single source of
// truth for allocate/free/lookup-by-id; Allocate adds a slot's index
// entry and Free removes it.
package counters

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/nimbusmq/mediadriver/internal/ratomic"
)

type State int32

const (
	Unused State = iota
	Allocated
	Reclaimed
)

const (
	MaxKeyLength   = 64
	MaxLabelLength = 380
	NoOwner        = int64(-1)
)

// Slot holds one counter's metadata and value. Value uses relaxed loads
// except where the owning component documents otherwise (e.g. stream
// positions, which are single-writer/multi-reader with release/acquire
// at the call sites that set them).
type Slot struct {
	state          ratomic.Int32
	id             int32
	typeID         int32
	registrationID int64
	ownerID        int64
	key            [MaxKeyLength]byte
	keyLen         int
	label          string
	value          ratomic.Int64
}

func (s *Slot) State() State          { return State(s.state.Load()) }
func (s *Slot) ID() int32             { return s.id }
func (s *Slot) TypeID() int32         { return s.typeID }
func (s *Slot) RegistrationID() int64 { return s.registrationID }
func (s *Slot) OwnerID() int64        { return s.ownerID }
func (s *Slot) Label() string         { return s.label }
func (s *Slot) Key() []byte           { return append([]byte(nil), s.key[:s.keyLen]...) }
func (s *Slot) Value() int64          { return s.value.Load() }
func (s *Slot) Add(delta int64) int64 { return s.value.Add(delta) }
func (s *Slot) Set(v int64)           { s.value.Store(v) }

// Table is the fixed-capacity counter registry.
type Table struct {
	slots []Slot

	mu  sync.Mutex // guards the buntdb index only; slot mutation is lock-free
	idx *buntdb.DB
}

// New creates a table with room for capacity counters.
func New(capacity int) (*Table, error) {
	idx, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "counters: open label index")
	}
	t := &Table{slots: make([]Slot, capacity), idx: idx}
	for i := range t.slots {
		t.slots[i].id = int32(i)
	}
	return t, nil
}

func (t *Table) Close() error { return t.idx.Close() }

// Allocate finds an UNUSED slot, writes metadata, and publishes ALLOCATED
// with a release store. ownerID is NoOwner for static counters.
func (t *Table) Allocate(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if len(key) > MaxKeyLength {
		return 0, errors.Errorf("counters: key too long (%d > %d)", len(key), MaxKeyLength)
	}
	if len(label) > MaxLabelLength {
		return 0, errors.Errorf("counters: label too long (%d > %d)", len(label), MaxLabelLength)
	}

	for i := range t.slots {
		s := &t.slots[i]
		if !s.state.CAS(int32(Unused), int32(Allocated)) {
			continue
		}
		s.typeID = typeID
		s.registrationID = registrationID
		s.ownerID = ownerID
		s.label = label
		s.keyLen = copy(s.key[:], key)
		s.value.Store(0)
		t.indexPut(s)
		return s.id, nil
	}
	return 0, errors.New("counters: table full")
}

// AllocateStatic implements the static-counter idempotence rule of
// §4.3/§4.9/testable property 7: a counter with the given (typeId,
// registrationId) that already exists and is static is returned
// unchanged; if it exists and is NOT static this is a GENERIC_ERROR
// (reported by the caller, conductor, as such); otherwise a fresh static
// slot (ownerID = NoOwner) is allocated.
func (t *Table) AllocateStatic(typeID int32, key []byte, label string, registrationID int64) (id int32, alreadyExisted bool, conflictsNonStatic bool, err error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.State() != Allocated {
			continue
		}
		if s.typeID == typeID && s.registrationID == registrationID {
			if s.ownerID == NoOwner {
				return s.id, true, false, nil
			}
			return 0, false, true, nil
		}
	}
	newID, err := t.Allocate(typeID, key, label, registrationID, NoOwner)
	return newID, false, false, err
}

// Free transitions ALLOCATED -> RECLAIMED. A later call to Recycle
// completes RECLAIMED -> UNUSED after the caller's grace period.
func (t *Table) Free(id int32) error {
	if id < 0 || int(id) >= len(t.slots) {
		return errors.Errorf("counters: id %d out of range", id)
	}
	s := &t.slots[id]
	if !s.state.CAS(int32(Allocated), int32(Reclaimed)) {
		return errors.Errorf("counters: id %d not allocated", id)
	}
	t.indexDelete(s)
	return nil
}

// Recycle completes RECLAIMED -> UNUSED for every slot still in
// RECLAIMED state; called by the conductor after its grace period.
func (t *Table) Recycle() {
	for i := range t.slots {
		t.slots[i].state.CAS(int32(Reclaimed), int32(Unused))
	}
}

// Get returns a read-only view of the slot, or nil if out of range.
// Lookups are lock-free reads with an acquire barrier on state.
func (t *Table) Get(id int32) *Slot {
	if id < 0 || int(id) >= len(t.slots) {
		return nil
	}
	return &t.slots[id]
}

// Snapshot returns every currently-allocated slot, for the admin
// surface's /stats and /snapshot endpoints. The returned slice is a
// point-in-time copy of slot pointers; values may keep changing
// underneath the caller.
func (t *Table) Snapshot() []*Slot {
	out := make([]*Slot, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].State() == Allocated {
			out = append(out, &t.slots[i])
		}
	}
	return out
}

// FreeOwnedBy reclaims every non-static counter owned by ownerID, used
// by the conductor when a client times out (§4.9 step 4: "reclaim all
// counters owned by the client (except static)").
func (t *Table) FreeOwnedBy(ownerID int64) []int32 {
	var freed []int32
	for i := range t.slots {
		s := &t.slots[i]
		if s.State() == Allocated && s.ownerID == ownerID {
			if t.Free(s.id) == nil {
				freed = append(freed, s.id)
			}
		}
	}
	return freed
}

// FindByLabelPrefix queries the buntdb secondary index for allocated
// counters whose label starts with prefix.
func (t *Table) FindByLabelPrefix(prefix string) []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int32
	_ = t.idx.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("label:*", func(key, value string) bool {
			if len(value) >= len(prefix) && value[:len(prefix)] == prefix {
				var id int32
				fmt.Sscanf(key, "label:%d", &id)
				ids = append(ids, id)
			}
			return true
		})
	})
	return ids
}

func (t *Table) indexPut(s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.idx.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(fmt.Sprintf("label:%d", s.id), s.label, nil)
		return err
	})
}

func (t *Table) indexDelete(s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.idx.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(fmt.Sprintf("label:%d", s.id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}
