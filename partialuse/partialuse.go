// Package partialuse implements the sparse side table (C5) that records,
// for the minority of uses that only partially overlap the def satisfying
// them, the narrowed sub-range actually consumed.
package partialuse

import (
	"fmt"
	"math"

	"github.com/mephi42/memtrace/mmvector"
	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/wordio"
)

// emptySlot is the tombstone-free empty marker for UseIndex.
const emptySlot = math.MaxUint32

// Def is a byte range, [Start, End).
type Def[W wordio.Word] struct {
	Start W
	End   W
}

// Entry is one slot of the open-addressed table.
type Entry[W wordio.Word] struct {
	UseIndex uint32 // emptySlot when unoccupied
	Narrowed Def[W]
}

// Table is an open-addressed hash table from use_index to a narrowed Def,
// backed by an mmvector.Vector so it can share the same persistence and
// reopen story as every other bulk UD structure.
type Table[W wordio.Word] struct {
	slots    *mmvector.Vector[Entry[W]]
	size     int // occupied slot count
	capacity int // prime, mirrors slots.Len() but tracked explicitly for clarity
}

// firstPrimeAtLeast returns the smallest prime >= n.
func firstPrimeAtLeast(n int) int {
	if n <= 2 {
		return 2
	}
	if n%2 == 0 {
		n++
	}
	for !isPrime(n) {
		n += 2
	}
	return n
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := 3; d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

const initialCapacity = 11

// New creates an empty table with a CreateTemporary backing vector.
func New[W wordio.Word]() (*Table[W], error) {
	v, err := mmvector.New[Entry[W]](mmvector.CreateTemporary, "")
	if err != nil {
		return nil, err
	}
	t := &Table[W]{slots: v, capacity: initialCapacity}
	if err := t.slots.Resize(initialCapacity, Entry[W]{UseIndex: emptySlot}); err != nil {
		return nil, err
	}
	return t, nil
}

// Open reopens a table persisted at path.
func Open[W wordio.Word](path string) (*Table[W], error) {
	v, err := mmvector.New[Entry[W]](mmvector.OpenExisting, path)
	if err != nil {
		return nil, err
	}
	size := 0
	for i := 0; i < v.Len(); i++ {
		if v.Get(i).UseIndex != emptySlot {
			size++
		}
	}
	return &Table[W]{slots: v, size: size, capacity: v.Len()}, nil
}

// Create makes a table persisted at path.
func Create[W wordio.Word](path string) (*Table[W], error) {
	v, err := mmvector.New[Entry[W]](mmvector.CreatePersistent, path)
	if err != nil {
		return nil, err
	}
	t := &Table[W]{slots: v, capacity: initialCapacity}
	if err := t.slots.Resize(initialCapacity, Entry[W]{UseIndex: emptySlot}); err != nil {
		return nil, err
	}
	return t, nil
}

// Close releases the backing vector.
func (t *Table[W]) Close() error { return t.slots.Close() }

// probe returns the slot index holding useIndex, or the first empty slot on
// the probe path if useIndex is absent, plus whether it found useIndex.
func (t *Table[W]) probe(useIndex uint32) (int, bool) {
	start := int(useIndex) % t.capacity
	for i := 0; i < t.capacity; i++ {
		idx := (start + i) % t.capacity
		e := t.slots.Get(idx)
		if e.UseIndex == emptySlot {
			return idx, false
		}
		if e.UseIndex == useIndex {
			return idx, true
		}
	}
	return -1, false
}

// Set records the narrowed range for useIndex, growing the table first if
// the load factor would exceed capacity/2.
func (t *Table[W]) Set(useIndex uint32, narrowed Def[W]) error {
	if t.size+1 > t.capacity/2 {
		if err := t.grow(); err != nil {
			return err
		}
	}
	idx, found := t.probe(useIndex)
	if idx < 0 {
		return fmt.Errorf("partialuse: table full: %w", mtraceerr.AllocationFailure)
	}
	t.slots.Set(idx, Entry[W]{UseIndex: useIndex, Narrowed: narrowed})
	if !found {
		t.size++
	}
	return nil
}

// Get returns the narrowed range for useIndex and whether it exists.
func (t *Table[W]) Get(useIndex uint32) (Def[W], bool) {
	idx, found := t.probe(useIndex)
	if !found || idx < 0 {
		return Def[W]{}, false
	}
	return t.slots.Get(idx).Narrowed, true
}

// grow rehashes the table into a larger capacity, resizing the same
// backing vector in place rather than allocating a replacement: the vector
// may be the table's real persistent file (opened via Create), so there is
// nothing to swap it out for.
func (t *Table[W]) grow() error {
	newCap := firstPrimeAtLeast(2 * t.size)
	if newCap <= t.capacity {
		newCap = firstPrimeAtLeast(t.capacity + 1)
	}

	oldCapacity := t.capacity
	scratch := make([]Entry[W], oldCapacity)
	for i := 0; i < oldCapacity; i++ {
		scratch[i] = t.slots.Get(i)
	}

	if err := t.slots.Resize(newCap, Entry[W]{UseIndex: emptySlot}); err != nil {
		return err
	}
	for i := 0; i < oldCapacity; i++ {
		t.slots.Set(i, Entry[W]{UseIndex: emptySlot})
	}

	t.capacity = newCap
	t.size = 0
	for _, e := range scratch {
		if e.UseIndex == emptySlot {
			continue
		}
		idx, _ := t.probe(e.UseIndex)
		t.slots.Set(idx, e)
		t.size++
	}
	return nil
}

// Len returns the number of occupied slots.
func (t *Table[W]) Len() int { return t.size }
