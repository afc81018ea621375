package ud

import (
	"fmt"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/mephi42/memtrace/mmvector"
	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/partialuse"
	"github.com/mephi42/memtrace/wordio"
)

// maxOverlapsPerDef is the largest number of live-definition entries a
// single add_defs call may touch; the upstream instrumentation never
// records a register or memory access wider than this.
const maxOverlapsPerDef = 32

// addressSpaceValue is the value half of the AddressSpace map: for the
// entry keyed by exclusive end address, where its range starts and which
// def produced it.
type addressSpaceValue[W wordio.Word] struct {
	Start    W
	DefIndex uint32
}

func lessW[W wordio.Word](a, b interface{}) int {
	aw, bw := a.(W), b.(W)
	switch {
	case aw < bw:
		return -1
	case aw > bw:
		return 1
	default:
		return 0
	}
}

// Domain is a per-domain (register or memory) live-definition tracker: it
// maintains an in-memory AddressSpace ordered map from exclusive end
// address to (start address, def index), plus the persistent uses/defs/
// partial-uses vectors that record the UD graph itself.
type Domain[W wordio.Word] struct {
	uses        *mmvector.Vector[uint32]
	defs        *mmvector.Vector[partialuse.Def[W]]
	partialUses *partialuse.Table[W]
	space       *rbt.Tree
}

// overlapEntry is one AddressSpace range collected while scanning for uses
// or defs overlapping a query range.
type overlapEntry[W wordio.Word] struct {
	Start, End W
	DefIndex   uint32
}

func newDomainTrees[W wordio.Word](uses *mmvector.Vector[uint32], defs *mmvector.Vector[partialuse.Def[W]], pu *partialuse.Table[W]) *Domain[W] {
	return &Domain[W]{
		uses:        uses,
		defs:        defs,
		partialUses: pu,
		space:       rbt.NewWith(lessW[W]),
	}
}

// NewDomain creates a fresh, temporary-backed Domain seeded with the
// whole-address-space catch-all definition [0, W::MAX) as def index 0.
func NewDomain[W wordio.Word]() (*Domain[W], error) {
	uses, err := mmvector.New[uint32](mmvector.CreateTemporary, "")
	if err != nil {
		return nil, err
	}
	defs, err := mmvector.New[partialuse.Def[W]](mmvector.CreateTemporary, "")
	if err != nil {
		return nil, err
	}
	pu, err := partialuse.New[W]()
	if err != nil {
		return nil, err
	}
	d := newDomainTrees(uses, defs, pu)
	if err := d.seed(); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDomain creates a fresh Domain whose uses/defs/partial-uses vectors
// are backed by the given named files.
func CreateDomain[W wordio.Word](usesPath, defsPath, partialUsesPath string) (*Domain[W], error) {
	uses, err := mmvector.New[uint32](mmvector.CreatePersistent, usesPath)
	if err != nil {
		return nil, err
	}
	defs, err := mmvector.New[partialuse.Def[W]](mmvector.CreatePersistent, defsPath)
	if err != nil {
		return nil, err
	}
	pu, err := partialuse.Create[W](partialUsesPath)
	if err != nil {
		return nil, err
	}
	d := newDomainTrees(uses, defs, pu)
	if err := d.seed(); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenDomain reattaches to a Domain previously written by CreateDomain. The
// AddressSpace map is left empty: reopened domains answer queries against
// the persisted vectors directly and are not meant to ingest further
// records (a fresh re-ingest would be needed to rebuild the map).
func OpenDomain[W wordio.Word](usesPath, defsPath, partialUsesPath string) (*Domain[W], error) {
	uses, err := mmvector.New[uint32](mmvector.OpenExisting, usesPath)
	if err != nil {
		return nil, err
	}
	defs, err := mmvector.New[partialuse.Def[W]](mmvector.OpenExisting, defsPath)
	if err != nil {
		return nil, err
	}
	pu, err := partialuse.Open[W](partialUsesPath)
	if err != nil {
		return nil, err
	}
	return newDomainTrees(uses, defs, pu), nil
}

func (d *Domain[W]) seed() error {
	var maxW W = wordio.MaxWord[W]()
	if err := d.defs.Push(partialuse.Def[W]{Start: 0, End: maxW}); err != nil {
		return err
	}
	d.space.Put(maxW, addressSpaceValue[W]{Start: 0, DefIndex: 0})
	return nil
}

// DefsLen returns the number of defs recorded so far.
func (d *Domain[W]) DefsLen() int { return d.defs.Len() }

// UsesLen returns the number of uses recorded so far.
func (d *Domain[W]) UsesLen() int { return d.uses.Len() }

// Def returns the def at index i.
func (d *Domain[W]) Def(i int) partialuse.Def[W] { return d.defs.Get(i) }

// Use returns the def index the use at index i resolved to.
func (d *Domain[W]) Use(i int) uint32 { return d.uses.Get(i) }

// PartialUse returns the narrowed range for use i, if any.
func (d *Domain[W]) PartialUse(i int) (partialuse.Def[W], bool) {
	return d.partialUses.Get(uint32(i))
}

// noOverlapLimit disables collectOverlapping's too-many-entries check, for
// callers that have no cap to enforce.
const noOverlapLimit = -1

// collectOverlapping returns every AddressSpace entry whose range overlaps
// [start, end), in increasing end-address order, stopping (and reporting
// too many) past limit entries unless limit is noOverlapLimit.
func (d *Domain[W]) collectOverlapping(start, end W, limit int) ([]overlapEntry[W], error) {
	var out []overlapEntry[W]
	key := start
	first := true
	for {
		var node *rbt.Node
		var found bool
		if first {
			node, found = d.space.Ceiling(key)
			first = false
		} else {
			node, found = d.space.Ceiling(key)
		}
		if !found || node == nil {
			break
		}
		endAddr := node.Key.(W)
		val := node.Value.(addressSpaceValue[W])
		if val.Start >= end {
			break
		}
		if endAddr <= start {
			// Ceiling(start) can return the entry whose exclusive end is
			// exactly start; it does not overlap [start, end), so skip it.
			key = endAddr + 1
			continue
		}
		out = append(out, overlapEntry[W]{Start: val.Start, End: endAddr, DefIndex: val.DefIndex})
		if limit != noOverlapLimit && len(out) > limit {
			return out, fmt.Errorf("ud: add_defs touched more than %d overlapping entries: %w", limit, mtraceerr.Malformed)
		}
		key = endAddr + 1
		if endAddr == wordio.MaxWord[W]() {
			break // no entry can have a larger end address
		}
	}
	return out, nil
}

// AddUses records a read of [start, start+size) and appends one use per
// AddressSpace entry it overlaps, narrowing via the partial-use table when
// an entry only partially covers the read.
func (d *Domain[W]) AddUses(start W, size W) error {
	if size == 0 {
		return nil
	}
	end := start + size
	entries, err := d.collectOverlapping(start, end, noOverlapLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.uses.Push(e.DefIndex); err != nil {
			return err
		}
		useIdx := uint32(d.uses.Len() - 1)
		maxStart := e.Start
		if start > maxStart {
			maxStart = start
		}
		minEnd := e.End
		if end < minEnd {
			minEnd = end
		}
		// A use is "partial" relative to the def's original full extent, not
		// to its current (possibly already-split) live AddressSpace sliver:
		// a read that exactly spans a sliver shrunk by a later write is
		// still only a partial use of what the def originally wrote.
		orig := d.defs.Get(int(e.DefIndex))
		if maxStart != orig.Start || minEnd != orig.End {
			if err := d.partialUses.Set(useIdx, partialuse.Def[W]{Start: maxStart, End: minEnd}); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddDefs records a write of [start, start+size), splitting every
// AddressSpace entry it overlaps into whatever slivers survive outside the
// new range, then inserting the new range as a fresh def.
func (d *Domain[W]) AddDefs(start W, size W) error {
	if size == 0 {
		return nil
	}
	end := start + size
	entries, err := d.collectOverlapping(start, end, maxOverlapsPerDef)
	if err != nil {
		return err
	}

	for _, e := range entries {
		d.space.Remove(e.End)
		switch {
		case start <= e.Start && end < e.End:
			// left-overlap: keep [end, e.End) with the same def.
			d.space.Put(e.End, addressSpaceValue[W]{Start: end, DefIndex: e.DefIndex})
		case start <= e.Start && end >= e.End:
			// outer overlap: the new def fully shadows this entry.
		case start > e.Start && end < e.End:
			// inner overlap: splits into two slivers with the same def.
			d.space.Put(start, addressSpaceValue[W]{Start: e.Start, DefIndex: e.DefIndex})
			d.space.Put(e.End, addressSpaceValue[W]{Start: end, DefIndex: e.DefIndex})
		case start > e.Start && end >= e.End:
			// right-overlap: keep [e.Start, start) with the same def.
			d.space.Put(start, addressSpaceValue[W]{Start: e.Start, DefIndex: e.DefIndex})
		}
	}

	if err := d.defs.Push(partialuse.Def[W]{Start: start, End: end}); err != nil {
		return err
	}
	newDefIndex := uint32(d.defs.Len() - 1)
	d.space.Put(end, addressSpaceValue[W]{Start: start, DefIndex: newDefIndex})
	return nil
}

// ResolveUse returns the effective def range for useIndex (narrowed if a
// PartialUse exists) plus the def index it points at.
func (d *Domain[W]) ResolveUse(useIndex int) (partialuse.Def[W], uint32) {
	defIndex := d.Use(useIndex)
	if narrowed, ok := d.PartialUse(useIndex); ok {
		return narrowed, defIndex
	}
	return d.Def(int(defIndex)), defIndex
}

// Close releases every backing vector/table this domain owns.
func (d *Domain[W]) Close() error {
	var err error
	if e := d.uses.Close(); e != nil && err == nil {
		err = e
	}
	if e := d.defs.Close(); e != nil && err == nil {
		err = e
	}
	if e := d.partialUses.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
