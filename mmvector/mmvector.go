// Package mmvector implements the persistent array substrate every bulk UD
// structure (uses, defs, partial-use table, trace rows, code table,
// instruction bytes) is built on: a random-access growable array whose
// storage is a memory-mapped file.
//
// Layout on disk: an 8-byte size header followed by capacity slots of T.
// T must be a fixed-layout type (no pointers, slices, strings, maps, or
// interfaces) since its bytes live directly in mapped, non-GC memory.
package mmvector

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mephi42/memtrace/mtraceerr"
)

// header size: one host-byte-order uint64 holding the logical element count.
const headerSize = 8

// growthBytes is the coarse growth granularity: whenever a vector grows,
// its file length is rounded up to a multiple of this. 1 GiB, matching the
// growth step described for the vector this package is modeled on.
const growthBytes = 1 << 30

// Mode selects how a Vector's backing file is created or attached.
type Mode int

const (
	// CreateTemporary opens a unique, already-unlinked backing file; the
	// vector's contents vanish when Close releases the last reference.
	CreateTemporary Mode = iota
	// CreatePersistent creates (truncating if present) a named backing file
	// that survives Close.
	CreatePersistent
	// OpenExisting attaches to a backing file written by a prior
	// CreatePersistent vector, restoring its logical size.
	OpenExisting
)

// Vector is a growable, file-backed array of T.
type Vector[T any] struct {
	file     *os.File
	data     []byte // mmap'd region: headerSize + capacity*sizeof(T)
	elemSize int
}

func elemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// New creates or opens a Vector according to mode. path is ignored for
// CreateTemporary, whose file is created in os.TempDir() under a
// "memtrace-" name prefix.
func New[T any](mode Mode, path string) (*Vector[T], error) {
	sz := elemSize[T]()
	if sz == 0 {
		return nil, fmt.Errorf("mmvector: zero-size element type: %w", mtraceerr.InvalidArgument)
	}

	switch mode {
	case CreateTemporary:
		dir := os.TempDir()
		f, err := os.CreateTemp(dir, "memtrace-*")
		if err != nil {
			return nil, fmt.Errorf("mmvector: create temp: %v: %w", err, mtraceerr.IoFailure)
		}
		if err := os.Remove(f.Name()); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmvector: unlink temp: %v: %w", err, mtraceerr.IoFailure)
		}
		return newFromFile[T](f, 0, sz)

	case CreatePersistent:
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("mmvector: create %s: %v: %w", path, err, mtraceerr.IoFailure)
		}
		return newFromFile[T](f, 0, sz)

	case OpenExisting:
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("mmvector: open %s: %v: %w", path, err, mtraceerr.IoFailure)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmvector: stat %s: %v: %w", path, err, mtraceerr.IoFailure)
		}
		if info.Size() < headerSize {
			f.Close()
			return nil, fmt.Errorf("mmvector: %s shorter than header: %w", path, mtraceerr.Malformed)
		}
		v, err := newFromFile[T](f, info.Size(), sz)
		if err != nil {
			return nil, err
		}
		return v, nil

	default:
		return nil, fmt.Errorf("mmvector: unknown mode %d: %w", mode, mtraceerr.InvalidArgument)
	}
}

func newFromFile[T any](f *os.File, existingSize int64, sz int) (*Vector[T], error) {
	mapLen := existingSize
	if mapLen < headerSize {
		mapLen = headerSize
		if err := unix.Ftruncate(int(f.Fd()), mapLen); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmvector: ftruncate: %v: %w", err, mtraceerr.AllocationFailure)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmvector: mmap: %v: %w", err, mtraceerr.IoFailure)
	}
	return &Vector[T]{file: f, data: data, elemSize: sz}, nil
}

func (v *Vector[T]) lenPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&v.data[0]))
}

// Len returns the current logical element count.
func (v *Vector[T]) Len() int {
	return int(*v.lenPtr())
}

// Cap returns how many elements fit in the current mapping without growth.
func (v *Vector[T]) Cap() int {
	return (len(v.data) - headerSize) / v.elemSize
}

func (v *Vector[T]) setLen(n int) {
	*v.lenPtr() = uint64(n)
}

// slots reinterprets the mapped region (beyond the header) as a []T.
func (v *Vector[T]) slots() []T {
	if len(v.data) <= headerSize {
		return nil
	}
	capacity := v.Cap()
	if capacity == 0 {
		return nil
	}
	p := (*T)(unsafe.Pointer(&v.data[headerSize]))
	return unsafe.Slice(p, capacity)
}

// Slice returns the live (length-bounded) elements as a slice directly over
// the mapped memory. Valid until the next call that may grow the vector.
func (v *Vector[T]) Slice() []T {
	return v.slots()[:v.Len():v.Cap()]
}

// Get returns the element at i.
func (v *Vector[T]) Get(i int) T {
	return v.slots()[i]
}

// Set overwrites the element at i, which must already be < Len().
func (v *Vector[T]) Set(i int, val T) {
	v.slots()[i] = val
}

// Reserve ensures capacity for at least n elements, growing the backing
// file and remapping if necessary. Existing Slice()/Get() results taken
// before a Reserve call that actually grows must be re-acquired.
func (v *Vector[T]) Reserve(n int) error {
	if n <= v.Cap() {
		return nil
	}
	want := int64(headerSize) + int64(n)*int64(v.elemSize)
	step := int64(growthBytes)
	newLen := ((want + step - 1) / step) * step
	if err := unix.Ftruncate(int(v.file.Fd()), newLen); err != nil {
		return fmt.Errorf("mmvector: ftruncate grow: %v: %w", err, mtraceerr.AllocationFailure)
	}
	newData, err := unix.Mremap(v.data, int(newLen), unix.MREMAP_MAYMOVE)
	if err != nil {
		return fmt.Errorf("mmvector: mremap: %v: %w", err, mtraceerr.AllocationFailure)
	}
	v.data = newData
	return nil
}

// growOnOverflow is the automatic-growth path taken by Push/Insert when the
// current capacity is exhausted: grow by the coarse fixed step.
func (v *Vector[T]) growOnOverflow(minNeeded int) error {
	if minNeeded <= v.Cap() {
		return nil
	}
	return v.Reserve(minNeeded)
}

// Push appends val, growing automatically if needed.
func (v *Vector[T]) Push(val T) error {
	n := v.Len()
	if err := v.growOnOverflow(n + 1); err != nil {
		return err
	}
	v.slots()[n] = val
	v.setLen(n + 1)
	return nil
}

// Resize sets the logical length to n, default-filling any newly exposed
// slots with fill. Shrinking only updates the length.
func (v *Vector[T]) Resize(n int, fill T) error {
	cur := v.Len()
	if n <= cur {
		v.setLen(n)
		return nil
	}
	if err := v.growOnOverflow(n); err != nil {
		return err
	}
	slots := v.slots()
	for i := cur; i < n; i++ {
		slots[i] = fill
	}
	v.setLen(n)
	return nil
}

// Insert overwrites in place starting at pos with vals, extending the
// vector's logical length as needed for any tail that runs past the
// current length.
func (v *Vector[T]) Insert(pos int, vals []T) error {
	end := pos + len(vals)
	if err := v.growOnOverflow(end); err != nil {
		return err
	}
	slots := v.slots()
	copy(slots[pos:end], vals)
	if end > v.Len() {
		v.setLen(end)
	}
	return nil
}

// Close truncates the backing file down to exactly its logical size and
// releases the mapping and file descriptor.
func (v *Vector[T]) Close() error {
	exact := int64(headerSize) + int64(v.Len())*int64(v.elemSize)
	err := unix.Munmap(v.data)
	if terr := unix.Ftruncate(int(v.file.Fd()), exact); terr != nil && err == nil {
		err = terr
	}
	if cerr := v.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("mmvector: close: %v: %w", err, mtraceerr.IoFailure)
	}
	return nil
}
