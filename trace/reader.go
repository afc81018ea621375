// Package trace implements the trace container and parser (C2/C3 of the
// analyzer): a zero-copy view over a memory-mapped file that decodes a
// variable-length, tagged record stream parameterized by endianness and
// word size.
package trace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/wordio"
)

// Coding names the four magic-selected (endianness, word size) pairs.
type Coding struct {
	Order    wordio.Order
	WordSize int // 4 or 8
}

var codings = map[string]Coding{
	"M4": {wordio.BigEndian, 4},
	"M8": {wordio.BigEndian, 8},
	"4M": {wordio.LittleEndian, 4},
	"8M": {wordio.LittleEndian, 8},
}

// SniffCoding reads the 2-byte magic at the front of data and returns the
// coding it selects.
func SniffCoding(data []byte) (Coding, error) {
	if len(data) < 2 {
		return Coding{}, fmt.Errorf("trace: file shorter than magic: %w", mtraceerr.Malformed)
	}
	magic := string(data[0:2])
	c, ok := codings[magic]
	if !ok {
		return Coding{}, fmt.Errorf("trace: unrecognized magic %q: %w", magic, mtraceerr.Malformed)
	}
	return c, nil
}

// mmapFile opens and whole-file-maps path read-only. The caller owns the
// returned file and must keep it open for the lifetime of the mapping.
func mmapFile(path string) (*os.File, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("trace: stat %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	if info.Size() < 2 {
		f.Close()
		return nil, nil, fmt.Errorf("trace: %s shorter than magic: %w", path, mtraceerr.Malformed)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("trace: mmap %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	return f, data, nil
}

// Reader iterates the TLV entry stream of a trace encoded with word type W.
type Reader[W wordio.Word] struct {
	file   *os.File
	data   []byte
	order  wordio.Order
	word   int // sizeof(W), 4 or 8

	machineType MachineType
	headerLen   int // aligned length of the header entry, bytes after magic

	cursor     int // byte offset from start of data
	entryIndex int
}

// Open mmaps path read-only, sniffs its coding, and constructs a Reader[W]
// matching it. W must match the word size the magic selects; callers that
// don't know W ahead of time should call SniffCoding first and dispatch.
func Open[W wordio.Word](path string) (*Reader[W], error) {
	f, data, err := mmapFile(path)
	if err != nil {
		return nil, err
	}
	coding, err := SniffCoding(data)
	if err != nil {
		f.Close()
		return nil, err
	}
	if coding.WordSize != wordio.SizeOfWord[W]() {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("trace: magic selects word size %d, not %d: %w", coding.WordSize, wordio.SizeOfWord[W](), mtraceerr.Malformed)
	}
	r := &Reader[W]{file: f, data: data, order: coding.Order, word: coding.WordSize}
	if err := r.init(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return r, nil
}

const headerFixedLen = wordio.TlvHeaderSize + 2 // tlv header + 2-byte machine type

func (r *Reader[W]) init() error {
	body := r.data[2:] // past the 2-byte magic
	if len(body) < headerFixedLen {
		return fmt.Errorf("trace: header entry truncated: %w", mtraceerr.Malformed)
	}
	tlv := wordio.ReadTlv(r.order, body)
	if int(tlv.Length) < headerFixedLen {
		return fmt.Errorf("trace: header entry shorter than fixed length: %w", mtraceerr.Malformed)
	}
	machineType := MachineType(r.order.Uint16(body[wordio.TlvHeaderSize : wordio.TlvHeaderSize+2]))
	aligned := tlv.AlignedLength(r.word)
	if aligned > len(body) {
		return fmt.Errorf("trace: header entry longer than file: %w", mtraceerr.Malformed)
	}
	r.machineType = machineType
	r.headerLen = aligned
	r.cursor = 2 + aligned
	r.entryIndex = 0
	return nil
}

// MachineType returns the machine type decoded from the header entry.
func (r *Reader[W]) MachineType() MachineType { return r.machineType }

// WordSize returns sizeof(W): 4 or 8.
func (r *Reader[W]) WordSize() int { return r.word }

// Order returns the byte order this reader decodes with.
func (r *Reader[W]) Order() wordio.Order { return r.order }

// EntryIndex returns the index the next call to Next will assign.
func (r *Reader[W]) EntryIndex() int { return r.entryIndex }

// Close unmaps the trace file.
func (r *Reader[W]) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Next decodes the record at the cursor and advances past it, or returns
// (nil, nil) at end of file.
func (r *Reader[W]) Next() (*Entry[W], error) {
	if r.cursor >= len(r.data) {
		return nil, nil
	}
	remaining := r.data[r.cursor:]
	if len(remaining) < wordio.TlvHeaderSize {
		return nil, fmt.Errorf("trace: truncated record header at entry %d: %w", r.entryIndex, mtraceerr.Malformed)
	}
	tlv := wordio.ReadTlv(r.order, remaining)
	if tlv.Length < wordio.TlvHeaderSize {
		return nil, fmt.Errorf("trace: record length %d shorter than header at entry %d: %w", tlv.Length, r.entryIndex, mtraceerr.Malformed)
	}
	aligned := tlv.AlignedLength(r.word)
	if aligned > len(remaining) {
		return nil, fmt.Errorf("trace: truncated record body at entry %d: %w", r.entryIndex, mtraceerr.Malformed)
	}
	payload := remaining[wordio.TlvHeaderSize:tlv.Length]

	entry, err := r.decode(Tag(tlv.Tag), payload)
	if err != nil {
		return nil, err
	}
	entry.Index = r.entryIndex
	entry.Tag = Tag(tlv.Tag)

	r.cursor += aligned
	r.entryIndex++
	return entry, nil
}

func (r *Reader[W]) decode(tag Tag, payload []byte) (*Entry[W], error) {
	switch tag {
	case TagLoad, TagStore, TagReg, TagGetReg, TagPutReg:
		if len(payload) < 4+r.word {
			return nil, fmt.Errorf("trace: LdSt payload too short: %w", mtraceerr.Malformed)
		}
		insnSeq := r.order.Uint32(payload[0:4])
		addr := wordio.ReadWord[W](r.order, payload[4:4+r.word])
		value := payload[4+r.word:]
		return &Entry[W]{LdSt: &LdStEntry[W]{InsnSeq: insnSeq, Addr: addr, Value: value}}, nil

	case TagInsn:
		if len(payload) < 4+r.word {
			return nil, fmt.Errorf("trace: Insn payload too short: %w", mtraceerr.Malformed)
		}
		insnSeq := r.order.Uint32(payload[0:4])
		pc := wordio.ReadWord[W](r.order, payload[4:4+r.word])
		bytes := payload[4+r.word:]
		return &Entry[W]{Insn: &InsnEntry[W]{InsnSeq: insnSeq, Pc: pc, Bytes: bytes}}, nil

	case TagInsnExec:
		if len(payload) < 4 {
			return nil, fmt.Errorf("trace: InsnExec payload too short: %w", mtraceerr.Malformed)
		}
		insnSeq := r.order.Uint32(payload[0:4])
		return &Entry[W]{InsnExec: &InsnExecEntry{InsnSeq: insnSeq}}, nil

	case TagGetRegNx, TagPutRegNx:
		if len(payload) < 4+2*r.word {
			return nil, fmt.Errorf("trace: LdStNx payload too short: %w", mtraceerr.Malformed)
		}
		insnSeq := r.order.Uint32(payload[0:4])
		addr := wordio.ReadWord[W](r.order, payload[4:4+r.word])
		size := wordio.ReadWord[W](r.order, payload[4+r.word:4+2*r.word])
		return &Entry[W]{LdStNx: &LdStNxEntry[W]{InsnSeq: insnSeq, Addr: addr, Size: size}}, nil

	case TagMmap:
		if len(payload) < 3*r.word {
			return nil, fmt.Errorf("trace: Mmap payload too short: %w", mtraceerr.Malformed)
		}
		start := wordio.ReadWord[W](r.order, payload[0*r.word:1*r.word])
		end := wordio.ReadWord[W](r.order, payload[1*r.word:2*r.word])
		flags := wordio.ReadWord[W](r.order, payload[2*r.word:3*r.word])
		nameBytes := payload[3*r.word:]
		name := nameBytes
		for i, b := range nameBytes {
			if b == 0 {
				name = nameBytes[:i]
				break
			}
		}
		return &Entry[W]{Mmap: &MmapEntry[W]{Start: start, End: end, Flags: flags, Name: string(name)}}, nil

	default:
		return nil, fmt.Errorf("trace: unknown tag 0x%x: %w", uint16(tag), mtraceerr.Malformed)
	}
}

// insnSeqOf extracts the insn_seq field from any record kind that carries
// one, or (0, false) for records that don't (Mmap).
func insnSeqOf[W wordio.Word](e *Entry[W]) (uint32, bool) {
	switch {
	case e.LdSt != nil:
		return e.LdSt.InsnSeq, true
	case e.Insn != nil:
		return e.Insn.InsnSeq, true
	case e.InsnExec != nil:
		return e.InsnExec.InsnSeq, true
	case e.LdStNx != nil:
		return e.LdStNx.InsnSeq, true
	default:
		return 0, false
	}
}

// SeekInsn resets the cursor to just after the header and scans forward,
// counting distinct insn_seq transitions across LdSt/InsnExec/LdStNx
// records, until the count equals target; it leaves the cursor positioned
// at the start of that record (the next Next() call returns it).
func (r *Reader[W]) SeekInsn(target int) error {
	r.cursor = 2 + r.headerLen
	r.entryIndex = 0
	if target < 0 {
		return fmt.Errorf("trace: seek_insn target %d negative: %w", target, mtraceerr.InvalidArgument)
	}

	count := -1
	var lastSeq uint32
	haveLast := false

	for {
		savedCursor := r.cursor
		savedIndex := r.entryIndex
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("trace: seek_insn(%d) ran past end of trace: %w", target, mtraceerr.InvalidArgument)
		}
		if seq, ok := insnSeqOf(entry); ok && entry.Insn == nil {
			if !haveLast || seq != lastSeq {
				count++
				haveLast = true
				lastSeq = seq
			}
			if count == target {
				r.cursor = savedCursor
				r.entryIndex = savedIndex
				return nil
			}
		}
	}
}
