// Package dump implements the human-readable trace formatter (C4): one
// line per record, with instruction bytes disassembled and a running
// instruction count, optionally windowed to [start, end) by entry_index.
package dump

import (
	"fmt"
	"io"

	"github.com/mephi42/memtrace/disasm"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/wordio"
)

// Run decodes every record in r, writing one formatted line per record to
// w, skipping entries outside [start, end) when either bound is >= 0.
// end is exclusive; a negative start or end disables that bound.
func Run[W uint32 | uint64](w io.Writer, r *trace.Reader[W], d disasm.Disassembler, start, end int) error {
	fmt.Fprintf(w, "Endian            : %s\n", endianName(r.Order()))
	fmt.Fprintf(w, "Word              : %s\n", wordLetter(r.WordSize()))
	fmt.Fprintf(w, "Word size         : %d\n", r.WordSize())
	fmt.Fprintf(w, "Machine           : %s\n", r.MachineType())

	insnCount := 0
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if start >= 0 && entry.Index < start {
			continue
		}
		if end >= 0 && entry.Index >= end {
			break
		}
		if err := writeEntry(w, entry, d); err != nil {
			return err
		}
		if entry.InsnExec != nil {
			insnCount++
		}
	}
	fmt.Fprintf(w, "Insns             : %d\n", insnCount)
	return nil
}

func writeEntry[W uint32 | uint64](w io.Writer, e *trace.Entry[W], d disasm.Disassembler) error {
	switch {
	case e.LdSt != nil:
		_, err := fmt.Fprintf(w, "[%10d] 0x%08x: %s uint%d_t [0x%x] %s\n",
			e.Index, e.LdSt.InsnSeq, e.Tag, e.LdSt.Size()*8, uint64(e.LdSt.Addr), hexDump(e.LdSt.Value))
		return err

	case e.Insn != nil:
		text := d.Disassemble(e.Insn.Bytes, uint64(e.Insn.Pc))
		_, err := fmt.Fprintf(w, "[%10d] 0x%08x: %s 0x%016x %s %s\n",
			e.Index, e.Insn.InsnSeq, e.Tag, uint64(e.Insn.Pc), hexDump(e.Insn.Bytes), text)
		return err

	case e.InsnExec != nil:
		_, err := fmt.Fprintf(w, "[%10d] 0x%08x: %s\n", e.Index, e.InsnExec.InsnSeq, e.Tag)
		return err

	case e.LdStNx != nil:
		_, err := fmt.Fprintf(w, "[%10d] 0x%08x: %s uint%d_t [0x%x]\n",
			e.Index, e.LdStNx.InsnSeq, e.Tag, uint64(e.LdStNx.Size)*8, uint64(e.LdStNx.Addr))
		return err

	case e.Mmap != nil:
		_, err := fmt.Fprintf(w, "[%10d] %s %016x-%016x %s %s\n",
			e.Index, e.Tag, uint64(e.Mmap.Start), uint64(e.Mmap.End)+1, flagString(uint64(e.Mmap.Flags)), e.Mmap.Name)
		return err

	default:
		return nil
	}
}

func hexDump(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	const hextab = "0123456789abcdef"
	for _, c := range b {
		out = append(out, hextab[c>>4], hextab[c&0xf])
	}
	return string(out)
}

func flagString(flags uint64) string {
	out := []byte("---")
	if flags&trace.FlagRead != 0 {
		out[0] = 'r'
	}
	if flags&trace.FlagWrite != 0 {
		out[1] = 'w'
	}
	if flags&trace.FlagExecute != 0 {
		out[2] = 'x'
	}
	return string(out)
}

func endianName(o wordio.Order) string {
	if o == wordio.LittleEndian {
		return "Little"
	}
	return "Big"
}

func wordLetter(wordSize int) string {
	if wordSize == 4 {
		return "I"
	}
	return "Q"
}
