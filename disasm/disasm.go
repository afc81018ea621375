// Package disasm implements the opaque Disassembler collaborator memtrace's
// core treats as external: init(machine, endianness, word_size) and
// disassemble(bytes, pc) -> text, with "<unknown>" tolerated on failure or
// when a combination isn't supported.
package disasm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/ppc64/ppc64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/wordio"
)

// Unknown is what the core stores when a disassembly attempt fails.
const Unknown = "<unknown>"

// Disassembler renders raw instruction bytes as text.
type Disassembler interface {
	// Disassemble returns the rendered mnemonic+operands for the bytes
	// executing at pc, or Unknown if decoding failed.
	Disassemble(bytes []byte, pc uint64) string
}

// New selects a Disassembler for the given machine type and word size. The
// returned disassembler always yields Unknown rather than an error; New
// itself fails with InvalidArgument only for endianness/word-size
// combinations the underlying decoder cannot represent at all.
func New(machineType trace.MachineType, order wordio.Order, wordSize int) (Disassembler, error) {
	switch machineType {
	case trace.EM_386:
		if wordSize != 4 {
			return nil, fmt.Errorf("disasm: EM_386 requires word size 4: %w", mtraceerr.InvalidArgument)
		}
		return x86Disasm{bits: 32}, nil
	case trace.EM_X86_64:
		if wordSize != 8 {
			return nil, fmt.Errorf("disasm: EM_X86_64 requires word size 8: %w", mtraceerr.InvalidArgument)
		}
		return x86Disasm{bits: 64}, nil
	case trace.EM_AARCH64:
		if wordSize != 8 {
			return nil, fmt.Errorf("disasm: EM_AARCH64 requires word size 8: %w", mtraceerr.InvalidArgument)
		}
		return arm64Disasm{}, nil
	case trace.EM_PPC64:
		if wordSize != 8 {
			return nil, fmt.Errorf("disasm: EM_PPC64 requires word size 8: %w", mtraceerr.InvalidArgument)
		}
		bigEndian := order == wordio.BigEndian
		return ppc64Disasm{bigEndian: bigEndian}, nil
	default:
		// No decoder is wired up for the remaining machine types (EM_ARM,
		// EM_PPC, EM_S390, EM_MIPS, EM_NANOMIPS): every call resolves to
		// Unknown, matching the "core tolerates failure" contract.
		return unknownDisasm{}, nil
	}
}

type unknownDisasm struct{}

func (unknownDisasm) Disassemble([]byte, uint64) string { return Unknown }

type x86Disasm struct{ bits int }

func (d x86Disasm) Disassemble(b []byte, pc uint64) string {
	inst, err := x86asm.Decode(b, d.bits)
	if err != nil || inst.Op == 0 {
		// Op 0 is what the decoder reports for input that holds no
		// complete opcode (e.g. a truncated instruction).
		return Unknown
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}

type arm64Disasm struct{}

func (arm64Disasm) Disassemble(b []byte, _ uint64) string {
	inst, err := arm64asm.Decode(b)
	if err != nil {
		return Unknown
	}
	return arm64asm.GNUSyntax(inst)
}

type ppc64Disasm struct{ bigEndian bool }

func (d ppc64Disasm) Disassemble(b []byte, pc uint64) string {
	var byteOrder binary.ByteOrder = binary.LittleEndian
	if d.bigEndian {
		byteOrder = binary.BigEndian
	}
	inst, err := ppc64asm.Decode(b, byteOrder)
	if err != nil {
		return Unknown
	}
	return ppc64asm.GNUSyntax(inst, pc)
}
