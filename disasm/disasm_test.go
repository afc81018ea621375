package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/wordio"
)

func TestX86_64DecodesNop(t *testing.T) {
	d, err := New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)
	text := d.Disassemble([]byte{0x90}, 0x1000)
	assert.NotEqual(t, Unknown, text)
}

func TestUnsupportedMachineYieldsUnknown(t *testing.T) {
	d, err := New(trace.EM_S390, wordio.BigEndian, 8)
	require.NoError(t, err)
	assert.Equal(t, Unknown, d.Disassemble([]byte{0x00}, 0))
}

func TestTruncatedInstructionYieldsUnknown(t *testing.T) {
	d, err := New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)
	// 0xff requires a following ModRM byte; an empty continuation truncates.
	assert.Equal(t, Unknown, d.Disassemble([]byte{0xff}, 0))
}

func TestWrongWordSizeRejected(t *testing.T) {
	_, err := New(trace.EM_X86_64, wordio.LittleEndian, 4)
	assert.Error(t, err)
}
