package dump

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mephi42/memtrace/disasm"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/wordio"
)

type traceBuilder struct{ buf []byte }

func newTraceBuilder(machineType uint16) *traceBuilder {
	b := &traceBuilder{}
	b.buf = append(b.buf, '8', 'M')
	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, machineType)
	b.record(0x4854, header)
	return b
}

func (b *traceBuilder) record(tag uint16, payload []byte) {
	total := 4 + len(payload)
	aligned := total
	if rem := aligned % 8; rem != 0 {
		aligned += 8 - rem
	}
	rec := make([]byte, aligned)
	binary.LittleEndian.PutUint16(rec[0:2], tag)
	binary.LittleEndian.PutUint16(rec[2:4], uint16(total))
	copy(rec[4:], payload)
	b.buf = append(b.buf, rec...)
}

func (b *traceBuilder) insn(seq uint32, pc uint64, bytes []byte) {
	payload := make([]byte, 4+8+len(bytes))
	binary.LittleEndian.PutUint32(payload[0:4], seq)
	binary.LittleEndian.PutUint64(payload[4:12], pc)
	copy(payload[12:], bytes)
	b.record(uint16(trace.TagInsn), payload)
}

func (b *traceBuilder) insnExec(seq uint32) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, seq)
	b.record(uint16(trace.TagInsnExec), payload)
}

func (b *traceBuilder) ldst(tag trace.Tag, seq uint32, addr uint64, value []byte) {
	payload := make([]byte, 4+8+len(value))
	binary.LittleEndian.PutUint32(payload[0:4], seq)
	binary.LittleEndian.PutUint64(payload[4:12], addr)
	copy(payload[12:], value)
	b.record(uint16(tag), payload)
}

func (b *traceBuilder) write(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")
	require.NoError(t, os.WriteFile(path, b.buf, 0o644))
	return path
}

func TestRunFormatsEveryRecordKind(t *testing.T) {
	b := newTraceBuilder(62) // EM_X86_64
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	b.ldst(trace.TagStore, 1, 0x2000, []byte{1, 2, 3, 4})

	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	d, err := disasm.New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Run(&out, r, d, -1, -1))

	got := out.String()
	assert.True(t, strings.Contains(got, "Machine           : EM_X86_64"))
	assert.True(t, strings.Contains(got, "MT_INSN"))
	assert.True(t, strings.Contains(got, "MT_STORE"))
	assert.True(t, strings.Contains(got, "Insns             : 1"))
}

func TestRunHonorsWindow(t *testing.T) {
	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	b.insn(2, 0x1001, []byte{0x90})
	b.insnExec(2)

	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	d, err := disasm.New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Run(&out, r, d, 2, 3))

	got := out.String()
	assert.False(t, strings.Contains(got, "0x0000000000001000"))
	assert.True(t, strings.Contains(got, "0x0000000000001001"))
	assert.True(t, strings.Contains(got, "MT_INSN "))
	assert.False(t, strings.Contains(got, "MT_INSN_EXEC"))
}
