package trace

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// traceBuilder assembles a little-endian 64-bit trace byte-for-byte, the
// way the instrumentation backend this analyzer consumes would.
type traceBuilder struct {
	buf []byte
}

func newTraceBuilder(machineType uint16) *traceBuilder {
	b := &traceBuilder{}
	b.buf = append(b.buf, '8', 'M') // little-endian, 64-bit
	b.record(uint16(0x4854), func() []byte {
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, machineType)
		return out
	}())
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
	b.record(uint16(TagInsn), payload)
}

func (b *traceBuilder) insnExec(seq uint32) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, seq)
	b.record(uint16(TagInsnExec), payload)
}

func (b *traceBuilder) ldst(tag Tag, seq uint32, addr uint64, value []byte) {
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

func TestOpenDecodesHeaderAndMagic(t *testing.T) {
	b := newTraceBuilder(62) // EM_X86_64
	path := b.write(t)

	r, err := Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, EM_X86_64, r.MachineType())
	assert.Equal(t, 8, r.WordSize())
}

func TestNextIteratesInOrder(t *testing.T) {
	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0xaa})
	b.insnExec(1)
	b.ldst(TagStore, 1, 0x2000, []byte{1, 2, 3, 4})

	path := b.write(t)
	r, err := Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	e1, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, e1.Insn)
	assert.Equal(t, uint64(0x1000), e1.Insn.Pc)
	assert.Equal(t, []byte{0xaa}, e1.Insn.Bytes)

	e2, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, e2.InsnExec)
	assert.Equal(t, uint32(1), e2.InsnExec.InsnSeq)

	e3, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, e3.LdSt)
	assert.Equal(t, uint64(0x2000), e3.LdSt.Addr)
	assert.Equal(t, []byte{1, 2, 3, 4}, e3.LdSt.Value)

	e4, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, e4)
}

func TestSeekInsnLandsOnFirstRecordOfTarget(t *testing.T) {
	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0xaa})
	b.insnExec(1)
	b.ldst(TagStore, 1, 0x2000, []byte{1, 2, 3, 4})
	b.insn(2, 0x1001, []byte{0xbb})
	b.insnExec(2)
	b.ldst(TagLoad, 2, 0x2000, []byte{1, 2, 3, 4})

	path := b.write(t)
	r, err := Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.SeekInsn(0))
	e, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, e.InsnExec)
	assert.Equal(t, uint32(1), e.InsnExec.InsnSeq)

	require.NoError(t, r.SeekInsn(1))
	e, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, e.InsnExec)
	assert.Equal(t, uint32(2), e.InsnExec.InsnSeq)

	err = r.SeekInsn(2)
	assert.Error(t, err)
}

func TestMalformedMagicRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("XX"), 0o644))

	_, err := Open[uint64](path)
	assert.Error(t, err)
}
