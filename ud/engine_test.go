package ud

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mephi42/memtrace/disasm"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/wordio"
)

// traceBuilder mirrors trace.traceBuilder (unexported there, so duplicated
// here) to assemble little-endian 64-bit traces byte-for-byte.
type traceBuilder struct {
	buf []byte
}

func newTraceBuilder(machineType uint16) *traceBuilder {
	b := &traceBuilder{}
	b.buf = append(b.buf, '8', 'M')
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

func newTestEngine(t *testing.T) *Engine[uint64] {
	d, err := disasm.New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)
	e, err := NewEngine[uint64](trace.EM_X86_64, wordio.LittleEndian, d)
	require.NoError(t, err)
	return e
}

func openEngineForIngest(t *testing.T) (*Engine[uint64], *trace.Reader[uint64]) {
	b := newTraceBuilder(62) // EM_X86_64
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	b.ldst(trace.TagStore, 1, 0x2000, []byte{1, 2, 3, 4})
	b.insn(2, 0x1001, []byte{0x90})
	b.insnExec(2)
	b.ldst(trace.TagLoad, 2, 0x2000, []byte{1, 2, 3, 4})

	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)

	return newTestEngine(t), r
}

func TestIngestExactMatchStoreThenLoad(t *testing.T) {
	e, r := openEngineForIngest(t)
	defer r.Close()
	defer e.Close()

	require.NoError(t, e.Ingest(r))

	// One store, one load, both exactly [0x2000, 0x2004).
	assert.Equal(t, 2, e.Mem.DefsLen()) // seed catch-all + the one store
	assert.Equal(t, 1, e.Mem.UsesLen())

	def, defIdx := e.Mem.ResolveUse(0)
	assert.Equal(t, uint64(0x2000), def.Start)
	assert.Equal(t, uint64(0x2004), def.End)
	assert.Equal(t, uint32(1), defIdx) // def 0 is the seed, def 1 is the store
}

func TestIngestSeedsCodeAndTraceTables(t *testing.T) {
	e, r := openEngineForIngest(t)
	defer r.Close()
	defer e.Close()

	require.NoError(t, e.Ingest(r))

	// code[0]/trace[0] are the synthetic catch-all seeded before any
	// MT_INSN is seen; code[1]/code[2] are the two real instructions.
	assert.Equal(t, 3, e.code.Len())
	assert.Equal(t, uint64(0x1000), e.code.Get(1).Pc)
	assert.Equal(t, uint64(0x1001), e.code.Get(2).Pc)

	// Three trace rows: seed, insn_seq=1, insn_seq=2.
	assert.Equal(t, 3, e.tr.Len())
	assert.Equal(t, uint32(1), e.tr.Get(1).CodeIndex)
	assert.Equal(t, uint32(2), e.tr.Get(2).CodeIndex)
}

func TestIngestRejectsOutOfOrderInsnSeq(t *testing.T) {
	b := newTraceBuilder(62)
	b.insn(5, 0x1000, []byte{0x90}) // code table only has 1 slot (the seed)
	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	e := newTestEngine(t)
	defer e.Close()

	err = e.Ingest(r)
	assert.Error(t, err)
}

func TestIngestSplitsOverlappingStore(t *testing.T) {
	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	b.ldst(trace.TagStore, 1, 0x2000, []byte{1, 2, 3, 4, 5, 6, 7, 8}) // [0x2000, 0x2008)
	b.insn(2, 0x1001, []byte{0x90})
	b.insnExec(2)
	b.ldst(trace.TagStore, 2, 0x2002, []byte{1, 2, 3, 4}) // inner overlap: [0x2002, 0x2006)
	b.insn(3, 0x1002, []byte{0x90})
	b.insnExec(3)
	b.ldst(trace.TagLoad, 3, 0x2000, []byte{1, 2}) // exact left sliver of the first store

	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	e := newTestEngine(t)
	defer e.Close()
	require.NoError(t, e.Ingest(r))

	require.Equal(t, 1, e.Mem.UsesLen())
	def, defIdx := e.Mem.ResolveUse(0)
	assert.Equal(t, uint64(0x2000), def.Start)
	assert.Equal(t, uint64(0x2002), def.End)
	assert.Equal(t, uint32(1), defIdx) // resolves to the first store, not the second
}

func TestQuerySurfaceResolvesTraceAndCodeLookups(t *testing.T) {
	e, r := openEngineForIngest(t)
	defer r.Close()
	defer e.Close()

	require.NoError(t, e.Ingest(r))

	assert.Equal(t, []int{1}, e.CodesForPc(0x1000))
	assert.Equal(t, uint64(0x1001), e.PcForCode(2))
	assert.Equal(t, []int{1}, e.TracesForCode(1))
	assert.Equal(t, 1, e.CodeForTrace(1))

	regStart, regEnd := e.RegUsesForTrace(0)
	assert.Equal(t, 0, regStart)
	assert.Equal(t, 0, regEnd)

	memUseStart, memUseEnd := e.MemUsesForTrace(2)
	assert.Equal(t, 0, memUseStart)
	assert.Equal(t, 1, memUseEnd)

	assert.Equal(t, 1, e.TraceForMemUse(0)) // the load at trace row 2 reads the store at trace row 1
}

func TestIngestRecordsPartialUseAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "{}")

	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	// store [0x2000, 0x2010)
	b.ldst(trace.TagStore, 1, 0x2000, make([]byte, 16))
	b.insn(2, 0x1001, []byte{0x90})
	b.insnExec(2)
	// load [0x2004, 0x200c): strictly inside the store, a partial use of it
	b.ldst(trace.TagLoad, 2, 0x2004, make([]byte, 8))

	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)

	d, err := disasm.New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)

	e, err := CreateEngine[uint64](template, trace.EM_X86_64, wordio.LittleEndian, d)
	require.NoError(t, err)
	require.NoError(t, e.Ingest(r))
	require.NoError(t, r.Close())

	require.Equal(t, 1, e.Mem.UsesLen())
	narrowed, defIdx := e.Mem.ResolveUse(0)
	assert.Equal(t, uint64(0x2004), narrowed.Start)
	assert.Equal(t, uint64(0x200c), narrowed.End)
	assert.Equal(t, uint32(1), defIdx)
	require.NoError(t, e.Close())

	reopened, err := Load[uint64](template, d)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 1, reopened.Mem.UsesLen())
	narrowedAfterReopen, defIdxAfterReopen := reopened.Mem.ResolveUse(0)
	assert.Equal(t, uint64(0x2004), narrowedAfterReopen.Start)
	assert.Equal(t, uint64(0x200c), narrowedAfterReopen.End)
	assert.Equal(t, uint32(1), defIdxAfterReopen)
}

func TestDisasmForCodeFallsBackAfterReopen(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "{}")

	b := newTraceBuilder(62)
	b.insn(1, 0x1000, []byte{0x90})
	b.insnExec(1)
	path := b.write(t)
	r, err := trace.Open[uint64](path)
	require.NoError(t, err)
	defer r.Close()

	d, err := disasm.New(trace.EM_X86_64, wordio.LittleEndian, 8)
	require.NoError(t, err)

	e, err := CreateEngine[uint64](template, trace.EM_X86_64, wordio.LittleEndian, d)
	require.NoError(t, err)
	require.NoError(t, e.Ingest(r))
	want := e.DisasmForCode(1)
	require.NoError(t, e.Close())

	reopened, err := Load[uint64](template, d)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, want, reopened.DisasmForCode(1))
}

func TestCompleteWritesDotHtmlAndCsvOutputs(t *testing.T) {
	e, r := openEngineForIngest(t)
	defer r.Close()
	defer e.Close()
	require.NoError(t, e.Ingest(r))

	dir := t.TempDir()
	outputs := OutputPaths{
		Dot:         filepath.Join(dir, "ud.dot"),
		Html:        filepath.Join(dir, "ud.html"),
		CsvTemplate: filepath.Join(dir, "{}.csv"),
	}
	require.NoError(t, e.Complete(outputs))

	dot, err := os.ReadFile(outputs.Dot)
	require.NoError(t, err)
	assert.Contains(t, string(dot), "digraph ud {")
	assert.Contains(t, string(dot), "2 -> 1") // the load's trace row points back at the store's trace row

	html, err := os.ReadFile(outputs.Html)
	require.NoError(t, err)
	assert.Contains(t, string(html), `<table>`)
	assert.Contains(t, string(html), `id="2"`)

	codeCsv, err := os.ReadFile(filepath.Join(dir, "code.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(codeCsv), "code_index,pc,bytes_hex,disasm_quoted")

	usesCsv, err := os.ReadFile(filepath.Join(dir, "uses.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(usesCsv), "trace_index,producer_trace_index,domain_prefix,range_start,range_end")
	assert.Contains(t, string(usesCsv), "2,1,m,")
}
