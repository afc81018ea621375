package ud

import (
	"fmt"
	"os"
	"strings"

	"github.com/mephi42/memtrace/disasm"
	"github.com/mephi42/memtrace/mmvector"
	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/tracelog"
	"github.com/mephi42/memtrace/wordio"
)

// storeNames are the companion files a persistent Engine instance is split
// across, keyed by the name substituted into a "{}"-bearing path template.
var storeNames = []string{"header", "trace", "code", "text", "reg-uses", "reg-defs", "reg-partial-uses", "mem-uses", "mem-defs", "mem-partial-uses"}

// Engine is the use-definition engine (C7): it drives a trace.Reader
// through the record stream, routes events into two Domain instances, and
// owns the code/trace tables queries run against.
type Engine[W wordio.Word] struct {
	Reg *Domain[W]
	Mem *Domain[W]

	code *mmvector.Vector[InsnInCode[W]]
	text *mmvector.Vector[byte]
	dism []string // parallel to code; re-derived from text on reopen if empty
	tr   *mmvector.Vector[InsnInTrace]

	machineType MachineType
	order       wordio.Order

	disassembler disasm.Disassembler
	Verbose      bool
	Logger       tracelog.Logger
}

// MachineType is re-exported from trace to avoid every caller importing
// both packages just to read it back off an Engine.
type MachineType = trace.MachineType

func templatePath(template, name string) (string, error) {
	if !strings.Contains(template, "{}") {
		return "", fmt.Errorf("ud: output path template %q missing {} placeholder: %w", template, mtraceerr.ConfigError)
	}
	return strings.Replace(template, "{}", name, 1), nil
}

func pathsFor(template string) (map[string]string, error) {
	paths := make(map[string]string, len(storeNames))
	for _, name := range storeNames {
		p, err := templatePath(template, name)
		if err != nil {
			return nil, err
		}
		paths[name] = p
	}
	return paths, nil
}

func newEngineShell[W wordio.Word](machineType trace.MachineType, order wordio.Order, d disasm.Disassembler) *Engine[W] {
	return &Engine[W]{machineType: machineType, order: order, disassembler: d, Logger: tracelog.New("module", tracelog.Ingest)}
}

// NewEngine creates a temporary-backed Engine: every vector lives in an
// unlinked file and vanishes on Close. Useful for one-shot ingests whose
// only output is the query surface or a rendered report.
func NewEngine[W wordio.Word](machineType trace.MachineType, order wordio.Order, d disasm.Disassembler) (*Engine[W], error) {
	e := newEngineShell[W](machineType, order, d)
	var err error
	if e.Reg, err = NewDomain[W](); err != nil {
		return nil, err
	}
	if e.Mem, err = NewDomain[W](); err != nil {
		return nil, err
	}
	if e.code, err = mmvector.New[InsnInCode[W]](mmvector.CreateTemporary, ""); err != nil {
		return nil, err
	}
	if e.text, err = mmvector.New[byte](mmvector.CreateTemporary, ""); err != nil {
		return nil, err
	}
	if e.tr, err = mmvector.New[InsnInTrace](mmvector.CreateTemporary, ""); err != nil {
		return nil, err
	}
	if err := e.seed(); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateEngine creates a persistent Engine whose companion files are named
// by substituting "{}" in pathTemplate.
func CreateEngine[W wordio.Word](pathTemplate string, machineType trace.MachineType, order wordio.Order, d disasm.Disassembler) (*Engine[W], error) {
	paths, err := pathsFor(pathTemplate)
	if err != nil {
		return nil, err
	}
	e := newEngineShell[W](machineType, order, d)
	if e.Reg, err = CreateDomain[W](paths["reg-uses"], paths["reg-defs"], paths["reg-partial-uses"]); err != nil {
		return nil, err
	}
	if e.Mem, err = CreateDomain[W](paths["mem-uses"], paths["mem-defs"], paths["mem-partial-uses"]); err != nil {
		return nil, err
	}
	if e.code, err = mmvector.New[InsnInCode[W]](mmvector.CreatePersistent, paths["code"]); err != nil {
		return nil, err
	}
	if e.text, err = mmvector.New[byte](mmvector.CreatePersistent, paths["text"]); err != nil {
		return nil, err
	}
	if e.tr, err = mmvector.New[InsnInTrace](mmvector.CreatePersistent, paths["trace"]); err != nil {
		return nil, err
	}
	if err := e.seed(); err != nil {
		return nil, err
	}
	if err := writeHeader(paths["header"], machineType, order, wordio.SizeOfWord[W]()); err != nil {
		return nil, err
	}
	return e, nil
}

// OpenEngine reattaches to an Engine previously written by CreateEngine,
// reading its machine type/endianness from the header file and answering
// queries against the persisted vectors without re-ingesting.
func OpenEngine[W wordio.Word](pathTemplate string, d disasm.Disassembler) (*Engine[W], error) {
	paths, err := pathsFor(pathTemplate)
	if err != nil {
		return nil, err
	}
	machineType, order, err := readHeader(paths["header"])
	if err != nil {
		return nil, err
	}
	e := newEngineShell[W](machineType, order, d)
	if e.Reg, err = OpenDomain[W](paths["reg-uses"], paths["reg-defs"], paths["reg-partial-uses"]); err != nil {
		return nil, err
	}
	if e.Mem, err = OpenDomain[W](paths["mem-uses"], paths["mem-defs"], paths["mem-partial-uses"]); err != nil {
		return nil, err
	}
	if e.code, err = mmvector.New[InsnInCode[W]](mmvector.OpenExisting, paths["code"]); err != nil {
		return nil, err
	}
	if e.text, err = mmvector.New[byte](mmvector.OpenExisting, paths["text"]); err != nil {
		return nil, err
	}
	if e.tr, err = mmvector.New[InsnInTrace](mmvector.OpenExisting, paths["trace"]); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine[W]) seed() error {
	if err := e.code.Push(InsnInCode[W]{}); err != nil {
		return err
	}
	e.dism = append(e.dism, disasm.Unknown)
	return e.tr.Push(InsnInTrace{CodeIndex: 0})
}

// Close releases every backing vector this engine owns.
func (e *Engine[W]) Close() error {
	var err error
	if e := e.Reg.Close(); e != nil && err == nil {
		err = e
	}
	if e := e.Mem.Close(); e != nil && err == nil {
		err = e
	}
	if cerr := e.code.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.text.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.tr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Ingest drives r to completion, routing every record into the two
// domains and the code/trace tables.
func (e *Engine[W]) Ingest(r *trace.Reader[W]) error {
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if err := e.handle(entry); err != nil {
			return err
		}
	}
	return e.flushLast()
}

func (e *Engine[W]) handle(entry *trace.Entry[W]) error {
	switch {
	case entry.LdSt != nil:
		if err := e.transition(entry.LdSt.InsnSeq); err != nil {
			return err
		}
		size := W(len(entry.LdSt.Value))
		switch entry.Tag {
		case trace.TagLoad:
			return e.Mem.AddUses(entry.LdSt.Addr, size)
		case trace.TagStore:
			return e.Mem.AddDefs(entry.LdSt.Addr, size)
		case trace.TagReg:
			return nil // reported aggregate; ignored by the engine.
		case trace.TagGetReg:
			return e.Reg.AddUses(entry.LdSt.Addr, size)
		case trace.TagPutReg:
			return e.Reg.AddDefs(entry.LdSt.Addr, size)
		}
		return nil

	case entry.Insn != nil:
		if err := e.transition(entry.Insn.InsnSeq); err != nil {
			return err
		}
		return e.handleInsn(entry.Insn)

	case entry.InsnExec != nil:
		return e.transition(entry.InsnExec.InsnSeq)

	case entry.LdStNx != nil:
		if err := e.transition(entry.LdStNx.InsnSeq); err != nil {
			return err
		}
		if entry.Tag == trace.TagGetRegNx {
			return e.Reg.AddUses(entry.LdStNx.Addr, entry.LdStNx.Size)
		}
		return e.Reg.AddDefs(entry.LdStNx.Addr, entry.LdStNx.Size)

	case entry.Mmap != nil:
		return nil // available to other visitors; ignored by the engine.

	default:
		return nil
	}
}

func (e *Engine[W]) handleInsn(insn *trace.InsnEntry[W]) error {
	if insn.InsnSeq != uint32(e.code.Len()) {
		return fmt.Errorf("ud: insn_seq %d does not match code length %d: %w", insn.InsnSeq, e.code.Len(), mtraceerr.Malformed)
	}
	textIndex := uint32(e.text.Len())
	if err := e.text.Insert(e.text.Len(), insn.Bytes); err != nil {
		return err
	}
	if err := e.code.Push(InsnInCode[W]{Pc: insn.Pc, TextIndex: textIndex, TextSize: uint32(len(insn.Bytes))}); err != nil {
		return err
	}
	e.dism = append(e.dism, e.disassembler.Disassemble(insn.Bytes, uint64(insn.Pc)))
	return nil
}

// transition implements the trace-row flush/append logic shared by every
// insn_seq-bearing record.
func (e *Engine[W]) transition(seq uint32) error {
	idx := e.tr.Len() - 1
	cur := e.tr.Get(idx)
	if cur.CodeIndex == seq {
		return nil
	}
	cur.RegUseEndIndex = uint32(e.Reg.UsesLen())
	cur.RegDefEndIndex = uint32(e.Reg.DefsLen())
	cur.MemUseEndIndex = uint32(e.Mem.UsesLen())
	cur.MemDefEndIndex = uint32(e.Mem.DefsLen())
	e.tr.Set(idx, cur)
	if e.Verbose && e.Logger != nil {
		e.Logger.Info(tracelog.Ingest, "flushed trace row", "trace_index", idx, "code_index", cur.CodeIndex,
			"reg_uses", cur.RegUseEndIndex-cur.RegUseStartIndex, "mem_uses", cur.MemUseEndIndex-cur.MemUseStartIndex)
	}
	return e.tr.Push(InsnInTrace{
		CodeIndex:        seq,
		RegUseStartIndex: cur.RegUseEndIndex,
		RegDefStartIndex: cur.RegDefEndIndex,
		MemUseStartIndex: cur.MemUseEndIndex,
		MemDefStartIndex: cur.MemDefEndIndex,
	})
}

func (e *Engine[W]) flushLast() error {
	idx := e.tr.Len() - 1
	cur := e.tr.Get(idx)
	cur.RegUseEndIndex = uint32(e.Reg.UsesLen())
	cur.RegDefEndIndex = uint32(e.Reg.DefsLen())
	cur.MemUseEndIndex = uint32(e.Mem.UsesLen())
	cur.MemDefEndIndex = uint32(e.Mem.DefsLen())
	e.tr.Set(idx, cur)
	return nil
}

func magicFor(order wordio.Order, wordSize int) (string, error) {
	switch {
	case order == wordio.BigEndian && wordSize == 4:
		return "M4", nil
	case order == wordio.BigEndian && wordSize == 8:
		return "M8", nil
	case order == wordio.LittleEndian && wordSize == 4:
		return "4M", nil
	case order == wordio.LittleEndian && wordSize == 8:
		return "8M", nil
	default:
		return "", fmt.Errorf("ud: unsupported (endianness, word size) combination: %w", mtraceerr.InvalidArgument)
	}
}

func writeHeader(path string, machineType trace.MachineType, order wordio.Order, wordSize int) error {
	magic, err := magicFor(order, wordSize)
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	copy(buf[0:2], magic)
	order.PutUint16(buf[2:4], uint16(machineType))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("ud: write header %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	return nil
}

func readHeader(path string) (trace.MachineType, wordio.Order, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("ud: read header %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("ud: header %s truncated: %w", path, mtraceerr.Malformed)
	}
	coding, err := trace.SniffCoding(buf)
	if err != nil {
		return 0, nil, err
	}
	machineType := trace.MachineType(coding.Order.Uint16(buf[2:4]))
	return machineType, coding.Order, nil
}

// CodesForPc returns every code_index whose static pc equals pc (linear
// scan; symbolization is the primary use).
func (e *Engine[W]) CodesForPc(pc W) []int {
	var out []int
	for i := 0; i < e.code.Len(); i++ {
		if e.code.Get(i).Pc == pc {
			out = append(out, i)
		}
	}
	return out
}

// PcForCode returns the static pc recorded for codeIndex.
func (e *Engine[W]) PcForCode(codeIndex int) W { return e.code.Get(codeIndex).Pc }

// DisasmForCode returns the rendered mnemonic for codeIndex: from the
// in-memory table if this engine ingested the trace itself, or re-run
// against the stored bytes if it was reopened via OpenEngine.
func (e *Engine[W]) DisasmForCode(codeIndex int) string {
	if codeIndex < len(e.dism) {
		return e.dism[codeIndex]
	}
	entry := e.code.Get(codeIndex)
	if entry.TextSize == 0 {
		return disasm.Unknown
	}
	bytes := e.text.Slice()[entry.TextIndex : entry.TextIndex+entry.TextSize]
	return e.disassembler.Disassemble(bytes, uint64(entry.Pc))
}

// TracesForCode returns every trace_index whose code_index equals c.
func (e *Engine[W]) TracesForCode(codeIndex int) []int {
	var out []int
	for i := 0; i < e.tr.Len(); i++ {
		if int(e.tr.Get(i).CodeIndex) == codeIndex {
			out = append(out, i)
		}
	}
	return out
}

// CodeForTrace returns the code_index of trace row t.
func (e *Engine[W]) CodeForTrace(traceIndex int) int { return int(e.tr.Get(traceIndex).CodeIndex) }

// RegUsesForTrace returns the half-open [start, end) register use_index
// range trace row t is responsible for.
func (e *Engine[W]) RegUsesForTrace(traceIndex int) (int, int) {
	t := e.tr.Get(traceIndex)
	return int(t.RegUseStartIndex), int(t.RegUseEndIndex)
}

// MemUsesForTrace returns the half-open [start, end) memory use_index
// range trace row t is responsible for.
func (e *Engine[W]) MemUsesForTrace(traceIndex int) (int, int) {
	t := e.tr.Get(traceIndex)
	return int(t.MemUseStartIndex), int(t.MemUseEndIndex)
}

// traceIndexForDefIndex implements resolve_use's trace_index lookup: an
// upper_bound on trace[i].<startIndexOf> against defIndex, stepped back by
// one, relying on the monotone non-decreasing invariant on that field.
func (e *Engine[W]) traceIndexForDefIndex(defIndex uint32, startIndexOf func(InsnInTrace) uint32) int {
	lo, hi := 0, e.tr.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		if startIndexOf(e.tr.Get(mid)) > defIndex {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

// TraceForRegUse resolves a register use_index back to the trace_index
// that produced the def it reads from.
func (e *Engine[W]) TraceForRegUse(useIndex int) int {
	_, defIndex := e.Reg.ResolveUse(useIndex)
	return e.traceIndexForDefIndex(defIndex, func(t InsnInTrace) uint32 { return t.RegDefStartIndex })
}

// TraceForMemUse resolves a memory use_index back to the trace_index that
// produced the def it reads from.
func (e *Engine[W]) TraceForMemUse(useIndex int) int {
	_, defIndex := e.Mem.ResolveUse(useIndex)
	return e.traceIndexForDefIndex(defIndex, func(t InsnInTrace) uint32 { return t.MemDefStartIndex })
}

// OutputPaths names the optional rendered-output targets Complete may
// write; a zero-value field skips that output entirely.
type OutputPaths struct {
	Dot         string
	Html        string
	CsvTemplate string // path template containing "{}", substituted with code/trace/uses
}

// Complete writes whichever outputs outputs names. Call it only after
// Ingest has returned successfully: nothing here is safe to call against a
// partially ingested engine.
func (e *Engine[W]) Complete(outputs OutputPaths) error {
	if outputs.Dot != "" {
		if err := e.writeDot(outputs.Dot); err != nil {
			return err
		}
	}
	if outputs.Html != "" {
		if err := e.writeHtml(outputs.Html); err != nil {
			return err
		}
	}
	if outputs.CsvTemplate != "" {
		if err := e.writeCsv(outputs.CsvTemplate); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine[W]) writeDot(path string) error {
	var b strings.Builder
	b.WriteString("digraph ud {\n")
	for n := 0; n < e.tr.Len(); n++ {
		t := e.tr.Get(n)
		fmt.Fprintf(&b, "  %d [label=\"[%d] 0x%x: %s\"];\n", n, n, uint64(e.PcForCode(int(t.CodeIndex))), e.DisasmForCode(int(t.CodeIndex)))
	}
	for n := 0; n < e.tr.Len(); n++ {
		t := e.tr.Get(n)
		for u := int(t.RegUseStartIndex); u < int(t.RegUseEndIndex); u++ {
			def, _ := e.Reg.ResolveUse(u)
			fmt.Fprintf(&b, "  %d -> %d [label=\"r0x%x-0x%x\"];\n", n, e.TraceForRegUse(u), uint64(def.Start), uint64(def.End))
		}
		for u := int(t.MemUseStartIndex); u < int(t.MemUseEndIndex); u++ {
			def, _ := e.Mem.ResolveUse(u)
			fmt.Fprintf(&b, "  %d -> %d [label=\"m0x%x-0x%x\"];\n", n, e.TraceForMemUse(u), uint64(def.Start), uint64(def.End))
		}
	}
	b.WriteString("}\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("ud: write %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	return nil
}

func (e *Engine[W]) writeHtml(path string) error {
	var b strings.Builder
	b.WriteString("<table>\n<tr><th>seq</th><th>pc</th><th>bytes</th><th>instruction</th><th>uses</th><th>defs</th></tr>\n")
	for n := 0; n < e.tr.Len(); n++ {
		t := e.tr.Get(n)
		entry := e.code.Get(int(t.CodeIndex))
		bytesHex := hexString(e.text.Slice()[entry.TextIndex : entry.TextIndex+entry.TextSize])

		var uses strings.Builder
		for u := int(t.RegUseStartIndex); u < int(t.RegUseEndIndex); u++ {
			fmt.Fprintf(&uses, `<a href="#%d">r%d</a> `, e.TraceForRegUse(u), u)
		}
		for u := int(t.MemUseStartIndex); u < int(t.MemUseEndIndex); u++ {
			fmt.Fprintf(&uses, `<a href="#%d">m%d</a> `, e.TraceForMemUse(u), u)
		}

		fmt.Fprintf(&b, `<tr id="%d"><td>%d</td><td>0x%x</td><td>%s</td><td>%s</td><td>%s</td><td>r%d-%d,m%d-%d</td></tr>`+"\n",
			n, t.CodeIndex, uint64(entry.Pc), bytesHex, e.DisasmForCode(int(t.CodeIndex)), uses.String(),
			t.RegDefStartIndex, t.RegDefEndIndex, t.MemDefStartIndex, t.MemDefEndIndex)
	}
	b.WriteString("</table>\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("ud: write %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	return nil
}

func (e *Engine[W]) writeCsv(template string) error {
	codePath, err := templatePath(template, "code")
	if err != nil {
		return err
	}
	tracePath, err := templatePath(template, "trace")
	if err != nil {
		return err
	}
	usesPath, err := templatePath(template, "uses")
	if err != nil {
		return err
	}

	var codeCsv strings.Builder
	codeCsv.WriteString("code_index,pc,bytes_hex,disasm_quoted\n")
	for i := 0; i < e.code.Len(); i++ {
		entry := e.code.Get(i)
		bytesHex := hexString(e.text.Slice()[entry.TextIndex : entry.TextIndex+entry.TextSize])
		fmt.Fprintf(&codeCsv, "%d,0x%x,%s,%q\n", i, uint64(entry.Pc), bytesHex, e.DisasmForCode(i))
	}
	if err := os.WriteFile(codePath, []byte(codeCsv.String()), 0o644); err != nil {
		return fmt.Errorf("ud: write %s: %v: %w", codePath, err, mtraceerr.IoFailure)
	}

	var traceCsv strings.Builder
	traceCsv.WriteString("trace_index,code_index\n")
	for i := 0; i < e.tr.Len(); i++ {
		fmt.Fprintf(&traceCsv, "%d,%d\n", i, e.tr.Get(i).CodeIndex)
	}
	if err := os.WriteFile(tracePath, []byte(traceCsv.String()), 0o644); err != nil {
		return fmt.Errorf("ud: write %s: %v: %w", tracePath, err, mtraceerr.IoFailure)
	}

	var usesCsv strings.Builder
	usesCsv.WriteString("trace_index,producer_trace_index,domain_prefix,range_start,range_end\n")
	for n := 0; n < e.tr.Len(); n++ {
		t := e.tr.Get(n)
		for u := int(t.RegUseStartIndex); u < int(t.RegUseEndIndex); u++ {
			def, _ := e.Reg.ResolveUse(u)
			fmt.Fprintf(&usesCsv, "%d,%d,%s,0x%x,0x%x\n", n, e.TraceForRegUse(u), trace.DomainReg.Prefix(), uint64(def.Start), uint64(def.End))
		}
		for u := int(t.MemUseStartIndex); u < int(t.MemUseEndIndex); u++ {
			def, _ := e.Mem.ResolveUse(u)
			fmt.Fprintf(&usesCsv, "%d,%d,%s,0x%x,0x%x\n", n, e.TraceForMemUse(u), trace.DomainMem.Prefix(), uint64(def.Start), uint64(def.End))
		}
	}
	if err := os.WriteFile(usesPath, []byte(usesCsv.String()), 0o644); err != nil {
		return fmt.Errorf("ud: write %s: %v: %w", usesPath, err, mtraceerr.IoFailure)
	}
	return nil
}

func hexString(b []byte) string {
	const hextab = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hextab[c>>4], hextab[c&0xf])
	}
	return string(out)
}

// Load reopens a persistent Engine for read-only querying, equivalent to
// OpenEngine but named to match the reopen path other memtrace-adjacent
// tooling expects.
func Load[W wordio.Word](pathTemplate string, d disasm.Disassembler) (*Engine[W], error) {
	return OpenEngine[W](pathTemplate, d)
}
