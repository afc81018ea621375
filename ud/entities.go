// Package ud implements the use-definition engine: UdDomain (C6), the
// per-domain live-definition tracker, and UdEngine (C7), which drives the
// trace stream through two UdDomain instances and owns the persistent
// tables the rest of the analyzer queries.
package ud

import "github.com/mephi42/memtrace/wordio"

// InsnInCode is one static instruction sequence identifier's worth of
// information: where it lives, and which bytes make it up (by reference
// into Engine.text). Index 0 is the synthetic catch-all.
type InsnInCode[W wordio.Word] struct {
	Pc        W
	TextIndex uint32
	TextSize  uint32
}

// InsnInTrace is one dynamic instance of a static instruction: the ranges
// of uses/defs in each domain that this instance is responsible for.
type InsnInTrace struct {
	CodeIndex uint32

	RegUseStartIndex uint32
	RegUseEndIndex   uint32
	RegDefStartIndex uint32
	RegDefEndIndex   uint32

	MemUseStartIndex uint32
	MemUseEndIndex   uint32
	MemDefStartIndex uint32
	MemDefEndIndex   uint32
}
