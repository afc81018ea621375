// Package mtraceerr defines the sentinel error taxonomy shared by every
// memtrace package: IoFailure, Malformed, InvalidArgument, AllocationFailure
// and ConfigError. Every package that returns one of these wraps it with
// %w via fmt.Errorf, so callers identify a failure's category with
// errors.Is(err, mtraceerr.Sentinel) rather than by parsing err.Error().
package mtraceerr

import "errors"

// I/O errors
var (
	IoFailure = errors.New("E-IO|IoFailure: An open, read, ftruncate or mmap call returned an OS error.")
)

// Format errors
var (
	Malformed = errors.New("E-MALFORMED|Malformed: The trace or persisted store is truncated, has an unknown tag in scope, or an add_defs call touched more than 32 overlapping entries.")
)

// Argument errors
var (
	InvalidArgument = errors.New("E-ARG|InvalidArgument: seek_insn ran past the end of the trace, or the disassembler does not support the requested machine/endianness/word-size combination.")
)

// Resource errors
var (
	AllocationFailure = errors.New("E-ALLOC|AllocationFailure: mremap or ftruncate refused to grow a backing file.")
)

// Configuration errors
var (
	ConfigError = errors.New("E-CONFIG|ConfigError: An output path template is missing the {} placeholder.")
)
