// Package diag provides the compiler's error taxonomy and logging.
//
// Every stage of the pipeline (wasm, ir, spirv) reports failures as a
// *CompileError so the driver can print a diagnostic naming the offending
// construct and exit non-zero, per the "no partial output" rule: a
// compilation either fully succeeds or produces nothing.
package diag

import "fmt"

// Kind classifies why compilation failed.
type Kind int

const (
	// KindDeserialize means the input byte stream is not a valid WASM module.
	KindDeserialize Kind = iota
	// KindUnsupportedOpcode means the decoder reached an instruction outside
	// the supported opcode list.
	KindUnsupportedOpcode
	// KindStructuralInvariant means lowering found an ill-formed construct:
	// Else without If, stack underflow, branch in operand position,
	// unbalanced End, or a 64-bit constant.
	KindStructuralInvariant
	// KindUnsupportedImport means an import's module/field doesn't match the
	// "spv" vocabulary.
	KindUnsupportedImport
	// KindMemoryConstraint means the memory/data section violates the
	// simulated heap's constraints (one segment, <=128 bytes, constant offset).
	KindMemoryConstraint
)

func (k Kind) String() string {
	switch k {
	case KindDeserialize:
		return "deserialize"
	case KindUnsupportedOpcode:
		return "unsupported opcode"
	case KindStructuralInvariant:
		return "structural invariant"
	case KindUnsupportedImport:
		return "unsupported import"
	case KindMemoryConstraint:
		return "memory constraint"
	default:
		return "unknown"
	}
}

// CompileError is a fatal, kinded compilation failure. It names the
// offending construct (function index, instruction offset, import name —
// whichever applies) so the diagnostic is actionable without a debugger.
type CompileError struct {
	Kind     Kind
	Message  string
	Function int // -1 if not applicable
	Offset   int // instruction offset within Function, -1 if not applicable
	cause    error
}

func (e *CompileError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Function >= 0 {
		s += fmt.Sprintf(" (function %d", e.Function)
		if e.Offset >= 0 {
			s += fmt.Sprintf(", instruction %d", e.Offset)
		}
		s += ")"
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *CompileError) Unwrap() error { return e.cause }

// New builds a CompileError with no function/instruction context.
func New(kind Kind, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...), Function: -1, Offset: -1}
}

// Wrap builds a CompileError around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...), Function: -1, Offset: -1, cause: cause}
}

// In attaches function/instruction context to a CompileError.
func (e *CompileError) In(function, offset int) *CompileError {
	e.Function = function
	e.Offset = offset
	return e
}
