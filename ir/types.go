// Package ir implements the compiler's two-stage tree IR: Direct (retains
// WASM's relative-depth Br/Label) and Base (structured
// Loop/Break/Continue/If/Seq, no Br/Label). Both phases share one Node
// representation — Direct and Base are simply trees obeying different
// invariants over the same sealed variant set, enforced by which
// constructors the builder (direct.go) and lowerer (lower.go) produce
// rather than by distinct Go types. See DESIGN.md for why.
package ir

import "github.com/naalit/wasm-vk/wasm"

// Ty is a WASM value type, narrowed to what the compiler lowers.
type Ty int

const (
	TyI32 Ty = iota
	TyI64
	TyF32
	TyF64
)

func tyFromWasm(v wasm.ValType) Ty {
	switch v {
	case wasm.I32:
		return TyI32
	case wasm.I64:
		return TyI64
	case wasm.F32:
		return TyF32
	case wasm.F64:
		return TyF64
	default:
		panic("ir: unknown wasm.ValType")
	}
}

// Width selects operand width for numeric/compare ops.
type Width int

const (
	W32 Width = iota
	W64
)

// Const is a tagged numeric literal.
type Const struct {
	Ty  Ty
	I32 int32
	I64 int64
	F32 float32
	F64 float64
}

// Local identifies a function-local slot; idx spans params then declared
// locals (including ones synthesized during lowering).
type Local struct {
	Ty  Ty
	Idx uint32
}

// Global identifies a module global; idx is into the concatenation of
// imported globals followed by module-defined globals.
type Global struct {
	Ty  Ty
	Idx uint32
}

// INumOp is an integer arithmetic/bitwise operator.
type INumOp int

const (
	IAdd INumOp = iota
	ISub
	IMul
	IDivS
	IDivU
	IShl
	IShrS
	IShrU
	IAnd
	IOr
	IXor
)

// ICompOp is an integer comparison operator. Result is always I32 (0 or 1).
type ICompOp int

const (
	IEq ICompOp = iota
	INEq
	ILeS
	ILeU
	IGeS
	IGeU
	ILtS
	ILtU
	IGtS
	IGtU
)

// FNumOp is a float arithmetic operator.
type FNumOp int

const (
	FAdd FNumOp = iota
	FSub
	FMul
	FDiv
	FMin
	FMax
)

// FCompOp is a float comparison operator. Result is always I32 (0 or 1).
type FCompOp int

const (
	FEq FCompOp = iota
	FNEq
	FLeOp
	FGeOp
	FLtOp
	FGtOp
)

// FUnOp is a float unary operator.
type FUnOp int

const (
	FSqrt FUnOp = iota
	FAbs
	FNeg
	FCeil
	FFloor
)

// CvtOp is a float/int conversion operator.
type CvtOp int

const (
	F32toI32S CvtOp = iota
	F32toI32U
	I32toF32S
	I32toF32U
)

// Fun is a function record: parameter types, optional result type, and body.
type Fun struct {
	Params []Ty
	Ty     *Ty // nil if the function returns no value
	Body   Node
}
