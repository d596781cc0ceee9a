// Package wasm decodes the binary WebAssembly module format down to the
// section and instruction model the IR builder (package ir) walks.
//
// Scope is deliberately narrow: only the sections and opcodes the compiler
// consumes are modeled. Element segments, multiple memories, 64-bit
// arithmetic, SIMD and indirect calls are rejected at decode time with a
// *diag.CompileError; table sections, table imports and custom sections are
// read past without being modeled.
package wasm

// ValType is a WASM value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// FuncType is a function signature: zero or more parameters, zero or one
// result (WASM MVP functions return at most one value).
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// GlobalType describes a global variable's value type and mutability.
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// ImportKind distinguishes what an Import names.
type ImportKind byte

const (
	ImportFunc ImportKind = iota
	ImportGlobal
	ImportMemory
	ImportTable
)

// Import is a single entry of the import section.
type Import struct {
	Module string
	Field  string
	Kind   ImportKind

	// FuncTypeIdx is valid when Kind == ImportFunc.
	FuncTypeIdx uint32
	// Global is valid when Kind == ImportGlobal.
	Global GlobalType
}

// Global is a module-defined global variable. Init is its initializer
// expression; only an i32.const initializer is supported.
type Global struct {
	Type GlobalType
	Init int32
}

// Limits describes a memory or table's size bounds.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// DataSegment is the module's (at most one) data segment, with a constant
// byte offset into simulated linear memory.
type DataSegment struct {
	Offset int32
	Bytes  []byte
}

// LocalEntry is a run-length-encoded group of declared locals in a function
// body: `Count` locals of type `Type`.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// FuncBody is a function's decoded locals and instruction stream.
type FuncBody struct {
	Locals []LocalEntry
	Code   []Instruction
}

// ExportKind distinguishes what an Export names.
type ExportKind byte

const (
	ExportFunc ExportKind = iota
	ExportGlobal
	ExportMemory
	ExportTable
)

// Export is a single entry of the export section.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// Module is the decoded WASM module: exactly the pieces the compiler needs.
type Module struct {
	Types   []FuncType
	Imports []Import
	// FuncTypeIdx maps each module-defined function (not import) to its type.
	FuncTypeIdx []uint32
	Globals     []Global
	HasMemory   bool
	Memory      Limits
	Data        *DataSegment
	Exports     []Export
	HasStart    bool
	Start       uint32
	Code        []FuncBody // parallel to FuncTypeIdx

	// NumImportedFuncs/Globals let callers translate within the
	// imported+defined concatenated index spaces function and global
	// indices live in.
	NumImportedFuncs   int
	NumImportedGlobals int
}

// FuncType returns the signature of function index idx in the combined
// imported+defined function index space.
func (m *Module) FuncType(idx uint32) FuncType {
	if int(idx) < m.NumImportedFuncs {
		return m.Types[m.Imports[m.importFuncOrdinal(int(idx))].FuncTypeIdx]
	}
	return m.Types[m.FuncTypeIdx[int(idx)-m.NumImportedFuncs]]
}

// importFuncOrdinal finds the n-th function import's position in Imports.
func (m *Module) importFuncOrdinal(n int) int {
	count := 0
	for i, imp := range m.Imports {
		if imp.Kind == ImportFunc {
			if count == n {
				return i
			}
			count++
		}
	}
	panic("wasm: function import index out of range")
}

// GlobalType returns the type of global index idx in the combined
// imported+defined global index space.
func (m *Module) GlobalType(idx uint32) GlobalType {
	if int(idx) < m.NumImportedGlobals {
		n := 0
		for _, imp := range m.Imports {
			if imp.Kind == ImportGlobal {
				if n == int(idx) {
					return imp.Global
				}
				n++
			}
		}
		panic("wasm: global import index out of range")
	}
	return m.Globals[int(idx)-m.NumImportedGlobals].Type
}
