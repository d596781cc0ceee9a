package wasm

// Op is a decoded WASM opcode, restricted to the set the compiler lowers.
type Op byte

const (
	OpNop Op = iota
	OpBlock
	OpLoop
	OpIf
	OpElse
	OpEnd
	OpBr
	OpBrIf
	OpReturn
	OpCall
	OpSelect
	OpGetLocal
	OpSetLocal
	OpTeeLocal
	OpGetGlobal
	OpSetGlobal
	OpI32Load
	OpI32Store
	OpI32Const
	OpF32Const

	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32DivU
	OpI32Shl
	OpI32ShrS
	OpI32ShrU
	OpI32And
	OpI32Or
	OpI32Xor

	OpI32Eq
	OpI32Ne
	OpI32LeS
	OpI32LeU
	OpI32GeS
	OpI32GeU
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU
	OpI32Eqz

	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF32Min
	OpF32Max
	OpF32Abs
	OpF32Neg
	OpF32Sqrt
	OpF32Ceil
	OpF32Floor

	OpF32Eq
	OpF32Ne
	OpF32Le
	OpF32Ge
	OpF32Lt
	OpF32Gt

	OpI32TruncF32S
	OpI32TruncF32U
	OpF32ConvertI32S
	OpF32ConvertI32U
)

// BlockType is the declared result type of a block/loop/if construct.
// A nil *ValType means the construct is statement-valued (void).
type BlockType = *ValType

// Instruction is one decoded WASM instruction. Only the fields relevant to
// its Op are populated; the rest are zero.
type Instruction struct {
	Op Op

	// Block/Loop/If
	Block BlockType

	// Br/BrIf: relative label depth.
	Depth uint32

	// GetLocal/SetLocal/TeeLocal: local index.
	// GetGlobal/SetGlobal: global index.
	// Call: function index.
	Index uint32

	// I32Load/I32Store: byte offset added to the address.
	Offset uint32

	// I32Const
	I32 int32
	// F32Const
	F32 float32
}
