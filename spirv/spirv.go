// Package spirv emits SPIR-V compute shaders from Base IR.
//
// SPIR-V is the binary intermediate language consumed by Vulkan compute
// pipelines. This package owns both directions: building an in-memory
// module (backend.go) and serializing it to the little-endian word stream
// the driver expects (writer.go).
package spirv

// Version represents a SPIR-V version.
type Version struct {
	Major uint8
	Minor uint8
}

// Common SPIR-V versions.
var (
	Version1_0 = Version{1, 0}
	Version1_3 = Version{1, 3}
)

// Options configures SPIR-V generation.
type Options struct {
	// Version is the SPIR-V version to target.
	Version Version

	// LocalSizeX is the workgroup's X-axis invocation count.
	// Defaults to 64; exposed so the CLI can override it.
	LocalSizeX uint32

	// Debug emits OpName debug info for the entry point, builtins, heap,
	// and buffer variables.
	Debug bool
}

// DefaultOptions returns the compiler's fixed defaults.
func DefaultOptions() Options {
	return Options{
		Version:    Version1_0,
		LocalSizeX: 64,
	}
}

// SPIR-V magic number and header constants.
const (
	MagicNumber = 0x07230203
	GeneratorID = 0x00000000 // unregistered generator
)

// OpCode represents a SPIR-V opcode.
type OpCode uint16

const (
	OpNop                  OpCode = 0
	OpSource               OpCode = 3
	OpName                 OpCode = 5
	OpMemberName           OpCode = 6
	OpString               OpCode = 7
	OpExtension            OpCode = 10
	OpExtInstImport        OpCode = 11
	OpExtInst              OpCode = 12
	OpMemoryModel          OpCode = 14
	OpEntryPoint           OpCode = 15
	OpExecutionMode        OpCode = 16
	OpCapability           OpCode = 17
	OpTypeVoid             OpCode = 19
	OpTypeBool             OpCode = 20
	OpTypeInt              OpCode = 21
	OpTypeFloat            OpCode = 22
	OpTypeVector           OpCode = 23
	OpTypeMatrix           OpCode = 24
	OpTypeArray            OpCode = 28
	OpTypeStruct           OpCode = 30
	OpTypePointer          OpCode = 32
	OpTypeFunction         OpCode = 33
	OpConstantTrue         OpCode = 41
	OpConstantFalse        OpCode = 42
	OpConstant             OpCode = 43
	OpConstantComposite    OpCode = 44
	OpFunction             OpCode = 54
	OpFunctionParameter    OpCode = 55
	OpFunctionEnd          OpCode = 56
	OpFunctionCall         OpCode = 57
	OpVariable             OpCode = 59
	OpLoad                 OpCode = 61
	OpStore                OpCode = 62
	OpAccessChain          OpCode = 65
	OpDecorate             OpCode = 71
	OpMemberDecorate       OpCode = 72
	OpConvertFToU          OpCode = 109
	OpConvertFToS          OpCode = 110
	OpConvertSToF          OpCode = 111
	OpConvertUToF          OpCode = 112
	OpBitcast              OpCode = 124
	OpTypeRuntimeArray     OpCode = 29
	OpIAdd                 OpCode = 128
	OpFAdd                 OpCode = 129
	OpISub                 OpCode = 130
	OpFSub                 OpCode = 131
	OpIMul                 OpCode = 132
	OpFMul                 OpCode = 133
	OpUDiv                 OpCode = 134
	OpSDiv                 OpCode = 135
	OpFDiv                 OpCode = 136
	OpFNegate              OpCode = 127
	OpSNegate              OpCode = 126
	OpLogicalAnd           OpCode = 167
	OpLogicalOr            OpCode = 166
	OpLogicalNot           OpCode = 168
	OpSelect               OpCode = 169
	OpIEqual               OpCode = 170
	OpINotEqual            OpCode = 171
	OpUGreaterThan         OpCode = 172
	OpSGreaterThan         OpCode = 173
	OpUGreaterThanEqual    OpCode = 174
	OpSGreaterThanEqual    OpCode = 175
	OpULessThan            OpCode = 176
	OpSLessThan            OpCode = 177
	OpULessThanEqual       OpCode = 178
	OpSLessThanEqual       OpCode = 179
	OpFOrdEqual            OpCode = 180
	OpFOrdNotEqual         OpCode = 182
	OpFOrdLessThan         OpCode = 184
	OpFOrdGreaterThan      OpCode = 186
	OpFOrdLessThanEqual    OpCode = 188
	OpFOrdGreaterThanEqual OpCode = 190
	OpShiftRightLogical    OpCode = 194
	OpShiftRightArithmetic OpCode = 195
	OpShiftLeftLogical     OpCode = 196
	OpBitwiseOr            OpCode = 197
	OpBitwiseXor           OpCode = 198
	OpBitwiseAnd           OpCode = 199
	OpVectorShuffle        OpCode = 79
	OpControlBarrier       OpCode = 224
	OpKill                 OpCode = 252
	OpPhi                  OpCode = 245
	OpLoopMerge            OpCode = 246
	OpSelectionMerge       OpCode = 247
	OpLabel                OpCode = 248
	OpBranch               OpCode = 249
	OpBranchConditional    OpCode = 250
	OpReturn               OpCode = 253
	OpReturnValue          OpCode = 254
	OpUnreachable          OpCode = 255
)

// Decoration represents a SPIR-V decoration.
type Decoration uint32

const (
	DecorationBlock         Decoration = 2
	DecorationBufferBlock   Decoration = 3
	DecorationArrayStride   Decoration = 6
	DecorationBuiltIn       Decoration = 11
	DecorationBinding       Decoration = 33
	DecorationDescriptorSet Decoration = 34
	DecorationOffset        Decoration = 35
)

// BuiltIn represents a SPIR-V built-in decoration value.
type BuiltIn uint32

const (
	BuiltInGlobalInvocationID BuiltIn = 28
)

// ExecutionModel represents a SPIR-V execution model.
type ExecutionModel uint32

const (
	ExecutionModelGLCompute ExecutionModel = 5
)

// ExecutionMode represents a SPIR-V execution mode.
type ExecutionMode uint32

const (
	ExecutionModeLocalSize ExecutionMode = 17
)

// StorageClass represents a SPIR-V storage class.
type StorageClass uint32

const (
	StorageClassUniformConstant StorageClass = 0
	StorageClassInput           StorageClass = 1
	StorageClassUniform         StorageClass = 2
	StorageClassPrivate         StorageClass = 6
	StorageClassFunction        StorageClass = 7
)

// AddressingModel represents a SPIR-V addressing model.
type AddressingModel uint32

const (
	AddressingModelLogical AddressingModel = 0
)

// MemoryModel represents a SPIR-V memory model.
type MemoryModel uint32

const (
	MemoryModelGLSL450 MemoryModel = 1
)

// FunctionControl represents a SPIR-V function control mask.
type FunctionControl uint32

const (
	FunctionControlNone FunctionControl = 0x0
)

// Capability represents a SPIR-V capability.
type Capability uint32

const (
	CapabilityShader Capability = 1
)

// SelectionControl flags for OpSelectionMerge.
type SelectionControl uint32

const (
	SelectionControlNone SelectionControl = 0x0
)

// LoopControl flags for OpLoopMerge.
type LoopControl uint32

const (
	LoopControlNone LoopControl = 0x0
)

// GLSL.std.450 extended instruction set opcodes used by the emitter.
const (
	GLSLstd450FAbs  uint32 = 4
	GLSLstd450Floor uint32 = 8
	GLSLstd450Ceil  uint32 = 9
	GLSLstd450Sqrt  uint32 = 31
	GLSLstd450FMin  uint32 = 37
	GLSLstd450FMax  uint32 = 40
	GLSLstd450SMax  uint32 = 42
)
