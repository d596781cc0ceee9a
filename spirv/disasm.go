package spirv

import (
	"fmt"
	"strings"

	"github.com/naalit/wasm-vk/internal/spvtest"
)

// opcodeNames names every opcode this package's emitter can produce, for
// --verbose's human-readable dump.
var opcodeNames = map[uint16]string{
	0: "OpNop", 3: "OpSource", 5: "OpName", 6: "OpMemberName", 7: "OpString",
	10: "OpExtension", 11: "OpExtInstImport", 12: "OpExtInst",
	14: "OpMemoryModel", 15: "OpEntryPoint", 16: "OpExecutionMode",
	17: "OpCapability", 19: "OpTypeVoid", 20: "OpTypeBool", 21: "OpTypeInt",
	22: "OpTypeFloat", 23: "OpTypeVector", 24: "OpTypeMatrix", 28: "OpTypeArray",
	29: "OpTypeRuntimeArray", 30: "OpTypeStruct", 32: "OpTypePointer",
	33: "OpTypeFunction", 41: "OpConstantTrue", 42: "OpConstantFalse",
	43: "OpConstant", 44: "OpConstantComposite", 54: "OpFunction",
	55: "OpFunctionParameter", 56: "OpFunctionEnd", 57: "OpFunctionCall",
	59: "OpVariable", 61: "OpLoad", 62: "OpStore", 65: "OpAccessChain",
	71: "OpDecorate", 72: "OpMemberDecorate", 79: "OpVectorShuffle",
	109: "OpConvertFToU", 110: "OpConvertFToS", 111: "OpConvertSToF",
	112: "OpConvertUToF", 124: "OpBitcast", 126: "OpSNegate", 127: "OpFNegate",
	128: "OpIAdd", 129: "OpFAdd", 130: "OpISub", 131: "OpFSub", 132: "OpIMul",
	133: "OpFMul", 134: "OpUDiv", 135: "OpSDiv", 136: "OpFDiv",
	166: "OpLogicalOr", 167: "OpLogicalAnd", 168: "OpLogicalNot",
	169: "OpSelect", 170: "OpIEqual", 171: "OpINotEqual",
	172: "OpUGreaterThan", 173: "OpSGreaterThan", 174: "OpUGreaterThanEqual",
	175: "OpSGreaterThanEqual", 176: "OpULessThan", 177: "OpSLessThan",
	178: "OpULessThanEqual", 179: "OpSLessThanEqual", 180: "OpFOrdEqual",
	182: "OpFOrdNotEqual", 184: "OpFOrdLessThan", 186: "OpFOrdGreaterThan",
	188: "OpFOrdLessThanEqual", 190: "OpFOrdGreaterThanEqual",
	194: "OpShiftRightLogical", 195: "OpShiftRightArithmetic",
	196: "OpShiftLeftLogical", 197: "OpBitwiseOr", 198: "OpBitwiseXor",
	199: "OpBitwiseAnd", 224: "OpControlBarrier", 245: "OpPhi",
	246: "OpLoopMerge", 247: "OpSelectionMerge", 248: "OpLabel",
	249: "OpBranch", 250: "OpBranchConditional", 252: "OpKill",
	253: "OpReturn", 254: "OpReturnValue", 255: "OpUnreachable",
}

// Disassemble renders data (as produced by ModuleBuilder.Build) in a
// .spvasm-like text form for debugging: every instruction as its opcode
// name followed by %-prefixed operand ids.
func Disassemble(data []byte) (string, error) {
	hdr, insts, err := spvtest.Walk(data)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "; SPIR-V\n; Version: %d.%d\n; Generator: 0x%08X\n; Bound: %d\n\n",
		(hdr.Version>>16)&0xFF, (hdr.Version>>8)&0xFF, hdr.Generator, hdr.Bound)
	for _, in := range insts {
		name, ok := opcodeNames[in.Opcode]
		if !ok {
			name = fmt.Sprintf("Op%d", in.Opcode)
		}
		fmt.Fprintf(&sb, "%s", name)
		for _, op := range in.Operands {
			fmt.Fprintf(&sb, " %%%d", op)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
