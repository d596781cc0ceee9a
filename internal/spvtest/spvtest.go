// Package spvtest walks a serialized SPIR-V binary back into instructions,
// for test assertions the high-level spirv package has no reason to expose
// itself. It is intentionally stdlib-only: it exists specifically so tests
// can check the *bytes* spirv.Compile produced without trusting the same
// ModuleBuilder bookkeeping that built them, including the
// structured-control-flow discipline (every OpSelectionMerge/OpLoopMerge
// immediately followed by its required branch).
package spvtest

import "encoding/binary"

// Inst is one decoded instruction: its opcode and operand words (result
// type/id, if any, are just the first operand words — this package doesn't
// know per-opcode layouts beyond the ones Walk's callers care about).
type Inst struct {
	Opcode   uint16
	Operands []uint32
}

// Header is the 5-word SPIR-V module header.
type Header struct {
	Magic     uint32
	Version   uint32
	Generator uint32
	Bound     uint32
	Schema    uint32
}

const (
	opSelectionMerge    = 247
	opLoopMerge         = 246
	opBranch            = 249
	opBranchConditional = 250
	opLabel             = 248
	opFunction          = 54
	opFunctionEnd       = 56
)

// Walk decodes data's header and instruction stream, per SPIR-V's binary
// layout (5-word header, then each instruction's first word packing
// wordCount<<16|opcode). An instruction with a malformed word count stops
// the walk and returns an error rather than reading out of bounds.
func Walk(data []byte) (Header, []Inst, error) {
	var hdr Header
	if len(data) < 20 {
		return hdr, nil, errTooShort
	}
	hdr = Header{
		Magic:     binary.LittleEndian.Uint32(data[0:4]),
		Version:   binary.LittleEndian.Uint32(data[4:8]),
		Generator: binary.LittleEndian.Uint32(data[8:12]),
		Bound:     binary.LittleEndian.Uint32(data[12:16]),
		Schema:    binary.LittleEndian.Uint32(data[16:20]),
	}

	var insts []Inst
	offset := 20
	for offset+4 <= len(data) {
		word := binary.LittleEndian.Uint32(data[offset:])
		opcode := uint16(word & 0xFFFF)
		wordCount := int(word >> 16)
		if wordCount == 0 || offset+wordCount*4 > len(data) {
			return hdr, insts, errMalformed
		}
		operands := make([]uint32, wordCount-1)
		for i := range operands {
			operands[i] = binary.LittleEndian.Uint32(data[offset+4+i*4:])
		}
		insts = append(insts, Inst{Opcode: opcode, Operands: operands})
		offset += wordCount * 4
	}
	return hdr, insts, nil
}

type walkError string

func (e walkError) Error() string { return string(e) }

const (
	errTooShort  walkError = "spvtest: data shorter than a SPIR-V header"
	errMalformed walkError = "spvtest: malformed instruction word count"
)

// CheckStructuredControlFlow verifies the emitted stream's structured
// control flow: every OpSelectionMerge is immediately followed by
// OpBranchConditional, every OpLoopMerge by OpBranch or
// OpBranchConditional, and every function body (OpFunction..OpFunctionEnd)
// starts its first block with OpLabel.
func CheckStructuredControlFlow(insts []Inst) error {
	inFunction := false
	expectLabelNext := false
	for i, in := range insts {
		switch in.Opcode {
		case opFunction:
			inFunction = true
			expectLabelNext = true
		case opFunctionEnd:
			inFunction = false
		case opLabel:
			expectLabelNext = false
		case opSelectionMerge:
			if i+1 >= len(insts) || insts[i+1].Opcode != opBranchConditional {
				return errNotFollowedBy("OpSelectionMerge", "OpBranchConditional")
			}
		case opLoopMerge:
			if i+1 >= len(insts) || (insts[i+1].Opcode != opBranch && insts[i+1].Opcode != opBranchConditional) {
				return errNotFollowedBy("OpLoopMerge", "a branch")
			}
		default:
			if inFunction && expectLabelNext && in.Opcode != 55 { // 55 = OpFunctionParameter
				return walkError("spvtest: function body does not start with OpLabel after its parameters")
			}
		}
	}
	return nil
}

func errNotFollowedBy(op, want string) error {
	return walkError("spvtest: " + op + " is not immediately followed by " + want)
}
