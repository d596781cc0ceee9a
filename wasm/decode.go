package wasm

import (
	"encoding/binary"
	"math"

	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/internal/leb128"
)

const (
	magicNumber   = 0x6d736100 // "\0asm" little-endian as uint32
	binaryVer1    = 0x00000001
	sectionCustom = 0
	sectionType   = 1
	sectionImport = 2
	sectionFunc   = 3
	sectionTable  = 4
	sectionMemory = 5
	sectionGlobal = 6
	sectionExport = 7
	sectionStart  = 8
	sectionElem   = 9
	sectionCode   = 10
	sectionData   = 11
)

// reader is a cursor over a byte slice with the varint helpers decode.go needs.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, diag.New(diag.KindDeserialize, "unexpected end of input at offset %d", r.pos)
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.b) {
		return nil, diag.New(diag.KindDeserialize, "unexpected end of input at offset %d", r.pos)
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, diag.New(diag.KindDeserialize, "unexpected end of input at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) varu32() (uint32, error) {
	v, n, err := leb128.Uint32(r.b, r.pos)
	if err != nil {
		return 0, diag.Wrap(diag.KindDeserialize, err, "malformed varuint32 at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) vari32() (int32, error) {
	v, n, err := leb128.Int32(r.b, r.pos)
	if err != nil {
		return 0, diag.Wrap(diag.KindDeserialize, err, "malformed varint32 at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) name() (string, error) {
	n, err := r.varu32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) valType() (ValType, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch ValType(b) {
	case I32, I64, F32, F64:
		return ValType(b), nil
	default:
		return 0, diag.New(diag.KindDeserialize, "unknown value type 0x%x at offset %d", b, r.pos-1)
	}
}

func (r *reader) blockType() (BlockType, error) {
	start := r.pos
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch b {
	case 0x40:
		return nil, nil
	case byte(I32), byte(I64), byte(F32), byte(F64):
		t := ValType(b)
		return &t, nil
	default:
		return nil, diag.New(diag.KindUnsupportedOpcode, "multi-value block types are unsupported (offset %d)", start)
	}
}

func (r *reader) limits() (Limits, error) {
	flags, err := r.byte()
	if err != nil {
		return Limits{}, err
	}
	min, err := r.varu32()
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	if flags&1 != 0 {
		max, err := r.varu32()
		if err != nil {
			return Limits{}, err
		}
		l.Max = max
		l.HasMax = true
	}
	return l, nil
}

// Decode parses a complete WASM binary module.
func Decode(data []byte) (*Module, error) {
	r := &reader{b: data}
	magic, err := r.u32()
	if err != nil {
		return nil, err
	}
	if magic != magicNumber {
		return nil, diag.New(diag.KindDeserialize, "not a WASM module: bad magic number")
	}
	ver, err := r.u32()
	if err != nil {
		return nil, err
	}
	if ver != binaryVer1 {
		return nil, diag.New(diag.KindDeserialize, "unsupported WASM binary version %d", ver)
	}

	m := &Module{}
	var funcTypeIdxAll []uint32 // defined functions only, parallel to m.Code

	for r.pos < len(r.b) {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.varu32()
		if err != nil {
			return nil, err
		}
		sectionEnd := r.pos + int(size)
		if sectionEnd > len(r.b) {
			return nil, diag.New(diag.KindDeserialize, "section %d overruns module", id)
		}
		body := &reader{b: r.b[:sectionEnd], pos: r.pos}

		switch id {
		case sectionCustom:
			// skipped entirely
		case sectionType:
			if err := decodeTypeSection(body, m); err != nil {
				return nil, err
			}
		case sectionImport:
			if err := decodeImportSection(body, m); err != nil {
				return nil, err
			}
		case sectionFunc:
			n, err := body.varu32()
			if err != nil {
				return nil, err
			}
			funcTypeIdxAll = make([]uint32, n)
			for i := range funcTypeIdxAll {
				idx, err := body.varu32()
				if err != nil {
					return nil, err
				}
				funcTypeIdxAll[i] = idx
			}
			m.FuncTypeIdx = funcTypeIdxAll
		case sectionTable:
			if err := skipTableSection(body); err != nil {
				return nil, err
			}
		case sectionMemory:
			if err := decodeMemorySection(body, m); err != nil {
				return nil, err
			}
		case sectionGlobal:
			if err := decodeGlobalSection(body, m); err != nil {
				return nil, err
			}
		case sectionExport:
			if err := decodeExportSection(body, m); err != nil {
				return nil, err
			}
		case sectionStart:
			idx, err := body.varu32()
			if err != nil {
				return nil, err
			}
			m.HasStart = true
			m.Start = idx
		case sectionElem:
			return nil, diag.New(diag.KindUnsupportedOpcode, "element sections (table/indirect calls) are unsupported")
		case sectionCode:
			if err := decodeCodeSection(body, m); err != nil {
				return nil, err
			}
		case sectionData:
			if err := decodeDataSection(body, m); err != nil {
				return nil, err
			}
		default:
			return nil, diag.New(diag.KindDeserialize, "unknown section id %d", id)
		}

		r.pos = sectionEnd
	}

	for _, imp := range m.Imports {
		switch imp.Kind {
		case ImportFunc:
			m.NumImportedFuncs++
		case ImportGlobal:
			m.NumImportedGlobals++
		}
	}

	return m, nil
}

func decodeTypeSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, n)
	for i := range m.Types {
		tag, err := r.byte()
		if err != nil {
			return err
		}
		if tag != 0x60 {
			return diag.New(diag.KindDeserialize, "expected function type tag 0x60, got 0x%x", tag)
		}
		np, err := r.varu32()
		if err != nil {
			return err
		}
		params := make([]ValType, np)
		for j := range params {
			params[j], err = r.valType()
			if err != nil {
				return err
			}
		}
		nr, err := r.varu32()
		if err != nil {
			return err
		}
		results := make([]ValType, nr)
		for j := range results {
			results[j], err = r.valType()
			if err != nil {
				return err
			}
		}
		m.Types[i] = FuncType{Params: params, Results: results}
	}
	return nil
}

func decodeImportSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Field: field}
		switch kind {
		case 0x00:
			idx, err := r.varu32()
			if err != nil {
				return err
			}
			imp.Kind = ImportFunc
			imp.FuncTypeIdx = idx
		case 0x01: // table
			if _, err := r.byte(); err != nil { // elemtype
				return err
			}
			if _, err := r.limits(); err != nil {
				return err
			}
			imp.Kind = ImportTable
		case 0x02: // memory
			if _, err := r.limits(); err != nil {
				return err
			}
			imp.Kind = ImportMemory
		case 0x03: // global
			t, err := r.valType()
			if err != nil {
				return err
			}
			mut, err := r.byte()
			if err != nil {
				return err
			}
			imp.Kind = ImportGlobal
			imp.Global = GlobalType{Type: t, Mutable: mut != 0}
		default:
			return diag.New(diag.KindDeserialize, "unknown import kind %d", kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func skipTableSection(r *reader) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.byte(); err != nil {
			return err
		}
		if _, err := r.limits(); err != nil {
			return err
		}
	}
	return nil
}

func decodeMemorySection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	if n > 1 {
		return diag.New(diag.KindMemoryConstraint, "multiple memories are unsupported")
	}
	for i := uint32(0); i < n; i++ {
		lim, err := r.limits()
		if err != nil {
			return err
		}
		m.HasMemory = true
		m.Memory = lim
	}
	return nil
}

// constI32Expr decodes a constant init expression, requiring an i32.const
// immediately followed by end — the only form supported for module-defined
// globals and data segment offsets.
func constI32Expr(r *reader) (int32, error) {
	op, err := r.byte()
	if err != nil {
		return 0, err
	}
	if op != 0x41 {
		return 0, diag.New(diag.KindMemoryConstraint, "only i32.const initializer expressions are supported")
	}
	v, err := r.vari32()
	if err != nil {
		return 0, err
	}
	end, err := r.byte()
	if err != nil {
		return 0, err
	}
	if end != 0x0B {
		return 0, diag.New(diag.KindMemoryConstraint, "malformed constant expression")
	}
	return v, nil
}

func decodeGlobalSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		t, err := r.valType()
		if err != nil {
			return err
		}
		mut, err := r.byte()
		if err != nil {
			return err
		}
		v, err := constI32Expr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{
			Type: GlobalType{Type: t, Mutable: mut != 0},
			Init: v,
		})
	}
	return nil
}

func decodeExportSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.varu32()
		if err != nil {
			return err
		}
		var ek ExportKind
		switch kind {
		case 0x00:
			ek = ExportFunc
		case 0x01:
			ek = ExportTable
		case 0x02:
			ek = ExportMemory
		case 0x03:
			ek = ExportGlobal
		default:
			return diag.New(diag.KindDeserialize, "unknown export kind %d", kind)
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: ek, Index: idx})
	}
	return nil
}

func decodeDataSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	if n > 1 {
		return diag.New(diag.KindMemoryConstraint, "more than one data segment is unsupported")
	}
	for i := uint32(0); i < n; i++ {
		memIdx, err := r.varu32()
		if err != nil {
			return err
		}
		if memIdx != 0 {
			return diag.New(diag.KindMemoryConstraint, "only memory index 0 is supported")
		}
		offset, err := constI32Expr(r)
		if err != nil {
			return err
		}
		length, err := r.varu32()
		if err != nil {
			return err
		}
		bytes, err := r.bytes(int(length))
		if err != nil {
			return err
		}
		if len(bytes) > 128 {
			return diag.New(diag.KindMemoryConstraint, "data segment of %d bytes exceeds the 128-byte simulated heap", len(bytes))
		}
		cp := make([]byte, len(bytes))
		copy(cp, bytes)
		m.Data = &DataSegment{Offset: offset, Bytes: cp}
	}
	return nil
}

func decodeCodeSection(r *reader, m *Module) error {
	n, err := r.varu32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, n)
	for i := uint32(0); i < n; i++ {
		bodySize, err := r.varu32()
		if err != nil {
			return err
		}
		bodyEnd := r.pos + int(bodySize)
		body := &reader{b: r.b[:bodyEnd], pos: r.pos}

		localCount, err := body.varu32()
		if err != nil {
			return err
		}
		locals := make([]LocalEntry, localCount)
		for j := range locals {
			count, err := body.varu32()
			if err != nil {
				return err
			}
			t, err := body.valType()
			if err != nil {
				return err
			}
			locals[j] = LocalEntry{Count: count, Type: t}
		}

		code, err := decodeInstructions(body, int(i))
		if err != nil {
			return err
		}

		m.Code[i] = FuncBody{Locals: locals, Code: code}
		r.pos = bodyEnd
	}
	return nil
}

func decodeInstructions(r *reader, funcIdx int) ([]Instruction, error) {
	var out []Instruction
	for r.pos < len(r.b) {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		inst, err := decodeOne(r, op)
		if err != nil {
			if ce, ok := err.(*diag.CompileError); ok {
				return nil, ce.In(funcIdx, len(out))
			}
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

//nolint:gocyclo,funlen // one opcode dispatch table is clearer than splitting it
func decodeOne(r *reader, op byte) (Instruction, error) {
	switch op {
	case 0x01:
		return Instruction{Op: OpNop}, nil
	case 0x02:
		bt, err := r.blockType()
		return Instruction{Op: OpBlock, Block: bt}, err
	case 0x03:
		bt, err := r.blockType()
		return Instruction{Op: OpLoop, Block: bt}, err
	case 0x04:
		bt, err := r.blockType()
		return Instruction{Op: OpIf, Block: bt}, err
	case 0x05:
		return Instruction{Op: OpElse}, nil
	case 0x0B:
		return Instruction{Op: OpEnd}, nil
	case 0x0C:
		d, err := r.varu32()
		return Instruction{Op: OpBr, Depth: d}, err
	case 0x0D:
		d, err := r.varu32()
		return Instruction{Op: OpBrIf, Depth: d}, err
	case 0x0F:
		return Instruction{Op: OpReturn}, nil
	case 0x10:
		idx, err := r.varu32()
		return Instruction{Op: OpCall, Index: idx}, err
	case 0x1B:
		return Instruction{Op: OpSelect}, nil
	case 0x20:
		idx, err := r.varu32()
		return Instruction{Op: OpGetLocal, Index: idx}, err
	case 0x21:
		idx, err := r.varu32()
		return Instruction{Op: OpSetLocal, Index: idx}, err
	case 0x22:
		idx, err := r.varu32()
		return Instruction{Op: OpTeeLocal, Index: idx}, err
	case 0x23:
		idx, err := r.varu32()
		return Instruction{Op: OpGetGlobal, Index: idx}, err
	case 0x24:
		idx, err := r.varu32()
		return Instruction{Op: OpSetGlobal, Index: idx}, err
	case 0x28:
		if _, err := r.varu32(); err != nil { // align
			return Instruction{}, err
		}
		off, err := r.varu32()
		return Instruction{Op: OpI32Load, Offset: off}, err
	case 0x36:
		if _, err := r.varu32(); err != nil {
			return Instruction{}, err
		}
		off, err := r.varu32()
		return Instruction{Op: OpI32Store, Offset: off}, err
	case 0x41:
		v, err := r.vari32()
		return Instruction{Op: OpI32Const, I32: v}, err
	case 0x43:
		bits, err := r.bytes(4)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpF32Const, F32: math.Float32frombits(binary.LittleEndian.Uint32(bits))}, nil

	case 0x45:
		return Instruction{Op: OpI32Eqz}, nil
	case 0x46:
		return Instruction{Op: OpI32Eq}, nil
	case 0x47:
		return Instruction{Op: OpI32Ne}, nil
	case 0x48:
		return Instruction{Op: OpI32LtS}, nil
	case 0x49:
		return Instruction{Op: OpI32LtU}, nil
	case 0x4A:
		return Instruction{Op: OpI32GtS}, nil
	case 0x4B:
		return Instruction{Op: OpI32GtU}, nil
	case 0x4C:
		return Instruction{Op: OpI32LeS}, nil
	case 0x4D:
		return Instruction{Op: OpI32LeU}, nil
	case 0x4E:
		return Instruction{Op: OpI32GeS}, nil
	case 0x4F:
		return Instruction{Op: OpI32GeU}, nil

	case 0x5B:
		return Instruction{Op: OpF32Eq}, nil
	case 0x5C:
		return Instruction{Op: OpF32Ne}, nil
	case 0x5D:
		return Instruction{Op: OpF32Lt}, nil
	case 0x5E:
		return Instruction{Op: OpF32Gt}, nil
	case 0x5F:
		return Instruction{Op: OpF32Le}, nil
	case 0x60:
		return Instruction{Op: OpF32Ge}, nil

	case 0x6A:
		return Instruction{Op: OpI32Add}, nil
	case 0x6B:
		return Instruction{Op: OpI32Sub}, nil
	case 0x6C:
		return Instruction{Op: OpI32Mul}, nil
	case 0x6D:
		return Instruction{Op: OpI32DivS}, nil
	case 0x6E:
		return Instruction{Op: OpI32DivU}, nil
	case 0x71:
		return Instruction{Op: OpI32And}, nil
	case 0x72:
		return Instruction{Op: OpI32Or}, nil
	case 0x73:
		return Instruction{Op: OpI32Xor}, nil
	case 0x74:
		return Instruction{Op: OpI32Shl}, nil
	case 0x75:
		return Instruction{Op: OpI32ShrS}, nil
	case 0x76:
		return Instruction{Op: OpI32ShrU}, nil

	case 0x8B:
		return Instruction{Op: OpF32Abs}, nil
	case 0x8C:
		return Instruction{Op: OpF32Neg}, nil
	case 0x8D:
		return Instruction{Op: OpF32Ceil}, nil
	case 0x8E:
		return Instruction{Op: OpF32Floor}, nil
	case 0x91:
		return Instruction{Op: OpF32Sqrt}, nil
	case 0x92:
		return Instruction{Op: OpF32Add}, nil
	case 0x93:
		return Instruction{Op: OpF32Sub}, nil
	case 0x94:
		return Instruction{Op: OpF32Mul}, nil
	case 0x95:
		return Instruction{Op: OpF32Div}, nil
	case 0x96:
		return Instruction{Op: OpF32Min}, nil
	case 0x97:
		return Instruction{Op: OpF32Max}, nil

	case 0xA8:
		return Instruction{Op: OpI32TruncF32S}, nil
	case 0xA9:
		return Instruction{Op: OpI32TruncF32U}, nil
	case 0xB2:
		return Instruction{Op: OpF32ConvertI32S}, nil
	case 0xB3:
		return Instruction{Op: OpF32ConvertI32U}, nil

	default:
		return Instruction{}, diag.New(diag.KindUnsupportedOpcode, "unsupported opcode 0x%x", op)
	}
}
