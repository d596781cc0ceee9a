package spirv

import (
	"bytes"
	"testing"

	"github.com/naalit/wasm-vk/internal/spvtest"
	"github.com/naalit/wasm-vk/ir"
	"github.com/naalit/wasm-vk/wasm"
)

// storeModule builds the smallest compilable module: a start function whose
// already-lowered Base body is supplied by the caller, importing the
// thread-id global at index 0 and a buffer:0:0:store function at combined
// function index 0.
func storeModule(body ir.Node) (*wasm.Module, []*ir.Fun) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: []wasm.ValType{wasm.I32, wasm.I32}},
		},
		Imports: []wasm.Import{
			{Module: "spv", Field: "id", Kind: wasm.ImportGlobal, Global: wasm.GlobalType{Type: wasm.I32}},
			{Module: "spv", Field: "buffer:0:0:store", Kind: wasm.ImportFunc, FuncTypeIdx: 1},
		},
		FuncTypeIdx:        []uint32{0},
		NumImportedFuncs:   1,
		NumImportedGlobals: 1,
		HasStart:           true,
		Start:              1,
		Code:               make([]wasm.FuncBody, 1),
	}
	return m, []*ir.Fun{{Body: body}}
}

func threadID() ir.Node {
	return ir.GetGlobal{Global: ir.Global{Ty: ir.TyI32, Idx: 0}}
}

func constI(v int32) ir.Node {
	return ir.ConstNode{Value: ir.Const{Ty: ir.TyI32, I32: v}}
}

// storeThreadIDBody is the identity write as a Base tree:
// buffer:0:0:store(id*4, id).
func storeThreadIDBody() ir.Node {
	ptr := ir.INumOpNode{Width: ir.W32, Op: ir.IMul, A: threadID(), B: constI(4)}
	return ir.Call{FuncIdx: 0, Args: []ir.Node{ptr, threadID()}}
}

func compileOrFatal(t *testing.T, m *wasm.Module, funcs []*ir.Fun, opts Options) []spvtest.Inst {
	t.Helper()
	data, err := Compile(m, funcs, opts)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	hdr, insts, err := spvtest.Walk(data)
	if err != nil {
		t.Fatalf("spvtest.Walk: %v", err)
	}
	if hdr.Magic != MagicNumber {
		t.Fatalf("magic = 0x%08X, want 0x%08X", hdr.Magic, MagicNumber)
	}
	if err := spvtest.CheckStructuredControlFlow(insts); err != nil {
		t.Fatalf("structural check: %v", err)
	}
	return insts
}

func filterOpcode(insts []spvtest.Inst, opcode OpCode) []spvtest.Inst {
	var out []spvtest.Inst
	for _, in := range insts {
		if in.Opcode == uint16(opcode) {
			out = append(out, in)
		}
	}
	return out
}

func TestCompile_EntryPointAndBufferShape(t *testing.T) {
	m, funcs := storeModule(storeThreadIDBody())
	insts := compileOrFatal(t, m, funcs, DefaultOptions())

	caps := filterOpcode(insts, OpCapability)
	if len(caps) != 1 || caps[0].Operands[0] != uint32(CapabilityShader) {
		t.Errorf("capabilities = %v, want exactly [Shader]", caps)
	}

	entries := filterOpcode(insts, OpEntryPoint)
	if len(entries) != 1 {
		t.Fatalf("got %d entry points, want 1", len(entries))
	}
	if entries[0].Operands[0] != uint32(ExecutionModelGLCompute) {
		t.Errorf("execution model = %d, want GLCompute", entries[0].Operands[0])
	}

	modes := filterOpcode(insts, OpExecutionMode)
	if len(modes) != 1 {
		t.Fatalf("got %d execution modes, want 1", len(modes))
	}
	if got := modes[0].Operands[1:]; got[0] != uint32(ExecutionModeLocalSize) ||
		got[1] != 64 || got[2] != 1 || got[3] != 1 {
		t.Errorf("execution mode operands = %v, want [LocalSize 64 1 1]", got)
	}

	// The buffer variable carries BufferBlock on its struct, ArrayStride 4
	// on its runtime array, and DescriptorSet 0 / Binding 0 on itself.
	wantDecor := map[Decoration]bool{
		DecorationBufferBlock:   false,
		DecorationArrayStride:   false,
		DecorationDescriptorSet: false,
		DecorationBinding:       false,
	}
	for _, in := range filterOpcode(insts, OpDecorate) {
		wantDecor[Decoration(in.Operands[1])] = true
	}
	for d, seen := range wantDecor {
		if !seen {
			t.Errorf("missing OpDecorate %d on the buffer", d)
		}
	}

	// No heap: a single function version suffices.
	if n := len(filterOpcode(insts, OpFunction)); n != 1 {
		t.Errorf("got %d OpFunctions, want 1", n)
	}
}

func TestCompile_HeapEmitsOffsetVersion(t *testing.T) {
	body := ir.Store{Ty: ir.TyI32, Addr: constI(0), Val: threadID()}
	m, funcs := storeModule(body)
	m.HasMemory = true
	insts := compileOrFatal(t, m, funcs, DefaultOptions())

	// The entry touches the heap, so both the plain version and the
	// offset-establishing version are emitted.
	if n := len(filterOpcode(insts, OpFunction)); n != 2 {
		t.Errorf("got %d OpFunctions, want 2 (main + offset version)", n)
	}

	// The offset version clamps via GLSL.std.450 SMax(ptr-64, 0).
	foundSMax := false
	for _, in := range filterOpcode(insts, OpExtInst) {
		if in.Operands[3] == GLSLstd450SMax {
			foundSMax = true
		}
	}
	if !foundSMax {
		t.Errorf("no SMax ext-inst found in the offset-establishing path")
	}
}

func TestCompile_LoopSkeleton(t *testing.T) {
	// while (id > k) { k++ } via the lowered shape: Loop { if (k >= id)
	// break; k++; continue }, then store k.
	k := ir.Local{Ty: ir.TyI32, Idx: 0}
	cond := ir.ICompOpNode{Width: ir.W32, Op: ir.IGeS, A: ir.GetLocal{Local: k}, B: threadID()}
	step := ir.SetLocal{Local: k, Value: ir.INumOpNode{Width: ir.W32, Op: ir.IAdd, A: ir.GetLocal{Local: k}, B: constI(1)}}
	loop := ir.Loop{Body: ir.Seq{
		A: ir.Seq{
			A: ir.If{Cond: cond, T: ir.Break{}, F: ir.Nop{}},
			B: step,
		},
		B: ir.Continue{},
	}}
	store := ir.Call{FuncIdx: 0, Args: []ir.Node{
		ir.INumOpNode{Width: ir.W32, Op: ir.IMul, A: threadID(), B: constI(4)},
		ir.GetLocal{Local: k},
	}}
	m, funcs := storeModule(ir.Seq{A: loop, B: store})
	insts := compileOrFatal(t, m, funcs, DefaultOptions())

	merges := filterOpcode(insts, OpLoopMerge)
	if len(merges) != 1 {
		t.Fatalf("got %d OpLoopMerges, want 1", len(merges))
	}
	mergeLabel, contLabel := merges[0].Operands[0], merges[0].Operands[1]

	labels := map[uint32]bool{}
	for _, in := range filterOpcode(insts, OpLabel) {
		labels[in.Operands[0]] = true
	}
	if !labels[mergeLabel] {
		t.Errorf("loop merge block %%%d is never declared as a label", mergeLabel)
	}
	if !labels[contLabel] {
		t.Errorf("loop continue block %%%d is never declared as a label", contLabel)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	build := func() []byte {
		m, funcs := storeModule(storeThreadIDBody())
		data, err := Compile(m, funcs, DefaultOptions())
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		return data
	}
	if !bytes.Equal(build(), build()) {
		t.Fatal("two compilations of the same module produced different bytes")
	}
}

func TestCompile_DebugNames(t *testing.T) {
	m, funcs := storeModule(storeThreadIDBody())
	opts := DefaultOptions()
	opts.Debug = true
	insts := compileOrFatal(t, m, funcs, opts)

	// main, gl_GlobalInvocationID, and one buffer.
	if n := len(filterOpcode(insts, OpName)); n != 3 {
		t.Errorf("got %d OpNames, want 3", n)
	}

	m, funcs = storeModule(storeThreadIDBody())
	insts = compileOrFatal(t, m, funcs, DefaultOptions())
	if n := len(filterOpcode(insts, OpName)); n != 0 {
		t.Errorf("got %d OpNames without Debug, want 0", n)
	}
}

func TestCompile_Rejects64BitConstant(t *testing.T) {
	body := ir.SetLocal{
		Local: ir.Local{Ty: ir.TyI64, Idx: 0},
		Value: ir.ConstNode{Value: ir.Const{Ty: ir.TyI64, I64: 1}},
	}
	m, funcs := storeModule(body)
	if _, err := Compile(m, funcs, DefaultOptions()); err == nil {
		t.Fatal("Compile accepted a 64-bit constant")
	}
}

func TestCompile_RejectsMissingStart(t *testing.T) {
	m, funcs := storeModule(storeThreadIDBody())
	m.HasStart = false
	if _, err := Compile(m, funcs, DefaultOptions()); err == nil {
		t.Fatal("Compile accepted a module without a start function")
	}
}

func TestCompile_RejectsHeapAccessWithoutMemory(t *testing.T) {
	body := ir.Store{Ty: ir.TyI32, Addr: constI(0), Val: threadID()}
	m, funcs := storeModule(body)
	if _, err := Compile(m, funcs, DefaultOptions()); err == nil {
		t.Fatal("Compile accepted a heap access in a module with no memory section")
	}
}
