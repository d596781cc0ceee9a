package wasmvk

import (
	"testing"

	"github.com/naalit/wasm-vk/internal/spvtest"
	"github.com/naalit/wasm-vk/interp"
	"github.com/naalit/wasm-vk/ir"
	"github.com/naalit/wasm-vk/spirv"
	"github.com/naalit/wasm-vk/wasm"
)

// These scenario tests hand-assemble a wasm.Module the way ir/direct_test.go
// and ir/lower_test.go already do, run it through the same three stages
// compile.go's Compile glues together (ir.BuildDirect -> ir.Lower ->
// spirv.Compile), and check the result two independent ways: the emitted
// SPIR-V's structural shape via spvtest, and its actual numbers via the
// interp CPU oracle run against the lowered Base tree spirv.Compile itself
// consumed. They skip wasm.Decode only because there is no WASM encoder in
// this tree to produce the bytes from — every later stage runs for real.

// storeOnlyModule builds a single-function module that imports the thread-id
// global and a buffer:0:0:store function, with numLocals i32 locals (local 0
// always holding the thread id once code stores it there).
func storeOnlyModule(code []wasm.Instruction, numLocals uint32) *wasm.Module {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{}, // T0: start function, () -> ()
			{Params: []wasm.ValType{wasm.I32, wasm.I32}}, // T1: store(ptr, val)
		},
		Imports: []wasm.Import{
			{Module: "spv", Field: "id", Kind: wasm.ImportGlobal, Global: wasm.GlobalType{Type: wasm.I32}},
			{Module: "spv", Field: "buffer:0:0:store", Kind: wasm.ImportFunc, FuncTypeIdx: 1},
		},
		FuncTypeIdx:        []uint32{0},
		NumImportedFuncs:   1,
		NumImportedGlobals: 1,
		HasStart:           true,
	}
	m.Start = uint32(m.NumImportedFuncs)
	m.Code = []wasm.FuncBody{{
		Locals: []wasm.LocalEntry{{Count: numLocals, Type: wasm.I32}},
		Code:   code,
	}}
	return m
}

// loadStoreModule builds a single-function module that imports the thread-id
// global, a buffer:0:0:load function, and a buffer:0:1:store function —
// separate input/output buffers, local 0 holding the thread id.
func loadStoreModule(code []wasm.Instruction) *wasm.Module {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{}, // T0: start
			{Params: []wasm.ValType{wasm.I32}, Results: []wasm.ValType{wasm.I32}}, // T1: load(ptr) -> val
			{Params: []wasm.ValType{wasm.I32, wasm.I32}},                          // T2: store(ptr, val)
		},
		Imports: []wasm.Import{
			{Module: "spv", Field: "id", Kind: wasm.ImportGlobal, Global: wasm.GlobalType{Type: wasm.I32}},
			{Module: "spv", Field: "buffer:0:0:load", Kind: wasm.ImportFunc, FuncTypeIdx: 1},
			{Module: "spv", Field: "buffer:0:1:store", Kind: wasm.ImportFunc, FuncTypeIdx: 2},
		},
		FuncTypeIdx:        []uint32{0},
		NumImportedFuncs:   2,
		NumImportedGlobals: 1,
		HasStart:           true,
	}
	m.Start = uint32(m.NumImportedFuncs)
	m.Code = []wasm.FuncBody{{
		Locals: []wasm.LocalEntry{{Count: 1, Type: wasm.I32}},
		Code:   code,
	}}
	return m
}

const (
	loadFuncIdx    = 0 // combined index of buffer:0:0:load, in loadStoreModule
	storeFuncIdxLS = 1 // combined index of buffer:0:1:store, in loadStoreModule
	storeFuncIdx   = 0 // combined index of buffer:0:0:store, in storeOnlyModule
)

// loadTransformStoreCode is the shared load/transform/store shape: read the thread
// id, load buffer[id] into a value, run transform on it, and store the
// result to a second buffer at the same index.
func loadTransformStoreCode(transform []wasm.Instruction) []wasm.Instruction {
	code := []wasm.Instruction{
		{Op: wasm.OpGetGlobal, Index: 0},
		{Op: wasm.OpSetLocal, Index: 0}, // local0 = thread id

		{Op: wasm.OpGetLocal, Index: 0}, // store ptr = id*4
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32Mul},

		{Op: wasm.OpGetLocal, Index: 0}, // load ptr = id*4
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32Mul},
		{Op: wasm.OpCall, Index: loadFuncIdx},
	}
	code = append(code, transform...)
	code = append(code, wasm.Instruction{Op: wasm.OpCall, Index: storeFuncIdxLS})
	code = append(code, wasm.Instruction{Op: wasm.OpEnd})
	return code
}

// runScenario lowers m's single defined function, emits SPIR-V from it
// (checking the result's control flow is structurally sound), then runs the
// same lowered function through the interp CPU oracle, which writes its
// results into out in place.
func runScenario(t *testing.T, m *wasm.Module, invocations uint32, in []int32, out []int32) {
	t.Helper()

	sig := m.FuncType(m.Start)
	fn, alloc, err := ir.BuildDirect(0, m.Code[0], sig, m)
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}
	base, err := ir.Lower(fn, alloc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	spv, err := spirv.Compile(m, []*ir.Fun{base}, spirv.DefaultOptions())
	if err != nil {
		t.Fatalf("spirv.Compile: %v", err)
	}
	_, insts, err := spvtest.Walk(spv)
	if err != nil {
		t.Fatalf("spvtest.Walk: %v", err)
	}
	if err := spvtest.CheckStructuredControlFlow(insts); err != nil {
		t.Errorf("emitted SPIR-V failed structural check: %v", err)
	}

	buffers := map[interp.BufferKey][]int32{}
	if in != nil {
		// loadStoreModule: binding 0 is input, binding 1 is output.
		buffers[interp.BufferKey{Set: 0, Binding: 0}] = append([]int32(nil), in...)
		buffers[interp.BufferKey{Set: 0, Binding: 1}] = out
	} else {
		// storeOnlyModule: binding 0 is the only (output) buffer.
		buffers[interp.BufferKey{Set: 0, Binding: 0}] = out
	}

	mach := &interp.Machine{Module: m, Funcs: []*ir.Fun{base}, Buffers: buffers}
	if err := mach.Run(invocations); err != nil {
		t.Fatalf("interp.Run: %v", err)
	}
}

// TestScenario_IdentityWrite copies an input buffer to an output
// buffer unchanged, one element per invocation.
func TestScenario_IdentityWrite(t *testing.T) {
	m := loadStoreModule(loadTransformStoreCode(nil))
	in := []int32{10, 20, 30, 40}
	out := make([]int32, len(in))
	runScenario(t, m, uint32(len(in)), in, out)

	for i, v := range in {
		if out[i] != v {
			t.Errorf("out[%d] = %d, want %d", i, out[i], v)
		}
	}
}

// TestScenario_Arithmetic computes out[i] = in[i]*12 + 3.
func TestScenario_Arithmetic(t *testing.T) {
	transform := []wasm.Instruction{
		{Op: wasm.OpI32Const, I32: 12},
		{Op: wasm.OpI32Mul},
		{Op: wasm.OpI32Const, I32: 3},
		{Op: wasm.OpI32Add},
	}
	m := loadStoreModule(loadTransformStoreCode(transform))
	in := []int32{0, 1, 2, 3, 4}
	out := make([]int32, len(in))
	runScenario(t, m, uint32(len(in)), in, out)

	want := []int32{3, 15, 27, 39, 51}
	for i := range in {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

// TestScenario_IfExpression: a value-valued if/else picks between 1 and
// 0 depending on whether the thread id is below 4.
func TestScenario_IfExpression(t *testing.T) {
	i32 := wasm.I32
	code := []wasm.Instruction{
		{Op: wasm.OpGetGlobal, Index: 0},
		{Op: wasm.OpSetLocal, Index: 0}, // local0 = id

		{Op: wasm.OpGetLocal, Index: 0}, // ptr = id*4
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32Mul},

		{Op: wasm.OpGetLocal, Index: 0}, // id < 4
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32LtS},
		{Op: wasm.OpIf, Block: &i32},
		{Op: wasm.OpI32Const, I32: 1},
		{Op: wasm.OpElse},
		{Op: wasm.OpI32Const, I32: 0},
		{Op: wasm.OpEnd}, // end if

		{Op: wasm.OpCall, Index: storeFuncIdx},
		{Op: wasm.OpEnd}, // end function
	}
	m := storeOnlyModule(code, 1)
	out := make([]int32, 6)
	runScenario(t, m, uint32(len(out)), nil, out)

	want := []int32{1, 1, 1, 1, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

// TestScenario_LoopSum sums everything below the thread id using a
// structured loop that breaks out to its enclosing block — the canonical
// for-loop shape, and the one insertLoop's flag trick exists for: the
// break targets depth 1 from inside the loop, with
// nothing else in the enclosing block to skip past.
//
// WASM shape:
//
//	i = spv.id; sum = 0; k = 0
//	block
//	  loop
//	    br_if 1 (k >= i)   ;; break
//	    sum += k; k += 1
//	    br 0               ;; continue
//	  end
//	end
//	store(i*4, sum)
func TestScenario_LoopSum(t *testing.T) {
	const (
		localI   = 0
		localSum = 1
		localK   = 2
	)
	code := []wasm.Instruction{
		{Op: wasm.OpGetGlobal, Index: 0},
		{Op: wasm.OpSetLocal, Index: localI},
		{Op: wasm.OpI32Const, I32: 0},
		{Op: wasm.OpSetLocal, Index: localSum},
		{Op: wasm.OpI32Const, I32: 0},
		{Op: wasm.OpSetLocal, Index: localK},

		{Op: wasm.OpBlock},
		{Op: wasm.OpLoop},
		{Op: wasm.OpGetLocal, Index: localK},
		{Op: wasm.OpGetLocal, Index: localI},
		{Op: wasm.OpI32GeS},
		{Op: wasm.OpBrIf, Depth: 1},

		{Op: wasm.OpGetLocal, Index: localSum},
		{Op: wasm.OpGetLocal, Index: localK},
		{Op: wasm.OpI32Add},
		{Op: wasm.OpSetLocal, Index: localSum},

		{Op: wasm.OpGetLocal, Index: localK},
		{Op: wasm.OpI32Const, I32: 1},
		{Op: wasm.OpI32Add},
		{Op: wasm.OpSetLocal, Index: localK},

		{Op: wasm.OpBr, Depth: 0},
		{Op: wasm.OpEnd}, // end loop
		{Op: wasm.OpEnd}, // end block

		{Op: wasm.OpGetLocal, Index: localI},
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32Mul},
		{Op: wasm.OpGetLocal, Index: localSum},
		{Op: wasm.OpCall, Index: storeFuncIdx},
		{Op: wasm.OpEnd}, // end function
	}
	m := storeOnlyModule(code, 3)
	out := make([]int32, 6)
	runScenario(t, m, uint32(len(out)), nil, out)

	want := []int32{0, 0, 1, 3, 6, 10}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

// TestScenario_FibonacciLoopBreak computes Fibonacci via the same loop-with-
// break-to-enclosing-block shape as S4, run i times instead of checking a
// running total.
//
//	a = 0; b = 1; k = 0
//	block
//	  loop
//	    br_if 1 (k >= i)
//	    tmp = a; a = b; b = tmp + b; k += 1
//	    br 0
//	  end
//	end
//	store(i*4, a)
func TestScenario_FibonacciLoopBreak(t *testing.T) {
	const (
		localI   = 0
		localA   = 1
		localB   = 2
		localK   = 3
		localTmp = 4
	)
	code := []wasm.Instruction{
		{Op: wasm.OpGetGlobal, Index: 0},
		{Op: wasm.OpSetLocal, Index: localI},
		{Op: wasm.OpI32Const, I32: 0},
		{Op: wasm.OpSetLocal, Index: localA},
		{Op: wasm.OpI32Const, I32: 1},
		{Op: wasm.OpSetLocal, Index: localB},
		{Op: wasm.OpI32Const, I32: 0},
		{Op: wasm.OpSetLocal, Index: localK},

		{Op: wasm.OpBlock},
		{Op: wasm.OpLoop},
		{Op: wasm.OpGetLocal, Index: localK},
		{Op: wasm.OpGetLocal, Index: localI},
		{Op: wasm.OpI32GeS},
		{Op: wasm.OpBrIf, Depth: 1},

		{Op: wasm.OpGetLocal, Index: localA},
		{Op: wasm.OpSetLocal, Index: localTmp}, // tmp = a

		{Op: wasm.OpGetLocal, Index: localB},
		{Op: wasm.OpSetLocal, Index: localA}, // a = b

		{Op: wasm.OpGetLocal, Index: localTmp},
		{Op: wasm.OpGetLocal, Index: localB}, // still the old b
		{Op: wasm.OpI32Add},
		{Op: wasm.OpSetLocal, Index: localB}, // b = tmp + oldB

		{Op: wasm.OpGetLocal, Index: localK},
		{Op: wasm.OpI32Const, I32: 1},
		{Op: wasm.OpI32Add},
		{Op: wasm.OpSetLocal, Index: localK},

		{Op: wasm.OpBr, Depth: 0},
		{Op: wasm.OpEnd}, // end loop
		{Op: wasm.OpEnd}, // end block

		{Op: wasm.OpGetLocal, Index: localI},
		{Op: wasm.OpI32Const, I32: 4},
		{Op: wasm.OpI32Mul},
		{Op: wasm.OpGetLocal, Index: localA},
		{Op: wasm.OpCall, Index: storeFuncIdx},
		{Op: wasm.OpEnd}, // end function
	}
	m := storeOnlyModule(code, 5)
	out := make([]int32, 10)
	runScenario(t, m, uint32(len(out)), nil, out)

	want := []int32{0, 1, 1, 2, 3, 5, 8, 13, 21, 34}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}
