// Package interp is a CPU reference model of the compiled shader's
// semantics, used only by tests to check the spirv package's output
// against an independent execution of the same lowered IR.
//
// It drives the shared buffers once per invocation index, resolving the
// "spv.id" global import to that index, and walks the already-lowered
// Base ir.Fun tree directly rather than re-visiting WASM instructions,
// since lowering has already happened by the time a test wants to check
// its result.
package interp

import (
	"fmt"
	"math"

	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/ir"
	"github.com/naalit/wasm-vk/wasm"
)

// Value is a tagged runtime value, mirroring ir.Const.
type Value struct {
	Ty  ir.Ty
	I32 int32
	I64 int64
	F32 float32
	F64 float64
}

func zero(ty ir.Ty) Value {
	return Value{Ty: ty}
}

// BufferKey identifies a storage buffer by its WGSL-style (set, binding)
// pair, matching the spv:buffer:<set>:<binding>:<op> import convention
// spirv.Backend parses.
type BufferKey struct{ Set, Binding uint32 }

// Machine holds the module and its lowered function bodies. Construct
// once, then call Run once per dispatch.
type Machine struct {
	Module  *wasm.Module
	Funcs   []*ir.Fun // parallel to Module.Code
	Buffers map[BufferKey][]int32
}

// Run executes the module's start function once per invocation in
// [0, invocations), mimicking one Vulkan compute dispatch of that many
// single-threaded workgroups. Each invocation gets its own copy of every
// module global (SPIR-V's Private storage class is reinitialized per
// invocation) and its own heap; Buffers are shared and mutated in place.
func (m *Machine) Run(invocations uint32) error {
	if !m.Module.HasStart {
		return diag.New(diag.KindStructuralInvariant, "module has no start function")
	}
	fn := m.funcByIdx(m.Module.Start)
	if fn == nil {
		return diag.New(diag.KindStructuralInvariant, "start function %d is not a defined function", m.Module.Start)
	}
	for i := uint32(0); i < invocations; i++ {
		inv := &invocation{
			m:        m,
			threadID: i,
			globals:  m.initGlobals(),
			heap:     m.initHeap(),
		}
		if _, err := inv.callByIdx(m.Module.Start, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) funcByIdx(idx uint32) *ir.Fun {
	i := int(idx) - m.Module.NumImportedFuncs
	if i < 0 || i >= len(m.Funcs) {
		return nil
	}
	return m.Funcs[i]
}

func (m *Machine) initGlobals() []Value {
	out := make([]Value, m.Module.NumImportedGlobals+len(m.Module.Globals))
	// Imported globals (spv.id) have no backing slot here; they're
	// resolved specially in GetGlobal. Module-defined globals start at
	// their declared initializer every invocation.
	for i, g := range m.Module.Globals {
		out[m.Module.NumImportedGlobals+i] = Value{Ty: ir.TyI32, I32: g.Init}
	}
	return out
}

// initHeap builds this invocation's linear-memory image: an unbounded
// word-indexed map rather than spirv.Backend's fixed 128-byte window,
// since the window is an artifact of that backend's SPIR-V array size
// limit, not part of the semantics being modeled here.
func (m *Machine) initHeap() map[int32]int32 {
	heap := map[int32]int32{}
	if m.Module.Data == nil {
		return heap
	}
	data := m.Module.Data
	for i := 0; i+4 <= len(data.Bytes); i += 4 {
		var w uint32
		for j := 0; j < 4; j++ {
			w |= uint32(data.Bytes[i+j]) << (8 * uint(j))
		}
		addr := data.Offset + int32(i)
		heap[addr/4] = int32(w)
	}
	return heap
}

// invocation is one thread's execution state.
type invocation struct {
	m        *Machine
	threadID uint32
	globals  []Value
	heap     map[int32]int32
}

// breakSignal/continueSignal/returnSignal carry structured non-local exits
// up through the recursive eval, the same panic/recover idiom ir.Lower
// uses for its own structural-invariant failures.
type breakSignal struct{}
type continueSignal struct{}
type returnSignal struct{ v Value }

func (inv *invocation) callByIdx(idx uint32, args []Value) (Value, error) {
	fn := inv.m.funcByIdx(idx)
	if fn == nil {
		return Value{}, diag.New(diag.KindStructuralInvariant, "call to unknown function %d", idx)
	}
	return inv.call(fn, args)
}

func (inv *invocation) call(fn *ir.Fun, args []Value) (v Value, err error) {
	locals := map[uint32]Value{}
	for _, l := range ir.Locals(fn.Body) {
		locals[l.Idx] = zero(l.Ty)
	}
	for i, a := range args {
		locals[uint32(i)] = a
	}

	defer func() {
		if r := recover(); r != nil {
			if rs, ok := r.(returnSignal); ok {
				v = rs.v
				return
			}
			panic(r)
		}
	}()

	fr := &frame{invocation: inv, locals: locals}
	result, evalErr := fr.eval(fn.Body)
	if evalErr != nil {
		err = evalErr
		return
	}
	return result, nil
}

// frame is one function activation's evaluation state.
type frame struct {
	*invocation
	locals map[uint32]Value
}

func (fr *frame) eval(n ir.Node) (Value, error) {
	switch x := n.(type) {
	case ir.Nop:
		return Value{}, nil

	case ir.ConstNode:
		c := x.Value
		return Value{Ty: c.Ty, I32: c.I32, I64: c.I64, F32: c.F32, F64: c.F64}, nil

	case ir.GetLocal:
		return fr.locals[x.Local.Idx], nil

	case ir.SetLocal:
		v, err := fr.eval(x.Value)
		if err != nil {
			return Value{}, err
		}
		fr.locals[x.Local.Idx] = v
		return Value{}, nil

	case ir.GetGlobal:
		if int(x.Global.Idx) < fr.m.Module.NumImportedGlobals {
			return Value{Ty: ir.TyI32, I32: int32(fr.threadID)}, nil
		}
		return fr.globals[x.Global.Idx], nil

	case ir.SetGlobal:
		if int(x.Global.Idx) < fr.m.Module.NumImportedGlobals {
			return Value{}, fmt.Errorf("interp: cannot assign the thread-id global")
		}
		v, err := fr.eval(x.Value)
		if err != nil {
			return Value{}, err
		}
		fr.globals[x.Global.Idx] = v
		return Value{}, nil

	case ir.Load:
		addr, err := fr.eval(x.Addr)
		if err != nil {
			return Value{}, err
		}
		return Value{Ty: ir.TyI32, I32: fr.heap[addr.I32/4]}, nil

	case ir.Store:
		addr, err := fr.eval(x.Addr)
		if err != nil {
			return Value{}, err
		}
		val, err := fr.eval(x.Val)
		if err != nil {
			return Value{}, err
		}
		fr.heap[addr.I32/4] = val.I32
		return Value{}, nil

	case ir.INumOpNode:
		return fr.evalINumOp(x)
	case ir.ICompOpNode:
		return fr.evalICompOp(x)
	case ir.FNumOpNode:
		return fr.evalFNumOp(x)
	case ir.FCompOpNode:
		return fr.evalFCompOp(x)
	case ir.FUnOpNode:
		return fr.evalFUnOp(x)
	case ir.CvtOpNode:
		return fr.evalCvtOp(x)

	case ir.Call:
		return fr.evalCall(x)

	case ir.Seq:
		if _, err := fr.eval(x.A); err != nil {
			return Value{}, err
		}
		return fr.eval(x.B)

	case ir.If:
		cond, err := fr.eval(x.Cond)
		if err != nil {
			return Value{}, err
		}
		if cond.I32 != 0 {
			return fr.eval(x.T)
		}
		return fr.eval(x.F)

	case ir.Loop:
		for {
			done, err := fr.runLoopBody(x.Body)
			if err != nil {
				return Value{}, err
			}
			if done {
				return Value{}, nil
			}
		}

	case ir.Break:
		panic(breakSignal{})
	case ir.Continue:
		panic(continueSignal{})

	case ir.Return:
		var v Value
		if x.Value != nil {
			var err error
			v, err = fr.eval(x.Value)
			if err != nil {
				return Value{}, err
			}
		}
		panic(returnSignal{v: v})

	default:
		return Value{}, fmt.Errorf("interp: unhandled node %T", n)
	}
}

// runLoopBody evaluates one iteration of a Loop's body. A caught Continue
// means "run the body again"; a caught Break, or the body running to
// completion, exits the loop, the same way the emitted SPIR-V's body block
// falls through to the merge block unless a Continue takes the back-edge.
// Return signals propagate past it untouched.
func (fr *frame) runLoopBody(body ir.Node) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case breakSignal:
				done = true
			case continueSignal:
				done = false
			default:
				panic(r)
			}
		}
	}()
	_, err = fr.eval(body)
	return true, err
}

func (fr *frame) evalINumOp(x ir.INumOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	b, err := fr.eval(x.B)
	if err != nil {
		return Value{}, err
	}
	if x.Width == ir.W64 {
		return Value{Ty: ir.TyI64, I64: evalI64Op(x.Op, a.I64, b.I64)}, nil
	}
	return Value{Ty: ir.TyI32, I32: evalI32Op(x.Op, a.I32, b.I32)}, nil
}

func evalI32Op(op ir.INumOp, a, b int32) int32 {
	switch op {
	case ir.IAdd:
		return a + b
	case ir.ISub:
		return a - b
	case ir.IMul:
		return a * b
	case ir.IDivS:
		return a / b
	case ir.IDivU:
		return int32(uint32(a) / uint32(b))
	case ir.IShl:
		return a << (uint32(b) & 31)
	case ir.IShrS:
		return a >> (uint32(b) & 31)
	case ir.IShrU:
		return int32(uint32(a) >> (uint32(b) & 31))
	case ir.IAnd:
		return a & b
	case ir.IOr:
		return a | b
	case ir.IXor:
		return a ^ b
	default:
		panic(fmt.Sprintf("interp: unknown INumOp %v", op))
	}
}

func evalI64Op(op ir.INumOp, a, b int64) int64 {
	switch op {
	case ir.IAdd:
		return a + b
	case ir.ISub:
		return a - b
	case ir.IMul:
		return a * b
	case ir.IDivS:
		return a / b
	case ir.IDivU:
		return int64(uint64(a) / uint64(b))
	case ir.IShl:
		return a << (uint64(b) & 63)
	case ir.IShrS:
		return a >> (uint64(b) & 63)
	case ir.IShrU:
		return int64(uint64(a) >> (uint64(b) & 63))
	case ir.IAnd:
		return a & b
	case ir.IOr:
		return a | b
	case ir.IXor:
		return a ^ b
	default:
		panic(fmt.Sprintf("interp: unknown INumOp %v", op))
	}
}

func (fr *frame) evalICompOp(x ir.ICompOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	b, err := fr.eval(x.B)
	if err != nil {
		return Value{}, err
	}
	var result bool
	if x.Width == ir.W64 {
		result = evalI64Comp(x.Op, a.I64, b.I64)
	} else {
		result = evalI32Comp(x.Op, a.I32, b.I32)
	}
	return boolToI32(result), nil
}

func evalI32Comp(op ir.ICompOp, a, b int32) bool {
	switch op {
	case ir.IEq:
		return a == b
	case ir.INEq:
		return a != b
	case ir.ILeS:
		return a <= b
	case ir.ILeU:
		return uint32(a) <= uint32(b)
	case ir.IGeS:
		return a >= b
	case ir.IGeU:
		return uint32(a) >= uint32(b)
	case ir.ILtS:
		return a < b
	case ir.ILtU:
		return uint32(a) < uint32(b)
	case ir.IGtS:
		return a > b
	case ir.IGtU:
		return uint32(a) > uint32(b)
	default:
		panic(fmt.Sprintf("interp: unknown ICompOp %v", op))
	}
}

func evalI64Comp(op ir.ICompOp, a, b int64) bool {
	switch op {
	case ir.IEq:
		return a == b
	case ir.INEq:
		return a != b
	case ir.ILeS:
		return a <= b
	case ir.ILeU:
		return uint64(a) <= uint64(b)
	case ir.IGeS:
		return a >= b
	case ir.IGeU:
		return uint64(a) >= uint64(b)
	case ir.ILtS:
		return a < b
	case ir.ILtU:
		return uint64(a) < uint64(b)
	case ir.IGtS:
		return a > b
	case ir.IGtU:
		return uint64(a) > uint64(b)
	default:
		panic(fmt.Sprintf("interp: unknown ICompOp %v", op))
	}
}

func boolToI32(b bool) Value {
	if b {
		return Value{Ty: ir.TyI32, I32: 1}
	}
	return Value{Ty: ir.TyI32, I32: 0}
}

func (fr *frame) evalFNumOp(x ir.FNumOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	b, err := fr.eval(x.B)
	if err != nil {
		return Value{}, err
	}
	if x.Width == ir.W64 {
		return Value{Ty: ir.TyF64, F64: evalF64Op(x.Op, a.F64, b.F64)}, nil
	}
	return Value{Ty: ir.TyF32, F32: evalF32Op(x.Op, a.F32, b.F32)}, nil
}

func evalF32Op(op ir.FNumOp, a, b float32) float32 {
	switch op {
	case ir.FAdd:
		return a + b
	case ir.FSub:
		return a - b
	case ir.FMul:
		return a * b
	case ir.FDiv:
		return a / b
	case ir.FMin:
		if a < b {
			return a
		}
		return b
	case ir.FMax:
		if a > b {
			return a
		}
		return b
	default:
		panic(fmt.Sprintf("interp: unknown FNumOp %v", op))
	}
}

func evalF64Op(op ir.FNumOp, a, b float64) float64 {
	switch op {
	case ir.FAdd:
		return a + b
	case ir.FSub:
		return a - b
	case ir.FMul:
		return a * b
	case ir.FDiv:
		return a / b
	case ir.FMin:
		if a < b {
			return a
		}
		return b
	case ir.FMax:
		if a > b {
			return a
		}
		return b
	default:
		panic(fmt.Sprintf("interp: unknown FNumOp %v", op))
	}
}

func (fr *frame) evalFCompOp(x ir.FCompOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	b, err := fr.eval(x.B)
	if err != nil {
		return Value{}, err
	}
	var af, bf float64
	if x.Width == ir.W64 {
		af, bf = a.F64, b.F64
	} else {
		af, bf = float64(a.F32), float64(b.F32)
	}
	var result bool
	switch x.Op {
	case ir.FEq:
		result = af == bf
	case ir.FNEq:
		result = af != bf
	case ir.FLeOp:
		result = af <= bf
	case ir.FGeOp:
		result = af >= bf
	case ir.FLtOp:
		result = af < bf
	case ir.FGtOp:
		result = af > bf
	default:
		panic(fmt.Sprintf("interp: unknown FCompOp %v", x.Op))
	}
	return boolToI32(result), nil
}

func (fr *frame) evalFUnOp(x ir.FUnOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	if x.Width == ir.W64 {
		return Value{Ty: ir.TyF64, F64: applyFUnOp64(x.Op, a.F64)}, nil
	}
	return Value{Ty: ir.TyF32, F32: applyFUnOp32(x.Op, a.F32)}, nil
}

func applyFUnOp32(op ir.FUnOp, a float32) float32 {
	switch op {
	case ir.FSqrt:
		return float32(math.Sqrt(float64(a)))
	case ir.FAbs:
		if a < 0 {
			return -a
		}
		return a
	case ir.FNeg:
		return -a
	case ir.FCeil:
		return float32(math.Ceil(float64(a)))
	case ir.FFloor:
		return float32(math.Floor(float64(a)))
	default:
		panic(fmt.Sprintf("interp: unknown FUnOp %v", op))
	}
}

func applyFUnOp64(op ir.FUnOp, a float64) float64 {
	switch op {
	case ir.FSqrt:
		return math.Sqrt(a)
	case ir.FAbs:
		if a < 0 {
			return -a
		}
		return a
	case ir.FNeg:
		return -a
	case ir.FCeil:
		return math.Ceil(a)
	case ir.FFloor:
		return math.Floor(a)
	default:
		panic(fmt.Sprintf("interp: unknown FUnOp %v", op))
	}
}

func (fr *frame) evalCvtOp(x ir.CvtOpNode) (Value, error) {
	a, err := fr.eval(x.A)
	if err != nil {
		return Value{}, err
	}
	switch x.Op {
	case ir.F32toI32S:
		return Value{Ty: ir.TyI32, I32: int32(a.F32)}, nil
	case ir.F32toI32U:
		return Value{Ty: ir.TyI32, I32: int32(uint32(a.F32))}, nil
	case ir.I32toF32S:
		return Value{Ty: ir.TyF32, F32: float32(a.I32)}, nil
	case ir.I32toF32U:
		return Value{Ty: ir.TyF32, F32: float32(uint32(a.I32))}, nil
	default:
		return Value{}, fmt.Errorf("interp: unknown CvtOp %v", x.Op)
	}
}

// evalCall routes a buffer-import call to the bound []int32 buffer and a
// defined-function call to a fresh frame in this same invocation.
func (fr *frame) evalCall(x ir.Call) (Value, error) {
	if imp, ok := fr.m.bufferImport(x.FuncIdx); ok {
		return fr.evalBufferCall(imp, x.Args)
	}
	args := make([]Value, len(x.Args))
	for i, a := range x.Args {
		v, err := fr.eval(a)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	return fr.callByIdx(x.FuncIdx, args)
}

// bufferImportBinding names the (set, binding, isLoad) triple a function
// import resolves to, parsed from its "spv:buffer:<set>:<binding>:<op>"
// module/field convention (see spirv.parseBufferImport).
type bufferImportBinding struct {
	key  BufferKey
	load bool
}

func (m *Machine) bufferImport(idx uint32) (bufferImportBinding, bool) {
	n := 0
	for _, imp := range m.Module.Imports {
		if imp.Kind != wasm.ImportFunc {
			continue
		}
		if uint32(n) == idx {
			key, isLoad, ok := parseBufferField(imp.Field)
			return bufferImportBinding{key: key, load: isLoad}, ok
		}
		n++
	}
	return bufferImportBinding{}, false
}

func parseBufferField(field string) (key BufferKey, isLoad bool, ok bool) {
	var set, binding uint32
	var op string
	if n, _ := fmt.Sscanf(field, "buffer:%d:%d:%s", &set, &binding, &op); n != 3 {
		return BufferKey{}, false, false
	}
	switch op {
	case "load":
		return BufferKey{Set: set, Binding: binding}, true, true
	case "store":
		return BufferKey{Set: set, Binding: binding}, false, true
	default:
		return BufferKey{}, false, false
	}
}

func (fr *frame) evalBufferCall(imp bufferImportBinding, args []ir.Node) (Value, error) {
	ptr, err := fr.eval(args[0])
	if err != nil {
		return Value{}, err
	}
	buf := fr.m.Buffers[imp.key]
	idx := ptr.I32 / 4
	if imp.load {
		if int(idx) < 0 || int(idx) >= len(buf) {
			return Value{}, fmt.Errorf("interp: buffer load out of range at index %d", idx)
		}
		return Value{Ty: ir.TyI32, I32: buf[idx]}, nil
	}
	val, err := fr.eval(args[1])
	if err != nil {
		return Value{}, err
	}
	if int(idx) < 0 || int(idx) >= len(buf) {
		return Value{}, fmt.Errorf("interp: buffer store out of range at index %d", idx)
	}
	buf[idx] = val.I32
	return Value{}, nil
}
