package spirv

import (
	"fmt"

	"github.com/naalit/wasm-vk/ir"
)

// sentinel is returned by emit for statement-valued nodes (SetLocal, Store,
// Break, Continue, Return, void Call, void If) whose SSA id is never
// consumed by a caller — Seq always discards A's value regardless.
const sentinel = 0

type loopLabels struct{ cont, end uint32 }

// funcCtx holds the state threaded through emission of a single function
// body.
type funcCtx struct {
	be *Backend

	locals      map[uint32]uint32 // ir.Local.Idx -> Function-class pointer var
	ifTemps     []uint32          // one Function-class pointer var per value-producing If, in encounter order
	ifIdx       int
	loopStack   []loopLabels
	established bool // has this emission-path already set heap_offset?
	threadID    uint32
}

// emitFuncVersion emits one full OpFunction..OpFunctionEnd span: the main
// version assumes heap_offset is already established on entry, the offset
// version assumes it is not and must set it on first heap access.
func (be *Backend) emitFuncVersion(idx uint32, offsetVersion bool) error {
	fe := be.funcs[idx]
	funcID := fe.mainID
	if offsetVersion {
		funcID = fe.offsetVersionID
		fe.offsetVersionEmitted = true
	}

	be.b.AddFunctionWithID(funcID, fe.funcTypeID, fe.retTypeID, FunctionControlNone)
	paramIDs := make([]uint32, len(fe.fun.Params))
	for i := range fe.fun.Params {
		paramIDs[i] = be.b.AddFunctionParameter(fe.paramTypeIDs[i])
	}
	be.b.AddLabel()

	ctx := &funcCtx{be: be, locals: map[uint32]uint32{}, established: !offsetVersion}

	for _, l := range ir.Locals(fe.fun.Body) {
		ctx.locals[l.Idx] = be.b.AddLocalVariable(be.ptrType(l.Ty, StorageClassFunction), StorageClassFunction)
	}
	ifTys := collectIfTypes(fe.fun.Body)
	ctx.ifTemps = make([]uint32, len(ifTys))
	for i, ty := range ifTys {
		ctx.ifTemps[i] = be.b.AddLocalVariable(be.ptrType(ty, StorageClassFunction), StorageClassFunction)
	}

	for i := range fe.fun.Params {
		if varID, ok := ctx.locals[uint32(i)]; ok {
			be.b.AddStore(varID, paramIDs[i])
		}
	}

	ctx.threadID = ctx.emitThreadID()

	retVal, err := ctx.emit(fe.fun.Body)
	if err != nil {
		return err
	}
	if fe.fun.Ty != nil {
		be.b.AddReturnValue(retVal)
	} else {
		be.b.AddReturn()
	}
	be.b.AddFunctionEnd()
	return nil
}

func (ctx *funcCtx) emitThreadID() uint32 {
	be := ctx.be
	idx0 := be.constU32(0)
	ptrTy := be.ptrTypeRaw(StorageClassInput, be.uintType())
	elemPtr := be.b.AddAccessChain(ptrTy, be.threadIDVar, idx0)
	raw := be.b.AddLoad(be.uintType(), elemPtr)
	return be.b.AddUnaryOp(OpBitcast, be.typeID(ir.TyI32), raw)
}

// collectIfTypes walks n in the exact pre-order emit() uses, recording the
// result type of every value-producing If. emitIf consumes these in the
// same order to know which synthetic Function-class temp backs its merge
// value — SPIR-V requires all OpVariables up front in the entry block, so
// this two-pass scheme avoids needing OpPhi.
func collectIfTypes(n ir.Node) []ir.Ty {
	var out []ir.Ty
	var walk func(ir.Node)
	walk = func(n ir.Node) {
		switch x := n.(type) {
		case ir.If:
			if x.Ty != nil {
				out = append(out, *x.Ty)
			}
			walk(x.Cond)
			walk(x.T)
			walk(x.F)
		case ir.Seq:
			walk(x.A)
			walk(x.B)
		case ir.Loop:
			walk(x.Body)
		case ir.Load:
			walk(x.Addr)
		case ir.Store:
			walk(x.Addr)
			walk(x.Val)
		case ir.INumOpNode:
			walk(x.A)
			walk(x.B)
		case ir.ICompOpNode:
			walk(x.A)
			walk(x.B)
		case ir.FNumOpNode:
			walk(x.A)
			walk(x.B)
		case ir.FCompOpNode:
			walk(x.A)
			walk(x.B)
		case ir.FUnOpNode:
			walk(x.A)
		case ir.CvtOpNode:
			walk(x.A)
		case ir.SetLocal:
			walk(x.Value)
		case ir.SetGlobal:
			walk(x.Value)
		case ir.Call:
			for _, a := range x.Args {
				walk(a)
			}
		case ir.Return:
			if x.Value != nil {
				walk(x.Value)
			}
		}
	}
	walk(n)
	return out
}

// emit translates one Base node, returning the SSA id of its value (or
// sentinel for statement-valued nodes).
func (ctx *funcCtx) emit(n ir.Node) (uint32, error) {
	be := ctx.be
	switch x := n.(type) {
	case ir.Nop:
		return sentinel, nil

	case ir.ConstNode:
		return ctx.emitConst(x.Value)

	case ir.GetLocal:
		return be.b.AddLoad(be.typeID(x.Local.Ty), ctx.locals[x.Local.Idx]), nil

	case ir.SetLocal:
		v, err := ctx.emit(x.Value)
		if err != nil {
			return 0, err
		}
		be.b.AddStore(ctx.locals[x.Local.Idx], v)
		return sentinel, nil

	case ir.GetGlobal:
		g := be.globals[x.Global.Idx]
		if g.kind == globalThreadID {
			return ctx.threadID, nil
		}
		return be.b.AddLoad(be.typeID(g.ty), g.varID), nil

	case ir.SetGlobal:
		g := be.globals[x.Global.Idx]
		if g.kind == globalThreadID {
			return 0, fmt.Errorf("spirv: cannot assign the thread-id global")
		}
		v, err := ctx.emit(x.Value)
		if err != nil {
			return 0, err
		}
		be.b.AddStore(g.varID, v)
		return sentinel, nil

	case ir.Load:
		return ctx.emitLoad(x)
	case ir.Store:
		return ctx.emitStore(x)

	case ir.INumOpNode:
		return ctx.emitINumOp(x)
	case ir.ICompOpNode:
		return ctx.emitICompOp(x)
	case ir.FNumOpNode:
		return ctx.emitFNumOp(x)
	case ir.FCompOpNode:
		return ctx.emitFCompOp(x)
	case ir.FUnOpNode:
		return ctx.emitFUnOp(x)
	case ir.CvtOpNode:
		return ctx.emitCvtOp(x)

	case ir.Call:
		return ctx.emitCall(x)

	case ir.Seq:
		if _, err := ctx.emit(x.A); err != nil {
			return 0, err
		}
		return ctx.emit(x.B)

	case ir.If:
		return ctx.emitIf(x)

	case ir.Loop:
		return ctx.emitLoop(x)

	case ir.Break:
		if len(ctx.loopStack) == 0 {
			return 0, fmt.Errorf("spirv: break outside a loop")
		}
		be.b.AddBranch(ctx.loopStack[len(ctx.loopStack)-1].end)
		be.b.AddLabel()
		return sentinel, nil

	case ir.Continue:
		if len(ctx.loopStack) == 0 {
			return 0, fmt.Errorf("spirv: continue outside a loop")
		}
		be.b.AddBranch(ctx.loopStack[len(ctx.loopStack)-1].cont)
		be.b.AddLabel()
		return sentinel, nil

	case ir.Return:
		if x.Value == nil {
			be.b.AddReturn()
		} else {
			v, err := ctx.emit(x.Value)
			if err != nil {
				return 0, err
			}
			be.b.AddReturnValue(v)
		}
		be.b.AddLabel()
		return sentinel, nil

	default:
		return 0, fmt.Errorf("spirv: unhandled node %T", n)
	}
}

func (ctx *funcCtx) emitConst(c ir.Const) (uint32, error) {
	be := ctx.be
	switch c.Ty {
	case ir.TyI32:
		return be.constI32(c.I32), nil
	case ir.TyF32:
		return be.constF32(c.F32), nil
	default:
		return 0, fmt.Errorf("spirv: 64-bit constants are unsupported")
	}
}

var inumOpcode = map[ir.INumOp]OpCode{
	ir.IAdd:  OpIAdd,
	ir.ISub:  OpISub,
	ir.IMul:  OpIMul,
	ir.IDivS: OpSDiv,
	ir.IDivU: OpUDiv,
	ir.IShl:  OpShiftLeftLogical,
	ir.IShrS: OpShiftRightArithmetic,
	ir.IShrU: OpShiftRightLogical,
	ir.IAnd:  OpBitwiseAnd,
	ir.IOr:   OpBitwiseOr,
	ir.IXor:  OpBitwiseXor,
}

func (ctx *funcCtx) emitINumOp(x ir.INumOpNode) (uint32, error) {
	if x.Width != ir.W32 {
		return 0, fmt.Errorf("spirv: 64-bit integer arithmetic is unsupported")
	}
	op, ok := inumOpcode[x.Op]
	if !ok {
		return 0, fmt.Errorf("spirv: unknown integer op %v", x.Op)
	}
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	b, err := ctx.emit(x.B)
	if err != nil {
		return 0, err
	}
	return ctx.be.b.AddBinaryOp(op, ctx.be.typeID(ir.TyI32), a, b), nil
}

var icompOpcode = map[ir.ICompOp]OpCode{
	ir.IEq:  OpIEqual,
	ir.INEq: OpINotEqual,
	ir.ILeS: OpSLessThanEqual,
	ir.ILeU: OpULessThanEqual,
	ir.IGeS: OpSGreaterThanEqual,
	ir.IGeU: OpUGreaterThanEqual,
	ir.ILtS: OpSLessThan,
	ir.ILtU: OpULessThan,
	ir.IGtS: OpSGreaterThan,
	ir.IGtU: OpUGreaterThan,
}

func (ctx *funcCtx) emitICompOp(x ir.ICompOpNode) (uint32, error) {
	if x.Width != ir.W32 {
		return 0, fmt.Errorf("spirv: 64-bit integer comparison is unsupported")
	}
	op, ok := icompOpcode[x.Op]
	if !ok {
		return 0, fmt.Errorf("spirv: unknown integer comparison %v", x.Op)
	}
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	b, err := ctx.emit(x.B)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	cond := be.b.AddBinaryOp(op, be.boolType(), a, b)
	return be.b.AddSelect(be.typeID(ir.TyI32), cond, be.constI32(1), be.constI32(0)), nil
}

func (ctx *funcCtx) emitFNumOp(x ir.FNumOpNode) (uint32, error) {
	if x.Width != ir.W32 {
		return 0, fmt.Errorf("spirv: 64-bit float arithmetic is unsupported")
	}
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	b, err := ctx.emit(x.B)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	f32 := be.typeID(ir.TyF32)
	switch x.Op {
	case ir.FAdd:
		return be.b.AddBinaryOp(OpFAdd, f32, a, b), nil
	case ir.FSub:
		return be.b.AddBinaryOp(OpFSub, f32, a, b), nil
	case ir.FMul:
		return be.b.AddBinaryOp(OpFMul, f32, a, b), nil
	case ir.FDiv:
		return be.b.AddBinaryOp(OpFDiv, f32, a, b), nil
	case ir.FMin:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450FMin, a, b), nil
	case ir.FMax:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450FMax, a, b), nil
	default:
		return 0, fmt.Errorf("spirv: unknown float op %v", x.Op)
	}
}

var fcompOpcode = map[ir.FCompOp]OpCode{
	ir.FEq:   OpFOrdEqual,
	ir.FNEq:  OpFOrdNotEqual,
	ir.FLeOp: OpFOrdLessThanEqual,
	ir.FGeOp: OpFOrdGreaterThanEqual,
	ir.FLtOp: OpFOrdLessThan,
	ir.FGtOp: OpFOrdGreaterThan,
}

func (ctx *funcCtx) emitFCompOp(x ir.FCompOpNode) (uint32, error) {
	if x.Width != ir.W32 {
		return 0, fmt.Errorf("spirv: 64-bit float comparison is unsupported")
	}
	op, ok := fcompOpcode[x.Op]
	if !ok {
		return 0, fmt.Errorf("spirv: unknown float comparison %v", x.Op)
	}
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	b, err := ctx.emit(x.B)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	cond := be.b.AddBinaryOp(op, be.boolType(), a, b)
	return be.b.AddSelect(be.typeID(ir.TyI32), cond, be.constI32(1), be.constI32(0)), nil
}

func (ctx *funcCtx) emitFUnOp(x ir.FUnOpNode) (uint32, error) {
	if x.Width != ir.W32 {
		return 0, fmt.Errorf("spirv: 64-bit float unary ops are unsupported")
	}
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	f32 := be.typeID(ir.TyF32)
	switch x.Op {
	case ir.FSqrt:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450Sqrt, a), nil
	case ir.FAbs:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450FAbs, a), nil
	case ir.FNeg:
		return be.b.AddUnaryOp(OpFNegate, f32, a), nil
	case ir.FCeil:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450Ceil, a), nil
	case ir.FFloor:
		return be.b.AddExtInst(f32, be.glslExtID, GLSLstd450Floor, a), nil
	default:
		return 0, fmt.Errorf("spirv: unknown float unary op %v", x.Op)
	}
}

func (ctx *funcCtx) emitCvtOp(x ir.CvtOpNode) (uint32, error) {
	a, err := ctx.emit(x.A)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	i32, f32, u32 := be.typeID(ir.TyI32), be.typeID(ir.TyF32), be.uintType()
	switch x.Op {
	case ir.F32toI32S:
		return be.b.AddUnaryOp(OpConvertFToS, i32, a), nil
	case ir.F32toI32U:
		u := be.b.AddUnaryOp(OpConvertFToU, u32, a)
		return be.b.AddUnaryOp(OpBitcast, i32, u), nil
	case ir.I32toF32S:
		return be.b.AddUnaryOp(OpConvertSToF, f32, a), nil
	case ir.I32toF32U:
		u := be.b.AddUnaryOp(OpBitcast, u32, a)
		return be.b.AddUnaryOp(OpConvertUToF, f32, u), nil
	default:
		return 0, fmt.Errorf("spirv: unknown conversion op %v", x.Op)
	}
}

// emitLoad/emitStore simulate linear memory via a 128-byte Private array,
// establishing heap_offset on this path's first access.
func (ctx *funcCtx) emitLoad(x ir.Load) (uint32, error) {
	if x.Ty != ir.TyI32 {
		return 0, fmt.Errorf("spirv: only i32 heap loads are supported")
	}
	addr, err := ctx.emit(x.Addr)
	if err != nil {
		return 0, err
	}
	idx, err := ctx.heapIndex(addr)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	elemPtr := be.b.AddAccessChain(be.heapElemPtrTypeID, be.heapArrayVar, idx)
	return be.b.AddLoad(be.typeID(ir.TyI32), elemPtr), nil
}

func (ctx *funcCtx) emitStore(x ir.Store) (uint32, error) {
	if x.Ty != ir.TyI32 {
		return 0, fmt.Errorf("spirv: only i32 heap stores are supported")
	}
	addr, err := ctx.emit(x.Addr)
	if err != nil {
		return 0, err
	}
	val, err := ctx.emit(x.Val)
	if err != nil {
		return 0, err
	}
	idx, err := ctx.heapIndex(addr)
	if err != nil {
		return 0, err
	}
	be := ctx.be
	elemPtr := be.b.AddAccessChain(be.heapElemPtrTypeID, be.heapArrayVar, idx)
	be.b.AddStore(elemPtr, val)
	return sentinel, nil
}

func (ctx *funcCtx) heapIndex(addr uint32) (uint32, error) {
	be := ctx.be
	if !be.hasHeap {
		return 0, fmt.Errorf("spirv: memory access in a module without a declared memory section")
	}
	i32 := be.typeID(ir.TyI32)
	if !ctx.established {
		diff := be.b.AddBinaryOp(OpISub, i32, addr, be.constI32(64))
		newOffset := be.b.AddExtInst(i32, be.glslExtID, GLSLstd450SMax, diff, be.constI32(0))
		be.b.AddStore(be.heapOffsetVar, newOffset)
		ctx.established = true
	}
	offset := be.b.AddLoad(i32, be.heapOffsetVar)
	diff := be.b.AddBinaryOp(OpISub, i32, addr, offset)
	return be.b.AddBinaryOp(OpSDiv, i32, diff, be.constI32(4)), nil
}

// emitCall routes through a buffer-import thunk, the plain callee, or (when
// the callee might establish heap_offset and this path hasn't yet) a
// dedicated offset-establishing clone of the callee.
func (ctx *funcCtx) emitCall(x ir.Call) (uint32, error) {
	be := ctx.be
	if im, ok := be.imports[x.FuncIdx]; ok {
		return ctx.emitBufferCall(im, x.Args)
	}
	fe := be.funcs[x.FuncIdx]
	if fe == nil {
		return 0, fmt.Errorf("spirv: call to unknown function %d", x.FuncIdx)
	}
	argIDs := make([]uint32, len(x.Args))
	for i, a := range x.Args {
		v, err := ctx.emit(a)
		if err != nil {
			return 0, err
		}
		argIDs[i] = v
	}
	target := fe.mainID
	if fe.couldSetOffset && !ctx.established {
		target = be.requestOffsetVersion(x.FuncIdx)
		ctx.established = true
	}
	id := be.b.AddFunctionCall(fe.retTypeID, target, argIDs...)
	if fe.fun.Ty == nil {
		return sentinel, nil
	}
	return id, nil
}

func (ctx *funcCtx) emitBufferCall(im importedFunc, args []ir.Node) (uint32, error) {
	be := ctx.be
	ptr, err := ctx.emit(args[0])
	if err != nil {
		return 0, err
	}
	ptrU := be.b.AddUnaryOp(OpBitcast, be.uintType(), ptr)
	elemIdx := be.b.AddBinaryOp(OpUDiv, be.uintType(), ptrU, be.constU32(4))
	buf := be.buffers[im.buf]
	ptrTy := be.ptrTypeRaw(StorageClassUniform, buf.elemID)
	ac := be.b.AddAccessChain(ptrTy, buf.varID, be.constU32(0), elemIdx)
	if im.get {
		return be.b.AddLoad(buf.elemID, ac), nil
	}
	val, err := ctx.emit(args[1])
	if err != nil {
		return 0, err
	}
	be.b.AddStore(ac, val)
	return sentinel, nil
}

// emitIf lowers to SelectionMerge + BranchConditional; a value-producing If
// stashes each arm's result into a synthetic temp (ctx.ifTemps) and loads it
// back at the merge label, rather than an OpPhi.
func (ctx *funcCtx) emitIf(x ir.If) (uint32, error) {
	be := ctx.be
	var tmp uint32
	if x.Ty != nil {
		tmp = ctx.ifTemps[ctx.ifIdx]
		ctx.ifIdx++
	}
	cond, err := ctx.emit(x.Cond)
	if err != nil {
		return 0, err
	}
	condBool := be.b.AddBinaryOp(OpINotEqual, be.boolType(), cond, be.constI32(0))

	tLabel := be.b.AllocID()
	fLabel := be.b.AllocID()
	mergeLabel := be.b.AllocID()

	be.b.AddSelectionMerge(mergeLabel, SelectionControlNone)
	be.b.AddBranchConditional(condBool, tLabel, fLabel)

	be.b.AddLabelWithID(tLabel)
	tVal, err := ctx.emit(x.T)
	if err != nil {
		return 0, err
	}
	if x.Ty != nil {
		be.b.AddStore(tmp, tVal)
	}
	be.b.AddBranch(mergeLabel)

	be.b.AddLabelWithID(fLabel)
	fVal, err := ctx.emit(x.F)
	if err != nil {
		return 0, err
	}
	if x.Ty != nil {
		be.b.AddStore(tmp, fVal)
	}
	be.b.AddBranch(mergeLabel)

	be.b.AddLabelWithID(mergeLabel)
	if x.Ty != nil {
		return be.b.AddLoad(be.typeID(*x.Ty), tmp), nil
	}
	return sentinel, nil
}

// emitLoop lowers to the standard SPIR-V structured loop skeleton: a header
// block (carrying the OpLoopMerge), a body block, a continue block that
// always branches back to the header, and a merge block. Only Continue takes
// the back-edge; a body that runs to completion falls through to the merge
// block, matching WASM's loop semantics (a loop repeats only via an explicit
// br 0, which lowering has already turned into Continue).
func (ctx *funcCtx) emitLoop(x ir.Loop) (uint32, error) {
	be := ctx.be
	headLabel := be.b.AllocID()
	bodyLabel := be.b.AllocID()
	contLabel := be.b.AllocID()
	endLabel := be.b.AllocID()

	be.b.AddBranch(headLabel)
	be.b.AddLabelWithID(headLabel)
	be.b.AddLoopMerge(endLabel, contLabel, LoopControlNone)
	be.b.AddBranch(bodyLabel)

	be.b.AddLabelWithID(bodyLabel)
	ctx.loopStack = append(ctx.loopStack, loopLabels{cont: contLabel, end: endLabel})
	_, err := ctx.emit(x.Body)
	ctx.loopStack = ctx.loopStack[:len(ctx.loopStack)-1]
	if err != nil {
		return 0, err
	}
	be.b.AddBranch(endLabel)

	be.b.AddLabelWithID(contLabel)
	be.b.AddBranch(headLabel)

	be.b.AddLabelWithID(endLabel)
	return sentinel, nil
}
