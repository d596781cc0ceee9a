package ir

import (
	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/wasm"
)

// localAlloc hands out fresh function-local slots. It is explicit,
// per-function state — not a package-level global — threaded from the
// Direct builder (which may allocate locals for `select`) into the CFG
// lowerer (which allocates loop-exit flag locals), so the two phases never
// collide over an index.
type localAlloc struct{ next uint32 }

func (a *localAlloc) fresh(ty Ty) Local {
	l := Local{Ty: ty, Idx: a.next}
	a.next++
	return l
}

// stackVal is an operand-stack entry: a Direct expression and its type.
// Types are tracked alongside the stack (not inferred later) because
// `select` and `tee_local` need to know an operand's type to materialize
// it into a fresh local.
type stackVal struct {
	node Node
	ty   Ty
}

// openBlock is one entry of the decoder's block stack.
type blockKind int

const (
	bkBlock blockKind = iota
	bkLoop
	bkIf
	bkElse
)

type openBlock struct {
	kind blockKind
	ty   *Ty
	cond Node   // If/Else only
	acc  []Node // Block/Loop/If-without-Else accumulator, or Else's true arm
	accF []Node // Else's false arm
}

// fold left-folds a statement list into nested Seq:
// fold([s1,s2,s3]) = Seq(Seq(Seq(Nop,s1),s2),s3).
func fold(stmts []Node) Node {
	var acc Node = Nop{}
	for _, s := range stmts {
		acc = Seq{A: acc, B: s}
	}
	return acc
}

// builder holds the Direct-construction state for a single function body.
type builder struct {
	module  *wasm.Module
	locals  []Ty
	retTy   *Ty
	stack   []stackVal
	blocks  []openBlock
	alloc   *localAlloc
	funcIdx int
}

// BuildDirect decodes one function's instruction stream into a Direct
// tree, running the WASM stack machine symbolically: an operand stack of
// partial trees and a block stack of open Block/Loop/If constructs.
func BuildDirect(funcIdx int, body wasm.FuncBody, sig wasm.FuncType, module *wasm.Module) (*Fun, *localAlloc, error) {
	locals := make([]Ty, 0, len(sig.Params))
	for _, p := range sig.Params {
		locals = append(locals, tyFromWasm(p))
	}
	for _, le := range body.Locals {
		t := tyFromWasm(le.Type)
		for i := uint32(0); i < le.Count; i++ {
			locals = append(locals, t)
		}
	}

	var retTy *Ty
	if len(sig.Results) > 0 {
		t := tyFromWasm(sig.Results[0])
		retTy = &t
	}

	b := &builder{
		module:  module,
		locals:  locals,
		retTy:   retTy,
		alloc:   &localAlloc{next: uint32(len(locals))},
		funcIdx: funcIdx,
	}
	b.blocks = []openBlock{{kind: bkBlock, ty: retTy}}

	for i, inst := range body.Code {
		done, out, err := b.step(inst)
		if err != nil {
			return nil, nil, err.In(funcIdx, i)
		}
		if done {
			paramTys := make([]Ty, len(sig.Params))
			for i, p := range sig.Params {
				paramTys[i] = tyFromWasm(p)
			}
			return &Fun{Params: paramTys, Ty: retTy, Body: out}, b.alloc, nil
		}
	}
	return nil, nil, diag.New(diag.KindStructuralInvariant, "unbalanced end in function %d", funcIdx).In(funcIdx, -1)
}

func (b *builder) err(format string, args ...any) *diag.CompileError {
	return diag.New(diag.KindStructuralInvariant, format, args...)
}

func (b *builder) push(n Node, ty Ty) { b.stack = append(b.stack, stackVal{n, ty}) }

func (b *builder) pop() (stackVal, *diag.CompileError) {
	if len(b.stack) == 0 {
		return stackVal{}, b.err("operand stack underflow in function %d", b.funcIdx)
	}
	v := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return v, nil
}

func (b *builder) top() *openBlock { return &b.blocks[len(b.blocks)-1] }

func (b *builder) pushStmt(n Node) {
	t := b.top()
	if t.kind == bkElse {
		t.accF = append(t.accF, n)
	} else {
		t.acc = append(t.acc, n)
	}
}

func (b *builder) globalTy(idx uint32) Ty { return tyFromWasm(b.module.GlobalType(idx).Type) }

func blockTy(bt wasm.BlockType) *Ty {
	if bt == nil {
		return nil
	}
	t := tyFromWasm(*bt)
	return &t
}

// step processes one instruction. It returns done=true with the finished
// function body once the outermost block's End has been compiled.
func (b *builder) step(inst wasm.Instruction) (bool, Node, *diag.CompileError) {
	switch inst.Op {
	case wasm.OpNop:
		b.pushStmt(Nop{})
		return false, nil, nil

	case wasm.OpBlock:
		b.blocks = append(b.blocks, openBlock{kind: bkBlock, ty: blockTy(inst.Block)})
		return false, nil, nil
	case wasm.OpLoop:
		b.blocks = append(b.blocks, openBlock{kind: bkLoop, ty: blockTy(inst.Block)})
		return false, nil, nil
	case wasm.OpIf:
		cond, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.blocks = append(b.blocks, openBlock{kind: bkIf, ty: blockTy(inst.Block), cond: cond.node})
		return false, nil, nil
	case wasm.OpElse:
		t := b.top()
		if t.kind != bkIf {
			return false, nil, b.err("else without matching if in function %d", b.funcIdx)
		}
		if t.ty != nil {
			v, err := b.pop()
			if err != nil {
				return false, nil, err
			}
			t.acc = append(t.acc, v.node)
		}
		t.kind = bkElse
		return false, nil, nil

	case wasm.OpEnd:
		return b.end()

	case wasm.OpBr:
		b.pushStmt(Br{Depth: inst.Depth})
		return false, nil, nil
	case wasm.OpBrIf:
		cond, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		// br_if is "if cond, branch" — expressed as a value-less If whose
		// true arm branches and false arm falls through.
		b.pushStmt(If{Cond: cond.node, T: Br{Depth: inst.Depth}, F: Nop{}})
		return false, nil, nil
	case wasm.OpReturn:
		var val Node
		if b.retTy != nil {
			v, err := b.pop()
			if err != nil {
				return false, nil, err
			}
			val = v.node
		}
		b.pushStmt(Return{Value: val})
		return false, nil, nil

	case wasm.OpCall:
		return b.call(inst.Index)

	case wasm.OpSelect:
		return b.selectOp()

	case wasm.OpGetLocal:
		b.push(GetLocal{Local: Local{Ty: b.locals[inst.Index], Idx: inst.Index}}, b.locals[inst.Index])
		return false, nil, nil
	case wasm.OpSetLocal:
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.pushStmt(SetLocal{Local: Local{Ty: v.ty, Idx: inst.Index}, Value: v.node})
		return false, nil, nil
	case wasm.OpTeeLocal:
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		l := Local{Ty: v.ty, Idx: inst.Index}
		b.push(Seq{A: SetLocal{Local: l, Value: v.node}, B: GetLocal{Local: l}}, v.ty)
		return false, nil, nil
	case wasm.OpGetGlobal:
		ty := b.globalTy(inst.Index)
		b.push(GetGlobal{Global: Global{Ty: ty, Idx: inst.Index}}, ty)
		return false, nil, nil
	case wasm.OpSetGlobal:
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.pushStmt(SetGlobal{Global: Global{Ty: v.ty, Idx: inst.Index}, Value: v.node})
		return false, nil, nil

	case wasm.OpI32Load:
		addr, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.push(Load{Ty: TyI32, Addr: withOffset(addr.node, inst.Offset)}, TyI32)
		return false, nil, nil
	case wasm.OpI32Store:
		val, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		addr, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.pushStmt(Store{Ty: TyI32, Addr: withOffset(addr.node, inst.Offset), Val: val.node})
		return false, nil, nil

	case wasm.OpI32Const:
		b.push(ConstNode{Value: Const{Ty: TyI32, I32: inst.I32}}, TyI32)
		return false, nil, nil
	case wasm.OpF32Const:
		b.push(ConstNode{Value: Const{Ty: TyF32, F32: inst.F32}}, TyF32)
		return false, nil, nil

	default:
		return b.binOrUnOp(inst)
	}
}

func withOffset(addr Node, offset uint32) Node {
	if offset == 0 {
		return addr
	}
	return INumOpNode{Width: W32, Op: IAdd, A: addr, B: ConstNode{Value: Const{Ty: TyI32, I32: int32(offset)}}}
}

func (b *builder) call(idx uint32) (bool, Node, *diag.CompileError) {
	sig := b.module.FuncType(idx)
	args := make([]Node, len(sig.Params))
	for i := len(sig.Params) - 1; i >= 0; i-- {
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		args[i] = v.node
	}
	call := Call{FuncIdx: idx, Args: args}
	if len(sig.Results) > 0 {
		b.push(call, tyFromWasm(sig.Results[0]))
	} else {
		b.pushStmt(call)
	}
	return false, nil, nil
}

// selectOp lowers WASM select: both arms are materialized into fresh
// locals (preserving WASM's evaluation order), then a value-valued If
// reads from those locals.
func (b *builder) selectOp() (bool, Node, *diag.CompileError) {
	cond, err := b.pop()
	if err != nil {
		return false, nil, err
	}
	bv, err := b.pop()
	if err != nil {
		return false, nil, err
	}
	av, err := b.pop()
	if err != nil {
		return false, nil, err
	}
	la := b.alloc.fresh(av.ty)
	lb := b.alloc.fresh(bv.ty)
	ty := av.ty
	materialize := Seq{A: SetLocal{Local: la, Value: av.node}, B: SetLocal{Local: lb, Value: bv.node}}
	ifExpr := If{Cond: cond.node, Ty: &ty, T: GetLocal{Local: la}, F: GetLocal{Local: lb}}
	b.push(Seq{A: materialize, B: ifExpr}, ty)
	return false, nil, nil
}

var iNumOps = map[wasm.Op]INumOp{
	wasm.OpI32Add: IAdd, wasm.OpI32Sub: ISub, wasm.OpI32Mul: IMul,
	wasm.OpI32DivS: IDivS, wasm.OpI32DivU: IDivU,
	wasm.OpI32Shl: IShl, wasm.OpI32ShrS: IShrS, wasm.OpI32ShrU: IShrU,
	wasm.OpI32And: IAnd, wasm.OpI32Or: IOr, wasm.OpI32Xor: IXor,
}

var iCompOps = map[wasm.Op]ICompOp{
	wasm.OpI32Eq: IEq, wasm.OpI32Ne: INEq,
	wasm.OpI32LeS: ILeS, wasm.OpI32LeU: ILeU,
	wasm.OpI32GeS: IGeS, wasm.OpI32GeU: IGeU,
	wasm.OpI32LtS: ILtS, wasm.OpI32LtU: ILtU,
	wasm.OpI32GtS: IGtS, wasm.OpI32GtU: IGtU,
}

var fNumOps = map[wasm.Op]FNumOp{
	wasm.OpF32Add: FAdd, wasm.OpF32Sub: FSub, wasm.OpF32Mul: FMul,
	wasm.OpF32Div: FDiv, wasm.OpF32Min: FMin, wasm.OpF32Max: FMax,
}

var fCompOps = map[wasm.Op]FCompOp{
	wasm.OpF32Eq: FEq, wasm.OpF32Ne: FNEq,
	wasm.OpF32Le: FLeOp, wasm.OpF32Ge: FGeOp,
	wasm.OpF32Lt: FLtOp, wasm.OpF32Gt: FGtOp,
}

var fUnOps = map[wasm.Op]FUnOp{
	wasm.OpF32Sqrt: FSqrt, wasm.OpF32Abs: FAbs, wasm.OpF32Neg: FNeg,
	wasm.OpF32Ceil: FCeil, wasm.OpF32Floor: FFloor,
}

var cvtOps = map[wasm.Op]CvtOp{
	wasm.OpI32TruncF32S: F32toI32S, wasm.OpI32TruncF32U: F32toI32U,
	wasm.OpF32ConvertI32S: I32toF32S, wasm.OpF32ConvertI32U: I32toF32U,
}

// binOrUnOp handles the remaining value-producing arithmetic, comparison,
// unary, and conversion opcodes, each popping its operands in WASM's stack
// order (second pop is the left operand) and pushing the result.
func (b *builder) binOrUnOp(inst wasm.Instruction) (bool, Node, *diag.CompileError) {
	if inst.Op == wasm.OpI32Eqz {
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		zero := ConstNode{Value: Const{Ty: TyI32}}
		b.push(ICompOpNode{Width: W32, Op: IEq, A: v.node, B: zero}, TyI32)
		return false, nil, nil
	}
	if op, ok := iNumOps[inst.Op]; ok {
		rhs, lhs, err := b.popPair()
		if err != nil {
			return false, nil, err
		}
		b.push(INumOpNode{Width: W32, Op: op, A: lhs.node, B: rhs.node}, lhs.ty)
		return false, nil, nil
	}
	if op, ok := iCompOps[inst.Op]; ok {
		rhs, lhs, err := b.popPair()
		if err != nil {
			return false, nil, err
		}
		b.push(ICompOpNode{Width: W32, Op: op, A: lhs.node, B: rhs.node}, TyI32)
		return false, nil, nil
	}
	if op, ok := fNumOps[inst.Op]; ok {
		rhs, lhs, err := b.popPair()
		if err != nil {
			return false, nil, err
		}
		b.push(FNumOpNode{Width: W32, Op: op, A: lhs.node, B: rhs.node}, lhs.ty)
		return false, nil, nil
	}
	if op, ok := fCompOps[inst.Op]; ok {
		rhs, lhs, err := b.popPair()
		if err != nil {
			return false, nil, err
		}
		b.push(FCompOpNode{Width: W32, Op: op, A: lhs.node, B: rhs.node}, TyI32)
		return false, nil, nil
	}
	if op, ok := fUnOps[inst.Op]; ok {
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		b.push(FUnOpNode{Width: W32, Op: op, A: v.node}, v.ty)
		return false, nil, nil
	}
	if op, ok := cvtOps[inst.Op]; ok {
		v, err := b.pop()
		if err != nil {
			return false, nil, err
		}
		var resTy Ty
		switch op {
		case F32toI32S, F32toI32U:
			resTy = TyI32
		default:
			resTy = TyF32
		}
		b.push(CvtOpNode{Op: op, A: v.node}, resTy)
		return false, nil, nil
	}
	return false, nil, b.err("unsupported opcode %d in function %d", inst.Op, b.funcIdx)
}

// popPair pops rhs then lhs, matching WASM's stack order for binary ops.
func (b *builder) popPair() (rhs, lhs stackVal, err *diag.CompileError) {
	rhs, err = b.pop()
	if err != nil {
		return
	}
	lhs, err = b.pop()
	return
}

// end pops the innermost block, compiles it, and either resumes decoding
// (returning done=false) or, if that was the outermost block, returns the
// finished function body (done=true).
func (b *builder) end() (bool, Node, *diag.CompileError) {
	blk := b.blocks[len(b.blocks)-1]
	b.blocks = b.blocks[:len(b.blocks)-1]

	outermost := len(b.blocks) == 0

	if blk.ty != nil {
		var err *diag.CompileError
		var v stackVal
		v, err = b.pop()
		if err != nil {
			return false, nil, err
		}
		if blk.kind == bkElse {
			blk.accF = append(blk.accF, v.node)
		} else {
			blk.acc = append(blk.acc, v.node)
		}
	} else if outermost && len(b.stack) != 0 {
		return false, nil, b.err("void function %d left values on the operand stack", b.funcIdx)
	}

	var compiled Node
	switch blk.kind {
	case bkBlock:
		compiled = Label{Inner: fold(blk.acc)}
	case bkLoop:
		compiled = Loop{Body: fold(blk.acc)}
	case bkIf:
		compiled = If{Cond: blk.cond, Ty: blk.ty, T: Label{Inner: fold(blk.acc)}, F: Nop{}}
	case bkElse:
		compiled = If{Cond: blk.cond, Ty: blk.ty, T: Label{Inner: fold(blk.acc)}, F: Label{Inner: fold(blk.accF)}}
	}

	if outermost {
		return true, compiled, nil
	}
	if blk.ty != nil {
		b.push(compiled, *blk.ty)
	} else {
		b.pushStmt(compiled)
	}
	return false, nil, nil
}
