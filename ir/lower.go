package ir

import "github.com/naalit/wasm-vk/internal/diag"

func newLowerErr(format string, args ...any) error {
	return diag.New(diag.KindStructuralInvariant, format, args...)
}

// Lower turns a Direct tree into a Base tree: every Br and Label is
// eliminated in favor of structured Loop/Break/Continue, via the
// insert/replaceBr/base trio below. The fresh-local counter used for
// loop-exit flags is threaded explicitly (localAlloc, shared with the
// Direct builder) rather than kept as a package global.
//
// Malformed input (branch in operand position, mismatched block nesting)
// is a programmer/validator error, not a runtime condition to recover
// from gracefully mid-traversal — the lowerer panics, and Lower recovers
// at the boundary to turn it into a *diag.CompileError.
func Lower(fn *Fun, alloc *localAlloc) (out *Fun, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(structuralPanic); ok {
				err = ce.err
				return
			}
			panic(r)
		}
	}()
	lw := &lowerer{alloc: alloc}
	return &Fun{Params: fn.Params, Ty: fn.Ty, Body: lw.base(fn.Body)}, nil
}

// structuralPanic carries a structural-invariant failure up through the
// recursive lowering calls to Lower's recover.
type structuralPanic struct{ err error }

func panicStructural(format string, args ...any) {
	panic(structuralPanic{err: newLowerErr(format, args...)})
}

type lowerer struct{ alloc *localAlloc }

// br returns the maximum Br depth escaping n, adjusted for every
// enclosing Label/Loop crossed while descending. ok is false when no
// branch escapes n at all.
func br(n Node) (depth int, ok bool) {
	switch x := n.(type) {
	case Br:
		return int(x.Depth), true
	case Label:
		d, k := br(x.Inner)
		if !k || d == 0 {
			return 0, false
		}
		return d - 1, true
	case Loop:
		d, k := br(x.Body)
		if !k || d == 0 {
			return 0, false
		}
		return d - 1, true
	case Seq:
		return brEither(x.A, x.B)
	case If:
		return brEither(x.T, x.F)
	default:
		return 0, false
	}
}

func brEither(a, b Node) (int, bool) {
	da, oka := br(a)
	db, okb := br(b)
	switch {
	case oka && okb:
		if da > db {
			return da, true
		}
		return db, true
	case oka:
		return da, true
	case okb:
		return db, true
	default:
		return 0, false
	}
}

func branches(n Node) bool {
	_, ok := br(n)
	return ok
}

// nest increments every Br(i) with i >= k by one, raising k by one on
// descending into Label/Loop bodies. Used to re-home a subtree one level deeper.
func nest(n Node, k int) Node {
	switch x := n.(type) {
	case Br:
		if int(x.Depth) >= k {
			return Br{Depth: x.Depth + 1}
		}
		return x
	case Label:
		return Label{Inner: nest(x.Inner, k+1)}
	case Loop:
		return Loop{Body: nest(x.Body, k+1)}
	case Seq:
		return Seq{A: nest(x.A, k), B: nest(x.B, k)}
	case If:
		return If{Cond: nest(x.Cond, k), Ty: x.Ty, T: nest(x.T, k), F: nest(x.F, k)}
	default:
		return n
	}
}

// lift is nest's dual, decrementing Br(i) with i >= k.
func lift(n Node, k int) Node {
	switch x := n.(type) {
	case Br:
		if int(x.Depth) >= k {
			if x.Depth == 0 {
				panicStructural("lift: branch depth underflow")
			}
			return Br{Depth: x.Depth - 1}
		}
		return x
	case Label:
		return Label{Inner: lift(x.Inner, k+1)}
	case Loop:
		return Loop{Body: lift(x.Body, k+1)}
	case Seq:
		return Seq{A: lift(x.A, k), B: lift(x.B, k)}
	case If:
		return If{Cond: lift(x.Cond, k), Ty: x.Ty, T: lift(x.T, k), F: lift(x.F, k)}
	default:
		return n
	}
}

// containsMatchingBr reports whether n contains a Br that replaceBr with
// the same (offset, exact) would substitute — used by replaceBr's Loop
// case to decide whether a nested loop needs the flag-forwarding rewrite.
func containsMatchingBr(n Node, offset int, exact bool) bool {
	switch x := n.(type) {
	case Br:
		return int(x.Depth) == offset || (!exact && int(x.Depth) >= offset)
	case Label:
		return containsMatchingBr(x.Inner, offset+1, exact)
	case Loop:
		return containsMatchingBr(x.Body, offset+1, exact)
	case Seq:
		return containsMatchingBr(x.A, offset, exact) || containsMatchingBr(x.B, offset, exact)
	case If:
		return containsMatchingBr(x.T, offset, exact) || containsMatchingBr(x.F, offset, exact)
	default:
		return false
	}
}

// insert places tail on every non-branching exit of n. offset is the Br
// depth, relative to n's own frame, that counts as "local" (falls through
// to tail) versus "escaping" (abandons tail).
func (lw *lowerer) insert(n, tail Node, offset int) Node {
	switch x := n.(type) {
	case Nop:
		return tail
	case Br:
		if int(x.Depth) < offset {
			return tail
		}
		return x
	case Label:
		return Label{Inner: lw.insert(x.Inner, nest(tail, 0), offset+1)}
	case Seq:
		aBranches := branches(x.A)
		bBranches := branches(x.B)
		switch {
		case !aBranches && !bBranches:
			return Seq{A: Seq{A: x.A, B: x.B}, B: tail}
		case aBranches:
			return lw.insert(lw.insert(x.A, x.B, 0), tail, offset)
		default:
			return Seq{A: x.A, B: lw.insert(x.B, tail, offset)}
		}
	case If:
		if branches(x.T) || branches(x.F) {
			return If{Cond: x.Cond, Ty: x.Ty, T: lw.insert(x.T, tail, offset), F: lw.insert(x.F, tail, offset)}
		}
		return Seq{A: x, B: tail}
	case Loop:
		return lw.insertLoop(x, tail)
	default:
		if branches(n) {
			panicStructural("branch in operand position")
		}
		return Seq{A: n, B: tail}
	}
}

// insertLoop implements the loop-exit flag trick: a loop whose
// body can branch out past its own depth 0 cannot simply be followed by
// tail, because an escaping branch must skip tail entirely. A fresh flag
// local records whether the loop finished normally.
func (lw *lowerer) insertLoop(x Loop, tail Node) Node {
	if !branches(Loop{Body: x.Body}) {
		return Seq{A: x, B: tail}
	}
	flag := lw.alloc.fresh(TyI32)
	escape := Seq{A: SetLocal{Local: flag, Value: ConstNode{Value: Const{Ty: TyI32, I32: 0}}}, B: Break{}}
	newBody := lw.replaceBr(x.Body, escape, 1, false)
	setFlag := SetLocal{Local: flag, Value: ConstNode{Value: Const{Ty: TyI32, I32: 1}}}
	afterLoop := If{Cond: GetLocal{Local: flag}, T: tail, F: Nop{}}
	return Seq{A: Seq{A: setFlag, B: Loop{Body: newBody}}, B: afterLoop}
}

// replaceBr substitutes every Br matching (offset, exact) with with. When
// the substitution site is inside a nested Loop, a raw substitution would
// misattribute a Break/Continue in with to the wrong (inner) loop, so the
// nested loop is rewritten with its own flag-forwarding wrapper first.
func (lw *lowerer) replaceBr(n, with Node, offset int, exact bool) Node {
	switch x := n.(type) {
	case Br:
		if int(x.Depth) == offset || (!exact && int(x.Depth) >= offset) {
			return with
		}
		return x
	case Label:
		return Label{Inner: lw.replaceBr(x.Inner, nest(with, 0), offset+1, exact)}
	case Loop:
		return lw.replaceBrLoop(x, with, offset, exact)
	case Seq:
		return Seq{A: lw.replaceBr(x.A, with, offset, exact), B: lw.replaceBr(x.B, with, offset, exact)}
	case If:
		return If{Cond: x.Cond, Ty: x.Ty, T: lw.replaceBr(x.T, with, offset, exact), F: lw.replaceBr(x.F, with, offset, exact)}
	default:
		return n
	}
}

func (lw *lowerer) replaceBrLoop(x Loop, with Node, offset int, exact bool) Node {
	if !containsMatchingBr(x.Body, offset+1, exact) {
		return Loop{Body: x.Body}
	}
	flag := lw.alloc.fresh(TyI32)
	escaped := Seq{A: SetLocal{Local: flag, Value: ConstNode{Value: Const{Ty: TyI32, I32: 1}}}, B: Break{}}
	newBody := lw.replaceBr(x.Body, escaped, offset+1, exact)
	clearFlag := SetLocal{Local: flag, Value: ConstNode{Value: Const{Ty: TyI32, I32: 0}}}
	afterLoop := If{Cond: GetLocal{Local: flag}, T: with, F: Nop{}}
	return Seq{A: Seq{A: clearFlag, B: Loop{Body: newBody}}, B: afterLoop}
}

// base performs the final Direct -> Base rewrite. Labels vanish, branching
// Seqs are resolved via insert, and a Loop's own Br(0) becomes Continue.
func (lw *lowerer) base(n Node) Node {
	switch x := n.(type) {
	case Nop, ConstNode, GetLocal, GetGlobal, Break, Continue:
		return n
	case Load:
		return Load{Ty: x.Ty, Addr: lw.base(x.Addr)}
	case Store:
		return Store{Ty: x.Ty, Addr: lw.base(x.Addr), Val: lw.base(x.Val)}
	case INumOpNode:
		return INumOpNode{Width: x.Width, Op: x.Op, A: lw.base(x.A), B: lw.base(x.B)}
	case ICompOpNode:
		return ICompOpNode{Width: x.Width, Op: x.Op, A: lw.base(x.A), B: lw.base(x.B)}
	case FNumOpNode:
		return FNumOpNode{Width: x.Width, Op: x.Op, A: lw.base(x.A), B: lw.base(x.B)}
	case FCompOpNode:
		return FCompOpNode{Width: x.Width, Op: x.Op, A: lw.base(x.A), B: lw.base(x.B)}
	case FUnOpNode:
		return FUnOpNode{Width: x.Width, Op: x.Op, A: lw.base(x.A)}
	case CvtOpNode:
		return CvtOpNode{Op: x.Op, A: lw.base(x.A)}
	case SetLocal:
		return SetLocal{Local: x.Local, Value: lw.base(x.Value)}
	case SetGlobal:
		return SetGlobal{Global: x.Global, Value: lw.base(x.Value)}
	case Call:
		args := make([]Node, len(x.Args))
		for i, a := range x.Args {
			args[i] = lw.base(a)
		}
		return Call{FuncIdx: x.FuncIdx, Args: args}
	case Return:
		if x.Value == nil {
			return x
		}
		return Return{Value: lw.base(x.Value)}
	case Seq:
		if branches(x.A) {
			return lw.base(lw.insert(x.A, x.B, 0))
		}
		return Seq{A: lw.base(x.A), B: lw.base(x.B)}
	case If:
		return If{Cond: lw.base(x.Cond), Ty: x.Ty, T: lw.base(x.T), F: lw.base(x.F)}
	case Loop:
		if branches(Loop{Body: x.Body}) {
			// The body branches past the loop's own depth 0 with nothing
			// in this frame to run afterward (no enclosing Seq pushed a
			// tail into it — that case is handled by insert's own Loop
			// arm). Such a body typically ends in the loop's own Br 0,
			// which becomes Continue, so an escaping Br here still has to
			// become Break via the same flag-trick insertLoop uses, or the
			// loop could never exit.
			return lw.base(lw.insertLoop(x, Nop{}))
		}
		replaced := lw.replaceBr(x.Body, Continue{}, 0, true)
		return Loop{Body: lw.base(replaced)}
	case Label:
		return lw.base(x.Inner)
	case Br:
		return Nop{}
	default:
		panicStructural("base: unhandled node %T", n)
		return nil
	}
}
