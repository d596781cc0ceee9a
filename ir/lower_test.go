package ir

import "testing"

func TestBr_Basic(t *testing.T) {
	cases := []struct {
		name   string
		n      Node
		wantD  int
		wantOK bool
	}{
		{"plain Br", Br{Depth: 2}, 2, true},
		{"no branch", ConstNode{Value: Const{Ty: TyI32}}, 0, false},
		{"Label crosses one level", Label{Inner: Br{Depth: 1}}, 0, true},
		{"Label absorbs depth 0", Label{Inner: Br{Depth: 0}}, 0, false},
		{"Loop crosses one level", Loop{Body: Br{Depth: 1}}, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d, ok := br(c.n)
			if ok != c.wantOK || (ok && d != c.wantD) {
				t.Errorf("br(%v) = (%d, %v), want (%d, %v)", c.n, d, ok, c.wantD, c.wantOK)
			}
		})
	}
}

func TestNestLift_Identity(t *testing.T) {
	// nest(0) then lift(0) on any Direct subtree is identity (spec
	// invariant 3).
	trees := []Node{
		Br{Depth: 3},
		Seq{A: Br{Depth: 0}, B: Br{Depth: 5}},
		Label{Inner: Br{Depth: 2}},
		If{Cond: ConstNode{}, T: Br{Depth: 1}, F: Br{Depth: 4}},
	}
	for _, tree := range trees {
		got := lift(nest(tree, 0), 0)
		if !nodesEqual(got, tree) {
			t.Errorf("nest/lift round trip: got %#v, want %#v", got, tree)
		}
	}
}

func TestBr_DepthArithmetic(t *testing.T) {
	// br(Label(Br(i))) == i-1 for i >= 1, and no-branch for i == 0
	// (spec invariant 4).
	for i := uint32(0); i < 5; i++ {
		d, ok := br(Label{Inner: Br{Depth: i}})
		if i == 0 {
			if ok {
				t.Errorf("i=0: got ok=true, want false")
			}
			continue
		}
		if !ok || d != int(i)-1 {
			t.Errorf("i=%d: got (%d, %v), want (%d, true)", i, d, ok, i-1)
		}
	}
}

// nodesEqual does a shallow structural comparison sufficient for the
// hand-built trees these tests construct.
func nodesEqual(a, b Node) bool {
	switch x := a.(type) {
	case Br:
		y, ok := b.(Br)
		return ok && x == y
	case Label:
		y, ok := b.(Label)
		return ok && nodesEqual(x.Inner, y.Inner)
	case Seq:
		y, ok := b.(Seq)
		return ok && nodesEqual(x.A, y.A) && nodesEqual(x.B, y.B)
	case If:
		y, ok := b.(If)
		return ok && nodesEqual(x.Cond, y.Cond) && nodesEqual(x.T, y.T) && nodesEqual(x.F, y.F)
	case ConstNode:
		y, ok := b.(ConstNode)
		return ok && x == y
	default:
		return false
	}
}

// TestLower_BranchAcrossTwoLabels: a br 1 inside two nested
// blocks must skip both labels, landing after the outer block without
// running the outer block's own trailing statement.
//
// WASM shape:
//
//	(block (block
//	  (br_if 1 (i32.eq (local.get 0) (i32.const 3)))
//	  (store 42))
//	  (store 99))
func TestLower_BranchAcrossTwoLabels(t *testing.T) {
	const storeFlag = 77 // sentinel local index the stores write into

	store := func(v int32) Node {
		return SetLocal{Local: Local{Idx: storeFlag, Ty: TyI32}, Value: ConstNode{Value: Const{Ty: TyI32, I32: v}}}
	}

	// Direct tree: outer Label wraps inner Label wraps (If br1 ; store42),
	// outer trailing store99.
	inner := Label{
		Inner: Seq{
			A: If{
				Cond: ICompOpNode{Op: IEq, A: GetLocal{Local: Local{Idx: 0, Ty: TyI32}}, B: ConstNode{Value: Const{Ty: TyI32, I32: 3}}},
				T:    Br{Depth: 1},
				F:    Nop{},
			},
			B: store(42),
		},
	}
	outer := Label{Inner: Seq{A: inner, B: store(99)}}

	fn := &Fun{Params: []Ty{TyI32}, Body: outer}
	alloc := &localAlloc{next: storeFlag + 1}

	out, err := Lower(fn, alloc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	// Invariant 1: no Br/Label survive lowering.
	Walk(out.Body, func(n Node) {
		switch n.(type) {
		case Br, Label:
			t.Fatalf("lowered tree still contains %T", n)
		}
	})

	// Semantic check: i==3 writes nothing (br skips both stores); i!=3
	// writes 42 then 99.
	for i, want := range map[int32]struct{ wrote42, wrote99 bool }{
		3: {false, false},
		0: {true, true},
	} {
		result, wrote42, wrote99 := runStoreTrace(out.Body, i, storeFlag)
		if wrote42 != want.wrote42 || wrote99 != want.wrote99 {
			t.Errorf("i=%d: wrote42=%v wrote99=%v (final local=%d), want wrote42=%v wrote99=%v",
				i, wrote42, wrote99, result, want.wrote42, want.wrote99)
		}
	}
}

// TestLower_LoopBreakNesting lowers the canonical for-loop shape
// (`block { loop { br_if 1; ...; br 0 } }`) and checks the structural
// invariants the emitter relies on: no Br or Label survives, and every
// Break/Continue sits inside at least one enclosing Loop.
func TestLower_LoopBreakNesting(t *testing.T) {
	k := Local{Ty: TyI32, Idx: 1}
	loopBody := Seq{
		A: Seq{
			A: If{
				Cond: ICompOpNode{Op: IGeS, A: GetLocal{Local: k}, B: GetLocal{Local: Local{Ty: TyI32, Idx: 0}}},
				T:    Br{Depth: 1},
				F:    Nop{},
			},
			B: SetLocal{Local: k, Value: INumOpNode{Op: IAdd, A: GetLocal{Local: k}, B: ConstNode{Value: Const{Ty: TyI32, I32: 1}}}},
		},
		B: Br{Depth: 0},
	}
	body := Label{Inner: Seq{A: Nop{}, B: Loop{Body: loopBody}}}

	fn := &Fun{Params: []Ty{TyI32}, Body: body}
	out, err := Lower(fn, &localAlloc{next: 2})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	sawBreak, sawContinue := false, false
	var check func(n Node, loopDepth int)
	check = func(n Node, loopDepth int) {
		switch n.(type) {
		case Br, Label:
			t.Fatalf("lowered tree still contains %T", n)
		case Break:
			sawBreak = true
			if loopDepth == 0 {
				t.Fatalf("Break outside any Loop")
			}
		case Continue:
			sawContinue = true
			if loopDepth == 0 {
				t.Fatalf("Continue outside any Loop")
			}
		case Loop:
			loopDepth++
		}
		for _, c := range children(n) {
			check(c, loopDepth)
		}
	}
	check(out.Body, 0)

	if !sawBreak || !sawContinue {
		t.Errorf("lowering lost a structured exit: sawBreak=%v sawContinue=%v", sawBreak, sawContinue)
	}
}

// runStoreTrace is a tiny ad-hoc Base-tree interpreter just for this test:
// it evaluates n with local 0 bound to i, using panic/recover for Break the
// same way ir.Lower's own insertLoop/replaceBr model loop exits, and
// reports whether each SetLocal{storeFlag, 42|99} executed.
func runStoreTrace(n Node, i int32, storeFlag uint32) (final int32, wrote42, wrote99 bool) {
	locals := map[uint32]int32{0: i}
	var eval func(Node) int32
	eval = func(n Node) int32 {
		switch x := n.(type) {
		case Nop:
			return 0
		case ConstNode:
			return x.Value.I32
		case GetLocal:
			return locals[x.Local.Idx]
		case SetLocal:
			v := eval(x.Value)
			locals[x.Local.Idx] = v
			if x.Local.Idx == storeFlag {
				if v == 42 {
					wrote42 = true
				}
				if v == 99 {
					wrote99 = true
				}
			}
			return 0
		case ICompOpNode:
			a, b := eval(x.A), eval(x.B)
			if x.Op == IEq {
				if a == b {
					return 1
				}
				return 0
			}
			return 0
		case If:
			if eval(x.Cond) != 0 {
				return eval(x.T)
			}
			return eval(x.F)
		case Seq:
			eval(x.A)
			return eval(x.B)
		case Break:
			panic("break")
		default:
			return 0
		}
	}
	func() {
		defer func() { recover() }()
		eval(n)
	}()
	return locals[storeFlag], wrote42, wrote99
}
