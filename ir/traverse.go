package ir

// children returns a node's immediate subtrees, in evaluation order, or
// nil for leaves. This is the one place that must know every variant;
// every other traversal helper below is built on top of it.
func children(n Node) []Node {
	switch x := n.(type) {
	case Load:
		return []Node{x.Addr}
	case Store:
		return []Node{x.Addr, x.Val}
	case INumOpNode:
		return []Node{x.A, x.B}
	case ICompOpNode:
		return []Node{x.A, x.B}
	case FNumOpNode:
		return []Node{x.A, x.B}
	case FCompOpNode:
		return []Node{x.A, x.B}
	case FUnOpNode:
		return []Node{x.A}
	case CvtOpNode:
		return []Node{x.A}
	case SetLocal:
		return []Node{x.Value}
	case SetGlobal:
		return []Node{x.Value}
	case Call:
		return x.Args
	case Seq:
		return []Node{x.A, x.B}
	case If:
		return []Node{x.Cond, x.T, x.F}
	case Loop:
		return []Node{x.Body}
	case Return:
		if x.Value == nil {
			return nil
		}
		return []Node{x.Value}
	case Label:
		return []Node{x.Inner}
	default:
		return nil
	}
}

// Walk visits n and every descendant, pre-order.
func Walk(n Node, visit func(Node)) {
	if n == nil {
		return
	}
	visit(n)
	for _, c := range children(n) {
		Walk(c, visit)
	}
}

// Fold accumulates a value over every node in the tree, pre-order.
func Fold[A any](n Node, init A, f func(A, Node) A) A {
	acc := init
	Walk(n, func(x Node) { acc = f(acc, x) })
	return acc
}

// Map rebuilds n bottom-up, replacing every node with f(children-already-
// mapped, node). Leaves are passed through f with their (possibly absent)
// children already substituted; f is responsible for reconstructing the
// concrete node type with those replacements.
func Map(n Node, f func(Node) Node) Node {
	if n == nil {
		return nil
	}
	switch x := n.(type) {
	case Load:
		x.Addr = Map(x.Addr, f)
		return f(x)
	case Store:
		x.Addr = Map(x.Addr, f)
		x.Val = Map(x.Val, f)
		return f(x)
	case INumOpNode:
		x.A = Map(x.A, f)
		x.B = Map(x.B, f)
		return f(x)
	case ICompOpNode:
		x.A = Map(x.A, f)
		x.B = Map(x.B, f)
		return f(x)
	case FNumOpNode:
		x.A = Map(x.A, f)
		x.B = Map(x.B, f)
		return f(x)
	case FCompOpNode:
		x.A = Map(x.A, f)
		x.B = Map(x.B, f)
		return f(x)
	case FUnOpNode:
		x.A = Map(x.A, f)
		return f(x)
	case CvtOpNode:
		x.A = Map(x.A, f)
		return f(x)
	case SetLocal:
		x.Value = Map(x.Value, f)
		return f(x)
	case SetGlobal:
		x.Value = Map(x.Value, f)
		return f(x)
	case Call:
		args := make([]Node, len(x.Args))
		for i, a := range x.Args {
			args[i] = Map(a, f)
		}
		x.Args = args
		return f(x)
	case Seq:
		x.A = Map(x.A, f)
		x.B = Map(x.B, f)
		return f(x)
	case If:
		x.Cond = Map(x.Cond, f)
		x.T = Map(x.T, f)
		x.F = Map(x.F, f)
		return f(x)
	case Loop:
		x.Body = Map(x.Body, f)
		return f(x)
	case Return:
		if x.Value != nil {
			x.Value = Map(x.Value, f)
		}
		return f(x)
	case Label:
		x.Inner = Map(x.Inner, f)
		return f(x)
	default:
		return f(n)
	}
}

// FoldLeaves is like Fold but only visits nodes with no children (the
// scalar-valued and statement-valued leaves: constants, local/global
// reads, Nop, Break, Continue, and the like), skipping every composite
// node that exists purely to sequence or combine them.
func FoldLeaves[A any](n Node, init A, f func(A, Node) A) A {
	acc := init
	Walk(n, func(x Node) {
		if len(children(x)) == 0 {
			acc = f(acc, x)
		}
	})
	return acc
}

// Locals returns the distinct Local slots referenced anywhere in the tree
// (by GetLocal or SetLocal), used by the emitter to know which Function-
// class pointer variables a function body needs declared.
func Locals(n Node) []Local {
	seen := map[uint32]Local{}
	var order []uint32
	Walk(n, func(x Node) {
		var l Local
		switch v := x.(type) {
		case GetLocal:
			l = v.Local
		case SetLocal:
			l = v.Local
		default:
			return
		}
		if _, ok := seen[l.Idx]; !ok {
			order = append(order, l.Idx)
		}
		seen[l.Idx] = l
	})
	out := make([]Local, len(order))
	for i, idx := range order {
		out[i] = seen[idx]
	}
	return out
}
