package ot

// Transform rebases a past b (producing a') and b past a (producing b')
// so that apply(apply(s,a), b') == apply(apply(s,b), a') for any starting
// state s, for every pair whose ranges do not straddle one another;
// straddling mixed pairs resolve by clamp or priority instead.
// aHasPriority breaks ties when two operations touch the same position
// with no inherent ordering (the insert-insert case). Either result may
// be nil ("absorbed").
func Transform(a, b *Op, aHasPriority bool) (*Op, *Op) {
	if a != nil && b != nil && a.ID != "" && a.ID == b.ID {
		// Idempotence on id: a duplicate delivery of the same op. Keep a,
		// drop b entirely.
		return a, nil
	}
	if a.IsRetain() {
		return a, b
	}
	if b.IsRetain() {
		return a, b
	}

	switch a.Kind {
	case KindInsert:
		switch b.Kind {
		case KindInsert:
			return transformInsertInsert(a, b, aHasPriority)
		case KindDelete:
			return transformInsertDelete(a, b)
		case KindReplace:
			return transformInsertReplace(a, b)
		}
	case KindDelete:
		switch b.Kind {
		case KindInsert:
			bp, ap := transformInsertDelete(b, a)
			return ap, bp
		case KindDelete:
			return transformDeleteDelete(a, b, aHasPriority)
		case KindReplace:
			return transformDeleteReplace(a, b, aHasPriority)
		}
	case KindReplace:
		switch b.Kind {
		case KindInsert:
			bp, ap := transformInsertReplace(b, a)
			return ap, bp
		case KindDelete:
			bp, ap := transformDeleteReplace(b, a, !aHasPriority)
			return ap, bp
		case KindReplace:
			return transformReplaceReplace(a, b, aHasPriority)
		}
	}
	return a, b
}

// transformInsertInsert: if a.position < b.position, or the positions are
// equal and a has priority, b shifts right past a; otherwise a shifts
// right past b.
func transformInsertInsert(a, b *Op, aHasPriority bool) (*Op, *Op) {
	if a.Position < b.Position || (a.Position == b.Position && aHasPriority) {
		return a, withPosition(b, b.Position+a.ContentLen())
	}
	return withPosition(a, a.Position+b.ContentLen()), b
}

// transformInsertDelete rebases an insert a against a delete b.
func transformInsertDelete(a, b *Op) (*Op, *Op) {
	switch {
	case a.Position <= b.Position:
		return a, withPosition(b, b.Position+a.ContentLen())
	case a.Position >= b.Position+b.Span():
		return withPosition(a, a.Position-b.Span()), b
	default:
		// a falls inside b's deleted range: clamp it to the start of the
		// deletion. b is unaffected.
		return withPosition(a, b.Position), b
	}
}

// transformInsertReplace rebases an insert a against a replace b. Same
// shape as transformInsertDelete but b's net length change is
// |b.Content| - b.Length, and the clamp target is the end of b's
// replacement text rather than its start.
func transformInsertReplace(a, b *Op) (*Op, *Op) {
	delta := b.ContentLen() - b.Span()
	switch {
	case a.Position <= b.Position:
		return a, withPosition(b, b.Position+a.ContentLen())
	case a.Position >= b.Position+b.Span():
		return withPosition(a, a.Position+delta), b
	default:
		return withPosition(a, b.Position+b.ContentLen()), b
	}
}

// transformDeleteDelete rebases two deletes. Non-overlapping ranges shift
// the later one by the earlier one's span; overlapping ranges shrink both
// sides by the overlap, absorbing a side whose remaining length hits zero.
func transformDeleteDelete(a, b *Op, aHasPriority bool) (*Op, *Op) {
	aEnd, bEnd := a.Position+a.Span(), b.Position+b.Span()
	switch {
	case aEnd <= b.Position:
		return a, withPosition(b, b.Position-a.Span())
	case bEnd <= a.Position:
		return withPosition(a, a.Position-b.Span()), b
	}
	pos := minInt(a.Position, b.Position)
	overlap := maxInt(0, minInt(aEnd, bEnd)-maxInt(a.Position, b.Position))
	aRemaining := a.Span() - overlap
	bRemaining := b.Span() - overlap
	var ap, bp *Op
	if aRemaining > 0 {
		ap = withPosition(withLength(a, aRemaining), pos)
	}
	if bRemaining > 0 {
		bp = withPosition(withLength(b, bRemaining), pos)
	}
	_ = aHasPriority // delete-delete overlap resolution is symmetric, priority unused
	return ap, bp
}

// transformReplaceReplace rebases two replaces. Non-overlapping ranges
// shift using each side's net length delta; overlapping ranges are a
// genuine content conflict, resolved by priority: the priority side
// survives unchanged and the other is absorbed.
func transformReplaceReplace(a, b *Op, aHasPriority bool) (*Op, *Op) {
	aEnd, bEnd := a.Position+a.Span(), b.Position+b.Span()
	switch {
	case aEnd <= b.Position:
		return a, withPosition(b, b.Position+(a.ContentLen()-a.Span()))
	case bEnd <= a.Position:
		return withPosition(a, a.Position+(b.ContentLen()-b.Span())), b
	}
	if aHasPriority {
		return a, nil
	}
	return nil, b
}

// transformDeleteReplace rebases a delete a against a replace b.
// Non-overlapping ranges use the same span-delta shift as the other
// mixed-kind pairs. An overlap is a content conflict (like
// replace-replace) rather than an arithmetic span shrink (like
// delete-delete): blending a delete's span-only semantics with a
// replace's content requires picking a survivor anyway.
func transformDeleteReplace(a, b *Op, aHasPriority bool) (*Op, *Op) {
	aEnd, bEnd := a.Position+a.Span(), b.Position+b.Span()
	switch {
	case aEnd <= b.Position:
		return a, withPosition(b, b.Position-a.Span())
	case bEnd <= a.Position:
		return withPosition(a, a.Position+(b.ContentLen()-b.Span())), b
	}
	if aHasPriority {
		return a, nil
	}
	return nil, b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
