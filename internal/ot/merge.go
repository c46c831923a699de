package ot

import "sort"

// Merge folds a batch of same-user operations into fewer operations where
// consecutive ops form a contiguous range. Input
// is sorted primarily by position, secondarily by timestamp before
// folding; replace operations are never merged. The result is a new slice
// and never aliases the input slice's backing array.
func Merge(ops []*Op) []*Op {
	if len(ops) == 0 {
		return nil
	}
	sorted := make([]*Op, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	out := make([]*Op, 0, len(sorted))
	out = append(out, clone(sorted[0]))
	for _, next := range sorted[1:] {
		last := out[len(out)-1]
		if merged, ok := tryMerge(last, next); ok {
			out[len(out)-1] = merged
			continue
		}
		out = append(out, clone(next))
	}
	return out
}

// tryMerge attempts to fold y into x. x is assumed to precede y in the
// (position, timestamp) order Merge sorts by.
func tryMerge(x, y *Op) (*Op, bool) {
	if x.Kind != y.Kind {
		return nil, false
	}
	switch x.Kind {
	case KindInsert:
		if x.Position+x.ContentLen() != y.Position {
			return nil, false
		}
		merged := clone(y)
		merged.Position = x.Position
		merged.Content = strPtr(derefStr(x.Content) + derefStr(y.Content))
		return merged, true
	case KindDelete:
		if x.Position != y.Position {
			return nil, false
		}
		merged := clone(y)
		merged.Position = x.Position
		merged.Length = intPtr(x.Span() + y.Span())
		return merged, true
	default:
		// replace is never merged; retain never reaches here (filtered by
		// the pipeline before merge runs).
		return nil, false
	}
}
