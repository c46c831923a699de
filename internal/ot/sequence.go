package ot

import "sort"

// byTimestampUser orders operations by (timestamp, userId) ascending.
func byTimestampUser(ops []*Op) func(i, j int) bool {
	return func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].UserID < ops[j].UserID
	}
}

// isEarlier reports whether o1 strictly precedes o2 in (timestamp, userId)
// lexicographic order.
func isEarlier(o1, o2 *Op) bool {
	if o1.Timestamp != o2.Timestamp {
		return o1.Timestamp < o2.Timestamp
	}
	return o1.UserID < o2.UserID
}

// TransformAgainstSequence (T*) rebases op against every operation in ops
// that is strictly earlier than op by (timestamp, userId) order. Operations
// not earlier are skipped; they will be transformed against op when they
// pass through in their own turn. Returns nil if op is absorbed.
func TransformAgainstSequence(op *Op, ops []*Op) *Op {
	cur := op
	for _, other := range ops {
		if cur == nil {
			return nil
		}
		if !isEarlier(other, cur) {
			continue
		}
		cur, _ = Transform(cur, other, false)
	}
	return cur
}

// SortByTimestamp sorts ops in place by (timestamp, userId) ascending,
// the order the flush pipeline requires before its sequential
// transform-and-apply pass.
func SortByTimestamp(ops []*Op) {
	sort.SliceStable(ops, byTimestampUser(ops))
}
