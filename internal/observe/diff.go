package observe

// Diff computes the change set turning old into cur. Items are matched by
// key; survivors whose key is in updated yield Update, survivors that changed
// relative order yield Move. Removes come first (descending old index), then
// inserts, moves and updates (ascending new index).
func Diff[T any](old, cur []T, key func(T) string, updated map[string]bool) []Change[T] {
	oldIdx := make(map[string]int, len(old))
	for i, it := range old {
		oldIdx[key(it)] = i
	}
	curIdx := make(map[string]int, len(cur))
	for i, it := range cur {
		curIdx[key(it)] = i
	}

	var changes []Change[T]
	for i := len(old) - 1; i >= 0; i-- {
		if _, ok := curIdx[key(old[i])]; !ok {
			changes = append(changes, Change[T]{Kind: Remove, Item: old[i], Index: i})
		}
	}

	// Old positions of survivors in new order; the longest increasing run
	// stays put, everything else moved.
	var survivors []int
	var positions []int
	for i, it := range cur {
		if j, ok := oldIdx[key(it)]; ok {
			survivors = append(survivors, i)
			positions = append(positions, j)
		}
	}
	stay := longestIncreasing(positions)

	var moves, updates []Change[T]
	for i, it := range cur {
		if _, ok := oldIdx[key(it)]; !ok {
			changes = append(changes, Change[T]{Kind: Insert, Item: it, Index: i})
		}
	}
	for s, i := range survivors {
		it := cur[i]
		switch {
		case !stay[s]:
			moves = append(moves, Change[T]{Kind: Move, Item: it, Index: i, From: positions[s]})
		case updated[key(it)]:
			updates = append(updates, Change[T]{Kind: Update, Item: it, Index: i})
		}
	}
	changes = append(changes, moves...)
	return append(changes, updates...)
}

// longestIncreasing marks the members of one longest strictly increasing
// subsequence of seq.
func longestIncreasing(seq []int) []bool {
	keep := make([]bool, len(seq))
	if len(seq) == 0 {
		return keep
	}
	// tails[k] is the index in seq of the smallest tail of a run of length k+1.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if seq[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[i] = tails[lo-1]
		} else {
			prev[i] = -1
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
