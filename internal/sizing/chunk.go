package sizing

// Range is a half-open [Lo, Hi) index range over an ordered sequence.
type Range struct {
	Lo int
	Hi int
}

// SplitIndices splits [0, count) into ranges of at most groupSize indices.
// The ranges are ordered, pairwise disjoint, and their union is exactly
// [0, count). A non-positive groupSize is treated as one.
func SplitIndices(count, groupSize int) []Range {
	if count < 0 {
		return nil
	}
	if groupSize < 1 {
		groupSize = 1
	}
	if groupSize == 1 && count == 1 {
		return []Range{{0, 1}}
	}
	if groupSize >= count {
		return []Range{{0, count}}
	}

	groups := count / groupSize
	if count%groupSize != 0 {
		groups++
	}
	ranges := make([]Range, 0, groups)
	for i := 0; i < groups; i++ {
		lo := i * groupSize
		hi := lo + groupSize
		if hi > count {
			hi = count
		}
		ranges = append(ranges, Range{lo, hi})
	}
	return ranges
}
