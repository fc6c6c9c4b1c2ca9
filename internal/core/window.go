package core

// DefaultGridWidth is the number of candidate indices per dimension that
// one search round covers.
const DefaultGridWidth = 6

// SearchWindow is the origin of the current round in the candidate grid.
// The object and archive dimensions advance independently.
type SearchWindow struct {
	BinOrigin int
	LibOrigin int
}

// Pairs enumerates the width×width candidate index pairs of the window,
// object-major: every archive index is tried with the first object index
// before the object index moves.
func (w SearchWindow) Pairs(width int) []CandidateSet {
	pairs := make([]CandidateSet, 0, width*width)
	for bin := w.BinOrigin; bin < w.BinOrigin+width; bin++ {
		for lib := w.LibOrigin; lib < w.LibOrigin+width; lib++ {
			pairs = append(pairs, CandidateSet{BinIndex: bin, LibIndex: lib})
		}
	}
	return pairs
}

// Advance moves each dimension forward by one while it still has
// candidates the window has not covered. ok is false when neither
// dimension can move, i.e. every candidate has been tried.
func (w SearchWindow) Advance(width, objects, archives int) (next SearchWindow, ok bool) {
	next = w
	if w.BinOrigin+width < objects {
		next.BinOrigin++
		ok = true
	}
	if w.LibOrigin+width < archives {
		next.LibOrigin++
		ok = true
	}
	return next, ok
}
