package extraction

import (
	"cmp"
	"slices"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Merge normalizes items gathered from several chunks or passes. Items of
// the same dimension whose spans overlap collapse into the larger span;
// equal lengths keep the earlier start, then the item seen first. The
// result is ordered by (start, end) and the input is left untouched.
func Merge(items []domain.ExtractionItem) []domain.ExtractionItem {
	kept := make([]domain.ExtractionItem, 0, len(items))
	for _, it := range domain.CloneItems(items) {
		dup := -1
		for i, k := range kept {
			if k.Dimension == it.Dimension && k.Overlaps(it) {
				dup = i
				break
			}
		}
		if dup < 0 {
			kept = append(kept, it)
			continue
		}
		if wins(it, kept[dup]) {
			kept[dup] = it
		}
	}

	// A replacement can grow a span until it overlaps another kept item.
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(kept) && !changed; i++ {
			for j := i + 1; j < len(kept); j++ {
				if kept[i].Dimension != kept[j].Dimension || !kept[i].Overlaps(kept[j]) {
					continue
				}
				if wins(kept[j], kept[i]) {
					kept[i] = kept[j]
				}
				kept = slices.Delete(kept, j, j+1)
				changed = true
				break
			}
		}
	}

	slices.SortStableFunc(kept, func(a, b domain.ExtractionItem) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})
	return kept
}

// wins reports whether candidate should replace incumbent.
func wins(candidate, incumbent domain.ExtractionItem) bool {
	if candidate.Len() != incumbent.Len() {
		return candidate.Len() > incumbent.Len()
	}
	return candidate.Start < incumbent.Start
}
