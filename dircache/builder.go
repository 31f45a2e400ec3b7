package dircache

import "fmt"

// Builder assembles a new, sorted entry slice for Cache.Write out of
// spans kept from the cache's current entries and individually added
// entries, the way git's own index-write path stages a mix of
// unchanged and freshly-stat'd entries without re-sorting the whole
// index from scratch.
type Builder struct {
	cache *Cache

	// spans and adds are merged, in the order they were recorded,
	// by Finish. Both sides must already be individually sorted by
	// (path, stage); Finish only does a single linear merge pass.
	spans []keptSpan
	adds  []*Entry
}

type keptSpan struct {
	start, count int
}

// NewBuilder returns a Builder that will assemble entries against the
// state cache currently holds (typically right after Cache.Lock).
func NewBuilder(cache *Cache) *Builder {
	return &Builder{cache: cache}
}

// Keep marks count entries starting at index start in the cache's
// current entry slice to be carried over unchanged.
func (b *Builder) Keep(start, count int) {
	if count <= 0 {
		return
	}
	b.spans = append(b.spans, keptSpan{start: start, count: count})
}

// Add stages a new or replacement entry. Entries passed to Add across
// the lifetime of the Builder must be added in ascending (path, stage)
// order, matching the order the final, merged slice requires.
func (b *Builder) Add(e *Entry) {
	b.adds = append(b.adds, e)
}

// Finish merges the kept spans and added entries into a single slice
// sorted by (path, stage). ErrDuplicateEntry is returned if the same
// (path, stage) appears twice across the merged result.
func (b *Builder) Finish() ([]*Entry, error) {
	kept := make([]*Entry, 0, len(b.cache.entries))
	for _, span := range b.spans {
		kept = append(kept, b.cache.entries[span.start:span.start+span.count]...)
	}

	merged := make([]*Entry, 0, len(kept)+len(b.adds))
	i, j := 0, 0
	for i < len(kept) && j < len(b.adds) {
		a, c := kept[i], b.adds[j]
		switch compareKey(c.Path, c.Stage, a) {
		case -1:
			merged = append(merged, c)
			j++
		case 1:
			merged = append(merged, a)
			i++
		default:
			return nil, fmt.Errorf("%s (stage %d): %w", a.Path, a.Stage, ErrDuplicateEntry)
		}
	}
	merged = append(merged, kept[i:]...)
	merged = append(merged, b.adds[j:]...)

	for k := 1; k < len(merged); k++ {
		if compareKey(merged[k].Path, merged[k].Stage, merged[k-1]) == 0 {
			return nil, fmt.Errorf("%s (stage %d): %w", merged[k].Path, merged[k].Stage, ErrDuplicateEntry)
		}
	}
	return merged, nil
}
