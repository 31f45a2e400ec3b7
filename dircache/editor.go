package dircache

import "sort"

// editKind distinguishes the three path-addressed operations an
// Editor can queue.
type editKind int

const (
	editUpsert editKind = iota
	editRemove
	editRemoveDir
)

type edit struct {
	kind  editKind
	path  string
	stage uint8
	entry *Entry // set for editUpsert
}

// Editor batches path-addressed mutations (add/replace a single entry,
// remove a single entry, remove a whole directory subtree) and applies
// them to the cache's current entries in one linear sweep, instead of
// the O(n) shift-per-call a naive slice insert/delete would cost.
type Editor struct {
	cache *Cache
	edits []edit
}

// NewEditor returns an Editor over cache's current entries.
func NewEditor(cache *Cache) *Editor {
	return &Editor{cache: cache}
}

// Upsert queues e to replace whatever entry currently occupies
// (e.Path, e.Stage), or to be inserted if none does.
func (ed *Editor) Upsert(e *Entry) {
	ed.edits = append(ed.edits, edit{kind: editUpsert, path: e.Path, stage: e.Stage, entry: e})
}

// Remove queues the removal of the entry at (path, stage).
func (ed *Editor) Remove(path string, stage uint8) {
	ed.edits = append(ed.edits, edit{kind: editRemove, path: path, stage: stage})
}

// RemoveDir queues the removal of every entry whose path starts with
// prefix+"/", at every stage.
func (ed *Editor) RemoveDir(prefix string) {
	ed.edits = append(ed.edits, edit{kind: editRemoveDir, path: prefix})
}

// Finish applies the queued edits against the cache's current entries
// and returns the resulting slice, sorted by (path, stage). It does
// not itself persist anything; pass the result to Cache.Write.
func (ed *Editor) Finish() []*Entry {
	current := ed.cache.entries
	result := make([]*Entry, 0, len(current)+len(ed.edits))

	removedDirs := make([]string, 0)
	upserts := make(map[entryKey]*Entry, len(ed.edits))
	removed := make(map[entryKey]bool, len(ed.edits))
	for _, e := range ed.edits {
		switch e.kind {
		case editRemoveDir:
			removedDirs = append(removedDirs, e.path+"/")
		case editUpsert:
			upserts[entryKey{e.path, e.stage}] = e.entry
		case editRemove:
			removed[entryKey{e.path, e.stage}] = true
		}
	}

	seen := make(map[entryKey]bool, len(current))
	for _, e := range current {
		if inAnyDir(e.Path, removedDirs) {
			continue
		}
		key := entryKey{e.Path, e.Stage}
		if removed[key] {
			continue
		}
		if replacement, ok := upserts[key]; ok {
			result = append(result, replacement)
			seen[key] = true
			continue
		}
		result = append(result, e)
	}

	// Anything upserted that didn't match (and therefore replace) an
	// existing entry is a brand new insertion.
	fresh := make([]*Entry, 0)
	for _, e := range ed.edits {
		if e.kind != editUpsert {
			continue
		}
		key := entryKey{e.path, e.stage}
		if seen[key] {
			continue
		}
		seen[key] = true
		fresh = append(fresh, e.entry)
	}
	result = append(result, fresh...)

	sort.Slice(result, func(i, j int) bool {
		return compareKey(result[i].Path, result[i].Stage, result[j]) < 0
	})
	return result
}

// entryKey is a (path, stage) map key, used to find whether an upsert
// or remove targets an entry that already exists.
type entryKey struct {
	path  string
	stage uint8
}

func inAnyDir(path string, dirs []string) bool {
	for _, d := range dirs {
		if len(path) > len(d) && path[:len(d)] == d {
			return true
		}
	}
	return false
}
