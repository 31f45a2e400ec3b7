package packfile

import (
	"container/list"
	"sync"

	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/Nivl/git-go/ginternals/object"
)

// DeltaBaseKey identifies a resolved delta base: the pack it came from
// and the offset, within that pack, of its header.
type DeltaBaseKey struct {
	Pack   engine.PackID
	Offset int64
}

// deltaBaseValue is what a DeltaBaseCache stores: the fully
// reconstructed bytes of a delta base, alongside its type, so a
// resolved delta doesn't need its base type re-derived.
type deltaBaseValue struct {
	bytes []byte
	typ   object.Type
}

func (v *deltaBaseValue) size() int64 {
	return int64(len(v.bytes))
}

// DeltaBaseCache is the process-wide cache of fully reconstructed
// delta bases, keyed by (pack, offset). Reconstructing a base object
// is the expensive part of resolving a delta chain, so the result is
// kept around as long as the byte budget allows: a commit's tree, for
// example, is likely to be the base for many of the commit's neighbor
// deltas in the same pack.
//
// Per spec, whole objects of type commit are never cached here: a
// commit is read once and discarded, and caching it would only evict
// trees/blobs that are actually reused.
//
// A DeltaBaseCache is safe for concurrent use.
type DeltaBaseCache struct {
	maxBytes int64

	mu         sync.Mutex
	lru        *list.List // most-recently-used at the front
	index      map[DeltaBaseKey]*list.Element
	totalBytes int64
}

type deltaBaseEntry struct {
	key   DeltaBaseKey
	value *deltaBaseValue
}

// NewDeltaBaseCache returns a delta-base cache bounded to maxBytes of
// reconstructed object content (maxBytes <= 0 means unbounded).
func NewDeltaBaseCache(maxBytes int64) *DeltaBaseCache {
	return &DeltaBaseCache{
		maxBytes: maxBytes,
		lru:      list.New(),
		index:    map[DeltaBaseKey]*list.Element{},
	}
}

// Get returns the reconstructed bytes and type stored for key, if any.
func (c *DeltaBaseCache) Get(key DeltaBaseKey) (data []byte, typ object.Type, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.index[key]
	if !found {
		return nil, 0, false
	}
	c.lru.MoveToFront(e)
	v := e.Value.(*deltaBaseEntry).value //nolint:forcetypeassert // we only ever store *deltaBaseEntry
	return v.bytes, v.typ, true
}

// Add stores the reconstructed bytes and type of the base at key.
// Objects of type commit are never cached, per the package's caching
// policy.
func (c *DeltaBaseCache) Add(key DeltaBaseKey, data []byte, typ object.Type) {
	if typ == object.TypeCommit {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, found := c.index[key]; found {
		c.totalBytes -= e.Value.(*deltaBaseEntry).value.size() //nolint:forcetypeassert
		c.lru.Remove(e)
		delete(c.index, key)
	}

	v := &deltaBaseValue{bytes: data, typ: typ}
	c.evictUntilFits(v.size())
	e := c.lru.PushFront(&deltaBaseEntry{key: key, value: v})
	c.index[key] = e
	c.totalBytes += v.size()
}

// PurgePack drops every entry belonging to the given pack, used when a
// pack is closed so stale bases from it don't linger.
func (c *DeltaBaseCache) PurgePack(id engine.PackID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*deltaBaseEntry) //nolint:forcetypeassert
		if entry.key.Pack == id {
			c.totalBytes -= entry.value.size()
			c.lru.Remove(e)
			delete(c.index, entry.key)
		}
		e = next
	}
}

// Len returns the number of entries currently cached.
func (c *DeltaBaseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// evictUntilFits drops the coldest entries until adding addBytes more
// would fit under maxBytes. Caller must hold c.mu.
func (c *DeltaBaseCache) evictUntilFits(addBytes int64) {
	if c.maxBytes <= 0 {
		return
	}
	for c.totalBytes+addBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*deltaBaseEntry) //nolint:forcetypeassert
		c.lru.Remove(back)
		delete(c.index, entry.key)
		c.totalBytes -= entry.value.size()
	}
}
