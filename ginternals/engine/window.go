package engine

import (
	"compress/zlib"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Nivl/git-go/internal/glog"
	mmap "github.com/edsrzf/mmap-go"
	"github.com/spf13/afero"
)

// ErrPackNotOpen is returned when a window is requested for a pack
// that was never registered with Cache.Open.
var ErrPackNotOpen = errors.New("pack not open in window cache")

// PackID identifies a pack file for the purpose of window caching. The
// object id of the pack (its trailing SHA-1) is a natural fit since
// it's already computed once and stable for the lifetime of the pack.
type PackID [20]byte

// packReader is the subset of *os.File a Cache needs to map or read
// windows from. Mmap-ing requires a real *os.File; afero.File is
// enough for the heap-buffer fallback.
type packReader interface {
	afero.File
}

// window is a mapped or buffered slice of a pack file covering
// [start, start+len(data)).
type window struct {
	pack  PackID
	start int64
	data  []byte
	mm    mmap.MMap // non-nil when this window is memory-mapped
}

func (w *window) contains(offset int64, n int) bool {
	return offset >= w.start && offset+int64(n) <= w.start+int64(len(w.data))
}

func (w *window) close() error {
	if w.mm != nil {
		return w.mm.Unmap()
	}
	return nil
}

// Cache is the process-wide window cache described by the packed-git
// window/mmap model: packs are never read a byte at a time, they're
// mapped (or buffered) in fixed-size windows that get reused across
// lookups and evicted on an LRU-over-total-bytes basis.
//
// A Cache is safe for concurrent use. A read served by a cursor's
// last-touched window takes no lock; every other lookup, including one
// that finds an already-open window, takes the cache's single mutex,
// so lookups of distinct windows through the shared table are
// serialized.
type Cache struct {
	windowSize int
	maxBytes   int64
	mmapEnabled bool

	mu         sync.Mutex
	lru        *list.List // most-recently-used at the front
	totalBytes int64
	packs      map[PackID]packReader
}

// New returns a window cache. windowSize is the size, in bytes, of
// each mapped region; maxBytes bounds the cache's total resident
// size; mmap enables memory-mapping instead of heap-buffered reads
// (falls back to heap buffers for filesystems that can't expose a
// real *os.File, e.g. afero's in-memory fs used by tests).
func New(windowSize int, maxBytes int64, mmapEnabled bool) *Cache {
	return &Cache{
		windowSize:  windowSize,
		maxBytes:    maxBytes,
		mmapEnabled: mmapEnabled,
		lru:         list.New(),
		packs:       map[PackID]packReader{},
	}
}

// WindowCursor is bound to a single caller (typically a goroutine
// walking a pack) and holds a soft reference to the last window it
// touched, so consecutive accesses to the same region skip the
// lookup table entirely.
type WindowCursor struct {
	cache *Cache
	last  *window
}

// Open registers the pack (idempotent) so windows can be created
// against it.
func (c *Cache) Open(id PackID, r packReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packs[id] = r
}

// ClosePack purges every window belonging to the given pack. Called
// when a Pack is closed so its windows don't linger mapped.
func (c *Cache) ClosePack(ctx context.Context, id PackID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.packs, id)

	var firstErr error
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*window) //nolint:forcetypeassert // we only ever store *window in this list
		if w.pack == id {
			c.totalBytes -= int64(len(w.data))
			c.lru.Remove(e)
			if err := w.close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("could not unmap window of pack: %w", err)
			}
		}
		e = next
	}
	if firstErr != nil {
		glog.WithContext(ctx).WithField("pack", fmt.Sprintf("%x", id)).Warn("failed to cleanly unmap a window")
	}
	return firstErr
}

// Cursor returns a new cursor reading through c.
func (c *Cache) Cursor() *WindowCursor {
	return &WindowCursor{cache: c}
}

// Copy reads n bytes at the given offset of the given pack into dst,
// spanning window boundaries transparently.
func (wc *WindowCursor) Copy(ctx context.Context, pack PackID, offset int64, dst []byte) (int, error) {
	read := 0
	for read < len(dst) {
		w, err := wc.window(ctx, pack, offset+int64(read))
		if err != nil {
			return read, err
		}
		start := offset + int64(read) - w.start
		n := copy(dst[read:], w.data[start:])
		read += n
	}
	return read, nil
}

// Inflate decompresses n bytes of zlib-compressed data starting at
// offset into dst, spanning window boundaries transparently.
func (wc *WindowCursor) Inflate(ctx context.Context, pack PackID, offset int64, dst []byte) (int, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		zr, err := zlib.NewReader(pr)
		if err != nil {
			done <- fmt.Errorf("could not open zlib stream: %w", err)
			return
		}
		_, err = io.ReadFull(zr, dst)
		done <- err
	}()

	go func() {
		buf := make([]byte, wc.cache.windowOr(4096))
		pos := offset
		for {
			w, err := wc.window(ctx, pack, pos)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			n := copy(buf, w.data[pos-w.start:])
			if n == 0 {
				_ = pw.CloseWithError(io.ErrUnexpectedEOF)
				return
			}
			if _, err := pw.Write(buf[:n]); err != nil {
				return
			}
			pos += int64(n)
		}
	}()

	err := <-done
	_ = pr.Close()
	if err != nil {
		return 0, fmt.Errorf("could not inflate object: %w", err)
	}
	return len(dst), nil
}

func (c *Cache) windowOr(n int) int {
	if c.windowSize > 0 {
		return c.windowSize
	}
	return n
}

// window returns the window covering offset, reusing the cursor's
// last-touched window when possible, else consulting (and possibly
// growing) the shared cache.
func (wc *WindowCursor) window(ctx context.Context, pack PackID, offset int64) (*window, error) {
	if wc.last != nil && wc.last.pack == pack && wc.last.contains(offset, 1) {
		return wc.last, nil
	}

	w, err := wc.cache.open(ctx, pack, offset)
	if err != nil {
		return nil, err
	}
	wc.last = w
	return w, nil
}

// open returns the window covering offset for the given pack,
// creating and registering a new one if none currently covers it, and
// evicting the coldest windows if that growth would exceed maxBytes.
func (c *Cache) open(ctx context.Context, pack PackID, offset int64) (*window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.lru.Front(); e != nil; e = e.Next() {
		w := e.Value.(*window) //nolint:forcetypeassert // we only ever store *window in this list
		if w.pack == pack && w.contains(offset, 1) {
			c.lru.MoveToFront(e)
			return w, nil
		}
	}

	r, ok := c.packs[pack]
	if !ok {
		return nil, fmt.Errorf("pack %x: %w", pack, ErrPackNotOpen)
	}

	start := (offset / int64(c.windowSize)) * int64(c.windowSize)
	size := c.windowSize
	w := &window{pack: pack, start: start}

	if c.mmapEnabled {
		if f, ok := r.(*os.File); ok {
			m, err := mmap.MapRegion(f, size, mmap.RDONLY, 0, start)
			if err == nil {
				w.mm = m
				w.data = m
			}
		}
	}
	if w.data == nil {
		buf := make([]byte, size)
		n, err := r.ReadAt(buf, start)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("could not read window at offset %d: %w", start, err)
		}
		w.data = buf[:n]
	}

	c.evictUntilFits(ctx, int64(len(w.data)))
	c.lru.PushFront(w)
	c.totalBytes += int64(len(w.data))
	return w, nil
}

// evictUntilFits drops the coldest windows until adding addBytes more
// would fit under maxBytes (a maxBytes <= 0 means unbounded).
func (c *Cache) evictUntilFits(ctx context.Context, addBytes int64) {
	if c.maxBytes <= 0 {
		return
	}
	for c.totalBytes+addBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		w := back.Value.(*window) //nolint:forcetypeassert // we only ever store *window in this list
		c.lru.Remove(back)
		c.totalBytes -= int64(len(w.data))
		if err := w.close(); err != nil {
			glog.WithContext(ctx).WithField("pack", fmt.Sprintf("%x", w.pack)).Debug("failed to unmap evicted window")
		}
	}
}
