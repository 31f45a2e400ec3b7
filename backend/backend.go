// Package backend contains the implementation used to store and
// retrieve data from the object database and reference database of a
// repository.
package backend

import (
	"errors"
	"sync"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/config"
	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/Nivl/git-go/internal/cache"
	"github.com/Nivl/git-go/internal/syncutil"
	"github.com/Nivl/git-go/refdb"
	"github.com/spf13/afero"
)

// objectCacheSize is the amount of objects kept in memory to avoid
// re-reading/re-inflating them from disk
const objectCacheSize = 1000

// objectLockShards is the amount of mutexes used to protect concurrent
// access to the odb. Using more than one mutex allows concurrent
// access to different objects while still preventing 2 goroutines
// from working on the same object at the same time.
const objectLockShards = 256

// Backend stores and retrieves the objects and references of a
// repository from the filesystem, the way git itself lays them out
// under .git.
type Backend struct {
	config *config.Config
	fs     afero.Fs

	// cache holds the most recently used objects, to avoid hitting
	// the filesystem/zlib for objects accessed repeatedly (trees and
	// commits while walking history, for example)
	cache *cache.LRU

	// refs is the reference database (loose + packed-refs), shared by
	// Reference/WriteReference/WalkReferences below.
	refs *refdb.DB

	// looseObjects maps the oid of a loose object to struct{} and acts
	// as a set letting us know an object exists without touching disk
	looseObjects sync.Map
	// packfiles holds every opened Pack ordered newest-mtime-first, so
	// that when the same object exists in more than one pack (a repack
	// that hasn't pruned the old pack yet, for example) the most
	// recently written copy always wins, deterministically.
	packfiles []*packfile.Pack

	// windowCache and deltaCache are shared by every Pack this Backend
	// opens, so the mmap window budget and the delta-base budget are
	// process-wide rather than paid for once per pack.
	windowCache *engine.Cache
	deltaCache  *packfile.DeltaBaseCache

	// objectMu protects concurrent access to a given object without
	// serializing access to the whole odb
	objectMu *syncutil.NamedMutex
}

// New returns a new Backend backed by the provided filesystem
func New(cfg *config.Config) (*Backend, error) {
	objCache, err := cache.NewLRU(objectCacheSize)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		config:      cfg,
		fs:          cfg.FS,
		cache:       objCache,
		windowCache: engine.New(backendWindowSize, backendWindowCacheBytes, true),
		deltaCache:  packfile.NewDeltaBaseCache(backendDeltaCacheBytes),
		objectMu:    syncutil.NewNamedMutex(objectLockShards),
	}

	b.refs = refdb.NewDB(cfg, b)

	if err := b.loadConfig(); err != nil {
		return nil, err
	}
	if err := b.refs.Load(); err != nil {
		return nil, err
	}
	if err := b.loadLooseObject(); err != nil {
		return nil, err
	}
	if err := b.loadPacks(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewFS is an alias of New kept for readability at call sites that
// want to make explicit that the backend is filesystem-backed
func NewFS(cfg *config.Config) (*Backend, error) {
	return New(cfg)
}

// Path returns the path to the .git directory this backend operates on
func (b *Backend) Path() string {
	return ginternals.DotGitPath(b.config)
}

// ObjectsPath returns the path to the directory containing the objects
func (b *Backend) ObjectsPath() string {
	return ginternals.ObjectsPath(b.config)
}

// Close frees the resources held by the backend (the opened packfiles)
func (b *Backend) Close() error {
	var firstErr error
	for _, p := range b.packfiles {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RefWalkFunc represents a function that will be applied on all references
// found by WalkReferences()
type RefWalkFunc = func(ref *ginternals.Reference) error

// WalkStop is a fake error used to tell a Walk method to stop
var WalkStop = errors.New("stop walking") //nolint // the linter expects all errors to start with Err, but since here we're faking an error we don't want that
