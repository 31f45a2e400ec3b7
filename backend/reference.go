package backend

import (
	"errors"
	"fmt"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/refdb"
)

// Reference returns a stored reference from its name
// ErrRefNotFound is returned if the reference doesn't exists
// This method can be called concurrently
func (b *Backend) Reference(name string) (*ginternals.Reference, error) {
	return b.refs.Reference(name)
}

// PeelReference dereferences ref through any chain of annotated tags
// down to the non-tag object (commit, tree or blob) underneath.
func (b *Backend) PeelReference(ref *ginternals.Reference) (*refdb.PeeledReference, error) {
	return b.refs.Peel(ref)
}

// WriteReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *Backend) WriteReference(ref *ginternals.Reference) error {
	return b.writeReference(ref, false)
}

// WriteReferenceSafe writes the given reference on disk.
// ErrRefExists is returned if the reference already exists
func (b *Backend) WriteReferenceSafe(ref *ginternals.Reference) error {
	return b.writeReference(ref, true)
}

// writeReference persists ref through refdb's RefUpdate builder,
// always writing straight to ref.Name() (never following a symbolic
// chain, the same way the on-disk loose ref file it produces always
// did). When safe is set the write is rejected with ErrRefExists if
// ref.Name() already resolves to something.
func (b *Backend) writeReference(ref *ginternals.Reference, safe bool) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}

	if safe {
		if _, err := b.refs.Reference(ref.Name()); err == nil {
			return ginternals.ErrRefExists
		} else if !errors.Is(err, ginternals.ErrRefNotFound) {
			return err
		}
	}

	u := b.refs.NewUpdate(ref.Name()).Force(true)
	switch ref.Type() {
	case ginternals.SymbolicReference:
		u = u.NewSymbolic(ref.SymbolicTarget())
	case ginternals.OidReference:
		u = u.New(ref.Target()).DetachSymbolic(true)
	default:
		return fmt.Errorf("reference type %d: %w", ref.Type(), ginternals.ErrUnknownRefType)
	}

	_, err := u.Apply()
	return err
}

// UpdateReference runs a reference mutation through refdb's RefUpdate
// builder, returning the category the update fell into (NoChange, New,
// FastForward, Forced or Rejected). ancestorOf, if non-nil, is used to
// tell a fast-forward from a forced/rejected non-fast-forward update;
// without one every update that isn't NoChange/New is treated as
// non-fast-forward.
func (b *Backend) UpdateReference(name string, expectedOld *ginternals.Oid, newTarget ginternals.Oid, force bool, ancestorOf refdb.AncestorChecker) (refdb.ResultCategory, error) {
	u := b.refs.NewUpdate(name).New(newTarget).Force(force)
	if expectedOld != nil {
		u = u.ExpectedOld(*expectedOld)
	}
	if ancestorOf != nil {
		u = u.AncestorOf(ancestorOf)
	}
	return u.Apply()
}

// DeleteReference removes name from the reference database: its
// loose file (if any) and its packed-refs entry.
func (b *Backend) DeleteReference(name string) error {
	return b.refs.Delete(name)
}

// WalkReferences runs the provided method on all the references
func (b *Backend) WalkReferences(f RefWalkFunc) error {
	return b.refs.Walk(func(ref *ginternals.Reference) error {
		if err := f(ref); err != nil {
			if err == WalkStop { //nolint:errorlint,goerr113 // it's a fake error so no need to use Error.Is()
				return refdb.WalkStop
			}
			return fmt.Errorf("could not walk reference %s: %w", ref.Name(), err)
		}
		return nil
	})
}
