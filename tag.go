package git

import (
	"errors"
	"fmt"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
)

// List of errors returned when working with tags
var (
	// ErrTagNotFound is returned when a tag doesn't exist
	ErrTagNotFound = errors.New("tag not found")
	// ErrTagExists is returned when trying to create a tag that
	// already exists
	ErrTagExists = errors.New("tag already exists")
)

// NewTag creates a new annotated tag, persists it, and creates a
// reference named refs/tags/{p.Name} pointing to it
func (r *Repository) NewTag(p *object.TagParams) (*object.Tag, error) {
	if _, err := r.dotGit.Object(p.Target.ID()); err != nil {
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, fmt.Errorf("target object has not been persisted yet: %w", object.ErrObjectInvalid)
		}
		return nil, fmt.Errorf("could not get target object %s: %w", p.Target.ID().String(), err)
	}

	refName := ginternals.LocalTagFullName(p.Name)
	if err := r.assertTagDoesNotExist(refName); err != nil {
		return nil, err
	}

	tag, err := object.NewTag(p)
	if err != nil {
		return nil, err
	}

	o := tag.ToObject()
	if _, err := r.dotGit.WriteObject(o); err != nil {
		return nil, fmt.Errorf("could not persist tag %s: %w", p.Name, err)
	}

	if _, err := r.NewReference(refName, tag.ID()); err != nil {
		return nil, fmt.Errorf("could not persist tag reference %s: %w", p.Name, err)
	}

	return tag, nil
}

// NewLightweightTag creates a reference named refs/tags/{name}
// pointing directly to the given, already persisted, object
func (r *Repository) NewLightweightTag(name string, target ginternals.Oid) (*ginternals.Reference, error) {
	if _, err := r.dotGit.Object(target); err != nil {
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, fmt.Errorf("target object has not been persisted yet: %w", object.ErrObjectInvalid)
		}
		return nil, fmt.Errorf("could not get target object %s: %w", target.String(), err)
	}

	refName := ginternals.LocalTagFullName(name)
	if err := r.assertTagDoesNotExist(refName); err != nil {
		return nil, err
	}

	return r.NewReference(refName, target)
}

// assertTagDoesNotExist returns ErrTagExists if a reference with the
// given fully qualified tag name already exists
func (r *Repository) assertTagDoesNotExist(refName string) error {
	if _, err := r.dotGit.Reference(refName); err == nil {
		return ErrTagExists
	} else if !errors.Is(err, ginternals.ErrRefNotFound) {
		return fmt.Errorf("could not check if tag exists: %w", err)
	}
	return nil
}
