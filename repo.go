// Package git implements the core plumbing of git: reading and
// writing objects, walking and updating references, and building
// trees and commits on top of a repository's object database.
package git

import (
	"errors"
	"fmt"

	"github.com/Nivl/git-go/backend"
	"github.com/Nivl/git-go/env"
	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/config"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/spf13/afero"
)

// List of errors returned by the Repository struct
var (
	// ErrRepositoryNotExist is returned when trying to open a repository
	// that doesn't exist
	ErrRepositoryNotExist = errors.New("repository does not exist")
	// ErrRepositoryExists is returned when trying to init a repository
	// that already exists
	ErrRepositoryExists = errors.New("repository already exists")
)

// Repository represents a git repository.
// A Git repository is the .git/ folder inside a project. It tracks
// all changes made to the files of a project, building a history
// over time.
// https://blog.axosoft.com/learning-git-repository/
type Repository struct {
	// Config holds the configuration this repository was opened/created
	// with
	Config *config.Config

	dotGit   *backend.Backend
	workTree afero.Fs
}

// InitOptions contains all the optional data used to initialize a
// repository
type InitOptions struct {
	// IsBare represents whether a bare repository will be created or not
	IsBare bool
	// InitialBranchName represents the name of the branch that will be
	// created and checked out.
	// Defaults to ginternals.Master
	InitialBranchName string
	// Symlink states whether a gitfile symlink should be created when
	// the work tree and the git directory aren't co-located
	Symlink bool
}

// InitRepository initializes a new git repository by creating the
// .git directory in the given path, which is where almost everything
// Git stores and manipulates lives.
// https://git-scm.com/book/en/v2/Git-Internals-Plumbing-and-Porcelain#ch10-git-internals
func InitRepository(repoPath string) (*Repository, error) {
	cfg, err := config.LoadConfig(env.NewFromOs(), config.LoadConfigOptions{
		WorkingDirectory: repoPath,
		SkipGitDirLookUp: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create config: %w", err)
	}
	return InitRepositoryWithParams(cfg, InitOptions{})
}

// InitRepositoryWithOptions initializes a new git repository by
// creating the .git directory in the given path, using the provided
// options
func InitRepositoryWithOptions(repoPath string, opts InitOptions) (*Repository, error) {
	cfg, err := config.LoadConfig(env.NewFromOs(), config.LoadConfigOptions{
		WorkingDirectory: repoPath,
		SkipGitDirLookUp: true,
		IsBare:           opts.IsBare,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create config: %w", err)
	}
	return InitRepositoryWithParams(cfg, opts)
}

// InitRepositoryWithParams initializes a new git repository using the
// provided config
func InitRepositoryWithParams(cfg *config.Config, opts InitOptions) (*Repository, error) {
	b, err := backend.NewFS(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create backend: %w", err)
	}

	branchName := opts.InitialBranchName
	if branchName == "" {
		branchName = ginternals.Master
	}

	if err := b.InitWithOptions(branchName, backend.InitOptions{
		CreateSymlink: opts.Symlink,
	}); err != nil {
		if errors.Is(err, ginternals.ErrRefExists) {
			return nil, ErrRepositoryExists
		}
		return nil, fmt.Errorf("could not initialize repository: %w", err)
	}

	return newRepository(cfg, b, opts.IsBare), nil
}

// OpenOptions contains all the optional data used to open a
// repository
type OpenOptions struct {
	// IsBare represents whether the repository is bare or not
	IsBare bool
}

// OpenRepository loads an existing git repository by reading its
// HEAD and config file, and returns a Repository instance
func OpenRepository(repoPath string) (*Repository, error) {
	cfg, err := config.LoadConfig(env.NewFromOs(), config.LoadConfigOptions{
		WorkingDirectory: repoPath,
		SkipGitDirLookUp: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create config: %w", err)
	}
	return OpenRepositoryWithParams(cfg, OpenOptions{})
}

// OpenRepositoryWithOptions loads an existing git repository located
// at the given path, using the provided options
func OpenRepositoryWithOptions(repoPath string, opts OpenOptions) (*Repository, error) {
	cfg, err := config.LoadConfig(env.NewFromOs(), config.LoadConfigOptions{
		WorkingDirectory: repoPath,
		SkipGitDirLookUp: true,
		IsBare:           opts.IsBare,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create config: %w", err)
	}
	return OpenRepositoryWithParams(cfg, opts)
}

// OpenRepositoryWithParams loads an existing git repository using the
// provided config
func OpenRepositoryWithParams(cfg *config.Config, opts OpenOptions) (*Repository, error) {
	b, err := backend.NewFS(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create backend: %w", err)
	}

	// Since we can't easily check if the directory exists on disk to
	// validate if the repo exists, we instead check that HEAD exists
	// (since it should always be there)
	if _, err := b.Reference(ginternals.Head); err != nil {
		return nil, ErrRepositoryNotExist
	}

	return newRepository(cfg, b, opts.IsBare), nil
}

func newRepository(cfg *config.Config, b *backend.Backend, isBare bool) *Repository {
	r := &Repository{
		Config: cfg,
		dotGit: b,
	}
	if !isBare {
		r.workTree = cfg.FS
	}
	return r
}

// IsBare returns whether the repository has no work tree
func (r *Repository) IsBare() bool {
	return r.workTree == nil
}

// Close releases the resources (opened packfiles, etc.) held by the
// repository
func (r *Repository) Close() error {
	return r.dotGit.Close()
}

// Reference returns the reference matching the given name
func (r *Repository) Reference(name string) (*ginternals.Reference, error) {
	return r.dotGit.Reference(name)
}

// GetReference is an alias of Reference
func (r *Repository) GetReference(name string) (*ginternals.Reference, error) {
	return r.dotGit.Reference(name)
}

// GetTag returns the reference corresponding to the given tag's short
// name (ex. "v1.0.0")
func (r *Repository) GetTag(name string) (*ginternals.Reference, error) {
	ref, err := r.dotGit.Reference(ginternals.LocalTagFullName(name))
	if err != nil {
		if errors.Is(err, ginternals.ErrRefNotFound) {
			return nil, ErrTagNotFound
		}
		return nil, fmt.Errorf("could not get tag %s: %w", name, err)
	}
	return ref, nil
}

// NewReference creates and persists a new reference pointing to the
// given Oid. An existing reference with the same name gets overwritten.
func (r *Repository) NewReference(name string, target ginternals.Oid) (*ginternals.Reference, error) {
	ref := ginternals.NewReference(name, target)
	if err := r.dotGit.WriteReference(ref); err != nil {
		return nil, fmt.Errorf("could not persist reference %s: %w", name, err)
	}
	return ref, nil
}

// NewSymbolicReference creates and persists a new reference pointing
// to another reference. An existing reference with the same name gets
// overwritten.
func (r *Repository) NewSymbolicReference(name, target string) (*ginternals.Reference, error) {
	ref := ginternals.NewSymbolicReference(name, target)
	if err := r.dotGit.WriteReference(ref); err != nil {
		return nil, fmt.Errorf("could not persist reference %s: %w", name, err)
	}
	return ref, nil
}

// GetObject returns the object matching the given Oid
func (r *Repository) GetObject(oid ginternals.Oid) (*object.Object, error) {
	return r.dotGit.Object(oid)
}

// GetCommit returns the commit matching the given Oid
func (r *Repository) GetCommit(oid ginternals.Oid) (*object.Commit, error) {
	o, err := r.dotGit.Object(oid)
	if err != nil {
		return nil, fmt.Errorf("could not get commit %s: %w", oid.String(), err)
	}
	return o.AsCommit()
}

// Commit is an alias of GetCommit
func (r *Repository) Commit(oid ginternals.Oid) (*object.Commit, error) {
	return r.GetCommit(oid)
}

// GetTree returns the tree matching the given Oid
func (r *Repository) GetTree(oid ginternals.Oid) (*object.Tree, error) {
	o, err := r.dotGit.Object(oid)
	if err != nil {
		return nil, fmt.Errorf("could not get tree %s: %w", oid.String(), err)
	}
	return o.AsTree()
}

// NewBlob creates, persists, and returns a new Blob object
func (r *Repository) NewBlob(data []byte) (*object.Blob, error) {
	o := object.New(object.TypeBlob, data)
	if _, err := r.dotGit.WriteObject(o); err != nil {
		return nil, fmt.Errorf("could not persist blob: %w", err)
	}
	return o.AsBlob(), nil
}

// NewCommit creates, persists a new commit built on top of the given
// tree, and updates the reference named refName to point to it
func (r *Repository) NewCommit(refName string, tree *object.Tree, author object.Signature, opts *object.CommitOptions) (ci *object.Commit, err error) {
	ci, err = r.newCommit(tree, author, opts)
	if err != nil {
		return nil, err
	}

	if _, err = r.NewReference(refName, ci.ID()); err != nil {
		return nil, fmt.Errorf("could not update %s: %w", refName, err)
	}

	return ci, nil
}

// NewDetachedCommit creates and persists a new commit built on top of
// the given tree, without updating any reference to point to it
func (r *Repository) NewDetachedCommit(tree *object.Tree, author object.Signature, opts *object.CommitOptions) (*object.Commit, error) {
	return r.newCommit(tree, author, opts)
}

// newCommit validates the commit's parents, then creates and persists
// the commit object
func (r *Repository) newCommit(tree *object.Tree, author object.Signature, opts *object.CommitOptions) (*object.Commit, error) {
	for _, parentID := range opts.ParentsID {
		o, err := r.dotGit.Object(parentID)
		if err != nil {
			return nil, fmt.Errorf("could not get parent %s: %w", parentID.String(), err)
		}
		if o.Type() != object.TypeCommit {
			return nil, fmt.Errorf("invalid type for parent %s: %w", parentID.String(), object.ErrObjectInvalid)
		}
	}

	ci := object.NewCommit(tree.ID(), author, opts)

	o := ci.ToObject()
	if _, err := r.dotGit.WriteObject(o); err != nil {
		return nil, fmt.Errorf("could not persist commit: %w", err)
	}

	return ci, nil
}
