package transport_test

import (
	"fmt"
	"time"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
)

// fakeStore is a minimal in-memory object.Object store satisfying both
// transport.ObjectProvider and transport.CommitProvider, so negotiate
// and pack-writer tests can build small object graphs without a real
// on-disk repository.
type fakeStore struct {
	objects map[ginternals.Oid]*object.Object
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[ginternals.Oid]*object.Object)}
}

func (s *fakeStore) Object(oid ginternals.Oid) (*object.Object, error) {
	o, ok := s.objects[oid]
	if !ok {
		return nil, fmt.Errorf("fakeStore: object %s not found", oid)
	}
	return o, nil
}

func (s *fakeStore) Commit(oid ginternals.Oid) (*object.Commit, error) {
	o, err := s.Object(oid)
	if err != nil {
		return nil, err
	}
	return o.AsCommit()
}

func (s *fakeStore) addBlob(content []byte) ginternals.Oid {
	o := object.New(object.TypeBlob, content)
	s.objects[o.ID()] = o
	return o.ID()
}

func (s *fakeStore) addTree(entries []object.TreeEntry) ginternals.Oid {
	o := object.NewTree(entries).ToObject()
	s.objects[o.ID()] = o
	return o.ID()
}

func (s *fakeStore) addCommit(treeID ginternals.Oid, parents []ginternals.Oid, when time.Time, message string) ginternals.Oid {
	sig := object.Signature{Name: "Test", Email: "test@example.com", Time: when}
	commit := object.NewCommit(treeID, sig, &object.CommitOptions{
		Message:   message,
		ParentsID: parents,
	})
	o := commit.ToObject()
	s.objects[o.ID()] = o
	return o.ID()
}
