package refdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Nivl/git-go/ginternals"
)

// ErrLockFailure is returned when a RefUpdate's ExpectedOld doesn't
// match the reference's current value.
var ErrLockFailure = errors.New("ref update: expected old value doesn't match current value")

// ErrIOFailure is returned when a RefUpdate's lock-file commit fails.
var ErrIOFailure = errors.New("ref update: could not commit")

// ResultCategory classifies how a RefUpdate changed (or didn't change)
// a reference.
type ResultCategory int8

const (
	// NoChange means the reference already pointed at the requested value.
	NoChange ResultCategory = iota + 1
	// New means the reference didn't exist before this update.
	New
	// FastForward means the new value is a descendant of the old one.
	FastForward
	// Forced means the new value replaced the old one outside of a
	// fast-forward relationship, because Force was set.
	Forced
	// Rejected means the update was refused: the new value isn't a
	// descendant of the old one, and Force wasn't set.
	Rejected
)

// String returns a human-readable name for the category.
func (c ResultCategory) String() string {
	switch c {
	case NoChange:
		return "no-change"
	case New:
		return "new"
	case FastForward:
		return "fast-forward"
	case Forced:
		return "forced"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AncestorChecker reports whether old is an ancestor of new (i.e.
// updating old -> new is a fast-forward). Supplied by whatever owns
// the commit graph (a revision walker), since refdb itself has no
// notion of commit history.
type AncestorChecker func(old, new ginternals.Oid) (bool, error)

// RefUpdate is a builder for a single reference mutation: set the
// fields that matter, then call Apply.
type RefUpdate struct {
	db *DB

	name              string
	expectedOld       *ginternals.Oid
	newTarget         ginternals.Oid
	newSymbolic       string
	isSymbolic        bool
	force             bool
	detachingSymbolic bool
	ancestorOf        AncestorChecker
}

// NewUpdate starts building an update for name.
func (db *DB) NewUpdate(name string) *RefUpdate {
	return &RefUpdate{db: db, name: name}
}

// ExpectedOld makes Apply fail with ErrLockFailure if the reference's
// current value isn't oid.
func (u *RefUpdate) ExpectedOld(oid ginternals.Oid) *RefUpdate {
	u.expectedOld = &oid
	return u
}

// New sets the value the reference should point at once the update succeeds.
func (u *RefUpdate) New(oid ginternals.Oid) *RefUpdate {
	u.newTarget = oid
	u.isSymbolic = false
	return u
}

// NewSymbolic makes the update point name at another reference by
// name (e.g. HEAD -> refs/heads/main) instead of at an id directly.
// A symbolic update is always written straight to name: it never
// resolves through a chain first, and has no fast-forward concept, so
// it is categorized New, NoChange, or Forced (Rejected when Force
// isn't set).
func (u *RefUpdate) NewSymbolic(target string) *RefUpdate {
	u.newSymbolic = target
	u.isSymbolic = true
	return u
}

// Force allows a non-fast-forward update to go through anyway,
// turning what would otherwise be Rejected into Forced.
func (u *RefUpdate) Force(force bool) *RefUpdate {
	u.force = force
	return u
}

// DetachSymbolic makes Apply write an id directly into name even if
// name currently holds a symbolic reference, instead of following the
// chain and updating its ultimate target.
func (u *RefUpdate) DetachSymbolic(detach bool) *RefUpdate {
	u.detachingSymbolic = detach
	return u
}

// AncestorOf supplies the ancestry check Apply needs to tell a
// fast-forward from a forced/rejected update. Without one, any change
// that isn't NoChange/New is treated as non-fast-forward.
func (u *RefUpdate) AncestorOf(f AncestorChecker) *RefUpdate {
	u.ancestorOf = f
	return u
}

// Apply resolves the reference's current value, classifies the
// update, and — unless the result is Rejected or NoChange — writes
// the new value to name's loose ref file under the lock-file
// protocol. A ref that previously only existed in packed-refs is left
// there; since a loose entry always wins over a packed one, the next
// packed-refs reload simply hides the now-stale packed entry.
func (u *RefUpdate) Apply() (ResultCategory, error) {
	if !ginternals.IsRefNameValid(u.name) {
		return 0, fmt.Errorf("ref %q: %w", u.name, ginternals.ErrRefNameInvalid)
	}
	if u.isSymbolic {
		return u.applySymbolic()
	}

	var current ginternals.Oid
	haveCurrent := true
	if u.detachingSymbolic {
		// Detaching never follows the chain: the name itself is
		// overwritten with a direct id, so its current value (if any,
		// and if already direct) is all that matters.
		raw, err := u.db.find(u.name)
		switch {
		case errors.Is(err, ginternals.ErrRefNotFound):
			haveCurrent = false
		case err != nil:
			return 0, err
		default:
			oid, oidErr := ginternals.NewOidFromStr(string(trimNewline(raw)))
			if oidErr != nil {
				haveCurrent = false // was symbolic; detaching makes this effectively New
			} else {
				current = oid
			}
		}
	} else {
		ref, err := u.db.Reference(u.name)
		switch {
		case errors.Is(err, ginternals.ErrRefNotFound):
			haveCurrent = false
		case err != nil:
			return 0, err
		default:
			current = ref.Target()
		}
	}

	if u.expectedOld != nil {
		if !haveCurrent || *u.expectedOld != current {
			return 0, fmt.Errorf("ref %q: %w", u.name, ErrLockFailure)
		}
	}

	category := u.category(haveCurrent, current)
	if category == Rejected || category == NoChange {
		return category, nil
	}

	target, err := u.targetName()
	if err != nil {
		return 0, err
	}

	raw := []byte(u.newTarget.String() + "\n")
	if err := u.db.writeLoose(target, raw); err != nil {
		return 0, fmt.Errorf("%s: %w", err, ErrIOFailure)
	}
	u.db.bumpModificationCounter()
	return category, nil
}

// applySymbolic handles Apply's NewSymbolic path: it always writes
// directly to u.name, never follows a chain, and never consults
// ancestry since symbolic targets have no commit-graph relation.
func (u *RefUpdate) applySymbolic() (ResultCategory, error) {
	raw, err := u.db.find(u.name)
	haveCurrent := true
	switch {
	case errors.Is(err, ginternals.ErrRefNotFound):
		haveCurrent = false
	case err != nil:
		return 0, err
	}

	want := "ref: " + u.newSymbolic
	category := New
	switch {
	case haveCurrent && strings.TrimSpace(string(raw)) == want:
		category = NoChange
	case haveCurrent:
		category = Forced
	}

	if u.expectedOld != nil {
		// A symbolic update has no id to compare ExpectedOld against;
		// requiring one only makes sense when the caller expected the
		// ref not to exist yet.
		if haveCurrent {
			return 0, fmt.Errorf("ref %q: %w", u.name, ErrLockFailure)
		}
	}

	if category == NoChange {
		return category, nil
	}
	if category == Forced && !u.force {
		return Rejected, nil
	}

	if err := u.db.writeLoose(u.name, []byte(want+"\n")); err != nil {
		return 0, fmt.Errorf("%s: %w", err, ErrIOFailure)
	}
	u.db.bumpModificationCounter()
	return category, nil
}

// targetName returns the loose ref file Apply should actually write
// to: u.name itself when detaching (or when u.name isn't symbolic),
// or the physical ref at the end of u.name's symbolic chain otherwise
// — so updating a symbolic ref like HEAD moves the branch it points
// at, instead of collapsing HEAD into a direct id.
func (u *RefUpdate) targetName() (string, error) {
	if u.detachingSymbolic {
		return u.name, nil
	}
	name := u.name
	for hops := 0; ; hops++ {
		if hops > maxSymbolicDepth {
			return "", fmt.Errorf("resolving %q: %w", u.name, ErrCyclicSymref)
		}
		raw, err := u.db.find(name)
		if err != nil {
			if errors.Is(err, ginternals.ErrRefNotFound) {
				return name, nil
			}
			return "", err
		}
		trimmed := strings.TrimSpace(string(raw))
		if !strings.HasPrefix(trimmed, "ref: ") {
			return name, nil
		}
		name = strings.TrimPrefix(trimmed, "ref: ")
	}
}

func (u *RefUpdate) category(haveCurrent bool, current ginternals.Oid) ResultCategory {
	switch {
	case haveCurrent && current == u.newTarget:
		return NoChange
	case !haveCurrent:
		return New
	}
	if u.ancestorOf != nil {
		if isAncestor, err := u.ancestorOf(current, u.newTarget); err == nil && isAncestor {
			return FastForward
		}
	}
	if u.force {
		return Forced
	}
	return Rejected
}

// Delete removes name: its loose file (if any) and its packed-refs
// entry (rewriting the file under its own lock, if name was packed).
func (db *DB) Delete(name string) error {
	if err := db.removeLoose(name); err != nil {
		return err
	}
	if err := db.removePacked(name); err != nil {
		return err
	}
	db.bumpModificationCounter()
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
