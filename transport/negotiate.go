package transport

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/internal/glog"
	"golang.org/x/sync/errgroup"
)

// reachFlag marks a candidate commit's role in the negotiation, per
// spec.md §4.L: REACHABLE (locally reachable), COMMON (proven common
// with the peer), ADVERTISED (the peer offered it in its ref
// advertisement).
type reachFlag uint8

const (
	flagReachable reachFlag = 1 << iota
	flagCommon
	// flagAdvertised would mark a ref the peer offered in its ref
	// advertisement; that advertisement is parsed by the caller before
	// Negotiate ever runs (it picks the `wants` this package receives),
	// so this package never needs to set the bit itself.
	flagAdvertised
)

// maxHavesPerFlush and maxHavesSinceAck bound the negotiation's
// round-trip cost: a flush-packet is forced every 32 have-lines, and
// the whole exchange gives up after 256 haves without an "ACK
// continue", per spec.md §4.L.
const (
	maxHavesPerFlush = 32
	maxHavesSinceAck = 256
)

// DefaultCapabilities is the capability list attached to the first
// want line, per spec.md §4.L.
var DefaultCapabilities = []string{
	"multi_ack", "thin-pack", "side-band", "side-band-64k",
	"include-tag", "ofs-delta", "no-progress",
}

// ErrCancelled is returned when Negotiate or WritePack is aborted by
// the caller's context.
var ErrCancelled = errors.New("transport: cancelled")

// ErrProtocol is returned when the peer's response stream doesn't
// follow the expected ACK/NAK grammar.
var ErrProtocol = errors.New("transport: protocol violation")

// CommitProvider resolves a commit's parents and commit time, the
// only facts the negotiation's graph walk needs. backend.Backend
// satisfies this via Object+AsCommit.
type CommitProvider interface {
	Commit(oid ginternals.Oid) (*object.Commit, error)
}

// candidate is one commit discovered while walking the local
// reachable graph.
type candidate struct {
	oid   ginternals.Oid
	ctime time.Time
	flags reachFlag
	index int // heap.Interface bookkeeping
}

// candidateQueue is a max-heap ordered by commit time: newest first,
// per spec.md §4.L's ordering guarantee.
type candidateQueue []*candidate

func (q candidateQueue) Len() int { return len(q) }

func (q candidateQueue) Less(i, j int) bool {
	return q[i].ctime.After(q[j].ctime)
}

func (q candidateQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *candidateQueue) Push(x any) {
	c := x.(*candidate) //nolint:forcetypeassert // heap.Interface contract
	c.index = len(*q)
	*q = append(*q, c)
}

func (q *candidateQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*q = old[:n-1]
	return c
}

// Negotiator runs the fetch negotiation state machine described in
// spec.md §4.L: discover a minimal cut of commits the peer already
// has, by walking the local reachable graph newest-first and
// listening for the peer's ACK/NAK stream.
type Negotiator struct {
	commits CommitProvider
	queue   candidateQueue
	seen    map[ginternals.Oid]*candidate
}

// NewNegotiator seeds the negotiation with every locally reachable tip
// (e.g. the oid every branch/tag currently resolves to).
func NewNegotiator(commits CommitProvider, tips []ginternals.Oid) (*Negotiator, error) {
	n := &Negotiator{
		commits: commits,
		seen:    make(map[ginternals.Oid]*candidate, len(tips)),
	}
	for _, tip := range tips {
		if err := n.markReachable(tip); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Negotiator) markReachable(oid ginternals.Oid) error {
	if _, ok := n.seen[oid]; ok {
		return nil
	}
	c, err := n.commits.Commit(oid)
	if err != nil {
		return fmt.Errorf("could not load commit %s: %w", oid, err)
	}
	cand := &candidate{oid: oid, ctime: c.Committer().Time, flags: flagReachable}
	n.seen[oid] = cand
	heap.Push(&n.queue, cand)
	return nil
}

// pushParents queues oid's parents as new candidates, the step that
// lets sendHaves walk backward through history instead of only ever
// offering the tips NewNegotiator was seeded with.
func (n *Negotiator) pushParents(oid ginternals.Oid) error {
	c, err := n.commits.Commit(oid)
	if err != nil {
		return fmt.Errorf("could not load commit %s: %w", oid, err)
	}
	for _, parent := range c.ParentIDs() {
		if err := n.markReachable(parent); err != nil {
			return err
		}
	}
	return nil
}

// markCommon flags oid and every ancestor reachable from it COMMON,
// carrying the flag along parent edges the way spec.md §4.L describes
// for an "ACK continue".
func (n *Negotiator) markCommon(oid ginternals.Oid) error {
	stack := []ginternals.Oid{oid}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cand, ok := n.seen[cur]
		if !ok {
			if err := n.markReachable(cur); err != nil {
				return err
			}
			cand = n.seen[cur]
		}
		if cand.flags&flagCommon != 0 {
			continue
		}
		cand.flags |= flagCommon

		commit, err := n.commits.Commit(cur)
		if err != nil {
			return fmt.Errorf("could not load commit %s: %w", cur, err)
		}
		stack = append(stack, commit.ParentIDs()...)
	}
	return nil
}

// Negotiate drives the want/have exchange against a peer reachable
// through r (the peer's ACK/NAK response stream) and w (our want/have
// lines), per spec.md §4.L. It returns the oids flagged COMMON by the
// end of the exchange: the haves the serving side's pack writer (§4.N)
// should stop its graph walk at.
func (n *Negotiator) Negotiate(ctx context.Context, r io.Reader, w io.Writer, wants []ginternals.Oid) ([]ginternals.Oid, error) {
	if err := n.sendWants(w, wants); err != nil {
		return nil, err
	}

	acks := make(chan ackMsg)
	stop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.readAcks(gctx, r, acks, stop) })
	g.Go(func() error {
		defer close(stop)
		return n.sendHaves(gctx, w, acks)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, err
	}

	var common []ginternals.Oid
	for _, c := range n.seen {
		if c.flags&flagCommon != 0 {
			common = append(common, c.oid)
		}
	}
	glog.WithContext(ctx).WithFields(map[string]any{
		"wants":  len(wants),
		"common": len(common),
	}).Debug("negotiation finished")
	return common, nil
}

// sendWants writes the advertised capability list on the first
// outstanding want (one the local side doesn't already have), a plain
// want line for the rest, and the terminating flush-packet.
func (n *Negotiator) sendWants(w io.Writer, wants []ginternals.Oid) error {
	pending := make([]ginternals.Oid, 0, len(wants))
	for _, want := range wants {
		if cand, ok := n.seen[want]; ok && cand.flags&flagReachable != 0 {
			continue
		}
		pending = append(pending, want)
	}
	for i, want := range pending {
		line := "want " + want.String()
		if i == 0 {
			line += " " + strings.Join(DefaultCapabilities, " ")
		}
		if err := WritePacket(w, []byte(line+"\n")); err != nil {
			return fmt.Errorf("could not send want: %w", err)
		}
	}
	return WriteFlush(w)
}

// sendHaves pops candidates off the priority queue newest-first,
// sending a have-line for each (flushing every maxHavesPerFlush
// lines), opportunistically folding in whatever ACK/NAK responses
// have already arrived on acks, until the peer signals it's satisfied,
// the queue runs dry, or maxHavesSinceAck is crossed without progress;
// it then sends `done` and blocks draining acks until the peer's final
// decisive ACK, so a continue that arrives after the have-queue
// happens to drain (a race the non-blocking checks in the main loop
// can't rule out on their own) is never silently dropped.
func (n *Negotiator) sendHaves(ctx context.Context, w io.Writer, acks <-chan ackMsg) error {
	sinceFlush, sinceAck := 0, 0
	for n.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack, ok := <-acks:
			if !ok {
				return n.sendDone(w)
			}
			done, err := n.handleAck(ack)
			if err != nil {
				return err
			}
			if done {
				return n.sendDone(w)
			}
			if ack.kind == ackContinue {
				sinceAck = 0
			}
		default:
		}

		if sinceAck >= maxHavesSinceAck {
			break
		}

		cand := heap.Pop(&n.queue).(*candidate) //nolint:forcetypeassert // heap.Interface contract
		if err := n.pushParents(cand.oid); err != nil {
			return err
		}
		if cand.flags&flagCommon != 0 {
			continue
		}
		if err := WritePacket(w, []byte("have "+cand.oid.String()+"\n")); err != nil {
			return fmt.Errorf("could not send have: %w", err)
		}
		sinceFlush++
		sinceAck++
		if sinceFlush == maxHavesPerFlush {
			if err := WriteFlush(w); err != nil {
				return err
			}
			sinceFlush = 0
		}
	}
	if err := n.sendDone(w); err != nil {
		return err
	}
	return n.drainFinalAck(ctx, acks)
}

func (n *Negotiator) sendDone(w io.Writer) error {
	return WritePacket(w, []byte("done\n"))
}

// drainFinalAck blocks on acks until the peer's decisive response (a
// plain ACK) or the channel closing (readAcks hit EOF), applying any
// trailing continue along the way.
func (n *Negotiator) drainFinalAck(ctx context.Context, acks <-chan ackMsg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack, ok := <-acks:
			if !ok {
				return nil
			}
			done, err := n.handleAck(ack)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleAck applies ack to the negotiation state, reporting whether it
// was the peer's decisive signal to stop negotiating.
func (n *Negotiator) handleAck(ack ackMsg) (done bool, err error) {
	switch ack.kind {
	case ackPlain:
		return true, nil
	case ackContinue:
		if err := n.markCommon(ack.oid); err != nil {
			return false, err
		}
	case ackNAK:
		// keep probing
	}
	return false, nil
}

// ackKind distinguishes the three response lines the peer's ACK/NAK
// stream can send, per spec.md §4.L.
type ackKind int

const (
	ackNAK ackKind = iota
	ackPlain
	ackContinue
)

type ackMsg struct {
	kind ackKind
	oid  ginternals.Oid
}

// readAcks streams parsed ACK/NAK lines from r onto out until the
// peer sends a plain ACK (negotiation over), r is exhausted, stop is
// closed by sendHaves finishing first, or ctx is cancelled.
func (n *Negotiator) readAcks(ctx context.Context, r io.Reader, out chan<- ackMsg, stop <-chan struct{}) error {
	defer close(out)
	pr := NewPacketReader(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		payload, isFlush, err := pr.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read ack: %w", err)
		}
		if isFlush {
			continue
		}
		msg, err := parseAck(payload)
		if err != nil {
			return err
		}

		select {
		case out <- msg:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if msg.kind == ackPlain {
			return nil
		}
	}
}

func parseAck(line []byte) (ackMsg, error) {
	s := strings.TrimSpace(string(line))
	switch {
	case s == "NAK":
		return ackMsg{kind: ackNAK}, nil
	case strings.HasPrefix(s, "ACK "):
		fields := strings.Fields(s)
		if len(fields) < 2 {
			return ackMsg{}, fmt.Errorf("malformed ACK line %q: %w", s, ErrProtocol)
		}
		oid, err := ginternals.NewOidFromStr(fields[1])
		if err != nil {
			return ackMsg{}, fmt.Errorf("malformed ACK oid %q: %w", fields[1], err)
		}
		if len(fields) >= 3 && fields[2] == "continue" {
			return ackMsg{kind: ackContinue, oid: oid}, nil
		}
		return ackMsg{kind: ackPlain, oid: oid}, nil
	default:
		return ackMsg{}, fmt.Errorf("unexpected negotiation line %q: %w", s, ErrProtocol)
	}
}
