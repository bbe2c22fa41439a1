package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/metastore"
	"github.com/copycat-io/copycat/pkg/protocol"
	"github.com/copycat-io/copycat/pkg/transport"
)

var (
	// ErrNoLeader is surfaced to a submit caller whose in-flight
	// command lost its leader.
	ErrNoLeader = errors.New("raft: no leader")
	// ErrClosed is returned after the context is torn down.
	ErrClosed = errors.New("raft: context closed")
)

// StateMachine receives committed commands and serves reads. Apply
// errors are reported to the submitting client as APPLICATION_ERROR
// and do not stop the log.
type StateMachine interface {
	Apply(entry *log.Entry) ([]byte, error)
	Query(key, payload []byte) ([]byte, error)
}

// Options configures a Raft context.
type Options struct {
	ID                   uint32
	Address              string
	DataDir              string
	Name                 string
	Members              []protocol.Member
	MemberType           protocol.MemberType
	ElectionTimeout      time.Duration
	HeartbeatInterval    time.Duration
	MaxEntrySize         uint32
	MaxSegmentSize       uint32
	MaxEntriesPerSegment int
	Transport            transport.Transport
	StateMachine         StateMachine
	Logger               *zap.Logger
	Seed                 int64
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.ElectionTimeout == 0 {
		out.ElectionTimeout = 500 * time.Millisecond
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = out.ElectionTimeout / 4
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Seed == 0 {
		out.Seed = time.Now().UnixNano()
	}
	return &out
}

// Context is the per-node Raft state object. All mutation runs on its
// executor thread.
type Context struct {
	opts     *Options
	logger   *zap.Logger
	executor *Executor
	log      *log.Log
	meta     *metastore.Store
	trans    transport.Transport
	cluster  *Cluster
	sm       StateMachine
	rand     *rand.Rand

	term        uint64
	votedFor    uint32
	leader      uint32
	lastApplied uint64

	role      role
	roleType  RoleType
	syncTimer *Timer
	// syncing tracks members with a gossip exchange in flight so two
	// rounds never interleave on the same peer.
	syncing map[uint32]bool
	closed  bool

	// onApply lets the leader complete submit futures in apply order.
	onApply func(index uint64, result []byte, applyErr error)
}

// New creates a closed context; Open starts it.
func New(opts *Options) (*Context, error) {
	o := opts.withDefaults()
	if o.Transport == nil {
		return nil, fmt.Errorf("raft: transport is required")
	}
	if o.StateMachine == nil {
		return nil, fmt.Errorf("raft: state machine is required")
	}
	rng := rand.New(rand.NewSource(o.Seed))
	c := &Context{
		opts:    o,
		logger:  o.Logger.With(zap.Uint32("member", o.ID)),
		sm:      o.StateMachine,
		rand:    rng,
		syncing: make(map[uint32]bool),
	}
	c.cluster = NewCluster(o.ID, c.seedMembers(), rng)
	return c, nil
}

func (c *Context) seedMembers() []protocol.Member {
	members := make([]protocol.Member, 0, len(c.opts.Members)+1)
	found := false
	for _, m := range c.opts.Members {
		if m.ID == c.opts.ID {
			found = true
			m.Type = c.opts.MemberType
			m.Address = c.opts.Address
		}
		members = append(members, m)
	}
	if !found {
		members = append(members, protocol.Member{
			ID:      c.opts.ID,
			Type:    c.opts.MemberType,
			Address: c.opts.Address,
		})
	}
	return members
}

// Open loads durable state, binds the transport, and enters the
// Follower (or Passive) role.
func (c *Context) Open() error {
	l, err := log.Open(&log.Options{
		Dir:                  c.opts.DataDir,
		Name:                 c.opts.Name,
		MaxEntrySize:         c.opts.MaxEntrySize,
		MaxSegmentSize:       c.opts.MaxSegmentSize,
		MaxEntriesPerSegment: c.opts.MaxEntriesPerSegment,
		Logger:               c.logger,
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	meta, err := metastore.Open(c.opts.DataDir)
	if err != nil {
		l.Close()
		return fmt.Errorf("open metastore: %w", err)
	}
	term, vote, err := meta.Load()
	if err != nil {
		meta.Close()
		l.Close()
		return err
	}

	c.log = l
	c.meta = meta
	c.term = term
	c.votedFor = vote
	c.executor = NewExecutor()

	if err := c.opts.Transport.Listen(c.opts.Address, c.handle); err != nil {
		c.executor.Close()
		meta.Close()
		l.Close()
		return err
	}
	c.trans = c.opts.Transport

	return c.executor.Invoke(func() {
		c.role = &startRole{ctx: c}
		c.roleType = RoleStart
		if c.opts.MemberType == protocol.MemberPassive {
			c.transition(RolePassive)
		} else {
			c.transition(RoleFollower)
		}
		c.startSyncTimer()
	})
}

// Close tears the context down: role timers, transport, log, meta.
func (c *Context) Close() error {
	err := c.executor.Invoke(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.syncTimer.Cancel()
		if c.role != nil {
			c.role.close()
			c.role = nil
		}
	})
	if err != nil {
		return err
	}
	c.trans.Close()
	c.executor.Close()
	c.meta.Close()
	return c.log.Close()
}

// fatal tears the context down after unrecoverable storage damage.
func (c *Context) fatal(cause error) {
	c.logger.Error("Fatal storage error, closing context", zap.Error(cause))
	go c.Close()
}

// handle dispatches an inbound frame onto the executor thread.
func (c *Context) handle(_ context.Context, msg protocol.Message) protocol.Message {
	respCh := make(chan protocol.Message, 1)
	c.executor.Execute(func() {
		if c.closed || c.role == nil {
			respCh <- illegalStateFor(msg)
			return
		}
		switch m := msg.(type) {
		case *protocol.AppendRequest:
			respCh <- c.role.append(m)
		case *protocol.VoteRequest:
			respCh <- c.role.vote(m)
		case *protocol.PollRequest:
			respCh <- c.role.poll(m)
		case *protocol.SyncRequest:
			respCh <- c.role.sync(m)
		case *protocol.SubmitRequest:
			c.role.submit(m, func(r *protocol.SubmitResponse) { respCh <- r })
		case *protocol.StatusRequest:
			respCh <- c.role.status(m)
		default:
			respCh <- illegalStateFor(msg)
		}
	})
	select {
	case resp := <-respCh:
		return resp
	case <-c.executor.done:
		return illegalStateFor(msg)
	}
}

// Submit runs a client operation through the local role.
func (c *Context) Submit(ctx context.Context, op protocol.Operation) (*protocol.SubmitResponse, error) {
	respCh := make(chan *protocol.SubmitResponse, 1)
	c.executor.Execute(func() {
		if c.closed || c.role == nil {
			respCh <- &protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
			return
		}
		c.role.submit(&protocol.SubmitRequest{Operation: op}, func(r *protocol.SubmitResponse) {
			respCh <- r
		})
	})
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.executor.done:
		return nil, ErrClosed
	}
}

// Term returns the current term.
func (c *Context) Term() uint64 {
	var t uint64
	c.executor.Invoke(func() { t = c.term })
	return t
}

// Leader returns the known leader id, zero when unknown.
func (c *Context) Leader() uint32 {
	var l uint32
	c.executor.Invoke(func() { l = c.leader })
	return l
}

// Role returns the current role type.
func (c *Context) Role() RoleType {
	var r RoleType
	c.executor.Invoke(func() { r = c.roleType })
	return r
}

// CommitIndex returns the highest committed index.
func (c *Context) CommitIndex() uint64 {
	var i uint64
	c.executor.Invoke(func() { i = c.log.CommitIndex() })
	return i
}

// LastApplied returns the highest applied index.
func (c *Context) LastApplied() uint64 {
	var i uint64
	c.executor.Invoke(func() { i = c.lastApplied })
	return i
}

// LastIndex returns the log's last index.
func (c *Context) LastIndex() uint64 {
	var i uint64
	c.executor.Invoke(func() { i = c.log.LastIndex() })
	return i
}

// Cluster exposes the membership view.
func (c *Context) Cluster() *Cluster { return c.cluster }

// Log exposes the log for inspection; mutation is the context's.
func (c *Context) Log() *log.Log { return c.log }

// setTerm adopts a higher term, clearing the vote and leader, and
// persists before any response leaves the node.
func (c *Context) setTerm(term uint64) error {
	c.executor.CheckThread()
	if term <= c.term {
		return nil
	}
	c.term = term
	c.votedFor = 0
	c.leader = 0
	if err := c.meta.Save(c.term, c.votedFor); err != nil {
		return fmt.Errorf("persist term: %w", err)
	}
	return nil
}

// castVote persists the vote for the current term before responding.
func (c *Context) castVote(candidate uint32) error {
	c.executor.CheckThread()
	c.votedFor = candidate
	if err := c.meta.Save(c.term, c.votedFor); err != nil {
		return fmt.Errorf("persist vote: %w", err)
	}
	return nil
}

// lastLogTerm returns the term of the last stored entry, scanning past
// tail gaps.
func (c *Context) lastLogTerm() uint64 {
	for i := c.log.LastIndex(); i >= c.log.FirstIndex(); i-- {
		t, err := c.log.Term(i)
		if err == nil {
			return t
		}
		if !errors.Is(err, log.ErrNotFound) {
			return 0
		}
	}
	return 0
}

// isLogUpToDate implements the vote predicate's log comparison: the
// candidate wins on higher last term, or equal term and at least equal
// length. This is what gives leader completeness.
func (c *Context) isLogUpToDate(lastIndex, lastTerm uint64) bool {
	localTerm := c.lastLogTerm()
	if lastTerm != localTerm {
		return lastTerm > localTerm
	}
	return lastIndex >= c.log.LastIndex()
}

// applyCommitted pushes newly committed entries through the state
// machine in strict index order.
func (c *Context) applyCommitted() {
	c.executor.CheckThread()
	commit := c.log.CommitIndex()
	for c.lastApplied < commit {
		next := c.lastApplied + 1
		e, err := c.log.Get(next)
		if errors.Is(err, log.ErrNotFound) {
			// Skipped or compacted-away index.
			c.lastApplied = next
			continue
		}
		if err != nil {
			c.fatal(err)
			return
		}
		var result []byte
		var applyErr error
		if e.Kind == log.KindCommand {
			result, applyErr = c.sm.Apply(e)
		}
		c.lastApplied = next
		if c.onApply != nil {
			c.onApply(next, result, applyErr)
		}
	}
	c.cluster.SetLocalCommitIndex(commit)
}

// electionTimeout returns a randomized timeout in [T, 2T).
func (c *Context) electionTimeout() time.Duration {
	t := c.opts.ElectionTimeout
	return t + time.Duration(c.rand.Int63n(int64(t)))
}

func illegalStateFor(msg protocol.Message) protocol.Message {
	switch msg.(type) {
	case *protocol.AppendRequest:
		return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	case *protocol.VoteRequest:
		return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	case *protocol.PollRequest:
		return &protocol.PollResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	case *protocol.SyncRequest:
		return &protocol.SyncResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	case *protocol.SubmitRequest:
		return &protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	default:
		return &protocol.StatusResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
	}
}
