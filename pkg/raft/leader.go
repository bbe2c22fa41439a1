package raft

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
)

// pendingSubmit is a submit future awaiting commit-and-apply.
type pendingSubmit struct {
	respond func(*protocol.SubmitResponse)
}

// verifyRound tracks one strict-linearizability heartbeat exchange.
type verifyRound struct {
	acked  map[uint32]bool
	quorum int
	done   bool
	cb     func(ok bool)
}

// leaderRole drives replication. On entry it appends a no-op entry at
// the new term so prior-term entries commit by quorum.
type leaderRole struct {
	ctx            *Context
	heartbeatTimer *Timer
	replicators    map[uint32]*replicator
	futures        map[uint64][]*pendingSubmit
	verifies       []*verifyRound
	stepping       bool
}

func (r *leaderRole) open() {
	c := r.ctx
	c.leader = c.cluster.LocalID()
	r.futures = make(map[uint64][]*pendingSubmit)
	r.replicators = make(map[uint32]*replicator)

	nextIndex := c.log.LastIndex() + 1
	if _, err := c.log.Append(&log.Entry{
		Term:      c.term,
		Kind:      log.KindNoop,
		Timestamp: uint64(time.Now().UnixNano()),
	}); err != nil {
		c.fatal(err)
		return
	}

	for _, p := range c.cluster.ActivePeers() {
		r.replicators[p.ID] = &replicator{
			ctx:       c,
			leader:    r,
			peerID:    p.ID,
			address:   p.Address,
			nextIndex: nextIndex,
		}
	}

	c.onApply = r.onApplyEntry
	c.logger.Info("Elected leader", zap.Uint64("term", c.term))
	r.broadcast()
	r.updateCommitIndex()
	r.startHeartbeatTimer()
}

func (r *leaderRole) close() {
	r.heartbeatTimer.Cancel()
	r.ctx.onApply = nil
	r.failPending()
}

// failPending answers every in-flight submit with NO_LEADER; the
// client refreshes its leader hint and retries.
func (r *leaderRole) failPending() {
	for index, waiting := range r.futures {
		for _, f := range waiting {
			f.respond(&protocol.SubmitResponse{
				Status: protocol.StatusError,
				Error:  protocol.ErrorNoLeader,
				Leader: r.ctx.leader,
			})
		}
		delete(r.futures, index)
	}
	for _, v := range r.verifies {
		if !v.done {
			v.done = true
			v.cb(false)
		}
	}
	r.verifies = nil
}

func (r *leaderRole) startHeartbeatTimer() {
	c := r.ctx
	r.heartbeatTimer = c.executor.Schedule(c.opts.HeartbeatInterval, func() {
		if c.closed || c.role != role(r) {
			return
		}
		r.broadcast()
		r.startHeartbeatTimer()
	})
}

// broadcast drives every peer: idle drivers send immediately, backed
// off drivers retry on this tick.
func (r *leaderRole) broadcast() {
	for _, p := range r.replicators {
		p.send(true)
	}
}

// stepDown abandons leadership after observing a higher term.
func (r *leaderRole) stepDown(term uint64) {
	c := r.ctx
	if r.stepping {
		return
	}
	r.stepping = true
	if err := c.setTerm(term); err != nil {
		c.fatal(err)
		return
	}
	c.logger.Info("Stepping down", zap.Uint64("term", term))
	c.transition(RoleFollower)
}

// updateCommitIndex advances the commit index to the highest N
// replicated on a quorum with entry[N].term == currentTerm, then
// applies and completes waiting submits in index order.
func (r *leaderRole) updateCommitIndex() {
	c := r.ctx
	matches := make([]uint64, 0, len(r.replicators)+1)
	matches = append(matches, c.log.LastIndex())
	for _, p := range r.replicators {
		matches = append(matches, p.matchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := c.cluster.Quorum()
	if quorum > len(matches) {
		return
	}
	n := matches[quorum-1]
	if n <= c.log.CommitIndex() {
		return
	}
	term, err := c.log.Term(n)
	if err != nil || term != c.term {
		// Prior-term entries commit only via the no-op at this term.
		return
	}
	if err := c.log.Commit(n); err != nil {
		c.fatal(err)
		return
	}
	c.applyCommitted()
}

// onApplyEntry completes submit futures as entries apply.
func (r *leaderRole) onApplyEntry(index uint64, result []byte, applyErr error) {
	waiting, ok := r.futures[index]
	if !ok {
		return
	}
	delete(r.futures, index)
	for _, f := range waiting {
		if applyErr != nil {
			r.ctx.logger.Warn("Command application failed",
				zap.Uint64("index", index), zap.Error(applyErr))
			f.respond(&protocol.SubmitResponse{
				Status: protocol.StatusError,
				Error:  protocol.ErrorApplication,
				Leader: r.ctx.leader,
			})
			continue
		}
		f.respond(&protocol.SubmitResponse{
			Status: protocol.StatusOK,
			Result: result,
			Leader: r.ctx.leader,
		})
	}
}

// leaseValid reports whether a quorum acknowledged this leader within
// one election timeout, so no new election can have started.
func (r *leaderRole) leaseValid() bool {
	c := r.ctx
	contacts := make([]time.Time, 0, len(r.replicators)+1)
	contacts = append(contacts, time.Now())
	for _, p := range r.replicators {
		contacts = append(contacts, p.lastContact)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].After(contacts[j]) })
	quorum := c.cluster.Quorum()
	if quorum > len(contacts) {
		return false
	}
	return time.Since(contacts[quorum-1]) < c.opts.ElectionTimeout
}

// verifyLeadership exchanges a round of heartbeats with a quorum
// before serving a strict linearizable read.
func (r *leaderRole) verifyLeadership(cb func(ok bool)) {
	c := r.ctx
	quorum := c.cluster.Quorum()
	if quorum <= 1 {
		cb(true)
		return
	}
	v := &verifyRound{acked: make(map[uint32]bool), quorum: quorum, cb: cb}
	r.verifies = append(r.verifies, v)
	c.executor.Schedule(c.opts.ElectionTimeout, func() {
		if !v.done {
			v.done = true
			v.cb(false)
		}
	})
	r.broadcast()
}

// onPeerAck feeds successful append responses into the open verify
// rounds. Lease tracking uses the replicator's lastContact instead.
func (r *leaderRole) onPeerAck(peerID uint32) {
	kept := r.verifies[:0]
	for _, v := range r.verifies {
		if v.done {
			continue
		}
		v.acked[peerID] = true
		if len(v.acked)+1 >= v.quorum {
			v.done = true
			v.cb(true)
			continue
		}
		kept = append(kept, v)
	}
	r.verifies = kept
}

func (r *leaderRole) append(req *protocol.AppendRequest) *protocol.AppendResponse {
	c := r.ctx
	if req.Term > c.term {
		r.stepDown(req.Term)
		return c.role.append(req)
	}
	return &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term, LogIndex: c.log.LastIndex()}
}

func (r *leaderRole) vote(req *protocol.VoteRequest) *protocol.VoteResponse {
	c := r.ctx
	if req.Term > c.term {
		r.stepDown(req.Term)
		return c.role.vote(req)
	}
	return &protocol.VoteResponse{Status: protocol.StatusOK, Term: c.term}
}

func (r *leaderRole) poll(req *protocol.PollRequest) *protocol.PollResponse {
	return r.ctx.handlePoll(req)
}

func (r *leaderRole) sync(req *protocol.SyncRequest) *protocol.SyncResponse {
	return r.ctx.handleSync(req)
}

func (r *leaderRole) submit(req *protocol.SubmitRequest, respond func(*protocol.SubmitResponse)) {
	c := r.ctx
	op := req.Operation
	if op.Query {
		r.submitQuery(op, respond)
		return
	}

	index, err := c.log.Append(&log.Entry{
		Term:      c.term,
		Kind:      log.KindCommand,
		Key:       op.Key,
		Payload:   op.Payload,
		Timestamp: uint64(time.Now().UnixNano()),
	})
	if err != nil {
		c.fatal(err)
		respond(&protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Leader: c.leader})
		return
	}
	r.futures[index] = append(r.futures[index], &pendingSubmit{respond: respond})

	for _, p := range r.replicators {
		p.send(false)
	}
	r.updateCommitIndex()
}

func (r *leaderRole) submitQuery(op protocol.Operation, respond func(*protocol.SubmitResponse)) {
	c := r.ctx
	switch op.Consistency {
	case protocol.Serializable:
		c.localQuery(op, respond)
	case protocol.LinearizableLease:
		if r.leaseValid() {
			c.localQuery(op, respond)
			return
		}
		fallthrough
	default:
		r.verifyLeadership(func(ok bool) {
			if !ok {
				respond(&protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorNoLeader, Leader: c.leader})
				return
			}
			c.localQuery(op, respond)
		})
	}
}

func (r *leaderRole) status(*protocol.StatusRequest) *protocol.StatusResponse {
	return r.ctx.statusOf()
}
