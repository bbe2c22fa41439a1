package raft

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/protocol"
)

// followerRole answers the leader's appends and votes in elections.
// On election timeout it pre-votes via Poll and, with majority
// acceptance, becomes a candidate.
type followerRole struct {
	ctx           *Context
	electionTimer *Timer
}

func (r *followerRole) open() {
	r.resetElectionTimer()
}

func (r *followerRole) close() {
	r.electionTimer.Cancel()
}

func (r *followerRole) resetElectionTimer() {
	r.electionTimer.Cancel()
	c := r.ctx
	r.electionTimer = c.executor.Schedule(c.electionTimeout(), r.onElectionTimeout)
}

// onElectionTimeout probes the cluster with a pre-vote round. The
// probe never mutates any node's state, so a partitioned follower
// cannot inflate terms while it cannot win.
func (r *followerRole) onElectionTimeout() {
	c := r.ctx
	if c.closed || c.role != role(r) {
		return
	}
	c.leader = 0
	peers := c.cluster.ActivePeers()
	if len(peers) == 0 {
		// Single-node cluster: no one to poll.
		c.transition(RoleCandidate)
		return
	}

	req := &protocol.PollRequest{
		Term:         c.term + 1,
		Candidate:    c.cluster.LocalID(),
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.lastLogTerm(),
	}
	quorum := c.cluster.Quorum()
	var accepts atomic.Int32
	accepts.Store(1) // self
	var done atomic.Bool

	c.logger.Debug("Polling members before election", zap.Uint64("term", c.term))
	for _, p := range peers {
		peer := p
		go func() {
			resp, err := c.trans.Send(context.Background(), peer.Address, req)
			if err != nil {
				return
			}
			pr, ok := resp.(*protocol.PollResponse)
			if !ok {
				return
			}
			if pr.Term > req.Term {
				c.executor.Execute(func() {
					if !c.closed {
						if err := c.setTerm(pr.Term); err != nil {
							c.fatal(err)
						}
					}
				})
				return
			}
			if !pr.Accepted {
				return
			}
			if int(accepts.Add(1)) >= quorum && done.CompareAndSwap(false, true) {
				c.executor.Execute(func() {
					if !c.closed && c.role == role(r) {
						c.transition(RoleCandidate)
					}
				})
			}
		}()
	}

	// Regardless of the poll outcome, keep the timer running; a lost
	// poll retries after another timeout.
	r.resetElectionTimer()
}

func (r *followerRole) append(req *protocol.AppendRequest) *protocol.AppendResponse {
	resp := r.ctx.handleAppend(req)
	if resp.Succeeded || req.Term >= r.ctx.term {
		r.resetElectionTimer()
	}
	return resp
}

func (r *followerRole) vote(req *protocol.VoteRequest) *protocol.VoteResponse {
	c := r.ctx
	if err := c.setTerm(req.Term); err != nil {
		c.fatal(err)
		return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
	}
	resp := c.handleVote(req)
	if resp.Granted {
		r.resetElectionTimer()
	}
	return resp
}

func (r *followerRole) poll(req *protocol.PollRequest) *protocol.PollResponse {
	return r.ctx.handlePoll(req)
}

func (r *followerRole) sync(req *protocol.SyncRequest) *protocol.SyncResponse {
	return r.ctx.handleSync(req)
}

func (r *followerRole) submit(req *protocol.SubmitRequest, respond func(*protocol.SubmitResponse)) {
	c := r.ctx
	op := req.Operation
	if op.Query && op.Consistency == protocol.Serializable {
		c.localQuery(op, respond)
		return
	}
	c.redirect(respond)
}

func (r *followerRole) status(*protocol.StatusRequest) *protocol.StatusResponse {
	return r.ctx.statusOf()
}
