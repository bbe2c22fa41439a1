package raft

import (
	"context"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/protocol"
)

// candidateRole runs one election per timeout: it increments the
// term, votes for itself, and solicits votes from the active peers.
type candidateRole struct {
	ctx           *Context
	electionTimer *Timer
	electionTerm  uint64
	votes         int
}

func (r *candidateRole) open() {
	r.startElection()
}

func (r *candidateRole) close() {
	r.electionTimer.Cancel()
}

func (r *candidateRole) startElection() {
	c := r.ctx
	c.term++
	c.votedFor = c.cluster.LocalID()
	c.leader = 0
	if err := c.meta.Save(c.term, c.votedFor); err != nil {
		c.fatal(err)
		return
	}
	r.electionTerm = c.term
	r.votes = 1 // self

	c.logger.Info("Starting election", zap.Uint64("term", c.term))

	if r.votes >= c.cluster.Quorum() {
		c.transition(RoleLeader)
		return
	}

	req := &protocol.VoteRequest{
		Term:         c.term,
		Candidate:    c.cluster.LocalID(),
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.lastLogTerm(),
	}
	for _, p := range c.cluster.ActivePeers() {
		peer := p
		go func() {
			resp, err := c.trans.Send(context.Background(), peer.Address, req)
			if err != nil {
				return
			}
			vr, ok := resp.(*protocol.VoteResponse)
			if !ok {
				return
			}
			c.executor.Execute(func() { r.onVoteResponse(vr) })
		}()
	}

	r.electionTimer.Cancel()
	r.electionTimer = c.executor.Schedule(c.electionTimeout(), func() {
		// Split vote; run a fresh election in a higher term.
		if !c.closed && c.role == role(r) {
			r.startElection()
		}
	})
}

func (r *candidateRole) onVoteResponse(resp *protocol.VoteResponse) {
	c := r.ctx
	if c.closed || c.role != role(r) {
		return
	}
	if resp.Term > c.term {
		if err := c.setTerm(resp.Term); err != nil {
			c.fatal(err)
			return
		}
		c.transition(RoleFollower)
		return
	}
	if !resp.Granted || resp.Term != r.electionTerm || c.term != r.electionTerm {
		return
	}
	r.votes++
	if r.votes >= c.cluster.Quorum() {
		c.transition(RoleLeader)
	}
}

func (r *candidateRole) append(req *protocol.AppendRequest) *protocol.AppendResponse {
	c := r.ctx
	if req.Term >= c.term {
		// A live leader exists; step down and process as follower.
		c.transition(RoleFollower)
		return c.role.append(req)
	}
	return &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term, LogIndex: c.log.LastIndex()}
}

func (r *candidateRole) vote(req *protocol.VoteRequest) *protocol.VoteResponse {
	c := r.ctx
	if req.Term > c.term {
		if err := c.setTerm(req.Term); err != nil {
			c.fatal(err)
			return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
		}
		c.transition(RoleFollower)
		return c.role.vote(req)
	}
	// Same or lower term: this candidate already voted for itself.
	return &protocol.VoteResponse{Status: protocol.StatusOK, Term: c.term}
}

func (r *candidateRole) poll(req *protocol.PollRequest) *protocol.PollResponse {
	return r.ctx.handlePoll(req)
}

func (r *candidateRole) sync(req *protocol.SyncRequest) *protocol.SyncResponse {
	return r.ctx.handleSync(req)
}

func (r *candidateRole) submit(req *protocol.SubmitRequest, respond func(*protocol.SubmitResponse)) {
	c := r.ctx
	op := req.Operation
	if op.Query && op.Consistency == protocol.Serializable {
		c.localQuery(op, respond)
		return
	}
	c.redirect(respond)
}

func (r *candidateRole) status(*protocol.StatusRequest) *protocol.StatusResponse {
	return r.ctx.statusOf()
}
