package raft

import (
	"errors"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
)

// RoleType enumerates the replaceable role states.
type RoleType uint8

const (
	RoleStart RoleType = iota
	RoleFollower
	RoleCandidate
	RoleLeader
	RolePassive
)

func (r RoleType) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RolePassive:
		return "passive"
	}
	return "start"
}

// role is the per-state handler set for the six wire RPCs. All
// methods run on the context thread.
type role interface {
	open()
	close()
	append(*protocol.AppendRequest) *protocol.AppendResponse
	vote(*protocol.VoteRequest) *protocol.VoteResponse
	poll(*protocol.PollRequest) *protocol.PollResponse
	sync(*protocol.SyncRequest) *protocol.SyncResponse
	submit(*protocol.SubmitRequest, func(*protocol.SubmitResponse))
	status(*protocol.StatusRequest) *protocol.StatusResponse
}

// transition swaps the role slot. The outgoing role cancels its
// timers in close; the incoming role arms its own in open.
func (c *Context) transition(rt RoleType) {
	c.executor.CheckThread()
	if c.role != nil {
		c.role.close()
	}
	c.roleType = rt
	switch rt {
	case RoleFollower:
		c.role = &followerRole{ctx: c}
	case RoleCandidate:
		c.role = &candidateRole{ctx: c}
	case RoleLeader:
		c.role = &leaderRole{ctx: c}
	case RolePassive:
		c.role = &passiveRole{ctx: c}
	default:
		c.role = &startRole{ctx: c}
	}
	c.logger.Info("Transitioned role",
		zap.String("role", rt.String()),
		zap.Uint64("term", c.term))
	c.role.open()
}

// statusOf answers the Status RPC for every role except start, which
// rejects it.
func (c *Context) statusOf() *protocol.StatusResponse {
	return &protocol.StatusResponse{
		Status: protocol.StatusOK,
		Term:   c.term,
		Leader: c.leader,
	}
}

// handlePoll answers a pre-vote probe. It applies the vote predicate
// but never mutates state.
func (c *Context) handlePoll(req *protocol.PollRequest) *protocol.PollResponse {
	accepted := req.Term >= c.term && c.isLogUpToDate(req.LastLogIndex, req.LastLogTerm)
	return &protocol.PollResponse{
		Status:   protocol.StatusOK,
		Term:     c.term,
		Accepted: accepted,
	}
}

// handleVote applies the vote predicate, persisting the vote before
// the response leaves. The caller has already reconciled terms.
func (c *Context) handleVote(req *protocol.VoteRequest) *protocol.VoteResponse {
	reject := &protocol.VoteResponse{Status: protocol.StatusOK, Term: c.term}
	if req.Term < c.term {
		return reject
	}
	if c.votedFor != 0 && c.votedFor != req.Candidate {
		return reject
	}
	if !c.isLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		return reject
	}
	if err := c.castVote(req.Candidate); err != nil {
		c.fatal(err)
		return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
	}
	c.logger.Debug("Granted vote",
		zap.Uint32("candidate", req.Candidate),
		zap.Uint64("term", c.term))
	return &protocol.VoteResponse{Status: protocol.StatusOK, Term: c.term, Granted: true}
}

// localQuery serves a serializable read from local apply state.
func (c *Context) localQuery(op protocol.Operation, respond func(*protocol.SubmitResponse)) {
	result, err := c.sm.Query(op.Key, op.Payload)
	if err != nil {
		respond(&protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorApplication, Leader: c.leader})
		return
	}
	respond(&protocol.SubmitResponse{Status: protocol.StatusOK, Result: result, Leader: c.leader})
}

// redirect answers a submit this role cannot serve with the current
// leader hint.
func (c *Context) redirect(respond func(*protocol.SubmitResponse)) {
	code := protocol.ErrorNoLeader
	if c.leader != 0 {
		code = protocol.ErrorIllegalMemberState
	}
	respond(&protocol.SubmitResponse{Status: protocol.StatusError, Error: code, Leader: c.leader})
}

// handleAppend is the follower-side append contract, shared by every
// role that steps down into it.
func (c *Context) handleAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	c.executor.CheckThread()
	if req.Term < c.term {
		return &protocol.AppendResponse{
			Status:   protocol.StatusOK,
			Term:     c.term,
			LogIndex: c.log.LastIndex(),
		}
	}
	if err := c.setTerm(req.Term); err != nil {
		c.fatal(err)
		return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
	}
	c.leader = req.Leader

	// Consistency check: the follower must hold the leader's previous
	// entry at the same term.
	lastIndex := c.log.LastIndex()
	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > lastIndex {
			return &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term, LogIndex: lastIndex}
		}
		prevTerm, err := c.log.Term(req.PrevLogIndex)
		if errors.Is(err, log.ErrNotFound) {
			return &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term, LogIndex: lastIndex}
		}
		if err != nil {
			c.fatal(err)
			return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorRead, Term: c.term}
		}
		if prevTerm != req.PrevLogTerm {
			return &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term, LogIndex: lastIndex}
		}
	}

	for _, e := range req.Entries {
		if c.log.ContainsIndex(e.Index) {
			existing, err := c.log.Term(e.Index)
			if err == nil && existing == e.Term {
				continue
			}
			// First conflict: drop the divergent suffix.
			if err := c.log.Truncate(e.Index - 1); err != nil {
				c.fatal(err)
				return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
			}
		}
		if _, err := c.log.Append(e); err != nil {
			c.fatal(err)
			return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
		}
	}

	commit := req.CommitIndex
	if last := c.log.LastIndex(); commit > last {
		commit = last
	}
	if commit > c.log.CommitIndex() {
		if err := c.log.Commit(commit); err != nil {
			c.fatal(err)
			return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite, Term: c.term}
		}
		c.applyCommitted()
	}

	return &protocol.AppendResponse{
		Status:    protocol.StatusOK,
		Term:      c.term,
		Succeeded: true,
		LogIndex:  c.log.LastIndex(),
	}
}
