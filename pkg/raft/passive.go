package raft

import (
	"github.com/copycat-io/copycat/pkg/protocol"
)

// passiveRole never votes or joins quorums. It learns committed state
// through the gossip sync tier and rejects the consensus RPCs with
// ILLEGAL_MEMBER_STATE_ERROR.
type passiveRole struct {
	ctx *Context
}

func (r *passiveRole) open()  {}
func (r *passiveRole) close() {}

func (r *passiveRole) append(*protocol.AppendRequest) *protocol.AppendResponse {
	return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState, Term: r.ctx.term}
}

func (r *passiveRole) vote(*protocol.VoteRequest) *protocol.VoteResponse {
	return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState, Term: r.ctx.term}
}

func (r *passiveRole) poll(*protocol.PollRequest) *protocol.PollResponse {
	return &protocol.PollResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState, Term: r.ctx.term}
}

// sync merges gossip metadata and appends the committed entries this
// node is missing. Only committed entries travel by gossip, so no
// consistency check is needed.
func (r *passiveRole) sync(req *protocol.SyncRequest) *protocol.SyncResponse {
	c := r.ctx
	c.handleSyncMembership(req)

	// The sender batches from our acknowledged commit index; if its
	// view of our log is ahead of reality, wait for the next round.
	if req.LogIndex != 0 && !c.log.ContainsIndex(req.LogIndex) {
		return &protocol.SyncResponse{Status: protocol.StatusOK, Members: c.cluster.Members()}
	}

	for _, e := range req.Entries {
		if c.log.ContainsIndex(e.Index) {
			continue
		}
		if gap := e.Index - c.log.LastIndex() - 1; gap > 0 {
			if err := c.log.Skip(gap); err != nil {
				c.fatal(err)
				return &protocol.SyncResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite}
			}
		}
		if _, err := c.log.Append(e); err != nil {
			c.fatal(err)
			return &protocol.SyncResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite}
		}
		if err := c.log.Commit(e.Index); err != nil {
			c.fatal(err)
			return &protocol.SyncResponse{Status: protocol.StatusError, Error: protocol.ErrorWrite}
		}
	}
	c.applyCommitted()

	return &protocol.SyncResponse{Status: protocol.StatusOK, Members: c.cluster.Members()}
}

func (r *passiveRole) submit(req *protocol.SubmitRequest, respond func(*protocol.SubmitResponse)) {
	c := r.ctx
	op := req.Operation
	if op.Query && op.Consistency == protocol.Serializable {
		c.localQuery(op, respond)
		return
	}
	c.redirect(respond)
}

func (r *passiveRole) status(*protocol.StatusRequest) *protocol.StatusResponse {
	return r.ctx.statusOf()
}
