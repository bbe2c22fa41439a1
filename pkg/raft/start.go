package raft

import (
	"github.com/copycat-io/copycat/pkg/protocol"
)

// startRole is the inert state before Open completes; every request
// is rejected.
type startRole struct {
	ctx *Context
}

func (r *startRole) open()  {}
func (r *startRole) close() {}

func (r *startRole) append(*protocol.AppendRequest) *protocol.AppendResponse {
	return &protocol.AppendResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
}

func (r *startRole) vote(*protocol.VoteRequest) *protocol.VoteResponse {
	return &protocol.VoteResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
}

func (r *startRole) poll(*protocol.PollRequest) *protocol.PollResponse {
	return &protocol.PollResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
}

func (r *startRole) sync(*protocol.SyncRequest) *protocol.SyncResponse {
	return &protocol.SyncResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
}

func (r *startRole) submit(_ *protocol.SubmitRequest, respond func(*protocol.SubmitResponse)) {
	respond(&protocol.SubmitResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState})
}

func (r *startRole) status(*protocol.StatusRequest) *protocol.StatusResponse {
	return &protocol.StatusResponse{Status: protocol.StatusError, Error: protocol.ErrorIllegalMemberState}
}
