// Package protocol defines the framed wire messages exchanged between
// cluster members and the codec that maps them to bytes.
package protocol

import (
	"github.com/copycat-io/copycat/pkg/log"
)

// Type identifies a wire message.
type Type uint8

const (
	TypeAppendRequest  Type = 1
	TypeAppendResponse Type = 2
	TypeVoteRequest    Type = 3
	TypeVoteResponse   Type = 4
	TypePollRequest    Type = 5
	TypePollResponse   Type = 6
	TypeSyncRequest    Type = 7
	TypeSyncResponse   Type = 8
	TypeSubmitRequest  Type = 9
	TypeSubmitResponse Type = 10
	TypeStatusResponse Type = 11
	TypeStatusRequest  Type = 12
)

// Status is the coarse outcome carried by every response.
type Status uint8

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// ErrorCode refines a StatusError response.
type ErrorCode uint8

const (
	ErrorNone               ErrorCode = 0
	ErrorNoLeader           ErrorCode = 1
	ErrorRead               ErrorCode = 2
	ErrorWrite              ErrorCode = 3
	ErrorIllegalMemberState ErrorCode = 4
	ErrorUnknownSession     ErrorCode = 5
	ErrorApplication        ErrorCode = 6
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNoLeader:
		return "NO_LEADER_ERROR"
	case ErrorRead:
		return "READ_ERROR"
	case ErrorWrite:
		return "WRITE_ERROR"
	case ErrorIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE_ERROR"
	case ErrorUnknownSession:
		return "UNKNOWN_SESSION_ERROR"
	case ErrorApplication:
		return "APPLICATION_ERROR"
	}
	return "NONE"
}

// MemberType determines a member's participation in the protocol.
type MemberType uint8

const (
	MemberActive MemberType = iota
	MemberPassive
	MemberRemote
)

// MemberStatus tracks liveness as observed by gossip.
type MemberStatus uint8

const (
	MemberAlive MemberStatus = iota
	MemberInactive
)

// Member is the wire form of a cluster member, merged across nodes by
// last-writer-wins on Version.
type Member struct {
	ID           uint32       `msgpack:"id"`
	Type         MemberType   `msgpack:"type"`
	Status       MemberStatus `msgpack:"status"`
	Address      string       `msgpack:"address"`
	CommitIndex  uint64       `msgpack:"commit_index"`
	RecycleIndex uint64       `msgpack:"recycle_index"`
	Version      uint64       `msgpack:"version"`
}

// Consistency selects the query consistency level.
type Consistency uint8

const (
	Serializable Consistency = iota
	LinearizableLease
	LinearizableStrict
)

// Operation is the client-supplied body of a submit.
type Operation struct {
	Query       bool        `msgpack:"query"`
	Consistency Consistency `msgpack:"consistency"`
	Key         []byte      `msgpack:"key"`
	Payload     []byte      `msgpack:"payload"`
}

// Message is any framed request or response body.
type Message interface {
	Type() Type
}

type AppendRequest struct {
	Term         uint64       `msgpack:"term"`
	Leader       uint32       `msgpack:"leader"`
	PrevLogIndex uint64       `msgpack:"prev_log_index"`
	PrevLogTerm  uint64       `msgpack:"prev_log_term"`
	Entries      []*log.Entry `msgpack:"entries"`
	CommitIndex  uint64       `msgpack:"commit_index"`
}

func (*AppendRequest) Type() Type { return TypeAppendRequest }

type AppendResponse struct {
	Status    Status    `msgpack:"status"`
	Error     ErrorCode `msgpack:"error"`
	Term      uint64    `msgpack:"term"`
	Succeeded bool      `msgpack:"succeeded"`
	// LogIndex is the responder's last log index, used by the leader
	// to backtrack nextIndex after a consistency check failure.
	LogIndex uint64 `msgpack:"log_index"`
}

func (*AppendResponse) Type() Type { return TypeAppendResponse }

type VoteRequest struct {
	Term         uint64 `msgpack:"term"`
	Candidate    uint32 `msgpack:"candidate"`
	LastLogIndex uint64 `msgpack:"last_log_index"`
	LastLogTerm  uint64 `msgpack:"last_log_term"`
}

func (*VoteRequest) Type() Type { return TypeVoteRequest }

type VoteResponse struct {
	Status  Status    `msgpack:"status"`
	Error   ErrorCode `msgpack:"error"`
	Term    uint64    `msgpack:"term"`
	Granted bool      `msgpack:"granted"`
}

func (*VoteResponse) Type() Type { return TypeVoteResponse }

// PollRequest is the pre-vote probe: the same predicate as a vote, but
// the recipient never mutates state.
type PollRequest struct {
	Term         uint64 `msgpack:"term"`
	Candidate    uint32 `msgpack:"candidate"`
	LastLogIndex uint64 `msgpack:"last_log_index"`
	LastLogTerm  uint64 `msgpack:"last_log_term"`
}

func (*PollRequest) Type() Type { return TypePollRequest }

type PollResponse struct {
	Status   Status    `msgpack:"status"`
	Error    ErrorCode `msgpack:"error"`
	Term     uint64    `msgpack:"term"`
	Accepted bool      `msgpack:"accepted"`
}

func (*PollResponse) Type() Type { return TypePollResponse }

type SyncRequest struct {
	Term     uint64       `msgpack:"term"`
	Leader   uint32       `msgpack:"leader"`
	LogIndex uint64       `msgpack:"log_index"`
	Members  []Member     `msgpack:"members"`
	Entries  []*log.Entry `msgpack:"entries"`
}

func (*SyncRequest) Type() Type { return TypeSyncRequest }

type SyncResponse struct {
	Status  Status    `msgpack:"status"`
	Error   ErrorCode `msgpack:"error"`
	Members []Member  `msgpack:"members"`
}

func (*SyncResponse) Type() Type { return TypeSyncResponse }

type SubmitRequest struct {
	Operation Operation `msgpack:"operation"`
}

func (*SubmitRequest) Type() Type { return TypeSubmitRequest }

type SubmitResponse struct {
	Status Status    `msgpack:"status"`
	Error  ErrorCode `msgpack:"error"`
	Result []byte    `msgpack:"result"`
	// Leader carries the responder's leader hint so clients can
	// redirect after ErrorNoLeader or ErrorIllegalMemberState.
	Leader uint32 `msgpack:"leader"`
}

func (*SubmitResponse) Type() Type { return TypeSubmitResponse }

type StatusRequest struct{}

func (*StatusRequest) Type() Type { return TypeStatusRequest }

type StatusResponse struct {
	Status Status    `msgpack:"status"`
	Error  ErrorCode `msgpack:"error"`
	Term   uint64    `msgpack:"term"`
	Leader uint32    `msgpack:"leader"`
}

func (*StatusResponse) Type() Type { return TypeStatusResponse }

// New returns an empty message value for a wire type.
func New(t Type) (Message, bool) {
	switch t {
	case TypeAppendRequest:
		return &AppendRequest{}, true
	case TypeAppendResponse:
		return &AppendResponse{}, true
	case TypeVoteRequest:
		return &VoteRequest{}, true
	case TypeVoteResponse:
		return &VoteResponse{}, true
	case TypePollRequest:
		return &PollRequest{}, true
	case TypePollResponse:
		return &PollResponse{}, true
	case TypeSyncRequest:
		return &SyncRequest{}, true
	case TypeSyncResponse:
		return &SyncResponse{}, true
	case TypeSubmitRequest:
		return &SubmitRequest{}, true
	case TypeSubmitResponse:
		return &SubmitResponse{}, true
	case TypeStatusRequest:
		return &StatusRequest{}, true
	case TypeStatusResponse:
		return &StatusResponse{}, true
	}
	return nil, false
}
