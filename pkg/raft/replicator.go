package raft

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
)

const (
	// maxBatchBytes caps the entry payload of one append RPC.
	maxBatchBytes = 1024 * 1024
	// maxBatchEntries caps the entry count of one append RPC.
	maxBatchEntries = 1024
	// inactiveThreshold marks a peer INACTIVE after this many
	// consecutive send failures.
	inactiveThreshold = 3
)

// replicator drives one peer: at most one append RPC in flight,
// batched entries, nextIndex backtracking on consistency failures, and
// exponential backoff capped at the heartbeat interval on network
// errors.
type replicator struct {
	ctx    *Context
	leader *leaderRole
	peerID uint32

	address     string
	nextIndex   uint64
	matchIndex  uint64
	inflight    bool
	failures    int
	backoffTill time.Time
	lastContact time.Time
}

// send issues the next append RPC if the driver is idle. Heartbeat
// ticks override a pending backoff; entry-triggered sends respect it.
func (p *replicator) send(heartbeat bool) {
	c := p.ctx
	c.executor.CheckThread()
	if p.inflight || c.closed {
		return
	}
	if !heartbeat && time.Now().Before(p.backoffTill) {
		return
	}

	prevIndex := p.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		t, err := c.log.Term(prevIndex)
		if err != nil && !errors.Is(err, log.ErrNotFound) {
			c.fatal(err)
			return
		}
		prevTerm = t
	}

	var entries []*log.Entry
	if last := c.log.LastIndex(); p.nextIndex <= last {
		var err error
		entries, err = c.log.Slice(p.nextIndex, last, maxBatchBytes)
		if err != nil {
			c.fatal(err)
			return
		}
		if len(entries) > maxBatchEntries {
			entries = entries[:maxBatchEntries]
		}
	}

	req := &protocol.AppendRequest{
		Term:         c.term,
		Leader:       c.cluster.LocalID(),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  c.log.CommitIndex(),
	}
	sentTo := prevIndex
	if len(entries) > 0 {
		sentTo = entries[len(entries)-1].Index
	}

	p.inflight = true
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), c.opts.ElectionTimeout)
		defer cancel()
		resp, err := c.trans.Send(sendCtx, p.address, req)
		c.executor.Execute(func() { p.onResponse(resp, err, sentTo) })
	}()
}

func (p *replicator) onResponse(resp protocol.Message, err error, sentTo uint64) {
	c := p.ctx
	p.inflight = false
	if c.closed || c.role != role(p.leader) {
		return
	}

	if err != nil {
		p.failures++
		backoff := c.opts.HeartbeatInterval / 8
		for i := 1; i < p.failures && backoff < c.opts.HeartbeatInterval; i++ {
			backoff *= 2
		}
		if backoff > c.opts.HeartbeatInterval {
			backoff = c.opts.HeartbeatInterval
		}
		p.backoffTill = time.Now().Add(backoff)
		if p.failures == inactiveThreshold {
			c.logger.Warn("Peer unreachable", zap.Uint32("peer", p.peerID), zap.Error(err))
			c.cluster.MarkInactive(p.peerID)
		}
		return
	}

	ar, ok := resp.(*protocol.AppendResponse)
	if !ok {
		return
	}
	p.failures = 0
	p.lastContact = time.Now()
	c.cluster.MarkAlive(p.peerID)

	if ar.Term > c.term {
		p.leader.stepDown(ar.Term)
		return
	}
	if ar.Succeeded {
		if sentTo > p.matchIndex {
			p.matchIndex = sentTo
		}
		p.nextIndex = p.matchIndex + 1
		p.leader.onPeerAck(p.peerID)
		p.leader.updateCommitIndex()
		// Keep draining if the peer is still behind.
		if p.nextIndex <= c.log.LastIndex() {
			p.send(false)
		}
		return
	}

	// Log-match failure: backtrack using the follower's hint.
	next := p.nextIndex - 1
	if ar.LogIndex+1 < next {
		next = ar.LogIndex + 1
	}
	if next < 1 {
		next = 1
	}
	p.nextIndex = next
	p.send(false)
}
