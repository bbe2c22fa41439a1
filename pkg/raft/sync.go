package raft

import (
	"context"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
)

// maxSyncBatch bounds the entries carried by one gossip exchange.
const maxSyncBatch = 1024 * 1024

// startSyncTimer arms the recurring gossip tick. The tick runs for
// every role except start; passive members gossip to any peer while
// active members seed passive ones.
func (c *Context) startSyncTimer() {
	c.syncTimer = c.executor.Schedule(c.opts.HeartbeatInterval, func() {
		if c.closed {
			return
		}
		c.gossip()
		c.startSyncTimer()
	})
}

// gossip selects up to three distinct random peers and synchronizes
// each.
func (c *Context) gossip() {
	c.executor.CheckThread()
	if c.roleType == RoleStart {
		return
	}
	var filter func(protocol.Member) bool
	if c.opts.MemberType != protocol.MemberPassive {
		filter = func(m protocol.Member) bool { return m.Type == protocol.MemberPassive }
	}
	peers := c.cluster.RandomPeers(3, filter)
	if len(peers) == 0 {
		return
	}
	c.cluster.bump()
	for _, p := range peers {
		if c.syncing[p.ID] {
			continue
		}
		c.syncing[p.ID] = true
		c.syncPeer(p.ID, false)
	}
}

// syncPeer sends one gossip exchange to the peer and, while committed
// entries remain beyond the peer's acknowledged commit index, repeats
// until the peer is caught up.
func (c *Context) syncPeer(id uint32, requireEntries bool) {
	c.executor.CheckThread()
	member, ok := c.cluster.Member(id)
	if !ok || c.closed {
		delete(c.syncing, id)
		return
	}

	var entries []*log.Entry
	commit := c.log.CommitIndex()
	if commit > member.CommitIndex {
		var err error
		entries, err = c.log.Slice(member.CommitIndex+1, commit, maxSyncBatch)
		if err != nil {
			c.fatal(err)
			delete(c.syncing, id)
			return
		}
	}
	if requireEntries && len(entries) == 0 {
		delete(c.syncing, id)
		return
	}

	req := &protocol.SyncRequest{
		Term:     c.term,
		Leader:   c.leader,
		LogIndex: member.CommitIndex,
		Members:  c.cluster.Members(),
		Entries:  entries,
	}
	var lastSent uint64
	if len(entries) > 0 {
		lastSent = entries[len(entries)-1].Index
	}

	go func() {
		resp, err := c.trans.Send(context.Background(), member.Address, req)
		c.executor.Execute(func() {
			if c.closed {
				return
			}
			if err != nil {
				c.logger.Debug("Sync failed", zap.Uint32("peer", id), zap.Error(err))
				c.cluster.MarkInactive(id)
				delete(c.syncing, id)
				return
			}
			sr, ok := resp.(*protocol.SyncResponse)
			if !ok || sr.Status != protocol.StatusOK {
				delete(c.syncing, id)
				return
			}
			c.cluster.MarkAlive(id)
			c.cluster.Merge(sr.Members)
			if lastSent > 0 {
				c.cluster.SetPeerCommitIndex(id, lastSent)
			}
			c.syncPeer(id, true)
		})
	}()
}

// handleSyncMembership merges the gossip metadata carried by a sync
// request: term, leader hint, and membership.
func (c *Context) handleSyncMembership(req *protocol.SyncRequest) {
	c.executor.CheckThread()
	if req.Term > c.term {
		if err := c.setTerm(req.Term); err != nil {
			c.fatal(err)
			return
		}
		c.leader = req.Leader
	} else if req.Term == c.term && c.leader == 0 && req.Leader != 0 {
		c.leader = req.Leader
	}
	c.cluster.bump()
	c.cluster.Merge(req.Members)
}

// handleSync is the membership-only sync handler used by active
// roles; entry transfer applies only to passive recipients.
func (c *Context) handleSync(req *protocol.SyncRequest) *protocol.SyncResponse {
	c.handleSyncMembership(req)
	return &protocol.SyncResponse{Status: protocol.StatusOK, Members: c.cluster.Members()}
}
