package raft

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/copycat-io/copycat/pkg/protocol"
)

// Cluster is the membership view. Mutation happens only on the context
// thread; each update publishes a fresh snapshot so observers on other
// goroutines read without locks.
type Cluster struct {
	localID  uint32
	members  map[uint32]protocol.Member
	snapshot atomic.Value // []protocol.Member
	version  uint64
	rand     *rand.Rand
}

// NewCluster builds the view from the seed membership.
func NewCluster(localID uint32, seed []protocol.Member, rng *rand.Rand) *Cluster {
	c := &Cluster{
		localID: localID,
		members: make(map[uint32]protocol.Member, len(seed)),
		rand:    rng,
	}
	for _, m := range seed {
		c.members[m.ID] = m
	}
	if _, ok := c.members[localID]; !ok {
		c.members[localID] = protocol.Member{ID: localID}
	}
	c.publish()
	return c
}

func (c *Cluster) publish() {
	out := make([]protocol.Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.snapshot.Store(out)
}

// Members returns the current snapshot. Safe from any goroutine.
func (c *Cluster) Members() []protocol.Member {
	return c.snapshot.Load().([]protocol.Member)
}

// Local returns the local member record.
func (c *Cluster) Local() protocol.Member {
	return c.members[c.localID]
}

// LocalID returns the local member id.
func (c *Cluster) LocalID() uint32 { return c.localID }

// Member looks up a member by id.
func (c *Cluster) Member(id uint32) (protocol.Member, bool) {
	m, ok := c.members[id]
	return m, ok
}

// ActivePeers returns the remote active members.
func (c *Cluster) ActivePeers() []protocol.Member {
	var out []protocol.Member
	for _, m := range c.Members() {
		if m.ID != c.localID && m.Type == protocol.MemberActive {
			out = append(out, m)
		}
	}
	return out
}

// Quorum returns the majority size over active members.
func (c *Cluster) Quorum() int {
	active := 0
	for _, m := range c.Members() {
		if m.Type == protocol.MemberActive {
			active++
		}
	}
	return active/2 + 1
}

// RandomPeers selects up to n distinct random peers matching the
// filter, never including the local member.
func (c *Cluster) RandomPeers(n int, filter func(protocol.Member) bool) []protocol.Member {
	var candidates []protocol.Member
	for _, m := range c.Members() {
		if m.ID == c.localID {
			continue
		}
		if filter == nil || filter(m) {
			candidates = append(candidates, m)
		}
	}
	c.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// bump increments the local member's gossip version and returns the
// updated record.
func (c *Cluster) bump() protocol.Member {
	c.version++
	m := c.members[c.localID]
	m.Version = c.version
	c.members[c.localID] = m
	c.publish()
	return m
}

// SetLocalCommitIndex records the local commit index in the gossip
// view.
func (c *Cluster) SetLocalCommitIndex(index uint64) {
	m := c.members[c.localID]
	if m.CommitIndex == index {
		return
	}
	c.version++
	m.CommitIndex = index
	m.Version = c.version
	c.members[c.localID] = m
	c.publish()
}

// SetPeerCommitIndex records a peer's acknowledged commit index, used
// by gossip batching.
func (c *Cluster) SetPeerCommitIndex(id uint32, index uint64) {
	m, ok := c.members[id]
	if !ok || m.CommitIndex >= index {
		return
	}
	m.CommitIndex = index
	c.members[id] = m
	c.publish()
}

// MarkInactive flags a silent peer in the gossip view.
func (c *Cluster) MarkInactive(id uint32) {
	m, ok := c.members[id]
	if !ok || m.Status == protocol.MemberInactive {
		return
	}
	m.Status = protocol.MemberInactive
	c.members[id] = m
	c.publish()
}

// MarkAlive clears the inactive flag once a peer answers again.
func (c *Cluster) MarkAlive(id uint32) {
	m, ok := c.members[id]
	if !ok || m.Status == protocol.MemberAlive {
		return
	}
	m.Status = protocol.MemberAlive
	c.members[id] = m
	c.publish()
}

// Merge folds a remote membership view into the local one,
// last-writer-wins by per-member version.
func (c *Cluster) Merge(remote []protocol.Member) {
	changed := false
	for _, rm := range remote {
		if rm.ID == c.localID {
			continue
		}
		local, ok := c.members[rm.ID]
		if !ok || rm.Version > local.Version {
			c.members[rm.ID] = rm
			changed = true
		}
	}
	if changed {
		c.publish()
	}
}
