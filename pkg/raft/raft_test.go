package raft

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
	"github.com/copycat-io/copycat/pkg/transport"
)

// kvMachine is a tiny key/value state machine for tests.
type kvMachine struct {
	mu      sync.Mutex
	data    map[string]string
	applied []string
}

func newKV() *kvMachine {
	return &kvMachine{data: make(map[string]string)}
}

func (m *kvMachine) Apply(e *log.Entry) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(e.Key)] = string(e.Payload)
	m.applied = append(m.applied, string(e.Key))
	return e.Payload, nil
}

func (m *kvMachine) Query(key, _ []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (m *kvMachine) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

type testNode struct {
	ctx *Context
	sm  *kvMachine
}

type testCluster struct {
	t        *testing.T
	registry *transport.Registry
	nodes    map[uint32]*testNode
}

func addr(id uint32) string { return fmt.Sprintf("node-%d", id) }

// newTestCluster starts n active nodes plus optional passive ones.
func newTestCluster(t *testing.T, active, passive int) *testCluster {
	t.Helper()
	registry := transport.NewRegistry()
	tc := &testCluster{t: t, registry: registry, nodes: make(map[uint32]*testNode)}

	var members []protocol.Member
	total := active + passive
	for i := 1; i <= total; i++ {
		mt := protocol.MemberActive
		if i > active {
			mt = protocol.MemberPassive
		}
		members = append(members, protocol.Member{ID: uint32(i), Type: mt, Address: addr(uint32(i))})
	}

	for i := 1; i <= total; i++ {
		id := uint32(i)
		mt := protocol.MemberActive
		if i > active {
			mt = protocol.MemberPassive
		}
		tc.startNode(id, mt, members)
	}
	t.Cleanup(tc.closeAll)
	return tc
}

func (tc *testCluster) startNode(id uint32, mt protocol.MemberType, members []protocol.Member) *testNode {
	tc.t.Helper()
	dir, err := os.MkdirTemp("", fmt.Sprintf("copycat-raft-%d-*", id))
	if err != nil {
		tc.t.Fatalf("Failed to create temp dir: %v", err)
	}
	tc.t.Cleanup(func() { os.RemoveAll(dir) })

	sm := newKV()
	ctx, err := New(&Options{
		ID:                id,
		Address:           addr(id),
		DataDir:           dir,
		Name:              "test",
		Members:           members,
		MemberType:        mt,
		ElectionTimeout:   200 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		Transport:         transport.NewLocal(tc.registry),
		StateMachine:      sm,
		Logger:            zap.NewNop(),
		Seed:              int64(id) * 7919,
	})
	if err != nil {
		tc.t.Fatalf("New failed: %v", err)
	}
	if err := ctx.Open(); err != nil {
		tc.t.Fatalf("Open failed: %v", err)
	}
	n := &testNode{ctx: ctx, sm: sm}
	tc.nodes[id] = n
	return n
}

func (tc *testCluster) closeAll() {
	for _, n := range tc.nodes {
		n.ctx.Close()
	}
	tc.nodes = map[uint32]*testNode{}
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

// leader returns the unique leader among the given nodes, or nil.
func (tc *testCluster) leader() *testNode {
	var found *testNode
	for _, n := range tc.nodes {
		if n.ctx.Role() == RoleLeader {
			if found != nil {
				return nil
			}
			found = n
		}
	}
	return found
}

func (tc *testCluster) waitForLeader(timeout time.Duration) *testNode {
	tc.t.Helper()
	var l *testNode
	waitFor(tc.t, timeout, "leader election", func() bool {
		l = tc.leader()
		return l != nil
	})
	return l
}

func submit(t *testing.T, n *testNode, key, value string) *protocol.SubmitResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := n.ctx.Submit(ctx, protocol.Operation{Key: []byte(key), Payload: []byte(value)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return resp
}

func TestSingleNodeCommit(t *testing.T) {
	tc := newTestCluster(t, 1, 0)
	l := tc.waitForLeader(5 * time.Second)

	resp := submit(t, l, "foo", "1")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("submit response = %+v", resp)
	}
	if got := l.sm.get("foo"); got != "1" {
		t.Errorf("state machine foo = %q, want 1", got)
	}
	if l.ctx.CommitIndex() < 2 {
		t.Errorf("commit index = %d, want >= 2 (no-op + command)", l.ctx.CommitIndex())
	}
	if l.ctx.Term() != 1 {
		t.Errorf("term = %d, want 1", l.ctx.Term())
	}
}

func TestThreeNodeReplication(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)

	const n = 100
	for i := 1; i <= n; i++ {
		resp := submit(t, l, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i))
		if resp.Status != protocol.StatusOK {
			t.Fatalf("submit %d = %+v", i, resp)
		}
	}

	commit := l.ctx.CommitIndex()
	waitFor(t, 10*time.Second, "replication to all nodes", func() bool {
		for _, node := range tc.nodes {
			if node.ctx.LastApplied() < commit {
				return false
			}
		}
		return true
	})

	// Committed prefixes are byte-identical on every node.
	for i := uint64(1); i <= commit; i++ {
		var ref *log.Entry
		for id, node := range tc.nodes {
			e, err := func() (*log.Entry, error) {
				var e *log.Entry
				var err error
				node.ctx.executor.Invoke(func() { e, err = node.ctx.log.Get(i) })
				return e, err
			}()
			if err != nil {
				t.Fatalf("node %d Get(%d) failed: %v", id, i, err)
			}
			if ref == nil {
				ref = e
				continue
			}
			if e.Term != ref.Term || e.Kind != ref.Kind ||
				!bytes.Equal(e.Key, ref.Key) || !bytes.Equal(e.Payload, ref.Payload) {
				t.Errorf("node %d entry %d diverges", id, i)
			}
		}
	}

	for id, node := range tc.nodes {
		if got := node.sm.get("k100"); got != "v100" {
			t.Errorf("node %d k100 = %q, want v100", id, got)
		}
	}
}

func TestLeaderCrashFailover(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)

	resp := submit(t, l, "before", "crash")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("submit = %+v", resp)
	}

	crashedID := l.ctx.cluster.LocalID()
	l.ctx.Close()
	delete(tc.nodes, crashedID)

	next := tc.waitForLeader(10 * time.Second)
	if next.ctx.cluster.LocalID() == crashedID {
		t.Fatal("crashed node is still leader")
	}

	// The committed entry survived the failover.
	resp = submit(t, next, "after", "crash")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("submit after failover = %+v", resp)
	}
	waitFor(t, 5*time.Second, "new leader applies", func() bool {
		return next.sm.get("before") == "crash" && next.sm.get("after") == "crash"
	})
}

func TestPartitionHealing(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)
	oldID := l.ctx.cluster.LocalID()
	oldTerm := l.ctx.Term()

	// Isolate the leader from both peers.
	for id := range tc.nodes {
		if id != oldID {
			tc.registry.Partition(addr(oldID), addr(id))
		}
	}

	// The majority side elects a new leader in a higher term.
	var next *testNode
	waitFor(t, 10*time.Second, "new leader on majority side", func() bool {
		for id, node := range tc.nodes {
			if id != oldID && node.ctx.Role() == RoleLeader && node.ctx.Term() > oldTerm {
				next = node
				return true
			}
		}
		return false
	})

	for i := 1; i <= 5; i++ {
		resp := submit(t, next, fmt.Sprintf("healed%d", i), "yes")
		if resp.Status != protocol.StatusOK {
			t.Fatalf("submit on new leader = %+v", resp)
		}
	}

	// Heal: the deposed leader steps down and converges.
	for id := range tc.nodes {
		if id != oldID {
			tc.registry.Heal(addr(oldID), addr(id))
		}
	}
	old := tc.nodes[oldID]
	waitFor(t, 10*time.Second, "old leader steps down and catches up", func() bool {
		return old.ctx.Role() != RoleLeader && old.sm.get("healed5") == "yes"
	})
	if old.ctx.Term() < next.ctx.Term() {
		t.Errorf("old leader term %d below cluster term %d", old.ctx.Term(), next.ctx.Term())
	}
}

func TestPassiveCatchUp(t *testing.T) {
	tc := newTestCluster(t, 3, 1)
	l := tc.waitForLeader(5 * time.Second)

	const n = 50
	for i := 1; i <= n; i++ {
		resp := submit(t, l, fmt.Sprintf("k%03d", i), "v")
		if resp.Status != protocol.StatusOK {
			t.Fatalf("submit %d = %+v", i, resp)
		}
	}

	passive := tc.nodes[4]
	if passive.ctx.Role() != RolePassive {
		t.Fatalf("node 4 role = %v, want passive", passive.ctx.Role())
	}
	commit := l.ctx.CommitIndex()
	waitFor(t, 15*time.Second, "passive gossip catch-up", func() bool {
		return passive.ctx.LastApplied() >= commit
	})
	if got := passive.sm.get(fmt.Sprintf("k%03d", n)); got != "v" {
		t.Errorf("passive missed k%03d", n)
	}

	// The passive member never participates in elections.
	if passive.ctx.Role() != RolePassive {
		t.Errorf("passive role drifted to %v", passive.ctx.Role())
	}
}

func TestPassiveRejectsConsensusRPCs(t *testing.T) {
	tc := newTestCluster(t, 1, 1)
	tc.waitForLeader(5 * time.Second)

	passive := tc.nodes[2]
	vr := passive.ctx.handle(context.Background(), &protocol.VoteRequest{Term: 10, Candidate: 1})
	if resp := vr.(*protocol.VoteResponse); resp.Error != protocol.ErrorIllegalMemberState {
		t.Errorf("vote on passive = %+v, want ILLEGAL_MEMBER_STATE_ERROR", resp)
	}
	ar := passive.ctx.handle(context.Background(), &protocol.AppendRequest{Term: 10, Leader: 1})
	if resp := ar.(*protocol.AppendResponse); resp.Error != protocol.ErrorIllegalMemberState {
		t.Errorf("append on passive = %+v, want ILLEGAL_MEMBER_STATE_ERROR", resp)
	}
	pr := passive.ctx.handle(context.Background(), &protocol.PollRequest{Term: 10, Candidate: 1})
	if resp := pr.(*protocol.PollResponse); resp.Error != protocol.ErrorIllegalMemberState {
		t.Errorf("poll on passive = %+v, want ILLEGAL_MEMBER_STATE_ERROR", resp)
	}
}

func TestFollowerRedirectsCommands(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)
	leaderID := l.ctx.cluster.LocalID()

	var follower *testNode
	for id, n := range tc.nodes {
		if id != leaderID {
			follower = n
			break
		}
	}
	waitFor(t, 5*time.Second, "follower learns leader", func() bool {
		return follower.ctx.Leader() == leaderID
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := follower.ctx.Submit(ctx, protocol.Operation{Key: []byte("x"), Payload: []byte("y")})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Status != protocol.StatusError || resp.Leader != leaderID {
		t.Errorf("follower submit = %+v, want error with leader hint %d", resp, leaderID)
	}
}

func TestSerializableQueryServedLocally(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)
	submit(t, l, "q", "local")

	commit := l.ctx.CommitIndex()
	waitFor(t, 5*time.Second, "followers apply", func() bool {
		for _, n := range tc.nodes {
			if n.ctx.LastApplied() < commit {
				return false
			}
		}
		return true
	})

	for id, n := range tc.nodes {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := n.ctx.Submit(ctx, protocol.Operation{Query: true, Consistency: protocol.Serializable, Key: []byte("q")})
		cancel()
		if err != nil || resp.Status != protocol.StatusOK {
			t.Fatalf("node %d query = %+v, %v", id, resp, err)
		}
		if string(resp.Result) != "local" {
			t.Errorf("node %d query result = %q", id, resp.Result)
		}
	}
}

func TestLinearizableQueries(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	l := tc.waitForLeader(5 * time.Second)
	submit(t, l, "lin", "value")

	for _, consistency := range []protocol.Consistency{protocol.LinearizableLease, protocol.LinearizableStrict} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		resp, err := l.ctx.Submit(ctx, protocol.Operation{Query: true, Consistency: consistency, Key: []byte("lin")})
		cancel()
		if err != nil || resp.Status != protocol.StatusOK {
			t.Fatalf("consistency %d query = %+v, %v", consistency, resp, err)
		}
		if string(resp.Result) != "value" {
			t.Errorf("consistency %d result = %q", consistency, resp.Result)
		}
	}
}

func TestVotePersistedAcrossRestart(t *testing.T) {
	tc := newTestCluster(t, 3, 0)
	tc.waitForLeader(5 * time.Second)

	// Every node persisted some term; a restarted node must not
	// regress below it.
	n := tc.nodes[2]
	term := n.ctx.Term()
	dir := n.ctx.opts.DataDir
	members := n.ctx.opts.Members
	n.ctx.Close()
	delete(tc.nodes, 2)

	sm := newKV()
	restarted, err := New(&Options{
		ID:                2,
		Address:           addr(2),
		DataDir:           dir,
		Name:              "test",
		Members:           members,
		MemberType:        protocol.MemberActive,
		ElectionTimeout:   200 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		Transport:         transport.NewLocal(tc.registry),
		StateMachine:      sm,
		Logger:            zap.NewNop(),
		Seed:              7919 * 2,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := restarted.Open(); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	tc.nodes[2] = &testNode{ctx: restarted, sm: sm}

	if restarted.Term() < term {
		t.Errorf("restarted term = %d, below persisted %d", restarted.Term(), term)
	}
}

func TestExecutorCheckThread(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	if err := e.Invoke(func() { e.CheckThread() }); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("CheckThread off-thread did not panic")
		}
	}()
	e.CheckThread()
}

func TestClusterMergeLastWriterWins(t *testing.T) {
	tc := newTestCluster(t, 1, 0)
	n := tc.nodes[1]

	n.ctx.executor.Invoke(func() {
		c := n.ctx.cluster
		c.Merge([]protocol.Member{{ID: 9, Address: "old", Version: 5}})
		c.Merge([]protocol.Member{{ID: 9, Address: "stale", Version: 3}})
		m, _ := c.Member(9)
		if m.Address != "old" || m.Version != 5 {
			t.Errorf("stale merge overwrote: %+v", m)
		}
		c.Merge([]protocol.Member{{ID: 9, Address: "new", Version: 8}})
		m, _ = c.Member(9)
		if m.Address != "new" || m.Version != 8 {
			t.Errorf("newer merge ignored: %+v", m)
		}
	})
}

func TestRandomPeersDistinct(t *testing.T) {
	tc := newTestCluster(t, 5, 0)
	n := tc.nodes[1]

	n.ctx.executor.Invoke(func() {
		for round := 0; round < 20; round++ {
			peers := n.ctx.cluster.RandomPeers(3, nil)
			if len(peers) != 3 {
				t.Fatalf("RandomPeers returned %d peers", len(peers))
			}
			seen := map[uint32]bool{}
			for _, p := range peers {
				if p.ID == 1 {
					t.Error("selection includes local member")
				}
				if seen[p.ID] {
					t.Error("selection repeats a peer within one round")
				}
				seen[p.ID] = true
			}
		}
	})
}
