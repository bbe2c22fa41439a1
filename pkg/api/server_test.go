package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
	"github.com/copycat-io/copycat/pkg/raft"
	"github.com/copycat-io/copycat/pkg/transport"
)

type echoMachine struct {
	data map[string]string
}

func (m *echoMachine) Apply(e *log.Entry) ([]byte, error) {
	m.data[string(e.Key)] = string(e.Payload)
	return e.Payload, nil
}

func (m *echoMachine) Query(key, _ []byte) ([]byte, error) {
	return []byte(m.data[string(key)]), nil
}

func startNode(t *testing.T) *raft.Context {
	t.Helper()
	dir, err := os.MkdirTemp("", "copycat-api-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	node, err := raft.New(&raft.Options{
		ID:                1,
		Address:           "api-node-1",
		DataDir:           dir,
		Name:              "test",
		MemberType:        protocol.MemberActive,
		ElectionTimeout:   200 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		Transport:         transport.NewLocal(transport.NewRegistry()),
		StateMachine:      &echoMachine{data: map[string]string{}},
		Logger:            zap.NewNop(),
		Seed:              1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := node.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	deadline := time.After(5 * time.Second)
	for node.Role() != raft.RoleLeader {
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for leader")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return node
}

func TestStatusEndpoint(t *testing.T) {
	node := startNode(t)
	srv := httptest.NewServer(NewServer(node, zap.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["role"] != "leader" {
		t.Errorf("role = %v, want leader", body["role"])
	}
}

func TestSubmitEndpoint(t *testing.T) {
	node := startNode(t)
	srv := httptest.NewServer(NewServer(node, zap.NewNop()).Handler())
	defer srv.Close()

	payload := base64.StdEncoding.EncodeToString([]byte("v1"))
	reqBody, _ := json.Marshal(map[string]any{"key": "k1", "payload": payload})
	resp, err := http.Post(srv.URL+"/submit", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST /submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	// Read it back through a serializable query.
	queryBody, _ := json.Marshal(map[string]any{"query": true, "key": "k1"})
	qresp, err := http.Post(srv.URL+"/submit", "application/json", bytes.NewReader(queryBody))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer qresp.Body.Close()
	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(qresp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(out.Result)
	if string(decoded) != "v1" {
		t.Errorf("query result = %q, want v1", decoded)
	}
}
