// Copycat node daemon: a Raft-replicated state machine server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/api"
	"github.com/copycat-io/copycat/pkg/config"
	"github.com/copycat-io/copycat/pkg/log"
	"github.com/copycat-io/copycat/pkg/protocol"
	"github.com/copycat-io/copycat/pkg/raft"
	"github.com/copycat-io/copycat/pkg/transport"
)

// kvStateMachine is the built-in resource: a replicated key/value map.
type kvStateMachine struct {
	data map[string][]byte
}

func (m *kvStateMachine) Apply(e *log.Entry) ([]byte, error) {
	m.data[string(e.Key)] = append([]byte(nil), e.Payload...)
	return e.Payload, nil
}

func (m *kvStateMachine) Query(key, _ []byte) ([]byte, error) {
	return m.data[string(key)], nil
}

func main() {
	configPath := pflag.String("config", "", "Path to config file")
	nodeID := pflag.Uint32("id", 0, "Node ID")
	bindAddr := pflag.String("bind", "", "Raft protocol bind address")
	httpAddr := pflag.String("http-addr", "", "HTTP API address")
	dataDir := pflag.String("data-dir", "", "Data directory")
	passive := pflag.Bool("passive", false, "Join as a passive (non-voting) member")
	pflag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
	}
	if *nodeID != 0 {
		cfg.NodeID = *nodeID
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *passive {
		cfg.MemberType = config.MemberPassive
	}
	if cfg.NodeID == 0 {
		logger.Fatal("A node id is required (--id or node_id in config)")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		logger.Fatal("Failed to prepare data dir", zap.Error(err))
	}

	logger.Info("Starting Copycat node",
		zap.Uint32("node_id", cfg.NodeID),
		zap.String("bind", cfg.BindAddr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.String("member_type", string(cfg.MemberType)),
	)

	members := make([]protocol.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		mt := protocol.MemberActive
		if m.Type == config.MemberPassive {
			mt = protocol.MemberPassive
		}
		members = append(members, protocol.Member{ID: m.ID, Type: mt, Address: m.Address})
	}
	memberType := protocol.MemberActive
	if cfg.MemberType == config.MemberPassive {
		memberType = protocol.MemberPassive
	}

	node, err := raft.New(&raft.Options{
		ID:                   cfg.NodeID,
		Address:              cfg.BindAddr,
		DataDir:              cfg.DataDir,
		Name:                 cfg.Name,
		Members:              members,
		MemberType:           memberType,
		ElectionTimeout:      cfg.ElectionTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxEntrySize:         cfg.MaxEntrySize,
		MaxSegmentSize:       cfg.MaxSegmentSize,
		MaxEntriesPerSegment: cfg.MaxEntriesPerSegment,
		Transport:            transport.NewTCP(protocol.Msgpack{}, logger),
		StateMachine:         &kvStateMachine{data: make(map[string][]byte)},
		Logger:               logger,
	})
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}
	if err := node.Open(); err != nil {
		logger.Fatal("Failed to open node", zap.Error(err))
	}

	apiServer := api.NewServer(node, logger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Handler()}
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	if err := node.Close(); err != nil {
		logger.Error("Node shutdown error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
