// Package api exposes a node's status and submit surface over HTTP.
package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/protocol"
	"github.com/copycat-io/copycat/pkg/raft"
)

// Server is the HTTP API server.
type Server struct {
	node   *raft.Context
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer creates an API server bound to the node.
func NewServer(node *raft.Context, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{node: node, logger: logger, engine: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/cluster", s.handleCluster)
	s.engine.POST("/submit", s.handleSubmit)
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"role":         s.node.Role().String(),
		"term":         s.node.Term(),
		"leader":       s.node.Leader(),
		"commit_index": s.node.CommitIndex(),
		"last_applied": s.node.LastApplied(),
		"last_index":   s.node.LastIndex(),
	})
}

func (s *Server) handleCluster(c *gin.Context) {
	members := s.node.Cluster().Members()
	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{
			"id":           m.ID,
			"type":         m.Type,
			"address":      m.Address,
			"status":       m.Status,
			"commit_index": m.CommitIndex,
			"version":      m.Version,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

type submitBody struct {
	Query       bool   `json:"query"`
	Consistency string `json:"consistency"`
	Key         string `json:"key"`
	Payload     string `json:"payload"` // base64
}

func parseConsistency(s string) protocol.Consistency {
	switch s {
	case "linearizable_lease":
		return protocol.LinearizableLease
	case "linearizable_strict":
		return protocol.LinearizableStrict
	}
	return protocol.Serializable
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := base64.StdEncoding.DecodeString(body.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be base64"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	resp, err := s.node.Submit(ctx, protocol.Operation{
		Query:       body.Query,
		Consistency: parseConsistency(body.Consistency),
		Key:         []byte(body.Key),
		Payload:     payload,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if resp.Status != protocol.StatusOK {
		s.logger.Debug("Submit rejected",
			zap.String("error", resp.Error.String()),
			zap.Uint32("leader", resp.Leader))
		c.JSON(http.StatusConflict, gin.H{
			"error":  resp.Error.String(),
			"leader": resp.Leader,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": base64.StdEncoding.EncodeToString(resp.Result),
	})
}
