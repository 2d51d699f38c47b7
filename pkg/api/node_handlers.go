package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/taskmesh/pkg/auth"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
)

// Node management handlers

func (s *Server) listNodesHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	healthyOnly := c.DefaultQuery("healthy_only", "false") == "true"

	filters := &database.WorkerFilters{
		Limit:       limit,
		Offset:      offset,
		HealthyOnly: healthyOnly,
	}
	if status := c.Query("status"); status != "" {
		filters.Status = &status
	}
	if region := c.Query("region"); region != "" {
		filters.Region = &region
	}
	if zone := c.Query("zone"); zone != "" {
		filters.Zone = &zone
	}

	workers, err := s.db.Workers.List(c.Request.Context(), filters)
	if err != nil {
		s.logger.Error("failed to list workers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": workers,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(workers),
		},
	})
}

// drainNodeHandler marks a worker as draining both in the scheduler's
// live registry (so no new task lands on it) and in the persistent
// worker record (so the change survives a scheduler restart).
func (s *Server) drainNodeHandler(c *gin.Context) {
	peerID := c.Param("id")

	worker, err := s.db.Workers.GetByPeerID(c.Request.Context(), peerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "node_not_found", "message": err.Error()})
		return
	}

	worker.Status = "draining"
	if err := s.db.Workers.Upsert(c.Request.Context(), worker); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}

	s.scheduler.RemoveWorker(peerID)
	s.websocket.BroadcastNodeStatus(peerID, "draining", gin.H{"region": worker.Region, "zone": worker.Zone})

	c.JSON(http.StatusOK, gin.H{"message": "node draining", "node": worker})
}

// System management handlers

func (s *Server) getSystemConfigHandler(c *gin.Context) {
	key := c.Param("key")
	cfg, err := s.db.Config.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config_not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func (s *Server) updateSystemConfigHandler(c *gin.Context) {
	key := c.Param("key")

	var req struct {
		Value       interface{} `json:"value" binding:"required"`
		Description *string     `json:"description,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var updatedBy *uuid.UUID
	if claims, ok := auth.GetCurrentClaims(c); ok {
		if uid, err := uuid.Parse(claims.UserID); err == nil {
			updatedBy = &uid
		}
	}

	if err := s.db.Config.Set(c.Request.Context(), key, req.Value, req.Description, updatedBy); err != nil {
		s.logger.Error("failed to update system config", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "config_update_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "configuration updated"})
}

func (s *Server) getSystemStatsHandler(c *gin.Context) {
	health, err := s.db.Health(c.Request.Context())
	if err != nil {
		health = &database.HealthStatus{Overall: "unknown"}
	}

	c.JSON(http.StatusOK, gin.H{
		"health":            health,
		"database":          s.db.Stats(),
		"scheduler":         s.scheduler.Metrics(),
		"scheduler_leader":  s.scheduler.IsLeader(),
		"websocket_clients": s.websocket.GetConnectedClients(),
	})
}

func (s *Server) getAuditLogsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := s.db.Audit.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to fetch audit logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_fetch_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"audit_logs": entries,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(entries),
		},
	})
}
