package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/taskmesh/pkg/auth"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
	"github.com/khryptorgraphics/taskmesh/pkg/ids"
	"github.com/khryptorgraphics/taskmesh/pkg/taskinstance"
	"github.com/khryptorgraphics/taskmesh/pkg/taskspec"
	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

// healthHandler reports database/cache reachability.
func (s *Server) healthHandler(c *gin.Context) {
	health, err := s.db.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	status := http.StatusOK
	if health.Overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":    health.Overall,
		"timestamp": time.Now(),
		"services":  health,
		"version":   "1.0.0",
	})
}

// metricsHandler exposes database and scheduler counters as JSON for
// polling dashboards; there is no Prometheus endpoint.
func (s *Server) metricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"database":  s.db.Stats(),
		"scheduler": s.scheduler.Metrics(),
		"websocket": gin.H{"connected_clients": s.websocket.GetConnectedClients()},
		"timestamp": time.Now(),
	})
}

// driverIDToUniqueID widens a driver's 16-byte account UUID into the
// core's 20-byte identifier shape, zero-padding the high bytes. This
// is a one-way convenience so driver accounts can be named with a
// task-core ids.DriverId; it's never inverted back to a uuid.UUID.
func driverIDToUniqueID(u uuid.UUID) ids.DriverId {
	var id ids.DriverId
	copy(id[4:], u[:])
	return id
}

func primaryRole(roles database.StringArray) string {
	if len(roles) == 0 {
		return auth.RoleDriver
	}
	return roles[0]
}

// Authentication handlers.

func (s *Server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	driver, err := s.db.Drivers.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "invalid username or password"})
		return
	}

	tokens, err := s.jwtSvc.GenerateToken(driver.ID.String(), driver.Username, primaryRole(driver.Roles), []string(driver.Permissions))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_generation_failed", "message": err.Error()})
		return
	}

	if err := s.rbac.UpsertUser(&auth.User{
		ID:       driver.ID.String(),
		Username: driver.Username,
		Roles:    []string(driver.Roles),
		Active:   driver.Active,
	}); err != nil {
		s.logger.Warn("failed to sync driver into rbac", "driver_id", driver.ID, "error", err)
	}

	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	tokenID := tokens.AccessToken
	if len(tokenID) > 32 {
		tokenID = tokenID[:32]
	}
	session := &database.DriverSession{
		DriverID:   driver.ID,
		TokenID:    tokenID,
		ExpiresAt:  tokens.ExpiresAt,
		IPAddress:  &ip,
		UserAgent:  &ua,
	}
	if err := s.db.Sessions.Create(c.Request.Context(), session); err != nil {
		s.logger.Error("failed to create driver session", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_at":    tokens.ExpiresAt,
		"driver": gin.H{
			"id":       driver.ID,
			"username": driver.Username,
			"email":    driver.Email,
			"roles":    driver.Roles,
		},
	})
}

func (s *Server) registerHandler(c *gin.Context) {
	var req struct {
		Username string   `json:"username" binding:"required,min=3,max=50"`
		Email    string   `json:"email" binding:"required,email"`
		Password string   `json:"password" binding:"required,min=8"`
		Roles    []string `json:"roles,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if len(req.Roles) == 0 {
		req.Roles = []string{auth.RoleDriver}
	}

	driver := &database.Driver{
		Username:    req.Username,
		Email:       &req.Email,
		Roles:       database.StringArray(req.Roles),
		Permissions: database.StringArray{},
		Active:      true,
	}

	if err := s.db.Drivers.Create(c.Request.Context(), driver, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "registration_failed", "message": "username or email already exists"})
		return
	}

	if err := s.rbac.UpsertUser(&auth.User{
		ID:       driver.ID.String(),
		Username: driver.Username,
		Roles:    []string(driver.Roles),
		Active:   driver.Active,
	}); err != nil {
		s.logger.Warn("failed to sync driver into rbac", "driver_id", driver.ID, "error", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "driver registered successfully",
		"driver": gin.H{
			"id":       driver.ID,
			"username": driver.Username,
			"email":    driver.Email,
			"roles":    driver.Roles,
		},
	})
}

func (s *Server) refreshTokenHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tokens, err := s.jwtSvc.RefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_at":    tokens.ExpiresAt,
	})
}

// Task handlers.

// taskArgRequest is one entry of a submitTaskHandler request's "args"
// array: either a reference to an existing object ("ref") or an
// inline value encoded as base64 ("val").
type taskArgRequest struct {
	Type       string `json:"type" binding:"required,oneof=ref val"`
	ObjectID   string `json:"object_id,omitempty"`
	DataBase64 string `json:"data_base64,omitempty"`
}

type submitTaskRequest struct {
	FunctionID        string             `json:"function_id" binding:"required"`
	ActorID           string             `json:"actor_id,omitempty"`
	ActorCounter      int64              `json:"actor_counter,omitempty"`
	ParentTaskID      string             `json:"parent_task_id,omitempty"`
	ParentCounter     int64              `json:"parent_counter,omitempty"`
	Args              []taskArgRequest   `json:"args,omitempty"`
	NumReturns        int64              `json:"num_returns,omitempty"`
	RequiredResources map[int]float64    `json:"required_resources,omitempty"`
	Capabilities      []string           `json:"capabilities,omitempty"`
}

func (s *Server) submitTaskHandler(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	functionID, err := ids.ParseHex(req.FunctionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_function_id", "message": err.Error()})
		return
	}

	actorID := ids.NilID
	if req.ActorID != "" {
		actorID, err = ids.ParseHex(req.ActorID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_actor_id", "message": err.Error()})
			return
		}
	}

	parentTaskID := ids.NilID
	if req.ParentTaskID != "" {
		parentTaskID, err = ids.ParseHex(req.ParentTaskID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parent_task_id", "message": err.Error()})
			return
		}
	}

	claims, ok := auth.GetCurrentClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "driver not authenticated"})
		return
	}
	driverUUID, err := uuid.Parse(claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid_driver_id", "message": err.Error()})
		return
	}
	driverID := driverIDToUniqueID(driverUUID)

	argValues := make([][]byte, len(req.Args))
	var argsValueSize int64
	for i, a := range req.Args {
		if a.Type != "val" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(a.DataBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_arg_data", "message": fmt.Sprintf("arg %d: %s", i, err.Error())})
			return
		}
		argValues[i] = data
		argsValueSize += int64(len(data))
	}

	spec := taskspec.Begin(driverID, parentTaskID, req.ParentCounter, actorID, req.ActorCounter,
		functionID, int64(len(req.Args)), req.NumReturns, argsValueSize)

	for i, a := range req.Args {
		switch a.Type {
		case "ref":
			objID, err := ids.ParseHex(a.ObjectID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_id", "message": fmt.Sprintf("arg %d: %s", i, err.Error())})
				return
			}
			spec.AddArgByRef(objID)
		case "val":
			spec.AddArgByVal(argValues[i])
		}
	}

	for idx, v := range req.RequiredResources {
		if idx < 0 || idx >= taskspec.MaxResourceIndex {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_index", "message": fmt.Sprintf("resource index %d out of range", idx)})
			return
		}
		spec.SetRequiredResource(idx, v)
	}

	spec.Finish()
	taskID := spec.TaskID().Hex()

	inst := taskinstance.Alloc(spec, taskinstance.State(types.TaskWaiting), ids.NilID)

	var parentTaskIDStr *string
	if !ids.IsNil(parentTaskID) {
		s := parentTaskID.Hex()
		parentTaskIDStr = &s
	}
	var actorIDStr *string
	if !ids.IsNil(actorID) {
		s := actorID.Hex()
		actorIDStr = &s
	}

	rec := &database.TaskRecord{
		TaskID:       taskID,
		DriverID:     driverUUID.String(),
		ParentTaskID: parentTaskIDStr,
		FunctionID:   functionID.Hex(),
		ActorID:      actorIDStr,
		NumArgs:      len(req.Args),
		NumReturns:   int(req.NumReturns),
		State:        types.TaskWaiting.String(),
		RequiredRes:  database.JSONMap{},
		Metadata:     database.JSONMap{},
	}
	for idx, v := range req.RequiredResources {
		rec.RequiredRes[strconv.Itoa(idx)] = v
	}

	if err := s.db.Tasks.Create(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist_failed", "message": err.Error()})
		return
	}

	if err := s.scheduler.Submit(inst, req.Capabilities); err != nil {
		errMsg := err.Error()
		_ = s.db.Tasks.UpdateState(c.Request.Context(), taskID, types.TaskFailed.String(), nil, &errMsg)
		s.websocket.BroadcastTaskState(taskID, types.TaskFailed.String(), gin.H{"error": errMsg})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling_failed", "message": errMsg, "task_id": taskID})
		return
	}

	_ = s.db.Tasks.UpdateState(c.Request.Context(), taskID, types.TaskScheduled.String(), nil, nil)
	s.websocket.BroadcastTaskState(taskID, types.TaskScheduled.String(), nil)

	c.JSON(http.StatusCreated, gin.H{
		"task_id": taskID,
		"state":   types.TaskScheduled.String(),
	})
}

func (s *Server) listTasksHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filters := &database.TaskFilters{Limit: limit, Offset: offset}
	if driverID := c.Query("driver_id"); driverID != "" {
		filters.DriverID = &driverID
	}
	if state := c.Query("state"); state != "" {
		filters.State = &state
	}
	if worker := c.Query("worker"); worker != "" {
		filters.Worker = &worker
	}

	tasks, err := s.db.Tasks.List(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(tasks),
		},
	})
}

func (s *Server) getTaskHandler(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := ids.ParseHex(taskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_task_id", "message": err.Error()})
		return
	}

	rec, err := s.db.Tasks.GetByTaskID(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task_not_found", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task": rec})
}
