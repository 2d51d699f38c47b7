package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket message types
const (
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeNodeStatus    = "node_status"
	MessageTypeTaskState     = "task_state"
	MessageTypeSystemMetrics = "system_metrics"
	MessageTypeError         = "error"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
)

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	ID            string
	Conn          *websocket.Conn
	Send          chan WebSocketMessage
	Hub           *WebSocketHub
	Subscriptions map[string]bool
	UserID        *uuid.UUID
	mu            sync.RWMutex
}

// WebSocketHub maintains WebSocket connections and handles broadcasting
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *slog.Logger
	mu         sync.RWMutex
}

// WebSocket upgrader with proper configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     logger,
	}
}

// Run starts the WebSocket hub
func (h *WebSocketHub) Run() {
	h.logger.Info("websocket hub started")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("websocket client connected", "client_id", client.ID)

			client.Send <- WebSocketMessage{
				Type:      "welcome",
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"client_id": client.ID,
					"message":   "connected to taskmesh event stream",
				},
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Info("websocket client disconnected", "client_id", client.ID)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
			h.mu.Unlock()

		case <-heartbeat.C:
			heartbeatMsg := WebSocketMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"status": "alive",
				},
			}
			h.BroadcastToSubscribers(heartbeatMsg, MessageTypeHeartbeat)
		}
	}
}

// Stop gracefully stops the WebSocket hub
func (h *WebSocketHub) Stop() {
	h.logger.Info("stopping websocket hub")
	h.mu.Lock()
	for client := range h.clients {
		client.Conn.Close()
		close(client.Send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(message WebSocketMessage) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastToSubscribers sends a message to clients subscribed to a specific type
func (h *WebSocketHub) BroadcastToSubscribers(message WebSocketMessage, messageType string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.mu.RLock()
		if client.Subscriptions[messageType] {
			select {
			case client.Send <- message:
			default:
			}
		}
		client.mu.RUnlock()
	}
}

// GetConnectedClients returns the number of connected clients
func (h *WebSocketHub) GetConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastNodeStatus broadcasts node status updates
func (h *WebSocketHub) BroadcastNodeStatus(nodeID string, status string, data interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeNodeStatus,
		ID:        nodeID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"node_id": nodeID,
			"status":  status,
			"details": data,
		},
	}
	h.BroadcastToSubscribers(message, MessageTypeNodeStatus)
}

// BroadcastTaskState broadcasts a task's state transition to every
// client subscribed either to the general task-state feed or to that
// specific task_id.
func (h *WebSocketHub) BroadcastTaskState(taskID string, state string, details interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeTaskState,
		ID:        taskID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"task_id": taskID,
			"state":   state,
			"details": details,
		},
	}
	h.BroadcastToSubscribers(message, MessageTypeTaskState)
	h.BroadcastToSubscribers(message, "task_"+taskID)
}

// BroadcastSystemMetrics broadcasts system performance metrics
func (h *WebSocketHub) BroadcastSystemMetrics(metrics interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeSystemMetrics,
		Timestamp: time.Now(),
		Data:      metrics,
	}
	h.BroadcastToSubscribers(message, MessageTypeSystemMetrics)
}

// websocketHandler upgrades a general-purpose connection subscribed
// by the client to whichever message types it asks for.
func (s *Server) websocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	client := &WebSocketClient{
		ID:            uuid.New().String(),
		Conn:          conn,
		Send:          make(chan WebSocketMessage, 256),
		Hub:           s.websocket,
		Subscriptions: make(map[string]bool),
	}

	if userID, exists := c.Get("user_id"); exists {
		if uid, err := uuid.Parse(userID.(string)); err == nil {
			client.UserID = &uid
		}
	}

	s.websocket.register <- client

	go client.writePump()
	go client.readPump(s)
}

// taskStreamHandler upgrades a connection pre-subscribed to task
// state transitions, optionally narrowed to one task_id via query
// parameter (?task_id=...).
func (s *Server) taskStreamHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade task stream websocket", "error", err)
		return
	}

	subs := map[string]bool{MessageTypeTaskState: true}
	if taskID := c.Query("task_id"); taskID != "" {
		subs["task_"+taskID] = true
	}

	client := &WebSocketClient{
		ID:            uuid.New().String(),
		Conn:          conn,
		Send:          make(chan WebSocketMessage, 256),
		Hub:           s.websocket,
		Subscriptions: subs,
	}

	s.websocket.register <- client
	go client.writePump()
	go client.readPump(s)
}

// readPump handles reading messages from the WebSocket connection
func (c *WebSocketClient) readPump(s *Server) {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var message WebSocketMessage
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err, "client_id", c.ID)
			}
			break
		}

		switch message.Type {
		case MessageTypeSubscribe:
			c.handleSubscribe(message, s)
		case MessageTypeUnsubscribe:
			c.handleUnsubscribe(message, s)
		case MessageTypeHeartbeat:
			c.Send <- WebSocketMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now(),
				Data:      map[string]interface{}{"status": "pong"},
			}
		default:
			s.logger.Warn("unknown websocket message type", "type", message.Type, "client_id", c.ID)
		}
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscribe processes subscription requests
func (c *WebSocketClient) handleSubscribe(message WebSocketMessage, s *Server) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "invalid subscription data format",
		}
		return
	}

	topics, ok := data["topics"].([]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "invalid topics format",
		}
		return
	}

	c.mu.Lock()
	for _, topic := range topics {
		if topicStr, ok := topic.(string); ok {
			c.Subscriptions[topicStr] = true
			s.logger.Info("client subscribed to topic", "client_id", c.ID, "topic", topicStr)
		}
	}
	c.mu.Unlock()

	c.Send <- WebSocketMessage{
		Type:      "subscription_confirmed",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"subscribed_topics": topics,
		},
	}
}

// handleUnsubscribe processes unsubscription requests
func (c *WebSocketClient) handleUnsubscribe(message WebSocketMessage, s *Server) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "invalid unsubscription data format",
		}
		return
	}

	topics, ok := data["topics"].([]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "invalid topics format",
		}
		return
	}

	c.mu.Lock()
	for _, topic := range topics {
		if topicStr, ok := topic.(string); ok {
			delete(c.Subscriptions, topicStr)
			s.logger.Info("client unsubscribed from topic", "client_id", c.ID, "topic", topicStr)
		}
	}
	c.mu.Unlock()

	c.Send <- WebSocketMessage{
		Type:      "unsubscription_confirmed",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"unsubscribed_topics": topics,
		},
	}
}
