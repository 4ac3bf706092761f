// Package ws is the realtime gateway: it upgrades authenticated connections,
// registers them in the local connection registry, and dispatches inbound
// signaling events to the call service.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callgrid-backend/internal/domain"
	"callgrid-backend/internal/presence"
	"callgrid-backend/internal/realtime"
	"callgrid-backend/internal/service/call"
	"callgrid-backend/pkg/constants"
	"callgrid-backend/pkg/env"
	"callgrid-backend/pkg/logger"
	"callgrid-backend/pkg/metrics"
)

// Inbound event names (client -> server)
const (
	inboundSignal            = "call:signal"
	inboundAddParticipants   = "call:add-participants"
	inboundRemoveParticipant = "call:remove-participant"
	inboundMute              = "call:mute"
	inboundSpeaking          = "call:speaking"
	inboundTyping            = "typing"
	inboundSettingsUpdated   = "settings:updated"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin allows any origin unless WS_ALLOWED_ORIGINS narrows it down.
func checkOrigin(r *http.Request) bool {
	allowed := env.GetString("WS_ALLOWED_ORIGINS", "")
	if allowed == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range strings.Split(allowed, ",") {
		if origin == strings.TrimSpace(o) {
			return true
		}
	}
	return false
}

// Gateway accepts realtime connections and routes their traffic.
type Gateway struct {
	registry    *realtime.Registry
	tracker     *presence.Tracker
	callService *call.Service

	maxConnections int
	semaphore      chan struct{}
}

// NewGateway creates a realtime gateway
func NewGateway(registry *realtime.Registry, tracker *presence.Tracker, callService *call.Service) *Gateway {
	maxConns := env.GetInt("WS_MAX_CONNECTIONS", 1000)
	return &Gateway{
		registry:       registry,
		tracker:        tracker,
		callService:    callService,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// outboundEvent is the wire envelope for server -> client messages.
type outboundEvent struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// inboundEvent is the wire envelope for client -> server messages.
type inboundEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client is one live socket. It implements realtime.Connection so the fanout
// can deliver to it through the registry.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	id      string
	userID  uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues an event for delivery. A full send buffer means the client is
// not draining; the event is dropped and an error returned so the registry
// can count the miss.
func (c *Client) Send(event string, payload interface{}) error {
	data, err := json.Marshal(outboundEvent{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection %s", c.id)
	}
}

// ServeWS handles a realtime connection request
// GET /v1/ws
func (g *Gateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("websocket connection rejected: at capacity",
			zap.Int("max_connections", g.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-g.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-g.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 256),
		id:      uuid.New().String(),
		userID:  userID,
		ctx:     ctx,
		cancel:  cancel,
	}

	first := g.registry.Add(userID, client)
	metrics.WebSocketConnectionsActive.Inc()
	if first {
		g.tracker.HandleConnect(ctx, userID)
	} else {
		g.tracker.HandleHeartbeat(ctx, userID)
	}

	logger.Debug("websocket connected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.id))

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) dropClient(client *Client) {
	wasLast := g.registry.Remove(client.userID, client.id)
	metrics.WebSocketConnectionsActive.Dec()
	g.tracker.HandleDisconnect(context.Background(), client.userID, wasLast)
	client.cancel()
	<-g.semaphore

	logger.Debug("websocket disconnected",
		zap.String("user_id", client.userID.String()),
		zap.String("connection_id", client.id),
		zap.Bool("was_last", wasLast))
}

// readPump reads inbound frames until the socket closes.
func (c *Client) readPump() {
	defer func() {
		c.gateway.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		c.gateway.tracker.HandleHeartbeat(c.ctx, c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket closed",
					zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}

		var evt inboundEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			logger.Warn("invalid websocket frame",
				zap.String("user_id", c.userID.String()), zap.Error(err))
			continue
		}

		metrics.WebSocketEventsTotal.WithLabelValues(evt.Event).Inc()
		c.gateway.dispatch(c, evt)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch routes one inbound event to its service operation. Errors are
// logged and never close the connection; signaling is best-effort.
func (g *Gateway) dispatch(client *Client, evt inboundEvent) {
	var err error
	switch evt.Event {
	case inboundSignal:
		err = g.handleSignal(client, evt.Payload)
	case inboundAddParticipants:
		err = g.handleAddParticipants(client, evt.Payload)
	case inboundRemoveParticipant:
		err = g.handleRemoveParticipant(client, evt.Payload)
	case inboundMute:
		err = g.handleMute(client, evt.Payload)
	case inboundSpeaking:
		err = g.handleSpeaking(client, evt.Payload)
	case inboundTyping:
		err = g.handleTyping(client, evt.Payload)
	case inboundSettingsUpdated:
		err = g.handleSettingsUpdated(client, evt.Payload)
	default:
		logger.Debug("unknown websocket event",
			zap.String("event", evt.Event),
			zap.String("user_id", client.userID.String()))
		return
	}

	if err != nil {
		logger.Warn("websocket event failed",
			zap.String("event", evt.Event),
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
	}
}

func (g *Gateway) handleSignal(client *Client, raw json.RawMessage) error {
	var req struct {
		CallID uuid.UUID              `json:"callId"`
		Type   string                 `json:"type"`
		To     *uuid.UUID             `json:"to"`
		Signal map[string]interface{} `json:"signal"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	return g.callService.RelaySignal(client.ctx, domain.SignalPayload{
		CallID: req.CallID,
		Type:   req.Type,
		From:   client.userID,
		To:     req.To,
		Signal: req.Signal,
	})
}

func (g *Gateway) handleAddParticipants(client *Client, raw json.RawMessage) error {
	var req struct {
		CallID         uuid.UUID   `json:"callId"`
		ParticipantIDs []uuid.UUID `json:"participantIds"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	_, err := g.callService.AddParticipants(client.ctx, req.CallID, req.ParticipantIDs, client.userID)
	return err
}

func (g *Gateway) handleRemoveParticipant(client *Client, raw json.RawMessage) error {
	var req struct {
		CallID        uuid.UUID `json:"callId"`
		ParticipantID uuid.UUID `json:"participantId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	_, err := g.callService.RemoveParticipant(client.ctx, req.CallID, req.ParticipantID, client.userID)
	return err
}

func (g *Gateway) handleMute(client *Client, raw json.RawMessage) error {
	var req struct {
		CallID        uuid.UUID `json:"callId"`
		ParticipantID uuid.UUID `json:"participantId"`
		IsMuted       bool      `json:"isMuted"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	_, err := g.callService.UpdateMuteState(client.ctx, req.CallID, req.ParticipantID, req.IsMuted)
	return err
}

func (g *Gateway) handleSpeaking(client *Client, raw json.RawMessage) error {
	var req struct {
		CallID        uuid.UUID  `json:"callId"`
		ParticipantID *uuid.UUID `json:"participantId"`
		IsSpeaking    bool       `json:"isSpeaking"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	participantID := client.userID
	if req.ParticipantID != nil {
		participantID = *req.ParticipantID
	}
	_, err := g.callService.UpdateSpeakingState(client.ctx, req.CallID, participantID, req.IsSpeaking)
	return err
}

func (g *Gateway) handleTyping(client *Client, raw json.RawMessage) error {
	var req struct {
		ConversationID uuid.UUID `json:"conversationId"`
		IsTyping       bool      `json:"isTyping"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	g.tracker.SetTyping(client.ctx, req.ConversationID, client.userID, req.IsTyping)
	return nil
}

func (g *Gateway) handleSettingsUpdated(client *Client, raw json.RawMessage) error {
	var req struct {
		Type     string                   `json:"type"`
		Settings domain.CallSettingsPatch `json:"settings"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if req.Type != "call" {
		return nil
	}
	_, err := g.callService.UpdateSettings(client.ctx, client.userID, req.Settings)
	return err
}
