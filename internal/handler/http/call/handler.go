// Package call exposes the REST surface of the call orchestration service.
package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callgrid-backend/internal/domain"
	"callgrid-backend/internal/service/call"
	apperrors "callgrid-backend/pkg/errors"
	"callgrid-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// currentUserID extracts the authenticated user id set by the auth middleware.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func parseCallID(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ReceiverID string                 `json:"receiverId" binding:"required,uuid"`
	Type       string                 `json:"type" binding:"required,oneof=voice video"`
	Offer      map[string]interface{} `json:"offer"`
	ChatID     *string                `json:"chatId" binding:"omitempty,uuid"`
}

// InitiateCall starts a new call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "Invalid receiver ID")
		return
	}

	var chatID *uuid.UUID
	if req.ChatID != nil {
		id, err := uuid.Parse(*req.ChatID)
		if err != nil {
			response.ValidationError(c, "Invalid chat ID")
			return
		}
		chatID = &id
	}

	created, err := h.callService.InitiateCall(c.Request.Context(), userID, receiverID, domain.CallType(req.Type), req.Offer, chatID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, created)
}

// AnswerCallRequest carries the answer payload
type AnswerCallRequest struct {
	Answer map[string]interface{} `json:"answer"`
}

// AnswerCall accepts an incoming call
// POST /v1/calls/:id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req AnswerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	updated, err := h.callService.AnswerCall(c.Request.Context(), callID, userID, req.Answer)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// RejectCallRequest carries an optional rejection reason
type RejectCallRequest struct {
	Reason string `json:"reason"`
}

// RejectCall declines an incoming call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RejectCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	updated, err := h.callService.RejectCall(c.Request.Context(), callID, userID, req.Reason)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// EndCallRequest optionally names the conversation for the fallback path
type EndCallRequest struct {
	ChatID *string `json:"chatId" binding:"omitempty,uuid"`
}

// EndCall terminates a call. When the id does not resolve but the request
// names a conversation, the most recent active call of that conversation is
// ended instead.
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	updated, err := h.callService.EndCall(c.Request.Context(), callID, userID)
	if apperrors.IsNotFound(err) && req.ChatID != nil {
		chatID, parseErr := uuid.Parse(*req.ChatID)
		if parseErr == nil {
			updated, err = h.callService.EndActiveCallByChat(c.Request.Context(), chatID, userID)
		}
	}
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// GetCall returns a single call
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	if _, ok := currentUserID(c); !ok {
		return
	}

	found, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, found)
}

// GetCallHistory lists the authenticated user's calls
// GET /v1/calls?limit=&offset=
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var query struct {
		Limit  int `form:"limit"`
		Offset int `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, query.Limit, query.Offset)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, calls)
}

// AddParticipantsRequest lists the users to add
type AddParticipantsRequest struct {
	ParticipantIDs []string `json:"participantIds" binding:"required,min=1,dive,uuid"`
}

// AddParticipants invites more users into a call
// POST /v1/calls/:id/participants
func (h *Handler) AddParticipants(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	participantIDs := make([]uuid.UUID, len(req.ParticipantIDs))
	for i, idStr := range req.ParticipantIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid participant ID: "+idStr)
			return
		}
		participantIDs[i] = id
	}

	updated, err := h.callService.AddParticipants(c.Request.Context(), callID, participantIDs, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// RemoveParticipant removes a user from a call
// DELETE /v1/calls/:id/participants/:userId
func (h *Handler) RemoveParticipant(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	participantID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid participant ID")
		return
	}

	updated, removeErr := h.callService.RemoveParticipant(c.Request.Context(), callID, participantID, userID)
	if removeErr != nil {
		response.FromAppError(c, removeErr)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// UpdateMuteRequest carries a mute-state change
type UpdateMuteRequest struct {
	ParticipantID string `json:"participantId" binding:"required,uuid"`
	IsMuted       *bool  `json:"isMuted" binding:"required"`
}

// UpdateMuteState changes a participant's mute flag
// PUT /v1/calls/:id/mute
func (h *Handler) UpdateMuteState(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	if _, ok := currentUserID(c); !ok {
		return
	}

	var req UpdateMuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		response.ValidationError(c, "Invalid participant ID")
		return
	}

	updated, err := h.callService.UpdateMuteState(c.Request.Context(), callID, participantID, *req.IsMuted)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// UpdateSpeakingRequest carries a speaking-state change. The participant
// defaults to the authenticated caller.
type UpdateSpeakingRequest struct {
	ParticipantID *string `json:"participantId" binding:"omitempty,uuid"`
	IsSpeaking    *bool   `json:"isSpeaking" binding:"required"`
}

// UpdateSpeakingState changes a participant's speaking flag
// PUT /v1/calls/:id/speaking
func (h *Handler) UpdateSpeakingState(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UpdateSpeakingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	participantID := userID
	if req.ParticipantID != nil {
		id, err := uuid.Parse(*req.ParticipantID)
		if err != nil {
			response.ValidationError(c, "Invalid participant ID")
			return
		}
		participantID = id
	}

	updated, err := h.callService.UpdateSpeakingState(c.Request.Context(), callID, participantID, *req.IsSpeaking)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// GetSettings returns the caller's call settings
// GET /v1/call-settings
func (h *Handler) GetSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	settings, err := h.callService.GetSettings(c.Request.Context(), userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, settings)
}

// UpdateSettings applies a partial settings update
// PUT /v1/call-settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var patch domain.CallSettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	settings, err := h.callService.UpdateSettings(c.Request.Context(), userID, patch)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, settings)
}

// TelemetryRequest is one client-submitted quality sample
type TelemetryRequest struct {
	DurationSeconds int                       `json:"durationSeconds"`
	Metrics         domain.CallQualityMetrics `json:"metrics" binding:"required"`
	Issues          []string                  `json:"issues"`
}

// SaveTelemetry appends a quality sample for a call
// POST /v1/calls/:id/telemetry
func (h *Handler) SaveTelemetry(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sample := &domain.CallTelemetry{
		CallID:          callID,
		UserID:          userID,
		DurationSeconds: req.DurationSeconds,
		Metrics:         req.Metrics,
		Issues:          req.Issues,
	}
	if err := h.callService.SaveTelemetry(c.Request.Context(), sample); err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"callId": callID})
}

// GetCallQuality returns the aggregated quality summary of a call
// GET /v1/calls/:id/quality
func (h *Handler) GetCallQuality(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	if _, ok := currentUserID(c); !ok {
		return
	}

	quality, err := h.callService.GetCallQuality(c.Request.Context(), callID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, quality)
}

// Negotiate issues the relay access credential for the caller's realtime
// transport session
// POST /v1/negotiate
func (h *Handler) Negotiate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	token, err := h.callService.NegotiateConnection(c.Request.Context(), userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, token)
}

// RegisterRoutes mounts the call routes on an authenticated router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("", h.InitiateCall)
		calls.GET("", h.GetCallHistory)
		calls.GET("/:id", h.GetCall)
		calls.POST("/:id/answer", h.AnswerCall)
		calls.POST("/:id/reject", h.RejectCall)
		calls.POST("/:id/end", h.EndCall)
		calls.POST("/:id/participants", h.AddParticipants)
		calls.DELETE("/:id/participants/:userId", h.RemoveParticipant)
		calls.PUT("/:id/mute", h.UpdateMuteState)
		calls.PUT("/:id/speaking", h.UpdateSpeakingState)
		calls.POST("/:id/telemetry", h.SaveTelemetry)
		calls.GET("/:id/quality", h.GetCallQuality)
	}

	settings := rg.Group("/call-settings")
	{
		settings.GET("", h.GetSettings)
		settings.PUT("", h.UpdateSettings)
	}

	rg.POST("/negotiate", h.Negotiate)
}
