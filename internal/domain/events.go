package domain

import "github.com/google/uuid"

// Outbound event names (server -> client)
const (
	EventCallIncoming            = "call:incoming"
	EventCallSignal              = "call:signal"
	EventCallParticipantJoined   = "call:participant-joined"
	EventCallParticipantLeft     = "call:participant-left"
	EventCallParticipantMuted    = "call:participant-muted"
	EventCallParticipantSpeaking = "call:participant-speaking"
	EventCallEnded               = "call:ended"
	EventTyping                  = "typing"
)

// End reasons carried on call:ended events
const (
	EndReasonRemoved = "removed"
	EndReasonMissed  = "missed"
	EndReasonTimeout = "timeout"
)

// IncomingCallPayload notifies a user of a new or joined call.
type IncomingCallPayload struct {
	CallID    uuid.UUID              `json:"callId"`
	From      uuid.UUID              `json:"from"`
	To        uuid.UUID              `json:"to"`
	Type      CallType               `json:"type"`
	Offer     map[string]interface{} `json:"offer,omitempty"`
	Initiator *UserProfile           `json:"initiator,omitempty"`
	Receiver  *UserProfile           `json:"receiver,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// SignalPayload relays an opaque negotiation payload between participants.
type SignalPayload struct {
	CallID uuid.UUID              `json:"callId"`
	Type   string                 `json:"type"`
	From   uuid.UUID              `json:"from"`
	To     *uuid.UUID             `json:"to,omitempty"`
	Signal map[string]interface{} `json:"signal"`
}

// ParticipantJoinedPayload announces newly joined participants.
type ParticipantJoinedPayload struct {
	CallID         uuid.UUID   `json:"callId"`
	ParticipantIDs []uuid.UUID `json:"participantIds"`
	By             uuid.UUID   `json:"by"`
}

// ParticipantLeftPayload announces a participant leaving or being removed.
type ParticipantLeftPayload struct {
	CallID        uuid.UUID `json:"callId"`
	ParticipantID uuid.UUID `json:"participantId"`
	By            uuid.UUID `json:"by"`
}

// ParticipantMutedPayload propagates a mute-state change.
type ParticipantMutedPayload struct {
	CallID        uuid.UUID `json:"callId"`
	ParticipantID uuid.UUID `json:"participantId"`
	IsMuted       bool      `json:"isMuted"`
}

// ParticipantSpeakingPayload propagates a speaking-state change.
type ParticipantSpeakingPayload struct {
	CallID        uuid.UUID `json:"callId"`
	ParticipantID uuid.UUID `json:"participantId"`
	IsSpeaking    bool      `json:"isSpeaking"`
}

// CallEndedPayload announces that a call reached a terminal state.
type CallEndedPayload struct {
	CallID uuid.UUID `json:"callId"`
	Reason string    `json:"reason,omitempty"`
	By     uuid.UUID `json:"by"`
}

// TypingPayload propagates a chat-scoped typing indicator.
type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}
