package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// CallType represents the media type of a call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus represents call lifecycle state
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusOngoing  CallStatus = "ongoing"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
	CallStatusFailed   CallStatus = "failed"
)

// ParticipantRole represents a participant's role in a call
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleParticipant ParticipantRole = "participant"
)

// ErrVersionConflict is returned by the call store when a conditional write
// loses against a concurrent update. Callers reload and retry.
var ErrVersionConflict = errors.New("call version conflict")

// Call represents a voice/video session between an initiator and target users.
// Calls are value types: lifecycle transitions return a new Call rather than
// mutating in place, and the result is persisted with a version check.
type Call struct {
	CallID          uuid.UUID              `json:"callId"`
	ChatID          *uuid.UUID             `json:"chatId,omitempty"`
	InitiatorID     uuid.UUID              `json:"initiatorId"`
	Type            CallType               `json:"type"`
	Status          CallStatus             `json:"status"`
	TargetUserIDs   []uuid.UUID            `json:"targetUserIds"`
	Participants    []CallParticipant      `json:"participants"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	EndedAt         *time.Time             `json:"endedAt,omitempty"`
	DurationSeconds *int                   `json:"durationSeconds,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Version         int64                  `json:"-"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// CallParticipant is a joined member of a call. Display fields are snapshots
// captured at join time, not live-linked to the user profile.
type CallParticipant struct {
	UserID      uuid.UUID       `json:"userId"`
	DisplayName string          `json:"displayName"`
	Avatar      string          `json:"avatar,omitempty"`
	Role        ParticipantRole `json:"role"`
	JoinedAt    time.Time       `json:"joinedAt"`
	LeftAt      *time.Time      `json:"leftAt,omitempty"`
	Muted       bool            `json:"muted"`
	IsSpeaking  bool            `json:"isSpeaking"`
}

// NewCall creates a call in the ringing state with the initiator already
// joined as host.
func NewCall(initiator UserProfile, targetIDs []uuid.UUID, callType CallType, chatID *uuid.UUID, metadata map[string]interface{}) Call {
	now := time.Now().UTC()
	return Call{
		CallID:        uuid.New(),
		ChatID:        chatID,
		InitiatorID:   initiator.UserID,
		Type:          callType,
		Status:        CallStatusRinging,
		TargetUserIDs: targetIDs,
		Participants: []CallParticipant{{
			UserID:      initiator.UserID,
			DisplayName: initiator.DisplayName,
			Avatar:      initiator.Avatar,
			Role:        RoleHost,
			JoinedAt:    now,
		}},
		Metadata:  metadata,
		Version:   1,
		CreatedAt: now,
	}
}

// SignalGroup is the fan-out scope name for broadcast events of this call.
func (c Call) SignalGroup() string {
	return "call:" + c.CallID.String()
}

// IsActive reports whether the call is in a non-terminal state.
func (c Call) IsActive() bool {
	return c.Status == CallStatusRinging || c.Status == CallStatusOngoing
}

// IsTerminal reports whether the call has reached a final state.
func (c Call) IsTerminal() bool {
	return !c.IsActive()
}

// canTransition validates an edge of the call state machine.
// Legal edges: ringing -> ongoing, and ringing|ongoing -> any terminal state.
func (c Call) canTransition(to CallStatus) bool {
	if c.IsTerminal() {
		return false
	}
	switch to {
	case CallStatusOngoing:
		return c.Status == CallStatusRinging || c.Status == CallStatusOngoing
	case CallStatusEnded, CallStatusRejected, CallStatusMissed, CallStatusFailed:
		return true
	default:
		return false
	}
}

// Transition returns a copy of the call moved to the given status.
// StartedAt is set exactly once on the first entry into ongoing. A terminal
// transition stamps EndedAt and derives DurationSeconds when StartedAt exists.
func (c Call) Transition(to CallStatus, at time.Time) (Call, error) {
	if !c.canTransition(to) {
		return c, fmt.Errorf("illegal call transition %s -> %s", c.Status, to)
	}

	next := c.clone()
	next.Status = to

	if to == CallStatusOngoing && next.StartedAt == nil {
		t := at
		next.StartedAt = &t
	}

	if next.IsTerminal() {
		t := at
		next.EndedAt = &t
		if next.StartedAt != nil {
			secs := int(math.Round(t.Sub(*next.StartedAt).Seconds()))
			if secs < 0 {
				secs = 0
			}
			next.DurationSeconds = &secs
		}
	}

	return next, nil
}

// UpsertParticipant adds a participant or updates the existing entry for the
// same user in place. The participant list never holds two entries for one
// user id; re-adding a removed participant clears LeftAt.
func (c Call) UpsertParticipant(p CallParticipant) Call {
	next := c.clone()
	for i, existing := range next.Participants {
		if existing.UserID == p.UserID {
			p.JoinedAt = existing.JoinedAt
			p.LeftAt = nil
			next.Participants[i] = p
			return next
		}
	}
	next.Participants = append(next.Participants, p)
	return next
}

// MarkParticipantLeft sets LeftAt on the matching participant. The entry is
// preserved for history; marking an already-removed participant is a no-op.
func (c Call) MarkParticipantLeft(userID uuid.UUID, at time.Time) Call {
	next := c.clone()
	for i, p := range next.Participants {
		if p.UserID == userID && p.LeftAt == nil {
			t := at
			next.Participants[i].LeftAt = &t
		}
	}
	return next
}

// SetParticipantMuted updates the muted flag of the matching participant.
// The second return value reports whether the participant was found.
func (c Call) SetParticipantMuted(userID uuid.UUID, muted bool) (Call, bool) {
	next := c.clone()
	for i, p := range next.Participants {
		if p.UserID == userID {
			next.Participants[i].Muted = muted
			return next, true
		}
	}
	return c, false
}

// SetParticipantSpeaking updates the speaking flag of the matching participant.
func (c Call) SetParticipantSpeaking(userID uuid.UUID, speaking bool) (Call, bool) {
	next := c.clone()
	for i, p := range next.Participants {
		if p.UserID == userID {
			next.Participants[i].IsSpeaking = speaking
			return next, true
		}
	}
	return c, false
}

// Participant returns the entry for the given user id, if present.
func (c Call) Participant(userID uuid.UUID) (CallParticipant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return CallParticipant{}, false
}

// Involves reports whether the user is the initiator, an invitee, or a
// participant of the call.
func (c Call) Involves(userID uuid.UUID) bool {
	if c.InitiatorID == userID {
		return true
	}
	for _, id := range c.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	_, ok := c.Participant(userID)
	return ok
}

// RecipientIDs computes the broadcast recipient set: the union of the
// initiator, all invited users, and all participants, deduplicated, minus the
// given exclusions.
func (c Call) RecipientIDs(exclude ...uuid.UUID) []uuid.UUID {
	excluded := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if id == uuid.Nil || seen[id] || excluded[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(c.InitiatorID)
	for _, id := range c.TargetUserIDs {
		add(id)
	}
	for _, p := range c.Participants {
		add(p.UserID)
	}
	return out
}

// clone deep-copies the slices so transition functions never alias the input.
// Metadata is copied recursively: it carries decoded JSON such as the WebRTC
// offer, so nested maps and slices must not stay shared either.
func (c Call) clone() Call {
	next := c
	next.TargetUserIDs = append([]uuid.UUID(nil), c.TargetUserIDs...)
	next.Participants = append([]CallParticipant(nil), c.Participants...)
	if c.Metadata != nil {
		next.Metadata = copyMetadata(c.Metadata)
	}
	return next
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyMetadataValue(v)
	}
	return out
}

func copyMetadataValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMetadata(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = copyMetadataValue(elem)
		}
		return out
	default:
		return v
	}
}
