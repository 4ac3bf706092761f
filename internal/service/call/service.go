// Package call implements the call orchestration service: lifecycle
// transitions, participant management, signal relaying, and the settings and
// telemetry read/write paths.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callgrid-backend/internal/domain"
	"callgrid-backend/internal/realtime"
	"callgrid-backend/pkg/constants"
	apperrors "callgrid-backend/pkg/errors"
	"callgrid-backend/pkg/logger"
	"callgrid-backend/pkg/metrics"
)

// CallStore persists call records with a conditional-write contract: Update
// fails with domain.ErrVersionConflict when the stored version moved.
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	Update(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetLatestByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error)
	GetActiveByChatForUser(ctx context.Context, chatID, userID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// SettingsStore persists per-user call settings.
type SettingsStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.CallSettings, error)
	Upsert(ctx context.Context, settings *domain.CallSettings) error
}

// TelemetryStore persists append-only call telemetry samples.
type TelemetryStore interface {
	Save(ctx context.Context, sample *domain.CallTelemetry) error
	GetRecent(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallTelemetry, error)
}

// UserDirectory resolves display snapshots for users.
type UserDirectory interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error)
}

// EventEmitter is the fire-and-forget delivery surface of the realtime fanout.
type EventEmitter interface {
	EmitToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{})
	EmitToUsers(ctx context.Context, userIDs []uuid.UUID, event string, payload interface{}, excludeUserID uuid.UUID)
}

// TokenIssuer issues client access credentials for the managed relay.
type TokenIssuer interface {
	Negotiate(userID uuid.UUID) (*realtime.NegotiateResponse, error)
}

// Service is the call orchestrator. It owns the call state machine and every
// signaling side effect; all state mutation goes through a reload-and-retry
// loop against the store's version check.
type Service struct {
	calls     CallStore
	settings  SettingsStore
	telemetry TelemetryStore
	users     UserDirectory
	emitter   EventEmitter
	tokens    TokenIssuer
}

// NewService creates a call orchestration service
func NewService(calls CallStore, settings SettingsStore, telemetry TelemetryStore, users UserDirectory, emitter EventEmitter, tokens TokenIssuer) *Service {
	return &Service{
		calls:     calls,
		settings:  settings,
		telemetry: telemetry,
		users:     users,
		emitter:   emitter,
		tokens:    tokens,
	}
}

// lookupCall resolves a call by id, falling back to the most recent call of
// the conversation when the id is not a call id. Clients in error-recovery
// paths sometimes only hold the conversation id.
func (s *Service) lookupCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err == nil {
		return call, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	call, chatErr := s.calls.GetLatestByChat(ctx, callID)
	if chatErr != nil {
		return nil, err
	}
	return call, nil
}

// mutateCall applies fn to the current call state and persists the result,
// retrying a bounded number of times when a concurrent writer wins the
// version check.
func (s *Service) mutateCall(ctx context.Context, callID uuid.UUID, fn func(domain.Call) (domain.Call, error)) (*domain.Call, error) {
	for attempt := 0; attempt < constants.MaxCallUpdateRetries; attempt++ {
		current, err := s.lookupCall(ctx, callID)
		if err != nil {
			return nil, err
		}

		next, err := fn(*current)
		if err != nil {
			return nil, err
		}

		if err := s.calls.Update(ctx, &next); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				metrics.CallUpdateConflictsTotal.Inc()
				logger.Debug("call update conflict, retrying",
					zap.String("call_id", current.CallID.String()),
					zap.Int("attempt", attempt+1))
				continue
			}
			return nil, err
		}
		return &next, nil
	}
	return nil, apperrors.ConflictError("Call was modified concurrently, please retry")
}

// InitiateCall creates a ringing call and notifies the receiver.
func (s *Service) InitiateCall(ctx context.Context, initiatorID, receiverID uuid.UUID, callType domain.CallType, offer map[string]interface{}, chatID *uuid.UUID) (*domain.Call, error) {
	initiator, err := s.users.GetProfile(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.users.GetProfile(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	var metadata map[string]interface{}
	if offer != nil {
		metadata = map[string]interface{}{"offer": offer}
	}

	call := domain.NewCall(*initiator, []uuid.UUID{receiverID}, callType, chatID, metadata)
	if err := s.calls.Create(ctx, &call); err != nil {
		return nil, err
	}

	metrics.CallsInitiatedTotal.WithLabelValues(string(callType)).Inc()
	metrics.CallsActive.Inc()
	logger.Info("call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("type", string(callType)))

	s.emitter.EmitToUser(ctx, receiverID, domain.EventCallIncoming, domain.IncomingCallPayload{
		CallID:    call.CallID,
		From:      initiatorID,
		To:        receiverID,
		Type:      callType,
		Offer:     offer,
		Initiator: initiator,
		Receiver:  receiver,
	})

	return &call, nil
}

// AnswerCall joins the answering user, moves the call to ongoing, relays the
// answer payload to the initiator, and announces the join to everyone else.
func (s *Service) AnswerCall(ctx context.Context, callID, userID uuid.UUID, answer map[string]interface{}) (*domain.Call, error) {
	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		role := domain.RoleParticipant
		if c.InitiatorID == userID {
			role = domain.RoleHost
		}
		c = c.UpsertParticipant(domain.CallParticipant{
			UserID:      userID,
			DisplayName: profile.DisplayName,
			Avatar:      profile.Avatar,
			Role:        role,
			JoinedAt:    time.Now().UTC(),
		})
		return c.Transition(domain.CallStatusOngoing, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUser(ctx, call.InitiatorID, domain.EventCallSignal, domain.SignalPayload{
		CallID: call.CallID,
		Type:   "answer",
		From:   userID,
		To:     &call.InitiatorID,
		Signal: answer,
	})

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallParticipantJoined, domain.ParticipantJoinedPayload{
		CallID:         call.CallID,
		ParticipantIDs: []uuid.UUID{userID},
		By:             userID,
	}, userID)

	return call, nil
}

// RejectCall finalizes a call the callee declined. A timeout reason means
// nobody picked up, which finalizes as missed rather than rejected.
func (s *Service) RejectCall(ctx context.Context, callID, userID uuid.UUID, reason string) (*domain.Call, error) {
	status := domain.CallStatusRejected
	if reason == domain.EndReasonTimeout {
		status = domain.CallStatusMissed
	}

	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		return c.Transition(status, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.observeFinalized(call)
	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallEnded, domain.CallEndedPayload{
		CallID: call.CallID,
		Reason: reason,
		By:     userID,
	}, uuid.Nil)

	return call, nil
}

// EndCall finalizes a call. When the initiator hangs up while the call is
// still ringing, nobody ever answered, so the call finalizes as missed
// toward the callees.
func (s *Service) EndCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	var reason string
	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		status := domain.CallStatusEnded
		reason = ""
		if c.Status == domain.CallStatusRinging && c.InitiatorID == userID {
			status = domain.CallStatusMissed
			reason = domain.EndReasonMissed
		}
		return c.Transition(status, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.observeFinalized(call)
	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallEnded, domain.CallEndedPayload{
		CallID: call.CallID,
		Reason: reason,
		By:     userID,
	}, uuid.Nil)

	return call, nil
}

// EndActiveCallByChat ends the most recent active call of a conversation the
// user is involved in. Fallback for clients that only know the conversation.
func (s *Service) EndActiveCallByChat(ctx context.Context, chatID, userID uuid.UUID) (*domain.Call, error) {
	active, err := s.calls.GetActiveByChatForUser(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	return s.EndCall(ctx, active.CallID, userID)
}

// AddParticipants resolves and joins each requested user, notifies the new
// members, and announces the join to the rest of the call. Users whose
// profile cannot be resolved are skipped, not fatal.
func (s *Service) AddParticipants(ctx context.Context, callID uuid.UUID, participantIDs []uuid.UUID, requestedBy uuid.UUID) (*domain.Call, error) {
	requester, err := s.users.GetProfile(ctx, requestedBy)
	if err != nil {
		return nil, err
	}

	var profiles []*domain.UserProfile
	var addedIDs []uuid.UUID
	for _, id := range participantIDs {
		profile, err := s.users.GetProfile(ctx, id)
		if err != nil {
			logger.Warn("skipping unresolvable participant",
				zap.String("call_id", callID.String()),
				zap.String("user_id", id.String()),
				zap.Error(err))
			continue
		}
		profiles = append(profiles, profile)
		addedIDs = append(addedIDs, id)
	}
	if len(profiles) == 0 {
		return nil, apperrors.ValidationError("No resolvable participants to add")
	}

	now := time.Now().UTC()
	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		if c.IsTerminal() {
			return c, apperrors.ValidationError("Call already finalized")
		}
		for _, profile := range profiles {
			c = c.UpsertParticipant(domain.CallParticipant{
				UserID:      profile.UserID,
				DisplayName: profile.DisplayName,
				Avatar:      profile.Avatar,
				Role:        domain.RoleParticipant,
				JoinedAt:    now,
			})
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range addedIDs {
		s.emitter.EmitToUser(ctx, id, domain.EventCallIncoming, domain.IncomingCallPayload{
			CallID:    call.CallID,
			From:      requestedBy,
			To:        id,
			Type:      call.Type,
			Initiator: requester,
			Reason:    "added-to-call",
		})
	}

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallParticipantJoined, domain.ParticipantJoinedPayload{
		CallID:         call.CallID,
		ParticipantIDs: addedIDs,
		By:             requestedBy,
	}, requestedBy)

	return call, nil
}

// RemoveParticipant marks a participant as left, announces the departure, and
// tells the removed user their call is over.
func (s *Service) RemoveParticipant(ctx context.Context, callID, participantID, requestedBy uuid.UUID) (*domain.Call, error) {
	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		if c.IsTerminal() {
			return c, apperrors.ValidationError("Call already finalized")
		}
		if _, ok := c.Participant(participantID); !ok {
			return c, apperrors.NotFoundError("Participant")
		}
		return c.MarkParticipantLeft(participantID, time.Now().UTC()), nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(participantID), domain.EventCallParticipantLeft, domain.ParticipantLeftPayload{
		CallID:        call.CallID,
		ParticipantID: participantID,
		By:            requestedBy,
	}, uuid.Nil)

	s.emitter.EmitToUser(ctx, participantID, domain.EventCallEnded, domain.CallEndedPayload{
		CallID: call.CallID,
		Reason: domain.EndReasonRemoved,
		By:     requestedBy,
	})

	return call, nil
}

// UpdateMuteState persists a participant's mute flag and propagates it.
func (s *Service) UpdateMuteState(ctx context.Context, callID, participantID uuid.UUID, muted bool) (*domain.Call, error) {
	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		if c.IsTerminal() {
			return c, apperrors.ValidationError("Call already finalized")
		}
		next, ok := c.SetParticipantMuted(participantID, muted)
		if !ok {
			return c, apperrors.NotFoundError("Participant")
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallParticipantMuted, domain.ParticipantMutedPayload{
		CallID:        call.CallID,
		ParticipantID: participantID,
		IsMuted:       muted,
	}, uuid.Nil)

	return call, nil
}

// UpdateSpeakingState persists a participant's speaking flag and propagates
// it to everyone but the speaker, who already knows their own state.
func (s *Service) UpdateSpeakingState(ctx context.Context, callID, participantID uuid.UUID, speaking bool) (*domain.Call, error) {
	call, err := s.mutateCall(ctx, callID, func(c domain.Call) (domain.Call, error) {
		if c.IsTerminal() {
			return c, apperrors.ValidationError("Call already finalized")
		}
		next, ok := c.SetParticipantSpeaking(participantID, speaking)
		if !ok {
			return c, apperrors.NotFoundError("Participant")
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallParticipantSpeaking, domain.ParticipantSpeakingPayload{
		CallID:        call.CallID,
		ParticipantID: participantID,
		IsSpeaking:    speaking,
	}, participantID)

	return call, nil
}

// RelaySignal forwards an opaque negotiation payload: directly when a target
// is named, otherwise to every other member of the call.
func (s *Service) RelaySignal(ctx context.Context, sig domain.SignalPayload) error {
	call, err := s.lookupCall(ctx, sig.CallID)
	if err != nil {
		return err
	}

	if sig.To != nil {
		s.emitter.EmitToUser(ctx, *sig.To, domain.EventCallSignal, sig)
		return nil
	}

	s.emitter.EmitToUsers(ctx, call.RecipientIDs(), domain.EventCallSignal, sig, sig.From)
	return nil
}

// GetCall returns a call by id, using the conversation fallback lookup.
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.lookupCall(ctx, callID)
}

// GetUserCallHistory lists the user's calls, newest first.
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.calls.GetUserCalls(ctx, userID, limit, offset)
}

// GetSettings returns the user's call settings, creating defaults on first
// access.
func (s *Service) GetSettings(ctx context.Context, userID uuid.UUID) (*domain.CallSettings, error) {
	return s.settings.Get(ctx, userID)
}

// UpdateSettings applies a partial settings update and returns the result.
func (s *Service) UpdateSettings(ctx context.Context, userID uuid.UUID, patch domain.CallSettingsPatch) (*domain.CallSettings, error) {
	current, err := s.settings.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	next := current.Merge(patch)
	if err := s.settings.Upsert(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// SaveTelemetry appends one quality sample for a call.
func (s *Service) SaveTelemetry(ctx context.Context, sample *domain.CallTelemetry) error {
	if sample.CallID == uuid.Nil {
		return apperrors.MissingFieldError("callId")
	}
	if sample.UserID == uuid.Nil {
		return apperrors.MissingFieldError("userId")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	if err := s.telemetry.Save(ctx, sample); err != nil {
		metrics.TelemetrySamplesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.TelemetrySamplesTotal.WithLabelValues("ok").Inc()
	return nil
}

// GetCallQuality summarizes the most recent telemetry window for a call:
// rounded mean of the numeric metrics, worst observed quality label.
func (s *Service) GetCallQuality(ctx context.Context, callID uuid.UUID) (*domain.CallQualityMetrics, error) {
	samples, err := s.telemetry.GetRecent(ctx, callID, constants.QualitySampleWindow)
	if err != nil {
		return nil, err
	}
	agg := domain.AggregateQuality(samples)
	return &agg, nil
}

// NegotiateConnection issues the relay access credential a client needs to
// open its realtime transport session.
func (s *Service) NegotiateConnection(ctx context.Context, userID uuid.UUID) (*realtime.NegotiateResponse, error) {
	return s.tokens.Negotiate(userID)
}

func (s *Service) observeFinalized(call *domain.Call) {
	metrics.CallsFinalizedTotal.WithLabelValues(string(call.Status)).Inc()
	metrics.CallsActive.Dec()
	if call.DurationSeconds != nil {
		metrics.CallDurationSeconds.Observe(float64(*call.DurationSeconds))
	}
	logger.Info("call finalized",
		zap.String("call_id", call.CallID.String()),
		zap.String("status", string(call.Status)))
}
