package call

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"callgrid-backend/internal/domain"
	"callgrid-backend/internal/realtime"
	apperrors "callgrid-backend/pkg/errors"
	"callgrid-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

type mockCallStore struct {
	mock.Mock
}

func (m *mockCallStore) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *mockCallStore) Update(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *mockCallStore) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *mockCallStore) GetLatestByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *mockCallStore) GetActiveByChatForUser(ctx context.Context, chatID, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, chatID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *mockCallStore) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

type mockSettingsStore struct {
	mock.Mock
}

func (m *mockSettingsStore) Get(ctx context.Context, userID uuid.UUID) (*domain.CallSettings, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSettings), args.Error(1)
}

func (m *mockSettingsStore) Upsert(ctx context.Context, settings *domain.CallSettings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

type mockTelemetryStore struct {
	mock.Mock
}

func (m *mockTelemetryStore) Save(ctx context.Context, sample *domain.CallTelemetry) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

func (m *mockTelemetryStore) GetRecent(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallTelemetry, error) {
	args := m.Called(ctx, callID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallTelemetry), args.Error(1)
}

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserProfile), args.Error(1)
}

type mockEmitter struct {
	mock.Mock
}

func (m *mockEmitter) EmitToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{}) {
	m.Called(ctx, userID, event, payload)
}

func (m *mockEmitter) EmitToUsers(ctx context.Context, userIDs []uuid.UUID, event string, payload interface{}, excludeUserID uuid.UUID) {
	m.Called(ctx, userIDs, event, payload, excludeUserID)
}

type mockTokenIssuer struct {
	mock.Mock
}

func (m *mockTokenIssuer) Negotiate(userID uuid.UUID) (*realtime.NegotiateResponse, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*realtime.NegotiateResponse), args.Error(1)
}

type serviceMocks struct {
	calls     *mockCallStore
	settings  *mockSettingsStore
	telemetry *mockTelemetryStore
	users     *mockUserDirectory
	emitter   *mockEmitter
	tokens    *mockTokenIssuer
}

func newTestService() (*Service, *serviceMocks) {
	m := &serviceMocks{
		calls:     new(mockCallStore),
		settings:  new(mockSettingsStore),
		telemetry: new(mockTelemetryStore),
		users:     new(mockUserDirectory),
		emitter:   new(mockEmitter),
		tokens:    new(mockTokenIssuer),
	}
	svc := NewService(m.calls, m.settings, m.telemetry, m.users, m.emitter, m.tokens)
	return svc, m
}

func profileFor(id uuid.UUID, name string) *domain.UserProfile {
	return &domain.UserProfile{UserID: id, DisplayName: name}
}

func ringingCall(initiatorID, receiverID uuid.UUID) *domain.Call {
	call := domain.NewCall(*profileFor(initiatorID, "alice"), []uuid.UUID{receiverID}, domain.CallTypeVideo, nil, nil)
	return &call
}

func ongoingCall(initiatorID, receiverID uuid.UUID) *domain.Call {
	call := *ringingCall(initiatorID, receiverID)
	call = call.UpsertParticipant(domain.CallParticipant{
		UserID:   receiverID,
		Role:     domain.RoleParticipant,
		JoinedAt: time.Now().UTC(),
	})
	call, _ = call.Transition(domain.CallStatusOngoing, time.Now().UTC())
	return &call
}

func TestInitiateCall(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	offer := map[string]interface{}{"sdp": "v=0"}

	m.users.On("GetProfile", ctx, initiatorID).Return(profileFor(initiatorID, "alice"), nil)
	m.users.On("GetProfile", ctx, receiverID).Return(profileFor(receiverID, "bob"), nil)
	m.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)
	m.emitter.On("EmitToUser", ctx, receiverID, domain.EventCallIncoming, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.IncomingCallPayload)
		return ok && payload.From == initiatorID && payload.To == receiverID && payload.Offer != nil
	})).Return()

	call, err := svc.InitiateCall(ctx, initiatorID, receiverID, domain.CallTypeVideo, offer, nil)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, initiatorID, call.InitiatorID)
	if assert.Len(t, call.Participants, 1) {
		assert.Equal(t, domain.RoleHost, call.Participants[0].Role)
	}
	m.emitter.AssertExpectations(t)
	m.calls.AssertExpectations(t)
}

func TestInitiateCall_ReceiverNotFound(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()

	m.users.On("GetProfile", ctx, initiatorID).Return(profileFor(initiatorID, "alice"), nil)
	m.users.On("GetProfile", ctx, receiverID).Return(nil, apperrors.UserNotFoundError())

	_, err := svc.InitiateCall(ctx, initiatorID, receiverID, domain.CallTypeVoice, nil, nil)

	assert.True(t, apperrors.IsNotFound(err))
	m.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestAnswerCall(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ringingCall(initiatorID, receiverID)
	answer := map[string]interface{}{"sdp": "v=0"}

	m.users.On("GetProfile", ctx, receiverID).Return(profileFor(receiverID, "bob"), nil)
	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.MatchedBy(func(c *domain.Call) bool {
		return c.Status == domain.CallStatusOngoing && c.StartedAt != nil
	})).Return(nil)
	m.emitter.On("EmitToUser", ctx, initiatorID, domain.EventCallSignal, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.SignalPayload)
		return ok && payload.Type == "answer" && payload.From == receiverID
	})).Return()
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallParticipantJoined, mock.Anything, receiverID).Return()

	updated, err := svc.AnswerCall(ctx, call.CallID, receiverID, answer)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, updated.Status)
	participant, ok := updated.Participant(receiverID)
	assert.True(t, ok)
	assert.Equal(t, domain.RoleParticipant, participant.Role)
	m.emitter.AssertExpectations(t)
}

func TestAnswerCall_ChatFallbackLookup(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	chatID := uuid.New()
	call := ringingCall(initiatorID, receiverID)

	m.users.On("GetProfile", ctx, receiverID).Return(profileFor(receiverID, "bob"), nil)
	m.calls.On("GetByID", ctx, chatID).Return(nil, apperrors.CallNotFoundError())
	m.calls.On("GetLatestByChat", ctx, chatID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUser", ctx, initiatorID, domain.EventCallSignal, mock.Anything).Return()
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallParticipantJoined, mock.Anything, receiverID).Return()

	updated, err := svc.AnswerCall(ctx, chatID, receiverID, nil)

	assert.NoError(t, err)
	assert.Equal(t, call.CallID, updated.CallID)
}

func TestAnswerCall_UnknownCall(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	callID, userID := uuid.New(), uuid.New()

	m.users.On("GetProfile", ctx, userID).Return(profileFor(userID, "bob"), nil)
	m.calls.On("GetByID", ctx, callID).Return(nil, apperrors.CallNotFoundError())
	m.calls.On("GetLatestByChat", ctx, callID).Return(nil, apperrors.CallNotFoundError())

	_, err := svc.AnswerCall(ctx, callID, userID, nil)

	assert.True(t, apperrors.IsNotFound(err))
}

func TestRejectCall_TimeoutBecomesMissed(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ringingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.MatchedBy(func(c *domain.Call) bool {
		return c.Status == domain.CallStatusMissed
	})).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallEnded, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.CallEndedPayload)
		return ok && payload.Reason == domain.EndReasonTimeout
	}), uuid.Nil).Return()

	updated, err := svc.RejectCall(ctx, call.CallID, receiverID, domain.EndReasonTimeout)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, updated.Status)
	m.calls.AssertExpectations(t)
}

func TestRejectCall_Declined(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ringingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallEnded, mock.Anything, uuid.Nil).Return()

	updated, err := svc.RejectCall(ctx, call.CallID, receiverID, "declined")

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, updated.Status)
}

func TestEndCall_InitiatorHangupWhileRingingIsMissed(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ringingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallEnded, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.CallEndedPayload)
		return ok && payload.Reason == domain.EndReasonMissed && payload.By == initiatorID
	}), uuid.Nil).Return()

	updated, err := svc.EndCall(ctx, call.CallID, initiatorID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, updated.Status)
	m.emitter.AssertExpectations(t)
}

func TestEndCall_OngoingEndsNormally(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallEnded, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.CallEndedPayload)
		return ok && payload.Reason == ""
	}), uuid.Nil).Return()

	updated, err := svc.EndCall(ctx, call.CallID, initiatorID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, updated.Status)
	assert.NotNil(t, updated.DurationSeconds)
}

func TestEndActiveCallByChat(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	chatID := uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetActiveByChatForUser", ctx, chatID, receiverID).Return(call, nil)
	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallEnded, mock.Anything, uuid.Nil).Return()

	updated, err := svc.EndActiveCallByChat(ctx, chatID, receiverID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, updated.Status)
}

func TestEndActiveCallByChat_NoActiveCall(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	chatID, userID := uuid.New(), uuid.New()

	m.calls.On("GetActiveByChatForUser", ctx, chatID, userID).Return(nil, apperrors.CallNotFoundError())

	_, err := svc.EndActiveCallByChat(ctx, chatID, userID)

	assert.True(t, apperrors.IsNotFound(err))
}

func TestAddParticipants_SkipsUnresolvable(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)
	goodID, badID := uuid.New(), uuid.New()

	m.users.On("GetProfile", ctx, initiatorID).Return(profileFor(initiatorID, "alice"), nil)
	m.users.On("GetProfile", ctx, goodID).Return(profileFor(goodID, "carol"), nil)
	m.users.On("GetProfile", ctx, badID).Return(nil, apperrors.UserNotFoundError())
	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUser", ctx, goodID, domain.EventCallIncoming, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.IncomingCallPayload)
		return ok && payload.Reason == "added-to-call" && payload.To == goodID
	})).Return()
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallParticipantJoined, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.ParticipantJoinedPayload)
		return ok && len(payload.ParticipantIDs) == 1 && payload.ParticipantIDs[0] == goodID
	}), initiatorID).Return()

	updated, err := svc.AddParticipants(ctx, call.CallID, []uuid.UUID{goodID, badID}, initiatorID)

	assert.NoError(t, err)
	_, ok := updated.Participant(goodID)
	assert.True(t, ok)
	_, ok = updated.Participant(badID)
	assert.False(t, ok)
	m.emitter.AssertNotCalled(t, "EmitToUser", ctx, badID, domain.EventCallIncoming, mock.Anything)
}

func TestAddParticipants_NoneResolvable(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID := uuid.New()
	badID := uuid.New()

	m.users.On("GetProfile", ctx, initiatorID).Return(profileFor(initiatorID, "alice"), nil)
	m.users.On("GetProfile", ctx, badID).Return(nil, apperrors.UserNotFoundError())

	_, err := svc.AddParticipants(ctx, uuid.New(), []uuid.UUID{badID}, initiatorID)

	appErr := apperrors.GetAppError(err)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
	}
	m.calls.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestRemoveParticipant(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.MatchedBy(func(c *domain.Call) bool {
		p, ok := c.Participant(receiverID)
		return ok && p.LeftAt != nil
	})).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.MatchedBy(func(ids []uuid.UUID) bool {
		for _, id := range ids {
			if id == receiverID {
				return false
			}
		}
		return true
	}), domain.EventCallParticipantLeft, mock.Anything, uuid.Nil).Return()
	m.emitter.On("EmitToUser", ctx, receiverID, domain.EventCallEnded, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.CallEndedPayload)
		return ok && payload.Reason == domain.EndReasonRemoved
	})).Return()

	_, err := svc.RemoveParticipant(ctx, call.CallID, receiverID, initiatorID)

	assert.NoError(t, err)
	m.emitter.AssertExpectations(t)
}

func endedCall(initiatorID, receiverID uuid.UUID) *domain.Call {
	call := *ongoingCall(initiatorID, receiverID)
	call, _ = call.Transition(domain.CallStatusEnded, time.Now().UTC())
	return &call
}

func TestFinalizedCallRejectsParticipantMutations(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	newcomerID := uuid.New()
	call := endedCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.users.On("GetProfile", ctx, initiatorID).Return(profileFor(initiatorID, "alice"), nil)
	m.users.On("GetProfile", ctx, newcomerID).Return(profileFor(newcomerID, "carol"), nil)

	_, err := svc.AddParticipants(ctx, call.CallID, []uuid.UUID{newcomerID}, initiatorID)
	assert.Error(t, err, "adding participants to an ended call")

	_, err = svc.RemoveParticipant(ctx, call.CallID, receiverID, initiatorID)
	assert.Error(t, err, "removing a participant from an ended call")

	_, err = svc.UpdateMuteState(ctx, call.CallID, receiverID, true)
	assert.Error(t, err, "muting a participant of an ended call")

	_, err = svc.UpdateSpeakingState(ctx, call.CallID, receiverID, true)
	assert.Error(t, err, "speaking update on an ended call")

	m.calls.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	m.emitter.AssertNotCalled(t, "EmitToUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.emitter.AssertNotCalled(t, "EmitToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalizedCallMutationErrorClass(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := endedCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := svc.UpdateMuteState(ctx, call.CallID, receiverID, true)

	appErr := apperrors.GetAppError(err)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
	}
}

func TestRemoveParticipant_Unknown(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := svc.RemoveParticipant(ctx, call.CallID, uuid.New(), initiatorID)

	assert.True(t, apperrors.IsNotFound(err))
	m.calls.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestUpdateMuteState(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.MatchedBy(func(c *domain.Call) bool {
		p, _ := c.Participant(receiverID)
		return p.Muted
	})).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallParticipantMuted, mock.MatchedBy(func(p interface{}) bool {
		payload, ok := p.(domain.ParticipantMutedPayload)
		return ok && payload.IsMuted && payload.ParticipantID == receiverID
	}), uuid.Nil).Return()

	_, err := svc.UpdateMuteState(ctx, call.CallID, receiverID, true)

	assert.NoError(t, err)
	m.emitter.AssertExpectations(t)
}

func TestUpdateSpeakingState_ExcludesSpeaker(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallParticipantSpeaking, mock.Anything, receiverID).Return()

	_, err := svc.UpdateSpeakingState(ctx, call.CallID, receiverID, true)

	assert.NoError(t, err)
	m.emitter.AssertExpectations(t)
}

func TestRelaySignal_DirectTarget(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	sig := domain.SignalPayload{
		CallID: call.CallID,
		Type:   "ice-candidate",
		From:   receiverID,
		To:     &initiatorID,
		Signal: map[string]interface{}{"candidate": "..."},
	}

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.emitter.On("EmitToUser", ctx, initiatorID, domain.EventCallSignal, sig).Return()

	err := svc.RelaySignal(ctx, sig)

	assert.NoError(t, err)
	m.emitter.AssertExpectations(t)
	m.emitter.AssertNotCalled(t, "EmitToUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRelaySignal_BroadcastExcludesSender(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	sig := domain.SignalPayload{
		CallID: call.CallID,
		Type:   "renegotiate",
		From:   receiverID,
		Signal: map[string]interface{}{},
	}

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.emitter.On("EmitToUsers", ctx, mock.Anything, domain.EventCallSignal, sig, receiverID).Return()

	err := svc.RelaySignal(ctx, sig)

	assert.NoError(t, err)
	m.emitter.AssertExpectations(t)
}

func TestMutateCall_RetriesOnVersionConflict(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(domain.ErrVersionConflict).Once()
	m.calls.On("Update", ctx, mock.Anything).Return(nil).Once()
	m.emitter.On("EmitToUsers", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	_, err := svc.UpdateMuteState(ctx, call.CallID, receiverID, true)

	assert.NoError(t, err)
	m.calls.AssertNumberOfCalls(t, "Update", 2)
}

func TestMutateCall_ConflictRetriesExhausted(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	initiatorID, receiverID := uuid.New(), uuid.New()
	call := ongoingCall(initiatorID, receiverID)

	m.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	m.calls.On("Update", ctx, mock.Anything).Return(domain.ErrVersionConflict)

	_, err := svc.UpdateMuteState(ctx, call.CallID, receiverID, true)

	appErr := apperrors.GetAppError(err)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
	}
	m.calls.AssertNumberOfCalls(t, "Update", 3)
}

func TestGetUserCallHistory_ClampsPaging(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	userID := uuid.New()

	m.calls.On("GetUserCalls", ctx, userID, 20, 0).Return([]*domain.Call{}, nil).Once()
	m.calls.On("GetUserCalls", ctx, userID, 100, 0).Return([]*domain.Call{}, nil).Once()

	_, err := svc.GetUserCallHistory(ctx, userID, 0, -5)
	assert.NoError(t, err)

	_, err = svc.GetUserCallHistory(ctx, userID, 500, 0)
	assert.NoError(t, err)

	m.calls.AssertExpectations(t)
}

func TestUpdateSettings_PartialMerge(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	userID := uuid.New()
	current := domain.DefaultCallSettings(userID)
	bitrate := 2500

	m.settings.On("Get", ctx, userID).Return(&current, nil)
	m.settings.On("Upsert", ctx, mock.MatchedBy(func(s *domain.CallSettings) bool {
		return s.VideoBitrate == bitrate && s.EchoCancellation
	})).Return(nil)

	updated, err := svc.UpdateSettings(ctx, userID, domain.CallSettingsPatch{VideoBitrate: &bitrate})

	assert.NoError(t, err)
	assert.Equal(t, bitrate, updated.VideoBitrate)
	assert.Equal(t, domain.Resolution720p, updated.PreferredResolution)
}

func TestSaveTelemetry_Validation(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()

	err := svc.SaveTelemetry(ctx, &domain.CallTelemetry{UserID: uuid.New()})
	assert.Error(t, err)

	err = svc.SaveTelemetry(ctx, &domain.CallTelemetry{CallID: uuid.New()})
	assert.Error(t, err)

	m.telemetry.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSaveTelemetry_StampsTimestamp(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	sample := &domain.CallTelemetry{CallID: uuid.New(), UserID: uuid.New()}

	m.telemetry.On("Save", ctx, mock.MatchedBy(func(s *domain.CallTelemetry) bool {
		return !s.Timestamp.IsZero()
	})).Return(nil)

	err := svc.SaveTelemetry(ctx, sample)

	assert.NoError(t, err)
	m.telemetry.AssertExpectations(t)
}

func TestGetCallQuality_AggregatesWindow(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	callID := uuid.New()

	samples := []*domain.CallTelemetry{
		{Metrics: domain.CallQualityMetrics{NetworkQuality: domain.QualityGood, Bandwidth: 100, Latency: 50, PacketLoss: 1, Jitter: 2}},
		{Metrics: domain.CallQualityMetrics{NetworkQuality: domain.QualityPoor, Bandwidth: 200, Latency: 150, PacketLoss: 3, Jitter: 4}},
	}
	m.telemetry.On("GetRecent", ctx, callID, 20).Return(samples, nil)

	agg, err := svc.GetCallQuality(ctx, callID)

	assert.NoError(t, err)
	assert.Equal(t, domain.QualityPoor, agg.NetworkQuality)
	assert.Equal(t, 150.0, agg.Bandwidth)
	assert.Equal(t, 100.0, agg.Latency)
	assert.Equal(t, 2.0, agg.PacketLoss)
	assert.Equal(t, 3.0, agg.Jitter)
}

func TestGetCallQuality_NoSamples(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	callID := uuid.New()

	m.telemetry.On("GetRecent", ctx, callID, 20).Return([]*domain.CallTelemetry{}, nil)

	agg, err := svc.GetCallQuality(ctx, callID)

	assert.NoError(t, err)
	assert.Equal(t, domain.QualityGood, agg.NetworkQuality)
	assert.Zero(t, agg.Bandwidth)
}

func TestNegotiateConnection(t *testing.T) {
	svc, m := newTestService()
	userID := uuid.New()
	resp := &realtime.NegotiateResponse{URL: "https://relay.example.net/client/hubs/signaling", AccessToken: "token"}

	m.tokens.On("Negotiate", userID).Return(resp, nil)

	got, err := svc.NegotiateConnection(context.Background(), userID)

	assert.NoError(t, err)
	assert.Equal(t, resp, got)
}
