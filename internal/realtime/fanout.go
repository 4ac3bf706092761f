package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callgrid-backend/pkg/logger"
	"callgrid-backend/pkg/metrics"
)

// RelaySender is the cross-instance delivery path of the fanout.
type RelaySender interface {
	SendToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{}) error
	SendToGroup(ctx context.Context, group string, event string, payload interface{}) error
}

// Fanout broadcasts events over two channels at once: the process-local
// connection registry and the managed relay. Neither channel is a
// prerequisite for the other; both are best-effort and failures never reach
// the caller. Emits return immediately and deliveries run detached, so a
// slow relay never stalls the operation that triggered the event. Clients
// time out and re-negotiate on missing signals.
type Fanout struct {
	registry *Registry
	relay    RelaySender

	inflight sync.WaitGroup
}

// NewFanout creates the dual-channel broadcaster
func NewFanout(registry *Registry, relay RelaySender) *Fanout {
	return &Fanout{
		registry: registry,
		relay:    relay,
	}
}

// EmitToUser starts local and relay delivery for one recipient and returns
// without waiting on either. The detached sends keep the caller's context
// values but not its cancellation, so an in-flight relay send completes or
// fails on its own after the triggering request finishes.
func (f *Fanout) EmitToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{}) {
	ctx = context.WithoutCancel(ctx)

	f.inflight.Add(2)
	go func() {
		defer f.inflight.Done()
		f.deliverLocal(userID, event, payload)
	}()
	go func() {
		defer f.inflight.Done()
		f.deliverRelay(ctx, userID, event, payload)
	}()
}

// EmitToUsers fans the event out to every recipient except the excluded one.
// Each recipient's deliveries detach independently; a failure for one
// recipient never affects the others. Pass uuid.Nil to exclude nobody.
func (f *Fanout) EmitToUsers(ctx context.Context, userIDs []uuid.UUID, event string, payload interface{}, excludeUserID uuid.UUID) {
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		f.EmitToUser(ctx, userID, event, payload)
	}
}

// EmitToGroup delivers to a named relay group. Groups only exist on the relay
// side; there is no local equivalent. The send detaches like user deliveries.
func (f *Fanout) EmitToGroup(ctx context.Context, group string, event string, payload interface{}) {
	ctx = context.WithoutCancel(ctx)

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		f.deliverGroup(ctx, group, event, payload)
	}()
}

// Wait blocks until every detached delivery has finished. Called on shutdown
// so in-flight sends drain before the process exits; tests use it to observe
// delivery outcomes deterministically.
func (f *Fanout) Wait() {
	f.inflight.Wait()
}

func (f *Fanout) deliverLocal(userID uuid.UUID, event string, payload interface{}) {
	delivered := f.registry.Deliver(userID, event, payload)
	if delivered > 0 {
		metrics.FanoutDeliveriesTotal.WithLabelValues("local", "ok").Inc()
	} else {
		// Not an error: the recipient's socket may live on another instance.
		metrics.FanoutDeliveriesTotal.WithLabelValues("local", "miss").Inc()
	}
}

func (f *Fanout) deliverRelay(ctx context.Context, userID uuid.UUID, event string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("relay delivery panic",
				zap.String("user_id", userID.String()),
				zap.String("event", event),
				zap.Any("panic", r))
			metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "error").Inc()
		}
	}()

	if err := f.relay.SendToUser(ctx, userID, event, payload); err != nil {
		metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "error").Inc()
		logger.Debug("relay delivery failed",
			zap.String("user_id", userID.String()),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "ok").Inc()
}

func (f *Fanout) deliverGroup(ctx context.Context, group string, event string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("group relay delivery panic",
				zap.String("group", group),
				zap.String("event", event),
				zap.Any("panic", r))
			metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "error").Inc()
		}
	}()

	if err := f.relay.SendToGroup(ctx, group, event, payload); err != nil {
		metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "error").Inc()
		logger.Debug("group relay delivery failed",
			zap.String("group", group),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	metrics.FanoutDeliveriesTotal.WithLabelValues("relay", "ok").Inc()
}
