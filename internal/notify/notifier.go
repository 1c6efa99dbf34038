// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chatgate/internal/actor"
)

// =============================================================================
// ALERT
// =============================================================================

// Alert is the structured payload handed to the notification sink.
// Identity fields are already masked when the Alert is built.
type Alert struct {
	ID              string     `json:"id"`
	EventClass      EventClass `json:"event_class"`
	MaskedActorName string     `json:"masked_actor_name"`
	MaskedActorID   string     `json:"masked_actor_id"`
	ChatID          int64      `json:"chat_id"`
	Command         string     `json:"command"`
	Hint            string     `json:"hint"`
	At              time.Time  `json:"at"`
}

// Sink is the external notification collaborator. Implementations must
// tolerate best-effort delivery: a returned error is logged and dropped.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSink is the default Sink: it writes alerts to the operational log.
// Deployments wire a transport-backed sink in its place.
type LogSink struct {
	Log *zap.Logger
}

// Send logs the alert at the severity implied by its event class.
func (s *LogSink) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("event_class", string(alert.EventClass)),
		zap.String("actor", alert.MaskedActorName),
		zap.String("actor_id", alert.MaskedActorID),
		zap.Int64("chat_id", alert.ChatID),
		zap.String("command", alert.Command),
		zap.String("hint", alert.Hint),
	}
	switch alert.EventClass {
	case EventUnrestrictedUnauthorized:
		s.Log.Info("operator alert", fields...)
	default:
		s.Log.Warn("operator alert", fields...)
	}
	return nil
}

// =============================================================================
// NOTIFIER
// =============================================================================

const (
	// queueDepth bounds the in-flight alert queue. A full queue drops
	// the alert: alerting must never apply backpressure to verdicts.
	queueDepth = 64

	// defaultRatePerMinute bounds outbound deliveries to the sink.
	defaultRatePerMinute = 30
)

// Notifier throttles, masks, and asynchronously delivers alerts.
// Dispatch never blocks the caller and never reports failure upward:
// side effects must not change a verdict already computed.
type Notifier struct {
	throttle *Throttle
	sink     Sink
	limiter  *rate.Limiter
	log      *zap.Logger

	queue  chan Alert
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates and starts a Notifier. ratePerMinute bounds sink
// deliveries; zero applies the default.
func NewNotifier(throttle *Throttle, sink Sink, ratePerMinute int, log *zap.Logger) *Notifier {
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		throttle: throttle,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), ratePerMinute),
		log:      log,
		queue:    make(chan Alert, queueDepth),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go n.deliverLoop(ctx)
	return n
}

// Dispatch queues an alert for the actor and event class unless the
// suppression window swallows it. It masks identity fields, never
// blocks, and returns whether the alert was accepted for delivery.
func (n *Notifier) Dispatch(id actor.Identity, event EventClass, command, hint string, now time.Time) bool {
	if !n.throttle.ShouldNotify(id, event, now) {
		return false
	}

	alert := Alert{
		ID:              uuid.NewString(),
		EventClass:      event,
		MaskedActorName: MaskName(id.Name),
		MaskedActorID:   MaskID(id.UserID),
		ChatID:          id.ChatID,
		Command:         command,
		Hint:            hint,
		At:              now,
	}

	select {
	case n.queue <- alert:
		return true
	default:
		n.log.Warn("alert queue full, dropping alert",
			zap.String("event_class", string(event)),
			zap.String("actor_id", alert.MaskedActorID),
		)
		return false
	}
}

// deliverLoop drains the queue, pacing deliveries with the rate limiter.
// Delivery errors are logged and swallowed.
func (n *Notifier) deliverLoop(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			if err := n.sink.Send(ctx, alert); err != nil {
				n.log.Warn("alert delivery failed",
					zap.String("alert_id", alert.ID),
					zap.String("event_class", string(alert.EventClass)),
					zap.Error(err),
				)
			}
		}
	}
}

// Close stops the delivery loop. Queued but undelivered alerts are
// dropped; they are best effort by contract.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}
