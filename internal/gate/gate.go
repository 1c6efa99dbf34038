// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gate decides, per inbound request, whether the request
// proceeds, must first complete a second-factor challenge, or is
// rejected with the actor penalized.
//
// Evaluate is the single entry point invoked by the transport layer.
// All state mutations for one actor run inside that actor's exclusive
// section; unrelated actors never wait on each other. Side effects
// (operator alerts, the audit trail) are dispatched after the section
// is released and can never change a verdict already computed.
package gate

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/chatgate/internal/actor"
	"github.com/jeranaias/chatgate/internal/audit"
	"github.com/jeranaias/chatgate/internal/block"
	"github.com/jeranaias/chatgate/internal/notify"
	"github.com/jeranaias/chatgate/internal/policy"
	"github.com/jeranaias/chatgate/internal/secondfactor"
	"github.com/jeranaias/chatgate/internal/session"
)

// =============================================================================
// REQUEST
// =============================================================================

// Request is the inbound record handed over by the transport layer.
type Request struct {
	// Actor identifies the requesting user and chat context.
	Actor actor.Identity

	// Command is the raw command string of the request.
	Command string

	// Code is the candidate second-factor code, when the transport
	// recognized one. Empty otherwise.
	Code string

	// Referer names the handler or command path that produced the request.
	Referer string
}

// =============================================================================
// GATE
// =============================================================================

// Audit event types recorded by the gate.
const (
	eventAllowed           = "ACCESS_ALLOWED"
	eventDenied            = "ACCESS_DENIED"
	eventChallenge         = "ACCESS_CHALLENGE"
	eventUnrestricted      = "ACCESS_UNRESTRICTED"
	eventBlockPlaced       = "ACTOR_BLOCKED"
	eventCodeFailed        = "SECOND_FACTOR_FAILED"
	eventCodeVerified      = "SECOND_FACTOR_VERIFIED"
	eventAdminUnblock      = "ADMIN_UNBLOCK"
	eventSessionInvalidate = "SESSION_INVALIDATED"
)

// transitionRetries bounds compare-and-set retry loops. Under the
// per-actor lock a stale transition means another component raced the
// same actor through the sweep path; one re-read resolves it.
const transitionRetries = 3

// Gate composes the per-actor stores into the per-request verdict.
type Gate struct {
	policy   *policy.Policy
	sessions *session.Store
	blocks   *block.Registry
	verifier *secondfactor.Verifier
	notifier *notify.Notifier
	trail    *audit.Trail
	log      *zap.Logger

	// now supplies wall-clock time for every check. Injectable so tests
	// drive expiry without sleeping.
	now func() time.Time
}

// Option is a functional option for configuring a Gate.
type Option func(*Gate)

// WithClock replaces the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// New creates a Gate over the given collaborators.
func New(
	pol *policy.Policy,
	sessions *session.Store,
	blocks *block.Registry,
	verifier *secondfactor.Verifier,
	notifier *notify.Notifier,
	trail *audit.Trail,
	log *zap.Logger,
	opts ...Option,
) *Gate {
	g := &Gate{
		policy:   pol,
		sessions: sessions,
		blocks:   blocks,
		verifier: verifier,
		notifier: notifier,
		trail:    trail,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// =============================================================================
// EVALUATION
// =============================================================================

// pendingAlert is an operator alert decided under the actor lock and
// dispatched after release.
type pendingAlert struct {
	class notify.EventClass
	hint  string
}

// pendingEvent is an audit entry decided under the actor lock.
type pendingEvent struct {
	eventType string
	success   bool
	metadata  map[string]string
}

// Evaluate produces the verdict for one inbound request. A cancelled
// context denies without touching any state.
func (g *Gate) Evaluate(ctx context.Context, req Request) Verdict {
	if ctx.Err() != nil {
		return deny(DenyUnauthorized)
	}
	now := g.now()
	maskedID := notify.MaskID(req.Actor.UserID)

	// Step 1: unrestricted commands bypass authorization entirely. They
	// never touch counters or sessions; the only side effects are the
	// access log and a low-severity alert for unknown actors.
	if g.policy.IsUnrestricted(req.Command) {
		authorized := g.policy.IsAuthorized(req.Actor.UserID)
		g.record(req, now, pendingEvent{
			eventType: eventUnrestricted,
			success:   true,
			metadata:  map[string]string{"authorized": boolString(authorized)},
		})
		if !authorized {
			g.notifier.Dispatch(req.Actor, notify.EventUnrestrictedUnauthorized,
				req.Command, "unrestricted command used by unauthorized actor", now)
		}
		g.log.Debug("unrestricted command allowed",
			zap.String("actor", maskedID),
			zap.String("command", req.Command),
		)
		return allow()
	}

	// Steps 2-4 mutate per-actor state and run inside the actor's
	// exclusive section. Alerts and audit events are collected and
	// emitted only after the section is released.
	var (
		verdict Verdict
		alerts  []pendingAlert
		events  []pendingEvent
	)
	g.sessions.WithActor(req.Actor, func() {
		verdict, alerts, events = g.evaluateLocked(req, now)
	})

	for _, e := range events {
		g.record(req, now, e)
	}
	for _, a := range alerts {
		g.notifier.Dispatch(req.Actor, a.class, req.Command, a.hint, now)
	}
	return verdict
}

// evaluateLocked runs steps 2-4 of the evaluation under the actor lock.
func (g *Gate) evaluateLocked(req Request, now time.Time) (Verdict, []pendingAlert, []pendingEvent) {
	var alerts []pendingAlert
	var events []pendingEvent

	// Step 2: a live block denies immediately without touching the
	// session. Cost matches the unauthorized path below: one map read.
	if g.blocks.IsBlocked(req.Actor, now) {
		events = append(events, pendingEvent{eventType: eventDenied, metadata: map[string]string{"reason": string(DenyBlocked)}})
		return deny(DenyBlocked), alerts, events
	}

	// Step 3: actors outside the authorized set accumulate failures in
	// the block registry until the threshold blocks them.
	if !g.policy.IsAuthorized(req.Actor.UserID) {
		count, blocked := g.blocks.RecordFailure(req.Actor, "repeated unauthorized access", now)
		if blocked {
			events = append(events, pendingEvent{
				eventType: eventBlockPlaced,
				metadata:  map[string]string{"failures": strconv.Itoa(count), "reason": "repeated unauthorized access"},
			})
			alerts = append(alerts, pendingAlert{notify.EventBlocked, "actor blocked after repeated unauthorized access"})
			return deny(DenyBlocked), alerts, events
		}
		events = append(events, pendingEvent{
			eventType: eventDenied,
			metadata:  map[string]string{"reason": string(DenyUnauthorized), "failures": strconv.Itoa(count)},
		})
		alerts = append(alerts, pendingAlert{notify.EventUnauthorized, "unauthorized access attempt"})
		return deny(DenyUnauthorized), alerts, events
	}

	// Step 4: authorized actors walk the session state machine.
	for attempt := 0; attempt < transitionRetries; attempt++ {
		s := g.sessions.GetOrCreate(req.Actor, req.Referer, now)

		switch s.State {
		case session.StateAuthenticated:
			if !s.Expired(now, g.sessions.Timeout()) {
				if err := g.sessions.Touch(req.Actor, now); err != nil {
					continue // session vanished under us, re-read
				}
				events = append(events, pendingEvent{eventType: eventAllowed, success: true})
				return allow(), alerts, events
			}
			// Expired sessions re-enter the normal flow on the next pass.
			_ = g.sessions.Transition(req.Actor, session.StateAuthenticated, session.StateUnauthenticated)
			continue

		case session.StateUnauthenticated:
			if err := g.sessions.Transition(req.Actor, session.StateUnauthenticated, session.StateProcessing); err != nil {
				continue
			}
			events = append(events, pendingEvent{eventType: eventChallenge, success: true, metadata: map[string]string{"referer": req.Referer}})
			return challenge(), alerts, events

		case session.StateProcessing:
			verdict, a, e := g.verifyCode(req, now)
			return verdict, append(alerts, a...), append(events, e...)

		case session.StateBlocked:
			// The session mirrors a registry block. Step 2 found no live
			// block, so the penalty has expired; drop the stale session
			// and restart the flow.
			g.sessions.Remove(req.Actor)
			continue
		}
	}

	// Retries exhausted. Fail closed rather than guessing a state.
	g.log.Error("session state unstable after retries, denying",
		zap.String("actor", notify.MaskID(req.Actor.UserID)),
	)
	events = append(events, pendingEvent{eventType: eventDenied, metadata: map[string]string{"reason": "state_unstable"}})
	return deny(DenyUnauthorized), alerts, events
}

// verifyCode handles a request arriving while the session awaits a
// second-factor code. Caller holds the actor lock.
func (g *Gate) verifyCode(req Request, now time.Time) (Verdict, []pendingAlert, []pendingEvent) {
	var alerts []pendingAlert
	var events []pendingEvent

	// No candidate code on the request: re-issue the challenge without
	// charging an attempt. Only a wrong code spends one.
	if req.Code == "" {
		events = append(events, pendingEvent{eventType: eventChallenge, success: true})
		return challenge(), alerts, events
	}

	secret, err := g.verifier.SecretFor(req.Actor)
	if err != nil {
		g.log.Error("secret derivation failed", zap.Error(err))
		events = append(events, pendingEvent{eventType: eventDenied, metadata: map[string]string{"reason": "secret_derivation"}})
		return deny(DenyUnauthorized), alerts, events
	}

	if g.verifier.Verify(secret, req.Code, now) {
		if err := g.sessions.Transition(req.Actor, session.StateProcessing, session.StateAuthenticated); err != nil {
			// Lost the session mid-verification; make the actor restart.
			events = append(events, pendingEvent{eventType: eventChallenge, success: true})
			return challenge(), alerts, events
		}
		if err := g.sessions.ResetAttempts(req.Actor); err == nil {
			_ = g.sessions.Touch(req.Actor, now)
		}
		events = append(events, pendingEvent{eventType: eventCodeVerified, success: true})
		events = append(events, pendingEvent{eventType: eventAllowed, success: true})
		return allow(), alerts, events
	}

	count, err := g.sessions.RecordAttempt(req.Actor, now)
	if err != nil {
		events = append(events, pendingEvent{eventType: eventChallenge, success: true})
		return challenge(), alerts, events
	}
	events = append(events, pendingEvent{
		eventType: eventCodeFailed,
		metadata:  map[string]string{"attempts": strconv.Itoa(count)},
	})

	if count >= g.policy.SecondFactor.MaxTOTPAttempts {
		_ = g.sessions.Transition(req.Actor, session.StateProcessing, session.StateBlocked)
		g.blocks.Block(req.Actor, now.Add(g.policy.BlockDuration()), "second-factor attempts exhausted")
		events = append(events, pendingEvent{
			eventType: eventBlockPlaced,
			metadata:  map[string]string{"attempts": strconv.Itoa(count), "reason": "second-factor attempts exhausted"},
		})
		alerts = append(alerts, pendingAlert{notify.EventSecondFactorExhausted, "second-factor attempts exhausted, actor blocked"})
		return deny(DenyBlocked), alerts, events
	}
	return challenge(), alerts, events
}

// =============================================================================
// ADMINISTRATIVE OPERATIONS
// =============================================================================

// ErrNotAdmin is returned when a non-administrator invokes an override.
var ErrNotAdmin = errors.New("actor is not an administrator")

// Unblock removes an actor's block and any mirroring session, on behalf
// of the given administrator.
func (g *Gate) Unblock(admin actor.Identity, target actor.Identity) error {
	if !g.policy.IsAdmin(admin.UserID) {
		return ErrNotAdmin
	}
	now := g.now()

	g.sessions.WithActor(target, func() {
		g.blocks.Unblock(target)
		if s, ok := g.sessions.Get(target); ok && s.State == session.StateBlocked {
			g.sessions.Remove(target)
		}
	})

	event := audit.NewEvent(eventAdminUnblock, notify.MaskID(target.UserID), true, now)
	event.Metadata = map[string]string{"admin": notify.MaskID(admin.UserID)}
	g.trail.Record(event)
	return nil
}

// InvalidateSession removes an actor's session, forcing a fresh
// challenge on their next request.
func (g *Gate) InvalidateSession(admin actor.Identity, target actor.Identity) error {
	if !g.policy.IsAdmin(admin.UserID) {
		return ErrNotAdmin
	}
	now := g.now()

	g.sessions.WithActor(target, func() {
		g.sessions.Remove(target)
	})

	event := audit.NewEvent(eventSessionInvalidate, notify.MaskID(target.UserID), true, now)
	event.Metadata = map[string]string{"admin": notify.MaskID(admin.UserID)}
	g.trail.Record(event)
	return nil
}

// Stats is a point-in-time snapshot of gate state for the admin surface.
type Stats struct {
	Sessions session.Stats `json:"sessions"`
	Blocks   block.Stats   `json:"blocks"`
}

// GetStats returns gate statistics evaluated at the current time.
func (g *Gate) GetStats() Stats {
	return Stats{
		Sessions: g.sessions.GetStats(),
		Blocks:   g.blocks.GetStats(g.now()),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// record writes one audit event for the request.
func (g *Gate) record(req Request, now time.Time, pe pendingEvent) {
	event := audit.NewEvent(pe.eventType, notify.MaskID(req.Actor.UserID), pe.success, now)
	event.ChatID = req.Actor.ChatID
	event.Command = req.Command
	event.Metadata = pe.metadata
	g.trail.Record(event)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
