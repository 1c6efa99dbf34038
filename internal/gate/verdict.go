// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gate

// Decision is the outcome category of an evaluation.
type Decision string

const (
	// DecisionAllow lets the request proceed to dispatch.
	DecisionAllow Decision = "allow"

	// DecisionDeny rejects the request. The verdict carries a reason.
	DecisionDeny Decision = "deny"

	// DecisionChallenge requires the actor to complete a second-factor
	// challenge before the request can proceed.
	DecisionChallenge Decision = "challenge_required"
)

// DenyReason distinguishes denial causes for the transport layer. The
// end user sees a generic denial either way; diagnostic detail travels
// only on the operator channel.
type DenyReason string

const (
	// DenyUnauthorized means the actor is not in the authorized set.
	DenyUnauthorized DenyReason = "unauthorized"

	// DenyBlocked means the actor is under a temporary penalty.
	DenyBlocked DenyReason = "blocked"
)

// Verdict is the authorization outcome returned to the transport layer.
type Verdict struct {
	Decision Decision   `json:"decision"`
	Reason   DenyReason `json:"reason,omitempty"`
}

// Allowed reports whether the request may proceed.
func (v Verdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

func allow() Verdict {
	return Verdict{Decision: DecisionAllow}
}

func deny(reason DenyReason) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

func challenge() Verdict {
	return Verdict{Decision: DecisionChallenge}
}
