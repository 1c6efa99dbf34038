// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package actor defines the identity of a requesting chat user.
//
// An Identity is observed once from the transport layer and never
// mutated afterwards. Every per-actor structure in the gate (sessions,
// blocks, notification suppression) is keyed by Identity.Key().
package actor

import "strconv"

// Identity identifies the end user behind an inbound request.
type Identity struct {
	// UserID is the opaque numeric identifier assigned by the chat platform.
	UserID int64

	// ChatID is the conversation the request arrived in.
	ChatID int64

	// Name is the display name reported by the transport. May be empty;
	// used only for operator notifications, always in masked form.
	Name string
}

// Key returns the stable map key for this actor. Two requests from the
// same user in different chats resolve to the same key: authentication
// state follows the user, not the conversation.
func (id Identity) Key() string {
	return strconv.FormatInt(id.UserID, 10)
}

// Valid reports whether the identity carries a usable user identifier.
func (id Identity) Valid() bool {
	return id.UserID != 0
}
