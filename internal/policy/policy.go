// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy provides the static access-control policy for chatgate.
//
// The policy is loaded once at process start from a TOML file with
// environment variable overrides, validated, and then shared by
// read-only reference across all components. It is never mutated at
// runtime; operational changes require a restart (see Watcher).
package policy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultMaxAttempts is the number of authorization failures before
	// an actor is blocked.
	DefaultMaxAttempts = 3

	// DefaultBlockDurationSecs is how long a block lasts (15 minutes).
	DefaultBlockDurationSecs = 900

	// DefaultSessionTimeoutSecs is the idle timeout for authenticated
	// sessions (15 minutes).
	DefaultSessionTimeoutSecs = 900

	// DefaultCleanupIntervalSecs is the housekeeper sweep interval.
	DefaultCleanupIntervalSecs = 60

	// DefaultSuppressionSecs is the window during which duplicate
	// operator alerts for the same actor and event are suppressed.
	DefaultSuppressionSecs = 300

	// DefaultMaxTOTPAttempts is the number of wrong second-factor codes
	// tolerated before the actor is blocked.
	DefaultMaxTOTPAttempts = 5

	// MinSaltLength is the minimum accepted auth salt length. Shorter
	// salts make derived second-factor secrets guessable.
	MinSaltLength = 16
)

// ErrConfiguration indicates the policy file is missing required values
// or carries malformed ones. It is fatal at startup.
var ErrConfiguration = errors.New("invalid policy configuration")

// =============================================================================
// POLICY STRUCTURES
// =============================================================================

// Policy is the complete, immutable chatgate policy.
type Policy struct {
	// Access controls who may use the gate and how failures are handled.
	Access AccessConfig `toml:"access"`

	// SecondFactor configures the time-based one-time code challenge.
	SecondFactor SecondFactorConfig `toml:"second_factor"`

	// Notifications configures operator alerting.
	Notifications NotificationConfig `toml:"notifications"`

	// Audit configures the security-event trail.
	Audit AuditConfig `toml:"audit"`

	// Logging configures operational logging.
	Logging LoggingConfig `toml:"logging"`

	// Lookup sets compiled once during Load. Unexported so callers
	// cannot mutate the policy after validation.
	actorSet        map[int64]struct{}
	adminSet        map[int64]struct{}
	unrestrictedSet map[string]struct{}
}

// AccessConfig contains authorization and blocking thresholds.
type AccessConfig struct {
	// AuthorizedActors is the set of user IDs allowed to use the tool.
	AuthorizedActors []int64 `toml:"authorized_actors"`

	// AuthorizedAdmins is the subset of actors with administrative
	// privileges (unblock, session invalidation).
	AuthorizedAdmins []int64 `toml:"authorized_admins"`

	// UnrestrictedCommands are exempt from the authorization check.
	// Used for self-service bootstrap flows such as identity discovery.
	UnrestrictedCommands []string `toml:"unrestricted_commands"`

	// MaxAttempts is the number of authorization failures before a block.
	MaxAttempts int `toml:"max_attempts"`

	// BlockDurationSecs is how long a triggered block lasts.
	BlockDurationSecs int `toml:"block_duration_secs"`

	// SessionTimeoutSecs is the idle timeout for authenticated sessions.
	SessionTimeoutSecs int `toml:"session_timeout_secs"`

	// CleanupIntervalSecs is the housekeeper sweep interval.
	CleanupIntervalSecs int `toml:"cleanup_interval_secs"`
}

// SecondFactorConfig contains the TOTP challenge settings.
type SecondFactorConfig struct {
	// AuthSalt seeds per-actor secret derivation. Changing it invalidates
	// all outstanding provisioning material. Required, min 16 bytes.
	AuthSalt string `toml:"auth_salt"`

	// Issuer is the issuer label placed into provisioning URLs.
	Issuer string `toml:"issuer"`

	// MaxTOTPAttempts is the number of wrong codes before a block.
	MaxTOTPAttempts int `toml:"max_totp_attempts"`
}

// NotificationConfig contains operator alerting settings.
type NotificationConfig struct {
	// SuppressionWindowSecs is the per (actor, event) alert cool-down.
	SuppressionWindowSecs int `toml:"suppression_window_secs"`

	// RatePerMinute bounds outbound alert delivery. 0 uses the default.
	RatePerMinute int `toml:"rate_per_minute"`
}

// AuditConfig contains the security-event trail settings.
type AuditConfig struct {
	// Enabled turns the audit trail on. Default: true.
	Enabled bool `toml:"enabled"`

	// LogPath is the JSONL audit log file. Empty disables the file sink.
	LogPath string `toml:"log_path"`

	// DBPath is the SQLite event store. Empty disables the store.
	DBPath string `toml:"db_path"`

	// MaxFileSizeMB rotates the audit log file beyond this size.
	MaxFileSizeMB int64 `toml:"max_file_size_mb"`
}

// LoggingConfig contains operational logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string `toml:"level"`

	// Format is "json" or "console". Default: "json".
	Format string `toml:"format"`
}

// =============================================================================
// LOADING
// =============================================================================

// Default returns a policy populated with defaults only. It does not
// validate: a default policy has no authorized actors and no salt.
func Default() *Policy {
	return &Policy{
		Access: AccessConfig{
			MaxAttempts:         DefaultMaxAttempts,
			BlockDurationSecs:   DefaultBlockDurationSecs,
			SessionTimeoutSecs:  DefaultSessionTimeoutSecs,
			CleanupIntervalSecs: DefaultCleanupIntervalSecs,
		},
		SecondFactor: SecondFactorConfig{
			Issuer:          "chatgate",
			MaxTOTPAttempts: DefaultMaxTOTPAttempts,
		},
		Notifications: NotificationConfig{
			SuppressionWindowSecs: DefaultSuppressionSecs,
		},
		Audit: AuditConfig{
			Enabled:       true,
			MaxFileSizeMB: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the policy file at path, applies environment overrides,
// validates, and compiles the lookup sets. The returned policy is
// immutable; a validation failure is fatal to the caller.
func Load(path string) (*Policy, error) {
	p := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, p); err != nil {
			return nil, fmt.Errorf("failed to load policy file %s: %w", path, err)
		}
	}

	p.applyEnvOverrides()

	if err := p.Finalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Finalize validates a programmatically constructed policy and compiles
// its lookup sets. Load calls this internally; direct construction
// (tests, embedding) must call it before use.
func (p *Policy) Finalize() error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.compileSets()
	return nil
}

// applyEnvOverrides applies CHATGATE_* environment variables on top of
// file values. The salt override exists so the secret never has to live
// in the policy file.
func (p *Policy) applyEnvOverrides() {
	if v := os.Getenv("CHATGATE_AUTH_SALT"); v != "" {
		p.SecondFactor.AuthSalt = v
	}
	if v := os.Getenv("CHATGATE_LOG_LEVEL"); v != "" {
		p.Logging.Level = v
	}
	if v := os.Getenv("CHATGATE_AUTHORIZED_ACTORS"); v != "" {
		if ids, err := parseIDList(v); err == nil {
			p.Access.AuthorizedActors = ids
		}
	}
	if v := os.Getenv("CHATGATE_AUTHORIZED_ADMINS"); v != "" {
		if ids, err := parseIDList(v); err == nil {
			p.Access.AuthorizedAdmins = ids
		}
	}
}

// parseIDList parses a comma-separated list of numeric IDs.
func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid actor ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the policy for fatal configuration errors and clamps
// out-of-range thresholds to their defaults.
func (p *Policy) Validate() error {
	salt := strings.TrimSpace(p.SecondFactor.AuthSalt)
	if salt == "" {
		return fmt.Errorf("%w: second_factor.auth_salt is required", ErrConfiguration)
	}
	if len(salt) < MinSaltLength {
		return fmt.Errorf("%w: second_factor.auth_salt must be at least %d bytes", ErrConfiguration, MinSaltLength)
	}
	if len(p.Access.AuthorizedActors) == 0 {
		return fmt.Errorf("%w: access.authorized_actors must not be empty", ErrConfiguration)
	}
	for _, id := range p.Access.AuthorizedActors {
		if id == 0 {
			return fmt.Errorf("%w: access.authorized_actors contains a zero ID", ErrConfiguration)
		}
	}

	// Admins must be a subset of the authorized actors.
	actors := make(map[int64]struct{}, len(p.Access.AuthorizedActors))
	for _, id := range p.Access.AuthorizedActors {
		actors[id] = struct{}{}
	}
	for _, id := range p.Access.AuthorizedAdmins {
		if _, ok := actors[id]; !ok {
			return fmt.Errorf("%w: admin %d is not in access.authorized_actors", ErrConfiguration, id)
		}
	}

	// Clamp thresholds rather than failing: the values are operational
	// tuning, not correctness inputs.
	if p.Access.MaxAttempts <= 0 {
		p.Access.MaxAttempts = DefaultMaxAttempts
	}
	if p.Access.BlockDurationSecs <= 0 {
		p.Access.BlockDurationSecs = DefaultBlockDurationSecs
	}
	if p.Access.SessionTimeoutSecs <= 0 {
		p.Access.SessionTimeoutSecs = DefaultSessionTimeoutSecs
	}
	if p.Access.CleanupIntervalSecs <= 0 {
		p.Access.CleanupIntervalSecs = DefaultCleanupIntervalSecs
	}
	if p.SecondFactor.MaxTOTPAttempts <= 0 {
		p.SecondFactor.MaxTOTPAttempts = DefaultMaxTOTPAttempts
	}
	if p.Notifications.SuppressionWindowSecs <= 0 {
		p.Notifications.SuppressionWindowSecs = DefaultSuppressionSecs
	}
	return nil
}

// compileSets builds the lookup sets used on the request hot path.
func (p *Policy) compileSets() {
	p.actorSet = make(map[int64]struct{}, len(p.Access.AuthorizedActors))
	for _, id := range p.Access.AuthorizedActors {
		p.actorSet[id] = struct{}{}
	}
	p.adminSet = make(map[int64]struct{}, len(p.Access.AuthorizedAdmins))
	for _, id := range p.Access.AuthorizedAdmins {
		p.adminSet[id] = struct{}{}
	}
	p.unrestrictedSet = make(map[string]struct{}, len(p.Access.UnrestrictedCommands))
	for _, cmd := range p.Access.UnrestrictedCommands {
		p.unrestrictedSet[normalizeCommand(cmd)] = struct{}{}
	}
}

// normalizeCommand lower-cases a command and strips surrounding space so
// "/Start " and "/start" resolve to the same policy entry.
func normalizeCommand(cmd string) string {
	return strings.ToLower(strings.TrimSpace(cmd))
}

// =============================================================================
// READ-ONLY ACCESSORS
// =============================================================================

// IsAuthorized reports whether the user ID is in the authorized set.
func (p *Policy) IsAuthorized(userID int64) bool {
	_, ok := p.actorSet[userID]
	return ok
}

// IsAdmin reports whether the user ID is in the administrator set.
func (p *Policy) IsAdmin(userID int64) bool {
	_, ok := p.adminSet[userID]
	return ok
}

// IsUnrestricted reports whether the command is exempt from authorization.
func (p *Policy) IsUnrestricted(command string) bool {
	_, ok := p.unrestrictedSet[normalizeCommand(command)]
	return ok
}

// BlockDuration returns the block duration as a time.Duration.
func (p *Policy) BlockDuration() time.Duration {
	return time.Duration(p.Access.BlockDurationSecs) * time.Second
}

// SessionTimeout returns the session idle timeout as a time.Duration.
func (p *Policy) SessionTimeout() time.Duration {
	return time.Duration(p.Access.SessionTimeoutSecs) * time.Second
}

// CleanupInterval returns the housekeeper sweep interval.
func (p *Policy) CleanupInterval() time.Duration {
	return time.Duration(p.Access.CleanupIntervalSecs) * time.Second
}

// SuppressionWindow returns the notification suppression window.
func (p *Policy) SuppressionWindow() time.Duration {
	return time.Duration(p.Notifications.SuppressionWindowSecs) * time.Second
}
