// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validPolicy = `
[access]
authorized_actors = [1001, 1002]
authorized_admins = [1001]
unrestricted_commands = ["/start", "/myid"]
max_attempts = 3
block_duration_secs = 600
session_timeout_secs = 1200

[second_factor]
auth_salt = "0123456789abcdef0123"
issuer = "opsbot"
max_totp_attempts = 5
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_ValidFile(t *testing.T) {
	p, err := Load(writePolicy(t, validPolicy))
	require.NoError(t, err)

	require.True(t, p.IsAuthorized(1001))
	require.True(t, p.IsAuthorized(1002))
	require.False(t, p.IsAuthorized(9999))
	require.True(t, p.IsAdmin(1001))
	require.False(t, p.IsAdmin(1002))

	require.Equal(t, 10*time.Minute, p.BlockDuration())
	require.Equal(t, 20*time.Minute, p.SessionTimeout())
	require.Equal(t, 3, p.Access.MaxAttempts)
	require.Equal(t, 5, p.SecondFactor.MaxTOTPAttempts)
}

func TestLoad_UnrestrictedCommandNormalization(t *testing.T) {
	p, err := Load(writePolicy(t, validPolicy))
	require.NoError(t, err)

	require.True(t, p.IsUnrestricted("/start"))
	require.True(t, p.IsUnrestricted("  /Start "))
	require.True(t, p.IsUnrestricted("/MYID"))
	require.False(t, p.IsUnrestricted("/status"))
}

func TestLoad_MissingSaltIsFatal(t *testing.T) {
	body := `
[access]
authorized_actors = [1001]
`
	_, err := Load(writePolicy(t, body))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_ShortSaltIsFatal(t *testing.T) {
	body := `
[access]
authorized_actors = [1001]

[second_factor]
auth_salt = "short"
`
	_, err := Load(writePolicy(t, body))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_EmptyActorSetIsFatal(t *testing.T) {
	body := `
[second_factor]
auth_salt = "0123456789abcdef0123"
`
	_, err := Load(writePolicy(t, body))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_AdminMustBeActor(t *testing.T) {
	body := `
[access]
authorized_actors = [1001]
authorized_admins = [4242]

[second_factor]
auth_salt = "0123456789abcdef0123"
`
	_, err := Load(writePolicy(t, body))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_ThresholdsClampToDefaults(t *testing.T) {
	body := `
[access]
authorized_actors = [1001]
max_attempts = -1

[second_factor]
auth_salt = "0123456789abcdef0123"
max_totp_attempts = 0
`
	p, err := Load(writePolicy(t, body))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, p.Access.MaxAttempts)
	require.Equal(t, DefaultMaxTOTPAttempts, p.SecondFactor.MaxTOTPAttempts)
	require.Equal(t, DefaultSuppressionSecs, p.Notifications.SuppressionWindowSecs)
}

func TestLoad_EnvSaltOverride(t *testing.T) {
	t.Setenv("CHATGATE_AUTH_SALT", "env-salt-override-0123456789")

	body := `
[access]
authorized_actors = [1001]

[second_factor]
auth_salt = "0123456789abcdef0123"
`
	p, err := Load(writePolicy(t, body))
	require.NoError(t, err)
	require.Equal(t, "env-salt-override-0123456789", p.SecondFactor.AuthSalt)
}

func TestLoad_EnvActorOverride(t *testing.T) {
	t.Setenv("CHATGATE_AUTHORIZED_ACTORS", "7, 8,9")
	t.Setenv("CHATGATE_AUTHORIZED_ADMINS", "7")

	body := `
[second_factor]
auth_salt = "0123456789abcdef0123"
`
	p, err := Load(writePolicy(t, body))
	require.NoError(t, err)
	require.True(t, p.IsAuthorized(7))
	require.True(t, p.IsAuthorized(9))
	require.True(t, p.IsAdmin(7))
	require.False(t, p.IsAuthorized(1001))
}

func TestFinalize_DirectConstruction(t *testing.T) {
	p := Default()
	p.Access.AuthorizedActors = []int64{42}
	p.SecondFactor.AuthSalt = "0123456789abcdef0123"

	require.NoError(t, p.Finalize())
	require.True(t, p.IsAuthorized(42))
}
