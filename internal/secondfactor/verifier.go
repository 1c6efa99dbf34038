// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secondfactor derives per-actor secrets and verifies
// time-windowed one-time codes.
//
// The verifier is a pure oracle: it holds no per-actor state and never
// counts attempts or enforces policy. Attempt bookkeeping lives in the
// session store and is enforced by the gate.
package secondfactor

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/hkdf"

	"github.com/jeranaias/chatgate/internal/actor"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// codePeriodSecs is the TOTP time window length.
	codePeriodSecs = 30

	// codeSkewWindows is the clock-skew tolerance: one adjacent window
	// on each side of the current one.
	codeSkewWindows = 1

	// secretBytes is the length of derived secrets. 20 bytes encodes to
	// exactly 32 base32 characters with no padding.
	secretBytes = 20
)

// validateOpts are the shared TOTP parameters for generation and
// verification. Must match what authenticator apps assume by default.
var validateOpts = totp.ValidateOpts{
	Period:    codePeriodSecs,
	Skew:      codeSkewWindows,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier derives actor secrets from a static salt and validates codes.
type Verifier struct {
	salt   []byte
	issuer string
}

// New creates a Verifier. The salt is assumed validated by the policy
// layer; the issuer labels provisioning URLs.
func New(salt, issuer string) *Verifier {
	if issuer == "" {
		issuer = "chatgate"
	}
	return &Verifier{
		salt:   []byte(salt),
		issuer: issuer,
	}
}

// SecretFor deterministically derives the base32 TOTP secret for an
// actor. The same identity always yields the same secret for the
// lifetime of the salt; rotating the salt invalidates every outstanding
// provisioning image at once.
func (v *Verifier) SecretFor(id actor.Identity) (string, error) {
	info := []byte("chatgate/totp/v1:" + id.Key())
	reader := hkdf.New(sha256.New, v.salt, nil, info)

	raw := make([]byte, secretBytes)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", fmt.Errorf("secret derivation failed: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// CurrentCode returns the code valid for the window containing now.
// Used for provisioning checks and tests; the gate never calls it.
func (v *Verifier) CurrentCode(secret string, now time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, now, validateOpts)
}

// Verify reports whether candidate is valid for the window containing
// now, tolerating one adjacent window of clock skew. It is free of side
// effects; a replayed code outside its window always fails.
func (v *Verifier) Verify(secret, candidate string, now time.Time) bool {
	ok, err := totp.ValidateCustom(candidate, secret, now, validateOpts)
	return err == nil && ok
}

// ProvisioningURL returns the otpauth:// URL an authenticator app can
// import for the actor. The account label is the numeric user ID; the
// transport layer decides how the URL reaches the user.
func (v *Verifier) ProvisioningURL(id actor.Identity) (string, error) {
	secret, err := v.SecretFor(id)
	if err != nil {
		return "", err
	}

	account := strconv.FormatInt(id.UserID, 10)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", v.issuer)
	q.Set("period", strconv.Itoa(codePeriodSecs))
	q.Set("digits", "6")
	q.Set("algorithm", "SHA1")

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + v.issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}
