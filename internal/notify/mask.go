// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"strconv"
	"strings"
)

// Identity masking. Alert payloads cross a trust boundary into the
// notification sink; only partially redacted identity fields may cross
// it. This is a contract with the sink, not formatting.

// MaskID partially redacts a numeric identifier, keeping the first and
// last two digits. IDs too short to keep anything are fully redacted.
func MaskID(id int64) string {
	s := strconv.FormatInt(id, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var masked string
	if len(s) <= 4 {
		masked = strings.Repeat("*", len(s))
	} else {
		masked = s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
	}
	if neg {
		return "-" + masked
	}
	return masked
}

// MaskName partially redacts a display name, keeping the first rune of
// each word. Empty names come back as a placeholder so payloads never
// carry an ambiguous blank.
func MaskName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "(unknown)"
	}

	words := strings.Fields(name)
	for i, w := range words {
		runes := []rune(w)
		if len(runes) <= 1 {
			words[i] = "*"
			continue
		}
		words[i] = string(runes[0]) + strings.Repeat("*", len(runes)-1)
	}
	return strings.Join(words, " ")
}
