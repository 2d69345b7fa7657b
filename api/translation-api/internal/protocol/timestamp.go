// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_protocol

import (
	"time"
)

// epochThresholdMs separates absolute epoch timestamps from scenario-relative
// ones. Any value above it (~11.5 days) is treated as epoch milliseconds.
// Known limitation: a legitimate relative timestamp above the threshold is
// misclassified; there is no discriminator field on the wire.
const epochThresholdMs = int64(1_000_000_000)

// ISOTimestamp renders epoch milliseconds as an ISO-8601 UTC string with a
// trailing Z. Zero means "now".
func ISOTimestamp(timestampMs int64) string {
	t := time.Now().UTC()
	if timestampMs != 0 {
		t = time.UnixMilli(timestampMs).UTC()
	}
	return t.Format("2006-01-02T15:04:05.000Z")
}

// ParseISOToMs parses an ISO-8601 timestamp into epoch milliseconds.
// Returns 0 for empty or unparseable input.
func ParseISOToMs(value string) int64 {
	if value == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// NormalizeTimestampMs converts a provider timestamp to scenario-relative
// milliseconds. Absolute epoch values (above the threshold) are rebased
// against the session start; anything else is used as-is.
func NormalizeTimestampMs(rawMs int64, sessionStart time.Time) int64 {
	if rawMs > epochThresholdMs {
		return rawMs - sessionStart.UnixMilli()
	}
	return rawMs
}

// NowMs returns the current epoch time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
