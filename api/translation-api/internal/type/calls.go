// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// CallSummary is the diagnostic view of one call for the recent-calls
// listing. In-memory only; nothing is persisted.
type CallSummary struct {
	CallCode         string `json:"call_code"`
	Service          string `json:"service"`
	Provider         string `json:"provider"`
	BargeIn          string `json:"barge_in"`
	CreatedAt        string `json:"created_at"`
	ParticipantCount int    `json:"participant_count"`
	IsActive         bool   `json:"is_active"`
}
