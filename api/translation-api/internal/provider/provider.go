// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"time"

	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// TranslationProvider is one upstream translation adapter: it consumes
// sealed commits from the provider-outbound bus and publishes normalized
// ProviderOutputEvents to the provider-inbound bus.
type TranslationProvider interface {
	Name() string
	Start(ctx context.Context) error
	// Cancel asks the provider to abandon one in-flight response
	// (barge-in). Providers without cancellation support treat it as a
	// no-op.
	Cancel(streamID string) error
	Close() error
	Health() string
}

// Options carries provider connection settings from the config layer.
type Options struct {
	Endpoint          string
	APIKey            string
	ConnectTimeout    time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MockDelay         time.Duration
}

// Provider names routed by the factory.
const (
	NameMock      = "mock"
	NameVoiceLive = "voicelive"
)

// CreateProvider builds the adapter for the given provider name. Unknown
// names fall back to the mock adapter with a warning so a misconfigured
// session still produces terminal events.
func CreateProvider(
	logger commons.Logger,
	name string,
	options Options,
	outboundBus *internal_bus.EventBus,
	inboundBus *internal_bus.EventBus,
	metadata *internal_type.SessionMetadata,
) TranslationProvider {
	switch name {
	case NameVoiceLive:
		return NewVoiceLiveProvider(logger, options, outboundBus, inboundBus, metadata)
	case NameMock:
		return NewMockProvider(logger, options, outboundBus, inboundBus)
	default:
		logger.Warnf("unknown provider %q, falling back to mock", name)
		return NewMockProvider(logger, options, outboundBus, inboundBus)
	}
}
