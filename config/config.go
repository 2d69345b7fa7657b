// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogWire  bool   `mapstructure:"log_wire"`
	LogFile  string `mapstructure:"log_file"`

	Buffering BufferingConfig `mapstructure:"buffering" validate:"required"`
	Batching  BatchingConfig  `mapstructure:"batching" validate:"required"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" validate:"required"`
	Calls     CallConfig      `mapstructure:"calls" validate:"required"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" validate:"required"`
}

// BufferingConfig bounds the per-handler bus queues.
type BufferingConfig struct {
	IngressQueueMax int    `mapstructure:"ingress_queue_max" validate:"gte=1"`
	EgressQueueMax  int    `mapstructure:"egress_queue_max" validate:"gte=1"`
	OverflowPolicy  string `mapstructure:"overflow_policy" validate:"oneof=drop_oldest drop_newest"`
}

// BatchingConfig sets the audio commit thresholds.
type BatchingConfig struct {
	MaxBatchMs    int `mapstructure:"max_batch_ms" validate:"gte=1"`
	MaxBatchBytes int `mapstructure:"max_batch_bytes" validate:"gte=1"`
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms" validate:"gte=1"`
}

// UpstreamConfig governs provider-facing WebSocket connections.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout" validate:"gte=1"`
	ReconnectMinDelayMs   int `mapstructure:"reconnect_min_delay_ms" validate:"gte=1"`
	ReconnectMaxDelayMs   int `mapstructure:"reconnect_max_delay_ms" validate:"gte=1"`
	TailSilenceMs         int `mapstructure:"tail_silence_ms" validate:"gte=0"`
}

// CallConfig governs call registry housekeeping.
type CallConfig struct {
	TTLMinutes             int `mapstructure:"call_ttl_minutes" validate:"gte=1"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds" validate:"gte=1"`
}

// DispatchConfig selects the provider adapter and barge-in behavior.
type DispatchConfig struct {
	Provider         string `mapstructure:"provider" validate:"required"`
	OutboundGateMode string `mapstructure:"outbound_gate_mode" validate:"oneof=play_through pause_and_buffer pause_and_drop"`
	ProviderEndpoint string `mapstructure:"provider_endpoint"`
	ProviderAPIKey   string `mapstructure:"provider_api_key"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "translation-gateway")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_WIRE", false)
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("BUFFERING__INGRESS_QUEUE_MAX", 2000)
	v.SetDefault("BUFFERING__EGRESS_QUEUE_MAX", 2000)
	v.SetDefault("BUFFERING__OVERFLOW_POLICY", "drop_oldest")

	v.SetDefault("BATCHING__MAX_BATCH_MS", 200)
	v.SetDefault("BATCHING__MAX_BATCH_BYTES", 65536)
	v.SetDefault("BATCHING__IDLE_TIMEOUT_MS", 400)

	v.SetDefault("UPSTREAM__CONNECT_TIMEOUT", 10)
	v.SetDefault("UPSTREAM__RECONNECT_MIN_DELAY_MS", 250)
	v.SetDefault("UPSTREAM__RECONNECT_MAX_DELAY_MS", 10000)
	v.SetDefault("UPSTREAM__TAIL_SILENCE_MS", 200)

	v.SetDefault("CALLS__CALL_TTL_MINUTES", 10)
	v.SetDefault("CALLS__CLEANUP_INTERVAL_SECONDS", 60)

	v.SetDefault("DISPATCH__PROVIDER", "mock")
	v.SetDefault("DISPATCH__OUTBOUND_GATE_MODE", "play_through")
	v.SetDefault("DISPATCH__PROVIDER_ENDPOINT", "")
	v.SetDefault("DISPATCH__PROVIDER_API_KEY", "")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
