// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package config loads per-stage configuration with viper (.env + process
// environment) and validates it with go-playground/validator.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ServerConfig is the common shape embedded by every stage's config.
type ServerConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	// Production selects the zap JSON encoder; false uses the console one.
	Production bool `mapstructure:"production"`
	// OutputDir is where the conversation store writes WAV/JSON turns.
	OutputDir string `mapstructure:"output_dir" validate:"required"`
	// InferenceURL is the base URL of the HTTP backend serving this
	// stage's model collaborator (transcription, generation, or
	// synthesis, depending on the stage).
	InferenceURL string `mapstructure:"inference_url" validate:"required"`
	// InferenceTimeoutSeconds bounds every call to InferenceURL.
	InferenceTimeoutSeconds int `mapstructure:"inference_timeout_seconds" validate:"required"`
}

// SttConfig configures the STT stage binary.
type SttConfig struct {
	ServerConfig `mapstructure:",squash"`
	ChatURI      string `mapstructure:"chat_uri"`
	Language     string `mapstructure:"language" validate:"required"`
}

// LlmConfig configures the LLM stage binary.
type LlmConfig struct {
	ServerConfig `mapstructure:",squash"`
	TtsURI       string `mapstructure:"tts_uri"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// TtsConfig configures the TTS stage binary.
type TtsConfig struct {
	ServerConfig  `mapstructure:",squash"`
	AudioFormat   int `mapstructure:"audio_format" validate:"required"`
	AudioChannels int `mapstructure:"audio_channels" validate:"required"`
	AudioRate     int `mapstructure:"audio_rate" validate:"required"`
}

// Load reads config from a .env file in the working directory (or the
// env-style file named by the ENV_PATH env var) plus the process
// environment, seeds the given defaults, and unmarshals +
// validates into dst. dst must be a pointer to one of the *Config structs
// above (or any struct using the same mapstructure/validate conventions).
func Load(envPrefix string, defaults map[string]any, dst any) error {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Reading the config file is best-effort: a missing .env file falls
	// back entirely to defaults + environment variables.
	_ = v.ReadInConfig()

	if err := v.Unmarshal(dst); err != nil {
		return err
	}

	return validator.New().Struct(dst)
}

// DefaultServerDefaults seeds the viper defaults shared by every stage.
func DefaultServerDefaults(name string, port int) map[string]any {
	return map[string]any{
		"SERVICE_NAME":              name,
		"HOST":                      "0.0.0.0",
		"PORT":                      port,
		"LOG_LEVEL":                 "info",
		"PRODUCTION":                false,
		"OUTPUT_DIR":                "outputs",
		"INFERENCE_TIMEOUT_SECONDS": 30,
	}
}
