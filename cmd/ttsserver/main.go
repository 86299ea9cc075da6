// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command ttsserver runs the text-to-speech stage: it buffers streamed
// text until a sentence boundary (or the turn finishes), synthesizes
// audio via an HTTP inference backend, and streams it back to the client.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/voicenote/internal/config"
	"github.com/rapidaai/voicenote/internal/inference"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/model"
	"github.com/rapidaai/voicenote/internal/server"
	"github.com/rapidaai/voicenote/internal/tts"
)

func main() {
	defaults := config.DefaultServerDefaults("ttsserver", 8083)
	defaults["AUDIO_FORMAT"] = model.AudioFormatInt16
	defaults["AUDIO_CHANNELS"] = 1
	defaults["AUDIO_RATE"] = 24000

	var cfg config.TtsConfig
	if err := config.Load("TTS", defaults, &cfg); err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.Production, cfg.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	client := inference.New(cfg.InferenceURL, time.Duration(cfg.InferenceTimeoutSeconds)*time.Second)
	audioConfig := model.AudioConfig{Format: cfg.AudioFormat, Channels: cfg.AudioChannels, Rate: cfg.AudioRate}

	srv := server.New(
		cfg.Name,
		fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger,
		tts.NewWorkloadFactory(client.Synthesizer(), audioConfig),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down %s", cfg.Name)
		cancel()
	}()

	logger.Infof("%s listening on %s:%d", cfg.Name, cfg.Host, cfg.Port)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Errorf("%s exited: %v", cfg.Name, err)
		os.Exit(1)
	}
}
