// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command llmserver runs the chat stage: it keeps conversation history,
// streams generated tokens to the client (and to a tts stage, if
// configured), and commits history only once a generation completes
// uninterrupted.
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
	"github.com/rapidaai/voicenote/internal/llm"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/server"
)

func main() {
	defaults := config.DefaultServerDefaults("llmserver", 8082)
	defaults["SYSTEM_PROMPT"] = ""

	var cfg config.LlmConfig
	if err := config.Load("LLM", defaults, &cfg); err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.Production, cfg.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	client := inference.New(cfg.InferenceURL, time.Duration(cfg.InferenceTimeoutSeconds)*time.Second)

	var downstreams []server.Downstream
	if cfg.TtsURI != "" {
		downstreams = append(downstreams, server.Downstream{Name: "tts", URI: cfg.TtsURI})
	}

	srv := server.New(
		cfg.Name,
		fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger,
		llm.NewWorkloadFactory(client.Generator(), cfg.SystemPrompt),
		downstreams...,
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
