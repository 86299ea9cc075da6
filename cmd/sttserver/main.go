// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command sttserver runs the speech-to-text stage: it accepts one client
// websocket connection, optionally dials a chat stage, and transcribes
// buffered audio turns via an HTTP inference backend.
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
	"github.com/rapidaai/voicenote/internal/server"
	"github.com/rapidaai/voicenote/internal/stt"
)

func main() {
	defaults := config.DefaultServerDefaults("sttserver", 8081)
	defaults["LANGUAGE"] = "en"

	var cfg config.SttConfig
	if err := config.Load("STT", defaults, &cfg); err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.Production, cfg.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	client := inference.New(cfg.InferenceURL, time.Duration(cfg.InferenceTimeoutSeconds)*time.Second)

	var downstreams []server.Downstream
	if cfg.ChatURI != "" {
		downstreams = append(downstreams, server.Downstream{Name: "chat", URI: cfg.ChatURI})
	}

	srv := server.New(
		cfg.Name,
		fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger,
		stt.NewWorkloadFactory(client.Transcriber(), cfg.Language, cfg.OutputDir),
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
