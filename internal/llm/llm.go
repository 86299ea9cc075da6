// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package llm implements the chat stage: it keeps an append-only history,
// streams generated tokens to the client and (if present) to the TTS
// stage, and commits history only once a generation completes
// uninterrupted.
package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rapidaai/voicenote/internal/executor"
	"github.com/rapidaai/voicenote/internal/frame"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/model"
	"github.com/rapidaai/voicenote/internal/server"
	"github.com/rapidaai/voicenote/internal/stream"
)

// Workload is the llm stage's server.Workload.
type Workload struct {
	logger       logging.Logger
	generator    model.Generator
	systemPrompt string

	mu            sync.Mutex
	history       []model.Message
	cancelRunning context.CancelFunc
}

// NewWorkloadFactory builds the server.WorkloadFactory for the llm stage.
func NewWorkloadFactory(generator model.Generator, systemPrompt string) server.WorkloadFactory {
	return func(logger logging.Logger) server.Workload {
		return &Workload{logger: logger, generator: generator, systemPrompt: systemPrompt}
	}
}

func (w *Workload) resetHistory() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = nil
	if w.systemPrompt != "" {
		w.history = append(w.history, model.Message{Role: "system", Content: w.systemPrompt})
	}
}

// MainLoop implements server.Workload.
func (w *Workload) MainLoop(ctx context.Context, conns map[string]*stream.Connection) error {
	w.resetHistory()
	client := conns["client"]
	tts := conns["tts"] // nil if this stage wasn't configured with a tts_uri

	if tts != nil {
		go w.forwardTTSAudio(ctx, tts, client)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		received, err := client.Recv()
		if err != nil {
			return err
		}

		for _, msg := range received {
			w.cancelCurrent()

			if msg.GetString(frame.KeyAction) == frame.ActionNewConversation {
				w.resetHistory()
				server.ResetDownstreams(conns, msg.ID())
				continue
			}

			server.ResetDownstreams(conns, msg.ID())
			workloadCtx, cancel := context.WithCancel(ctx)
			w.mu.Lock()
			w.cancelRunning = cancel
			w.mu.Unlock()
			go w.runWorkload(workloadCtx, msg, tts, client)
		}

		time.Sleep(server.DefaultPollInterval)
	}
}

func (w *Workload) cancelCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelRunning != nil {
		w.cancelRunning()
		w.cancelRunning = nil
	}
}

// runWorkload implements the two-phase history commit: candidate is
// built from a snapshot of history but never assigned back to it until
// generation completes without cancellation.
func (w *Workload) runWorkload(ctx context.Context, msg frame.Frame, tts, client *stream.Connection) {
	id := msg.ID()

	w.mu.Lock()
	candidate := append(append([]model.Message(nil), w.history...), model.Message{Role: "user", Content: msg.GetString(frame.KeyText)})
	w.mu.Unlock()

	var accumulated strings.Builder
	onToken := func(text string, finished bool) {
		accumulated.WriteString(text)

		status := frame.StatusGenerating
		if finished {
			status = frame.StatusFinished
		}
		piece := frame.Frame{frame.KeyID: id, frame.KeyStatus: status, frame.KeyText: text}

		if tts != nil {
			if err := tts.Send(piece); err != nil {
				w.logger.Warnf("sending token to tts: %v", err)
			}
			// The client only learns GENERATING from this path; the
			// terminal FINISHED for a TTS-backed turn comes from the
			// audio forwarding loop once TTS itself finishes.
			if err := client.Send(piece.With(frame.KeyStatus, frame.StatusGenerating)); err != nil {
				w.logger.Warnf("sending token to client: %v", err)
			}
		} else {
			if err := client.Send(piece); err != nil {
				w.logger.Warnf("sending token to client: %v", err)
			}
		}
	}

	result, err := executor.Run(ctx, func(cancel <-chan struct{}) (string, error) {
		return w.generator.Generate(ctx, candidate, cancel, onToken)
	})
	if err != nil {
		if errors.Is(err, executor.ErrCancelled) {
			w.logger.Debugf("generation for id %s cancelled", id)
			return
		}
		w.logger.Errorf("generation for id %s failed: %v", id, err)
		return
	}

	w.mu.Lock()
	w.history = append(candidate, model.Message{Role: "assistant", Content: result})
	w.mu.Unlock()
}

// forwardTTSAudio relays synthesized audio frames from the tts stream to
// the client until the connection closes.
func (w *Workload) forwardTTSAudio(ctx context.Context, tts, client *stream.Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := tts.Recv()
		if err != nil {
			w.logger.Debugf("tts forwarding stopped: %v", err)
			return
		}
		for _, msg := range msgs {
			if err := client.Send(msg); err != nil {
				w.logger.Warnf("forwarding tts audio to client: %v", err)
			}
		}
		time.Sleep(server.DefaultPollInterval)
	}
}
