// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package stt implements the speech-to-text stage: it buffers a client's
// audio frames until the turn is FINISHED, transcribes off the main
// goroutine, persists the turn, and — when chat mode is enabled —
// forwards the transcription to the downstream LLM stage.
package stt

import (
	"context"
	"time"

	"github.com/rapidaai/voicenote/internal/executor"
	"github.com/rapidaai/voicenote/internal/frame"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/model"
	"github.com/rapidaai/voicenote/internal/server"
	"github.com/rapidaai/voicenote/internal/store"
	"github.com/rapidaai/voicenote/internal/stream"
)

// defaultTopic labels a conversation directory when the client's
// INITIALIZING frame omits topic.
const defaultTopic = "session"

// Workload is the stt stage's server.Workload.
type Workload struct {
	logger       logging.Logger
	transcriber  model.Transcriber
	language     string
	outputDir    string
	conversation *store.Conversation
}

// NewWorkloadFactory builds the server.WorkloadFactory for the stt stage.
func NewWorkloadFactory(transcriber model.Transcriber, language, outputDir string) server.WorkloadFactory {
	return func(logger logging.Logger) server.Workload {
		return &Workload{
			logger:      logger,
			transcriber: transcriber,
			language:    language,
			outputDir:   outputDir,
		}
	}
}

// newConversation starts a fresh conversation, labelled with topic if
// given, or defaultTopic otherwise.
func (w *Workload) newConversation(topic string) {
	if topic == "" {
		topic = defaultTopic
	}
	w.conversation = store.New(w.outputDir, topic)
}

// MainLoop implements server.Workload.
func (w *Workload) MainLoop(ctx context.Context, conns map[string]*stream.Connection) error {
	client := conns["client"]
	chat := conns["chat"] // nil if this stage wasn't configured with a chat_uri

	var buffered []frame.Frame

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

		audioFrames := w.handleActions(received, conns)
		buffered = append(buffered, audioFrames...)

		if idx := cutoffIndex(buffered); idx > 0 {
			turn := buffered[:idx]
			buffered = buffered[idx:]
			server.ResetDownstreams(conns, turn[0].ID())
			if err := w.runWorkload(ctx, turn, client, chat); err != nil {
				w.logger.Errorf("stt workload: %v", err)
			}
		}

		time.Sleep(server.DefaultPollInterval)
	}
}

// handleActions executes DELETE/WRONG/NEW CONVERSATION frames
// immediately and returns only the audio frames.
func (w *Workload) handleActions(received []frame.Frame, conns map[string]*stream.Connection) []frame.Frame {
	chat := conns["chat"]
	audio := make([]frame.Frame, 0, len(received))
	for _, f := range received {
		action := f.GetString(frame.KeyAction)
		switch action {
		case frame.ActionDelete:
			if err := store.Delete(f.GetString(frame.KeySavePath)); err != nil {
				w.logger.Warnf("DELETE %s failed: %v", f.GetString(frame.KeySavePath), err)
			}
		case frame.ActionWrong:
			if err := store.MarkWrong(f.GetString(frame.KeySavePath)); err != nil {
				w.logger.Warnf("WRONG %s failed: %v", f.GetString(frame.KeySavePath), err)
			}
		case frame.ActionNewConversation:
			w.newConversation(f.GetString(frame.KeyTopic))
			server.ResetDownstreams(conns, f.ID())
			if chat != nil {
				if err := chat.Send(f); err != nil {
					w.logger.Warnf("forwarding NEW CONVERSATION to chat: %v", err)
				}
			}
		default:
			audio = append(audio, f)
		}
	}
	return audio
}

// cutoffIndex returns the index just past the first FINISHED frame, or 0
// if the buffered audio doesn't yet contain a complete turn.
func cutoffIndex(buffered []frame.Frame) int {
	for i, f := range buffered {
		if f.Status() == frame.StatusFinished {
			return i + 1
		}
	}
	return 0
}

func (w *Workload) runWorkload(ctx context.Context, turn []frame.Frame, client, chat *stream.Connection) error {
	if len(turn) == 0 {
		return nil
	}

	if w.conversation == nil {
		w.newConversation(turn[0].GetString(frame.KeyTopic))
	}

	cfg := audioConfigFrom(turn[0])
	audio := concatAudio(turn)
	id := turn[0].ID()
	chatMode := turn[0].GetBool(frame.KeyChatMode)

	text, err := executor.Run(ctx, func(cancel <-chan struct{}) (string, error) {
		return w.transcriber.Transcribe(ctx, audio, cfg, w.language)
	})
	if err != nil {
		return err
	}

	if err := w.conversation.AddUserTurn(text, audio, cfg); err != nil {
		w.logger.Errorf("persisting user turn: %v", err)
	}

	if chatMode {
		if chat != nil {
			return w.forwardToChat(id, text, client, chat)
		}
		w.logger.Warnf("chat_mode requested but no chat connection configured; replying directly")
	}
	return w.respondDirect(id, text, client)
}

// respondDirect answers the client in place, without a chat stage: the
// transcript is the final reply for this turn.
func (w *Workload) respondDirect(id, text string, client *stream.Connection) error {
	return client.Send(frame.Frame{
		frame.KeyID:       id,
		frame.KeyStatus:   frame.StatusFinished,
		frame.KeyText:     text,
		frame.KeySavePath: w.conversation.SavePath(),
	})
}

func audioConfigFrom(f frame.Frame) model.AudioConfig {
	ac := f.GetFrame(frame.KeyAudioConfig)
	return model.AudioConfig{
		Format:   ac.GetInt("format"),
		Channels: ac.GetInt("channels"),
		Rate:     ac.GetInt("rate"),
	}
}

func concatAudio(turn []frame.Frame) []byte {
	var out []byte
	for _, f := range turn {
		out = append(out, f.GetBytes(frame.KeyAudio)...)
	}
	return out
}

// forwardToChat sends the transcription downstream and relays the
// assistant's streamed reply back to the client, persisting it turn by
// turn as it arrives.
func (w *Workload) forwardToChat(id, text string, client, chat *stream.Connection) error {
	if err := chat.Send(frame.Frame{frame.KeyID: id, frame.KeyText: text}); err != nil {
		return err
	}

	var assistantCfg *model.AudioConfig
	defer func() {
		if err := w.conversation.FinalizeAssistant(assistantCfg); err != nil {
			w.logger.Errorf("finalizing assistant turn: %v", err)
		}
	}()

	for {
		replies, err := chat.Recv()
		if err != nil {
			return err
		}
		for _, msg := range replies {
			out := msg.With(frame.KeySavePath, w.conversation.SavePath())
			if sendErr := client.Send(out); sendErr != nil {
				w.logger.Warnf("relaying assistant frame to client: %v", sendErr)
			}

			if cfgFrame := msg.GetFrame(frame.KeyConfig); cfgFrame != nil && assistantCfg == nil {
				c := model.AudioConfig{
					Format:   cfgFrame.GetInt("format"),
					Channels: cfgFrame.GetInt("channels"),
					Rate:     cfgFrame.GetInt("rate"),
				}
				assistantCfg = &c
			}

			w.conversation.AppendAssistantResponse(msg.GetString(frame.KeyText), msg.GetBytes(frame.KeyAudio))

			if msg.Status() == frame.StatusFinished {
				return nil
			}
		}
		time.Sleep(server.DefaultPollInterval)
	}
}
