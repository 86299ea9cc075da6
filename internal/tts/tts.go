// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package tts implements the text-to-speech stage: it buffers streamed
// text chunks until enough of a sentence has accumulated (or the turn
// finishes), synthesizes audio off-thread, and streams it to the client.
package tts

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rapidaai/voicenote/internal/executor"
	"github.com/rapidaai/voicenote/internal/frame"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/model"
	"github.com/rapidaai/voicenote/internal/server"
	"github.com/rapidaai/voicenote/internal/stream"
)

// minWordsForEarlyCutoff and sentenceEndRx implement the cutoff
// heuristic: ready to synthesize once the buffered text has more than
// four words and ends a sentence, or once the turn itself finishes.
const minWordsForEarlyCutoff = 4

var sentenceEndRx = regexp.MustCompile(`[.!?](\s|\z)`)

// Workload is the tts stage's server.Workload.
type Workload struct {
	logger      logging.Logger
	synthesizer model.Synthesizer
	audioConfig model.AudioConfig
}

// NewWorkloadFactory builds the server.WorkloadFactory for the tts
// stage. audioConfig describes the format the synthesizer emits, echoed
// to the client on every frame.
func NewWorkloadFactory(synthesizer model.Synthesizer, audioConfig model.AudioConfig) server.WorkloadFactory {
	return func(logger logging.Logger) server.Workload {
		return &Workload{logger: logger, synthesizer: synthesizer, audioConfig: audioConfig}
	}
}

// MainLoop implements server.Workload. TTS has no downstream of its own.
func (w *Workload) MainLoop(ctx context.Context, conns map[string]*stream.Connection) error {
	client := conns["client"]
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
		buffered = append(buffered, received...)

		if idx := cutoffIndex(buffered); idx > 0 {
			turn := buffered[:idx]
			buffered = buffered[idx:]
			if err := w.runWorkload(ctx, turn, client); err != nil {
				w.logger.Errorf("tts workload: %v", err)
			}
		}

		time.Sleep(server.DefaultPollInterval)
	}
}

// cutoffIndex returns the index just past the first prefix of buffered
// that either ends the turn (a FINISHED frame) or accumulates enough
// text to be worth synthesizing early.
func cutoffIndex(buffered []frame.Frame) int {
	for i := range buffered {
		if isReadyToSynthesize(buffered[:i+1]) {
			return i + 1
		}
	}
	return 0
}

func isReadyToSynthesize(prefix []frame.Frame) bool {
	if prefix[len(prefix)-1].Status() == frame.StatusFinished {
		return true
	}

	var text strings.Builder
	for _, f := range prefix {
		text.WriteString(f.GetString(frame.KeyText))
	}
	joined := text.String()
	return len(strings.Fields(joined)) > minWordsForEarlyCutoff && sentenceEndRx.MatchString(joined)
}

func (w *Workload) runWorkload(ctx context.Context, turn []frame.Frame, client *stream.Connection) error {
	if len(turn) == 0 {
		return nil
	}
	id := turn[0].ID()

	var text strings.Builder
	for _, f := range turn {
		text.WriteString(f.GetString(frame.KeyText))
	}

	_, err := executor.Run(ctx, func(cancel <-chan struct{}) (struct{}, error) {
		synthErr := w.synthesizer.Synthesize(ctx, text.String(), w.audioConfig, cancel, func(chunk []byte) {
			frameOut := frame.Frame{
				frame.KeyID:     id,
				frame.KeyStatus: frame.StatusGenerating,
				frame.KeyAudio:  chunk,
				frame.KeyConfig: configFrame(w.audioConfig),
			}
			if sendErr := client.Send(frameOut); sendErr != nil {
				w.logger.Warnf("sending synthesized audio chunk: %v", sendErr)
			}
		})
		return struct{}{}, synthErr
	})
	if err != nil {
		return err
	}

	if turn[len(turn)-1].Status() == frame.StatusFinished {
		return client.Send(frame.Frame{frame.KeyID: id, frame.KeyStatus: frame.StatusFinished, frame.KeyAudio: []byte{}})
	}
	return nil
}

func configFrame(cfg model.AudioConfig) frame.Frame {
	return frame.Frame{"format": cfg.Format, "channels": cfg.Channels, "rate": cfg.Rate}
}
