// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package store persists a conversation's turns to disk: one WAV file
// per user/assistant audio track per turn plus a conversation.json
// describing the topic and transcript. A Conversation is single-writer —
// callers own one instance per session and must not share it across
// goroutines without external synchronization.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rapidaai/voicenote/internal/model"
)

const (
	pcmFormatTag    = 1 // WAV PCM format tag
	int16SampleSize = 2
)

// Turn is one round of a conversation as persisted to conversation.json.
type Turn struct {
	Turn      int    `json:"turn"`
	UserText  string `json:"user_text"`
	UserAudio string `json:"user_audio_file"`

	AssistantText  string `json:"assistant_text"`
	AssistantAudio string `json:"assistant_audio_file"`

	TranscriptionError bool `json:"transcription_error,omitempty"`
}

type conversationFile struct {
	Topic string `json:"topic"`
	Turns []Turn `json:"turns"`
}

// Conversation accumulates turns for one session under outputDir/topic/
// timestamp/, with one WAV file per turn side (user/assistant).
type Conversation struct {
	topic   string
	saveDir string

	turns []Turn

	// pendingAssistantText/pendingAssistantAudio accumulate the
	// in-progress assistant response for the turn currently open via
	// AddUserTurn, until FinalizeAssistant is called.
	pendingAssistantText  string
	pendingAssistantAudio []byte

	// clock is injectable for tests; defaults to time.Now.
	clock func() time.Time
}

// New starts a conversation rooted at outputDir/topic/<timestamp>.
func New(outputDir, topic string) *Conversation {
	c := &Conversation{topic: topic, clock: time.Now}
	c.saveDir = filepath.Join(outputDir, topic, c.clock().Format("20060102-150405"))
	return c
}

// SavePath returns the directory this conversation writes into.
func (c *Conversation) SavePath() string {
	return c.saveDir
}

// AddUserTurn opens a new turn: it writes the user's audio immediately
// and records the transcript. The assistant side is filled in
// incrementally via AppendAssistantResponse and persisted by
// FinalizeAssistant.
func (c *Conversation) AddUserTurn(userText string, userAudio []byte, cfg model.AudioConfig) error {
	turnNum := len(c.turns)
	userFile := fmt.Sprintf("user_audio_%d.wav", turnNum)

	if err := c.writeWAV(userFile, userAudio, cfg); err != nil {
		return fmt.Errorf("store: writing user audio: %w", err)
	}

	c.turns = append(c.turns, Turn{
		Turn:      turnNum,
		UserText:  userText,
		UserAudio: userFile,
	})
	c.pendingAssistantText = ""
	c.pendingAssistantAudio = nil
	return c.writeJSON()
}

// AppendAssistantResponse accumulates one incremental chunk of the
// assistant's reply for the currently open turn.
func (c *Conversation) AppendAssistantResponse(textChunk string, audioChunk []byte) {
	c.pendingAssistantText += textChunk
	c.pendingAssistantAudio = append(c.pendingAssistantAudio, audioChunk...)
}

// FinalizeAssistant writes the accumulated assistant audio/text for the
// currently open turn and updates conversation.json. cfg may be nil if no
// audio was ever produced for this turn (text-only or cancelled before
// any chunk arrived).
func (c *Conversation) FinalizeAssistant(cfg *model.AudioConfig) error {
	if len(c.turns) == 0 {
		return fmt.Errorf("store: finalize called with no open turn")
	}
	idx := len(c.turns) - 1
	turnNum := c.turns[idx].Turn
	assistantFile := fmt.Sprintf("assistant_audio_%d.wav", turnNum)

	if cfg != nil && len(c.pendingAssistantAudio) > 0 {
		if err := c.writeWAV(assistantFile, c.pendingAssistantAudio, *cfg); err != nil {
			return fmt.Errorf("store: writing assistant audio: %w", err)
		}
		c.turns[idx].AssistantAudio = assistantFile
	}
	c.turns[idx].AssistantText = c.pendingAssistantText

	return c.writeJSON()
}

// MarkTranscriptionError flags the most recent turn as WRONG, merging
// transcription_error:true into its metadata.
func (c *Conversation) MarkTranscriptionError() error {
	if len(c.turns) == 0 {
		return fmt.Errorf("store: no turn to mark")
	}
	c.turns[len(c.turns)-1].TranscriptionError = true
	return c.writeJSON()
}

// MarkWrong implements the WRONG action: it merges
// transcription_error:true into the most recent turn of the
// conversation.json found at savePath, which may belong to a past
// session rather than the one currently open in memory.
func MarkWrong(savePath string) error {
	jsonPath := filepath.Join(savePath, "conversation.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("store: reading %s: %w", jsonPath, err)
	}

	var cf conversationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("store: parsing %s: %w", jsonPath, err)
	}
	if len(cf.Turns) == 0 {
		return fmt.Errorf("store: %s has no turns to mark", jsonPath)
	}

	cf.Turns[len(cf.Turns)-1].TranscriptionError = true
	out, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jsonPath, out, 0o644)
}

func (c *Conversation) writeWAV(filename string, audio []byte, cfg model.AudioConfig) error {
	if err := os.MkdirAll(c.saveDir, 0o755); err != nil {
		return err
	}
	pcm, sampleWidth := toPCM16(audio, cfg)
	wav := buildWAV(pcm, cfg.Rate, cfg.Channels, sampleWidth)
	return os.WriteFile(filepath.Join(c.saveDir, filename), wav, 0o644)
}

func (c *Conversation) writeJSON() error {
	if err := os.MkdirAll(c.saveDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(conversationFile{Topic: c.topic, Turns: c.turns}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.saveDir, "conversation.json"), data, 0o644)
}

// toPCM16 converts float32 PCM (format 1) to int16, leaving int16 audio
// (format 8) untouched. Returns the PCM bytes to persist and the sample
// width in bytes.
func toPCM16(audio []byte, cfg model.AudioConfig) ([]byte, int) {
	if cfg.Format != 1 {
		return audio, cfg.SampleSize()
	}

	n := len(audio) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(audio[i*4 : i*4+4])
		f := math.Float32frombits(bits)
		sample := int16(f * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(sample))
	}
	return out, int16SampleSize
}

// buildWAV writes a canonical 44-byte-header PCM WAV file around pcmData.
func buildWAV(pcmData []byte, sampleRate, channels, sampleWidth int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * sampleWidth

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*sampleWidth))
	binary.Write(&buf, binary.LittleEndian, uint16(sampleWidth*8))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}

// Delete removes the conversation's directory and everything in it,
// implementing the DELETE action.
func Delete(savePath string) error {
	if _, err := os.Stat(savePath); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(savePath)
}
