// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicenote/internal/model"
)

func floatPCM(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(s))
	}
	return out
}

func readConversationJSON(t *testing.T, dir string) conversationFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "conversation.json"))
	require.NoError(t, err)
	var cf conversationFile
	require.NoError(t, json.Unmarshal(data, &cf))
	return cf
}

func TestAddUserTurnWritesWAVAndJSON(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "greeting")

	cfg := model.AudioConfig{Format: 1, Channels: 1, Rate: 16000}
	audio := floatPCM(0.5, -0.5, 0)
	require.NoError(t, conv.AddUserTurn("hello", audio, cfg))

	wavPath := filepath.Join(conv.SavePath(), "user_audio_0.wav")
	data, err := os.ReadFile(wavPath)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	// 44-byte header + 3 samples * 2 bytes (converted to int16).
	assert.Len(t, data, 44+6)

	cf := readConversationJSON(t, conv.SavePath())
	assert.Equal(t, "greeting", cf.Topic)
	require.Len(t, cf.Turns, 1)
	assert.Equal(t, "hello", cf.Turns[0].UserText)
	assert.Equal(t, "user_audio_0.wav", cf.Turns[0].UserAudio)
}

func TestFinalizeAssistantWritesAccumulatedAudio(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "chat")

	cfg := model.AudioConfig{Format: 8, Channels: 1, Rate: 24000}
	require.NoError(t, conv.AddUserTurn("hi", []byte{}, cfg))

	conv.AppendAssistantResponse("Hello", []byte{0x01, 0x02})
	conv.AppendAssistantResponse(" there", []byte{0x03, 0x04})
	require.NoError(t, conv.FinalizeAssistant(&cfg))

	cf := readConversationJSON(t, conv.SavePath())
	require.Len(t, cf.Turns, 1)
	assert.Equal(t, "Hello there", cf.Turns[0].AssistantText)
	assert.Equal(t, "assistant_audio_0.wav", cf.Turns[0].AssistantAudio)

	data, err := os.ReadFile(filepath.Join(conv.SavePath(), "assistant_audio_0.wav"))
	require.NoError(t, err)
	assert.Len(t, data, 44+4)
}

func TestFinalizeAssistantWithoutAudioStillWritesText(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "textonly")
	cfg := model.AudioConfig{Format: 8, Channels: 1, Rate: 16000}
	require.NoError(t, conv.AddUserTurn("hi", []byte{}, cfg))

	conv.AppendAssistantResponse("ok", nil)
	require.NoError(t, conv.FinalizeAssistant(nil))

	cf := readConversationJSON(t, conv.SavePath())
	assert.Equal(t, "ok", cf.Turns[0].AssistantText)
	assert.Empty(t, cf.Turns[0].AssistantAudio)
}

func TestMarkTranscriptionErrorFlagsLastTurn(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "oops")
	cfg := model.AudioConfig{Format: 8, Channels: 1, Rate: 16000}
	require.NoError(t, conv.AddUserTurn("garbled", []byte{}, cfg))
	require.NoError(t, conv.MarkTranscriptionError())

	cf := readConversationJSON(t, conv.SavePath())
	assert.True(t, cf.Turns[0].TranscriptionError)
}

func TestMarkWrongOperatesOnArbitrarySavePath(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "past-session")
	cfg := model.AudioConfig{Format: 8, Channels: 1, Rate: 16000}
	require.NoError(t, conv.AddUserTurn("garbled", []byte{}, cfg))

	// Simulate a fresh process handling a WRONG action against a save_path
	// from a conversation no longer held in memory.
	require.NoError(t, MarkWrong(conv.SavePath()))

	cf := readConversationJSON(t, conv.SavePath())
	assert.True(t, cf.Turns[0].TranscriptionError)
}

func TestDeleteRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	conv := New(dir, "gone")
	cfg := model.AudioConfig{Format: 8, Channels: 1, Rate: 16000}
	require.NoError(t, conv.AddUserTurn("x", []byte{}, cfg))

	require.NoError(t, Delete(conv.SavePath()))
	_, err := os.Stat(conv.SavePath())
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteOnMissingPathIsNoop(t *testing.T) {
	assert.NoError(t, Delete(filepath.Join(t.TempDir(), "never-existed")))
}
