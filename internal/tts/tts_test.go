// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicenote/internal/frame"
	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/model"
	"github.com/rapidaai/voicenote/internal/stream"
)

func textFrames(chunks ...string) []frame.Frame {
	out := make([]frame.Frame, len(chunks))
	for i, c := range chunks {
		out[i] = frame.Frame{frame.KeyID: "u1", frame.KeyStatus: frame.StatusGenerating, frame.KeyText: c}
	}
	return out
}

func TestIsReadyToSynthesizeRequiresWordCountAndSentenceEnd(t *testing.T) {
	assert.False(t, isReadyToSynthesize(textFrames("one two three.")))
	assert.True(t, isReadyToSynthesize(textFrames("one two three four five.")))
}

func TestIsReadyToSynthesizeFalseWithoutSentenceEnd(t *testing.T) {
	assert.False(t, isReadyToSynthesize(textFrames("one two three four five six seven")))
}

func TestIsReadyToSynthesizeTrueOnFinishedRegardlessOfWordCount(t *testing.T) {
	frames := textFrames("ok")
	frames[len(frames)-1][frame.KeyStatus] = frame.StatusFinished
	assert.True(t, isReadyToSynthesize(frames))
}

func TestCutoffIndexFindsEarliestReadyPrefix(t *testing.T) {
	buffered := textFrames("one two three four five.", "more text after")
	assert.Equal(t, 1, cutoffIndex(buffered))
}

func TestCutoffIndexZeroWhenNothingReady(t *testing.T) {
	buffered := textFrames("too short")
	assert.Equal(t, 0, cutoffIndex(buffered))
}

type fakeSynthesizer struct {
	chunks []string
}

func (f fakeSynthesizer) Synthesize(ctx context.Context, text string, cfg model.AudioConfig, cancel <-chan struct{}, onChunk model.AudioChunkFunc) error {
	for _, c := range f.chunks {
		onChunk([]byte(c))
	}
	return nil
}

func newConnectedWSPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(ts.Close)

	uri := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(uri, nil)
	require.NoError(t, err)
	serverSide := <-serverConnCh
	return clientSide, serverSide
}

func readFrame(t *testing.T, conn *websocket.Conn) frame.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := frame.Decode(string(data))
	require.NoError(t, err)
	return f
}

func TestRunWorkloadStreamsAudioChunksAndFinishesOnLastFrame(t *testing.T) {
	browserSide, sttClientSide := newConnectedWSPair(t)
	logger := logging.NewNop()
	clientConn := stream.New("client", sttClientSide, logger)
	ctx := context.Background()
	go clientConn.Run(ctx)

	w := &Workload{
		logger:      logger,
		synthesizer: fakeSynthesizer{chunks: []string{"aa", "bb"}},
		audioConfig: model.AudioConfig{Format: 1, Channels: 1, Rate: 24000},
	}

	turn := textFrames("hello there friend.")
	turn[len(turn)-1][frame.KeyStatus] = frame.StatusFinished

	require.NoError(t, w.runWorkload(ctx, turn, clientConn))

	first := readFrame(t, browserSide)
	assert.Equal(t, []byte("aa"), first.GetBytes(frame.KeyAudio))
	assert.Equal(t, frame.StatusGenerating, first.Status())

	second := readFrame(t, browserSide)
	assert.Equal(t, []byte("bb"), second.GetBytes(frame.KeyAudio))

	final := readFrame(t, browserSide)
	assert.Equal(t, frame.StatusFinished, final.Status())
}
