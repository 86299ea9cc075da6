// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFirstCompletionReturnsFirstErrorAndCancelsRest(t *testing.T) {
	want := errors.New("boom")
	observedCancel := make(chan struct{}, 1)

	fast := func(ctx context.Context) error { return want }
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		observedCancel <- struct{}{}
		return ctx.Err()
	}

	err := runFirstCompletion(context.Background(), fast, slow)
	assert.ErrorIs(t, err, want)

	select {
	case <-observedCancel:
	case <-time.After(time.Second):
		t.Fatal("slow task never observed cancellation")
	}
}

func TestRunFirstCompletionNilWhenFirstTaskEndsCleanly(t *testing.T) {
	clean := func(ctx context.Context) error { return nil }
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := runFirstCompletion(context.Background(), clean, slow)
	assert.NoError(t, err)
}

func TestDialWithRetryCancelledContextReturnsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialWithRetry(ctx, "ws://127.0.0.1:1/does-not-matter", time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialWithRetrySucceedsAgainstWebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer ts.Close()

	uri := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, err := dialWithRetry(context.Background(), uri, time.Millisecond)
	require.NoError(t, err)
	conn.Close()
}
