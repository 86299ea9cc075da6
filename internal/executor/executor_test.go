// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsResultOnCompletion(t *testing.T) {
	got, err := Run(context.Background(), func(cancel <-chan struct{}) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRunPropagatesFuncError(t *testing.T) {
	want := errors.New("boom")
	_, err := Run(context.Background(), func(cancel <-chan struct{}) (int, error) {
		return 0, want
	})
	assert.ErrorIs(t, err, want)
}

func TestRunCancelledContextClosesCancelChannel(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	started := make(chan struct{})
	observedCancel := make(chan struct{})

	go func() {
		<-started
		cancelCtx()
	}()

	_, err := Run(ctx, func(cancel <-chan struct{}) (int, error) {
		close(started)
		<-cancel
		close(observedCancel)
		return 0, nil
	})

	assert.ErrorIs(t, err, ErrCancelled)

	select {
	case <-observedCancel:
	case <-time.After(time.Second):
		t.Fatal("fn never observed cancellation")
	}
}
