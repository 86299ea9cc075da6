// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package server provides the stage scaffold shared by the STT, LLM and
// TTS binaries: accept one client connection, dial any declared
// downstream stages (retrying indefinitely until they come up), then run
// every connection's pump loop alongside the stage's own Workload until
// the first of them finishes, at which point the whole session tears
// down.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voicenote/internal/logging"
	"github.com/rapidaai/voicenote/internal/stream"
)

// DefaultPollInterval is how often a downstream dial is retried, and how
// often a Workload may want to poll a connection it doesn't block on.
const DefaultPollInterval = 5 * time.Millisecond

// Workload is the stage-specific behavior driven by a Server. MainLoop
// runs until ctx is cancelled or the session ends for any other reason;
// conns is keyed by "client" plus each configured Downstream.Name.
type Workload interface {
	MainLoop(ctx context.Context, conns map[string]*stream.Connection) error
}

// WorkloadFactory builds one Workload per accepted client connection.
type WorkloadFactory func(logger logging.Logger) Workload

// Downstream names a stage this server dials out to once a client
// connects.
type Downstream struct {
	Name string
	URI  string
}

// ResetDownstreams resets every connection other than "client" to id,
// propagating a RESET frame on each. The stt and llm main loops call this
// before starting a new workload for a turn, and again on NEW
// CONVERSATION, so a stale in-flight turn on any downstream is
// invalidated before the new one begins. The tts stage has no downstreams
// and does not call it.
func ResetDownstreams(conns map[string]*stream.Connection, id string) {
	for name, c := range conns {
		if name == "client" {
			continue
		}
		c.Reset(id, true)
	}
}

// Server is a single-stage websocket server: one /healthz endpoint and
// one upgrade endpoint that fans each accepted connection out to a fresh
// Workload.
type Server struct {
	Name         string
	Addr         string
	Logger       logging.Logger
	Downstreams  []Downstream
	PollInterval time.Duration
	NewWorkload  WorkloadFactory

	upgrader websocket.Upgrader
}

// New builds a Server whose PollInterval is DefaultPollInterval.
// ListenAndServe also falls back to DefaultPollInterval if PollInterval has
// been set to a value <= 0.
func New(name, addr string, logger logging.Logger, newWorkload WorkloadFactory, downstreams ...Downstream) *Server {
	return &Server{
		Name:         name,
		Addr:         addr,
		Logger:       logger.With("stage", name),
		Downstreams:  downstreams,
		PollInterval: DefaultPollInterval,
		NewWorkload:  newWorkload,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", s.handleClient)

	httpServer := &http.Server{Addr: s.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warnf("upgrade failed: %v", err)
		return
	}

	ctx := r.Context()
	conns := map[string]*stream.Connection{
		"client": stream.New("client", wsConn, s.Logger),
	}

	for _, d := range s.Downstreams {
		conn, err := dialWithRetry(ctx, d.URI, s.PollInterval)
		if err != nil {
			s.Logger.Warnf("dialing downstream %q abandoned: %v", d.Name, err)
			wsConn.Close()
			return
		}
		conns[d.Name] = stream.New(d.Name, conn, s.Logger)
	}

	workload := s.NewWorkload(s.Logger)

	tasks := make([]func(context.Context) error, 0, len(conns)+1)
	for _, c := range conns {
		c := c
		tasks = append(tasks, c.Run)
	}
	tasks = append(tasks, func(ctx context.Context) error { return workload.MainLoop(ctx, conns) })

	if err := runFirstCompletion(ctx, tasks...); err != nil {
		s.Logger.Debugf("session ended: %v", err)
	}

	for _, c := range conns {
		c.Close()
	}
}

// dialWithRetry dials uri, retrying at interval until it succeeds or ctx
// is cancelled, so a downstream stage can come up after this one does.
func dialWithRetry(ctx context.Context, uri string, interval time.Duration) (*websocket.Conn, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
		if err == nil {
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runFirstCompletion runs every task concurrently via an errgroup, but
// unlike errgroup's own fail-fast (which only cancels on a non-nil error),
// it tears the whole group down as soon as ANY task returns at all, so a
// clean stage exit ends the session exactly like an error would. It waits
// for every task to unwind before returning the first error seen.
func runFirstCompletion(parent context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(parent)
	ctx, cancel := context.WithCancel(gctx)
	defer cancel()

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			defer cancel()
			return task(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
