// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package inference adapts the model.Transcriber/Generator/Synthesizer
// interfaces to a pluggable HTTP inference backend, so the stage binaries
// have a concrete collaborator to wire without pulling in a model runtime
// or a vendor SDK. Any service speaking this package's small JSON/chunked
// contract — a local Whisper/Llama/XTTS server, a hosted endpoint behind a
// gateway — can sit behind it.
package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voicenote/internal/model"
)

// errCancelledStream is returned when cancel closes mid-stream.
var errCancelledStream = errors.New("inference: stream cancelled")

// Client wraps a resty.Client pointed at one inference backend's base URL.
type Client struct {
	http *resty.Client
}

// New builds a Client. baseURL is the inference backend's root (e.g.
// "http://localhost:8090"); timeout bounds every request.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &Client{http: c}
}

// Transcriber returns a model.Transcriber backed by this client.
func (c *Client) Transcriber() model.Transcriber { return (*transcriber)(c) }

// Generator returns a model.Generator backed by this client.
func (c *Client) Generator() model.Generator { return (*generator)(c) }

// Synthesizer returns a model.Synthesizer backed by this client.
func (c *Client) Synthesizer() model.Synthesizer { return (*synthesizer)(c) }

type transcriber Client

type transcribeRequest struct {
	Audio    []byte            `json:"audio"`
	Config   model.AudioConfig `json:"config"`
	Language string            `json:"language"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (t *transcriber) Transcribe(ctx context.Context, audio []byte, cfg model.AudioConfig, language string) (string, error) {
	var out transcribeResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(transcribeRequest{Audio: audio, Config: cfg, Language: language}).
		SetResult(&out).
		Post("/transcribe")
	if err != nil {
		return "", fmt.Errorf("inference: transcribe request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("inference: transcribe: backend returned %s", resp.Status())
	}
	return out.Text, nil
}

type generator Client

type generateRequest struct {
	History []model.Message `json:"history"`
}

// generateChunk is one line of the newline-delimited JSON stream the
// backend emits: one object per incremental token.
type generateChunk struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
}

func (g *generator) Generate(ctx context.Context, history []model.Message, cancel <-chan struct{}, onToken model.TokenFunc) (string, error) {
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(generateRequest{History: history}).
		SetDoNotParseResponse(true).
		Post("/generate")
	if err != nil {
		return "", fmt.Errorf("inference: generate request: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	var full []byte
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-cancel:
			return string(full), errCancelledStream
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return string(full), fmt.Errorf("inference: decoding generate chunk: %w", err)
		}
		full = append(full, chunk.Text...)
		onToken(chunk.Text, chunk.Finished)
	}
	if err := scanner.Err(); err != nil {
		return string(full), fmt.Errorf("inference: reading generate stream: %w", err)
	}
	return string(full), nil
}

type synthesizer Client

type synthesizeRequest struct {
	Text   string            `json:"text"`
	Config model.AudioConfig `json:"config"`
}

func (s *synthesizer) Synthesize(ctx context.Context, text string, cfg model.AudioConfig, cancel <-chan struct{}, onChunk model.AudioChunkFunc) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(synthesizeRequest{Text: text, Config: cfg}).
		SetDoNotParseResponse(true).
		Post("/synthesize")
	if err != nil {
		return fmt.Errorf("inference: synthesize request: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-cancel:
			return errCancelledStream
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("inference: reading synthesize stream: %w", readErr)
		}
	}
}
