// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command smoketest drives one turn against a running sttserver: it opens
// a websocket, streams a WAV file as INITIALIZING/RECORDING/FINISHED
// frames under a freshly minted session id, and logs whatever comes back.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/voicenote/internal/frame"
)

func main() {
	uri := flag.String("uri", "ws://127.0.0.1:8081", "stt server websocket URI")
	wavPath := flag.String("wav", "", "path to a 16-bit PCM WAV file to stream")
	flag.Parse()

	if *wavPath == "" {
		log.Fatal("smoketest: -wav is required")
	}

	audio, err := os.ReadFile(*wavPath)
	if err != nil {
		log.Fatalf("smoketest: reading wav: %v", err)
	}
	if len(audio) > 44 {
		audio = audio[44:] // strip the RIFF header, stream raw PCM
	}

	conn, _, err := websocket.DefaultDialer.Dial(*uri, nil)
	if err != nil {
		log.Fatalf("smoketest: dialing %s: %v", *uri, err)
	}
	defer conn.Close()

	id := uuid.NewString()
	log.Printf("smoketest: session id %s", id)

	send := func(f frame.Frame) {
		encoded, err := frame.Encode(f)
		if err != nil {
			log.Fatalf("smoketest: encoding frame: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(encoded)); err != nil {
			log.Fatalf("smoketest: writing frame: %v", err)
		}
	}

	send(frame.Frame{
		frame.KeyID:          id,
		frame.KeyStatus:      frame.StatusInitializing,
		frame.KeyAudioConfig: frame.Frame{"format": frame.AudioFormatInt16, "channels": 1, "rate": 16000},
	})

	const chunkSize = 3200
	for offset := 0; offset < len(audio); offset += chunkSize {
		end := offset + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		send(frame.Frame{frame.KeyID: id, frame.KeyStatus: frame.StatusRecording, frame.KeyAudio: audio[offset:end]})
	}
	send(frame.Frame{frame.KeyID: id, frame.KeyStatus: frame.StatusFinished, frame.KeyAudio: []byte{}})

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("smoketest: read stopped: %v", err)
			return
		}
		reply, err := frame.Decode(string(data))
		if err != nil {
			log.Printf("smoketest: dropping malformed reply: %v", err)
			continue
		}
		log.Printf("smoketest: reply status=%s text=%q save_path=%q", reply.Status(), reply.GetString(frame.KeyText), reply.GetString(frame.KeySavePath))
		if reply.Status() == frame.StatusFinished {
			return
		}
	}
}
