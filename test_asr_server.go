package main

// Standalone stub of the streaming ASR engine, for exercising the bridge
// without GPU infrastructure. It accepts the bridge's backend stream
// protocol and answers every segment with a canned partial and final.
//
// Run with: go run test_asr_server.go

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

type streamStart struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

type segmentHeader struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	NumSamples   int    `json:"num_samples"`
}

type recognitionEvent struct {
	Type         string  `json:"type"`
	SegmentIndex int     `json:"segment_index"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence,omitempty"`
}

var upgrader = websocket.Upgrader{}

func streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var start streamStart
	if err := conn.ReadJSON(&start); err != nil || start.Type != "start" {
		log.Printf("bad stream start: %v", err)
		return
	}
	log.Printf("stream opened: %d Hz, %d ch, %s", start.SampleRate, start.Channels, start.Encoding)

	pending := -1
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("stream ended: %v", err)
			return
		}

		if msgType == websocket.TextMessage {
			var header segmentHeader
			if err := json.Unmarshal(data, &header); err != nil {
				log.Printf("bad message: %v", err)
				continue
			}
			if header.Type == "stop" {
				log.Printf("stream stopped by client")
				return
			}
			if header.Type == "segment" {
				pending = header.SegmentIndex
			}
			continue
		}

		// Binary payload for the previously announced segment
		samples := len(data) / 2
		log.Printf("segment %d: %d samples", pending, samples)

		conn.WriteJSON(recognitionEvent{
			Type:         "partial",
			SegmentIndex: pending,
			Text:         fmt.Sprintf("segment %d in progress", pending),
		})
		conn.WriteJSON(recognitionEvent{
			Type:         "final",
			SegmentIndex: pending,
			Text:         fmt.Sprintf("test transcription of segment %d (%d samples)", pending, samples),
			Confidence:   0.95,
		})
	}
}

func main() {
	port := flag.Int("port", 9090, "port to listen on")
	flag.Parse()

	http.HandleFunc("/stream", streamHandler)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Stub ASR engine listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
