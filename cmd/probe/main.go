// Command probe is a minimal native sender/receiver daemon: it captures one
// local audio device, encodes and streams it to a media plane room over
// WebTransport, and plays back whatever the room fans out to it. It exists
// to exercise the encoder, transport, and jitter buffer end to end outside
// a browser (spec §1's "native daemon" collaborator).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
)

func main() {
	addr := flag.String("addr", "localhost:4433", "media plane WebTransport address")
	roomID := flag.String("room", "", "room id to join (empty generates a new room)")
	email := flag.String("email", "probe", "identity presented to the room")
	inputDevice := flag.Int("input-device", -1, "portaudio input device index (-1: default)")
	outputDevice := flag.Int("output-device", -1, "portaudio output device index (-1: default)")
	bitrate := flag.Int("bitrate-bps", 32000, "initial Opus encoder bitrate")
	insecure := flag.Bool("insecure-skip-verify", true, "skip TLS certificate verification (self-signed dev certs)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[probe] shutting down...")
		cancel()
	}()

	client, err := dial(ctx, *addr, *roomID, *email, *insecure)
	if err != nil {
		log.Fatalf("[probe] dial: %v", err)
	}
	defer client.Close()

	go client.runHeartbeat(ctx)
	go client.runReceive(ctx)

	pipeline, err := newAudioPipeline(client, *inputDevice, *outputDevice, *bitrate)
	if err != nil {
		log.Fatalf("[probe] audio: %v", err)
	}
	defer pipeline.Close()

	if err := pipeline.Start(); err != nil {
		log.Fatalf("[probe] start audio: %v", err)
	}

	<-ctx.Done()
}
