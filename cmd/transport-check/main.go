// Command transport-check talks to the Gemini Live transport directly and
// prints the engine events it produces, without the turn controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/room4-2/openconverse-voice/engine"
	"github.com/room4-2/openconverse-voice/gemini"
	"github.com/room4-2/openconverse-voice/logging"
)

func main() {
	audioFile := flag.String("file", "examples/user.pcm", "16 kHz PCM file to send")
	voice := flag.String("voice", engine.DefaultConfig().DefaultVoice, "Voice to connect with")
	swap := flag.String("swap", "", "Request this voice after the first response")
	wait := flag.Duration("wait", 15*time.Second, "How long to print events")
	flag.Parse()

	_ = godotenv.Load()
	logger, err := logging.New("debug", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		logger.Fatal("GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()

	client, err := gemini.NewClient(ctx, apiKey)
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}
	transport := gemini.NewTransport(client, gemini.Options{
		Model:  os.Getenv("GEMINI_MODEL"),
		Logger: logger,
	})

	conn, err := transport.Connect(ctx, engine.ConnectConfig{
		SessionID:    "transport-check",
		Voice:        *voice,
		SystemPrompt: "You are a helpful assistant. Keep responses brief.",
	})
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()

	pcm, err := os.ReadFile(*audioFile)
	if err != nil {
		logger.Fatal("failed to read audio", zap.Error(err))
	}
	go func() {
		const chunkSize = 3200
		for i := 0; i < len(pcm); i += chunkSize {
			if err := conn.SendAudio(pcm[i:min(i+chunkSize, len(pcm))]); err != nil {
				logger.Error("send audio", zap.Error(err))
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err := conn.CommitAudioBuffer(); err != nil {
			logger.Error("commit audio", zap.Error(err))
		}
	}()

	deadline := time.After(*wait)
	swapped := *swap == ""
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				logger.Info("event stream closed")
				return
			}
			printEvent(ev)
			if done, isDone := ev.(engine.ResponseDone); isDone && !done.Cancelled && !swapped {
				swapped = true
				if err := conn.RequestVoiceChange(*swap); err != nil {
					logger.Error("voice change", zap.Error(err))
				}
			}
		case <-deadline:
			return
		}
	}
}

func printEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.AudioDelta:
		fmt.Printf("audio      %s %d bytes\n", e.ResponseID, len(e.Data))
	case engine.TranscriptionCompleted:
		fmt.Printf("heard      %q\n", e.Text)
	case engine.ResponseCreated:
		fmt.Printf("response   %s\n", e.ResponseID)
	case engine.ResponseDone:
		fmt.Printf("done       %s cancelled=%t %q\n", e.ResponseID, e.Cancelled, e.Transcript)
	case engine.ToolCallRequested:
		fmt.Printf("tool call  %s %s %v\n", e.CallID, e.Name, e.Args)
	case engine.TransportError:
		fmt.Printf("error      %v\n", e.Err)
	default:
		fmt.Printf("%-10T\n", ev)
	}
}
