// Command voice-client streams a PCM file to the server as a hands-free
// client would and prints what comes back.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/openconverse-voice/engine"
	"github.com/room4-2/openconverse-voice/logging"
	"github.com/room4-2/openconverse-voice/messages"
)

type serverMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() (*AudioPlayer, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sox start: %w", err)
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}, nil
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
}

type client struct {
	conn   *websocket.Conn
	player *AudioPlayer
	logger *zap.Logger

	status chan string
	done   chan struct{}
	// replied is closed after the first assistant turn.
	replied   chan struct{}
	replyOnce sync.Once
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "WebSocket server URL")
	audioFile := flag.String("file", "examples/user.pcm", "Audio file to send (16 kHz PCM or WAV)")
	voice := flag.String("voice", "", "Switch to this voice before speaking")
	play := flag.Bool("play", true, "Play responses through sox")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for a reply")
	flag.Parse()

	logger, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		logger.Fatal("failed to load audio", zap.Error(err))
	}

	logger.Info("connecting", zap.String("server", *serverURL))
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()

	c := &client{
		conn:    conn,
		logger:  logger,
		status:  make(chan string, 16),
		done:    make(chan struct{}),
		replied: make(chan struct{}),
	}
	if *play {
		if c.player, err = NewAudioPlayer(); err != nil {
			logger.Warn("playback disabled (is sox installed?)", zap.Error(err))
		}
	}
	defer c.player.Close()

	go c.readLoop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	c.control(messages.ControlPayload{Action: messages.ActionActivate})
	if !c.waitStatus(engine.StatusListening.String(), 10*time.Second) {
		logger.Fatal("session did not start listening")
	}
	if *voice != "" {
		c.control(messages.ControlPayload{Action: messages.ActionChangeVoice, Voice: *voice})
	}

	c.stream(audioData)
	logger.Info("audio sent, waiting for response")

	select {
	case <-c.replied:
		// let the tail of the reply play out
		time.Sleep(2 * time.Second)
	case <-c.done:
		logger.Info("connection closed")
	case <-interrupt:
		logger.Info("interrupted, closing")
	case <-time.After(*timeout):
		logger.Warn("timeout waiting for response")
	}
	c.control(messages.ControlPayload{Action: messages.ActionDeactivate})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *client) control(payload messages.ControlPayload) {
	data, err := sonic.Marshal(map[string]any{"type": messages.TypeControl, "payload": payload})
	if err != nil {
		c.logger.Error("encode control", zap.Error(err))
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Error("send control", zap.String("action", payload.Action), zap.Error(err))
	}
}

func (c *client) waitStatus(want string, limit time.Duration) bool {
	deadline := time.After(limit)
	for {
		select {
		case s := <-c.status:
			if s == want {
				return true
			}
		case <-c.done:
			return false
		case <-deadline:
			return false
		}
	}
}

// stream sends audio in 100ms chunks at real-time pace.
func (c *client) stream(audioData []byte) {
	const chunkSize = 3200 // 100ms at 16kHz
	total := (len(audioData) + chunkSize - 1) / chunkSize
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, audioData[i:end]); err != nil {
			c.logger.Error("send audio", zap.Error(err))
			return
		}
		c.logger.Debug("sent chunk", zap.Int("chunk", i/chunkSize+1), zap.Int("of", total))
		time.Sleep(100 * time.Millisecond)
	}
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		var msg serverMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("parse error", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg serverMessage) {
	switch msg.Type {
	case messages.TypeAudio:
		var payload messages.AudioResponsePayload
		if sonic.Unmarshal(msg.Payload, &payload) != nil {
			return
		}
		if pcm, err := base64.StdEncoding.DecodeString(payload.Data); err == nil {
			c.player.Play(pcm)
		}
	case messages.TypeStatus:
		var payload messages.StatusPayload
		if sonic.Unmarshal(msg.Payload, &payload) == nil {
			c.logger.Info("status", zap.String("status", payload.Status), zap.Bool("muted", payload.Muted))
			select {
			case c.status <- payload.Status:
			default:
			}
		}
	case messages.TypeTurn:
		var turn engine.Turn
		if sonic.Unmarshal(msg.Payload, &turn) == nil {
			fmt.Printf("%s: %s\n", turn.Role, turn.Transcript)
			for _, a := range turn.Artifacts {
				fmt.Printf("  [%s] %s\n", a.Kind, a.Ref)
			}
			if turn.Role == engine.RoleAssistant {
				c.replyOnce.Do(func() { close(c.replied) })
			}
		}
	case messages.TypeLevel, messages.TypeFlush:
	default:
		c.logger.Info(msg.Type, zap.ByteString("payload", msg.Payload))
	}
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Skip the 44-byte header of a standard WAV file
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
