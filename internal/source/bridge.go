package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamveene/tsushin/internal/bus"
)

const bridgeBufferCap = 2048

// BridgeSource subscribes to the WhatsApp bridge's WebSocket push
// stream and buffers events in memory. The watcher still drives it
// through the polling contract: GetNewMessages drains the buffer, so
// the loop's dedup/ordering semantics are identical across sources.
type BridgeSource struct {
	url   string
	names *NameResolver

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	everSeen  bool   // at least one successful connection
	latest    string // max timestamp observed on the stream
	buffer    []bus.NormalizedMessage

	cancel context.CancelFunc
}

func NewBridgeSource(wsURL string, names *NameResolver) *BridgeSource {
	return &BridgeSource{url: wsURL, names: names}
}

func (s *BridgeSource) Name() string { return "bridge" }

// Start launches the listen loop. Non-blocking after setup; an initial
// connection failure is not fatal because the loop keeps retrying.
func (s *BridgeSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.connect(); err != nil {
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go s.listenLoop(ctx)
}

// Stop closes the connection and halts the listen loop.
func (s *BridgeSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

func (s *BridgeSource) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.everSeen = true
	s.mu.Unlock()

	slog.Info("bridge websocket connected", "url", s.url)
	return nil
}

// listenLoop reads pushed messages with automatic reconnection.
func (s *BridgeSource) listenLoop(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := s.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.Close()
				s.conn = nil
			}
			s.connected = false
			s.mu.Unlock()
			continue
		}

		s.handleEvent(payload)
	}
}

// handleEvent parses one pushed event.
// Expected: {"type":"message","id":"...","chat":"...","chat_name":"...",
// "from":"...","content":"...","timestamp":"...","from_me":false,...}
func (s *BridgeSource) handleEvent(payload []byte) {
	var ev struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Chat      string `json:"chat"`
		ChatName  string `json:"chat_name"`
		From      string `json:"from"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
		FromMe    bool   `json:"from_me"`
		MediaType string `json:"media_type"`
		Filename  string `json:"filename"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("invalid bridge event JSON", "error", err)
		return
	}
	if ev.Type != "message" || ev.ID == "" || ev.From == "" {
		return
	}

	ts := bus.NormalizeTimestamp(ev.Timestamp)
	if ts == bus.ZeroTimestamp {
		ts = bus.FormatTimestamp(time.Now())
	}

	msg := bus.NormalizedMessage{
		ID:         ev.ID,
		ChatID:     ev.Chat,
		ChatName:   ev.ChatName,
		Sender:     ev.From,
		SenderName: s.names.Resolve(ev.From),
		Body:       ev.Content,
		Timestamp:  ts,
		IsGroup:    strings.HasSuffix(ev.Chat, "@g.us"),
		MediaType:  ev.MediaType,
		Filename:   ev.Filename,
		MediaURL:   ev.URL,
		Channel:    "whatsapp",
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = bus.MaxTimestamp(s.latest, ts)
	if ev.FromMe {
		return // self-authored: advances the cursor, never dispatched
	}
	s.buffer = append(s.buffer, msg)
	if len(s.buffer) > bridgeBufferCap {
		// Oldest entries are dropped; the persistent cache is the
		// long-term record, this buffer only bridges poll cycles.
		s.buffer = s.buffer[len(s.buffer)-bridgeBufferCap:]
	}
}

// GetLatestTimestamp fails until the first successful connection: a
// zero default here would replay the whole history downstream.
func (s *BridgeSource) GetLatestTimestamp(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.everSeen {
		return "", fmt.Errorf("bridge %s not yet connected", s.url)
	}
	return s.latest, nil
}

func (s *BridgeSource) GetNewMessages(_ context.Context, since string, limit int) []bus.NormalizedMessage {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reconnects deliver events out of timestamp order. Select the
	// oldest matches first, or a newer dispatch would advance the
	// caller's cursor past a still-buffered older message and strand it.
	sort.SliceStable(s.buffer, func(i, j int) bool { return s.buffer[i].Timestamp < s.buffer[j].Timestamp })

	out := make([]bus.NormalizedMessage, 0, len(s.buffer))
	kept := s.buffer[:0]
	for _, m := range s.buffer {
		if m.Timestamp <= since {
			continue
		}
		if len(out) < limit {
			out = append(out, m)
		} else {
			kept = append(kept, m) // over limit, keep for next poll
		}
	}
	s.buffer = append([]bus.NormalizedMessage(nil), kept...)
	return out
}

// GetRecentMessages is unsupported on the push stream.
func (s *BridgeSource) GetRecentMessages(context.Context, string, string, int) []ContextLine {
	return nil
}

func (s *BridgeSource) IsAvailable(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
