package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/iamveene/tsushin/internal/bus"
)

// APISource fetches messages from the bridge's HTTP API. Interchangeable
// with StoreSource for deployments where the watcher cannot mount the
// bridge's database file.
type APISource struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	names   *NameResolver
}

func NewAPISource(baseURL, token string, names *NameResolver) *APISource {
	return &APISource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		// The bridge API is a single-tenant sidecar; 10 req/s with a small
		// burst keeps a misconfigured poll interval from hammering it.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		names:   names,
	}
}

func (s *APISource) Name() string { return "api" }

// apiMessage is the bridge API's wire shape for one message.
type apiMessage struct {
	ID        string `json:"id"`
	ChatJID   string `json:"chat_jid"`
	ChatName  string `json:"chat_name"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsFromMe  bool   `json:"is_from_me"`
	MediaType string `json:"media_type"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

func (s *APISource) GetLatestTimestamp(ctx context.Context) (string, error) {
	var resp struct {
		Timestamp string `json:"timestamp"`
	}
	if err := s.getJSON(ctx, "/api/messages/latest", nil, &resp); err != nil {
		return "", fmt.Errorf("latest timestamp from bridge API: %w", err)
	}
	return bus.NormalizeTimestamp(resp.Timestamp), nil
}

func (s *APISource) GetNewMessages(ctx context.Context, since string, limit int) []bus.NormalizedMessage {
	q := url.Values{}
	q.Set("since", since)
	q.Set("limit", strconv.Itoa(clampLimit(limit)))

	var raw []apiMessage
	if err := s.getJSON(ctx, "/api/messages", q, &raw); err != nil {
		slog.Warn("api source: fetch new messages failed", "error", err)
		return nil
	}

	out := make([]bus.NormalizedMessage, 0, len(raw))
	for _, am := range raw {
		if am.IsFromMe {
			continue
		}
		out = append(out, bus.NormalizedMessage{
			ID:         am.ID,
			ChatID:     am.ChatJID,
			ChatName:   am.ChatName,
			Sender:     am.Sender,
			SenderName: s.names.Resolve(am.Sender),
			Body:       am.Content,
			Timestamp:  bus.NormalizeTimestamp(am.Timestamp),
			IsGroup:    strings.HasSuffix(am.ChatJID, "@g.us"),
			MediaType:  am.MediaType,
			Filename:   am.Filename,
			MediaURL:   am.URL,
			Channel:    "whatsapp",
		})
	}
	return out
}

func (s *APISource) GetRecentMessages(ctx context.Context, chatID, before string, limit int) []ContextLine {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("before", before)
	q.Set("limit", strconv.Itoa(limit))

	var raw []apiMessage
	if err := s.getJSON(ctx, "/api/messages/recent", q, &raw); err != nil {
		slog.Warn("api source: fetch recent messages failed", "chat_id", chatID, "error", err)
		return nil
	}

	lines := make([]ContextLine, 0, len(raw))
	for _, am := range raw {
		name := s.names.Resolve(am.Sender)
		if name == "" {
			name = am.Sender
		}
		lines = append(lines, ContextLine{
			Timestamp:  bus.NormalizeTimestamp(am.Timestamp),
			SenderName: name,
			Body:       am.Content,
		})
	}
	return lines
}

// IsAvailable probes the bridge API health endpoint.
func (s *APISource) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *APISource) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge API %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bridge API response: %w", err)
	}
	return nil
}
