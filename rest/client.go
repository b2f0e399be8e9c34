// Package rest implements the HTTP/JSON variant of the chat history
// layer: paginated message fetches and message posting against the
// chat server's REST endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/tutorlink/go-classroom/types"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	hc      *http.Client
	log     *log.Logger
}

func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultTimeout},
		log:     logger,
	}
}

// FetchChats retrieves the user's chat summaries.
func (c *Client) FetchChats(ctx context.Context, studentID string) ([]types.ChatSummary, error) {
	u := fmt.Sprintf("%s/chats?studentID=%s", c.baseURL, url.QueryEscape(studentID))

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}

	return decodeList[types.ChatSummary](body)
}

// FetchMessages retrieves one page of a room's message history.
func (c *Client) FetchMessages(ctx context.Context, chatID string, limit, page int) ([]types.ChatMessage, error) {
	u := fmt.Sprintf("%s/messages?chatID=%s&limit=%d&page=%d", c.baseURL, url.QueryEscape(chatID), limit, page)

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	return decodeList[types.ChatMessage](body)
}

// PostMessage submits a message. Any non-2xx status is an error and
// the caller must leave local state unchanged.
func (c *Client) PostMessage(ctx context.Context, msg types.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post message: unexpected status %s", resp.Status)
	}

	return nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// decodeList tolerates the two response shapes the chat servers are
// known to produce: a bare JSON array, or an envelope object whose
// single list-valued field holds the array (e.g. {"students": [...]}).
func decodeList[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return []T{}, nil
	}

	if body[0] == '[' {
		var out []T
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}

	for _, raw := range env {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '[' {
			var out []T
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("decode response envelope: %w", err)
			}
			return out, nil
		}
	}

	return nil, fmt.Errorf("decode response: no list field in envelope")
}
