package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicerelay/internal/models"
)

// ServerClient is the thin HTTP binding to the relay service.
type ServerClient struct {
	baseURL string
	http    *http.Client
}

func NewServerClient(baseURL string) *ServerClient {
	return &ServerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Speak submits one utterance and returns the assigned entry id.
func (c *ServerClient) Speak(ctx context.Context, text string) (int64, error) {
	payload, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/speak", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speak: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("speak: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("speak: decode response: %w", err)
	}
	return out.MessageID, nil
}

// Poll fetches entries after the cursor and returns the batch with the new
// cursor.
func (c *ServerClient) Poll(ctx context.Context, since int64) ([]models.Message, int64, error) {
	u := fmt.Sprintf("%s/api/poll?since=%d", c.baseURL, since)
	var out struct {
		Messages []models.Message `json:"messages"`
		Cursor   int64            `json:"cursor"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, since, fmt.Errorf("poll: %w", err)
	}
	return out.Messages, out.Cursor, nil
}

// History fetches the most recent entries for startup seeding.
func (c *ServerClient) History(ctx context.Context, limit int) ([]models.Message, error) {
	u := fmt.Sprintf("%s/api/history?limit=%d", c.baseURL, limit)
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return out.Messages, nil
}

// Delivered acks one entry.
func (c *ServerClient) Delivered(ctx context.Context, id int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/delivered/%d", c.baseURL, id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivered: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delivered: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FetchAudio streams a synthesized asset. The caller closes the reader.
func (c *ServerClient) FetchAudio(ctx context.Context, assetRef string) (io.ReadCloser, error) {
	u := c.baseURL + "/audio/" + url.PathEscape(assetRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch audio %s: unexpected status %d", assetRef, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *ServerClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
