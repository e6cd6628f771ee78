package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/locus-labs/locus/engine/dialogue"
)

// position is the fix sent with every utterance when the user passed one.
type position struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_m"`
}

// apiClient talks to one session of locus-api.
type apiClient struct {
	base     string
	session  string
	position *position
	http     *http.Client
}

func newAPIClient(base, session string, pos *position) *apiClient {
	return &apiClient{
		base:     base,
		session:  session,
		position: pos,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type utteranceBody struct {
	Text     string    `json:"text"`
	Position *position `json:"position,omitempty"`
}

func (c *apiClient) sessionURL(suffix string) string {
	return c.base + "/api/sessions/" + url.PathEscape(c.session) + suffix
}

// Say submits one utterance and returns the engine's reply.
func (c *apiClient) Say(ctx context.Context, text string) (dialogue.Reply, error) {
	var reply dialogue.Reply
	err := c.post(ctx, c.sessionURL("/utterances"), utteranceBody{Text: text, Position: c.position}, &reply)
	return reply, err
}

// Reset cancels whatever the session is doing.
func (c *apiClient) Reset(ctx context.Context) error {
	return c.post(ctx, c.sessionURL("/reset"), struct{}{}, nil)
}

func (c *apiClient) post(ctx context.Context, u string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(data))
		}
		return fmt.Errorf("chat: %s: %s", resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
