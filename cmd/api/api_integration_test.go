//go:build integration

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"
)

// apiURL points at a running locus-api, e.g. from docker compose.
func apiURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("LOCUS_API_URL")
	if u == "" {
		u = "http://localhost:8080"
	}
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(u + "/api/health")
	if err != nil {
		t.Skipf("api not reachable at %s: %v", u, err)
	}
	resp.Body.Close()
	return u
}

func TestAPI_HealthEndpoint(t *testing.T) {
	resp, err := http.Get(apiURL(t) + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] == "" || body["catalog"] == "" {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestAPI_ConversationRoundTrip(t *testing.T) {
	base := apiURL(t)
	session := "it-" + time.Now().Format("150405.000")

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := http.Post(base+path, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := post("/api/sessions/"+session+"/utterances", `{"text":"I want pizza"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = post("/api/sessions/"+session+"/reset", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", resp.StatusCode)
	}

	hr, err := http.Get(base + "/api/sessions/" + session + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer hr.Body.Close()
	var history []map[string]any
	if err := json.NewDecoder(hr.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history) != 1 || history[0]["status"] != "cancelled" {
		t.Fatalf("unexpected history %v", history)
	}
}
