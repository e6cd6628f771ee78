package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/locus-labs/locus/engine/dialogue"
	"github.com/locus-labs/locus/engine/domain"
)

type fakeChat struct {
	said   []string
	reply  dialogue.Reply
	err    error
	resets int
}

func (f *fakeChat) Say(_ context.Context, text string) (dialogue.Reply, error) {
	f.said = append(f.said, text)
	return f.reply, f.err
}

func (f *fakeChat) Reset(context.Context) error {
	f.resets++
	return f.err
}

func sized(t *testing.T, c chatPort) model {
	t.Helper()
	next, _ := newModel(c, "s1").Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(model)
}

func typeText(m model, s string) model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(model)
}

func TestEnterSendsAndRendersReply(t *testing.T) {
	fc := &fakeChat{reply: dialogue.Reply{
		Reply:       "Veg or non-veg?",
		Suggestions: []string{"veg", "non veg"},
		Status:      domain.StatusCollectingVariant,
	}}
	m := typeText(sized(t, fc), "biryani")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if cmd == nil || !m.waiting || m.input.Value() != "" {
		t.Fatalf("enter should clear input and send: waiting=%v value=%q", m.waiting, m.input.Value())
	}

	next, _ = m.Update(cmd())
	m = next.(model)
	if len(fc.said) != 1 || fc.said[0] != "biryani" {
		t.Fatalf("unexpected utterances %v", fc.said)
	}
	if m.waiting || len(m.transcript) != 2 || !strings.Contains(m.status, "collecting_variant") {
		t.Fatalf("unexpected state %+v", m)
	}
	if !strings.Contains(m.View(), "Veg or non-veg?") {
		t.Fatal("reply missing from view")
	}
}

func TestTabCyclesSuggestions(t *testing.T) {
	m := sized(t, &fakeChat{})
	m.suggestions = []string{"veg", "non veg"}

	for _, want := range []string{"veg", "non veg", "veg"} {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
		m = next.(model)
		if m.input.Value() != want {
			t.Fatalf("expected %q, got %q", want, m.input.Value())
		}
	}
}

func TestBlankEnterIgnored(t *testing.T) {
	fc := &fakeChat{}
	m := typeText(sized(t, fc), "   ")
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatal("blank input should not send")
	}
}

func TestErrorShownInStatus(t *testing.T) {
	fc := &fakeChat{err: errors.New("connection refused")}
	m := typeText(sized(t, fc), "pizza")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	next, _ = next.(model).Update(cmd())
	m = next.(model)
	if !strings.Contains(m.status, "connection refused") || m.waiting {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestCtrlRResets(t *testing.T) {
	fc := &fakeChat{}
	m := sized(t, fc)
	m.suggestions = []string{"retry"}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlR})
	next, _ = next.(model).Update(cmd())
	m = next.(model)
	if fc.resets != 1 || m.suggestions != nil || !strings.Contains(m.status, "cancelled") {
		t.Fatalf("unexpected state after reset: resets=%d %+v", fc.resets, m)
	}
}

func TestAPIClientSay(t *testing.T) {
	var got utteranceBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/a%20b/utterances" && r.URL.Path != "/api/sessions/a b/utterances" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(dialogue.Reply{Reply: "ok", Status: domain.StatusFound})
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "a b", &position{Latitude: 12.3, Longitude: 76.6, AccuracyMeters: 10})
	reply, err := c.Say(context.Background(), "2")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != domain.StatusFound || got.Text != "2" || got.Position == nil || got.Position.Latitude != 12.3 {
		t.Fatalf("unexpected exchange: reply=%+v sent=%+v", reply, got)
	}
}

func TestAPIClientErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited\n"))
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL, "s1", nil).Reset(context.Background())
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("unexpected error %v", err)
	}
}
