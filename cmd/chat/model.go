package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/locus-labs/locus/engine/dialogue"
	"github.com/locus-labs/locus/engine/domain"
)

// chatPort is the TUI-facing subset of the API client.
type chatPort interface {
	Say(ctx context.Context, text string) (dialogue.Reply, error)
	Reset(ctx context.Context) error
}

type replyMsg struct {
	text  string
	reply dialogue.Reply
	err   error
}

type resetMsg struct{ err error }

type line struct {
	user bool
	text string
}

// model is the Bubble Tea model for the chat client.
type model struct {
	client      chatPort
	input       textinput.Model
	viewport    viewport.Model
	transcript  []line
	suggestions []string
	pick        int
	status      string
	waiting     bool
	ready       bool
	timeout     time.Duration
}

func newModel(client chatPort, session string) model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "What are you hungry for?"
	ti.Focus()
	vp := viewport.New(0, 0)
	return model{
		client:   client,
		input:    ti,
		viewport: vp,
		status:   "session " + session + "  (tab: suggestion, ctrl+r: start over, ctrl+c: quit)",
		timeout:  time.Minute,
	}
}

func (m model) Init() tea.Cmd { return textinput.Blink }

func (m model) say(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		reply, err := m.client.Say(ctx, text)
		return replyMsg{text: text, reply: reply, err: err}
	}
}

func (m model) reset() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		return resetMsg{err: m.client.Reset(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, fh := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 1 + 1 + 1 + ih // header, suggestions, status
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-fh)
		m.refresh()
		return m, nil

	case replyMsg:
		m.waiting = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.transcript = append(m.transcript, line{text: msg.reply.Reply})
		m.suggestions = msg.reply.Suggestions
		m.pick = 0
		m.status = "status: " + string(msg.reply.Status)
		m.refresh()
		return m, nil

	case resetMsg:
		m.waiting = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.transcript = append(m.transcript, line{text: "Okay, starting over."})
		m.suggestions = nil
		m.status = "status: " + string(domain.StatusCancelled)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyCtrlR:
			if m.waiting {
				return m, nil
			}
			m.waiting = true
			return m, m.reset()
		case tea.KeyTab:
			if len(m.suggestions) > 0 {
				m.input.SetValue(m.suggestions[m.pick%len(m.suggestions)])
				m.input.CursorEnd()
				m.pick++
			}
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.waiting {
				return m, nil
			}
			m.input.Reset()
			m.transcript = append(m.transcript, line{user: true, text: text})
			m.waiting = true
			m.status = "thinking..."
			m.refresh()
			return m, m.say(text)
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Locus")
	hints := suggestionStyle.Render(strings.Join(m.suggestions, "  |  "))
	return header + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		hints + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		statusStyle.Render(m.status)
}

func (m *model) refresh() {
	m.viewport.SetContent(renderTranscript(m.transcript))
	m.viewport.GotoBottom()
}

func renderTranscript(lines []line) string {
	if len(lines) == 0 {
		return "Say what you would like, e.g. \"I want biryani\"."
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if l.user {
			fmt.Fprintf(&b, "%s %s", userStyle.Render("you:"), l.text)
		} else {
			fmt.Fprintf(&b, "%s %s", botStyle.Render("locus:"), l.text)
		}
	}
	return b.String()
}

var (
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	suggestionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)
