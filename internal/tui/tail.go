package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/replypilot/replypilot/pkg/events"
)

const (
	maxFeedLines   = 1000
	reconnectDelay = 3 * time.Second
)

// EventMsg wraps one event received from the server.
type EventMsg struct {
	Event events.Event
}

// ConnStateMsg reports a WebSocket connection state change.
type ConnStateMsg struct {
	Connected bool
	Err       error
}

// Model is the single-panel live event feed.
type Model struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	width      int
	height     int

	serverURL    string
	connected    bool
	reconnecting bool
	lastErr      error
	eventCount   int
	startedAt    time.Time
	quitting     bool
}

// NewModel creates an event feed model for the given server.
func NewModel(serverURL string) Model {
	vp := viewport.New(80, 20)
	return Model{
		viewport:   vp,
		autoScroll: true,
		serverURL:  serverURL,
		startedAt:  time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = m.feedHeight()
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))) {
			m.quitting = true
			return m, tea.Quit
		}
		switch msg.String() {
		case "G":
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case "g":
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case "j", "down", "k", "up":
			m.autoScroll = false
		}

	case ConnStateMsg:
		m.connected = msg.Connected
		m.reconnecting = !msg.Connected
		m.lastErr = msg.Err
		return m, nil

	case EventMsg:
		m.addEvent(msg.Event)
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) addEvent(ev events.Event) {
	m.eventCount++
	m.lines = append(m.lines, formatEvent(ev))

	// Trim old lines.
	if len(m.lines) > maxFeedLines {
		m.lines = m.lines[len(m.lines)-maxFeedLines:]
	}

	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func formatEvent(ev events.Event) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	typeStyle := EventTypeStyle(ev.Type)

	line := fmt.Sprintf("  %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", ev.Type)))

	var payload map[string]any
	if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &payload) == nil {
		var attrs []string
		for k, v := range payload {
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
		}
		if len(attrs) > 0 {
			line += "  " + Dimmed.Render(strings.Join(attrs, " "))
		}
	}
	return line
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := m.headerView()

	feedStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Width(m.width - 2)

	feed := feedStyle.Render(Subtitle.Render(" Events") + "\n" + m.viewport.View())

	helpBar := Help.Render("  q quit  j/k scroll  G bottom  g top")

	return lipgloss.JoinVertical(lipgloss.Left, header, feed, helpBar)
}

func (m Model) headerView() string {
	left := Title.Render("ReplyPilot")

	dot := StatusDot(m.connected, m.reconnecting)
	label := StatusText(m.connected, m.reconnecting)
	right := fmt.Sprintf("%s  %s %s", m.serverURL, dot, label)

	info := fmt.Sprintf("  Events: %d   Since: %s", m.eventCount, m.startedAt.Format("15:04:05"))
	if m.lastErr != nil && !m.connected {
		info += "   " + ErrorStyle.Render(m.lastErr.Error())
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Width(m.width - 2).
		Padding(0, 1)

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + Description.Render(info))
}

func (m Model) feedHeight() int {
	// Reserve space for the header, panel borders, and help bar.
	used := 9
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}

// Tail connects to a running server's event stream and renders it until the
// user quits. The connection is redialed with a short delay whenever it drops.
func Tail(serverURL, token string) error {
	wsURL, err := eventsURL(serverURL)
	if err != nil {
		return err
	}

	p := tea.NewProgram(NewModel(serverURL), tea.WithAltScreen())

	done := make(chan struct{})
	var mu sync.Mutex
	var active *websocket.Conn

	// Dial, forward events to the TUI, and redial on failure until it exits.
	go func() {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		for {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					err = fmt.Errorf("server rejected the token")
				}
				p.Send(ConnStateMsg{Err: err})
			} else {
				mu.Lock()
				active = conn
				mu.Unlock()
				p.Send(ConnStateMsg{Connected: true})

				for {
					var ev events.Event
					if err := conn.ReadJSON(&ev); err != nil {
						p.Send(ConnStateMsg{Err: err})
						break
					}
					p.Send(EventMsg{Event: ev})
				}

				_ = conn.Close()
				mu.Lock()
				active = nil
				mu.Unlock()
			}

			select {
			case <-done:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	_, runErr := p.Run()
	close(done)

	// Unblock a pending read so the dial goroutine can observe done.
	mu.Lock()
	if active != nil {
		_ = active.Close()
	}
	mu.Unlock()

	if runErr != nil {
		return fmt.Errorf("TUI error: %w", runErr)
	}
	return nil
}

// eventsURL converts a server base URL into the /api/events WebSocket URL.
func eventsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server URL", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/events"
	return u.String(), nil
}
