// Command chatclient is a terminal client for one chatcluster replica.
//
// Screens
// -------
//
//	stateLogin – centered login/create-account form
//	stateChat  – full-screen conversation view with a scrollable viewport
//
// Concurrency
// -----------
//
//	A single goroutine scans NUL-framed records off the TCP connection and
//	forwards each one to the frames channel. The Bubble Tea event loop reads
//	one frame at a time via waitForFrame (a tea.Cmd), re-arming itself after
//	each frame. Adapted from cmd/client/main.go's packet bridge, retargeted
//	from newline-delimited JSON packets to internal/wire's NUL-framed
//	records and from the teacher's broadcast chat to this service's
//	addressed send_msg/get_undelivered/get_delivered vocabulary (§6).
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"chatcluster/internal/engine"
	"chatcluster/internal/model"
	"chatcluster/internal/wire"
)

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().Bold(true).Background(purple).Foreground(white).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(gray).Padding(0, 1)
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(purple).Padding(0, 2)
	labelStyle        = lipgloss.NewStyle().Foreground(gray).Width(10)
	focusedLabelStyle = lipgloss.NewStyle().Foreground(cyan).Width(10)
	hintStyle         = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle        = lipgloss.NewStyle().Foreground(red)
	sysStyle          = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle           = lipgloss.NewStyle().Foreground(gray)
	myNameStyle       = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle         = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

type frameMsg wire.Frame
type disconnectedMsg struct{}

type appState int

const (
	stateLogin appState = iota
	stateChat
)

type uiModel struct {
	conn   net.Conn
	frames chan wire.Frame

	state appState
	me    string

	isRegister bool
	loginFocus int
	loginField [2]textinput.Model // username, password
	statusMsg  string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	peer      string // last-addressed recipient, for bare (no "@user ") input
	pending   int

	width, height int
}

func newModel(conn net.Conn, frames chan wire.Frame) uiModel {
	uf := textinput.New()
	uf.Placeholder = "username"
	uf.Focus()
	uf.CharLimit = 64

	pf := textinput.New()
	pf.Placeholder = "password"
	pf.EchoMode = textinput.EchoPassword
	pf.EchoCharacter = '*'
	pf.CharLimit = 128

	ci := textinput.New()
	ci.Placeholder = "@user message, or /search glob, /delete id..., /logout"
	ci.CharLimit = 500

	return uiModel{
		conn:       conn,
		frames:     frames,
		state:      stateLogin,
		loginField: [2]textinput.Model{uf, pf},
		chatInput:  ci,
	}
}

func (m uiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForFrame(m.frames))
}

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case frameMsg:
		m = m.handleFrame(wire.Frame(msg))
		return m, waitForFrame(m.frames)

	case disconnectedMsg:
		m.statusMsg = "disconnected from replica"
		return m, tea.Quit

	case tea.KeyMsg:
		if m.state == stateLogin {
			return m.handleLoginKey(msg)
		}
		return m.handleChatKey(msg)
	}
	return m, nil
}

func (m uiModel) vpHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m uiModel) handleLoginKey(msg tea.KeyMsg) (uiModel, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyTab, tea.KeyShiftTab:
		m.loginFocus = (m.loginFocus + 1) % 2
		for i := range m.loginField {
			if i == m.loginFocus {
				m.loginField[i].Focus()
			} else {
				m.loginField[i].Blur()
			}
		}
		return m, textinput.Blink
	case tea.KeyCtrlR:
		m.isRegister = !m.isRegister
		m.statusMsg = ""
		return m, nil
	case tea.KeyEnter:
		username := strings.TrimSpace(m.loginField[0].Value())
		password := m.loginField[1].Value()
		if username == "" || password == "" {
			m.statusMsg = "username and password are required"
			return m, nil
		}
		command := "login"
		if m.isRegister {
			command = "create"
		}
		sendFrame(m.conn, command, engine.AuthPayload{Username: username, Password: password})
		m.statusMsg = "connecting…"
		return m, nil
	}
	var cmd tea.Cmd
	m.loginField[m.loginFocus], cmd = m.loginField[m.loginFocus].Update(msg)
	return m, cmd
}

func (m uiModel) handleChatKey(msg tea.KeyMsg) (uiModel, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		sendFrame(m.conn, "logout", struct{}{})
		return m, tea.Quit
	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil
	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	case tea.KeyEnter:
		return m.executeInput()
	}
	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// executeInput parses the chat input line into one of the client commands
// (§4.D). Bare text addresses m.peer; "@user text" re-addresses it;
// "/search", "/delete", "/logout" send search, delete_msg and logout. No
// input sends delete_acct, get_undelivered, get_delivered or refresh_home.
func (m uiModel) executeInput() (uiModel, tea.Cmd) {
	line := strings.TrimSpace(m.chatInput.Value())
	m.chatInput.Reset()
	if line == "" {
		return m, nil
	}

	switch {
	case strings.HasPrefix(line, "/search "):
		sendFrame(m.conn, "search", engine.SearchPayload{Pattern: strings.TrimSpace(line[len("/search "):])})
		return m, nil
	case line == "/logout":
		sendFrame(m.conn, "logout", struct{}{})
		return m, nil
	case strings.HasPrefix(line, "/delete "):
		var ids []uint64
		for _, tok := range strings.Fields(line[len("/delete "):]) {
			var id uint64
			if _, err := fmt.Sscanf(tok, "%d", &id); err == nil {
				ids = append(ids, id)
			}
		}
		sendFrame(m.conn, "delete_msg", engine.DeleteMsgPayload{IDs: ids})
		return m, nil
	}

	receiver, content := m.peer, line
	if strings.HasPrefix(line, "@") {
		if sp := strings.IndexByte(line, ' '); sp > 0 {
			receiver = line[1:sp]
			content = strings.TrimSpace(line[sp+1:])
		}
	}
	if receiver == "" {
		m.appendChat(errorStyle.Render("no recipient: start a message with @username"))
		return m, nil
	}
	m.peer = receiver
	sendFrame(m.conn, "send_msg", engine.SendMsgPayload{Receiver: receiver, Content: content})
	m.appendChat(tsStyle.Render("[sent]") + " " + myNameStyle.Render(m.me+"→"+receiver) + ": " + content)
	return m, nil
}

func (m uiModel) handleFrame(f wire.Frame) uiModel {
	switch f.Command {
	case "login":
		var r engine.LoginReply
		if unmarshal(f.Data, &r) != nil {
			return m
		}
		m.me = r.Username
		m.pending = r.UndeliveredMessages
		m.state = stateChat
		m.chatInput.Focus()
		m.appendChat(sysStyle.Render(fmt.Sprintf("⚡ logged in as %s (%d pending)", m.me, m.pending)))

	case "logout":
		m.appendChat(sysStyle.Render("⚡ logged out"))
		m.state = stateLogin
		m.me = ""

	case "user_list":
		var r engine.UserListReply
		if unmarshal(f.Data, &r) != nil {
			return m
		}
		m.appendChat(sysStyle.Render("⚡ users: " + strings.Join(r.Usernames, ", ")))

	case "messages":
		var r engine.MessagesReply
		if unmarshal(f.Data, &r) != nil {
			return m
		}
		for _, msg := range r.Messages {
			m.appendChat(renderMessage(msg, m.me))
		}

	case "refresh_home":
		var r engine.RefreshHomeReply
		if unmarshal(f.Data, &r) != nil {
			return m
		}
		m.pending = r.Pending

	case "error":
		var r engine.ErrorReply
		if unmarshal(f.Data, &r) != nil {
			return m
		}
		if m.state == stateLogin {
			m.statusMsg = r.Message
		} else {
			m.appendChat(errorStyle.Render("⚠ " + r.Message))
		}
	}
	return m
}

func renderMessage(msg model.Message, me string) string {
	ts := tsStyle.Render("[" + msg.Timestamp + "]")
	name := peerStyle.Render(msg.Sender)
	if msg.Sender == me {
		name = myNameStyle.Render(msg.Sender)
	}
	return ts + " " + name + "→" + msg.Receiver + ": " + msg.Content
}

func (m *uiModel) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

func (m uiModel) View() string {
	if m.state == stateLogin {
		return m.viewLogin()
	}
	return m.viewChat()
}

func (m uiModel) viewLogin() string {
	if m.width == 0 {
		return "\n  connecting…"
	}
	mode, other := "Login", "Register"
	if m.isRegister {
		mode, other = "Register", "Login"
	}
	field := func(label string, f textinput.Model, focused bool) string {
		lbl := labelStyle.Render(label)
		if focused {
			lbl = focusedLabelStyle.Render(label)
		}
		return lbl + "  " + f.View()
	}
	form := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("  chatcluster  "),
		"",
		field("Username", m.loginField[0], m.loginFocus == 0),
		field("Password", m.loginField[1], m.loginFocus == 1),
		"",
		hintStyle.Render(fmt.Sprintf("Tab: switch field   Enter: %s   Ctrl+R: switch to %s   Ctrl+C: quit", mode, other)),
		"",
		errorStyle.Render(m.statusMsg),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m uiModel) viewChat() string {
	if !m.ready {
		return "\n  connecting…"
	}
	hdr := headerStyle.Width(m.width).Render(
		fmt.Sprintf(" chatcluster · %s · %d pending · PgUp/Dn: scroll · Ctrl+C: quit", m.me, m.pending))
	footer := footerStyle.Width(m.width - 2).Render(m.chatInput.View())
	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func waitForFrame(ch <-chan wire.Frame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return frameMsg(f)
	}
}

func sendFrame(conn net.Conn, command string, payload any) {
	f, err := wire.NewFrame(command, payload)
	if err != nil {
		return
	}
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	conn.Write(data)
}

func unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func main() {
	addr := pflag.StringP("addr", "a", "localhost:50000", "replica client address")
	pflag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	frames := make(chan wire.Frame, 64)
	go func() {
		defer close(frames)
		scanner := wire.NewScanner(conn)
		for scanner.Scan() {
			f, err := wire.Decode(scanner.Bytes())
			if err != nil {
				continue
			}
			frames <- f
		}
	}()

	p := tea.NewProgram(newModel(conn, frames), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
