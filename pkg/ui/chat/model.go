package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatbus/pkg/bus"
	"chatbus/pkg/message"
)

const typingIdleTimeout = 3 * time.Second

type chatLine struct {
	role      string
	messageID string
	sender    string
	content   string
	at        time.Time
	read      bool
}

type eventMsg struct {
	event bus.Event
}

type eventsClosedMsg struct{}

type sendResultMsg struct {
	err error
}

type actionErrMsg struct {
	err error
}

type typingIdleMsg struct {
	seq int
}

type bootTickMsg struct{}

type model struct {
	ctx     context.Context
	actions Actions
	events  <-chan bus.Event
	info    Info
	chat    message.ChatID

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	lines     []chatLine
	width     int
	height    int
	isReady   bool
	isSending bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool

	online    map[string]bool
	typing    map[string]bool
	selfTyped bool
	typingSeq int
}

func newModel(ctx context.Context, actions Actions, events <-chan bus.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Write a message..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	online := make(map[string]bool, len(info.Online))
	for _, userID := range info.Online {
		online[userID] = true
	}

	return &model{
		ctx:       ctx,
		actions:   actions,
		events:    events,
		info:      info,
		chat:      message.ParseChatID(info.ChatID),
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
		online:    online,
		typing:    make(map[string]bool),
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case eventMsg:
		return m, tea.Batch(m.handleEvent(typed.event), waitForEvent(m.events))
	case eventsClosedMsg:
		m.lastErr = "broker connection closed"
		return m, nil
	case sendResultMsg:
		m.isSending = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.lines = append(m.lines, chatLine{role: "error", content: typed.err.Error()})
			m.refreshViewport(false)
		}
		return m, nil
	case actionErrMsg:
		m.lastErr = typed.err.Error()
		return m, nil
	case typingIdleMsg:
		if typed.seq == m.typingSeq && m.selfTyped {
			m.selfTyped = false
			return m, m.typingCmd(false)
		}
		return m, nil
	case tea.MouseMsg:
		if !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit()
		}

		m.input, cmd = m.input.Update(msg)
		return m, tea.Batch(cmd, m.noteTyping())
	case spinner.TickMsg:
		if !m.isSending {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	if m.isSending {
		return nil
	}

	content := strings.TrimSpace(m.input.Value())
	if content == "" {
		return nil
	}
	if isExitCommand(content) {
		return tea.Quit
	}

	m.lastErr = ""
	m.input.SetValue("")
	m.isSending = true
	m.followLog = true

	cmds := []tea.Cmd{m.spinner.Tick, sendCmd(m.ctx, m.actions.Send, content)}
	if m.selfTyped {
		m.selfTyped = false
		cmds = append(cmds, m.typingCmd(false))
	}

	return tea.Batch(cmds...)
}

// noteTyping announces typing on the first keystroke and schedules the
// idle timeout that withdraws it.
func (m *model) noteTyping() tea.Cmd {
	if strings.TrimSpace(m.input.Value()) == "" {
		if m.selfTyped {
			m.selfTyped = false
			return m.typingCmd(false)
		}
		return nil
	}

	m.typingSeq++
	seq := m.typingSeq
	idle := tea.Tick(typingIdleTimeout, func(time.Time) tea.Msg {
		return typingIdleMsg{seq: seq}
	})
	if m.selfTyped {
		return idle
	}

	m.selfTyped = true
	return tea.Batch(idle, m.typingCmd(true))
}

func (m *model) typingCmd(typing bool) tea.Cmd {
	if m.actions.SetTyping == nil {
		return nil
	}

	ctx := m.ctx
	fn := m.actions.SetTyping
	chatID := m.typingChatID()
	return func() tea.Msg {
		if err := fn(ctx, chatID, typing); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m *model) markReadCmd(messageID string) tea.Cmd {
	if m.actions.MarkRead == nil {
		return nil
	}

	ctx := m.ctx
	fn := m.actions.MarkRead
	return func() tea.Msg {
		if err := fn(ctx, messageID); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m *model) handleEvent(event bus.Event) tea.Cmd {
	switch event.Type {
	case bus.EventMessage:
		if event.Message == nil || !m.belongs(*event.Message) {
			return nil
		}

		msg := *event.Message
		for _, line := range m.lines {
			if line.messageID == msg.ID {
				return nil
			}
		}

		own := msg.SenderID == m.info.UserID
		role := "peer"
		if own {
			role = "self"
		}
		m.lines = append(m.lines, chatLine{role: role, messageID: msg.ID, sender: msg.SenderID, content: msg.Content, at: msg.Timestamp.Time})
		delete(m.typing, msg.SenderID)
		m.refreshViewport(false)

		if !own {
			return m.markReadCmd(msg.ID)
		}
	case bus.EventTyping:
		if event.ChatID != m.typingChatID() || event.SubjectID == m.info.UserID {
			return nil
		}
		if event.Active {
			m.typing[event.SubjectID] = true
		} else {
			delete(m.typing, event.SubjectID)
		}
	case bus.EventPresence:
		if event.Active {
			m.online[event.SubjectID] = true
		} else {
			delete(m.online, event.SubjectID)
		}
	case bus.EventRead:
		if event.SubjectID == m.info.UserID {
			return nil
		}
		for i := range m.lines {
			if m.lines[i].messageID == event.MessageID && m.lines[i].role == "self" {
				m.lines[i].read = true
				m.refreshViewport(false)
			}
		}
	case bus.EventSendFailed:
		m.lastErr = event.Error
		m.lines = append(m.lines, chatLine{role: "error", content: event.Error})
		m.refreshViewport(false)
	}

	return nil
}

// belongs reports whether msg is part of the open conversation.
func (m *model) belongs(msg message.Message) bool {
	if msg.ReceiverID == m.chat.Raw {
		return true
	}
	if m.chat.Kind != message.ChatDirect {
		return false
	}

	peer := m.chat.Raw
	switch {
	case msg.SenderID == peer && msg.ReceiverID == m.info.UserID:
		return true
	case msg.ReceiverID == message.PrivateChatID(m.info.UserID, peer):
		return true
	}

	return false
}

// typingChatID is the chat id typing is published under. Direct
// conversations use the private chat id of both users.
func (m *model) typingChatID() string {
	if m.chat.Kind == message.ChatDirect {
		return message.PrivateChatID(m.info.UserID, m.chat.Raw)
	}

	return m.chat.Raw
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 chatbus · " + m.info.UserID + " → " + m.info.ChatID)
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"session:%s · dir:%s · peer:%s · messages:%d",
		displayOrNA(shortID(m.info.SessionID)),
		displayOrNA(m.info.Dir),
		m.peerStatus(),
		len(m.lines),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if typing := m.typingLine(); typing != "" {
		status = m.theme.statusBusy.Render("✍️  " + typing)
	}
	if m.isSending {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ sending...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	parts := []string{
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 "+m.info.UserID) + " " + m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width - 2).Render(m.input.View()),
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) peerStatus() string {
	if m.chat.Kind != message.ChatDirect {
		return m.chat.Kind.String()
	}
	if m.online[m.chat.Raw] {
		return "online"
	}

	return "offline"
}

func (m *model) typingLine() string {
	if len(m.typing) == 0 {
		return ""
	}

	users := make([]string, 0, len(m.typing))
	for userID := range m.typing {
		users = append(users, userID)
	}
	sort.Strings(users)

	if len(users) == 1 {
		return users[0] + " is typing..."
	}

	return strings.Join(users, ", ") + " are typing..."
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.lines {
		switch item.role {
		case "self":
			title := "▛▚ [ you ] ▞▜"
			if item.read {
				title = "▛▚ [ you ✓✓ ] ▞▜"
			}
			sections = append(sections, m.renderCard(
				m.theme.selfTitle.Render(title)+" "+m.theme.hint.Render(formatClock(item.at)),
				m.theme.selfBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "peer":
			sections = append(sections, m.renderCard(
				m.theme.peerTitle.Render("▛▚ [ "+item.sender+" ] ▞▜")+" "+m.theme.hint.Render(formatClock(item.at)),
				m.theme.peerBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "error":
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📟 chatbus")
	meta := m.theme.headerMeta.Render("boot sequence")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ connected"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}

	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

func sendCmd(ctx context.Context, send SendFunc, content string) tea.Cmd {
	return func() tea.Msg {
		if send == nil {
			return sendResultMsg{err: fmt.Errorf("sending is not configured")}
		}
		return sendResultMsg{err: send(ctx, content)}
	}
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening broker directory",
		"[BOOT] announcing session",
		"[BOOT] registering listener",
		"[BOOT] syncing presence",
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

func formatClock(at time.Time) string {
	if at.IsZero() {
		return ""
	}

	return at.Format("15:04:05")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
