package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatbus/pkg/bus"
)

// SendFunc publishes content from the local user to the open conversation.
type SendFunc func(ctx context.Context, content string) error

// Actions are the broker operations the chat screen triggers.
type Actions struct {
	Send      SendFunc
	SetTyping func(ctx context.Context, chatID string, typing bool) error
	MarkRead  func(ctx context.Context, messageID string) error
}

// Info describes the conversation shown on screen.
type Info struct {
	UserID    string
	ChatID    string
	SessionID string
	Dir       string
	// Online seeds the presence view before the first presence event.
	Online []string
}

func RunInteractive(ctx context.Context, actions Actions, events <-chan bus.Event, info Info) error {
	model := newModel(ctx, actions, events, info)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner(info.UserID))
	return nil
}

func renderGoodbyeBanner(userID string) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("👋 " + userID + " left the chat")
}
