package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/pkg/client"
)

const (
	primaryColor   = "#7C3AED"
	secondaryColor = "#10B981"
	errorColor     = "#EF4444"
	dimColor       = "#6B7280"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(primaryColor)).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(secondaryColor))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(errorColor))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(dimColor))
	userStyle    = lipgloss.NewStyle().Bold(true)

	replyStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(primaryColor)).
			Padding(0, 1)
	pendingStyle = replyStyle.BorderForeground(lipgloss.Color(dimColor))
)

// renderer lays out a session's active view for the terminal
type renderer struct {
	width int
}

func newRenderer() *renderer {
	width := 100
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			width = w
		}
	}
	return &renderer{width: width}
}

// Transcript renders every message, pairing the replies of each turn
func (r *renderer) Transcript(session client.Session, view []client.Message) string {
	var b strings.Builder
	var replies []client.Message
	flush := func() {
		if len(replies) > 0 {
			b.WriteString(r.Replies(session, replies))
			b.WriteString("\n")
			replies = nil
		}
	}
	for _, m := range view {
		if m.Role == models.RoleUser {
			flush()
			b.WriteString(r.User(m))
			b.WriteString("\n")
			continue
		}
		replies = append(replies, m)
	}
	flush()
	return b.String()
}

func (r *renderer) User(m client.Message) string {
	return userStyle.Render("> " + m.Content)
}

// Replies renders one turn's replies, side by side when there are two
func (r *renderer) Replies(session client.Session, replies []client.Message) string {
	if len(replies) == 1 {
		return r.box(session, replies[0], r.width-2)
	}
	colWidth := r.width/len(replies) - 2
	boxes := make([]string, 0, len(replies))
	for _, m := range replies {
		boxes = append(boxes, r.box(session, m, colWidth))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func (r *renderer) box(session client.Session, m client.Message, width int) string {
	style := replyStyle
	if m.Status == models.StatusPending {
		style = pendingStyle
	}
	label := titleStyle.Render(participantLabel(session, m.Participant))
	content := m.Content
	if content == "" && m.Status == models.StatusPending {
		content = dimStyle.Render("…")
	}
	// Width counts the padding but not the border
	return style.Width(width - 2).Render(label + "\n" + content)
}

// participantLabel names the model unless the session hides identities
func participantLabel(session client.Session, p models.Participant) string {
	name := "Model " + strings.ToUpper(string(p))
	if session.Mode == client.ModeRandom {
		return name
	}
	if ref := session.Model(p); ref != nil {
		if ref.Name != "" {
			return ref.Name
		}
		return ref.ID
	}
	return name
}

func (r *renderer) Notification(n client.Notification) string {
	return errorStyle.Render("! " + n.String())
}
