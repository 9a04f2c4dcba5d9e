package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/session"
)

var (
	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)
)

// renderer prints the live conversation. A turn is printed once the next
// turn starts, so streamed revisions are shown in their final form.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	last    []chat.Turn
	printed int
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) conversation(turns []chat.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(turns) == 0 {
		r.flushLocked()
		r.last, r.printed = nil, 0
		return
	}
	if len(turns) < r.printed {
		r.printed = 0
	}
	r.last = turns
	for r.printed < len(turns)-1 {
		r.printTurnLocked(turns[r.printed])
		r.printed++
	}
}

// flush prints turns still waiting for a successor
func (r *renderer) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

func (r *renderer) flushLocked() {
	for r.printed < len(r.last) {
		r.printTurnLocked(r.last[r.printed])
		r.printed++
	}
}

func (r *renderer) printTurnLocked(t chat.Turn) {
	label := userStyle.Render("you")
	if t.Sender == chat.SenderAgent {
		label = agentStyle.Render("agent")
	}
	fmt.Fprintf(r.w, "%s › %s\n", label, t.Text)
}

func (r *renderer) state(c session.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, stateStyle.Render(fmt.Sprintf("[%s]", c.To)))
}

func (r *renderer) notice(n session.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	style := noticeStyle
	if n.Level == session.LevelError {
		style = errorStyle
	}
	fmt.Fprintln(r.w, style.Render(n.Message))
}
