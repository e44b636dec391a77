package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/ricochet1k/leostream/internal/domain"
	"github.com/ricochet1k/leostream/internal/reconcile"
	"github.com/ricochet1k/leostream/internal/session"
	"github.com/ricochet1k/leostream/pkg/stream"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

func eventIcon(t stream.EventType) string {
	switch t {
	case stream.EventTypeThinking:
		return "🤔"
	case stream.EventTypeGenerating:
		return "✍️ "
	case stream.EventTypeCodeChunk:
		return "📝"
	case stream.EventTypeBuildStarted:
		return "🔨"
	case stream.EventTypeBuildSuccess, stream.EventTypeFixingSuccess:
		return "✅"
	case stream.EventTypeBuildFailed, stream.EventTypeFixingFailed:
		return "❌"
	case stream.EventTypeFixingStarted, stream.EventTypeFixingProgress:
		return "🔧"
	case stream.EventTypeProjectComplete:
		return "🎉"
	case stream.EventTypeError:
		return "💥"
	default:
		return "ℹ️ "
	}
}

func eventStyle(t stream.EventType) lipgloss.Style {
	switch t {
	case stream.EventTypeBuildSuccess, stream.EventTypeFixingSuccess, stream.EventTypeProjectComplete:
		return successStyle
	case stream.EventTypeBuildFailed, stream.EventTypeFixingFailed, stream.EventTypeError:
		return errorStyle
	case stream.EventTypeFixingStarted, stream.EventTypeFixingProgress:
		return warningStyle
	default:
		return infoStyle
	}
}

// renderEvent formats a non-chunk event as one line.
func renderEvent(ev stream.StreamEvent) string {
	var b strings.Builder
	b.WriteString(eventIcon(ev.Type))
	b.WriteByte(' ')
	b.WriteString(eventStyle(ev.Type).Render(string(ev.Type)))
	if ev.Message != "" {
		b.WriteByte(' ')
		b.WriteString(ev.Message)
	}
	if ev.Attempt != nil && ev.MaxAttempts != nil {
		b.WriteString(labelStyle.Render(fmt.Sprintf(" (attempt %d/%d)", *ev.Attempt, *ev.MaxAttempts)))
	} else if ev.Attempt != nil {
		b.WriteString(labelStyle.Render(fmt.Sprintf(" (attempt %d)", *ev.Attempt)))
	}
	if ev.Data != "" && ev.Type != stream.EventTypeCodeChunk {
		for _, line := range strings.Split(strings.TrimRight(ev.Data, "\n"), "\n") {
			b.WriteString("\n   ")
			b.WriteString(labelStyle.Render(line))
		}
	}
	return b.String()
}

func renderStatus(status stream.ConnectionStatus) string {
	if status.Connected {
		return successStyle.Render("● connected")
	}
	if status.Error != "" {
		return errorStyle.Render("● disconnected: ") + status.Error
	}
	return warningStyle.Render("● disconnected")
}

func renderPhase(snap reconcile.Snapshot) string {
	line := fmt.Sprintf("%s %s", labelStyle.Render("phase:"), snap.Phase)
	switch snap.Phase {
	case domain.PhaseComplete:
		return successStyle.Render(line)
	case domain.PhaseFailed:
		return errorStyle.Render(line)
	default:
		return line
	}
}

// printer writes controller updates for the active session. Code chunks are
// echoed as they arrive unless quiet is set.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	quiet   bool
	inCode  bool
	lastCon *bool
}

func (p *printer) handle(u session.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch u.Kind {
	case session.UpdateStatus:
		if p.lastCon != nil && *p.lastCon == u.Status.Connected && u.Status.Error == "" {
			return
		}
		connected := u.Status.Connected
		p.lastCon = &connected
		p.line(renderStatus(u.Status))
	case session.UpdateEvent:
		if u.Outcome != reconcile.OutcomeApplied && u.Outcome != reconcile.OutcomeLate {
			return
		}
		if u.Event.Type == stream.EventTypeCodeChunk {
			if p.quiet {
				return
			}
			if !p.inCode {
				fmt.Fprintln(p.w, eventIcon(u.Event.Type), infoStyle.Render(string(u.Event.Type)))
				p.inCode = true
			}
			fmt.Fprint(p.w, u.Event.Data)
			return
		}
		p.line(renderEvent(u.Event))
	}
}

// println writes s on its own line, ending any code block in progress.
func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.line(s)
}

func (p *printer) line(s string) {
	if p.inCode {
		fmt.Fprintln(p.w)
		p.inCode = false
	}
	fmt.Fprintln(p.w, s)
}
