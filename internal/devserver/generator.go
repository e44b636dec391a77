package devserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ricochet1k/leostream/pkg/stream"
)

// Job is one accepted generation request.
type Job struct {
	SessionID   string
	Request     stream.GenerationRequest
	ProjectPath string

	clock *eventClock
}

// Event stamps a new event for the job. Timestamps are strictly increasing
// within a job so consecutive identical chunks never look like duplicates.
func (j Job) Event(t stream.EventType, message, data string) stream.StreamEvent {
	ev := stream.NewEvent(t, j.SessionID, message, data)
	if j.clock != nil {
		ev.Timestamp = j.clock.next().Format(time.RFC3339Nano)
	}
	return ev
}

type eventClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *eventClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// Generator produces the event stream for a job. Returning an error makes the
// server emit an ERROR event for the session.
type Generator interface {
	Generate(ctx context.Context, job Job, emit func(stream.StreamEvent)) error
}

type GeneratorFunc func(ctx context.Context, job Job, emit func(stream.StreamEvent)) error

func (f GeneratorFunc) Generate(ctx context.Context, job Job, emit func(stream.StreamEvent)) error {
	return f(ctx, job, emit)
}

// ScriptedGenerator replays a canned generation: a small Leo program streamed
// line by line, then a build. Descriptions mentioning "fix" go through one
// failed build and an auto-correction round first.
type ScriptedGenerator struct {
	ChunkDelay time.Duration
}

const scriptedMaxFixAttempts = 3

func (g ScriptedGenerator) Generate(ctx context.Context, job Job, emit func(stream.StreamEvent)) error {
	step := func(ev stream.StreamEvent) error {
		emit(ev)
		return sleep(ctx, g.ChunkDelay)
	}

	name := ProgramName(job.Request.ProjectName)
	script := []stream.StreamEvent{
		job.Event(stream.EventTypeInfo, "Starting generation for "+job.Request.ProjectName, ""),
		job.Event(stream.EventTypeThinking, "Analyzing project requirements...", ""),
		job.Event(stream.EventTypeGenerating, "Generating Leo code for "+name+".aleo", ""),
	}
	for _, ev := range script {
		if err := step(ev); err != nil {
			return err
		}
	}

	for _, line := range strings.SplitAfter(LeoProgram(name), "\n") {
		if line == "" {
			continue
		}
		if err := step(job.Event(stream.EventTypeCodeChunk, "", line)); err != nil {
			return err
		}
	}

	if err := step(job.Event(stream.EventTypeBuildStarted, "Starting Leo build...", "")); err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(job.Request.ProjectDescription), "fix") {
		attempt := 1
		fixing := []stream.StreamEvent{
			job.Event(stream.EventTypeBuildFailed, "Leo build failed", "error[E0001]: unknown type `u65`"),
			withAttempts(job.Event(stream.EventTypeFixingStarted,
				fmt.Sprintf("Starting auto-correction attempt %d/%d", attempt, scriptedMaxFixAttempts), ""),
				attempt, scriptedMaxFixAttempts),
			withAttempts(job.Event(stream.EventTypeFixingProgress, "Replacing u65 with u64", ""), attempt, 0),
			withAttempts(job.Event(stream.EventTypeFixingSuccess,
				fmt.Sprintf("Auto-correction succeeded on attempt %d", attempt), ""), attempt, 0),
		}
		for _, ev := range fixing {
			if err := step(ev); err != nil {
				return err
			}
		}
	}
	if err := step(job.Event(stream.EventTypeBuildSuccess, "Leo build succeeded", "")); err != nil {
		return err
	}
	emit(job.Event(stream.EventTypeProjectComplete, "Project generation completed successfully", job.ProjectPath))
	return nil
}

func withAttempts(ev stream.StreamEvent, attempt, maxAttempts int) stream.StreamEvent {
	if attempt > 0 {
		ev.Attempt = stream.IntPtr(attempt)
	}
	if maxAttempts > 0 {
		ev.MaxAttempts = stream.IntPtr(maxAttempts)
	}
	return ev
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProgramName turns a project name into a Leo program identifier.
func ProgramName(project string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(project)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "program"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "p_" + name
	}
	return name
}

// LeoProgram is the program the scripted generator streams.
func LeoProgram(name string) string {
	return fmt.Sprintf(`program %s.aleo {
    record Token {
        owner: address,
        amount: u64,
    }

    transition mint(receiver: address, amount: u64) -> Token {
        return Token {
            owner: receiver,
            amount: amount,
        };
    }

    transition transfer(token: Token, to: address, amount: u64) -> (Token, Token) {
        let remaining: u64 = token.amount - amount;
        let kept: Token = Token {
            owner: token.owner,
            amount: remaining,
        };
        let sent: Token = Token {
            owner: to,
            amount: amount,
        };
        return (kept, sent);
    }
}
`, name)
}
