package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"transpad/internal/attach"
	"transpad/internal/backend"
	"transpad/internal/config"
)

// Session is one translate invocation. It lives from Trigger until a
// terminal state and is only touched by the controller loop.
type Session struct {
	ID             string
	Input          string
	Images         []attach.Attachment
	TargetLanguage string

	state      State
	active     config.Active
	translator backend.Translator
	opts       backend.Options

	// attempt counts retries; seq identifies each launched worker so late
	// events from an earlier attempt are recognised.
	attempt  int
	seq      int
	produced bool
	pending  strings.Builder

	cancel  context.CancelFunc
	started time.Time

	inTokens     int
	promptTokens int
	counted      bool

	completion *completion
}

func newSession(input string, images []attach.Attachment, active config.Active) *Session {
	return &Session{
		ID:             uuid.NewString(),
		Input:          input,
		Images:         images,
		TargetLanguage: active.TargetLanguage,
		active:         active,
		completion:     newCompletion(),
	}
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) moveTo(next State) error {
	if !CanTransition(s.state, next) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.state, next)
	}
	s.state = next
	return nil
}

func (s *Session) images() []backend.Image {
	out := make([]backend.Image, 0, len(s.Images))
	for _, img := range s.Images {
		out = append(out, backend.Image{Name: img.Name, MIMEType: img.MIMEType, Data: img.Data})
	}
	return out
}

// Outcome is how a session ended.
type Outcome struct {
	SessionID string
	State     State
	Output    string
	Status    string
	Err       error
	Retries   int
	Fallback  bool
	Elapsed   time.Duration
}

type completion struct {
	done    chan struct{}
	outcome Outcome
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) finish(out Outcome) {
	c.outcome = out
	close(c.done)
}

// TriggerResult says what a Trigger call did.
type TriggerResult int

const (
	TriggerStarted TriggerResult = iota
	TriggerCancelRequested
	TriggerRejected
)

func (r TriggerResult) String() string {
	switch r {
	case TriggerStarted:
		return "started"
	case TriggerCancelRequested:
		return "cancel_requested"
	default:
		return "rejected"
	}
}

// Ticket follows the session a Trigger call touched. Any number of
// goroutines may Wait on it.
type Ticket struct {
	Result    TriggerResult
	SessionID string
	c         *completion
}

// Wait blocks until the session ends.
func (t Ticket) Wait(ctx context.Context) (Outcome, error) {
	if t.c == nil {
		return Outcome{}, errors.New("ticket has no session")
	}
	select {
	case <-t.c.done:
		return t.c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
