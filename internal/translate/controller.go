// Package translate drives translation requests. A single loop goroutine
// owns the workspace and the active session; backend calls run in worker
// goroutines and report back through events tagged with the session id and
// attempt sequence, so anything that arrives after a session ended is
// dropped.
package translate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"transpad/internal/attach"
	"transpad/internal/backend"
	"transpad/internal/config"
	"transpad/internal/normalize"
	"transpad/internal/prompt"
	"transpad/internal/tokens"
	"transpad/internal/workspace"
)

const (
	MaxInputChars = normalize.MaxInputChars
	TokenOverhead = 64
)

var ErrStopped = errors.New("translate: controller stopped")

// ValidationError is a request refused before any backend call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

type Backends interface {
	Resolve(svc config.Service) (backend.Translator, error)
}

type ConfigSource interface {
	Active() config.Active
}

type subscriber interface {
	Subscribe(fn func(config.Active)) func()
}

type Options struct {
	Config     ConfigSource
	Backends   Backends
	Normalizer *normalize.Normalizer
	Tokens     tokens.Counter
	Frames     FrameScheduler
	Logger     *zap.Logger
}

type eventKind int

const (
	evChunk eventKind = iota
	evStreamDone
	evStreamFailed
	evShotDone
	evShotFailed
)

type event struct {
	session string
	seq     int
	kind    eventKind
	text    string
	err     error
}

type Controller struct {
	ws         *workspace.Workspace
	cfg        ConfigSource
	backends   Backends
	normalizer *normalize.Normalizer
	tokens     tokens.Counter
	frames     FrameScheduler
	logger     *zap.Logger
	now        func() time.Time

	// Commands wait in an unbounded FIFO; wake nudges the loop.
	mu      sync.Mutex
	queue   []func(ctx context.Context)
	wake    chan struct{}
	events  chan event
	stopped chan struct{}

	// Owned by the loop.
	runCtx context.Context
	active *Session
	frame  <-chan time.Time
}

func New(ws *workspace.Workspace, opts Options) *Controller {
	if opts.Tokens == nil {
		opts.Tokens = tokens.Default()
	}
	if opts.Frames == nil {
		opts.Frames = TimerFrames{Interval: FrameInterval}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(nil)
	}
	return &Controller{
		ws:         ws,
		cfg:        opts.Config,
		backends:   opts.Backends,
		normalizer: opts.Normalizer,
		tokens:     opts.Tokens,
		frames:     opts.Frames,
		logger:     opts.Logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		events:     make(chan event, 256),
		stopped:    make(chan struct{}),
	}
}

// Run owns the workspace until ctx ends. An active session is cancelled on
// the way out.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)

	if sub, ok := c.cfg.(subscriber); ok {
		unsubscribe := sub.Subscribe(func(a config.Active) {
			c.Post(func(context.Context) { c.configChanged(a) })
		})
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			if c.active != nil {
				c.cancelActive()
			}
			return ctx.Err()
		case <-c.wake:
			for _, fn := range c.takeQueued() {
				fn(ctx)
			}
		case ev := <-c.events:
			c.handle(ev)
		case <-c.frame:
			c.frame = nil
			c.flush()
		}
	}
}

// Do runs fn on the loop and waits for it. fn is queued behind every
// earlier Post, Edit and Do.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context, ws *workspace.Workspace)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}

	done := make(chan struct{})
	c.Post(func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx, c.ws)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		// fn runs on the loop, so a taken command has finished by now.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Post queues fn for the loop without waiting. Commands run in the order
// they were queued, however long the loop is busy.
func (c *Controller) Post(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) takeQueued() []func(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.queue
	c.queue = nil
	return queued
}

// Edit queues a workspace change without waiting. Edits keep their order
// relative to other Post, Edit and Do calls made from the same goroutine.
func (c *Controller) Edit(fn func(ws *workspace.Workspace)) {
	c.Post(func(context.Context) { fn(c.ws) })
}

// Trigger starts a session, or cancels the active one.
func (c *Controller) Trigger(ctx context.Context) (Ticket, error) {
	var ticket Ticket
	err := c.Do(ctx, func(context.Context, *workspace.Workspace) {
		ticket = c.trigger()
	})
	return ticket, err
}

// Cancel stops the active session. It reports false when nothing was
// running.
func (c *Controller) Cancel(ctx context.Context) (bool, error) {
	var cancelled bool
	err := c.Do(ctx, func(context.Context, *workspace.Workspace) {
		if c.active != nil {
			c.cancelActive()
			cancelled = true
		}
	})
	return cancelled, err
}

// Normalize applies a paste or drop payload to the workspace.
func (c *Controller) Normalize(ctx context.Context, p normalize.Payload) (normalize.Result, error) {
	var res normalize.Result
	err := c.Do(ctx, func(loopCtx context.Context, ws *workspace.Workspace) {
		res = c.normalizer.Normalize(p)
		ws.Apply(loopCtx, res, c.attachOptions())
	})
	return res, err
}

// AddImages ingests images picked by the user.
func (c *Controller) AddImages(ctx context.Context, sources []attach.Source, label string) (attach.Result, error) {
	var res attach.Result
	err := c.Do(ctx, func(loopCtx context.Context, ws *workspace.Workspace) {
		res = ws.IngestImages(loopCtx, sources, label, c.attachOptions())
	})
	return res, err
}

func (c *Controller) attachOptions() attach.Options {
	a := c.cfg.Active()
	return attach.Options{Vision: a.Vision, Compress: a.ImageCompression, Quality: a.ImageQuality}
}

func (c *Controller) configChanged(a config.Active) {
	if !a.Vision {
		c.ws.VisionDisabled()
	}
}

func (c *Controller) trigger() Ticket {
	if s := c.active; s != nil {
		c.cancelActive()
		return Ticket{Result: TriggerCancelRequested, SessionID: s.ID, c: s.completion}
	}

	active := c.cfg.Active()
	s := newSession(strings.TrimSpace(c.ws.Input()), c.ws.Images(), active)
	c.mustMove(s, Preparing)

	if reason := c.prepare(s); reason != "" {
		c.mustMove(s, Rejected)
		c.ws.SetStatus(reason)
		c.logger.Info("request rejected", zap.String("session", s.ID), zap.String("reason", reason))
		s.completion.finish(Outcome{SessionID: s.ID, State: Rejected, Status: reason, Err: &ValidationError{Reason: reason}})
		return Ticket{Result: TriggerRejected, SessionID: s.ID, c: s.completion}
	}

	s.started = c.now()
	translator, err := c.backends.Resolve(active.Service)
	if err != nil {
		c.mustMove(s, FailedTerminal)
		c.ws.SetStatus(failureMessage(err))
		c.logger.Warn("backend unavailable", zap.String("session", s.ID), zap.String("service", active.Service.ID), zap.Error(err))
		s.completion.finish(Outcome{SessionID: s.ID, State: FailedTerminal, Status: failureMessage(err), Err: err})
		return Ticket{Result: TriggerStarted, SessionID: s.ID, c: s.completion}
	}

	s.translator = translator
	s.opts = backend.Options{
		TargetLanguage: active.TargetLanguage,
		Images:         s.images(),
		Prompt:         prompt.Render(active.PromptTemplate, prompt.Vars{Text: s.Input, TargetLanguage: active.TargetLanguage}),
	}

	c.active = s
	c.ws.ClearOutput()
	c.ws.SetBusy(true)
	c.logger.Info("request started",
		zap.String("session", s.ID),
		zap.String("service", active.Service.ID),
		zap.Bool("stream", active.Stream),
		zap.Int("images", len(s.Images)),
	)

	if active.Stream {
		c.mustMove(s, Streaming)
		c.ws.SetStatus("Streaming...")
		c.launchStream(s)
	} else {
		c.mustMove(s, SingleShot)
		c.ws.SetStatus("Requesting...")
		c.launchSingle(s)
	}
	return Ticket{Result: TriggerStarted, SessionID: s.ID, c: s.completion}
}

// prepare returns a rejection reason, or "" when the request may go out.
func (c *Controller) prepare(s *Session) string {
	if s.Input == "" && len(s.Images) == 0 {
		return "Enter some text or add an image"
	}
	if n := utf8.RuneCountInString(s.Input); n > MaxInputChars {
		return printer.Sprintf("Input too large (%d characters, limit %d), split or shorten it and try again", n, MaxInputChars)
	}
	if len(s.Images) > 0 && !s.active.Vision {
		return "Vision is not enabled for this service, images cannot be sent"
	}

	if budget := s.active.MaxTokens; budget > 0 {
		in, pr := c.countTokens(s)
		if total := in + pr + TokenOverhead; total > budget {
			return printer.Sprintf("Input + prompt estimated at %d tokens (in:%d, prompt:%d), over Max Tokens (%d), cancelled.",
				total, in, pr, budget)
		}
	}
	return ""
}

func (c *Controller) countTokens(s *Session) (int, int) {
	if !s.counted {
		rendered := prompt.Render(s.active.PromptTemplate, prompt.Vars{Text: s.Input, TargetLanguage: s.TargetLanguage})
		s.inTokens = c.tokens.Count(s.Input)
		s.promptTokens = c.tokens.Count(rendered)
		s.counted = true
	}
	return s.inTokens, s.promptTokens
}

// attemptContext cancels the previous attempt and derives the next one.
// The returned stop context ends only on cancellation, never on timeout.
func (c *Controller) attemptContext(s *Session) (call context.Context, stop context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx, cancel := context.WithCancel(c.runCtx)
	call = stopCtx
	if s.active.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		call, cancelTimeout = context.WithTimeout(stopCtx, s.active.Timeout)
		s.cancel = func() {
			cancelTimeout()
			cancel()
		}
	} else {
		s.cancel = cancel
	}
	return call, stopCtx
}

func (c *Controller) launchStream(s *Session) {
	s.seq++
	s.produced = false
	seq, id := s.seq, s.ID
	call, stop := c.attemptContext(s)
	translator, text, opts := s.translator, s.Input, s.opts

	go func() {
		for chunk, err := range translator.Stream(call, text, opts) {
			if err != nil {
				c.post(stop, event{session: id, seq: seq, kind: evStreamFailed, err: err})
				return
			}
			if chunk == "" {
				continue
			}
			if !c.post(stop, event{session: id, seq: seq, kind: evChunk, text: chunk}) {
				return
			}
		}
		c.post(stop, event{session: id, seq: seq, kind: evStreamDone})
	}()
}

func (c *Controller) launchSingle(s *Session) {
	s.seq++
	seq, id := s.seq, s.ID
	call, stop := c.attemptContext(s)
	translator, text, opts := s.translator, s.Input, s.opts

	go func() {
		out, err := translator.SingleShot(call, text, opts)
		if err != nil {
			c.post(stop, event{session: id, seq: seq, kind: evShotFailed, err: err})
			return
		}
		c.post(stop, event{session: id, seq: seq, kind: evShotDone, text: out})
	}()
}

func (c *Controller) post(stop context.Context, ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-stop.Done():
		return false
	case <-c.stopped:
		return false
	}
}

func (c *Controller) handle(ev event) {
	s := c.active
	if s == nil || ev.session != s.ID || ev.seq != s.seq {
		c.logger.Debug("stale event dropped", zap.String("session", ev.session), zap.Int("seq", ev.seq))
		return
	}

	switch ev.kind {
	case evChunk:
		s.produced = true
		s.pending.WriteString(ev.text)
		if c.frame == nil {
			c.frame = c.frames.Frame()
		}
	case evStreamDone:
		c.flush()
		c.succeed(s)
	case evStreamFailed:
		c.streamFailed(s, ev.err)
	case evShotDone:
		c.ws.SetOutput(ev.text)
		c.succeed(s)
	case evShotFailed:
		c.shotFailed(s, ev.err)
	}
}

func (c *Controller) flush() {
	s := c.active
	if s == nil || s.pending.Len() == 0 {
		return
	}
	c.ws.AppendOutput(s.pending.String())
	s.pending.Reset()
}

func (c *Controller) streamFailed(s *Session, err error) {
	class := backend.Classify(err)
	c.logger.Warn("stream attempt failed",
		zap.String("session", s.ID),
		zap.Stringer("class", class),
		zap.Bool("produced", s.produced),
		zap.Int("attempt", s.attempt),
		zap.Error(err),
	)

	switch {
	case class == backend.Cancelled:
		c.flush()
		c.finish(s, Cancelled, "Cancelled", err)
	case class == backend.Credential:
		c.flush()
		c.finish(s, FailedTerminal, failureMessage(err), err)
	case !s.produced && class == backend.Transient && s.attempt < s.active.Retries:
		s.attempt++
		c.ws.SetStatus(retryStatus(err, s.attempt, s.active.Retries))
		c.mustMove(s, Streaming)
		c.launchStream(s)
	case !s.produced:
		c.mustMove(s, FallbackSingleShot)
		c.ws.SetStatus("Streaming failed, falling back to a single request...")
		c.launchSingle(s)
	default:
		c.flush()
		c.finish(s, FailedTerminal, failureMessage(err), err)
	}
}

func (c *Controller) shotFailed(s *Session, err error) {
	class := backend.Classify(err)
	c.logger.Warn("request attempt failed",
		zap.String("session", s.ID),
		zap.Stringer("class", class),
		zap.Stringer("state", s.state),
		zap.Int("attempt", s.attempt),
		zap.Error(err),
	)

	switch {
	case class == backend.Cancelled:
		c.finish(s, Cancelled, "Cancelled", err)
	case s.state == FallbackSingleShot:
		// Reports the fallback's own error, not the stream error that led
		// to the fallback.
		c.finish(s, FailedTerminal, failureMessage(err), err)
	case class == backend.Credential, class == backend.Auth:
		c.finish(s, FailedTerminal, failureMessage(err), err)
	case class == backend.Transient && s.attempt < s.active.Retries:
		s.attempt++
		c.ws.SetStatus(retryStatus(err, s.attempt, s.active.Retries))
		c.mustMove(s, SingleShot)
		c.launchSingle(s)
	default:
		c.finish(s, FailedTerminal, failureMessage(err), err)
	}
}

func (c *Controller) succeed(s *Session) {
	elapsed := c.now().Sub(s.started)
	in, pr := c.countTokens(s)
	c.finish(s, Succeeded, doneStatus(s.state == FallbackSingleShot, elapsed, in, pr, s.attempt), nil)
}

func (c *Controller) cancelActive() {
	s := c.active
	c.flush()
	c.finish(s, Cancelled, "Cancelled", context.Canceled)
}

func (c *Controller) finish(s *Session, state State, status string, err error) {
	fallback := s.state == FallbackSingleShot
	if s.cancel != nil {
		s.cancel()
	}
	c.mustMove(s, state)
	c.active = nil
	c.frame = nil

	c.ws.SetBusy(false)
	c.ws.SetStatus(status)

	out := Outcome{
		SessionID: s.ID,
		State:     state,
		Output:    c.ws.Output(),
		Status:    status,
		Err:       err,
		Retries:   s.attempt,
		Fallback:  fallback,
	}
	if !s.started.IsZero() {
		out.Elapsed = c.now().Sub(s.started)
	}

	c.logger.Info("request finished",
		zap.String("session", s.ID),
		zap.Stringer("state", state),
		zap.Int("retries", s.attempt),
		zap.Bool("fallback", fallback),
		zap.Duration("elapsed", out.Elapsed),
		zap.Error(err),
	)
	s.completion.finish(out)
}

func (c *Controller) mustMove(s *Session, next State) {
	if err := s.moveTo(next); err != nil {
		c.logger.DPanic("state machine violation", zap.Error(err))
		s.state = next
	}
}
