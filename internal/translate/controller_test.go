package translate

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transpad/internal/attach"
	"transpad/internal/backend"
	"transpad/internal/config"
	"transpad/internal/tokens"
	"transpad/internal/workspace"
)

type fakeTranslator struct {
	shot   func(ctx context.Context, call int) (string, error)
	stream func(ctx context.Context, call int) iter.Seq2[string, error]

	shots   atomic.Int32
	streams atomic.Int32
}

func (f *fakeTranslator) SingleShot(ctx context.Context, _ string, _ backend.Options) (string, error) {
	n := int(f.shots.Add(1))
	if f.shot == nil {
		return "", errors.New("single shot not expected")
	}
	return f.shot(ctx, n)
}

func (f *fakeTranslator) Stream(ctx context.Context, _ string, _ backend.Options) iter.Seq2[string, error] {
	n := int(f.streams.Add(1))
	if f.stream == nil {
		return func(yield func(string, error) bool) {
			yield("", errors.New("stream not expected"))
		}
	}
	return f.stream(ctx, n)
}

type fakeBackends struct {
	translator backend.Translator
	err        error
	calls      atomic.Int32
}

func (f *fakeBackends) Resolve(config.Service) (backend.Translator, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.translator, nil
}

type fakeConfig struct {
	mu     sync.Mutex
	active config.Active
	subs   []func(config.Active)
}

func (f *fakeConfig) Active() config.Active {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeConfig) Subscribe(fn func(config.Active)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeConfig) set(a config.Active) {
	f.mu.Lock()
	f.active = a
	subs := append([]func(config.Active){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(a)
	}
}

type recordView struct {
	mu       sync.Mutex
	statuses []string
	outputs  []string
}

func (v *recordView) Status(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, text)
}

func (v *recordView) Output(markdown string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outputs = append(v.outputs, markdown)
}

func (v *recordView) Input(string) {}
func (v *recordView) Attachments([]attach.Attachment) {}
func (v *recordView) Busy(bool) {}

func (v *recordView) Statuses() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.statuses...)
}

func (v *recordView) Outputs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.outputs...)
}

type manualFrames struct {
	ch       chan time.Time
	requests atomic.Int32
}

func newManualFrames() *manualFrames {
	return &manualFrames{ch: make(chan time.Time)}
}

func (m *manualFrames) Frame() <-chan time.Time {
	m.requests.Add(1)
	return m.ch
}

type harness struct {
	c        *Controller
	view     *recordView
	cfg      *fakeConfig
	backends *fakeBackends
}

// runeTokens counts one token per rune.
type runeTokens struct{}

func (runeTokens) Name() string { return "runes" }

func (runeTokens) Count(text string) int { return utf8.RuneCountInString(text) }

func runeCounter() tokens.Counter { return runeTokens{} }

func baseActive() config.Active {
	return config.Active{
		TargetLanguage: "en",
		Service:        config.Service{ID: "fake", Provider: config.ProviderChat, Model: "m"},
		PromptTemplate: "{{text}}",
		Retries:        0,
	}
}

func newHarness(t *testing.T, active config.Active, tr backend.Translator, frames FrameScheduler) *harness {
	t.Helper()

	if frames == nil {
		frames = TimerFrames{Interval: time.Millisecond}
	}
	h := &harness{
		view:     &recordView{},
		cfg:      &fakeConfig{active: active},
		backends: &fakeBackends{translator: tr},
	}
	h.c = New(workspace.New(h.view), Options{
		Config:   h.cfg,
		Backends: h.backends,
		Tokens:   runeCounter(),
		Frames:   frames,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) setInput(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.c.Do(context.Background(), func(_ context.Context, ws *workspace.Workspace) {
		ws.SetInput(text)
	}))
}

func (h *harness) run(t *testing.T, input string) (Ticket, Outcome) {
	t.Helper()
	h.setInput(t, input)

	ticket, err := h.c.Trigger(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := ticket.Wait(ctx)
	require.NoError(t, err)
	return ticket, out
}

func (h *harness) snapshot(t *testing.T) (input, output, status string, busy bool) {
	t.Helper()
	require.NoError(t, h.c.Do(context.Background(), func(_ context.Context, ws *workspace.Workspace) {
		input, output, status, busy = ws.Input(), ws.Output(), ws.StatusText(), ws.IsBusy()
	}))
	return
}

func succeedWith(text string) func(context.Context, int) (string, error) {
	return func(context.Context, int) (string, error) { return text, nil }
}

func chunks(parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func failingStream(err error, parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
		yield("", err)
	}
}

func TestTriggerRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("x")}
	h := newHarness(t, baseActive(), tr, nil)

	ticket, out := h.run(t, "   \n\t ")
	assert.Equal(t, TriggerRejected, ticket.Result)
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, "Enter some text or add an image", out.Status)

	var verr *ValidationError
	assert.ErrorAs(t, out.Err, &verr)
	assert.Zero(t, h.backends.calls.Load())
	assert.Zero(t, tr.shots.Load())
}

func TestInputLengthLimitIsInclusive(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("ok")}
	h := newHarness(t, baseActive(), tr, nil)

	_, out := h.run(t, strings.Repeat("a", MaxInputChars))
	assert.Equal(t, Succeeded, out.State)
	assert.EqualValues(t, 1, tr.shots.Load())

	_, out = h.run(t, strings.Repeat("a", MaxInputChars+1))
	assert.Equal(t, Rejected, out.State)
	assert.Contains(t, out.Status, "Input too large (200,001 characters, limit 200,000)")
	assert.EqualValues(t, 1, tr.shots.Load(), "rejected input must not reach the backend")
}

func TestInputLengthCountsRunes(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("ok")}
	h := newHarness(t, baseActive(), tr, nil)

	_, out := h.run(t, strings.Repeat("字", MaxInputChars))
	assert.Equal(t, Succeeded, out.State)
}

func TestTokenBudgetRejectsOversizedRequest(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("ok")}
	active := baseActive()
	active.MaxTokens = 73
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, "Input + prompt estimated at 74 tokens (in:5, prompt:5), over Max Tokens (73), cancelled.", out.Status)
	assert.Zero(t, tr.shots.Load())
}

func TestTokenBudgetAllowsExactFit(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("ok")}
	active := baseActive()
	active.MaxTokens = 74
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, Succeeded, out.State)
	assert.Contains(t, out.Status, "| in:5 / prompt:5 tokens")
}

func addImage(t *testing.T, h *harness) {
	t.Helper()
	var res attach.Result
	require.NoError(t, h.c.Do(context.Background(), func(ctx context.Context, ws *workspace.Workspace) {
		res = ws.IngestImages(ctx, []attach.Source{{DataURL: "data:image/png;base64,iVBORw0KGgo="}}, "Added", attach.Options{Vision: true})
	}))
	require.Equal(t, 1, res.Added)
}

func TestVisionGateRejectsImages(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("ok")}
	h := newHarness(t, baseActive(), tr, nil)
	addImage(t, h)

	_, out := h.run(t, "describe this")
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, "Vision is not enabled for this service, images cannot be sent", out.Status)
	assert.Zero(t, tr.shots.Load())
}

func TestImagesAloneAreEnoughWithVision(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("caption")}
	active := baseActive()
	active.Vision = true
	h := newHarness(t, active, tr, nil)
	addImage(t, h)

	_, out := h.run(t, "")
	assert.Equal(t, Succeeded, out.State)
	assert.Equal(t, "caption", out.Output)
}

func TestSingleShotRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(_ context.Context, call int) (string, error) {
		if call < 3 {
			return "", errors.New("upstream hiccup")
		}
		return "translated", nil
	}}
	active := baseActive()
	active.Retries = 2
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, Succeeded, out.State)
	assert.Equal(t, "translated", out.Output)
	assert.Equal(t, 2, out.Retries)
	assert.True(t, strings.HasPrefix(out.Status, "Done "), out.Status)
	assert.True(t, strings.HasSuffix(out.Status, " | retry 2"), out.Status)
	assert.Contains(t, h.view.Statuses(), "Failed (Error) retry 1/2")
	assert.Contains(t, h.view.Statuses(), "Failed (Error) retry 2/2")
	assert.EqualValues(t, 3, tr.shots.Load())
}

func TestSingleShotSuccessOmitsRetrySuffix(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("fine")}
	h := newHarness(t, baseActive(), tr, nil)

	_, out := h.run(t, "source")
	assert.Regexp(t, `^Done \d+ms \| in:6 / prompt:6 tokens$`, out.Status)
	assert.Contains(t, h.view.Statuses(), "Requesting...")

	_, _, _, busy := h.snapshot(t)
	assert.False(t, busy)
}

func TestSingleShotStopsOnAuthError(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		return "", backend.AuthError("API key rejected")
	}}
	active := baseActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "API key rejected", out.Status)
	assert.EqualValues(t, 1, tr.shots.Load())
}

func TestSingleShotStopsOnConfigError(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		return "", backend.StatusError(404, "model not found")
	}}
	active := baseActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "model not found", out.Status)
	assert.EqualValues(t, 1, tr.shots.Load())
}

func TestCredentialMessageIsNeverRetried(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		return "", errors.New("Master password incorrect")
	}}
	active := baseActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "Master password incorrect", out.Status)
	assert.EqualValues(t, 1, tr.shots.Load())
}

func TestSingleShotGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		return "", errors.New("boom")
	}}
	active := baseActive()
	active.Retries = 1
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "boom", out.Status)
	assert.Equal(t, 1, out.Retries)
	assert.EqualValues(t, 2, tr.shots.Load())
}

func TestEmptyErrorMessageFallsBackToGenericStatus(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		return "", errors.New("")
	}}
	h := newHarness(t, baseActive(), tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, "Translation failed", out.Status)
}

func TestTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: func(ctx context.Context, call int) (string, error) {
		if call == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "late but fine", nil
	}}
	active := baseActive()
	active.Retries = 1
	active.Timeout = 20 * time.Millisecond
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "source")
	assert.Equal(t, Succeeded, out.State)
	assert.Contains(t, h.view.Statuses(), "Failed (TimeoutError) retry 1/1")
}

func TestResolveFailureIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, baseActive(), nil, nil)
	h.backends.err = backend.ConfigError("service %q has no model", "fake")

	ticket, out := h.run(t, "source")
	assert.Equal(t, TriggerStarted, ticket.Result)
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, `service "fake" has no model`, out.Status)
}

func streamActive() config.Active {
	a := baseActive()
	a.Stream = true
	return a
}

func TestStreamSuccess(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{stream: func(context.Context, int) iter.Seq2[string, error] {
		return chunks("Bon", "", "jour")
	}}
	h := newHarness(t, streamActive(), tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, Succeeded, out.State)
	assert.Equal(t, "Bonjour", out.Output)
	assert.Regexp(t, `^Done \d+ms \| in:5 / prompt:5 tokens$`, out.Status)
	assert.Contains(t, h.view.Statuses(), "Streaming...")
	assert.Zero(t, tr.shots.Load())
}

func TestStreamWithNoChunksRetriesThenFallsBackOnce(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{
		stream: func(context.Context, int) iter.Seq2[string, error] {
			return failingStream(errors.New("stream broke"))
		},
		shot: succeedWith("whole answer"),
	}
	active := streamActive()
	active.Retries = 1
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, Succeeded, out.State)
	assert.True(t, out.Fallback)
	assert.Equal(t, "whole answer", out.Output)
	assert.Regexp(t, `^Fallback done \d+ms \| in:5 / prompt:5 tokens$`, out.Status)
	assert.EqualValues(t, 2, tr.streams.Load())
	assert.EqualValues(t, 1, tr.shots.Load())
	assert.Contains(t, h.view.Statuses(), "Failed (Error) retry 1/1")
	assert.Contains(t, h.view.Statuses(), "Streaming failed, falling back to a single request...")
}

func TestFallbackFailureSurfacesFallbackError(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{
		stream: func(context.Context, int) iter.Seq2[string, error] {
			return failingStream(errors.New("stream broke"))
		},
		shot: func(context.Context, int) (string, error) {
			return "", errors.New("fallback boom")
		},
	}
	active := streamActive()
	active.Retries = 2
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "fallback boom", out.Status)
	assert.EqualValues(t, 1, tr.shots.Load(), "the fallback runs exactly once")
}

func TestStreamAuthErrorWithNothingProducedFallsBack(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{
		stream: func(context.Context, int) iter.Seq2[string, error] {
			return failingStream(backend.StatusError(403, "streaming not allowed"))
		},
		shot: succeedWith("ok"),
	}
	active := streamActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, Succeeded, out.State)
	assert.EqualValues(t, 1, tr.streams.Load())
	assert.EqualValues(t, 1, tr.shots.Load())
}

func TestStreamCredentialErrorStops(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{
		stream: func(context.Context, int) iter.Seq2[string, error] {
			return failingStream(backend.CredentialError("unsupported ciphertext format"))
		},
		shot: succeedWith("never"),
	}
	active := streamActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "unsupported ciphertext format", out.Status)
	assert.Zero(t, tr.shots.Load())
}

func TestStreamFailureAfterOutputKeepsPartialText(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{
		stream: func(context.Context, int) iter.Seq2[string, error] {
			return failingStream(errors.New("connection reset"), "Hel", "lo")
		},
		shot: succeedWith("never"),
	}
	active := streamActive()
	active.Retries = 3
	h := newHarness(t, active, tr, nil)

	_, out := h.run(t, "hello")
	assert.Equal(t, FailedTerminal, out.State)
	assert.Equal(t, "Hello", out.Output)
	assert.Equal(t, "connection reset", out.Status)
	assert.EqualValues(t, 1, tr.streams.Load())
	assert.Zero(t, tr.shots.Load())
}

func TestOutputIsClearedWhenRequestStarts(t *testing.T) {
	t.Parallel()

	tr := &fakeTranslator{shot: succeedWith("second")}
	h := newHarness(t, baseActive(), tr, nil)
	h.setInput(t, "source")
	require.NoError(t, h.c.Do(context.Background(), func(_ context.Context, ws *workspace.Workspace) {
		ws.SetOutput("stale")
	}))

	ticket, err := h.c.Trigger(context.Background())
	require.NoError(t, err)
	out, err := ticket.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "second", out.Output)
	outputs := h.view.Outputs()
	require.GreaterOrEqual(t, len(outputs), 2)
	assert.Equal(t, "", outputs[len(outputs)-2])
}

func blockingStream(started chan<- struct{}) func(context.Context, int) iter.Seq2[string, error] {
	return func(ctx context.Context, _ int) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("partial ", nil) {
				return
			}
			close(started)
			<-ctx.Done()
			if !yield("late", nil) {
				return
			}
			yield("", ctx.Err())
		}
	}
}

func waitProduced(t *testing.T, h *harness) {
	t.Helper()
	require.Eventually(t, func() bool {
		var produced bool
		_ = h.c.Do(context.Background(), func(context.Context, *workspace.Workspace) {
			produced = h.c.active != nil && h.c.active.produced
		})
		return produced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetriggerCancelsActiveSession(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	tr := &fakeTranslator{stream: blockingStream(started)}
	h := newHarness(t, streamActive(), tr, nil)
	h.setInput(t, "hello")

	first, err := h.c.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, TriggerStarted, first.Result)
	<-started
	waitProduced(t, h)

	second, err := h.c.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerCancelRequested, second.Result)
	assert.Equal(t, first.SessionID, second.SessionID)

	out, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out.State)
	assert.Equal(t, "Cancelled", out.Status)
	assert.Equal(t, "partial ", out.Output, "pending text is flushed on cancel")
	assert.EqualValues(t, 1, h.backends.calls.Load(), "re-trigger must not start a new session")

	// A chunk arriving after the session ended is dropped.
	h.c.Post(func(context.Context) {
		h.c.handle(event{session: first.SessionID, seq: 1, kind: evChunk, text: "late"})
	})
	_, output, status, busy := h.snapshot(t)
	assert.Equal(t, "partial ", output)
	assert.Equal(t, "Cancelled", status)
	assert.False(t, busy)
}

func TestCancelStopsActiveSession(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	tr := &fakeTranslator{stream: blockingStream(started)}
	h := newHarness(t, streamActive(), tr, nil)
	h.setInput(t, "hello")

	ticket, err := h.c.Trigger(context.Background())
	require.NoError(t, err)
	<-started

	cancelled, err := h.c.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)

	out, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out.State)

	cancelled, err = h.c.Cancel(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestStaleAttemptEventsAreIgnored(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	tr := &fakeTranslator{shot: func(context.Context, int) (string, error) {
		<-release
		return "real", nil
	}}
	h := newHarness(t, baseActive(), tr, nil)
	h.setInput(t, "hello")

	ticket, err := h.c.Trigger(context.Background())
	require.NoError(t, err)

	h.c.Post(func(context.Context) {
		h.c.handle(event{session: ticket.SessionID, seq: 0, kind: evShotDone, text: "stale"})
		h.c.handle(event{session: "someone-else", seq: 1, kind: evShotDone, text: "foreign"})
	})
	_, output, _, busy := h.snapshot(t)
	assert.Empty(t, output)
	assert.True(t, busy)

	close(release)
	out, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "real", out.Output)
}

func TestStreamChunksAreFlushedOncePerFrame(t *testing.T) {
	t.Parallel()

	frames := newManualFrames()
	release := make(chan struct{})
	tr := &fakeTranslator{stream: func(context.Context, int) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, p := range []string{"a", "b", "c"} {
				if !yield(p, nil) {
					return
				}
			}
			<-release
		}
	}}
	h := newHarness(t, streamActive(), tr, frames)
	h.setInput(t, "hello")

	ticket, err := h.c.Trigger(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var n int
		_ = h.c.Do(context.Background(), func(context.Context, *workspace.Workspace) {
			if c := h.c; c.active != nil {
				n = c.active.pending.Len()
			}
		})
		return n == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, frames.requests.Load(), "one frame per batch")
	before := len(h.view.Outputs())

	frames.ch <- time.Now()
	_, output, _, _ := h.snapshot(t)
	assert.Equal(t, "abc", output)
	assert.Len(t, h.view.Outputs(), before+1, "the whole batch lands in a single update")

	close(release)
	out, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", out.Output)
}

func TestVisionLossRemovesAttachedImages(t *testing.T) {
	t.Parallel()

	active := baseActive()
	active.Vision = true
	h := newHarness(t, active, &fakeTranslator{}, nil)
	addImage(t, h)

	require.Eventually(t, func() bool {
		h.cfg.mu.Lock()
		defer h.cfg.mu.Unlock()
		return len(h.cfg.subs) == 1
	}, time.Second, 5*time.Millisecond)

	active.Vision = false
	h.cfg.set(active)

	require.Eventually(t, func() bool {
		var n int
		_ = h.c.Do(context.Background(), func(_ context.Context, ws *workspace.Workspace) {
			n = len(ws.Images())
		})
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.view.Statuses(), "Vision is off for this service, removed 1 attached image(s)")
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{Idle, Preparing},
		{Preparing, Rejected},
		{Preparing, Streaming},
		{Preparing, SingleShot},
		{Preparing, FailedTerminal},
		{Streaming, Streaming},
		{Streaming, FallbackSingleShot},
		{Streaming, Succeeded},
		{SingleShot, SingleShot},
		{FallbackSingleShot, FailedTerminal},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{Idle, Streaming},
		{SingleShot, FallbackSingleShot},
		{FallbackSingleShot, FallbackSingleShot},
		{FallbackSingleShot, SingleShot},
		{Succeeded, Preparing},
		{Rejected, Streaming},
		{Cancelled, Succeeded},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	for _, s := range []State{Rejected, Succeeded, Cancelled, FailedTerminal} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestDoAfterStopReturnsErrStopped(t *testing.T) {
	t.Parallel()

	c := New(workspace.New(nil), Options{Config: &fakeConfig{}, Backends: &fakeBackends{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	err := c.Do(context.Background(), func(context.Context, *workspace.Workspace) {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEditsKeepOrderWhileLoopIsBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, baseActive(), &fakeTranslator{}, nil)

	release := make(chan struct{})
	blocked := make(chan struct{})
	h.c.Post(func(context.Context) {
		close(blocked)
		<-release
	})
	<-blocked

	for i := 1; i <= 200; i++ {
		text := strconv.Itoa(i)
		h.c.Edit(func(ws *workspace.Workspace) { ws.SetInput(text) })
	}
	close(release)

	input, _, _, _ := h.snapshot(t)
	assert.Equal(t, "200", input)
}

func TestDoRunsAfterQueuedEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, baseActive(), &fakeTranslator{}, nil)

	release := make(chan struct{})
	h.c.Post(func(context.Context) { <-release })

	var seen []string
	for i := range 100 {
		text := strconv.Itoa(i)
		h.c.Edit(func(ws *workspace.Workspace) {
			ws.SetInput(text)
			seen = append(seen, ws.Input())
		})
	}
	close(release)

	var got string
	require.NoError(t, h.c.Do(context.Background(), func(_ context.Context, ws *workspace.Workspace) {
		got = ws.Input()
	}))
	assert.Equal(t, "99", got)
	require.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, strconv.Itoa(i), v)
	}
}
