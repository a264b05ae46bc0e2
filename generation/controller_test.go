package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"imageflow/comfy"
	"imageflow/core"
	"imageflow/logging"
	"imageflow/pipeline"
)

// fakeTransport is a scriptable server stand-in: readiness and submission
// outcomes are set up front, and tests push events through emit the way
// the read pump would.
type fakeTransport struct {
	mu           sync.Mutex
	readyErr     error
	submitErr    error
	promptID     string
	artifacts    []comfy.Artifact
	artifactsErr error

	submissions int
	interrupts  int
	handlers    map[comfy.EventKind][]comfy.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		promptID:  "p-1",
		artifacts: []comfy.Artifact{{Filename: "imageflow_00001.png", Data: []byte{0x89}}},
		handlers:  make(map[comfy.EventKind][]comfy.Handler),
	}
}

func (f *fakeTransport) EnsureReady(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeTransport) Submit(ctx context.Context, pl *pipeline.Pipeline) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions++
	return fmt.Sprintf("%s-%d", f.promptID, f.submissions), nil
}

func (f *fakeTransport) Interrupt(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeTransport) FetchArtifacts(ctx context.Context, promptID string) ([]comfy.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifactsErr != nil {
		return nil, f.artifactsErr
	}
	return f.artifacts, nil
}

func (f *fakeTransport) On(kind comfy.EventKind, handler comfy.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], handler)
}

func (f *fakeTransport) emit(evt comfy.Event) {
	f.mu.Lock()
	handlers := append([]comfy.Handler(nil), f.handlers[evt.Kind]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeTransport) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	pl, err := pipeline.Build(pipeline.Parameters{
		ModelID:         "sd15.safetensors",
		Prompt:          "a cat",
		Width:           512,
		Height:          512,
		Steps:           20,
		GuidanceScale:   7.5,
		Sampler:         pipeline.SamplerEuler,
		Scheduler:       pipeline.SchedulerNormal,
		DenoiseStrength: 1.0,
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return pl
}

func newTestController(t *testing.T, transport Transport, timeout time.Duration) *Controller {
	t.Helper()
	return NewControllerWithTransport(transport, timeout, logging.NewNop())
}

// TestSubmitSucceeds walks the happy path: submit, progress updates, a
// success event, artifact retrieval.
func TestSubmitSucceeds(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	var progressSeen []Progress
	ctrl.OnProgress(func(snap Snapshot) {
		progressSeen = append(progressSeen, snap.Progress)
	})

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap, ok := ctrl.Snapshot()
	if !ok || snap.Status != StatusSubmitted {
		t.Fatalf("status after submit = %v, want %v", snap.Status, StatusSubmitted)
	}

	transport.emit(comfy.Event{Kind: comfy.EventProgress, PromptID: snap.PromptID, Value: 5, Max: 20})
	transport.emit(comfy.Event{Kind: comfy.EventProgress, PromptID: snap.PromptID, Value: 20, Max: 20})
	transport.emit(comfy.Event{Kind: comfy.EventExecutionSuccess, PromptID: snap.PromptID})

	final, err := ctrl.AwaitCompletion(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitCompletion() error = %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Errorf("final status = %v, want %v", final.Status, StatusSucceeded)
	}
	if len(final.Artifacts) != 1 {
		t.Errorf("artifacts = %d, want 1", len(final.Artifacts))
	}
	if len(progressSeen) != 2 || progressSeen[1].Completed != 20 {
		t.Errorf("progress observations = %v, want two ending at 20/20", progressSeen)
	}

	if err := ctrl.Acknowledge(id); err != nil {
		t.Errorf("Acknowledge() error = %v", err)
	}
	if _, ok := ctrl.Snapshot(); ok {
		t.Error("session still held after Acknowledge()")
	}
}

// TestSubmitConnectionNeverReady verifies a dead server fails Submit with
// the readiness error and never claims the session slot.
func TestSubmitConnectionNeverReady(t *testing.T) {
	transport := newFakeTransport()
	transport.readyErr = core.ErrConnectionTimeout("no open event within 15s")
	ctrl := newTestController(t, transport, time.Minute)

	_, err := ctrl.Submit(context.Background(), testPipeline(t))
	if !core.IsCode(err, core.CodeConnectionTimeout) {
		t.Fatalf("Submit() error = %v, want CONNECTION_TIMEOUT", err)
	}
	if _, ok := ctrl.Snapshot(); ok {
		t.Error("failed submission left a session behind")
	}

	// The slot is free: a later submit on a recovered server works.
	transport.mu.Lock()
	transport.readyErr = nil
	transport.mu.Unlock()
	if _, err := ctrl.Submit(context.Background(), testPipeline(t)); err != nil {
		t.Errorf("Submit() after recovery error = %v", err)
	}
}

// TestSubmitWhileActive verifies the single-session rule.
func TestSubmitWhileActive(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	if _, err := ctrl.Submit(context.Background(), testPipeline(t)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, err := ctrl.Submit(context.Background(), testPipeline(t))
	if !core.IsCode(err, core.CodeAlreadyRunning) {
		t.Fatalf("second Submit() error = %v, want ALREADY_RUNNING", err)
	}
}

// TestCancelBeforeEvents verifies cancellation settles the session
// immediately and records an interrupt, without waiting on the server.
func TestCancelBeforeEvents(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	snap, err := ctrl.AwaitCompletion(context.Background(), id)
	if !core.IsCode(err, core.CodeCancelled) {
		t.Fatalf("AwaitCompletion() error = %v, want CANCELLED", err)
	}
	if snap.Status != StatusCancelled {
		t.Errorf("status = %v, want %v", snap.Status, StatusCancelled)
	}
	if transport.interruptCount() != 1 {
		t.Errorf("interrupts = %d, want 1", transport.interruptCount())
	}
}

// TestLateSuccessAfterCancel verifies a success event arriving after
// cancellation is dropped: the session stays cancelled, no artifacts.
func TestLateSuccessAfterCancel(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	if _, err := ctrl.Submit(context.Background(), testPipeline(t)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap, _ := ctrl.Snapshot()

	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	transport.emit(comfy.Event{Kind: comfy.EventExecutionSuccess, PromptID: snap.PromptID})

	// Give a stray artifact fetch time to land before asserting.
	time.Sleep(50 * time.Millisecond)

	final, ok := ctrl.Snapshot()
	if !ok {
		t.Fatal("session gone before acknowledgement")
	}
	if final.Status != StatusCancelled {
		t.Errorf("status = %v, want %v", final.Status, StatusCancelled)
	}
	if len(final.Artifacts) != 0 {
		t.Errorf("artifacts = %d, want none on a cancelled session", len(final.Artifacts))
	}
}

// TestExecutionErrorFailsSession verifies server-reported failures settle
// the session with the server's message.
func TestExecutionErrorFailsSession(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap, _ := ctrl.Snapshot()
	transport.emit(comfy.Event{Kind: comfy.EventExecutionError, PromptID: snap.PromptID, Message: "model not found"})

	final, err := ctrl.AwaitCompletion(context.Background(), id)
	if !core.IsCode(err, core.CodeExecutionError) {
		t.Fatalf("AwaitCompletion() error = %v, want EXECUTION_ERROR", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %v, want %v", final.Status, StatusFailed)
	}
	var genErr *core.GenError
	if errors.As(err, &genErr) && genErr.Message == "" {
		t.Error("server message not carried on the failure")
	}
}

// TestArtifactsLost verifies a success whose outputs cannot be retrieved
// settles as failed with the loss flagged.
func TestArtifactsLost(t *testing.T) {
	transport := newFakeTransport()
	transport.artifactsErr = errors.New("history purged")
	ctrl := newTestController(t, transport, time.Minute)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap, _ := ctrl.Snapshot()
	transport.emit(comfy.Event{Kind: comfy.EventExecutionSuccess, PromptID: snap.PromptID})

	final, err := ctrl.AwaitCompletion(context.Background(), id)
	if !core.IsCode(err, core.CodeExecutionError) {
		t.Fatalf("AwaitCompletion() error = %v, want EXECUTION_ERROR", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %v, want %v", final.Status, StatusFailed)
	}
	var genErr *core.GenError
	if !errors.As(err, &genErr) || !genErr.ArtifactsLost {
		t.Error("artifacts-lost flag not set")
	}
}

// TestGenerationDeadline verifies a silent server trips the deadline,
// marks the session timed out and fires an interrupt.
func TestGenerationDeadline(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, 50*time.Millisecond)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	start := time.Now()
	final, err := ctrl.AwaitCompletion(context.Background(), id)
	if !core.IsCode(err, core.CodeGenerationTimeout) {
		t.Fatalf("AwaitCompletion() error = %v, want GENERATION_TIMEOUT", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("AwaitCompletion() took %v, want prompt timeout", elapsed)
	}
	if final.Status != StatusTimedOut {
		t.Errorf("status = %v, want %v", final.Status, StatusTimedOut)
	}
	if transport.interruptCount() != 1 {
		t.Errorf("interrupts = %d, want 1", transport.interruptCount())
	}
}

// TestRetryAfterFailure verifies a failed session can be retried with the
// retained pipeline, yielding a fresh session and a second submission.
func TestRetryAfterFailure(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	first, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap, _ := ctrl.Snapshot()
	transport.emit(comfy.Event{Kind: comfy.EventExecutionError, PromptID: snap.PromptID, Message: "out of memory"})
	if _, err := ctrl.AwaitCompletion(context.Background(), first); err == nil {
		t.Fatal("AwaitCompletion() = nil error, want failure")
	}

	second, err := ctrl.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if second == first {
		t.Error("Retry() reused the previous session id")
	}

	retried, ok := ctrl.Snapshot()
	if !ok || retried.Status != StatusSubmitted {
		t.Errorf("retried status = %v, want %v", retried.Status, StatusSubmitted)
	}
	if retried.PromptID == snap.PromptID {
		t.Error("retry reused the previous prompt id")
	}
}

// TestRetryRequiresTerminalFailure verifies retry is rejected mid-flight
// and after success.
func TestRetryRequiresTerminalFailure(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := ctrl.Retry(context.Background()); !core.IsCode(err, core.CodeAlreadyRunning) {
		t.Errorf("Retry() mid-flight error = %v, want ALREADY_RUNNING", err)
	}

	snap, _ := ctrl.Snapshot()
	transport.emit(comfy.Event{Kind: comfy.EventExecutionSuccess, PromptID: snap.PromptID})
	if _, err := ctrl.AwaitCompletion(context.Background(), id); err != nil {
		t.Fatalf("AwaitCompletion() error = %v", err)
	}
	if _, err := ctrl.Retry(context.Background()); err == nil {
		t.Error("Retry() after success = nil error, want rejection")
	}
}

// TestConnectionLossMidGeneration verifies a dropped connection settles
// the active session as failed.
func TestConnectionLossMidGeneration(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	id, err := ctrl.Submit(context.Background(), testPipeline(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	transport.emit(comfy.Event{Kind: comfy.EventConnectionError, Message: "unexpected EOF"})

	final, err := ctrl.AwaitCompletion(context.Background(), id)
	if !core.IsCode(err, core.CodeConnectionError) {
		t.Fatalf("AwaitCompletion() error = %v, want CONNECTION_ERROR", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %v, want %v", final.Status, StatusFailed)
	}
}

// TestEventsForOtherPromptsDropped verifies stray events for unknown
// prompt ids never touch the active session.
func TestEventsForOtherPromptsDropped(t *testing.T) {
	transport := newFakeTransport()
	ctrl := newTestController(t, transport, time.Minute)

	if _, err := ctrl.Submit(context.Background(), testPipeline(t)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	transport.emit(comfy.Event{Kind: comfy.EventExecutionError, PromptID: "someone-else", Message: "boom"})
	transport.emit(comfy.Event{Kind: comfy.EventProgress, PromptID: "someone-else", Value: 9, Max: 10})

	snap, ok := ctrl.Snapshot()
	if !ok {
		t.Fatal("session gone")
	}
	if snap.Status != StatusSubmitted {
		t.Errorf("status = %v, want %v untouched by stray events", snap.Status, StatusSubmitted)
	}
	if snap.Progress.Completed != 0 {
		t.Errorf("progress = %+v, want untouched", snap.Progress)
	}
}
