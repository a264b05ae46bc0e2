package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageflow/comfy"
	"imageflow/core"
	"imageflow/logging"
	"imageflow/pipeline"
)

// Transport is the controller's view of the generation server: readiness,
// submission, interrupts, artifact retrieval and the pushed event stream.
// *comfy.Manager satisfies it through managerTransport.
type Transport interface {
	EnsureReady(ctx context.Context) error
	Submit(ctx context.Context, pl *pipeline.Pipeline) (string, error)
	Interrupt(ctx context.Context)
	FetchArtifacts(ctx context.Context, promptID string) ([]comfy.Artifact, error)
	On(kind comfy.EventKind, handler comfy.Handler)
}

// managerTransport adapts comfy.Manager to the Transport interface.
type managerTransport struct {
	manager  *comfy.Manager
	clientID string
}

func (t *managerTransport) EnsureReady(ctx context.Context) error {
	_, err := t.manager.EnsureReady(ctx)
	return err
}

func (t *managerTransport) Submit(ctx context.Context, pl *pipeline.Pipeline) (string, error) {
	return t.manager.Client().SubmitPipeline(ctx, pl, t.clientID)
}

func (t *managerTransport) Interrupt(ctx context.Context) {
	t.manager.Interrupt(ctx)
}

func (t *managerTransport) FetchArtifacts(ctx context.Context, promptID string) ([]comfy.Artifact, error) {
	return t.manager.Client().FetchArtifacts(ctx, promptID)
}

func (t *managerTransport) On(kind comfy.EventKind, handler comfy.Handler) {
	t.manager.On(kind, handler)
}

// Controller drives generation sessions against the server. At most one
// session exists at a time: Submit claims the slot, the pushed event
// stream or the deadline settles it, and Acknowledge releases it. The
// session's pipeline is retained until release so a failed or cancelled
// run can be retried as-is.
type Controller struct {
	transport Transport
	timeout   time.Duration
	logger    *logging.Logger

	mu         sync.Mutex
	session    *session
	onProgress []func(Snapshot)
}

// NewController creates a Controller speaking to the server through the
// given connection manager.
func NewController(manager *comfy.Manager, cfg *core.Config, logger *logging.Logger) *Controller {
	return NewControllerWithTransport(&managerTransport{
		manager:  manager,
		clientID: cfg.ClientID,
	}, cfg.GenerationTimeout, logger)
}

// NewControllerWithTransport creates a Controller over an explicit
// transport.
func NewControllerWithTransport(transport Transport, timeout time.Duration, logger *logging.Logger) *Controller {
	if timeout <= 0 {
		timeout = core.DefaultGenerationTimeout
	}
	c := &Controller{
		transport: transport,
		timeout:   timeout,
		logger:    logger.Named("generation"),
	}

	transport.On(comfy.EventProgress, c.handleProgress)
	transport.On(comfy.EventExecutionError, c.handleExecutionError)
	transport.On(comfy.EventExecutionSuccess, c.handleExecutionSuccess)
	transport.On(comfy.EventConnectionError, c.handleConnectionError)
	return c
}

// OnProgress registers an observer invoked on every progress update with
// a snapshot of the active session.
func (c *Controller) OnProgress(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = append(c.onProgress, fn)
}

// Submit starts a generation for the given pipeline and returns the new
// session id. Fails with ALREADY_RUNNING while a previous session is
// still active or unacknowledged. The connection is brought up first; if
// it never becomes ready the slot is released and the session is never
// submitted.
func (c *Controller) Submit(ctx context.Context, pl *pipeline.Pipeline) (string, error) {
	c.mu.Lock()
	if c.session != nil {
		id := c.session.id
		c.mu.Unlock()
		return "", core.ErrAlreadyRunning(id)
	}
	sess := &session{
		id:        uuid.NewString(),
		pipeline:  pl,
		status:    StatusReserved,
		startedAt: time.Now(),
		outcome:   make(chan error, 1),
	}
	c.session = sess
	c.mu.Unlock()

	if err := c.transport.EnsureReady(ctx); err != nil {
		c.release(sess)
		return "", err
	}

	promptID, err := c.transport.Submit(ctx, sess.pipeline)
	if err != nil {
		c.release(sess)
		return "", core.ErrConnectionError("pipeline submission failed", err)
	}

	c.mu.Lock()
	if sess.status == StatusReserved {
		sess.promptID = promptID
		sess.status = StatusSubmitted
	}
	c.mu.Unlock()

	c.logger.Info("generation submitted",
		zap.String("session_id", sess.id),
		zap.String("prompt_id", promptID))
	return sess.id, nil
}

// AwaitCompletion blocks until the session settles or the generation
// deadline passes, whichever happens first. On deadline it marks the
// session timed out and sends a best-effort interrupt so the server stops
// burning compute. The returned snapshot reflects the terminal state.
func (c *Controller) AwaitCompletion(ctx context.Context, sessionID string) (Snapshot, error) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.id != sessionID {
		c.mu.Unlock()
		return Snapshot{}, fmt.Errorf("generation: no active session %s", sessionID)
	}
	if sess.status.Terminal() {
		snap := sess.snapshot()
		c.mu.Unlock()
		return snap, snap.Err
	}
	outcome := sess.outcome
	c.mu.Unlock()

	err := core.First(ctx, c.timeout, outcome, core.ErrGenerationTimeout(
		fmt.Sprintf("no terminal event within %s", c.timeout)))

	c.mu.Lock()
	if core.IsCode(err, core.CodeGenerationTimeout) {
		if sess.status.Terminal() {
			// The terminal event landed in the same instant the timer
			// fired; the session's own outcome stands.
			err = sess.err
		} else {
			sess.settle(StatusTimedOut, err)
		}
	}
	snap := sess.snapshot()
	c.mu.Unlock()

	if snap.Status == StatusTimedOut {
		c.logger.Warn("generation deadline passed",
			zap.String("session_id", sess.id),
			zap.String("prompt_id", snap.PromptID))
		c.transport.Interrupt(context.WithoutCancel(ctx))
	}
	return snap, err
}

// Cancel aborts the active session. Client-authoritative: the session is
// cancelled immediately, without waiting for the server to confirm, and a
// best-effort interrupt follows. Any later event for the cancelled prompt
// is dropped.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("generation: nothing to cancel")
	}
	sess.progress = Progress{}
	sess.settle(StatusCancelled, core.ErrCancelled())
	id := sess.id
	c.mu.Unlock()

	c.logger.Info("generation cancelled", zap.String("session_id", id))
	c.transport.Interrupt(ctx)
	return nil
}

// Retry resubmits the pipeline of a failed, cancelled or timed-out
// session as a fresh session. The connection is re-established
// transparently when it dropped in between.
func (c *Controller) Retry(ctx context.Context) (string, error) {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return "", fmt.Errorf("generation: no session to retry")
	}
	if !sess.status.Terminal() {
		id := sess.id
		c.mu.Unlock()
		return "", core.ErrAlreadyRunning(id)
	}
	if sess.status == StatusSucceeded {
		c.mu.Unlock()
		return "", fmt.Errorf("generation: session %s succeeded; nothing to retry", sess.id)
	}
	pl := sess.pipeline
	c.session = nil
	c.mu.Unlock()

	c.logger.Info("retrying generation", zap.String("previous_session_id", sess.id))
	return c.Submit(ctx, pl)
}

// Acknowledge releases a terminal session, freeing the slot and the
// retained pipeline for the next Submit.
func (c *Controller) Acknowledge(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.id != sessionID {
		return fmt.Errorf("generation: no session %s", sessionID)
	}
	if !c.session.status.Terminal() {
		return fmt.Errorf("generation: session %s is still %s", sessionID, c.session.status)
	}
	c.session = nil
	return nil
}

// Snapshot returns the current session state, or false when no session
// is held.
func (c *Controller) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Snapshot{}, false
	}
	return c.session.snapshot(), true
}

// release drops the slot after a pre-submission failure, but only while
// the given session still owns it.
func (c *Controller) release(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == sess {
		c.session = nil
	}
}

// active returns the session matching promptID when it is still live.
// Events for other prompts, or arriving after the session settled, are
// dropped here.
func (c *Controller) active(promptID string) *session {
	sess := c.session
	if sess == nil || sess.status.Terminal() {
		return nil
	}
	if promptID != "" && sess.promptID != promptID {
		return nil
	}
	return sess
}

func (c *Controller) handleProgress(evt comfy.Event) {
	c.mu.Lock()
	sess := c.active(evt.PromptID)
	if sess == nil {
		c.mu.Unlock()
		return
	}
	sess.status = StatusRunning
	sess.progress = Progress{Completed: evt.Value, Total: evt.Max}
	snap := sess.snapshot()
	observers := make([]func(Snapshot), len(c.onProgress))
	copy(observers, c.onProgress)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (c *Controller) handleExecutionError(evt comfy.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.active(evt.PromptID)
	if sess == nil {
		return
	}
	sess.settle(StatusFailed, core.ErrExecutionError(evt.Message))
}

// handleExecutionSuccess retrieves the artifacts off the event goroutine
// so the read pump is never blocked on HTTP. A success whose artifacts
// cannot be retrieved is a failure with the loss flagged.
func (c *Controller) handleExecutionSuccess(evt comfy.Event) {
	c.mu.Lock()
	sess := c.active(evt.PromptID)
	if sess == nil {
		c.mu.Unlock()
		return
	}
	promptID := sess.promptID
	c.mu.Unlock()

	go func() {
		artifacts, err := c.transport.FetchArtifacts(context.Background(), promptID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if sess.status.Terminal() {
			// Cancelled or timed out while fetching.
			return
		}
		if err != nil {
			sess.settle(StatusFailed, core.ErrArtifactsLost(err))
			return
		}
		sess.artifacts = artifacts
		sess.settle(StatusSucceeded, nil)
	}()
}

func (c *Controller) handleConnectionError(evt comfy.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.active("")
	if sess == nil {
		return
	}
	c.logger.Warn("connection lost mid-generation",
		zap.String("session_id", sess.id),
		zap.String("detail", evt.Message))
	sess.settle(StatusFailed, core.ErrConnectionError("connection lost during generation", nil))
}
