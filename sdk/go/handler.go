package trustgatesdk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"trustgate/pkg/verification"
)

const (
	DefaultMaxSteps     = 8
	DefaultStepTimeout  = 2 * time.Minute
	DefaultPollInterval = time.Second

	msgNoVerification = "No verification object returned from the endpoint"
)

// ErrStepCancelled is returned by a StepRunner when the user abandons a step.
var ErrStepCancelled = errors.New("verification step cancelled")

// Submitter carries checkpoint rounds and events to the application server.
// *Client implements it.
type Submitter interface {
	Checkpoint(ctx context.Context, req verification.CheckpointRequest) (verification.CheckpointResult, error)
	Event(ctx context.Context, req verification.EventRequest) (verification.EventResult, error)
}

// SourceTokenProvider returns a fresh device-bound source token. Tokens are
// short-lived; the handler asks for one on every round.
type SourceTokenProvider interface {
	SourceToken(ctx context.Context) (string, error)
}

// StepRunner completes the client-side step a verification is waiting on,
// e.g. an MFA prompt.
type StepRunner interface {
	RunStep(ctx context.Context, v *verification.Verification) error
}

// IPProvider reports the client's public address, if known.
type IPProvider interface {
	ClientIP(ctx context.Context) (string, error)
}

type SourceTokenFunc func(ctx context.Context) (string, error)

func (f SourceTokenFunc) SourceToken(ctx context.Context) (string, error) {
	return f(ctx)
}

type StepRunnerFunc func(ctx context.Context, v *verification.Verification) error

func (f StepRunnerFunc) RunStep(ctx context.Context, v *verification.Verification) error {
	return f(ctx, v)
}

// Progress describes one non-terminal round.
type Progress struct {
	Step         int
	Phase        verification.Phase
	Verification *verification.Verification
}

// Callbacks receive the terminal outcome of a chain. Exactly one of
// OnApproved, OnDenied or OnError fires per Process call.
type Callbacks struct {
	OnApproved func(v *verification.Verification)
	// OnDenied receives the custom message rendered as text, if any.
	OnDenied   func(v *verification.Verification, message string)
	OnError    func(err *verification.Error)
	OnProgress func(p Progress)
}

// Result is the terminal state of a chain.
type Result struct {
	Phase        verification.Phase
	Verification *verification.Verification
	// Message is the custom message of the final verification, parsed.
	Message any
	Err     *verification.Error
	Steps   int
}

// Handler drives the checkpoint verification loop. A Handler holds no
// per-chain state and may run many chains concurrently.
type Handler struct {
	Submitter    Submitter
	Tokens       SourceTokenProvider
	Steps        StepRunner
	IPs          IPProvider
	MaxSteps     int
	StepTimeout  time.Duration
	PollInterval time.Duration
	Messages     *MessageLog
}

func (h *Handler) maxSteps() int {
	if h.MaxSteps > 0 {
		return h.MaxSteps
	}
	return DefaultMaxSteps
}

func (h *Handler) stepTimeout() time.Duration {
	if h.StepTimeout > 0 {
		return h.StepTimeout
	}
	return DefaultStepTimeout
}

func (h *Handler) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return DefaultPollInterval
}

// chain is the accumulator for one Process call.
type chain struct {
	h      *Handler
	req    verification.CheckpointRequest
	cb     Callbacks
	seen   map[string]bool
	once   sync.Once
	result Result
}

// Process submits req and follows the verification until it is approved,
// denied or fails. Each round resubmits the original request with
// VerificationID set to the previous round's verification.
func (h *Handler) Process(ctx context.Context, req verification.CheckpointRequest, cb Callbacks) Result {
	c := &chain{h: h, req: req, cb: cb, seen: map[string]bool{}}
	if h.Submitter == nil {
		c.fail(0, verification.NewError(verification.KindConfiguration, "no submitter configured"))
		return c.result
	}
	if !verification.ValidName(req.CheckpointName) {
		c.fail(0, verification.NewError(verification.KindValidation, "checkpoint name required"))
		return c.result
	}
	previousID := req.VerificationID
	for step := 1; ; step++ {
		if step > h.maxSteps() {
			c.fail(step-1, verification.NewError(verification.KindTooManySteps, "verification did not finish within %d steps", h.maxSteps()))
			return c.result
		}
		if err := ctx.Err(); err != nil {
			c.fail(step-1, contextError(err))
			return c.result
		}
		next, done := c.round(ctx, step, previousID)
		if done {
			return c.result
		}
		previousID = next
	}
}

// round runs one submit (and step, if required) under the step timeout. It
// returns the verification id to resubmit with, or done.
func (c *chain) round(ctx context.Context, step int, previousID string) (string, bool) {
	h := c.h
	stepCtx, cancel := context.WithTimeout(ctx, h.stepTimeout())
	defer cancel()

	req := c.req
	req.VerificationID = previousID
	if h.Tokens != nil {
		token, err := h.Tokens.SourceToken(stepCtx)
		if err != nil {
			h.Messages.Addf(req.CheckpointName, "source token unavailable: %v", err)
		}
		req.SourceToken = token
	}
	if h.IPs != nil && req.ClientIPAddress == "" {
		if ip, err := h.IPs.ClientIP(stepCtx); err == nil {
			req.ClientIPAddress = ip
		}
	}

	h.Messages.Addf(req.CheckpointName, "submitting step %d (previous verification %q)", step, previousID)
	res, err := h.Submitter.Checkpoint(stepCtx, req)
	if err != nil {
		c.fail(step, roundError(ctx, stepCtx, err, verification.KindTransport))
		return "", true
	}
	v := res.Verification
	if v == nil {
		if !res.Success {
			msg := res.ErrorMessage
			if msg == "" {
				msg = msgNoVerification
			}
			c.fail(step, verification.NewError(verification.KindTransport, "%s", msg))
			return "", true
		}
		c.fail(step, verification.NewError(verification.KindSystem, msgNoVerification))
		return "", true
	}
	message := verification.CustomMessage(v)
	if message != nil {
		h.Messages.Addf(req.CheckpointName, "received custom message: %s", verification.CustomMessageText(v))
	}

	phase := verification.PhaseFor(res)
	h.Messages.Addf(req.CheckpointName, "verification %s is %s", v.ID, phase)
	switch phase {
	case verification.PhaseApproved:
		c.finish(Result{Phase: phase, Verification: v, Message: message, Steps: step}, func() {
			if c.cb.OnApproved != nil {
				c.cb.OnApproved(v)
			}
		})
		return "", true
	case verification.PhaseDenied:
		c.finish(Result{Phase: phase, Verification: v, Message: message, Steps: step}, func() {
			if c.cb.OnDenied != nil {
				c.cb.OnDenied(v, verification.CustomMessageText(v))
			}
		})
		return "", true
	case verification.PhaseStepRequired:
		key := stepKey(v)
		if v.ID == "" || c.seen[key] {
			c.fail(step, verification.NewError(verification.KindVerificationLoop, "verification %q asked for the same step twice", v.ID))
			return "", true
		}
		c.seen[key] = true
		c.progress(step, phase, v)
		if h.Steps == nil {
			c.fail(step, verification.NewError(verification.KindConfiguration, "verification requires a step but no step runner is configured"))
			return "", true
		}
		if err := h.Steps.RunStep(stepCtx, v); err != nil {
			if errors.Is(err, ErrStepCancelled) {
				c.fail(step, verification.NewError(verification.KindCancelled, "user cancelled the verification step"))
				return "", true
			}
			c.fail(step, roundError(ctx, stepCtx, err, verification.KindSystem))
			return "", true
		}
		h.Messages.Addf(req.CheckpointName, "step for verification %s completed", v.ID)
		return v.ID, false
	case verification.PhasePending:
		c.progress(step, phase, v)
		select {
		case <-stepCtx.Done():
			c.fail(step, roundError(ctx, stepCtx, stepCtx.Err(), verification.KindTimeout))
			return "", true
		case <-time.After(h.pollInterval()):
		}
		return v.ID, false
	}
	details := res.ErrorMessage
	if details == "" {
		details = "verification failed"
		if s := verification.CustomMessageText(v); s != "" {
			details = s
		}
	}
	c.fail(step, verification.NewError(verification.KindSystem, "%s", details))
	return "", true
}

// stepKey identifies the step a verification is waiting on. One
// verification may ask for several different steps in turn.
func stepKey(v *verification.Verification) string {
	parts := make([]string, 0, len(v.NextSteps))
	for _, s := range v.NextSteps {
		id := s.ID
		if id == "" {
			id = s.Type
		}
		parts = append(parts, id)
	}
	return v.ID + "/" + strings.Join(parts, ",")
}

func (c *chain) progress(step int, phase verification.Phase, v *verification.Verification) {
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(Progress{Step: step, Phase: phase, Verification: v})
	}
}

func (c *chain) fail(step int, err *verification.Error) {
	c.h.Messages.Addf(c.req.CheckpointName, "verification failed: %s", err)
	c.finish(Result{Phase: verification.PhaseError, Err: err, Steps: step}, func() {
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	})
}

// finish records the terminal result and fires its callback once.
func (c *chain) finish(res Result, fire func()) {
	c.once.Do(func() {
		c.result = res
		fire()
	})
}

// roundError classifies err from a round: caller cancellation, the step
// deadline, or fallback.
func roundError(parent, stepCtx context.Context, err error, fallback verification.ErrorKind) *verification.Error {
	if parent.Err() != nil {
		return contextError(parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return verification.NewError(verification.KindTimeout, "step timed out: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return verification.NewError(verification.KindCancelled, "%v", err)
	}
	return verification.NewError(fallback, "%v", err)
}

func contextError(err error) *verification.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return verification.NewError(verification.KindTimeout, "verification timed out")
	}
	return verification.NewError(verification.KindCancelled, "verification cancelled")
}

// SendEvent posts an event with a fresh source token. It never fails; the
// outcome is in the result.
func (h *Handler) SendEvent(ctx context.Context, req verification.EventRequest) verification.EventResult {
	if h.Submitter == nil {
		return verification.EventResult{ErrorMessage: "no submitter configured"}
	}
	if h.Tokens != nil {
		if token, err := h.Tokens.SourceToken(ctx); err == nil {
			req.SourceToken = token
		} else {
			h.Messages.Addf(req.EventName, "source token unavailable: %v", err)
		}
	}
	res, err := h.Submitter.Event(ctx, req)
	if err != nil {
		h.Messages.Addf(req.EventName, "event not sent: %v", err)
		return verification.EventResult{ErrorMessage: err.Error()}
	}
	return res
}
