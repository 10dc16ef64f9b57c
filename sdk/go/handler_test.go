package trustgatesdk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trustgate/pkg/verification"
)

type scriptedSubmitter struct {
	mu      sync.Mutex
	results []verification.CheckpointResult
	errs    []error
	calls   []verification.CheckpointRequest
	events  []verification.EventRequest
	block   bool
}

func (s *scriptedSubmitter) Checkpoint(ctx context.Context, req verification.CheckpointRequest) (verification.CheckpointResult, error) {
	s.mu.Lock()
	i := len(s.calls)
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return verification.CheckpointResult{}, ctx.Err()
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return verification.CheckpointResult{}, s.errs[i]
	}
	if i >= len(s.results) {
		return s.results[len(s.results)-1], nil
	}
	return s.results[i], nil
}

func (s *scriptedSubmitter) Event(ctx context.Context, req verification.EventRequest) (verification.EventResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, req)
	if len(s.errs) > 0 && s.errs[0] != nil {
		return verification.EventResult{}, s.errs[0]
	}
	return verification.EventResult{Success: true}, nil
}

type counts struct {
	approved, denied, errored, progress int
	deniedMessage                       string
	err                                 *verification.Error
}

func (c *counts) callbacks() Callbacks {
	return Callbacks{
		OnApproved: func(*verification.Verification) { c.approved++ },
		OnDenied: func(_ *verification.Verification, msg string) {
			c.denied++
			c.deniedMessage = msg
		},
		OnError: func(err *verification.Error) {
			c.errored++
			c.err = err
		},
		OnProgress: func(Progress) { c.progress++ },
	}
}

func (c *counts) terminal() int { return c.approved + c.denied + c.errored }

func running(id string) verification.CheckpointResult {
	return verification.CheckpointResult{Success: true, Status: verification.StatusRunning, Verification: &verification.Verification{
		ID: id, Status: verification.StatePending, Outcome: verification.OutcomePending,
		NextSteps: []verification.Step{{ID: "mfa", Type: "MFA"}},
	}}
}

func allowedResult(id string) verification.CheckpointResult {
	return verification.CheckpointResult{Success: true, Status: verification.StatusAllowed, Verification: &verification.Verification{
		ID: id, Status: verification.StateComplete, Outcome: verification.OutcomeApproved,
	}}
}

func deniedResult(id, message string) verification.CheckpointResult {
	v := &verification.Verification{ID: id, Status: verification.StateComplete, Outcome: verification.OutcomeDenied}
	if message != "" {
		v.StepData = &verification.StepData{CustomMessage: message}
	}
	return verification.CheckpointResult{Success: true, Status: verification.StatusDenied, Verification: v}
}

func noopStep() StepRunner {
	return StepRunnerFunc(func(context.Context, *verification.Verification) error { return nil })
}

func TestProcessApprovedFiresOnce(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{allowedResult("v1")}}
	var c counts
	res := (&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if res.Phase != verification.PhaseApproved || c.approved != 1 || c.terminal() != 1 {
		t.Fatalf("unexpected result %+v counts %+v", res, c)
	}
}

func TestProcessTwoStepFlow(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1"), allowedResult("v1")}}
	var stepped []string
	h := &Handler{
		Submitter: sub,
		Steps: StepRunnerFunc(func(_ context.Context, v *verification.Verification) error {
			stepped = append(stepped, v.ID)
			return nil
		}),
	}
	req := verification.CheckpointRequest{
		CheckpointName: "PAYMENT",
		Payload:        map[string]any{"amount": 99, "currency": "USD"},
		SessionID:      "s1",
		UserID:         "u1",
	}
	var c counts
	res := h.Process(context.Background(), req, c.callbacks())
	if res.Phase != verification.PhaseApproved || res.Steps != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if c.approved != 1 || c.terminal() != 1 || c.progress != 1 {
		t.Fatalf("unexpected callbacks %+v", c)
	}
	if len(sub.calls) != 2 || len(stepped) != 1 || stepped[0] != "v1" {
		t.Fatalf("expected two submissions and one step, got %d/%v", len(sub.calls), stepped)
	}
	first, second := sub.calls[0], sub.calls[1]
	if first.VerificationID != "" || second.VerificationID != "v1" {
		t.Fatalf("unexpected verification ids %q %q", first.VerificationID, second.VerificationID)
	}
	if second.CheckpointName != "PAYMENT" || second.Payload["amount"] != 99 || second.SessionID != "s1" || second.UserID != "u1" {
		t.Fatalf("resubmission changed the request: %+v", second)
	}
}

func TestProcessDeniedSurfacesCustomMessage(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{deniedResult("v1", "Insufficient funds")}}
	var c counts
	res := (&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{
		CheckpointName: "PAYMENT",
		Payload:        map[string]any{"amount": 99, "currency": "USD"},
	}, c.callbacks())
	if c.denied != 1 || c.deniedMessage != "Insufficient funds" || res.Message != "Insufficient funds" {
		t.Fatalf("unexpected denial %+v %+v", c, res)
	}
}

func TestProcessStructuredCustomMessage(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{deniedResult("v1", `{"a":1}`)}}
	res := (&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "X"}, Callbacks{})
	m, ok := res.Message.(map[string]any)
	if !ok || m["a"] != float64(1) {
		t.Fatalf("expected parsed object, got %#v", res.Message)
	}
}

func TestProcessTransportFailure(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{errors.New("dial tcp: connection refused")}, results: []verification.CheckpointResult{{}}}
	var c counts
	res := (&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindTransport || c.err.Details == "" || res.Phase != verification.PhaseError {
		t.Fatalf("unexpected error %+v %+v", c, res)
	}
}

func TestProcessServerErrorResult(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{verification.ErrorResult("decision service timed out")}}
	var c counts
	(&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Details != "decision service timed out" {
		t.Fatalf("unexpected error %+v", c.err)
	}

	sub = &scriptedSubmitter{results: []verification.CheckpointResult{{Success: true, Status: verification.StatusAllowed}}}
	c = counts{}
	(&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Details != msgNoVerification || c.err.Kind != verification.KindSystem {
		t.Fatalf("unexpected error %+v", c.err)
	}
}

func TestProcessMaxSteps(t *testing.T) {
	results := []verification.CheckpointResult{running("v1"), running("v2"), running("v3"), running("v4")}
	sub := &scriptedSubmitter{results: results}
	var c counts
	res := (&Handler{Submitter: sub, Steps: noopStep(), MaxSteps: 3}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindTooManySteps || len(sub.calls) != 3 || res.Steps != 3 {
		t.Fatalf("unexpected result %+v %+v calls=%d", res, c.err, len(sub.calls))
	}
}

func TestProcessDetectsVerificationLoop(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1"), running("v1")}}
	var c counts
	(&Handler{Submitter: sub, Steps: noopStep()}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.terminal() != 1 || c.err == nil || c.err.Kind != verification.KindVerificationLoop || c.err.Retryable() {
		t.Fatalf("unexpected result %+v", c)
	}
}

func TestProcessSameVerificationDifferentSteps(t *testing.T) {
	blocked := func(stepID, stepType string) verification.CheckpointResult {
		return verification.CheckpointResult{Success: true, Status: verification.StatusRunning, Verification: &verification.Verification{
			ID: "v1", Status: verification.StateBlocked, Outcome: verification.OutcomePending,
			NextSteps: []verification.Step{{ID: stepID, Type: stepType}},
		}}
	}
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{
		blocked("s1", "MFA"), blocked("s2", "DEVICE_CHECK"), allowedResult("v1"),
	}}
	var stepped []string
	h := &Handler{Submitter: sub, Steps: StepRunnerFunc(func(_ context.Context, v *verification.Verification) error {
		stepped = append(stepped, v.NextSteps[0].Type)
		return nil
	})}
	var c counts
	res := h.Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if res.Phase != verification.PhaseApproved || c.approved != 1 || c.terminal() != 1 || len(sub.calls) != 3 {
		t.Fatalf("unexpected result %+v counts %+v calls=%d", res, c, len(sub.calls))
	}
	if len(stepped) != 2 || stepped[0] != "MFA" || stepped[1] != "DEVICE_CHECK" {
		t.Fatalf("unexpected steps %v", stepped)
	}
	if sub.calls[1].VerificationID != "v1" || sub.calls[2].VerificationID != "v1" {
		t.Fatalf("expected resubmissions on v1, got %q %q", sub.calls[1].VerificationID, sub.calls[2].VerificationID)
	}
}

func TestProcessServerErrorWinsOverVerification(t *testing.T) {
	approved := &verification.Verification{ID: "v1", Status: verification.StateComplete, Outcome: verification.OutcomeApproved}
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{{
		Success: false, Status: verification.StatusError, Verification: approved, ErrorMessage: "decision service unavailable",
	}}}
	var c counts
	res := (&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "PAYMENT"}, c.callbacks())
	if res.Phase != verification.PhaseError || c.approved != 0 || c.errored != 1 || c.err.Details != "decision service unavailable" {
		t.Fatalf("unexpected result %+v counts %+v", res, c)
	}
}

func TestProcessStepCancelled(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1")}}
	h := &Handler{Submitter: sub, Steps: StepRunnerFunc(func(context.Context, *verification.Verification) error {
		return ErrStepCancelled
	})}
	var c counts
	h.Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindCancelled || c.err.Retryable() {
		t.Fatalf("unexpected result %+v", c.err)
	}
}

func TestProcessStepTimeout(t *testing.T) {
	sub := &scriptedSubmitter{block: true, results: []verification.CheckpointResult{{}}}
	var c counts
	(&Handler{Submitter: sub, StepTimeout: 20 * time.Millisecond}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindTimeout {
		t.Fatalf("unexpected result %+v", c.err)
	}
}

func TestProcessCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1"), allowedResult("v1")}}
	h := &Handler{Submitter: sub, Steps: StepRunnerFunc(func(context.Context, *verification.Verification) error {
		cancel()
		return nil
	})}
	var c counts
	h.Process(ctx, verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindCancelled || len(sub.calls) != 1 {
		t.Fatalf("unexpected result %+v calls=%d", c.err, len(sub.calls))
	}
}

func TestProcessPollsPendingWithoutSteps(t *testing.T) {
	pending := verification.CheckpointResult{Success: true, Status: verification.StatusRunning, Verification: &verification.Verification{
		ID: "v1", Status: verification.StatePending, Outcome: verification.OutcomePending,
	}}
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{pending, allowedResult("v1")}}
	var c counts
	res := (&Handler{Submitter: sub, PollInterval: time.Millisecond}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks())
	if res.Phase != verification.PhaseApproved || c.approved != 1 || sub.calls[1].VerificationID != "v1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessRefreshesSourceTokenEachRound(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1"), allowedResult("v1")}}
	n := 0
	h := &Handler{
		Submitter: sub,
		Steps:     noopStep(),
		Tokens: SourceTokenFunc(func(context.Context) (string, error) {
			n++
			return "tok-" + string(rune('0'+n)), nil
		}),
	}
	h.Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN", SourceToken: "stale"}, Callbacks{})
	if sub.calls[0].SourceToken != "tok-1" || sub.calls[1].SourceToken != "tok-2" {
		t.Fatalf("tokens not refreshed: %q %q", sub.calls[0].SourceToken, sub.calls[1].SourceToken)
	}
}

func TestProcessValidatesLocally(t *testing.T) {
	sub := &scriptedSubmitter{results: []verification.CheckpointResult{allowedResult("v1")}}
	var c counts
	(&Handler{Submitter: sub}).Process(context.Background(), verification.CheckpointRequest{CheckpointName: "  "}, c.callbacks())
	if c.errored != 1 || c.err.Kind != verification.KindValidation || len(sub.calls) != 0 {
		t.Fatalf("unexpected result %+v calls=%d", c.err, len(sub.calls))
	}
}

func TestConcurrentChainsDoNotShareState(t *testing.T) {
	h := &Handler{Steps: noopStep(), Messages: &MessageLog{}}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := &scriptedSubmitter{results: []verification.CheckpointResult{running("v1"), allowedResult("v1")}}
			local := *h
			local.Submitter = sub
			var c counts
			if res := local.Process(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN"}, c.callbacks()); res.Phase != verification.PhaseApproved || c.terminal() != 1 {
				t.Errorf("unexpected result %+v", res)
			}
		}()
	}
	wg.Wait()
	if len(h.Messages.Entries()) == 0 {
		t.Fatalf("expected shared message log entries")
	}
}

func TestSendEvent(t *testing.T) {
	sub := &scriptedSubmitter{}
	h := &Handler{Submitter: sub, Tokens: SourceTokenFunc(func(context.Context) (string, error) { return "fresh", nil })}
	res := h.SendEvent(context.Background(), verification.EventRequest{EventName: "PAGE_VIEW"})
	if !res.Success || sub.events[0].SourceToken != "fresh" {
		t.Fatalf("unexpected result %+v %+v", res, sub.events)
	}
	failing := &scriptedSubmitter{errs: []error{errors.New("offline")}}
	res = (&Handler{Submitter: failing}).SendEvent(context.Background(), verification.EventRequest{EventName: "PAGE_VIEW"})
	if res.Success || res.ErrorMessage != "offline" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMessageLogLimit(t *testing.T) {
	l := &MessageLog{Limit: 2}
	l.Addf("A", "one")
	l.Addf("A", "two")
	l.Addf("A", "three")
	got := l.Entries()
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("unexpected entries %+v", got)
	}
	l.Reset()
	if len(l.Entries()) != 0 {
		t.Fatalf("expected empty log")
	}
}
