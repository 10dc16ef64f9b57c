package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"trustgate/internal/decision"
	"trustgate/pkg/verification"
)

const defaultRetryDelay = 250 * time.Millisecond

// Emitter delivers events best-effort. A transport failure is retried once;
// everything else is reported in the result and never raised.
type Emitter struct {
	Service    DecisionService
	Recorder   Recorder
	Logger     *log.Logger
	RetryDelay time.Duration
	Now        func() time.Time

	wg sync.WaitGroup
}

func (e *Emitter) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Emit sends one event and waits for the outcome.
func (e *Emitter) Emit(ctx context.Context, req verification.EventRequest) (res verification.EventResult) {
	attempts := 0
	at := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.logger().Printf("event %s: recovered panic: %v", req.EventName, r)
			res = verification.EventResult{Success: false, ErrorMessage: fmt.Sprintf("event failed: %v", r)}
		}
		if !res.Success {
			e.logger().Printf("event %s: not delivered: %s", req.EventName, res.ErrorMessage)
		}
		if e.Recorder != nil {
			e.Recorder.RecordEvent(ctx, EventRecord{
				Name:      req.EventName,
				SessionID: req.SessionID,
				UserID:    req.UserID,
				Attempts:  attempts,
				Result:    res,
				At:        at,
			})
		}
	}()

	if !verification.ValidName(req.EventName) {
		return verification.EventResult{ErrorMessage: "Invalid event name"}
	}
	if e.Service == nil || !e.Service.Configured() {
		return verification.EventResult{ErrorMessage: msgNotConfigured}
	}
	call := decision.TrackCall{
		Type:      req.EventName,
		Data:      req.Payload,
		EventTime: at,
		Identity: decision.Identity{
			SourceToken: req.SourceToken,
			SessionID:   req.SessionID,
			UserID:      req.UserID,
		},
	}
	var err error
	for attempts < 2 {
		attempts++
		err = e.Service.Track(ctx, call)
		if err == nil {
			return verification.EventResult{Success: true}
		}
		if attempts > 1 || !retryable(err) {
			break
		}
		delay := e.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		select {
		case <-ctx.Done():
			return verification.EventResult{ErrorMessage: failureMessage(ctx, ctx.Err())}
		case <-time.After(delay):
		}
	}
	return verification.EventResult{ErrorMessage: failureMessage(ctx, err)}
}

// Go emits in the background, detached from ctx cancellation. Wait blocks
// until every background emission has finished.
func (e *Emitter) Go(ctx context.Context, req verification.EventRequest) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Emit(ctx, req)
	}()
}

func (e *Emitter) Wait() {
	e.wg.Wait()
}

func retryable(err error) bool {
	if errors.Is(err, verification.ErrNotConfigured) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *decision.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
