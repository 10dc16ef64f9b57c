package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"trustgate/internal/decision"
	"trustgate/pkg/verification"
)

const (
	msgInvalidName    = "Invalid checkpoint name"
	msgNotConfigured  = "decision service not properly configured"
	msgUnhandled      = "Unhandled checkpoint response status"
	trackEventPrefix  = "Event_"
	defaultInvokerLog = "checkpoint"
)

// DecisionService is the subset of the decision client used here.
type DecisionService interface {
	Configured() bool
	Checkpoint(ctx context.Context, call decision.CheckpointCall) (*decision.CheckpointResponse, error)
	Track(ctx context.Context, call decision.TrackCall) error
}

// Invoker runs named checkpoints against the decision service and normalizes
// the answer to one of four statuses. It holds no per-request state.
type Invoker struct {
	Service  DecisionService
	Recorder Recorder
	Logger   *log.Logger
	// BackendData is merged into every payload; it wins over caller keys.
	BackendData map[string]any
	Options     decision.Options
	// When set, Emitter sends Event_<checkpoint> before each checkpoint.
	TrackCheckpoints bool
	Emitter          *Emitter
	Now              func() time.Time
}

func (inv Invoker) logger() *log.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return log.Default()
}

func (inv Invoker) now() time.Time {
	if inv.Now != nil {
		return inv.Now()
	}
	return time.Now()
}

// Execute invokes one checkpoint. peerIP is the transport-level address of
// the caller. Execute never panics and never returns a transport failure as
// anything other than a StatusError result.
func (inv Invoker) Execute(ctx context.Context, req verification.CheckpointRequest, peerIP string) (res verification.CheckpointResult) {
	start := inv.now()
	ip := ResolveIP(req.ClientIPAddress, peerIP)
	defer func() {
		if r := recover(); r != nil {
			inv.logger().Printf("%s %s: recovered panic: %v", defaultInvokerLog, req.CheckpointName, r)
			res = verification.ErrorResult(fmt.Sprintf("checkpoint failed: %v", r))
		}
		if inv.Recorder != nil {
			inv.Recorder.RecordCheckpoint(ctx, CheckpointRecord{
				Name:                   req.CheckpointName,
				SessionID:              req.SessionID,
				UserID:                 req.UserID,
				IP:                     ip,
				PreviousVerificationID: req.VerificationID,
				Result:                 res,
				Duration:               inv.now().Sub(start),
				At:                     start,
			})
		}
	}()

	if !verification.ValidName(req.CheckpointName) {
		return verification.ErrorResult(msgInvalidName)
	}
	if inv.Service == nil || !inv.Service.Configured() {
		return verification.ErrorResult(msgNotConfigured)
	}

	data := mergePayload(req.Payload, inv.BackendData)
	if inv.TrackCheckpoints && inv.Emitter != nil {
		inv.Emitter.Emit(ctx, verification.EventRequest{
			EventName:   trackEventPrefix + req.CheckpointName,
			Payload:     data,
			SourceToken: req.SourceToken,
			SessionID:   req.SessionID,
			UserID:      req.UserID,
		})
	}

	resp, err := inv.Service.Checkpoint(ctx, decision.CheckpointCall{
		Name: req.CheckpointName,
		IP:   wireIP(ip),
		Data: data,
		Identity: decision.Identity{
			SourceToken:    req.SourceToken,
			SessionID:      req.SessionID,
			UserID:         req.UserID,
			VerificationID: req.VerificationID,
		},
		Options: inv.Options,
	})
	if err != nil {
		inv.logger().Printf("%s %s: call failed: %v", defaultInvokerLog, req.CheckpointName, err)
		return verification.ErrorResult(failureMessage(ctx, err))
	}
	res = normalize(resp)
	inv.logger().Printf("%s %s: status=%s verification=%s", defaultInvokerLog, req.CheckpointName, res.Status, verificationID(res.Verification))
	return res
}

func normalize(resp *decision.CheckpointResponse) verification.CheckpointResult {
	if resp == nil {
		return verification.ErrorResult(msgUnhandled)
	}
	switch {
	case resp.IsAllowed():
		return verification.CheckpointResult{Success: true, Status: verification.StatusAllowed, Verification: resp.Verification}
	case resp.IsRunning():
		return verification.CheckpointResult{Success: true, Status: verification.StatusRunning, Verification: resp.Verification}
	case resp.IsDenied():
		return verification.CheckpointResult{Success: true, Status: verification.StatusDenied, Verification: resp.Verification}
	}
	msg := msgUnhandled
	if len(resp.Errors) > 0 {
		if b, err := json.Marshal(resp.Errors); err == nil {
			msg = string(b)
		}
	}
	return verification.CheckpointResult{
		Success:      true,
		Status:       verification.StatusError,
		Verification: resp.Verification,
		ErrorMessage: msg,
	}
}

func failureMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, verification.ErrNotConfigured):
		return msgNotConfigured
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "decision service timed out"
	case errors.Is(err, context.Canceled):
		return "checkpoint cancelled"
	}
	return err.Error()
}

// mergePayload copies payload and overlays server-only keys without touching
// the caller's map.
func mergePayload(payload, backend map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(backend))
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range backend {
		out[k] = v
	}
	return out
}

func verificationID(v *verification.Verification) string {
	if v == nil {
		return "-"
	}
	return v.ID
}
