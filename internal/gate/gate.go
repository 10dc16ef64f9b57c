// Package gate turns a normalized checkpoint result into a business decision
// for flows where no client is around to complete extra verification steps.
package gate

import (
	"trustgate/internal/config"
	"trustgate/pkg/verification"
)

// Outcome is the business-level reading of a checkpoint result.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	// OutcomeFail means the check could not reach a verdict.
	OutcomeFail Outcome = "fail"
)

type Decision struct {
	Allow   bool
	Outcome Outcome
	// Message is the custom message attached to a denial, if it is text.
	Message string
	// Reason is the underlying error text for OutcomeFail.
	Reason string
	// FailedOpen is set when Allow is true only because of the fail mode.
	FailedOpen bool
}

type Policy struct {
	FailOpen bool
}

// FromConfig reads the fail mode from cfg.
func FromConfig(cfg *config.Config) Policy {
	if cfg == nil {
		return Policy{}
	}
	return Policy{FailOpen: cfg.FailsOpen()}
}

// Evaluate maps res to a Decision. A running result counts as a failure:
// server-only flows have no way to complete the step.
func (p Policy) Evaluate(res verification.CheckpointResult) Decision {
	switch res.Status {
	case verification.StatusAllowed:
		return Decision{Allow: true, Outcome: OutcomeAllow}
	case verification.StatusDenied:
		d := Decision{Outcome: OutcomeDeny}
		if res.Verification != nil {
			if msg, ok := verification.CustomMessage(res.Verification).(string); ok {
				d.Message = msg
			}
		}
		return d
	case verification.StatusRunning:
		return p.fail("verification requires additional steps")
	}
	reason := res.ErrorMessage
	if reason == "" {
		reason = "checkpoint error"
	}
	return p.fail(reason)
}

func (p Policy) fail(reason string) Decision {
	return Decision{Allow: p.FailOpen, Outcome: OutcomeFail, Reason: reason, FailedOpen: p.FailOpen}
}
