package verification

// Phase is how a client should treat a verification it received.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseApproved
	PhaseDenied
	PhaseError
	PhaseStepRequired
	PhasePending
)

func (p Phase) String() string {
	switch p {
	case PhaseApproved:
		return "approved"
	case PhaseDenied:
		return "denied"
	case PhaseError:
		return "error"
	case PhaseStepRequired:
		return "step_required"
	case PhasePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further round trip is expected.
func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseDenied || p == PhaseError
}

// Classify maps a verification's status and outcome to a Phase. Checks run
// in the same order the server normalizes responses: approved, in progress,
// denied, failed.
func Classify(v *Verification) Phase {
	if v == nil {
		return PhaseUnknown
	}
	switch {
	case v.Status == StateComplete && v.Outcome == OutcomeApproved:
		return PhaseApproved
	case v.Status == StateBlocked:
		return PhaseStepRequired
	case v.Status == StatePending && len(v.NextSteps) > 0:
		return PhaseStepRequired
	case v.Status == StatePending:
		return PhasePending
	case v.Outcome == OutcomeDenied:
		return PhaseDenied
	case v.Status == StateFailed || v.Outcome == OutcomeError:
		return PhaseError
	}
	return PhaseUnknown
}

// PhaseFor combines the server's normalized result with the verification
// it carries. A failed call or status=error is always an error, whatever the
// verification says; otherwise the verification wins when it is
// recognizable.
func PhaseFor(res CheckpointResult) Phase {
	if !res.Success || res.Status == StatusError {
		return PhaseError
	}
	if p := Classify(res.Verification); p != PhaseUnknown {
		return p
	}
	switch res.Status {
	case StatusAllowed:
		return PhaseApproved
	case StatusDenied:
		return PhaseDenied
	case StatusRunning:
		return PhaseStepRequired
	}
	return PhaseUnknown
}
