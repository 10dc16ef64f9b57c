// Package verification holds the wire types shared by the checkpoint server,
// the Go client SDK, and anything else that speaks the verification protocol.
package verification

import (
	"encoding/json"
	"errors"
	"strings"
)

// Status is the normalized outcome of one checkpoint invocation.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusRunning Status = "running"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the four normalized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAllowed, StatusRunning, StatusDenied, StatusError:
		return true
	}
	return false
}

// Verification status values reported by the decision service.
const (
	StatePending  = "PENDING"
	StateBlocked  = "BLOCKED"
	StateComplete = "COMPLETE"
	StateFailed   = "FAILED"
)

// Verification outcome values reported by the decision service.
const (
	OutcomeApproved = "APPROVED"
	OutcomeDenied   = "DENIED"
	OutcomePending  = "PENDING"
	OutcomeError    = "ERROR"
)

var (
	ErrInvalidCheckpointName = errors.New("invalid checkpoint name")
	ErrNotConfigured         = errors.New("decision service not configured")
)

// Verification is one risk evaluation as returned by the decision service.
type Verification struct {
	ID        string    `json:"id"`
	Status    string    `json:"status,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	StepData  *StepData `json:"stepData,omitempty"`
	NextSteps []Step    `json:"nextSteps,omitempty"`
}

// Step describes an additional client-side action the service is waiting on.
type Step struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// StepData carries step-specific data. CustomMessage is kept as text even
// when the service embeds JSON in it; use ParseCustomMessage to decode it.
type StepData struct {
	CustomMessage string         `json:"customMessage,omitempty"`
	Extra         map[string]any `json:"-"`
}

func (d StepData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.CustomMessage != "" {
		out["customMessage"] = d.CustomMessage
	}
	return json.Marshal(out)
}

func (d *StepData) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = StepData{}
	for k, v := range raw {
		if k == "customMessage" {
			d.CustomMessage = rawText(v)
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if d.Extra == nil {
			d.Extra = map[string]any{}
		}
		d.Extra[k] = val
	}
	return nil
}

// rawText returns a JSON string's contents, or the raw JSON for any other value.
func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	trimmed := strings.TrimSpace(string(v))
	if trimmed == "null" {
		return ""
	}
	return trimmed
}

// CheckpointRequest is what a client submits to the application server.
// Optional identifiers are omitted from the encoding when empty.
type CheckpointRequest struct {
	_               struct{}       `json:"-" additionalProperties:"true"`
	CheckpointName  string         `json:"checkpointName,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	SourceToken     string         `json:"sourceToken,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	UserID          string         `json:"userId,omitempty"`
	ClientIPAddress string         `json:"clientIpAddress,omitempty"`
	VerificationID  string         `json:"verificationId,omitempty"`
}

// CheckpointResult is the normalized server-side outcome. Success is false
// only when the call itself could not complete.
type CheckpointResult struct {
	Success      bool          `json:"success"`
	Status       Status        `json:"status" enum:"allowed,running,denied,error"`
	Verification *Verification `json:"verification"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// ErrorResult builds a failed result carrying msg.
func ErrorResult(msg string) CheckpointResult {
	return CheckpointResult{Success: false, Status: StatusError, ErrorMessage: msg}
}

// EventRequest is a fire-and-forget signal.
type EventRequest struct {
	_           struct{}       `json:"-" additionalProperties:"true"`
	EventName   string         `json:"eventName,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	SourceToken string         `json:"sourceToken,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
}

type EventResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ValidName reports whether a checkpoint or event name is usable.
func ValidName(name string) bool {
	return strings.TrimSpace(name) != ""
}
