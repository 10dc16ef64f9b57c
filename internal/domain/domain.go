package domain

// Event is one entry of the audit event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// VerificationRecord is the stored outcome of one checkpoint invocation.
type VerificationRecord struct {
	ID                     string `json:"id"`
	CheckpointName         string `json:"checkpoint_name"`
	Status                 string `json:"status" enum:"allowed,running,denied,error"`
	Success                bool   `json:"success"`
	VerificationID         string `json:"verification_id,omitempty"`
	PreviousVerificationID string `json:"previous_verification_id,omitempty"`
	VerificationStatus     string `json:"verification_status,omitempty"`
	Outcome                string `json:"outcome,omitempty"`
	SessionID              string `json:"session_id,omitempty"`
	UserID                 string `json:"user_id,omitempty"`
	IP                     string `json:"ip,omitempty"`
	ErrorMessage           string `json:"error_message,omitempty"`
	DurationMS             int64  `json:"duration_ms"`
	CreatedAt              string `json:"created_at" format:"date-time"`
}

// EventDelivery is the stored outcome of one emitted event.
type EventDelivery struct {
	ID           string `json:"id"`
	EventName    string `json:"event_name"`
	Success      bool   `json:"success"`
	Attempts     int    `json:"attempts"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Audit event types.
const (
	EventCheckpointCompleted = "checkpoint.completed"
	EventEventDelivered      = "event.delivered"
	EventEventFailed         = "event.failed"
)

// APIKey authenticates a backend service calling the checkpoint API.
type APIKey struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
