package server

import (
	"encoding/json"

	"trustgate/internal/commerce"
	"trustgate/internal/domain"
)

// Request payloads

type CheckoutRequest struct {
	Transaction     *commerce.Transaction `json:"transaction,omitempty"`
	SourceToken     string                `json:"sourceToken,omitempty"`
	ClientIPAddress string                `json:"clientIpAddress,omitempty"`
	Customer        *commerce.Customer    `json:"customer,omitempty"`
}

type ApplyPromoRequest struct {
	PromoCode       string `json:"promoCode"`
	SourceToken     string `json:"sourceToken,omitempty"`
	ClientIPAddress string `json:"clientIpAddress,omitempty"`
}

type DevLoginRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type WhoAmIResponse struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ServiceID string `json:"service_id,omitempty"`
	Source    string `json:"source"`
}

type VerificationRecordResponse struct {
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

type paginatedRecords struct {
	Items      []VerificationRecordResponse `json:"items"`
	NextCursor string                       `json:"next_cursor,omitempty"`
}

type VerificationChainResponse struct {
	VerificationID string                       `json:"verification_id"`
	Status         string                       `json:"status"`
	Steps          int                          `json:"steps"`
	Records        []VerificationRecordResponse `json:"records"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DeliveryResponse struct {
	ID           string `json:"id"`
	EventName    string `json:"event_name"`
	Success      bool   `json:"success"`
	Attempts     int    `json:"attempts"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type StatsResponse struct {
	Checkpoint string         `json:"checkpoint,omitempty"`
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
}

func recordResponse(rec domain.VerificationRecord) VerificationRecordResponse {
	return VerificationRecordResponse{
		ID:                     rec.ID,
		CheckpointName:         rec.CheckpointName,
		Status:                 rec.Status,
		Success:                rec.Success,
		VerificationID:         rec.VerificationID,
		PreviousVerificationID: rec.PreviousVerificationID,
		VerificationStatus:     rec.VerificationStatus,
		Outcome:                rec.Outcome,
		SessionID:              rec.SessionID,
		UserID:                 rec.UserID,
		IP:                     rec.IP,
		ErrorMessage:           rec.ErrorMessage,
		DurationMS:             rec.DurationMS,
		CreatedAt:              rec.CreatedAt,
	}
}

func mapRecords(items []domain.VerificationRecord) []VerificationRecordResponse {
	out := make([]VerificationRecordResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, recordResponse(rec))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	res := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		SessionID:  evt.SessionID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		res.Payload = json.RawMessage(evt.Payload)
	}
	return res
}

func deliveryResponse(d domain.EventDelivery) DeliveryResponse {
	return DeliveryResponse{
		ID:           d.ID,
		EventName:    d.EventName,
		Success:      d.Success,
		Attempts:     d.Attempts,
		SessionID:    d.SessionID,
		UserID:       d.UserID,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
	}
}
