package trustgatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trustgate/pkg/verification"
)

func TestClientCheckpointOmitsEmptyFields(t *testing.T) {
	var raw map[string]any
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/checkpoint" {
			http.NotFound(w, r)
			return
		}
		authHeader = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &raw)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(verification.CheckpointResult{
			Success: true, Status: verification.StatusAllowed,
			Verification: &verification.Verification{ID: "v1", Status: verification.StateComplete, Outcome: verification.OutcomeApproved},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.BearerToken = "tok"
	res, err := c.Checkpoint(context.Background(), verification.CheckpointRequest{CheckpointName: "LOGIN", SourceToken: "src"})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Status != verification.StatusAllowed || res.Verification.ID != "v1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if authHeader != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", authHeader)
	}
	if raw["sourceToken"] != "src" {
		t.Fatalf("source token missing: %v", raw)
	}
	for _, key := range []string{"sessionId", "userId", "verificationId", "clientIpAddress"} {
		if _, ok := raw[key]; ok {
			t.Fatalf("%s should be omitted: %v", key, raw)
		}
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.Event(context.Background(), verification.EventRequest{EventName: "X"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || !strings.Contains(apiErr.Body, "unauthorized") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestClientVerifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verifications":
			if r.URL.Query().Get("limit") != "5" || r.URL.Query().Get("cursor") != "a|b" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"items":[{"id":"r1","status":"allowed"}],"next_cursor":"c"}`))
		case "/verifications/v%201", "/verifications/v 1":
			_, _ = w.Write([]byte(`{"verification_id":"v 1","steps":1,"records":[{"id":"r1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	page, err := c.Verifications(context.Background(), 5, "a|b")
	if err != nil || len(page.Items) != 1 || page.NextCursor != "c" {
		t.Fatalf("unexpected page %+v %v", page, err)
	}
	chain, err := c.Verification(context.Background(), "v 1")
	if err != nil || chain.Steps != 1 {
		t.Fatalf("unexpected chain %+v %v", chain, err)
	}
}

func TestClientDrivesHandler(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verification.CheckpointRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		calls++
		res := verification.CheckpointResult{Success: true, Status: verification.StatusRunning, Verification: &verification.Verification{
			ID: "v1", Status: verification.StateBlocked, Outcome: verification.OutcomePending,
		}}
		if req.VerificationID == "v1" {
			res = verification.CheckpointResult{Success: true, Status: verification.StatusAllowed, Verification: &verification.Verification{
				ID: "v1", Status: verification.StateComplete, Outcome: verification.OutcomeApproved,
			}}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	approved := 0
	h := &Handler{Submitter: New(srv.URL), Steps: noopStep()}
	res := h.Process(context.Background(), verification.CheckpointRequest{CheckpointName: "VERIFY_EMAIL"}, Callbacks{
		OnApproved: func(*verification.Verification) { approved++ },
	})
	if res.Phase != verification.PhaseApproved || approved != 1 || calls != 2 {
		t.Fatalf("unexpected result %+v approved=%d calls=%d", res, approved, calls)
	}
}
