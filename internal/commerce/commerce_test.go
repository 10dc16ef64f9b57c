package commerce

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"trustgate/internal/config"
	"trustgate/internal/gate"
	"trustgate/pkg/verification"
)

type fakeCheckpoints struct {
	results map[string]verification.CheckpointResult
	calls   []verification.CheckpointRequest
}

func (f *fakeCheckpoints) Execute(ctx context.Context, req verification.CheckpointRequest, peerIP string) verification.CheckpointResult {
	f.calls = append(f.calls, req)
	if res, ok := f.results[req.CheckpointName]; ok {
		return res
	}
	return verification.ErrorResult("no result")
}

type fakeEvents struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeEvents) Go(ctx context.Context, req verification.EventRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, req.EventName)
}

func allowed() verification.CheckpointResult {
	return verification.CheckpointResult{Success: true, Status: verification.StatusAllowed, Verification: &verification.Verification{ID: "v1"}}
}

func newService(cp *fakeCheckpoints, ev *fakeEvents) Service {
	return Service{
		Checkpoints: cp,
		Events:      ev,
		Config:      config.Default(),
		Logger:      log.New(io.Discard, "", 0),
		Domain:      "https://shop.example.com",
	}
}

func physicalTxn() *Transaction {
	return &Transaction{
		ExternalID:      "order-1",
		Amount:          19.99,
		ShippingAddress: &Address{FirstName: "Ada", Line1: "1 Main St", PostalCode: "12345"},
		BillingAddress:  &Address{FirstName: "Ada"},
		CardBin:         "424242",
		CardLast4:       "4242",
		LineItems:       []LineItem{{ProductID: "p1", Name: "Mug", UnitPrice: 9.995, Quantity: 2}},
	}
}

func TestCheckoutAllowedEmitsSuccessEvents(t *testing.T) {
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{
		CheckpointApplyPromo: allowed(),
		CheckpointPurchase:   allowed(),
	}}
	ev := &fakeEvents{}
	txn := physicalTxn()
	txn.PromoCode = "percent10"
	res := newService(cp, ev).Checkout(context.Background(), txn, "tok", Caller{UserID: "u1", SessionID: "s1"})
	if !res.Success || res.Error != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(cp.calls) != 2 || cp.calls[0].CheckpointName != CheckpointApplyPromo || cp.calls[1].CheckpointName != CheckpointPurchase {
		t.Fatalf("unexpected checkpoint calls %+v", cp.calls)
	}
	payload := cp.calls[1].Payload
	if payload["promoCode"] != "PERCENT10" || payload["promoType"] != "GENERAL" {
		t.Fatalf("promo missing from payload: %+v", payload)
	}
	txnPayload := payload["transaction"].(map[string]any)
	if txnPayload["amount"] != int64(1999) || txnPayload["currency"] != "USD" {
		t.Fatalf("unexpected transaction payload %+v", txnPayload)
	}
	if cp.calls[1].UserID != "u1" || cp.calls[1].SessionID != "s1" || cp.calls[1].SourceToken != "tok" {
		t.Fatalf("identity not forwarded: %+v", cp.calls[1])
	}
	want := []string{EventPurchaseSuccess, "PURCHASE_SUCCESS_WITH_PROMO_CODE_PERCENT10", "PURCHASE_SUCCESS_WITH_PROMO_CATEGORY_GENERAL"}
	if len(ev.names) != len(want) {
		t.Fatalf("unexpected events %v", ev.names)
	}
	for i, name := range want {
		if ev.names[i] != name {
			t.Fatalf("event %d = %s, want %s", i, ev.names[i], name)
		}
	}
}

func TestCheckoutDenied(t *testing.T) {
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{
		CheckpointPurchase: {Success: true, Status: verification.StatusDenied},
	}}
	ev := &fakeEvents{}
	res := newService(cp, ev).Checkout(context.Background(), physicalTxn(), "", Caller{})
	if res.Success || res.Error != msgCheckoutDenied {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(ev.names) != 1 || ev.names[0] != EventPurchaseDenied {
		t.Fatalf("unexpected events %v", ev.names)
	}
}

func TestCheckoutRunningOrErrorFails(t *testing.T) {
	for _, status := range []verification.CheckpointResult{
		{Success: true, Status: verification.StatusRunning},
		verification.ErrorResult("service down"),
	} {
		cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointPurchase: status}}
		ev := &fakeEvents{}
		res := newService(cp, ev).Checkout(context.Background(), physicalTxn(), "", Caller{})
		if res.Success || res.Error != msgCheckoutFailed {
			t.Fatalf("status %s: unexpected result %+v", status.Status, res)
		}
		if len(ev.names) != 1 || ev.names[0] != EventPurchaseError {
			t.Fatalf("status %s: unexpected events %v", status.Status, ev.names)
		}
	}
}

func TestCheckoutFailOpen(t *testing.T) {
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointPurchase: verification.ErrorResult("down")}}
	svc := newService(cp, &fakeEvents{})
	svc.Policy = gate.Policy{FailOpen: true}
	if res := svc.Checkout(context.Background(), physicalTxn(), "", Caller{}); !res.Success {
		t.Fatalf("expected fail-open success, got %+v", res)
	}
}

func TestCheckoutValidation(t *testing.T) {
	cp := &fakeCheckpoints{}
	svc := newService(cp, &fakeEvents{})
	if res := svc.Checkout(context.Background(), nil, "", Caller{}); res.Error != msgTransactionRequired {
		t.Fatalf("unexpected result %+v", res)
	}
	txn := physicalTxn()
	txn.ShippingAddress = nil
	if res := svc.Checkout(context.Background(), txn, "", Caller{}); res.Error != msgShippingRequired {
		t.Fatalf("unexpected result %+v", res)
	}
	txn.PromoCode = "NOPE"
	if res := svc.Checkout(context.Background(), txn, "", Caller{}); res.Error != msgPromoFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(cp.calls) != 0 {
		t.Fatalf("no checkpoint should run, got %+v", cp.calls)
	}
}

func TestCheckoutDigitalDeliveryOmitsShipping(t *testing.T) {
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointPurchase: allowed()}}
	txn := physicalTxn()
	txn.IsDigitalDelivery = true
	txn.ShippingAddress = nil
	if res := newService(cp, &fakeEvents{}).Checkout(context.Background(), txn, "", Caller{}); !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	shipments := cp.calls[0].Payload["transaction"].(map[string]any)["shipments"].([]map[string]any)
	if shipments[0]["shippingAddress"] != nil || shipments[0]["isDigitalDelivery"] != true {
		t.Fatalf("unexpected shipment %+v", shipments[0])
	}
}

func TestApplyPromo(t *testing.T) {
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointApplyPromo: allowed()}}
	svc := newService(cp, &fakeEvents{})
	res := svc.ApplyPromo(context.Background(), "FIRSTORDER", "tok", Caller{UserID: "u1"})
	if !res.Success || res.Discount == nil || res.Discount.Category != "FIRST_PURCHASE" || res.Discount.Amount != 30 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := cp.calls[0].Payload; got["promoCode"] != "FIRSTORDER" || got["promoType"] != "FIRST_PURCHASE" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if res := svc.ApplyPromo(context.Background(), "BOGUS", "", Caller{}); res.Success || res.Error != msgInvalidPromo {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestApplyPromoDenialMessages(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"Promo already used", "Promo already used"},
		{`{"reason":"velocity"}`, msgPromoNotAllowed},
		{"", msgPromoNotAllowed},
	}
	for _, tc := range cases {
		res := verification.CheckpointResult{Success: true, Status: verification.StatusDenied, Verification: &verification.Verification{ID: "v"}}
		if tc.message != "" {
			res.Verification.StepData = &verification.StepData{CustomMessage: tc.message}
		}
		cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointApplyPromo: res}}
		got := newService(cp, &fakeEvents{}).ApplyPromo(context.Background(), "FIXED10", "", Caller{})
		if got.Success || got.Error != tc.want {
			t.Fatalf("message %q: got %+v", tc.message, got)
		}
	}
	cp := &fakeCheckpoints{results: map[string]verification.CheckpointResult{CheckpointApplyPromo: {Success: true, Status: verification.StatusRunning}}}
	if got := newService(cp, &fakeEvents{}).ApplyPromo(context.Background(), "FIXED10", "", Caller{}); got.Error != msgPromoFailed {
		t.Fatalf("unexpected result %+v", got)
	}
}
