// Package commerce implements the checkout and promo code flows that sit
// behind PURCHASE and APPLY_PROMO checkpoints.
package commerce

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"

	"trustgate/internal/config"
	"trustgate/internal/gate"
	"trustgate/pkg/verification"
)

const (
	CheckpointPurchase   = "PURCHASE"
	CheckpointApplyPromo = "APPLY_PROMO"

	EventPurchaseSuccess           = "PURCHASE_SUCCESS"
	EventPurchaseDenied            = "PURCHASE_DENIED"
	EventPurchaseError             = "PURCHASE_ERROR"
	eventPurchaseWithPromoCode     = "PURCHASE_SUCCESS_WITH_PROMO_CODE_"
	eventPurchaseWithPromoCategory = "PURCHASE_SUCCESS_WITH_PROMO_CATEGORY_"
)

const (
	msgTransactionRequired = "Transaction is required"
	msgShippingRequired    = "Shipping address is required for physical products"
	msgCheckoutDenied      = "Checkout denied"
	msgCheckoutFailed      = "Unable to checkout"
	msgInvalidPromo        = "Invalid promo code"
	msgPromoNotAllowed     = "Promo code is not allowed"
	msgPromoFailed         = "Unable to apply promo code"
)

// Checkpoints runs a checkpoint and normalizes the outcome.
type Checkpoints interface {
	Execute(ctx context.Context, req verification.CheckpointRequest, peerIP string) verification.CheckpointResult
}

// Events sends events without waiting for the outcome.
type Events interface {
	Go(ctx context.Context, req verification.EventRequest)
}

type Service struct {
	Checkpoints Checkpoints
	Events      Events
	Config      *config.Config
	Policy      gate.Policy
	Logger      *log.Logger
	// Domain is reported as the storefront the order was placed from.
	Domain string
	Brand  string
}

func (s Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Caller identifies who is checking out and from where.
type Caller struct {
	UserID    string
	SessionID string
	PeerIP    string
	ClientIP  string
	Customer  *Customer
}

type Customer struct {
	ExternalID string `json:"externalId,omitempty"`
	Email      string `json:"primaryEmail,omitempty"`
	Phone      string `json:"primaryPhone,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
}

type Address struct {
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

type LineItem struct {
	ProductID   string  `json:"productId,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	UnitPrice   float64 `json:"unitPrice"`
	Quantity    int     `json:"quantity"`
}

// Transaction amounts are in major currency units.
type Transaction struct {
	ExternalID        string     `json:"externalId,omitempty"`
	Amount            float64    `json:"amount"`
	PromoCode         string     `json:"promoCode,omitempty"`
	IsDigitalDelivery bool       `json:"isDigitalDelivery,omitempty"`
	ShippingAddress   *Address   `json:"shippingAddress,omitempty"`
	BillingAddress    *Address   `json:"billingAddress,omitempty"`
	CardHolderName    string     `json:"cardHolderName,omitempty"`
	CardBin           string     `json:"cardBin,omitempty"`
	CardLast4         string     `json:"cardLast4,omitempty"`
	LineItems         []LineItem `json:"lineItems,omitempty"`
}

type Discount struct {
	Code     string  `json:"code"`
	Category string  `json:"category"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
}

type CheckoutResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type PromoResult struct {
	Success  bool      `json:"success"`
	Discount *Discount `json:"discount,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ApplyPromo checks a promo code against the catalog and the APPLY_PROMO
// checkpoint.
func (s Service) ApplyPromo(ctx context.Context, code, sourceToken string, caller Caller) PromoResult {
	discount, err := s.applyPromo(ctx, code, sourceToken, caller)
	if err != nil {
		return PromoResult{Error: err.Error()}
	}
	return PromoResult{Success: true, Discount: &discount}
}

func (s Service) applyPromo(ctx context.Context, code, sourceToken string, caller Caller) (Discount, error) {
	if s.Config == nil {
		return Discount{}, errors.New(msgInvalidPromo)
	}
	promo, ok := s.Config.Promo(code)
	if !ok {
		return Discount{}, errors.New(msgInvalidPromo)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	discount := Discount{Code: code, Category: promo.Category, Type: promo.Type, Amount: promo.Amount}

	res := s.Checkpoints.Execute(ctx, verification.CheckpointRequest{
		CheckpointName:  CheckpointApplyPromo,
		Payload:         map[string]any{"promoCode": code, "promoType": promo.Category},
		SourceToken:     sourceToken,
		SessionID:       caller.SessionID,
		UserID:          caller.UserID,
		ClientIPAddress: caller.ClientIP,
	}, caller.PeerIP)
	d := s.Policy.Evaluate(res)
	switch {
	case d.Allow:
		if d.FailedOpen {
			s.logger().Printf("promo %s: allowed by fail mode: %s", code, d.Reason)
		}
		return discount, nil
	case d.Outcome == gate.OutcomeDeny:
		if d.Message != "" {
			return Discount{}, errors.New(d.Message)
		}
		return Discount{}, errors.New(msgPromoNotAllowed)
	}
	s.logger().Printf("promo %s: %s", code, d.Reason)
	return Discount{}, errors.New(msgPromoFailed)
}

// Checkout runs the PURCHASE checkpoint for txn, applying its promo code
// first, and emits the matching purchase events.
func (s Service) Checkout(ctx context.Context, txn *Transaction, sourceToken string, caller Caller) CheckoutResult {
	if txn == nil {
		return CheckoutResult{Error: msgTransactionRequired}
	}
	var discount *Discount
	if strings.TrimSpace(txn.PromoCode) != "" {
		d, err := s.applyPromo(ctx, txn.PromoCode, sourceToken, caller)
		if err != nil {
			s.logger().Printf("checkout: promo %s rejected: %v", txn.PromoCode, err)
			return CheckoutResult{Error: msgPromoFailed}
		}
		discount = &d
	}
	if !txn.IsDigitalDelivery && txn.ShippingAddress == nil {
		return CheckoutResult{Error: msgShippingRequired}
	}

	payload := s.purchasePayload(txn, caller, discount)
	emit := func(name string) {
		if s.Events == nil {
			return
		}
		s.Events.Go(ctx, verification.EventRequest{
			EventName:   name,
			Payload:     payload,
			SourceToken: sourceToken,
			SessionID:   caller.SessionID,
			UserID:      caller.UserID,
		})
	}

	res := s.Checkpoints.Execute(ctx, verification.CheckpointRequest{
		CheckpointName:  CheckpointPurchase,
		Payload:         payload,
		SourceToken:     sourceToken,
		SessionID:       caller.SessionID,
		UserID:          caller.UserID,
		ClientIPAddress: caller.ClientIP,
	}, caller.PeerIP)
	d := s.Policy.Evaluate(res)
	switch {
	case d.Allow:
		if d.FailedOpen {
			s.logger().Printf("checkout: allowed by fail mode: %s", d.Reason)
		}
		emit(EventPurchaseSuccess)
		if discount != nil {
			emit(eventPurchaseWithPromoCode + discount.Code)
			emit(eventPurchaseWithPromoCategory + discount.Category)
		}
		return CheckoutResult{Success: true}
	case d.Outcome == gate.OutcomeDeny:
		emit(EventPurchaseDenied)
		return CheckoutResult{Error: msgCheckoutDenied}
	}
	emit(EventPurchaseError)
	s.logger().Printf("checkout: %s", d.Reason)
	return CheckoutResult{Error: msgCheckoutFailed}
}

func (s Service) purchasePayload(txn *Transaction, caller Caller, discount *Discount) map[string]any {
	customer := map[string]any{"externalId": caller.UserID}
	if c := caller.Customer; c != nil {
		if c.ExternalID != "" {
			customer["externalId"] = c.ExternalID
		}
		putNonEmpty(customer, "primaryEmail", c.Email)
		putNonEmpty(customer, "primaryPhone", c.Phone)
		putNonEmpty(customer, "firstName", c.FirstName)
		putNonEmpty(customer, "lastName", c.LastName)
	}

	items := make([]map[string]any, 0, len(txn.LineItems))
	for _, item := range txn.LineItems {
		items = append(items, map[string]any{
			"unitAmount": cents(item.UnitPrice),
			"numUnits":   item.Quantity,
			"product": map[string]any{
				"externalId":  item.ProductID,
				"name":        item.Name,
				"description": item.Description,
				"brand":       item.Brand,
			},
		})
	}

	shipment := map[string]any{
		"isExpedited":       false,
		"isDigitalDelivery": txn.IsDigitalDelivery,
		"shippingAddress":   nil,
	}
	if !txn.IsDigitalDelivery {
		shipment["shippingAddress"] = addressMap(txn.ShippingAddress)
	}

	transaction := map[string]any{
		"externalId": txn.ExternalID,
		"amount":     cents(txn.Amount),
		"currency":   "USD",
		"lineItems":  items,
		"shipments":  []map[string]any{shipment},
	}
	putNonEmpty(transaction, "orderedFromDomain", s.Domain)

	payload := map[string]any{
		"customer":    customer,
		"transaction": transaction,
		"paymentMethod": map[string]any{
			"type":           "CARD_DEBIT",
			"cardHolderName": txn.CardHolderName,
			"cardBin":        txn.CardBin,
			"cardLast4":      txn.CardLast4,
		},
	}
	if txn.BillingAddress != nil {
		payload["billingAddress"] = addressMap(txn.BillingAddress)
	}
	if s.Brand != "" {
		payload["siftSendEventCreateOrder"] = map[string]any{
			"inputs": map[string]any{"brandName": s.Brand, "siteCountry": "US"},
		}
	}
	if discount != nil {
		payload["promoCode"] = discount.Code
		payload["promoType"] = discount.Category
	}
	return payload
}

func addressMap(a *Address) map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"firstName":  a.FirstName,
		"lastName":   a.LastName,
		"line1":      a.Line1,
		"line2":      a.Line2,
		"postalCode": a.PostalCode,
	}
}

// cents converts a major-unit amount to integer minor units.
func cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
