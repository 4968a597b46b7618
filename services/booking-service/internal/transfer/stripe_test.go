package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
)

type fakeStripe struct {
	customer   *stripe.Customer
	intent     *stripe.PaymentIntent
	created    []*stripe.PaymentIntentParams
	captureErr error
	gets       int
	refunds    []*stripe.RefundParams
}

func (f *fakeStripe) GetCustomer(string, *stripe.CustomerParams) (*stripe.Customer, error) {
	return f.customer, nil
}

func (f *fakeStripe) NewPaymentIntent(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = append(f.created, p)
	return f.intent, nil
}

func (f *fakeStripe) GetPaymentIntent(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.gets++
	return f.intent, nil
}

func (f *fakeStripe) CapturePaymentIntent(string, *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.intent.Status = stripe.PaymentIntentStatusSucceeded
	return f.intent, nil
}

func (f *fakeStripe) NewRefund(p *stripe.RefundParams) (*stripe.Refund, error) {
	f.refunds = append(f.refunds, p)
	return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
}

func newFakeStripe() *fakeStripe {
	ref := testRef()
	return &fakeStripe{
		customer: &stripe.Customer{
			ID:              "alice",
			InvoiceSettings: &stripe.CustomerInvoiceSettings{DefaultPaymentMethod: &stripe.PaymentMethod{ID: "pm_1"}},
		},
		intent: &stripe.PaymentIntent{
			ID:           "pi_1",
			Amount:       ref.Amount.Amount,
			Currency:     stripe.CurrencyUSD,
			Status:       stripe.PaymentIntentStatusRequiresCapture,
			Metadata:     map[string]string{"slot_id": ref.SlotID, "buyer": ref.Buyer, "reference": ref.Key()},
			LatestCharge: &stripe.Charge{ID: "ch_1"},
		},
	}
}

func TestStripeTwoLegs(t *testing.T) {
	ctx := context.Background()
	api := newFakeStripe()
	c := &StripeClient{api: api, pollInterval: time.Millisecond}
	ref := testRef()

	el, err := c.CheckEligibility(ctx, "alice", ref.Amount)
	if err != nil || !el.Sufficient {
		t.Fatalf("eligibility = %+v %v", el, err)
	}
	apv, err := c.Approve(ctx, ref)
	if err != nil || apv != "apv:pi_1" {
		t.Fatalf("Approve = %q %v", apv, err)
	}
	p := api.created[0]
	if *p.CaptureMethod != string(stripe.PaymentIntentCaptureMethodManual) || *p.IdempotencyKey != ref.Key()+":approve" {
		t.Fatalf("unexpected intent params %+v", p)
	}
	if *p.TransferData.Destination != "provider-1" || *p.PaymentMethod != "pm_1" {
		t.Fatal("payee or payment method not forwarded")
	}
	if _, err := c.AwaitConfirmation(ctx, apv, time.Second); err != nil {
		t.Fatalf("await approval: %v", err)
	}

	h, err := c.SubmitTransfer(ctx, ref)
	if err != nil || h != "cap:pi_1" {
		t.Fatalf("SubmitTransfer = %q %v", h, err)
	}
	events, err := c.AwaitConfirmation(ctx, h, time.Second)
	if err != nil {
		t.Fatalf("await transfer: %v", err)
	}
	rcpt, ok := MatchReceipt(events, ref)
	if !ok || rcpt.ReceiptID != "ch_1" {
		t.Fatalf("receipt = %+v %v", rcpt, ok)
	}
}

func TestStripeTimeoutAndAmbiguousCapture(t *testing.T) {
	ctx := context.Background()
	api := newFakeStripe()
	c := &StripeClient{api: api, pollInterval: time.Millisecond}

	if _, err := c.AwaitConfirmation(ctx, "cap:pi_1", 20*time.Millisecond); !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected timeout while uncaptured, got %v", err)
	}
	if api.gets < 2 {
		t.Fatalf("expected polling, got %d reads", api.gets)
	}

	api.captureErr = &stripe.Error{HTTPStatusCode: 502}
	h, err := c.SubmitTransfer(ctx, testRef())
	if !errors.Is(err, ErrAmbiguousSubmission) || h != "cap:pi_1" {
		t.Fatalf("expected ambiguous capture, got %q %v", h, err)
	}

	api.captureErr = &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined}
	if _, err := c.SubmitTransfer(ctx, testRef()); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestStripeIdempotencyIsScopedToAttempt(t *testing.T) {
	ctx := context.Background()
	api := newFakeStripe()
	c := &StripeClient{api: api, pollInterval: time.Millisecond}

	first, second := testRef(), testRef()
	first.AttemptID, second.AttemptID = "att-1", "att-2"
	if _, err := c.Approve(ctx, first); err != nil {
		t.Fatalf("Approve first: %v", err)
	}
	if _, err := c.Approve(ctx, second); err != nil {
		t.Fatalf("Approve second: %v", err)
	}
	if len(api.created) != 2 {
		t.Fatalf("expected two intents, got %d", len(api.created))
	}
	a, b := api.created[0], api.created[1]
	if *a.IdempotencyKey == *b.IdempotencyKey {
		t.Fatalf("attempts share idempotency key %q", *a.IdempotencyKey)
	}
	if a.Metadata["reference"] != first.Key() || b.Metadata["reference"] != first.Key() {
		t.Fatal("reference metadata must stay the triple key")
	}
	if a.Metadata["attempt_id"] != "att-1" || b.Metadata["attempt_id"] != "att-2" {
		t.Fatalf("attempt metadata = %q %q", a.Metadata["attempt_id"], b.Metadata["attempt_id"])
	}
}

func TestStripeRefund(t *testing.T) {
	api := newFakeStripe()
	c := &StripeClient{api: api, pollInterval: time.Millisecond}
	ref := testRef()
	ref.AttemptID = "att-1"

	if err := c.Refund(context.Background(), ref, "ch_1"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if len(api.refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(api.refunds))
	}
	p := api.refunds[0]
	if *p.Charge != "ch_1" || *p.IdempotencyKey != "refund:ch_1" || !*p.ReverseTransfer {
		t.Fatalf("unexpected refund params %+v", p)
	}
	if p.Metadata["reference"] != ref.Key() {
		t.Fatal("refund not tagged with the reference")
	}
}
