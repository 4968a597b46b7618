package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

// stripeAPI is the slice of stripe-go used here.
type stripeAPI interface {
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripePackages struct{}

func (stripePackages) GetCustomer(id string, p *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.Get(id, p)
}

func (stripePackages) NewPaymentIntent(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(p)
}

func (stripePackages) GetPaymentIntent(id string, p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, p)
}

func (stripePackages) CapturePaymentIntent(id string, p *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, p)
}

func (stripePackages) NewRefund(p *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(p)
}

// StripeClient maps the two legs onto a manual-capture PaymentIntent: the
// approval leg authorizes the buyer's default payment method, the transfer
// leg captures it. Buyers are Stripe customer ids and payees are connected
// account ids.
type StripeClient struct {
	api          stripeAPI
	pollInterval time.Duration
}

func NewStripeClient(secretKey string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{api: stripePackages{}, pollInterval: time.Second}
}

const (
	approvalPrefix = "apv:"
	capturePrefix  = "cap:"
)

func (c *StripeClient) CheckEligibility(ctx context.Context, buyer string, amount model.Money) (Eligibility, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.GetCustomer(buyer, params)
	if err != nil {
		return Eligibility{}, mapStripeErr(err)
	}
	usable := !cust.Deleted && cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil
	// Stripe customer balance is negative when the customer holds credit.
	return Eligibility{
		Sufficient: usable,
		Balance:    model.Money{Amount: -cust.Balance, Currency: amount.Currency},
	}, nil
}

func (c *StripeClient) Approve(ctx context.Context, ref Reference) (Handle, error) {
	custParams := &stripe.CustomerParams{}
	custParams.Context = ctx
	cust, err := c.api.GetCustomer(ref.Buyer, custParams)
	if err != nil {
		return "", mapStripeErr(err)
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", ErrInsufficientFunds
	}

	params := &stripe.PaymentIntentParams{
		PaymentMethod:      stripe.String(cust.InvoiceSettings.DefaultPaymentMethod.ID),
		Amount:             stripe.Int64(ref.Amount.Amount),
		Currency:           stripe.String(strings.ToLower(ref.Amount.Currency)),
		Customer:           stripe.String(ref.Buyer),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if ref.Payee != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{Destination: stripe.String(ref.Payee)}
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(ref.idempotencyKey("approve"))
	params.AddMetadata("slot_id", ref.SlotID)
	params.AddMetadata("buyer", ref.Buyer)
	params.AddMetadata("reference", ref.Key())
	if ref.AttemptID != "" {
		params.AddMetadata("attempt_id", ref.AttemptID)
	}

	pi, err := c.api.NewPaymentIntent(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return Handle(approvalPrefix + pi.ID), nil
}

func (c *StripeClient) SubmitTransfer(ctx context.Context, ref Reference) (Handle, error) {
	// the approval leg is idempotent per attempt, so this returns the same
	// PaymentIntent that was authorized earlier
	h, err := c.Approve(ctx, ref)
	if err != nil {
		return "", err
	}
	id := strings.TrimPrefix(string(h), approvalPrefix)

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(ref.idempotencyKey("capture"))
	if _, err := c.api.CapturePaymentIntent(id, params); err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode < 500 {
			return "", mapStripeErr(err)
		}
		return Handle(capturePrefix + id), ErrAmbiguousSubmission
	}
	return Handle(capturePrefix + id), nil
}

func (c *StripeClient) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) ([]ReceiptEvent, error) {
	kind, id := KindApproval, strings.TrimPrefix(string(h), approvalPrefix)
	if strings.HasPrefix(string(h), capturePrefix) {
		kind, id = KindTransfer, strings.TrimPrefix(string(h), capturePrefix)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		params.AddExpand("latest_charge")
		pi, err := c.api.GetPaymentIntent(id, params)
		if err != nil && !Retryable(mapStripeErr(err)) {
			return nil, mapStripeErr(err)
		}
		if err == nil {
			switch {
			case pi.Status == stripe.PaymentIntentStatusCanceled:
				return nil, ErrRejected
			case kind == KindApproval && (pi.Status == stripe.PaymentIntentStatusRequiresCapture || pi.Status == stripe.PaymentIntentStatusSucceeded):
				return []ReceiptEvent{intentEvent(KindApproval, h, pi)}, nil
			case kind == KindTransfer && pi.Status == stripe.PaymentIntentStatusSucceeded:
				return []ReceiptEvent{intentEvent(KindTransfer, h, pi)}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}

// Refund reverses the charge behind receiptID. The idempotency key is the
// receipt, so repeated requests collapse into one refund.
func (c *StripeClient) Refund(ctx context.Context, ref Reference, receiptID string) error {
	params := &stripe.RefundParams{Charge: stripe.String(receiptID)}
	if ref.Payee != "" {
		params.ReverseTransfer = stripe.Bool(true)
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("refund:" + receiptID)
	params.AddMetadata("reference", ref.Key())
	if ref.AttemptID != "" {
		params.AddMetadata("attempt_id", ref.AttemptID)
	}
	if _, err := c.api.NewRefund(params); err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func intentEvent(kind EventKind, h Handle, pi *stripe.PaymentIntent) ReceiptEvent {
	e := ReceiptEvent{
		Kind:         kind,
		Handle:       h,
		ReferenceKey: pi.Metadata["reference"],
		SlotID:       pi.Metadata["slot_id"],
		Buyer:        pi.Metadata["buyer"],
		Amount:       model.Money{Amount: pi.Amount, Currency: strings.ToUpper(string(pi.Currency))},
		ConfirmedAt:  time.Now().UTC(),
	}
	if kind == KindTransfer && pi.LatestCharge != nil {
		e.ReceiptID = pi.LatestCharge.ID
	}
	return e
}

func mapStripeErr(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return errors.Join(ErrUnavailable, err)
	}
	switch {
	case serr.Code == stripe.ErrorCodeCardDeclined || serr.Type == stripe.ErrorTypeCard:
		return errors.Join(ErrInsufficientFunds, err)
	case serr.HTTPStatusCode == 429 || serr.HTTPStatusCode >= 500:
		return errors.Join(ErrUnavailable, err)
	default:
		return errors.Join(ErrRejected, err)
	}
}

var (
	_ Client   = (*StripeClient)(nil)
	_ Refunder = (*StripeClient)(nil)
)
