package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

// LedgerOptions shape how the in-process ledger behaves. The zero value
// confirms every leg immediately.
type LedgerOptions struct {
	// ConfirmAfter delays finality of transfer legs.
	ConfirmAfter time.Duration
	// ApprovalConfirmAfter delays finality of approval legs.
	ApprovalConfirmAfter time.Duration
	// Noise adds unrelated events to each confirmation.
	Noise bool
	// DropReceipts confirms transfers without emitting their receipt.
	DropReceipts bool
	// AmbiguousSubmits makes SubmitTransfer execute but report an unknown outcome.
	AmbiguousSubmits bool
	// Unavailable makes the next N eligibility reads fail transiently.
	Unavailable int
}

type leg struct {
	kind      EventKind
	ref       Reference
	receiptID string
	confirmAt time.Time
}

// Ledger is an in-process value-transfer system with balances, approvals
// and delayed finality. It backs local development and tests.
type Ledger struct {
	mu        sync.Mutex
	opts      LedgerOptions
	now       func() time.Time
	balances  map[string]int64
	approvals map[string]Handle
	legs      map[Handle]*leg
	refunded  map[string]bool
}

func NewLedger(opts LedgerOptions) *Ledger {
	return &Ledger{
		opts:      opts,
		now:       time.Now,
		balances:  map[string]int64{},
		approvals: map[string]Handle{},
		legs:      map[Handle]*leg{},
		refunded:  map[string]bool{},
	}
}

func balanceKey(account, currency string) string { return account + "/" + currency }

// Fund credits account with m.
func (l *Ledger) Fund(account string, m model.Money) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey(account, m.Currency)] += m.Amount
}

func (l *Ledger) Balance(account, currency string) model.Money {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Money{Amount: l.balances[balanceKey(account, currency)], Currency: currency}
}

// SetOptions swaps behaviour at runtime.
func (l *Ledger) SetOptions(opts LedgerOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = opts
}

func (l *Ledger) CheckEligibility(ctx context.Context, buyer string, amount model.Money) (Eligibility, error) {
	if err := ctx.Err(); err != nil {
		return Eligibility{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opts.Unavailable > 0 {
		l.opts.Unavailable--
		return Eligibility{}, ErrUnavailable
	}
	bal := l.balances[balanceKey(buyer, amount.Currency)]
	return Eligibility{
		Sufficient: bal >= amount.Amount,
		Balance:    model.Money{Amount: bal, Currency: amount.Currency},
	}, nil
}

func (l *Ledger) Approve(ctx context.Context, ref Reference) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.approvals[ref.Key()]; ok {
		return h, nil
	}
	h := Handle("apv_" + uuid.NewString())
	l.approvals[ref.Key()] = h
	l.legs[h] = &leg{kind: KindApproval, ref: ref, confirmAt: l.now().Add(l.opts.ApprovalConfirmAfter)}
	return h, nil
}

// SubmitTransfer debits the buyer and credits the payee at submission.
func (l *Ledger) SubmitTransfer(ctx context.Context, ref Reference) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.approvals[ref.Key()]; !ok {
		return "", ErrRejected
	}
	from := balanceKey(ref.Buyer, ref.Amount.Currency)
	if l.balances[from] < ref.Amount.Amount {
		return "", ErrInsufficientFunds
	}
	l.balances[from] -= ref.Amount.Amount
	l.balances[balanceKey(ref.Payee, ref.Amount.Currency)] += ref.Amount.Amount
	delete(l.approvals, ref.Key())

	h := Handle("txf_" + uuid.NewString())
	l.legs[h] = &leg{
		kind:      KindTransfer,
		ref:       ref,
		receiptID: "rcpt_" + uuid.NewString(),
		confirmAt: l.now().Add(l.opts.ConfirmAfter),
	}
	if l.opts.AmbiguousSubmits {
		return h, ErrAmbiguousSubmission
	}
	return h, nil
}

// Refund moves the transfer that produced receiptID back from the payee to
// the buyer. The receipt must belong to ref.
func (l *Ledger) Refund(ctx context.Context, ref Reference, receiptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refunded[receiptID] {
		return nil
	}
	var found *leg
	for _, lg := range l.legs {
		if lg.kind == KindTransfer && lg.receiptID == receiptID {
			found = lg
			break
		}
	}
	if found == nil || found.ref.Key() != ref.Key() {
		return ErrRejected
	}
	amt := found.ref.Amount
	l.balances[balanceKey(found.ref.Payee, amt.Currency)] -= amt.Amount
	l.balances[balanceKey(found.ref.Buyer, amt.Currency)] += amt.Amount
	l.refunded[receiptID] = true
	return nil
}

func (l *Ledger) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) ([]ReceiptEvent, error) {
	l.mu.Lock()
	lg, ok := l.legs[h]
	l.mu.Unlock()
	if !ok {
		return nil, ErrRejected
	}

	wait := lg.confirmAt.Sub(l.now())
	if wait > 0 {
		if wait > timeout {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, ErrConfirmationTimeout
			}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return l.events(h, lg), nil
}

func (l *Ledger) events(h Handle, lg *leg) []ReceiptEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	confirmed := l.now()
	var out []ReceiptEvent
	if l.opts.Noise {
		out = append(out,
			ReceiptEvent{Kind: KindOther, Handle: h, ConfirmedAt: confirmed},
			ReceiptEvent{
				Kind:         KindTransfer,
				Handle:       Handle("txf_" + uuid.NewString()),
				ReferenceKey: Reference{SlotID: "other", Buyer: lg.ref.Buyer, Amount: lg.ref.Amount}.Key(),
				SlotID:       "other",
				Buyer:        lg.ref.Buyer,
				Amount:       lg.ref.Amount,
				ReceiptID:    "rcpt_" + uuid.NewString(),
				ConfirmedAt:  confirmed,
			},
		)
	}
	if lg.kind == KindTransfer && l.opts.DropReceipts {
		return out
	}
	return append(out, ReceiptEvent{
		Kind:         lg.kind,
		Handle:       h,
		ReferenceKey: lg.ref.Key(),
		SlotID:       lg.ref.SlotID,
		Buyer:        lg.ref.Buyer,
		Amount:       lg.ref.Amount,
		ReceiptID:    lg.receiptID,
		ConfirmedAt:  confirmed,
	})
}

var (
	_ Client   = (*Ledger)(nil)
	_ Refunder = (*Ledger)(nil)
)
