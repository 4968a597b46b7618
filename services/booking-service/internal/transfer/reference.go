package transfer

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"

	"github.com/slotchain/slotchain/services/booking-service/internal/model"
)

// Reference ties a transfer to one reservation: the (slot, buyer, amount)
// triple. Payee is where the funds go and AttemptID names the booking
// attempt that issued the legs; neither is part of the identity.
type Reference struct {
	SlotID    string      `json:"slot_id"`
	Buyer     string      `json:"buyer"`
	Amount    model.Money `json:"amount"`
	Payee     string      `json:"payee,omitempty"`
	AttemptID string      `json:"attempt_id,omitempty"`
}

// idempotencyKey scopes a leg to one attempt, so a later attempt for the same
// triple is a new request rather than a replay of an earlier failure.
func (r Reference) idempotencyKey(leg string) string {
	if r.AttemptID == "" {
		return r.Key() + ":" + leg
	}
	return "attempt:" + r.AttemptID + ":" + leg
}

// Key is the Keccak-256 digest of the triple, hex encoded.
func (r Reference) Key() string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(r.SlotID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Buyer))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(r.Amount.Amount, 10)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Amount.Currency))
	return hex.EncodeToString(h.Sum(nil))
}

func (r Reference) matches(e ReceiptEvent) bool {
	return e.ReferenceKey == r.Key() &&
		e.SlotID == r.SlotID &&
		e.Buyer == r.Buyer &&
		e.Amount == r.Amount
}

// MatchReceipt picks the transfer receipt for ref out of events, ignoring
// approvals and unrelated transfers.
func MatchReceipt(events []ReceiptEvent, ref Reference) (ReceiptEvent, bool) {
	for _, e := range events {
		if e.Kind == KindTransfer && e.ReceiptID != "" && ref.matches(e) {
			return e, true
		}
	}
	return ReceiptEvent{}, false
}

// ReferenceOf rebuilds the reference carried by an event.
func ReferenceOf(e ReceiptEvent) Reference {
	return Reference{SlotID: e.SlotID, Buyer: e.Buyer, Amount: e.Amount}
}
