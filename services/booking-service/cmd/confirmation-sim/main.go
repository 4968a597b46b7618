// confirmation-sim publishes a transfer confirmation to Kafka, the way the
// transfer system reports a late finality, so reconciliation can be
// exercised end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotchain/slotchain/libs/config"
	"github.com/slotchain/slotchain/libs/kafkax"
	"github.com/slotchain/slotchain/services/booking-service/internal/consumer"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

func main() {
	var (
		brokers  = flag.String("brokers", config.String("KAFKA_BROKERS", "localhost:9092"), "kafka brokers")
		topic    = flag.String("topic", config.String("KAFKA_CONFIRMATIONS_TOPIC", consumer.TopicTransferConfirmed), "confirmation topic")
		slotID   = flag.String("slot-id", "", "slot id")
		buyer    = flag.String("buyer", "", "buyer account")
		amount   = flag.Int64("amount", 0, "amount in minor units")
		currency = flag.String("currency", "USD", "currency code")
		handle   = flag.String("handle", "", "transfer handle")
		receipt  = flag.String("receipt-id", "", "receipt id (random when empty)")
	)
	flag.Parse()

	if strings.TrimSpace(*slotID) == "" || strings.TrimSpace(*buyer) == "" || *amount <= 0 {
		fatal("slot-id, buyer and a positive amount are required")
	}
	if *receipt == "" {
		*receipt = "rcpt_sim_" + uuid.NewString()
	}

	ref := transfer.Reference{
		SlotID: *slotID,
		Buyer:  *buyer,
		Amount: model.Money{Amount: *amount, Currency: strings.ToUpper(*currency)},
	}
	payload, err := json.Marshal(transfer.ReceiptEvent{
		Kind:         transfer.KindTransfer,
		Handle:       transfer.Handle(*handle),
		ReferenceKey: ref.Key(),
		SlotID:       ref.SlotID,
		Buyer:        ref.Buyer,
		Amount:       ref.Amount,
		ReceiptID:    *receipt,
		ConfirmedAt:  time.Now().UTC(),
	})
	if err != nil {
		fatal(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := kafkax.NewEventMessage(ctx, kafkax.EventMeta{EventID: uuid.NewString(), EventType: *topic}, ref.SlotID, payload)
	writer := kafkax.NewWriter(kafkax.SplitBrokers(*brokers))
	defer writer.Close()
	if err := writer.WriteMessages(ctx, msg); err != nil {
		fatal(err.Error())
	}
	fmt.Printf("published receipt=%s reference=%s\n", *receipt, ref.Key())
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
