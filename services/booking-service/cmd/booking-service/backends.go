package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slotchain/slotchain/libs/config"
	"github.com/slotchain/slotchain/libs/db"
	"github.com/slotchain/slotchain/libs/runtime"
	"github.com/slotchain/slotchain/services/booking-service/internal/access"
	"github.com/slotchain/slotchain/services/booking-service/internal/inbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/model"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/scheduling"
	"github.com/slotchain/slotchain/services/booking-service/internal/storage"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

type stores struct {
	slots     storage.SlotStore
	bookings  storage.BookingStore
	providers storage.AvailabilityStore
	events    outbox.Emitter
	local     *outbox.Memory
	locker    scheduling.ProviderLocker
	inbox     inbox.Store

	pool   *db.Pool
	outbox *outbox.Repository
	checks []runtime.ReadyCheck
}

// openStores selects STORAGE_BACKEND: "postgres" (default when DATABASE_URL
// is set) or "memory".
func openStores(ctx context.Context, logger *slog.Logger) (*stores, error) {
	backend := strings.ToLower(config.String("STORAGE_BACKEND", ""))
	dbURL := config.String("DATABASE_URL", "")
	if backend == "" {
		backend = "memory"
		if dbURL != "" {
			backend = "postgres"
		}
	}

	switch backend {
	case "memory":
		events := outbox.NewMemory()
		mem := storage.NewMemory(time.Now, events)
		logger.Warn("using in-memory storage; data is lost on restart")
		return &stores{
			slots:     mem,
			bookings:  mem,
			providers: mem,
			events:    events,
			local:     events,
			locker:    scheduling.NewKeyedMutex(),
			inbox:     inbox.NewMemory(),
		}, nil
	case "postgres":
		if dbURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for STORAGE_BACKEND=postgres")
		}
		pool, err := db.OpenWithConfig(ctx, dbURL, db.PoolConfig{
			MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		})
		if err != nil {
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		ob := outbox.NewRepository(pool)
		return &stores{
			slots:     storage.NewSlotRepository(pool, time.Now),
			bookings:  storage.NewBookingRepository(pool, ob),
			providers: storage.NewAvailabilityRepository(pool),
			events:    ob,
			locker:    scheduling.NewAdvisoryLocker(pool),
			inbox:     inbox.NewRepository(pool),
			pool:      pool,
			outbox:    ob,
			checks:    []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type transferBackend interface {
	transfer.Client
	transfer.Refunder
}

// openTransfer selects TRANSFER_BACKEND: "ledger" (in-process) or "stripe".
func openTransfer(logger *slog.Logger) (transferBackend, error) {
	switch backend := strings.ToLower(config.String("TRANSFER_BACKEND", "ledger")); backend {
	case "ledger":
		ledger := transfer.NewLedger(transfer.LedgerOptions{
			ConfirmAfter: config.Duration("LEDGER_CONFIRM_AFTER", time.Millisecond),
		})
		// LEDGER_FUND=alice:10000:USD,bob:500:EUR
		for _, entry := range config.List("LEDGER_FUND", "") {
			account, money, ok := parseFunding(entry)
			if !ok {
				logger.Warn("invalid LEDGER_FUND entry", "value", entry)
				continue
			}
			ledger.Fund(account, money)
		}
		logger.Warn("using in-process ledger for value transfers")
		return ledger, nil
	case "stripe":
		key, err := config.RequiredString("STRIPE_SECRET_KEY")
		if err != nil {
			return nil, err
		}
		return transfer.NewStripeClient(key), nil
	default:
		return nil, fmt.Errorf("unknown TRANSFER_BACKEND %q", backend)
	}
}

func parseFunding(entry string) (string, model.Money, bool) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", model.Money{}, false
	}
	amount, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || amount <= 0 {
		return "", model.Money{}, false
	}
	return parts[0], model.Money{Amount: amount, Currency: strings.ToUpper(parts[2])}, true
}

// openRedis returns nil when REDIS_ADDR is unset.
func openRedis(ctx context.Context) (*redis.Client, error) {
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func nonceStore(rdb *redis.Client) access.NonceStore {
	if rdb == nil {
		if config.Bool("ACCESS_REQUIRE_NONCE", false) {
			return access.NewMemoryNonceStore(time.Now)
		}
		return nil
	}
	return access.NewRedisNonceStore(rdb, config.String("ACCESS_NONCE_PREFIX", "slotchain:nonce"))
}
