package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/fees"
	"github.com/p2pdesk/escrow/internal/reputation"
	"github.com/p2pdesk/escrow/internal/store"
)

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx           = context.Background()

	seller = domain.Caller{UserID: "seller-1", TenantID: "tenant-1"}
	buyer  = domain.Caller{UserID: "buyer-1", TenantID: "tenant-1"}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// recordingAudit keeps every event for assertions.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, e domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

func (a *recordingAudit) has(event string) bool {
	for _, t := range a.types() {
		if t == event {
			return true
		}
	}
	return false
}

// countingRecorder tallies Recorder calls.
type countingRecorder struct {
	mu           sync.Mutex
	created      int
	completed    int
	cancelled    map[string]int
	disputes     int
	resolved     map[domain.Decision]int
	compensation map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		cancelled:    make(map[string]int),
		resolved:     make(map[domain.Decision]int),
		compensation: make(map[bool]int),
	}
}

func (r *countingRecorder) TradeCreated() {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *countingRecorder) TradeCompleted() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *countingRecorder) TradeCancelled(reason string) {
	r.mu.Lock()
	r.cancelled[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) DisputeOpened(domain.DisputeReason) {
	r.mu.Lock()
	r.disputes++
	r.mu.Unlock()
}

func (r *countingRecorder) DisputeResolved(d domain.Decision) {
	r.mu.Lock()
	r.resolved[d]++
	r.mu.Unlock()
}

func (r *countingRecorder) Compensation(restored bool) {
	r.mu.Lock()
	r.compensation[restored]++
	r.mu.Unlock()
}

// failingEscrows wraps an EscrowRepository and fails CreateEscrow.
type failingEscrows struct {
	EscrowRepository
	err error
}

func (f failingEscrows) CreateEscrow(context.Context, *domain.Escrow) error {
	return f.err
}

// flakyEscrows fails the next `fails` escrow writes that move an escrow
// to status failOn.
type flakyEscrows struct {
	EscrowRepository
	failOn domain.EscrowStatus
	err    error

	mu    sync.Mutex
	fails int
}

func (f *flakyEscrows) UpdateEscrow(ctx context.Context, e *domain.Escrow, expected ...domain.EscrowStatus) error {
	f.mu.Lock()
	if e.Status == f.failOn && f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.EscrowRepository.UpdateEscrow(ctx, e, expected...)
}

// flakyDisputes fails the next `fails` dispute updates.
type flakyDisputes struct {
	DisputeRepository
	err error

	mu    sync.Mutex
	fails int
}

func (f *flakyDisputes) UpdateDispute(ctx context.Context, d *domain.Dispute, expected ...domain.DisputeStatus) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.DisputeRepository.UpdateDispute(ctx, d, expected...)
}

// testEnv bundles the in-memory stores and every service wired together
// the way cmd/p2pescrow wires them.
type testEnv struct {
	orderStore   *store.OrderStore
	tradeStore   *store.TradeStore
	escrowStore  *store.EscrowStore
	disputeStore *store.DisputeStore
	messageStore *store.MessageStore
	reviewStore  *store.ReviewStore
	methodStore  *store.PaymentMethodStore

	audit    *recordingAudit
	recorder *countingRecorder

	orders   *OrderService
	escrow   *EscrowService
	trades   *TradeService
	disputes *DisputeService
	messages *MessageService
	reviews  *ReviewService
	methods  *PaymentMethodService
	matches  *MatchService
}

type envOption func(*TradeDeps)

func withEscrows(r EscrowRepository) envOption {
	return func(d *TradeDeps) { d.Escrow = NewEscrowService(r) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		orderStore:   store.NewOrderStore(),
		tradeStore:   store.NewTradeStore(),
		escrowStore:  store.NewEscrowStore(),
		disputeStore: store.NewDisputeStore(),
		messageStore: store.NewMessageStore(),
		reviewStore:  store.NewReviewStore(),
		methodStore:  store.NewPaymentMethodStore(),
		audit:        &recordingAudit{},
		recorder:     newCountingRecorder(),
	}
	env.orders = NewOrderService(env.orderStore, env.audit, discardLogger)
	env.escrow = NewEscrowService(env.escrowStore)
	env.reviews = NewReviewService(env.reviewStore, env.tradeStore, env.disputeStore, nil)

	deps := TradeDeps{
		Orders:         env.orderStore,
		Trades:         env.tradeStore,
		Escrow:         env.escrow,
		Disputes:       env.disputeStore,
		Messages:       env.messageStore,
		PaymentMethods: env.methodStore,
		Fees:           fees.NewCalculator(fees.DefaultSchedule()),
		Stats:          env.reviews,
		Audit:          env.audit,
		Recorder:       env.recorder,
		Logger:         discardLogger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.trades = NewTradeService(deps)
	env.disputes = NewDisputeService(env.disputeStore, env.trades, deps.Escrow, env.messageStore, env.audit, env.recorder, discardLogger)
	env.messages = NewMessageService(env.messageStore, env.tradeStore)
	env.methods = NewPaymentMethodService(env.methodStore)

	matcher, err := engine.NewMatcher(engine.DefaultWeights, reputation.DefaultScorer())
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	env.matches = NewMatchService(env.orderStore, env.reviews, matcher)
	return env
}

// sellOrder creates the canonical order: sell, min 10, max 1000,
// available 1000, limit price 100.
func (env *testEnv) sellOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := env.orders.CreateOrder(ctx, seller, CreateOrderRequest{
		Type:           domain.OrderTypeSell,
		Asset:          "BTC",
		Fiat:           "USD",
		PriceType:      domain.PriceTypeLimit,
		Price:          decPtr("100"),
		MinAmount:      dec("10"),
		MaxAmount:      dec("1000"),
		PaymentMethods: []string{"bank_transfer", "pix"},
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return o
}

func (env *testEnv) openTrade(t *testing.T, orderID, amount string) *domain.Trade {
	t.Helper()
	tr, err := env.trades.CreateTrade(ctx, buyer, CreateTradeRequest{
		OrderID:       orderID,
		Amount:        dec(amount),
		PaymentMethod: "bank_transfer",
	})
	if err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}
	return tr
}

func (env *testEnv) available(t *testing.T, orderID string) decimal.Decimal {
	t.Helper()
	o, err := env.orderStore.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	return o.AvailableAmount
}

func (env *testEnv) escrowStatus(t *testing.T, tradeID string) domain.EscrowStatus {
	t.Helper()
	e, err := env.escrowStore.GetEscrowByTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("failed to load escrow: %v", err)
	}
	return e.Status
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
