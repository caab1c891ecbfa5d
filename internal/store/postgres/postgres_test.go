package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/escrow/internal/domain"
)

// These tests run against a live database named by TEST_DATABASE_URL and
// are skipped when it is unset.
var testStore *Store

func TestMain(m *testing.M) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	s, err := Open(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := s.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply schema: %v\n", err)
		os.Exit(1)
	}
	testStore = s
	code := m.Run()
	s.Close()
	os.Exit(code)
}

func setup(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := testStore.pool.Exec(context.Background(),
		"TRUNCATE TABLE messages, reviews, payment_methods, disputes, escrows, trades, orders RESTART IDENTITY")
	require.NoError(t, err)
	return testStore
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOrder(id string, max string) *domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Order{
		ID:               id,
		TenantID:         "tenant-1",
		UserID:           "seller",
		Type:             domain.OrderTypeSell,
		Asset:            "BTC",
		Fiat:             "USD",
		Pricing:          domain.LimitPrice(dec("100")),
		MinAmount:        dec("1"),
		MaxAmount:        dec(max),
		AvailableAmount:  dec(max),
		PaymentTimeLimit: 30 * time.Minute,
		PaymentMethods:   []string{"bank_transfer", "sepa"},
		Restrictions:     domain.Restrictions{MinTradeCount: 3, MinCompletionRate: 90, VerifiedOnly: true},
		Status:           domain.OrderStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func testTrade(id, orderID string, deadline time.Time) *domain.Trade {
	return &domain.Trade{
		ID:              id,
		TenantID:        "tenant-1",
		OrderID:         orderID,
		MakerID:         "seller",
		TakerID:         "buyer",
		SellerID:        "seller",
		BuyerID:         "buyer",
		Asset:           "BTC",
		Fiat:            "USD",
		CryptoAmount:    dec("5"),
		FiatAmount:      dec("500"),
		Price:           dec("100"),
		PaymentMethod:   "bank_transfer",
		PaymentDetails:  map[string]string{"iban": "DE00"},
		MakerFee:        dec("0.5"),
		TakerFee:        dec("1"),
		Status:          domain.TradeStatusPending,
		PaymentDeadline: deadline,
		CreatedAt:       deadline.Add(-30 * time.Minute),
		UpdatedAt:       deadline.Add(-30 * time.Minute),
	}
}

func TestStore_OrderRoundTrip(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	o := testOrder("o1", "10")

	require.NoError(t, s.CreateOrder(ctx, o))
	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)

	assert.True(t, got.MaxAmount.Equal(o.MaxAmount))
	assert.True(t, got.Pricing.Price.Equal(dec("100")))
	assert.Equal(t, domain.PriceTypeLimit, got.Pricing.Type)
	assert.Equal(t, []string{"bank_transfer", "sepa"}, got.PaymentMethods)
	assert.Equal(t, o.Restrictions, got.Restrictions)
	assert.Equal(t, 30*time.Minute, got.PaymentTimeLimit)
	assert.Nil(t, got.ExpiresAt)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_UpdateOrderClampsAvailable(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, testOrder("o1", "10")))

	o, _ := s.GetOrder(ctx, "o1")
	o.MaxAmount = dec("4")
	o.AvailableAmount = dec("999")
	updated, err := s.UpdateOrder(ctx, o, domain.OrderStatusActive, domain.OrderStatusInactive)
	require.NoError(t, err)
	assert.True(t, updated.AvailableAmount.Equal(dec("4")), "available = %s", updated.AvailableAmount)

	o.Status = domain.OrderStatusCancelled
	_, err = s.UpdateOrder(ctx, o)
	require.NoError(t, err)

	_, err = s.UpdateOrder(ctx, o, domain.OrderStatusActive)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStore_DeductAndRestore(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, testOrder("o1", "10")))

	_, err := s.DeductAvailable(ctx, "o1", dec("11"))
	assert.ErrorIs(t, err, domain.ErrInsufficientAmount)

	o, err := s.DeductAvailable(ctx, "o1", dec("10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, o.Status)
	assert.True(t, o.AvailableAmount.IsZero())

	_, err = s.DeductAvailable(ctx, "o1", dec("1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientAmount)

	o, err = s.RestoreAvailable(ctx, "o1", dec("20"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, o.Status)
	assert.True(t, o.AvailableAmount.Equal(dec("10")))
}

func TestStore_ConcurrentDeductNeverOversells(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, testOrder("o1", "100")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductAvailable(ctx, "o1", dec("3")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, o.AvailableAmount.Equal(dec("1")), "available = %s", o.AvailableAmount)
}

func TestStore_ListExpiring(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	o1 := testOrder("o1", "10")
	o1.ExpiresAt = &past
	o2 := testOrder("o2", "10")
	o2.ExpiresAt = &future
	o3 := testOrder("o3", "10")
	o3.ExpiresAt = &past
	o3.Status = domain.OrderStatusCancelled
	for _, o := range []*domain.Order{o1, o2, o3} {
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	got, err := s.ListExpiring(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].ID)
}

func TestStore_TradeLifecycle(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateOrder(ctx, testOrder("o1", "10")))
	require.NoError(t, s.CreateTrade(ctx, testTrade("t1", "o1", now.Add(-time.Minute))))
	require.NoError(t, s.CreateTrade(ctx, testTrade("t2", "o1", now.Add(time.Hour))))

	overdue, err := s.ListPastDeadline(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "t1", overdue[0].ID)
	assert.Equal(t, "DE00", overdue[0].PaymentDetails["iban"])
	assert.True(t, overdue[0].TakerFee.Equal(dec("1")))

	tr, _ := s.GetTrade(ctx, "t1")
	tr.Status = domain.TradeStatusPaymentSent
	tr.PaymentSentAt = &now
	require.NoError(t, s.UpdateTrade(ctx, tr, domain.TradeStatusPending))
	assert.ErrorIs(t, s.UpdateTrade(ctx, tr, domain.TradeStatusPending), domain.ErrInvalidTransition)
	assert.ErrorIs(t, s.UpdateTrade(ctx, &domain.Trade{ID: "nope"}, domain.TradeStatusPending), domain.ErrNotFound)

	mine, err := s.ListTradesByUser(ctx, "buyer")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestStore_EscrowAndDisputeUniqueness(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateOrder(ctx, testOrder("o1", "10")))
	require.NoError(t, s.CreateTrade(ctx, testTrade("t1", "o1", now.Add(time.Hour))))

	e := &domain.Escrow{ID: "e1", TradeID: "t1", HolderID: "seller", BuyerID: "buyer", Amount: dec("5"),
		Status: domain.EscrowStatusLocked, LockedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateEscrow(ctx, e))
	dup := *e
	dup.ID = "e2"
	assert.ErrorIs(t, s.CreateEscrow(ctx, &dup), domain.ErrInvalidEscrowState)

	e.Status = domain.EscrowStatusReleased
	e.BuyerAmount = dec("5")
	require.NoError(t, s.UpdateEscrow(ctx, e, domain.EscrowStatusLocked, domain.EscrowStatusDisputed))
	assert.ErrorIs(t, s.UpdateEscrow(ctx, e, domain.EscrowStatusLocked), domain.ErrInvalidEscrowState)

	d := &domain.Dispute{
		ID:        "d1",
		TenantID:  "tenant-1",
		TradeID:   "t1",
		BuyerID:   "buyer",
		SellerID:  "seller",
		OpenedBy:  "buyer",
		Reason:    domain.DisputeReasonNonPayment,
		Status:    domain.DisputeStatusOpen,
		Evidence:  []domain.Evidence{{ID: "ev1", SubmittedBy: "buyer", Type: domain.EvidencePaymentProof, SubmittedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateDispute(ctx, d))
	assert.ErrorIs(t, s.CreateDispute(ctx, &domain.Dispute{ID: "d2", TradeID: "t1", CreatedAt: now, UpdatedAt: now}),
		domain.ErrInvalidTransition)

	d.Status = domain.DisputeStatusResolved
	d.Resolution = &domain.Resolution{Decision: domain.DecisionSplit, EscrowAction: domain.EscrowActionSplit,
		Confidence: 60, BuyerPercent: 50, SellerPercent: 50}
	require.NoError(t, s.UpdateDispute(ctx, d, domain.DisputeStatusOpen, domain.DisputeStatusUnderReview))

	got, err := s.GetDisputeByTrade(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, domain.DecisionSplit, got.Resolution.Decision)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, domain.EvidencePaymentProof, got.Evidence[0].Type)
}

func TestStore_Ledgers(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.AppendMessage(ctx, &domain.Message{ID: "m1", TradeID: "t1", SenderID: "a", RecipientID: "b", Body: "hi", CreatedAt: now}))
	require.NoError(t, s.AppendMessage(ctx, &domain.Message{ID: "m2", TradeID: "t1", SenderID: "b", RecipientID: "a", Body: "yo", CreatedAt: now}))
	n, err := s.MarkRead(ctx, "t1", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[0].IsRead)

	r := &domain.Review{ID: "r1", TradeID: "t1", ReviewerID: "a", ReviewedUserID: "b", Rating: 4, IsPositive: true, CreatedAt: now}
	require.NoError(t, s.CreateReview(ctx, r))
	r.ID = "r2"
	assert.ErrorIs(t, s.CreateReview(ctx, r), domain.ErrInvalidTransition)

	pm := &domain.PaymentMethod{ID: "pm1", UserID: "a", Type: "sepa", Name: "Main", IsActive: true,
		Details: map[string]string{"iban": "DE00"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreatePaymentMethod(ctx, pm))
	require.NoError(t, s.IncrementUsage(ctx, "pm1"))
	got, err := s.GetPaymentMethod(ctx, "pm1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesUsed)
	assert.Equal(t, "DE00", got.Details["iban"])
	assert.ErrorIs(t, s.IncrementUsage(ctx, "nope"), domain.ErrNotFound)
}
