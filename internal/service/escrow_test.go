package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/store"
)

func newTestEscrow(t *testing.T) *EscrowService {
	t.Helper()
	svc := NewEscrowService(store.NewEscrowStore())
	if _, err := svc.Lock(ctx, "trd-1", "seller-1", "buyer-1", dec("2.5")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	return svc
}

func TestEscrow_LockOncePerTrade(t *testing.T) {
	svc := newTestEscrow(t)

	_, err := svc.Lock(ctx, "trd-1", "seller-1", "buyer-1", dec("2.5"))
	if !errors.Is(err, domain.ErrInvalidEscrowState) {
		t.Fatalf("second lock: got %v, want ErrInvalidEscrowState", err)
	}
	if _, err := svc.Lock(ctx, "trd-2", "seller-1", "buyer-1", dec("0")); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("zero lock: got %v", err)
	}
}

func TestEscrow_ReleaseIsIdempotent(t *testing.T) {
	svc := newTestEscrow(t)

	e, err := svc.Release(ctx, "trd-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if e.Status != domain.EscrowStatusReleased || !e.BuyerAmount.Equal(dec("2.5")) || e.SettledAt == nil {
		t.Fatalf("got %+v", e)
	}
	if _, err := svc.Release(ctx, "trd-1"); err != nil {
		t.Fatalf("retried release: %v", err)
	}
	if _, err := svc.Refund(ctx, "trd-1"); !errors.Is(err, domain.ErrInvalidEscrowState) {
		t.Fatalf("refund after release: got %v, want ErrInvalidEscrowState", err)
	}
}

func TestEscrow_RefundIsIdempotent(t *testing.T) {
	svc := newTestEscrow(t)

	e, err := svc.Refund(ctx, "trd-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if e.Status != domain.EscrowStatusRefunded || !e.SellerAmount.Equal(dec("2.5")) {
		t.Fatalf("got %+v", e)
	}
	if _, err := svc.Refund(ctx, "trd-1"); err != nil {
		t.Fatalf("retried refund: %v", err)
	}
	if _, err := svc.Release(ctx, "trd-1"); !errors.Is(err, domain.ErrInvalidEscrowState) {
		t.Fatalf("release after refund: got %v", err)
	}
}

func TestEscrow_SplitOnlyWhenDisputed(t *testing.T) {
	svc := newTestEscrow(t)

	if _, err := svc.Split(ctx, "trd-1", 50, 50); !errors.Is(err, domain.ErrInvalidEscrowState) {
		t.Fatalf("split of locked escrow: got %v", err)
	}
	if _, err := svc.MarkDisputed(ctx, "trd-1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := svc.MarkDisputed(ctx, "trd-1"); err != nil {
		t.Fatalf("repeated dispute: %v", err)
	}
	if _, err := svc.Split(ctx, "trd-1", 60, 30); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("split not summing to 100: got %v", err)
	}

	e, err := svc.Split(ctx, "trd-1", 33.33, 66.67)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !e.BuyerAmount.Equal(dec("0.83325")) || !e.BuyerAmount.Add(e.SellerAmount).Equal(dec("2.5")) {
		t.Fatalf("got %s / %s", e.BuyerAmount, e.SellerAmount)
	}
	if _, err := svc.Split(ctx, "trd-1", 50, 50); err != nil {
		t.Fatalf("repeated split: %v", err)
	}
	if _, err := svc.MarkDisputed(ctx, "trd-1"); !errors.Is(err, domain.ErrInvalidEscrowState) {
		t.Fatalf("dispute after split: got %v", err)
	}
}

func TestEscrow_DisputedCanBeReleasedOrRefunded(t *testing.T) {
	svc := newTestEscrow(t)
	svc.MarkDisputed(ctx, "trd-1")

	e, err := svc.Refund(ctx, "trd-1")
	if err != nil || e.Status != domain.EscrowStatusRefunded {
		t.Fatalf("refund of disputed escrow: %v %+v", err, e)
	}
}

func TestEscrow_ConcurrentReleaseAndRefund(t *testing.T) {
	svc := newTestEscrow(t)

	var wg sync.WaitGroup
	var releaseErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = svc.Release(ctx, "trd-1")
	}()
	go func() {
		defer wg.Done()
		_, refundErr = svc.Refund(ctx, "trd-1")
	}()
	wg.Wait()

	if (releaseErr == nil) == (refundErr == nil) {
		t.Fatalf("exactly one settlement must win: release=%v refund=%v", releaseErr, refundErr)
	}
	for _, err := range []error{releaseErr, refundErr} {
		if err != nil && !errors.Is(err, domain.ErrInvalidEscrowState) {
			t.Fatalf("loser got %v, want ErrInvalidEscrowState", err)
		}
	}
}

func TestEscrow_MissingIsNotFound(t *testing.T) {
	svc := NewEscrowService(store.NewEscrowStore())
	if _, err := svc.Release(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
