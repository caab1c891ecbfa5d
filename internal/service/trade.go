package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/fees"
	"github.com/p2pdesk/escrow/internal/reputation"
)

// fiatScale is the precision fiat amounts are rounded to.
const fiatScale = 2

// DefaultFeeVolumeWindow is the trailing window fee tiers are chosen from.
const DefaultFeeVolumeWindow = 30 * 24 * time.Hour

// DefaultSweepBatch bounds how many overdue trades one sweep cancels.
const DefaultSweepBatch = 500

// StatsSource provides a user's trading history for restriction checks.
// ReviewService implements it.
type StatsSource interface {
	Stats(ctx context.Context, userID string) (reputation.Stats, error)
}

// TradeDeps are the collaborators of a TradeService. Audit, Recorder and
// Logger are optional.
type TradeDeps struct {
	Orders         OrderRepository
	Trades         TradeRepository
	Escrow         *EscrowService
	Disputes       DisputeRepository
	Messages       MessageRepository
	PaymentMethods PaymentMethodRepository
	Fees           *fees.Calculator
	Stats          StatsSource
	Audit          AuditLogger
	Recorder       Recorder
	Logger         *slog.Logger
	FeeWindow      time.Duration
	SweepBatch     int
}

// CreateTradeRequest represents a taker accepting an order.
type CreateTradeRequest struct {
	OrderID       string
	Amount        decimal.Decimal // crypto amount
	PaymentMethod string
	// PaymentMethodID optionally names a saved method of the fiat receiver
	// whose details are attached to the trade.
	PaymentMethodID string
	// ReferencePrice prices market and floating orders.
	ReferencePrice decimal.Decimal
}

// OpenDisputeRequest represents a participant contesting a trade.
type OpenDisputeRequest struct {
	TradeID     string
	Reason      domain.DisputeReason
	Description string
	Evidence    []EvidenceRequest
}

// FeeQuote is what a trade of a given fiat amount would cost each side.
type FeeQuote struct {
	Amount         decimal.Decimal
	TrailingVolume decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	NextTier       *fees.NextTier
}

// TradeService is the trade lifecycle engine. It coordinates the order
// reservation, the escrow and the payment handshake.
type TradeService struct {
	orders    OrderRepository
	trades    TradeRepository
	escrow    *EscrowService
	disputes  DisputeRepository
	messages  MessageRepository
	methods   PaymentMethodRepository
	fees      *fees.Calculator
	stats     StatsSource
	audit     AuditLogger
	recorder  Recorder
	logger    *slog.Logger
	feeWindow time.Duration
	batch     int
	now       func() time.Time
}

// NewTradeService creates a TradeService.
func NewTradeService(d TradeDeps) *TradeService {
	s := &TradeService{
		orders:    d.Orders,
		trades:    d.Trades,
		escrow:    d.Escrow,
		disputes:  d.Disputes,
		messages:  d.Messages,
		methods:   d.PaymentMethods,
		fees:      d.Fees,
		stats:     d.Stats,
		audit:     d.Audit,
		recorder:  d.Recorder,
		logger:    d.Logger,
		feeWindow: d.FeeWindow,
		batch:     d.SweepBatch,
		now:       time.Now,
	}
	if s.fees == nil {
		s.fees = fees.NewCalculator(fees.DefaultSchedule())
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.feeWindow <= 0 {
		s.feeWindow = DefaultFeeVolumeWindow
	}
	if s.batch <= 0 {
		s.batch = DefaultSweepBatch
	}
	return s
}

// CreateTrade reserves the amount on the order, records the trade and
// locks the seller's funds. If a later step fails the earlier ones are
// undone before the error is returned.
func (s *TradeService) CreateTrade(ctx context.Context, caller domain.Caller, req CreateTradeRequest) (*domain.Trade, error) {
	if !req.Amount.IsPositive() {
		return nil, &domain.ValidationError{Message: "amount must be greater than 0"}
	}

	o, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.TenantID != caller.TenantID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, req.OrderID)
	}
	switch o.Status {
	case domain.OrderStatusActive:
	case domain.OrderStatusCompleted:
		return nil, fmt.Errorf("%w: order is fully reserved", domain.ErrInsufficientAmount)
	default:
		return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	}
	if o.UserID == caller.UserID {
		return nil, &domain.ValidationError{Message: "cannot trade against your own order"}
	}
	if req.Amount.LessThan(o.MinAmount) || req.Amount.GreaterThan(o.MaxAmount) {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("amount must be between %s and %s", o.MinAmount, o.MaxAmount),
		}
	}
	if req.Amount.GreaterThan(o.AvailableAmount) {
		return nil, fmt.Errorf("%w: %s available, %s requested", domain.ErrInsufficientAmount, o.AvailableAmount, req.Amount)
	}

	price, ok := o.Pricing.Effective(req.ReferencePrice)
	if !ok {
		if !req.ReferencePrice.IsPositive() {
			return nil, &domain.ValidationError{Message: "reference_price is required for market and floating orders"}
		}
		price = req.ReferencePrice
	}

	if err := s.checkRestrictions(ctx, caller, o); err != nil {
		return nil, err
	}

	buyerID, sellerID := o.BuyerFor(caller.UserID), o.SellerFor(caller.UserID)
	method, details, err := s.resolvePaymentMethod(ctx, o, sellerID, req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	fiatAmount := req.Amount.Mul(price).Round(fiatScale)
	makerFee, takerFee, err := s.tradeFees(ctx, o.UserID, caller.UserID, fiatAmount, now)
	if err != nil {
		return nil, err
	}

	t := &domain.Trade{
		ID:              uuid.New().String(),
		TenantID:        o.TenantID,
		OrderID:         o.ID,
		MakerID:         o.UserID,
		TakerID:         caller.UserID,
		SellerID:        sellerID,
		BuyerID:         buyerID,
		Asset:           o.Asset,
		Fiat:            o.Fiat,
		CryptoAmount:    req.Amount,
		FiatAmount:      fiatAmount,
		Price:           price,
		PaymentMethod:   method,
		PaymentMethodID: req.PaymentMethodID,
		PaymentDetails:  details,
		MakerFee:        makerFee,
		TakerFee:        takerFee,
		Status:          domain.TradeStatusPending,
		PaymentDeadline: now.Add(o.PaymentTimeLimit),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.reserveAndLock(ctx, t); err != nil {
		return nil, err
	}

	if req.PaymentMethodID != "" {
		if err := s.methods.IncrementUsage(ctx, req.PaymentMethodID); err != nil {
			s.logger.Warn("payment method usage not recorded", "payment_method_id", req.PaymentMethodID, "error", err)
		}
	}
	s.notify(ctx, t, fmt.Sprintf("Trade opened for %s %s at %s %s. Payment due by %s.",
		t.CryptoAmount, t.Asset, t.Price, t.Fiat, t.PaymentDeadline.Format(time.RFC3339)))
	s.recorder.TradeCreated()
	s.record(ctx, domain.EventTradeCreated, caller.UserID, t, map[string]string{
		"order_id":      t.OrderID,
		"crypto_amount": t.CryptoAmount.String(),
		"fiat_amount":   t.FiatAmount.String(),
	})
	return t, nil
}

// reserveAndLock is the only multi-resource write in the core: deduct the
// order, create the trade, lock the escrow. Each failure undoes the steps
// before it.
func (s *TradeService) reserveAndLock(ctx context.Context, t *domain.Trade) error {
	if _, err := s.orders.DeductAvailable(ctx, t.OrderID, t.CryptoAmount); err != nil {
		return err
	}

	if err := s.trades.CreateTrade(ctx, t); err != nil {
		s.restoreAfterFailure(ctx, t, err)
		return err
	}

	if _, err := s.escrow.Lock(ctx, t.ID, t.SellerID, t.BuyerID, t.CryptoAmount); err != nil {
		// The trade row exists; retire it so it never looks live.
		unwound := t.Clone()
		now := s.now().UTC()
		unwound.Status = domain.TradeStatusCancelled
		unwound.CancelReason = domain.CancelReasonEscrowLockFailed
		unwound.CancelledBy = domain.SystemUserID
		unwound.CancelledAt = &now
		unwound.UpdatedAt = now
		if uerr := s.trades.UpdateTrade(ctx, unwound, domain.TradeStatusPending); uerr != nil {
			s.logger.Error("trade not retired after escrow lock failure",
				"critical", true, "trade_id", t.ID, "error", uerr)
		}
		s.restoreAfterFailure(ctx, t, err)
		return err
	}
	return nil
}

func (s *TradeService) restoreAfterFailure(ctx context.Context, t *domain.Trade, cause error) {
	if _, err := s.orders.RestoreAvailable(ctx, t.OrderID, t.CryptoAmount); err != nil {
		s.recorder.Compensation(false)
		s.logger.Error("order amount not restored after failed trade creation",
			"critical", true, "order_id", t.OrderID, "amount", t.CryptoAmount.String(),
			"cause", cause, "error", err)
		return
	}
	s.recorder.Compensation(true)
	s.logger.Warn("trade creation compensated", "order_id", t.OrderID, "amount", t.CryptoAmount.String(), "cause", cause)
}

func (s *TradeService) checkRestrictions(ctx context.Context, caller domain.Caller, o *domain.Order) error {
	r := o.Restrictions
	if r == (domain.Restrictions{}) {
		return nil
	}
	var st reputation.Stats
	if s.stats != nil && (r.MinTradeCount > 0 || r.MinCompletionRate > 0) {
		var err error
		if st, err = s.stats.Stats(ctx, caller.UserID); err != nil {
			return err
		}
	}
	if !engine.SatisfiesRestrictions(r, st, caller.Verified) {
		return fmt.Errorf("%w: caller does not meet the order's restrictions", domain.ErrUnauthorized)
	}
	return nil
}

// resolvePaymentMethod checks the chosen method against the order and
// attaches the details of the fiat receiver's saved method, if named.
func (s *TradeService) resolvePaymentMethod(ctx context.Context, o *domain.Order, sellerID string, req CreateTradeRequest) (string, map[string]string, error) {
	method := req.PaymentMethod
	var details map[string]string

	if req.PaymentMethodID != "" {
		pm, err := s.methods.GetPaymentMethod(ctx, req.PaymentMethodID)
		if err != nil {
			return "", nil, err
		}
		if pm.UserID != sellerID {
			return "", nil, &domain.ValidationError{Message: "payment_method_id must belong to the seller"}
		}
		if !pm.IsActive {
			return "", nil, &domain.ValidationError{Message: "payment method is inactive"}
		}
		if method == "" {
			method = pm.Type
		}
		if method != pm.Type {
			return "", nil, &domain.ValidationError{Message: "payment_method does not match the saved method"}
		}
		details = pm.Details
	}

	if method == "" {
		return "", nil, &domain.ValidationError{Message: "payment_method is required"}
	}
	if !o.AcceptsPaymentMethod(method) {
		return "", nil, &domain.ValidationError{Message: "order does not accept payment method " + method}
	}
	return method, details, nil
}

func (s *TradeService) tradeFees(ctx context.Context, makerID, takerID string, amount decimal.Decimal, now time.Time) (decimal.Decimal, decimal.Decimal, error) {
	makerVol, err := s.TrailingVolume(ctx, makerID, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	takerVol, err := s.TrailingVolume(ctx, takerID, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	makerFee, err := s.fees.Calculate(amount, fees.FeeTypeMaker, makerVol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	takerFee, err := s.fees.Calculate(amount, fees.FeeTypeTaker, takerVol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return makerFee, takerFee, nil
}

// TrailingVolume sums the fiat amount of the user's trades completed within
// the fee window before now.
func (s *TradeService) TrailingVolume(ctx context.Context, userID string, now time.Time) (decimal.Decimal, error) {
	trades, err := s.trades.ListTradesByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	since := now.Add(-s.feeWindow)
	vol := decimal.Zero
	for _, t := range trades {
		if t.Status == domain.TradeStatusCompleted && t.CompletedAt != nil && t.CompletedAt.After(since) {
			vol = vol.Add(t.FiatAmount)
		}
	}
	return vol, nil
}

// QuoteFees prices a trade of amount for the caller as taker against a
// maker with makerID ("" quotes both sides at the caller's volume).
func (s *TradeService) QuoteFees(ctx context.Context, caller domain.Caller, makerID string, amount decimal.Decimal) (FeeQuote, error) {
	if amount.IsNegative() {
		return FeeQuote{}, &domain.ValidationError{Message: "amount must be >= 0"}
	}
	now := s.now().UTC()
	if makerID == "" {
		makerID = caller.UserID
	}
	makerFee, takerFee, err := s.tradeFees(ctx, makerID, caller.UserID, amount, now)
	if err != nil {
		return FeeQuote{}, err
	}
	vol, err := s.TrailingVolume(ctx, caller.UserID, now)
	if err != nil {
		return FeeQuote{}, err
	}
	q := FeeQuote{Amount: amount, TrailingVolume: vol, MakerFee: makerFee, TakerFee: takerFee}
	next, ok, err := s.fees.VolumeToNextTier(fees.FeeTypeTaker, vol)
	if err != nil {
		return FeeQuote{}, err
	}
	if ok {
		q.NextTier = &next
	}
	return q, nil
}

// GetTrade returns a trade the caller participates in.
func (s *TradeService) GetTrade(ctx context.Context, caller domain.Caller, id string) (*domain.Trade, error) {
	t, err := s.trades.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.TenantID != caller.TenantID || t.NeverOpened() {
		return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, id)
	}
	if !caller.IsSystem() && !t.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: not a participant of trade %s", domain.ErrUnauthorized, id)
	}
	return t, nil
}

// ListTrades returns the caller's trades in their tenant, newest first.
func (s *TradeService) ListTrades(ctx context.Context, caller domain.Caller) ([]*domain.Trade, error) {
	all, err := s.trades.ListTradesByUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.TenantID == caller.TenantID && !t.NeverOpened() {
			out = append(out, t)
		}
	}
	return out, nil
}

// ConfirmPaymentSent is the buyer declaring the fiat payment made.
func (s *TradeService) ConfirmPaymentSent(ctx context.Context, caller domain.Caller, id string) (*domain.Trade, error) {
	t, err := s.GetTrade(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if caller.UserID != t.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can confirm payment sent", domain.ErrUnauthorized)
	}
	if t.Status != domain.TradeStatusPending {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	now := s.now().UTC()
	t.Status = domain.TradeStatusPaymentSent
	t.PaymentSentAt = &now
	t.UpdatedAt = now
	if err := s.trades.UpdateTrade(ctx, t, domain.TradeStatusPending); err != nil {
		return nil, err
	}
	s.notify(ctx, t, "Buyer marked the payment as sent.")
	s.record(ctx, domain.EventTradePaymentSent, caller.UserID, t, nil)
	return t, nil
}

// ConfirmPaymentReceived is the seller acknowledging the fiat payment.
func (s *TradeService) ConfirmPaymentReceived(ctx context.Context, caller domain.Caller, id string) (*domain.Trade, error) {
	t, err := s.GetTrade(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if caller.UserID != t.SellerID {
		return nil, fmt.Errorf("%w: only the seller can confirm payment received", domain.ErrUnauthorized)
	}
	if t.Status != domain.TradeStatusPaymentSent {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	now := s.now().UTC()
	t.Status = domain.TradeStatusPaymentConfirmed
	t.PaymentConfirmedAt = &now
	t.UpdatedAt = now
	if err := s.trades.UpdateTrade(ctx, t, domain.TradeStatusPaymentSent); err != nil {
		return nil, err
	}
	s.notify(ctx, t, "Seller confirmed the payment was received.")
	s.record(ctx, domain.EventTradePaymentConfirmed, caller.UserID, t, nil)
	return t, nil
}

// CompleteTrade releases the escrow to the buyer after the seller confirmed
// payment. Calling it on a completed trade whose escrow is still held
// retries the release; a settled trade is an invalid transition.
func (s *TradeService) CompleteTrade(ctx context.Context, caller domain.Caller, id string) (*domain.Trade, error) {
	t, err := s.GetTrade(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsSystem() && caller.UserID != t.SellerID {
		return nil, fmt.Errorf("%w: only the seller or the platform can complete a trade", domain.ErrUnauthorized)
	}

	switch t.Status {
	case domain.TradeStatusCompleted:
		return s.repairCompleted(ctx, t)
	case domain.TradeStatusPaymentConfirmed:
	default:
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	now := s.now().UTC()
	t.Status = domain.TradeStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := s.trades.UpdateTrade(ctx, t, domain.TradeStatusPaymentConfirmed); err != nil {
		return nil, err
	}
	if _, err := s.escrow.Release(ctx, t.ID); err != nil {
		s.logger.Error("escrow not released for completed trade", "critical", true, "trade_id", t.ID, "error", err)
		return nil, err
	}

	s.notify(ctx, t, fmt.Sprintf("Trade completed. %s %s released to the buyer.", t.CryptoAmount, t.Asset))
	s.recorder.TradeCompleted()
	s.record(ctx, domain.EventTradeCompleted, caller.UserID, t, map[string]string{"fiat_amount": t.FiatAmount.String()})
	return t, nil
}

// CancelTrade cancels a trade before the seller confirms payment. Either
// party may cancel a pending trade; once payment is marked sent only the
// buyer or the platform may.
func (s *TradeService) CancelTrade(ctx context.Context, caller domain.Caller, id, reason string) (*domain.Trade, error) {
	t, err := s.GetTrade(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if len(reason) > 500 {
		return nil, &domain.ValidationError{Message: "reason must be at most 500 characters"}
	}

	switch t.Status {
	case domain.TradeStatusPending:
	case domain.TradeStatusPaymentSent:
		if !caller.IsSystem() && caller.UserID != t.BuyerID {
			return nil, fmt.Errorf("%w: the seller cannot cancel after payment was marked sent", domain.ErrUnauthorized)
		}
	case domain.TradeStatusCancelled:
		return s.repairCancelled(ctx, t)
	default:
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	if reason == "" {
		reason = "cancelled_by_user"
	}
	if err := s.cancel(ctx, t, caller.UserID, reason); err != nil {
		return nil, err
	}
	return t, nil
}

// cancel moves t to cancelled from its current status, refunds the escrow
// and restores the order amount.
func (s *TradeService) cancel(ctx context.Context, t *domain.Trade, actorID, reason string) error {
	from := t.Status
	now := s.now().UTC()
	t.Status = domain.TradeStatusCancelled
	t.CancelReason = reason
	t.CancelledBy = actorID
	t.CancelledAt = &now
	t.UpdatedAt = now
	if err := s.trades.UpdateTrade(ctx, t, from); err != nil {
		return err
	}
	if err := s.unwind(ctx, t); err != nil {
		return err
	}

	s.notify(ctx, t, "Trade cancelled: "+reason+".")
	s.recorder.TradeCancelled(reason)
	s.record(ctx, domain.EventTradeCancelled, actorID, t, map[string]string{"reason": reason, "from": string(from)})
	return nil
}

// unwind refunds a cancelled trade's escrow, then gives the amount back to
// the order. The restore only runs after a successful refund.
func (s *TradeService) unwind(ctx context.Context, t *domain.Trade) error {
	if _, err := s.escrow.Refund(ctx, t.ID); err != nil {
		s.logger.Error("escrow not refunded for cancelled trade", "critical", true, "trade_id", t.ID, "error", err)
		return err
	}
	if _, err := s.orders.RestoreAvailable(ctx, t.OrderID, t.CryptoAmount); err != nil {
		s.logger.Error("order amount not restored for cancelled trade",
			"critical", true, "trade_id", t.ID, "order_id", t.OrderID, "error", err)
		return err
	}
	return nil
}

// repairCompleted releases the escrow of a completed trade whose release
// failed.
func (s *TradeService) repairCompleted(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	e, err := s.escrow.Get(ctx, t.ID)
	if err != nil || e.Status.Terminal() {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}
	if _, err := s.escrow.Release(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// repairCancelled finishes the unwind of a cancelled trade whose escrow is
// still held. A fully unwound trade is an invalid transition.
func (s *TradeService) repairCancelled(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	e, err := s.escrow.Get(ctx, t.ID)
	if err != nil || e.Status.Terminal() {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}
	if err := s.unwind(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ExpirePastDeadline cancels unpaid trades whose payment deadline has
// passed. Trades that moved on concurrently are skipped.
func (s *TradeService) ExpirePastDeadline(ctx context.Context, now time.Time) ([]*domain.Trade, error) {
	due, err := s.trades.ListPastDeadline(ctx, now, s.batch)
	if err != nil {
		return nil, err
	}
	expired := make([]*domain.Trade, 0, len(due))
	for _, t := range due {
		if err := s.cancel(ctx, t, domain.SystemUserID, domain.CancelReasonPaymentTimeout); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			s.logger.Error("trade expiry failed", "trade_id", t.ID, "error", err)
			continue
		}
		expired = append(expired, t)
	}
	return expired, nil
}

// OpenDispute contests a trade after payment was marked sent. The trade and
// its escrow are frozen and a dispute record is created.
func (s *TradeService) OpenDispute(ctx context.Context, caller domain.Caller, req OpenDisputeRequest) (*domain.Dispute, error) {
	if !req.Reason.Valid() {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("Unknown dispute reason: %s. Must be one of: non_payment, crypto_not_released, wrong_amount, fraud, other", req.Reason),
		}
	}
	if len(req.Description) > maxTermsLength {
		return nil, &domain.ValidationError{Message: "description must be at most 2000 characters"}
	}

	t, err := s.GetTrade(ctx, caller, req.TradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: only a participant can open a dispute", domain.ErrUnauthorized)
	}
	if t.Status != domain.TradeStatusPaymentSent && t.Status != domain.TradeStatusPaymentConfirmed {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	now := s.now().UTC()
	evidence := make([]domain.Evidence, 0, len(req.Evidence))
	for _, er := range req.Evidence {
		ev, err := newEvidence(caller.UserID, er, now)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, ev)
	}

	from := t.Status
	t.Status = domain.TradeStatusDisputed
	t.DisputedAt = &now
	t.UpdatedAt = now
	if err := s.trades.UpdateTrade(ctx, t, from); err != nil {
		return nil, err
	}
	if _, err := s.escrow.MarkDisputed(ctx, t.ID); err != nil {
		s.logger.Error("escrow not frozen for disputed trade", "critical", true, "trade_id", t.ID, "error", err)
		return nil, err
	}

	d := &domain.Dispute{
		ID:          uuid.New().String(),
		TenantID:    t.TenantID,
		TradeID:     t.ID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		OpenedBy:    caller.UserID,
		Reason:      req.Reason,
		Description: req.Description,
		Evidence:    evidence,
		Status:      domain.DisputeStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.disputes.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	s.notify(ctx, t, "A dispute was opened: "+string(req.Reason)+".")
	s.recorder.DisputeOpened(req.Reason)
	s.record(ctx, domain.EventDisputeOpened, caller.UserID, t, map[string]string{
		"dispute_id": d.ID,
		"reason":     string(d.Reason),
	})
	return d, nil
}

// applyResolution finishes a disputed trade according to the escrow
// action decided by arbitration. The escrow is settled before the trade
// leaves disputed, so a failed settlement leaves both untouched and the
// resolution can be retried. A trade that already carries the outcome of
// the same action is returned as is.
func (s *TradeService) applyResolution(ctx context.Context, tradeID string, r domain.Resolution, actorID string) (*domain.Trade, error) {
	var (
		status domain.TradeStatus
		held   domain.EscrowStatus
	)
	switch r.EscrowAction {
	case domain.EscrowActionRelease:
		status, held = domain.TradeStatusCompleted, domain.EscrowStatusReleased
	case domain.EscrowActionSplit:
		status, held = domain.TradeStatusCompleted, domain.EscrowStatusSplit
	case domain.EscrowActionRefund:
		status, held = domain.TradeStatusCancelled, domain.EscrowStatusRefunded
	default:
		return nil, &domain.ValidationError{Message: "escrow action " + string(r.EscrowAction) + " cannot be applied"}
	}

	t, err := s.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status == status && (status == domain.TradeStatusCompleted || t.CancelReason == domain.CancelReasonDisputeRefund) {
		if e, err := s.escrow.Get(ctx, t.ID); err == nil && e.Status == held {
			return t, nil
		}
	}
	if t.Status != domain.TradeStatusDisputed {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	switch r.EscrowAction {
	case domain.EscrowActionRelease:
		_, err = s.escrow.Release(ctx, t.ID)
	case domain.EscrowActionSplit:
		_, err = s.escrow.Split(ctx, t.ID, r.BuyerPercent, r.SellerPercent)
	case domain.EscrowActionRefund:
		_, err = s.escrow.Refund(ctx, t.ID)
	}
	if err != nil {
		s.logger.Error("escrow disposition failed for dispute resolution",
			"trade_id", t.ID, "action", string(r.EscrowAction), "error", err)
		return nil, err
	}

	now := s.now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if status == domain.TradeStatusCompleted {
		t.CompletedAt = &now
	} else {
		t.CancelReason = domain.CancelReasonDisputeRefund
		t.CancelledBy = actorID
		t.CancelledAt = &now
	}
	if err := s.trades.UpdateTrade(ctx, t, domain.TradeStatusDisputed); err != nil {
		s.logger.Error("trade not finished after escrow settlement",
			"critical", true, "trade_id", t.ID, "action", string(r.EscrowAction), "error", err)
		return nil, err
	}

	if status == domain.TradeStatusCompleted {
		s.recorder.TradeCompleted()
		s.record(ctx, domain.EventTradeCompleted, actorID, t, map[string]string{"via": "dispute"})
	} else {
		if _, err := s.orders.RestoreAvailable(ctx, t.OrderID, t.CryptoAmount); err != nil {
			s.logger.Error("order amount not restored for refunded dispute",
				"critical", true, "trade_id", t.ID, "order_id", t.OrderID, "error", err)
			return nil, err
		}
		s.recorder.TradeCancelled(t.CancelReason)
		s.record(ctx, domain.EventTradeCancelled, actorID, t, map[string]string{"reason": t.CancelReason})
	}
	s.notify(ctx, t, "Dispute resolved: "+string(r.Decision)+".")
	return t, nil
}

// notify appends a system message to the trade chat. Failures are logged.
func (s *TradeService) notify(ctx context.Context, t *domain.Trade, body string) {
	m := &domain.Message{
		ID:        uuid.New().String(),
		TradeID:   t.ID,
		SenderID:  domain.SystemUserID,
		Body:      body,
		IsSystem:  true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.messages.AppendMessage(ctx, m); err != nil {
		s.logger.Warn("system message not stored", "trade_id", t.ID, "error", err)
	}
}

func (s *TradeService) record(ctx context.Context, event, actorID string, t *domain.Trade, meta map[string]string) {
	s.audit.Record(ctx, domain.AuditEvent{
		Type:       event,
		TenantID:   t.TenantID,
		ActorID:    actorID,
		ResourceID: t.ID,
		Metadata:   meta,
		OccurredAt: s.now().UTC(),
	})
}
