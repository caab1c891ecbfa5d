package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2pdesk/escrow/internal/domain"
)

const (
	maxPaymentMethodName    = 100
	maxPaymentMethodDetails = 20
)

// AddPaymentMethodRequest represents a saved payment channel.
type AddPaymentMethodRequest struct {
	Type    string
	Name    string
	Details map[string]string
}

// PaymentMethodService manages users' saved payment methods.
type PaymentMethodService struct {
	methods PaymentMethodRepository
	now     func() time.Time
}

// NewPaymentMethodService creates a PaymentMethodService.
func NewPaymentMethodService(methods PaymentMethodRepository) *PaymentMethodService {
	return &PaymentMethodService{methods: methods, now: time.Now}
}

// Add saves a new active method for the caller.
func (s *PaymentMethodService) Add(ctx context.Context, caller domain.Caller, req AddPaymentMethodRequest) (*domain.PaymentMethod, error) {
	typ := strings.ToLower(strings.TrimSpace(req.Type))
	if !paymentTypeRegex.MatchString(typ) {
		return nil, domain.NewValidationError("type must be 1-32 characters of [a-z0-9_]")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxPaymentMethodName {
		return nil, domain.NewValidationError(fmt.Sprintf("name must be 1-%d characters", maxPaymentMethodName))
	}
	if len(req.Details) > maxPaymentMethodDetails {
		return nil, domain.NewValidationError(fmt.Sprintf("details hold at most %d entries", maxPaymentMethodDetails))
	}

	details := make(map[string]string, len(req.Details))
	for k, v := range req.Details {
		details[k] = v
	}
	now := s.now().UTC()
	pm := &domain.PaymentMethod{
		ID:        uuid.New().String(),
		UserID:    caller.UserID,
		Type:      typ,
		Name:      name,
		Details:   details,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.methods.CreatePaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	return pm, nil
}

// List returns the caller's saved methods.
func (s *PaymentMethodService) List(ctx context.Context, caller domain.Caller) ([]*domain.PaymentMethod, error) {
	return s.methods.ListPaymentMethods(ctx, caller.UserID)
}

// Get returns one of the caller's methods. Another user's method is
// reported as missing.
func (s *PaymentMethodService) Get(ctx context.Context, caller domain.Caller, id string) (*domain.PaymentMethod, error) {
	pm, err := s.methods.GetPaymentMethod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm.UserID != caller.UserID {
		return nil, fmt.Errorf("%w: payment method %s", domain.ErrNotFound, id)
	}
	return pm, nil
}

// Deactivate soft-deletes a method. Past trades keep their copied details.
func (s *PaymentMethodService) Deactivate(ctx context.Context, caller domain.Caller, id string) (*domain.PaymentMethod, error) {
	pm, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !pm.IsActive {
		return pm, nil
	}
	pm.IsActive = false
	pm.UpdatedAt = s.now().UTC()
	if err := s.methods.UpdatePaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	return pm, nil
}
