package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2pdesk/escrow/internal/domain"
)

const (
	maxMessageLength   = 2000
	maxAttachmentCount = 5
)

// SendMessageRequest represents a chat message from a trade participant.
type SendMessageRequest struct {
	Body        string
	Attachments []string
}

// MessageService is the trade chat ledger. Delivery to clients happens
// elsewhere; this only persists and reads messages.
type MessageService struct {
	messages MessageRepository
	trades   TradeRepository
	now      func() time.Time
}

// NewMessageService creates a MessageService.
func NewMessageService(messages MessageRepository, trades TradeRepository) *MessageService {
	return &MessageService{messages: messages, trades: trades, now: time.Now}
}

// Send appends a message from the caller to their counterparty. Chat is
// closed once the trade is completed or cancelled.
func (s *MessageService) Send(ctx context.Context, caller domain.Caller, tradeID string, req SendMessageRequest) (*domain.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" && len(req.Attachments) == 0 {
		return nil, domain.NewValidationError("message body or attachments are required")
	}
	if len(body) > maxMessageLength {
		return nil, domain.NewValidationError(fmt.Sprintf("message must be at most %d characters", maxMessageLength))
	}
	if len(req.Attachments) > maxAttachmentCount {
		return nil, domain.NewValidationError(fmt.Sprintf("at most %d attachments are allowed", maxAttachmentCount))
	}
	for _, a := range req.Attachments {
		if u, err := url.ParseRequestURI(a); err != nil || !u.IsAbs() {
			return nil, domain.NewValidationError("attachments must be absolute URLs")
		}
	}

	t, err := s.participantTrade(ctx, caller, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	m := &domain.Message{
		ID:          uuid.New().String(),
		TradeID:     t.ID,
		SenderID:    caller.UserID,
		RecipientID: t.Counterparty(caller.UserID),
		Body:        body,
		Attachments: append([]string(nil), req.Attachments...),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.messages.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns the trade's chat, oldest first.
func (s *MessageService) List(ctx context.Context, caller domain.Caller, tradeID string) ([]*domain.Message, error) {
	t, err := s.visibleTrade(ctx, caller, tradeID)
	if err != nil {
		return nil, err
	}
	return s.messages.ListMessages(ctx, t.ID)
}

// MarkRead flags the caller's unread messages in the trade as read.
func (s *MessageService) MarkRead(ctx context.Context, caller domain.Caller, tradeID string) (int, error) {
	t, err := s.participantTrade(ctx, caller, tradeID)
	if err != nil {
		return 0, err
	}
	return s.messages.MarkRead(ctx, t.ID, caller.UserID)
}

func (s *MessageService) visibleTrade(ctx context.Context, caller domain.Caller, tradeID string) (*domain.Trade, error) {
	t, err := s.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != caller.TenantID || t.NeverOpened() {
		return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, tradeID)
	}
	if !caller.IsSystem() && !t.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: not a participant of trade %s", domain.ErrUnauthorized, tradeID)
	}
	return t, nil
}

func (s *MessageService) participantTrade(ctx context.Context, caller domain.Caller, tradeID string) (*domain.Trade, error) {
	t, err := s.visibleTrade(ctx, caller, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: not a participant of trade %s", domain.ErrUnauthorized, tradeID)
	}
	return t, nil
}
