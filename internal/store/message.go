package store

import (
	"context"
	"sync"

	"github.com/p2pdesk/escrow/internal/domain"
)

// MessageStore is a thread-safe in-memory chat ledger keyed by trade.
// Messages are append-only and chronological.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*domain.Message // trade_id → messages
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string][]*domain.Message)}
}

func cloneMessage(m *domain.Message) *domain.Message {
	c := *m
	c.Attachments = append([]string(nil), m.Attachments...)
	return &c
}

// AppendMessage adds a message to its trade's list.
func (s *MessageStore) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.TradeID] = append(s.messages[m.TradeID], cloneMessage(m))
	return nil
}

// ListMessages returns a trade's messages oldest first.
func (s *MessageStore) ListMessages(_ context.Context, tradeID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[tradeID]
	result := make([]*domain.Message, len(msgs))
	for i, m := range msgs {
		result[i] = cloneMessage(m)
	}
	return result, nil
}

// MarkRead flags unread messages addressed to recipientID as read.
func (s *MessageStore) MarkRead(_ context.Context, tradeID, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages[tradeID] {
		if m.RecipientID == recipientID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
