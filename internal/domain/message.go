package domain

import "time"

// Message is a chat entry scoped to one trade. Messages are immutable once
// created except for the read flag.
type Message struct {
	ID          string
	TradeID     string
	SenderID    string
	RecipientID string
	Body        string
	Attachments []string
	IsRead      bool
	IsSystem    bool
	CreatedAt   time.Time
}

// Review is one counterparty's rating of the other after a trade.
type Review struct {
	ID             string
	TradeID        string
	ReviewerID     string
	ReviewedUserID string
	Rating         int // 1..5
	Comment        string
	IsPositive     bool
	CreatedAt      time.Time
}

// PaymentMethod is a user's saved payment channel. Details are opaque to
// the core.
type PaymentMethod struct {
	ID         string
	UserID     string
	Type       string
	Name       string
	Details    map[string]string
	IsActive   bool
	IsVerified bool
	TimesUsed  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy.
func (p *PaymentMethod) Clone() *PaymentMethod {
	c := *p
	if p.Details != nil {
		c.Details = make(map[string]string, len(p.Details))
		for k, v := range p.Details {
			c.Details[k] = v
		}
	}
	return &c
}
