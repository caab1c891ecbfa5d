package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType indicates whether the maker is buying or selling the asset.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Opposite returns the side a taker must have to trade against t.
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusInactive  OrderStatus = "inactive"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// PriceType is the tag of an order's Pricing variant.
type PriceType string

const (
	PriceTypeMarket   PriceType = "market"
	PriceTypeLimit    PriceType = "limit"
	PriceTypeFloating PriceType = "floating"
)

// Pricing is a tagged variant: Limit carries Price, Floating carries Margin
// (percent over the reference market price), Market carries neither.
type Pricing struct {
	Type   PriceType
	Price  decimal.Decimal
	Margin decimal.Decimal
}

// LimitPrice builds a fixed-price variant.
func LimitPrice(price decimal.Decimal) Pricing {
	return Pricing{Type: PriceTypeLimit, Price: price}
}

// FloatingPrice builds a margin-over-market variant.
func FloatingPrice(margin decimal.Decimal) Pricing {
	return Pricing{Type: PriceTypeFloating, Margin: margin}
}

// MarketPrice builds the unpriced variant.
func MarketPrice() Pricing {
	return Pricing{Type: PriceTypeMarket}
}

// Effective resolves the unit price against a reference market price.
// ok is false when the variant has no concrete price: market orders, or
// floating orders without a reference.
func (p Pricing) Effective(reference decimal.Decimal) (price decimal.Decimal, ok bool) {
	switch p.Type {
	case PriceTypeLimit:
		return p.Price, true
	case PriceTypeFloating:
		if !reference.IsPositive() {
			return decimal.Zero, false
		}
		factor := decimal.NewFromInt(1).Add(p.Margin.Div(decimal.NewFromInt(100)))
		return reference.Mul(factor), true
	}
	return decimal.Zero, false
}

// Restrictions limit which takers may trade against an order.
type Restrictions struct {
	MinTradeCount     int
	MinCompletionRate float64 // percent, 0..100
	VerifiedOnly      bool
}

// Order is a standing offer to buy or sell an amount of a crypto asset for
// a fiat currency. Orders are never physically removed.
type Order struct {
	ID               string
	TenantID         string
	UserID           string
	Type             OrderType
	Asset            string // crypto asset, e.g. BTC
	Fiat             string // fiat currency, e.g. USD
	Pricing          Pricing
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	AvailableAmount  decimal.Decimal
	PaymentTimeLimit time.Duration
	PaymentMethods   []string
	Restrictions     Restrictions
	Terms            string
	Status           OrderStatus
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SellerFor returns the seller of a trade between the order owner and taker.
func (o *Order) SellerFor(takerID string) string {
	if o.Type == OrderTypeSell {
		return o.UserID
	}
	return takerID
}

// BuyerFor returns the buyer of a trade between the order owner and taker.
func (o *Order) BuyerFor(takerID string) string {
	if o.Type == OrderTypeBuy {
		return o.UserID
	}
	return takerID
}

// AcceptsPaymentMethod reports whether method is in the order's set.
func (o *Order) AcceptsPaymentMethod(method string) bool {
	for _, m := range o.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Admits reports whether a trade of amount fits the order's band and its
// current availability.
func (o *Order) Admits(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(o.MinAmount) &&
		amount.LessThanOrEqual(o.MaxAmount) &&
		amount.LessThanOrEqual(o.AvailableAmount)
}

// Clone returns a deep copy so store callers never share mutable state.
func (o *Order) Clone() *Order {
	c := *o
	c.PaymentMethods = append([]string(nil), o.PaymentMethods...)
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// OrderFilter selects orders for listing. Zero values match everything.
type OrderFilter struct {
	TenantID       string
	UserID         string
	Type           OrderType
	Asset          string
	Fiat           string
	Status         OrderStatus
	PaymentMethods []string // matches orders sharing at least one method
}
