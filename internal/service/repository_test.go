package service

import (
	"github.com/p2pdesk/escrow/internal/store"
	"github.com/p2pdesk/escrow/internal/store/postgres"
)

var (
	_ OrderRepository         = (*store.OrderStore)(nil)
	_ TradeRepository         = (*store.TradeStore)(nil)
	_ EscrowRepository        = (*store.EscrowStore)(nil)
	_ DisputeRepository       = (*store.DisputeStore)(nil)
	_ MessageRepository       = (*store.MessageStore)(nil)
	_ ReviewRepository        = (*store.ReviewStore)(nil)
	_ PaymentMethodRepository = (*store.PaymentMethodStore)(nil)

	_ OrderRepository         = (*postgres.Store)(nil)
	_ TradeRepository         = (*postgres.Store)(nil)
	_ EscrowRepository        = (*postgres.Store)(nil)
	_ DisputeRepository       = (*postgres.Store)(nil)
	_ MessageRepository       = (*postgres.Store)(nil)
	_ ReviewRepository        = (*postgres.Store)(nil)
	_ PaymentMethodRepository = (*postgres.Store)(nil)
)
