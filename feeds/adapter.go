package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE ADAPTER CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// The kernel consumes three event streams and one submission API from the
// venue. Anything that satisfies these shapes can drive the daemon; the
// websocket feed in this package is the live implementation.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketEventKind enumerates market-stream event kinds the kernel consumes.
type MarketEventKind string

const (
	MarketL2Update  MarketEventKind = "l2_update"
	MarketTrade     MarketEventKind = "trade"
	MarketHeartbeat MarketEventKind = "heartbeat"
)

// MarketEvent is one decoded market-stream message.
type MarketEvent struct {
	MarketID  string
	TokenID   string
	Kind      MarketEventKind
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	TradePx   decimal.Decimal
	TradeQty  decimal.Decimal
	Timestamp time.Time
}

// UserEventKind enumerates user-stream event kinds.
type UserEventKind string

const (
	UserOrderUpdate UserEventKind = "order_update"
	UserFill        UserEventKind = "fill"
	UserBalance     UserEventKind = "balance"
)

// UserEvent is one decoded user-stream message.
type UserEvent struct {
	Kind          UserEventKind
	VenueOrderID  string
	ClientOrderID string
	MarketID      string
	Status        string
	Fill          *types.Fill
	Balance       decimal.Decimal
	Timestamp     time.Time
}

// ConnState enumerates connection lifecycle notifications.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnResynced     ConnState = "resynced"
)

// ConnEvent notifies the state manager of connection transitions.
// A Disconnected event flips every market on the connection stale until
// Resynced arrives after the post-reconnect snapshot reload.
type ConnEvent struct {
	State     ConnState
	Reason    string
	Timestamp time.Time
}

// SubmitAck is the venue's acceptance of an order.
type SubmitAck struct {
	VenueOrderID string
}

// TransientVenueError covers network/timeout/5xx failures; the execution
// manager retries these with bounded backoff.
type TransientVenueError struct {
	Op  string
	Err error
}

func (e *TransientVenueError) Error() string {
	return fmt.Sprintf("transient venue error in %s: %v", e.Op, e.Err)
}

func (e *TransientVenueError) Unwrap() error { return e.Err }

// PermanentVenueError covers rejections; terminal for the attempt.
type PermanentVenueError struct {
	Op     string
	Reason string
}

func (e *PermanentVenueError) Error() string {
	return fmt.Sprintf("venue rejected %s: %s", e.Op, e.Reason)
}

// Submitter is the outbound half of the venue adapter. Signing keys live
// behind this interface and never reach the rest of the kernel.
type Submitter interface {
	// Submit places an order. Returns SubmitAck on success, a
	// *TransientVenueError when a retry may succeed, or a
	// *PermanentVenueError when the venue rejected the order.
	Submit(ctx context.Context, o *types.Order) (SubmitAck, error)

	// Cancel cancels by venue order id, falling back to client order id
	// when the venue id is empty.
	Cancel(ctx context.Context, venueOrderID, clientOrderID string) error

	// CancelAll cancels every open order (kill-switch path).
	CancelAll(ctx context.Context) error
}

// Feed is the inbound half of the venue adapter.
type Feed interface {
	Start() error
	Stop()
	MarketEvents() <-chan MarketEvent
	UserEvents() <-chan UserEvent
	ConnEvents() <-chan ConnEvent
}
