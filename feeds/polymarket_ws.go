package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two connections: the market channel (book snapshots, price changes, trades)
// and the user channel (order updates, fills, balances). Both reconnect with
// a fixed delay; after reconnect every subscription is replayed. On the
// market channel a Resynced event is emitted as soon as the resubscribe
// message is written; the user channel emits no Resynced event.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// VenueFeed manages both websocket connections and event distribution.
type VenueFeed struct {
	mu sync.RWMutex

	marketURL string
	userURL   string

	marketConn *websocket.Conn
	userConn   *websocket.Conn
	running    bool
	stopCh     chan struct{}

	tokens  []string          // subscribed token ids
	markets map[string]string // token id -> market id

	marketCh chan MarketEvent
	userCh   chan UserEvent
	connCh   chan ConnEvent

	malformed int64 // dropped undecodable messages
}

// NewVenueFeed creates a feed for the given market/user websocket endpoints.
func NewVenueFeed(marketURL, userURL string) *VenueFeed {
	return &VenueFeed{
		marketURL: marketURL,
		userURL:   userURL,
		stopCh:    make(chan struct{}),
		markets:   make(map[string]string),
		marketCh:  make(chan MarketEvent, 4096),
		userCh:    make(chan UserEvent, 1024),
		connCh:    make(chan ConnEvent, 16),
	}
}

// Watch registers a market's tokens for subscription.
func (f *VenueFeed) Watch(m types.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, m.YesToken, m.NoToken)
	f.markets[m.YesToken] = m.ID
	f.markets[m.NoToken] = m.ID
}

// Start connects and begins processing.
func (f *VenueFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop("market")
	go f.connectionLoop("user")
	log.Info().Msg("venue feed started")
	return nil
}

// Stop closes both connections.
func (f *VenueFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.marketConn != nil {
		f.marketConn.Close()
	}
	if f.userConn != nil {
		f.userConn.Close()
	}
	log.Info().Msg("venue feed stopped")
}

func (f *VenueFeed) MarketEvents() <-chan MarketEvent { return f.marketCh }
func (f *VenueFeed) UserEvents() <-chan UserEvent     { return f.userCh }
func (f *VenueFeed) ConnEvents() <-chan ConnEvent     { return f.connCh }

// MalformedCount returns the number of dropped undecodable messages.
func (f *VenueFeed) MalformedCount() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.malformed
}

// connectionLoop maintains one websocket connection until Stop.
func (f *VenueFeed) connectionLoop(channel string) {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(channel); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("connection failed, retrying")
			f.notify(ConnEvent{State: ConnDisconnected, Reason: err.Error(), Timestamp: time.Now()})
			time.Sleep(reconnectDelay)
			continue
		}

		f.notify(ConnEvent{State: ConnConnected, Timestamp: time.Now()})

		if err := f.resubscribe(channel); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("resubscribe failed")
		} else if channel == "market" {
			// The book snapshots that follow the subscribe complete resync.
			f.notify(ConnEvent{State: ConnResynced, Timestamp: time.Now()})
		}

		f.readLoop(channel)
		f.notify(ConnEvent{State: ConnDisconnected, Reason: "read loop ended", Timestamp: time.Now()})
		time.Sleep(reconnectDelay)
	}
}

func (f *VenueFeed) connect(channel string) error {
	url := f.marketURL
	if channel == "user" {
		url = f.userURL
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if channel == "user" {
		f.userConn = conn
	} else {
		f.marketConn = conn
	}
	f.mu.Unlock()

	log.Info().Str("channel", channel).Msg("websocket connected")
	go f.pingLoop(conn)
	return nil
}

func (f *VenueFeed) resubscribe(channel string) error {
	f.mu.RLock()
	conn := f.marketConn
	if channel == "user" {
		conn = f.userConn
	}
	tokens := append([]string(nil), f.tokens...)
	f.mu.RUnlock()

	if conn == nil {
		return nil
	}

	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    channel,
		"assets_ids": tokens,
	}
	return conn.WriteJSON(msg)
}

func (f *VenueFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *VenueFeed) readLoop(channel string) {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.marketConn
		if channel == "user" {
			conn = f.userConn
		}
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("read error")
			return
		}

		if channel == "user" {
			f.processUserMessage(message)
		} else {
			f.processMarketMessage(message)
		}
	}
}

// wsMessage is the wire shape shared by market-channel events.
type wsMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Price     string          `json:"price"`
	Size      string          `json:"size"`
	Side      string          `json:"side"`
	Bids      [][]string      `json:"bids"`
	Asks      [][]string      `json:"asks"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (f *VenueFeed) processMarketMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.dropMalformed(data)
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book", "price_change":
			f.emitBookUpdate(msg)
		case "last_trade_price":
			f.emitTrade(msg)
		case "":
			// Heartbeats carry no event_type.
			f.emit(MarketEvent{Kind: MarketHeartbeat, Timestamp: time.Now()})
		}
	}
}

func (f *VenueFeed) emitBookUpdate(msg wsMessage) {
	ev := MarketEvent{
		MarketID:  f.marketFor(msg.AssetID, msg.Market),
		TokenID:   msg.AssetID,
		Kind:      MarketL2Update,
		Timestamp: time.Now(),
	}

	if len(msg.Bids) > 0 && len(msg.Bids[0]) >= 2 {
		ev.BidPrice, _ = decimal.NewFromString(msg.Bids[0][0])
		ev.BidSize, _ = decimal.NewFromString(msg.Bids[0][1])
	}
	if len(msg.Asks) > 0 && len(msg.Asks[0]) >= 2 {
		ev.AskPrice, _ = decimal.NewFromString(msg.Asks[0][0])
		ev.AskSize, _ = decimal.NewFromString(msg.Asks[0][1])
	}

	f.emit(ev)
}

func (f *VenueFeed) emitTrade(msg wsMessage) {
	px, err := decimal.NewFromString(msg.Price)
	if err != nil {
		f.dropMalformed(nil)
		return
	}
	qty, _ := decimal.NewFromString(msg.Size)

	f.emit(MarketEvent{
		MarketID:  f.marketFor(msg.AssetID, msg.Market),
		TokenID:   msg.AssetID,
		Kind:      MarketTrade,
		TradePx:   px,
		TradeQty:  qty,
		Timestamp: time.Now(),
	})
}

// userWSMessage is the user-channel wire shape.
type userWSMessage struct {
	EventType     string `json:"event_type"`
	OrderID       string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	AssetID       string `json:"asset_id"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size_matched"`
	Fee           string `json:"fee_rate_bps"`
	TradeID       string `json:"trade_id"`
	Maker         bool   `json:"maker"`
	Balance       string `json:"balance"`
}

func (f *VenueFeed) processUserMessage(data []byte) {
	var msgs []userWSMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg userWSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.dropMalformed(data)
			return
		}
		msgs = []userWSMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "order":
			f.emitUser(UserEvent{
				Kind:          UserOrderUpdate,
				VenueOrderID:  msg.OrderID,
				ClientOrderID: msg.ClientOrderID,
				MarketID:      f.marketFor(msg.AssetID, msg.Market),
				Status:        msg.Status,
				Timestamp:     time.Now(),
			})
		case "trade":
			px, err := decimal.NewFromString(msg.Price)
			if err != nil {
				f.dropMalformed(data)
				continue
			}
			qty, _ := decimal.NewFromString(msg.Size)
			fee, _ := decimal.NewFromString(msg.Fee)

			action := types.ActionBuy
			if msg.Side == "SELL" {
				action = types.ActionSell
			}

			f.emitUser(UserEvent{
				Kind:          UserFill,
				VenueOrderID:  msg.OrderID,
				ClientOrderID: msg.ClientOrderID,
				MarketID:      f.marketFor(msg.AssetID, msg.Market),
				Fill: &types.Fill{
					FillID:        msg.TradeID,
					VenueOrderID:  msg.OrderID,
					ClientOrderID: msg.ClientOrderID,
					MarketID:      f.marketFor(msg.AssetID, msg.Market),
					Action:        action,
					Price:         px,
					Qty:           qty,
					Fee:           fee,
					Maker:         msg.Maker,
					Timestamp:     time.Now(),
				},
				Timestamp: time.Now(),
			})
		case "balance":
			bal, _ := decimal.NewFromString(msg.Balance)
			f.emitUser(UserEvent{Kind: UserBalance, Balance: bal, Timestamp: time.Now()})
		}
	}
}

func (f *VenueFeed) marketFor(tokenID, fallback string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if m, ok := f.markets[tokenID]; ok {
		return m
	}
	return fallback
}

func (f *VenueFeed) dropMalformed(data []byte) {
	f.mu.Lock()
	f.malformed++
	n := f.malformed
	f.mu.Unlock()

	if n%100 == 1 {
		log.Warn().Int64("dropped", n).Msg("malformed venue messages dropped")
	}
}

func (f *VenueFeed) emit(ev MarketEvent) {
	select {
	case f.marketCh <- ev:
	default:
		// Market events are reconstructible from the next snapshot.
	}
}

func (f *VenueFeed) emitUser(ev UserEvent) {
	// User events drive order state and must not be dropped.
	f.userCh <- ev
}

func (f *VenueFeed) notify(ev ConnEvent) {
	select {
	case f.connCh <- ev:
	default:
	}
}
