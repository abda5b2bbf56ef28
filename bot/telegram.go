package bot

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications
// ═══════════════════════════════════════════════════════════════════════════════
//
// Outbound-only surface for fills, halts and incidents, plus a /status
// command. Control stays on the local admin socket; the bot never mutates
// kernel state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider supplies the /status payload.
type StatusProvider interface {
	Status() map[string]interface{}
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	status StatusProvider
}

// New creates the bot. Returns nil without error when no token is
// configured: notifications are optional.
func New(token string, chatID int64, status StatusProvider) (*TelegramBot, error) {
	if token == "" {
		log.Info().Msg("telegram disabled (no token)")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	log.Info().Str("bot", api.Self.UserName).Msg("telegram connected")
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		status: status,
	}, nil
}

// Start begins the command loop.
func (b *TelegramBot) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
}

// Stop halts the command loop.
func (b *TelegramBot) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}

// NotifyFill reports an execution fill.
func (b *TelegramBot) NotifyFill(market, side string, price, qty decimal.Decimal) {
	if b == nil {
		return
	}
	b.send(fmt.Sprintf("💧 Fill %s %s %s @ %s", market, side, qty.StringFixed(2), price.StringFixed(4)))
}

// NotifyIncident reports a kernel incident or latch.
func (b *TelegramBot) NotifyIncident(level, detail string) {
	if b == nil {
		return
	}
	icon := "⚠️"
	if level == "CRITICAL" {
		icon = "🚨"
	}
	b.send(fmt.Sprintf("%s %s: %s", icon, level, detail))
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
	}
}

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			if update.Message.Command() == "status" {
				b.sendStatus()
			}
		}
	}
}

func (b *TelegramBot) sendStatus() {
	if b.status == nil {
		return
	}
	s := b.status.Status()
	text := fmt.Sprintf(
		"📊 polyd status\nrun: %v\nopen orders: %v\npnl: %v\ndrawdown halt: %v\nkill switch: %v\nbreaker open: %v",
		s["run_id"], s["open_orders"], s["cumulative_pnl"],
		s["drawdown_halt"], s["kill_switch"], s["breaker_open"],
	)
	b.send(text)
}
