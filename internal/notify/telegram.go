package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/rl-trader/internal/logger"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramSink struct {
	bot    telegramAPI
	chatID int64
}

func NewTelegramSink(token string, chatID int64, log *logger.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info("telegram bot connected", "username", bot.Self.UserName)
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatTelegram(n))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

var categoryEmoji = map[Category]string{
	TradeOpened:       "🟢",
	TradeClosed:       "💰",
	RiskLimitHit:      "🛑",
	ConnectionError:   "📡",
	Shutdown:          "⏹",
	Error:             "⚠️",
	ReconcileMismatch: "🔍",
	Startup:           "▶️",
}

func formatTelegram(n Notification) string {
	var b strings.Builder
	emoji := categoryEmoji[n.Category]
	if n.Category == TradeClosed {
		if p, ok := n.Fields["profit"].(float64); ok && p <= 0 {
			emoji = "🔴"
		}
	}
	fmt.Fprintf(&b, "%s *%s*\n%s", emoji, strings.ToUpper(string(n.Category)), n.Message)

	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := n.Fields[k].(type) {
		case float64:
			fmt.Fprintf(&b, "\n%s: %.2f", k, v)
		default:
			fmt.Fprintf(&b, "\n%s: %v", k, v)
		}
	}
	return b.String()
}
