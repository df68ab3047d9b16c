package infrastructure

import (
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier pushes operator alerts (bans, exhausted pools) to a
// Telegram chat. Optional: a nil notifier disables alerting.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram token: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) NotifyBanned(key, phone string) {
	text := fmt.Sprintf("🚫 Instance %s (%s) was banned and removed from rotation.", key, phone)
	n.send(text)
}

func (n *TelegramNotifier) NotifyCapacityExhausted(scope string) {
	text := fmt.Sprintf("⚠️ No sendable instance left in scope %s. Add capacity or wait for the daily reset.", scope)
	n.send(text)
}

// send is fire-and-forget; alert delivery never blocks gateway operations.
func (n *TelegramNotifier) send(text string) {
	go func() {
		if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
			log.Printf("telegram notify: %v", err)
		}
	}()
}
