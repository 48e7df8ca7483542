package gateway

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const telegramLimit = 4096

// Telegram notifies one chat and accepts commands from it.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewTelegramBot connects with token and verifies it.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	return tgbotapi.NewBotAPI(token)
}

func NewTelegram(bot *tgbotapi.BotAPI, chatID int64, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("telegram")
	logger.Info("authorized", zap.String("account", bot.Self.UserName), zap.Int64("chat_id", chatID))
	return &Telegram{bot: bot, chatID: chatID, logger: logger}
}

func (tg *Telegram) Send(ctx context.Context, text string) error {
	if tg.chatID == 0 {
		return errors.New("telegram chat id is not configured")
	}
	return tg.sendTo(tg.chatID, text)
}

func (tg *Telegram) sendTo(chatID int64, text string) error {
	for _, part := range chunks(text, telegramLimit) {
		if _, err := tg.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return err
		}
	}
	return nil
}

// Start handles incoming commands until ctx is cancelled. Messages from
// chats other than the configured one are ignored.
func (tg *Telegram) Start(ctx context.Context, commands *CommandHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := tg.bot.GetUpdatesChan(u)
	defer tg.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			commands.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			tg.handle(ctx, commands, update)
		}
	}
}

func (tg *Telegram) handle(ctx context.Context, commands *CommandHandler, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if tg.chatID != 0 && msg.Chat.ID != tg.chatID {
		tg.logger.Warn("ignoring message from unknown chat", zap.Int64("chat_id", msg.Chat.ID))
		return
	}
	from := ""
	if msg.From != nil {
		from = msg.From.UserName
	}
	tg.logger.Info("command", zap.String("from", from), zap.String("text", msg.Text))

	reply := commands.Handle(ctx, msg.Text)
	if err := tg.sendTo(msg.Chat.ID, reply); err != nil {
		tg.logger.Error("reply failed", zap.Error(err))
	}
}
