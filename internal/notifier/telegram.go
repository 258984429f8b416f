package notifier

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points operator alerts at a chat. Send-only: the bot never
// polls for updates.
type TelegramConfig struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type telegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  zerolog.Logger
}

func newTelegramSink(cfg TelegramConfig, log zerolog.Logger) (*telegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSink{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		log:  log.With().Str("sink", "telegram").Logger(),
	}, nil
}

func (t *telegramSink) send(text string) {
	if _, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		t.log.Warn().Err(err).Msg("telegram alert failed")
	}
}
