package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

var errNotConnected = errors.New("telegram bot not connected")

type TelegramSenderConfig struct {
	Store     domain.OutboundStore
	ParseMode string
	Logger    *slog.Logger
}

// TelegramSender delivers outbound events addressed to Telegram identities.
type TelegramSender struct {
	mu  sync.RWMutex
	bot botAPI

	store     domain.OutboundStore
	parseMode string
	logger    *slog.Logger
	sleep     func(time.Duration)
	now       func() time.Time
}

func NewTelegramSender(cfg TelegramSenderConfig) *TelegramSender {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	return &TelegramSender{
		store:     cfg.Store,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// Attach sets the bot used for delivery.
func (s *TelegramSender) Attach(bot botAPI) {
	s.mu.Lock()
	s.bot = bot
	s.mu.Unlock()
}

func (s *TelegramSender) client() botAPI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bot
}

// Handle implements bus.Subscriber. Delivery failures are logged, store
// failures are returned.
func (s *TelegramSender) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	id, ok := event.TargetOf(ev)
	if !ok || id.Kind != domain.ChannelTelegram {
		return nil, nil
	}
	bot := s.client()
	if bot == nil {
		return nil, errNotConnected
	}
	chatID, err := strconv.ParseInt(id.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", id.ID, err)
	}

	switch e := ev.(type) {
	case event.Response:
		return nil, s.respond(ctx, bot, chatID, e)
	case event.EditMessage:
		return nil, s.edit(ctx, bot, chatID, e)
	case event.DeleteMessage:
		return nil, s.delete(ctx, bot, chatID, e)
	case event.Typing:
		if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			s.logger.Debug("telegram typing failed", "chat_id", chatID, "err", err)
		}
	}
	return nil, nil
}

func (s *TelegramSender) respond(ctx context.Context, bot botAPI, chatID int64, r event.Response) error {
	chunks := splitMessage(r.Text, telegramMaxMsgLen)
	if len(chunks) == 0 {
		return nil
	}
	var last tgbotapi.Message
	for i, chunk := range chunks {
		var markup *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 && len(r.Buttons) > 0 {
			kb := keyboard(r.Buttons)
			markup = &kb
		}
		msg, err := s.sendChunk(bot, chatID, chunk, markup)
		if err != nil {
			s.logger.Error("telegram send failed after retries", "chat_id", chatID, "err", err, "attempts", telegramMaxSendRetries+1)
			return nil
		}
		last = msg
	}

	if r.SaveAs == "" && !r.PendingEdit && !r.PendingDelete {
		return nil
	}
	rec := domain.OutboundRecord{
		Identity:      r.Identity,
		Text:          r.Text,
		Tag:           r.SaveAs,
		DeliveredID:   strconv.Itoa(last.MessageID),
		PendingEdit:   r.PendingEdit,
		PendingDelete: r.PendingDelete,
		CreatedAt:     s.now(),
	}
	if err := s.store.SaveSentMessage(ctx, rec); err != nil {
		return fmt.Errorf("save sent message: %w", err)
	}
	return nil
}

func (s *TelegramSender) edit(ctx context.Context, bot botAPI, chatID int64, e event.EditMessage) error {
	rec, ok, err := s.store.FindLatestByTag(ctx, e.Identity, e.Tag)
	if err != nil {
		return fmt.Errorf("find message %s: %w", e.Tag, err)
	}
	if !ok {
		s.logger.Debug("no message to edit", "identity", e.Identity.Key(), "tag", e.Tag)
		return nil
	}
	if rec.PendingEdit {
		if err := s.store.RemoveSentMessage(ctx, e.Identity, rec.DeliveredID); err != nil {
			return fmt.Errorf("remove sent message: %w", err)
		}
	}

	msgID, err := strconv.Atoi(rec.DeliveredID)
	if err != nil {
		return fmt.Errorf("delivered id %q: %w", rec.DeliveredID, err)
	}
	cfg := tgbotapi.NewEditMessageText(chatID, msgID, e.Text)
	if len(e.Buttons) > 0 {
		kb := keyboard(e.Buttons)
		cfg.ReplyMarkup = &kb
	}
	if _, err := bot.Send(cfg); err != nil && !strings.Contains(err.Error(), "message is not modified") {
		s.logger.Warn("telegram edit failed", "chat_id", chatID, "message_id", msgID, "err", err)
	}
	return nil
}

func (s *TelegramSender) delete(ctx context.Context, bot botAPI, chatID int64, e event.DeleteMessage) error {
	msgID, err := strconv.Atoi(e.DeliveredID)
	if err != nil {
		return fmt.Errorf("delivered id %q: %w", e.DeliveredID, err)
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		s.logger.Warn("telegram delete failed", "chat_id", chatID, "message_id", msgID, "err", err)
	}
	if err := s.store.RemoveSentMessage(ctx, e.Identity, e.DeliveredID); err != nil {
		return fmt.Errorf("remove sent message: %w", err)
	}
	return nil
}

func (s *TelegramSender) answerCallback(queryID string) {
	bot := s.client()
	if bot == nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(queryID, "")); err != nil {
		s.logger.Debug("telegram callback answer failed", "err", err)
	}
}

// sendChunk sends one message. Markdown is tried first; a parse error falls
// back to plain text, rate limits and other errors back off and retry.
func (s *TelegramSender) sendChunk(bot botAPI, chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && s.parseMode != "" {
			msg.ParseMode = s.parseMode
		}
		if markup != nil {
			msg.ReplyMarkup = *markup
		}

		sent, err := bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			s.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			s.sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			s.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err, "parse_mode", s.parseMode)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			s.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			s.sleep(backoff)
		}
	}
	return tgbotapi.Message{}, lastErr
}

func keyboard(rows [][]domain.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cutAt := strings.LastIndex(text[:limit], "\n")
		if cutAt < limit/2 {
			cutAt = limit
			for cutAt > 1 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return append(chunks, text)
}
