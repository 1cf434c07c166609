package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
	"github.com/fizteh95/tg-gpt-proxy/internal/ratelimit"
)

const (
	telegramPollTimeout = 30
	// telegramMaxWorkers bounds the chats handled at the same time.
	telegramMaxWorkers = 64
)

// Publisher is the part of the bus a channel needs.
type Publisher interface {
	Publish(ctx context.Context, events ...event.Event) error
}

// TelegramStore is the storage a Telegram channel needs.
type TelegramStore interface {
	domain.UserStore
	domain.OutboundStore
}

// botAPI is the subset of *tgbotapi.BotAPI used for delivery.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramConfig struct {
	Token string
	// AllowFrom holds chat ids or username glob patterns. Empty allows everyone.
	AllowFrom []string
	ParseMode string
	Bus       Publisher
	Store     TelegramStore
	// Limiter throttles inbound messages per identity. Nil disables it.
	Limiter *ratelimit.Limiter
	Texts   config.TextsConfig
	Logger  *slog.Logger
}

// Telegram polls the Bot API and turns updates into inbound events.
// Delivery goes through Sender, which must be registered on the bus.
type Telegram struct {
	token     string
	allowIDs  map[int64]bool
	allowPats []glob.Glob
	bus       Publisher
	store     TelegramStore
	limiter   *ratelimit.Limiter
	texts     config.TextsConfig
	logger    *slog.Logger

	sender *TelegramSender
	bot    *tgbotapi.BotAPI

	workers *errgroup.Group
	queueMu sync.Mutex
	queues  map[int64][]tgbotapi.Update
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Telegram{
		token:    cfg.Token,
		allowIDs: make(map[int64]bool),
		bus:      cfg.Bus,
		store:    cfg.Store,
		limiter:  cfg.Limiter,
		texts:    cfg.Texts,
		logger:   cfg.Logger,
		queues:   make(map[int64][]tgbotapi.Update),
		sender: NewTelegramSender(TelegramSenderConfig{
			Store:     cfg.Store,
			ParseMode: cfg.ParseMode,
			Logger:    cfg.Logger,
		}),
	}
	for _, s := range cfg.AllowFrom {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.allowIDs[id] = true
			continue
		}
		g, err := glob.Compile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, fmt.Errorf("telegram allow pattern %q: %w", s, err)
		}
		t.allowPats = append(t.allowPats, g)
	}
	t.workers = &errgroup.Group{}
	t.workers.SetLimit(telegramMaxWorkers)
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Sender returns the outbound subscriber bound to this channel's bot.
func (t *Telegram) Sender() *TelegramSender { return t.sender }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.sender.Attach(bot)
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	defer t.workers.Wait()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update)
		}
	}
}

// dispatch hands update to the worker of its chat, starting one when the
// chat has none. Updates of one chat are handled in arrival order; different
// chats run in parallel.
func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update) {
	chatID, ok := chatOf(update)
	if !ok {
		t.handleUpdate(ctx, update)
		return
	}

	t.queueMu.Lock()
	if q, busy := t.queues[chatID]; busy {
		t.queues[chatID] = append(q, update)
		t.queueMu.Unlock()
		return
	}
	t.queues[chatID] = nil
	t.queueMu.Unlock()

	t.workers.Go(func() error {
		next := update
		for {
			t.handleUpdate(ctx, next)

			t.queueMu.Lock()
			q := t.queues[chatID]
			if len(q) == 0 {
				delete(t.queues, chatID)
				t.queueMu.Unlock()
				return nil
			}
			next, t.queues[chatID] = q[0], q[1:]
			t.queueMu.Unlock()
		}
	})
}

func chatOf(update tgbotapi.Update) (int64, bool) {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		return update.Message.Chat.ID, true
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil && update.CallbackQuery.Message.Chat != nil:
		return update.CallbackQuery.Message.Chat.ID, true
	}
	return 0, false
}

// Stop is a no-op: polling ends when Start's context is cancelled and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

func senderOf(chat *tgbotapi.Chat, from *tgbotapi.User) domain.Sender {
	s := domain.Sender{Kind: domain.ChannelTelegram, ID: strconv.FormatInt(chat.ID, 10)}
	if from != nil {
		s.Username = from.UserName
		s.FirstName = from.FirstName
		s.LastName = from.LastName
	}
	return s
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	sender := senderOf(msg.Chat, msg.From)

	if !t.isAllowed(msg.From) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", msg.From.ID,
			"username", msg.From.UserName,
		)
		t.reply(ctx, chatID, t.texts.Unauthorized)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !t.admit(ctx, chatID, sender) {
		return
	}

	var ev event.Event = event.InText{Sender: sender, Text: text}
	if msg.IsCommand() {
		ev = event.InCommand{
			Sender:  sender,
			Command: msg.Command(),
			Args:    strings.TrimSpace(msg.CommandArguments()),
		}
	}
	events := []event.Event{ev}

	// A chooser left untouched loses its buttons once the user moves on.
	id := sender.Identity()
	if rec, ok, err := t.store.FindPendingEdit(ctx, id); err != nil {
		t.logger.Warn("pending edit lookup failed", "identity", id.Key(), "err", err)
	} else if ok {
		events = append(events, event.EditMessage{Identity: id, Text: rec.Text, Tag: rec.Tag})
	}

	t.logger.Info("telegram message received",
		"chat_id", chatID,
		"kind", ev.Kind(),
		"text_len", len(text),
	)
	t.publish(ctx, chatID, events...)
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	t.sender.answerCallback(cq.ID)

	chatID := cq.Message.Chat.ID
	sender := senderOf(cq.Message.Chat, cq.From)
	if cq.From != nil && !t.isAllowed(cq.From) {
		return
	}
	if !t.admit(ctx, chatID, sender) {
		return
	}

	id := sender.Identity()
	if fields := strings.Fields(cq.Data); len(fields) > 0 {
		if err := t.store.MarkPushed(ctx, id, fields[0]+"_message"); err != nil {
			t.logger.Warn("mark pushed failed", "identity", id.Key(), "err", err)
		}
	}
	t.publish(ctx, chatID, event.InButton{Sender: sender, Data: cq.Data})
}

// admit applies the rate limit and registers first-time senders.
func (t *Telegram) admit(ctx context.Context, chatID int64, sender domain.Sender) bool {
	id := sender.Identity()
	if t.limiter != nil && !t.limiter.Allow(id.Key()) {
		metrics.InboundThrottled.Inc()
		t.logger.Debug("telegram message throttled", "identity", id.Key())
		t.reply(ctx, chatID, t.texts.Throttled)
		return false
	}
	created, err := t.store.EnsureUser(ctx, sender)
	if err != nil {
		t.logger.Error("register user failed", "identity", id.Key(), "err", err)
	} else if created {
		t.logger.Info("new telegram user", "identity", id.Key(), "username", sender.Username)
	}
	return true
}

func (t *Telegram) publish(ctx context.Context, chatID int64, events ...event.Event) {
	if err := t.bus.Publish(ctx, events...); err != nil {
		t.logger.Error("pipeline failed", "chat_id", chatID, "err", err)
		t.reply(ctx, chatID, t.texts.InternalError)
	}
}

func (t *Telegram) reply(ctx context.Context, chatID int64, text string) {
	id := domain.NewIdentity(domain.ChannelTelegram, strconv.FormatInt(chatID, 10))
	if _, err := t.sender.Handle(ctx, event.Reply(id, text, nil)); err != nil {
		t.logger.Warn("telegram reply failed", "chat_id", chatID, "err", err)
	}
}

func (t *Telegram) isAllowed(u *tgbotapi.User) bool {
	if len(t.allowIDs) == 0 && len(t.allowPats) == 0 {
		return true
	}
	if t.allowIDs[u.ID] {
		return true
	}
	if u.UserName == "" {
		return false
	}
	for _, g := range t.allowPats {
		if g.Match(u.UserName) {
			return true
		}
	}
	return false
}
