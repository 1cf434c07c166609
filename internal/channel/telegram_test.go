package channel

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/memory"
	"github.com/fizteh95/tg-gpt-proxy/internal/ratelimit"
)

// fakeBot records every call. sendErrs are returned, in order, by Send.
type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErrs []error
	nextID   int
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	b.nextID++
	return tgbotapi.Message{MessageID: 100 + b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBot) editsSent() []tgbotapi.EditMessageTextConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func newTestSender(store domain.OutboundStore, bot botAPI) (*TelegramSender, *[]time.Duration) {
	s := NewTelegramSender(TelegramSenderConfig{Store: store, Logger: testLogger()})
	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	s.Attach(bot)
	return s, &slept
}

var chat42 = domain.NewIdentity(domain.ChannelTelegram, "42")

func TestSender_ResponseWithKeyboardIsSaved(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	bot := &fakeBot{}
	s, _ := newTestSender(store, bot)

	r := event.Reply(chat42, "pick one", [][]domain.Button{{{Text: "a", Data: "proxy_choice a"}}})
	r.SaveAs = "proxy_choice_message"
	r.PendingEdit = true
	_, err := s.Handle(ctx, r)
	require.NoError(t, err)

	msgs := bot.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, msgs[0].ParseMode)
	kb, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, "proxy_choice a", *kb.InlineKeyboard[0][0].CallbackData)

	rec, found, err := store.FindPendingEdit(ctx, chat42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "101", rec.DeliveredID)
	assert.Equal(t, "pick one", rec.Text)
}

func TestSender_PlainResponseIsNotSaved(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	s, _ := newTestSender(store, &fakeBot{})

	_, err := s.Handle(ctx, event.Reply(chat42, "hi", nil))
	require.NoError(t, err)
	_, found, err := store.FindLatestByTag(ctx, chat42, "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSender_ChunksLongReplies(t *testing.T) {
	bot := &fakeBot{}
	s, _ := newTestSender(memory.NewMemStore(), bot)
	long := strings.Repeat("я", 3000) // 6000 bytes

	_, err := s.Handle(context.Background(), event.Reply(chat42, long, [][]domain.Button{{{Text: "x", Data: "x"}}}))
	require.NoError(t, err)

	msgs := bot.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, long, msgs[0].Text+msgs[1].Text)
	assert.Nil(t, msgs[0].ReplyMarkup, "keyboard goes on the last chunk")
	assert.NotNil(t, msgs[1].ReplyMarkup)
}

func TestSender_MarkdownFallbackAndRateLimit(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{
		errors.New("Bad Request: can't parse entities"),
		errors.New("Too Many Requests: retry after 1"),
	}}
	s, slept := newTestSender(memory.NewMemStore(), bot)

	_, err := s.Handle(context.Background(), event.Reply(chat42, "*broken", nil))
	require.NoError(t, err)

	msgs := bot.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, tgbotapi.ModeMarkdown, msgs[0].ParseMode)
	assert.Empty(t, msgs[1].ParseMode)
	assert.Empty(t, msgs[2].ParseMode)
	assert.Equal(t, []time.Duration{6 * time.Second}, *slept)
}

func TestSender_GivesUpAfterRetries(t *testing.T) {
	fail := errors.New("connection reset")
	bot := &fakeBot{sendErrs: []error{fail, fail, fail, fail}}
	s, slept := newTestSender(memory.NewMemStore(), bot)

	_, err := s.Handle(context.Background(), event.Reply(chat42, "hi", nil))
	assert.NoError(t, err, "delivery failures are logged, not returned")
	assert.Len(t, bot.messages(), 4)
	assert.Len(t, *slept, 3)
}

func TestSender_EditRemovesPendingRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	require.NoError(t, store.SaveSentMessage(ctx, domain.OutboundRecord{
		Identity: chat42, Text: "pick", Tag: "proxy_choice_message", DeliveredID: "7", PendingEdit: true,
	}))
	bot := &fakeBot{}
	s, _ := newTestSender(store, bot)

	_, err := s.Handle(ctx, event.EditMessage{Identity: chat42, Text: "Selected proxy: a", Tag: "proxy_choice_message"})
	require.NoError(t, err)

	edits := bot.editsSent()
	require.Len(t, edits, 1)
	assert.Equal(t, 7, edits[0].MessageID)
	assert.Equal(t, "Selected proxy: a", edits[0].Text)
	assert.Nil(t, edits[0].ReplyMarkup)

	_, found, err := store.FindLatestByTag(ctx, chat42, "proxy_choice_message")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Handle(ctx, event.EditMessage{Identity: chat42, Text: "again", Tag: "proxy_choice_message"})
	require.NoError(t, err)
	assert.Len(t, bot.editsSent(), 1, "nothing left to edit")
}

func TestSender_TypingAndDelete(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	bot := &fakeBot{}
	s, _ := newTestSender(store, bot)

	_, err := s.Handle(ctx, event.Typing{Identity: chat42})
	require.NoError(t, err)
	_, err = s.Handle(ctx, event.DeleteMessage{Identity: chat42, DeliveredID: "9"})
	require.NoError(t, err)

	require.Len(t, bot.requests, 2)
	action := bot.requests[0].(tgbotapi.ChatActionConfig)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
	del := bot.requests[1].(tgbotapi.DeleteMessageConfig)
	assert.Equal(t, 9, del.MessageID)
}

func TestSender_IgnoresOtherChannels(t *testing.T) {
	bot := &fakeBot{}
	s, _ := newTestSender(memory.NewMemStore(), bot)

	_, err := s.Handle(context.Background(), event.Reply(domain.NewIdentity(domain.ChannelAPI, "x"), "hi", nil))
	require.NoError(t, err)
	_, err = s.Handle(context.Background(), event.ProxyReadinessChanged{Name: "a"})
	require.NoError(t, err)
	assert.Empty(t, bot.sent)
}

func TestSender_NotConnected(t *testing.T) {
	s := NewTelegramSender(TelegramSenderConfig{Logger: testLogger()})
	_, err := s.Handle(context.Background(), event.Reply(chat42, "hi", nil))
	assert.ErrorIs(t, err, errNotConnected)
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"line one", "\nline two"}, splitMessage("line one\nline two", 12))
	for _, c := range splitMessage(strings.Repeat("ж", 7), 5) {
		assert.LessOrEqual(t, len(c), 5)
		assert.True(t, strings.ToValidUTF8(c, "?") == c)
	}
}

// --- inbound adapter ---

type capturePublisher struct {
	mu     sync.Mutex
	drains [][]event.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, events ...event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains = append(p.drains, events)
	return p.err
}

type telegramFixture struct {
	tg    *Telegram
	bot   *fakeBot
	pub   *capturePublisher
	store *memory.MemStore
	texts config.TextsConfig
}

func newTelegramFixture(t *testing.T, allow []string, limiter *ratelimit.Limiter) *telegramFixture {
	t.Helper()
	f := &telegramFixture{bot: &fakeBot{}, pub: &capturePublisher{}, store: memory.NewMemStore(), texts: config.DefaultTexts()}
	tg, err := NewTelegram(TelegramConfig{
		AllowFrom: allow,
		Bus:       f.pub,
		Store:     f.store,
		Limiter:   limiter,
		Texts:     f.texts,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	tg.Sender().Attach(f.bot)
	f.tg = tg
	return f
}

func textUpdate(userID int64, username, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: username, FirstName: "Test"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestTelegram_TextBecomesInText(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	ctx := context.Background()

	f.tg.handleUpdate(ctx, textUpdate(42, "alice", "  hello  "))

	require.Len(t, f.pub.drains, 1)
	require.Len(t, f.pub.drains[0], 1)
	in := f.pub.drains[0][0].(event.InText)
	assert.Equal(t, "hello", in.Text)
	assert.Equal(t, "Telegram_42", in.Sender.Identity().Key())
	assert.Equal(t, "alice", in.Sender.Username)

	created, err := f.store.EnsureUser(ctx, in.Sender)
	require.NoError(t, err)
	assert.False(t, created, "sender registered on first contact")
}

func TestTelegram_Command(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	f.tg.handleUpdate(context.Background(), textUpdate(42, "alice", "/set_proxy now"))

	cmd := f.pub.drains[0][0].(event.InCommand)
	assert.Equal(t, "set_proxy", cmd.Command)
	assert.Equal(t, "now", cmd.Args)
}

func TestTelegram_PendingChooserIsCleared(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSentMessage(ctx, domain.OutboundRecord{
		Identity: chat42, Text: "Choose a model:", Tag: "proxy_choice_message", DeliveredID: "5", PendingEdit: true,
	}))

	f.tg.handleUpdate(ctx, textUpdate(42, "alice", "hello"))

	drain := f.pub.drains[0]
	require.Len(t, drain, 2)
	assert.IsType(t, event.InText{}, drain[0])
	assert.Equal(t, event.EditMessage{Identity: chat42, Text: "Choose a model:", Tag: "proxy_choice_message"}, drain[1])
}

func TestTelegram_ButtonMarksPushed(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSentMessage(ctx, domain.OutboundRecord{
		Identity: chat42, Tag: "proxy_choice_message", DeliveredID: "5", PendingEdit: true,
	}))

	f.tg.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 42},
		Message: &tgbotapi.Message{MessageID: 5, Chat: &tgbotapi.Chat{ID: 42}},
		Data:    "proxy_choice gpt",
	}})

	require.Len(t, f.pub.drains, 1)
	assert.Equal(t, event.InButton{Sender: domain.Sender{Kind: domain.ChannelTelegram, ID: "42"}, Data: "proxy_choice gpt"}, f.pub.drains[0][0])

	_, pending, err := f.store.FindPendingEdit(ctx, chat42)
	require.NoError(t, err)
	assert.False(t, pending, "pushed chooser is no longer pending")

	require.NotEmpty(t, f.bot.requests)
	cb := f.bot.requests[0].(tgbotapi.CallbackConfig)
	assert.Equal(t, "cb1", cb.CallbackQueryID)
}

func TestTelegram_AllowList(t *testing.T) {
	f := newTelegramFixture(t, []string{"7", "@team_*"}, nil)
	ctx := context.Background()

	f.tg.handleUpdate(ctx, textUpdate(7, "", "by id"))
	f.tg.handleUpdate(ctx, textUpdate(8, "team_bob", "by pattern"))
	f.tg.handleUpdate(ctx, textUpdate(9, "mallory", "rejected"))

	require.Len(t, f.pub.drains, 2)
	msgs := f.bot.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ChatID)
	assert.Equal(t, f.texts.Unauthorized, msgs[0].Text)
}

func TestTelegram_InvalidAllowPattern(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{AllowFrom: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestTelegram_Throttled(t *testing.T) {
	f := newTelegramFixture(t, nil, ratelimit.New(1, 1))
	ctx := context.Background()

	f.tg.handleUpdate(ctx, textUpdate(42, "alice", "one"))
	f.tg.handleUpdate(ctx, textUpdate(42, "alice", "two"))

	assert.Len(t, f.pub.drains, 1)
	msgs := f.bot.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, f.texts.Throttled, msgs[0].Text)
}

func TestTelegram_PipelineErrorGetsReply(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	f.pub.err = errors.New("boom")

	f.tg.handleUpdate(context.Background(), textUpdate(42, "alice", "hello"))

	msgs := f.bot.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, f.texts.InternalError, msgs[0].Text)
}

func TestTelegram_IgnoresEmptyUpdates(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	f.tg.handleUpdate(context.Background(), tgbotapi.Update{})
	f.tg.handleUpdate(context.Background(), textUpdate(42, "alice", "   "))
	assert.Empty(t, f.pub.drains)
}

// gatedPublisher holds every drain whose text is "slow" until release is
// closed and records the order texts were published in.
type gatedPublisher struct {
	release chan struct{}

	mu    sync.Mutex
	texts []string
}

func (p *gatedPublisher) Publish(ctx context.Context, events ...event.Event) error {
	in, ok := events[0].(event.InText)
	if !ok {
		return nil
	}
	if in.Text == "slow" {
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	p.texts = append(p.texts, in.Sender.ID+":"+in.Text)
	p.mu.Unlock()
	return nil
}

func (p *gatedPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func TestTelegram_SlowChatDoesNotBlockOthers(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	pub := &gatedPublisher{release: make(chan struct{})}
	f.tg.bus = pub
	ctx := context.Background()

	f.tg.dispatch(ctx, textUpdate(1, "slowpoke", "slow"))
	f.tg.dispatch(ctx, textUpdate(1, "slowpoke", "after"))
	f.tg.dispatch(ctx, textUpdate(2, "quick", "fast"))

	require.Eventually(t, func() bool {
		return slices.Contains(pub.published(), "2:fast")
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, pub.published(), "1:after", "chat 1 waits for its own slow message")

	close(pub.release)
	require.NoError(t, f.tg.workers.Wait())

	got := pub.published()
	assert.Equal(t, []string{"2:fast", "1:slow", "1:after"}, got)
	assert.Empty(t, f.tg.queues)
}

func TestTelegram_DispatchKeepsChatOrder(t *testing.T) {
	f := newTelegramFixture(t, nil, nil)
	pub := &gatedPublisher{release: make(chan struct{})}
	close(pub.release)
	f.tg.bus = pub
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c", "d"} {
		f.tg.dispatch(ctx, textUpdate(7, "alice", text))
	}
	require.NoError(t, f.tg.workers.Wait())
	assert.Equal(t, []string{"7:a", "7:b", "7:c", "7:d"}, pub.published())
}
