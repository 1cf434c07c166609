package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fizteh95/tg-gpt-proxy/internal/bus"
	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/memory"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

type fakeProxy struct {
	name    string
	premium bool

	mu    sync.Mutex
	reply func(domain.Context) (string, error)
	seen  []domain.Context
}

func (f *fakeProxy) Name() string        { return f.name }
func (f *fakeProxy) Description() string { return "fake " + f.name }
func (f *fakeProxy) Premium() bool       { return f.premium }

func (f *fakeProxy) Generate(_ context.Context, c domain.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, c.Clone())
	if f.reply == nil {
		return "hi", nil
	}
	return f.reply(c)
}

func (f *fakeProxy) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// recorder is registered after the processors, where channel senders sit.
type recorder struct {
	mu  sync.Mutex
	out []event.Event
}

func (r *recorder) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	if event.Outbound(ev) {
		r.mu.Lock()
		r.out = append(r.out, ev)
		r.mu.Unlock()
	}
	return nil, nil
}

func (r *recorder) responses() []event.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Response
	for _, ev := range r.out {
		if resp, ok := ev.(event.Response); ok {
			out = append(out, resp)
		}
	}
	return out
}

func (r *recorder) edits() []event.EditMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.EditMessage
	for _, ev := range r.out {
		if e, ok := ev.(event.EditMessage); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
}

type harness struct {
	bus      *bus.Bus
	store    *memory.MemStore
	registry *proxy.Registry
	access   *state.Access
	history  *state.History
	prefs    *state.Preferences
	rec      *recorder
	texts    config.TextsConfig
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, proxies ...*fakeProxy) *harness {
	t.Helper()
	store := memory.NewMemStore()
	locks := state.NewKeyLock()
	registry := proxy.NewRegistry(proxy.RegistryConfig{Fallback: proxy.FallbackFail, Logger: quietLogger()})
	for _, p := range proxies {
		require.NoError(t, registry.Register(p))
		registry.SetReady(p.name, true)
	}
	prefs, err := state.NewPreferences(store, 16)
	require.NoError(t, err)

	h := &harness{
		bus:      bus.New(bus.Options{Logger: quietLogger()}),
		store:    store,
		registry: registry,
		access:   state.NewAccess(state.AccessConfig{Store: store, Locks: locks, Initial: domain.NewAccount(), Logger: quietLogger()}),
		history:  state.NewHistory(store, locks, 0),
		prefs:    prefs,
		rec:      &recorder{},
		texts:    config.DefaultTexts(),
	}
	Register(h.bus, Deps{
		Registry:    h.registry,
		Access:      h.access,
		History:     h.history,
		Preferences: h.prefs,
		Texts:       h.texts,
		Logger:      quietLogger(),
	})
	h.bus.Register("recorder", h.rec)
	return h
}

var tgUser = domain.Sender{Kind: domain.ChannelTelegram, ID: "123", Username: "alice"}

func (h *harness) say(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), event.InText{Sender: tgUser, Text: text}))
}

func (h *harness) contextLen(t *testing.T) int {
	t.Helper()
	c, err := h.history.Get(context.Background(), tgUser.Identity())
	require.NoError(t, err)
	return c.Len()
}

func (h *harness) account(t *testing.T) domain.Account {
	t.Helper()
	a, err := h.access.Get(context.Background(), tgUser.Identity())
	require.NoError(t, err)
	return a
}

func TestRegister_Order(t *testing.T) {
	b := bus.New(bus.Options{})
	Register(b, Deps{})
	assert.Equal(t, []string{
		"inbound", "auth_gate", "shape_resolver", "context_retriever", "proxy_router",
		"predictor", "readiness_applier", "save_decision", "context_saver",
		"output_router", "decline_router", "spy",
	}, b.Subscribers())
}

func TestConversation_EndToEnd(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)

	h.say(t, "hello")

	assert.Equal(t, 2, h.contextLen(t))
	assert.Equal(t, 9, h.account(t).Daily)

	resp := h.rec.responses()
	require.Len(t, resp, 2)
	assert.Equal(t, "Welcome! You have 10 free requests per day.", resp[0].Text, "new-user notice comes first")
	assert.Equal(t, "hi", resp[1].Text)

	h.rec.reset()
	h.say(t, "how are you")

	assert.Equal(t, 4, h.contextLen(t))
	assert.Equal(t, 8, h.account(t).Daily)
	resp = h.rec.responses()
	require.Len(t, resp, 1, "notice is sent only once")
	assert.Equal(t, "hi", resp[0].Text)

	require.Equal(t, 2, p.calls())
	last := p.seen[1]
	require.Equal(t, 3, last.Len())
	assert.Equal(t, domain.Turn{Role: domain.RoleUser, Text: "how are you"}, last.Turns[2])
}

func TestConversation_TypingPrecedesReply(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	h.say(t, "hello")

	var kinds []string
	for _, ev := range h.rec.out {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []string{"out.response", "out.typing", "out.response"}, kinds)
}

func TestPredictionFailure_RollsBack(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	h.say(t, "hello")
	require.Equal(t, 2, h.contextLen(t))
	h.rec.reset()

	p.reply = func(domain.Context) (string, error) { return "", errors.New("upstream down") }
	h.say(t, "are you there?")

	assert.Equal(t, 2, h.contextLen(t), "user turn rolled back")
	assert.Equal(t, 9, h.account(t).Daily, "failed requests are not charged")
	assert.False(t, h.registry.Ready("gpt"))

	resp := h.rec.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, h.texts.Apology, resp[0].Text)
	assert.Equal(t, event.OutcomeFailed, resp[0].Outcome)
}

func TestPredictionFailure_EmptyReply(t *testing.T) {
	p := &fakeProxy{name: "gpt", reply: func(domain.Context) (string, error) { return "   ", nil }}
	h := newHarness(t, p)

	h.say(t, "hello")
	assert.Equal(t, 0, h.contextLen(t))
	assert.False(t, h.registry.Ready("gpt"))
}

func TestNoReadyProxy_FailsRequest(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	h.registry.SetReady("gpt", false)

	h.say(t, "hello")
	assert.Equal(t, 0, p.calls())
	assert.Equal(t, 0, h.contextLen(t), "user turn rolled back")
	assert.Equal(t, 10, h.account(t).Daily, "unrouted requests are not charged")

	resp := h.rec.responses()
	require.NotEmpty(t, resp)
	last := resp[len(resp)-1]
	assert.Equal(t, h.texts.Apology, last.Text)
	assert.Equal(t, event.OutcomeFailed, last.Outcome)
}

func TestNoReadyProxy_KeepsEarlierConversation(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	h.say(t, "hello")
	require.Equal(t, 2, h.contextLen(t))

	h.registry.SetReady("gpt", false)
	h.rec.reset()
	h.say(t, "second")
	assert.Equal(t, 2, h.contextLen(t))

	h.registry.SetReady("gpt", true)
	h.say(t, "third")
	require.Equal(t, 4, h.contextLen(t))
	seen := p.seen[len(p.seen)-1]
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser},
		[]domain.Role{seen.Turns[0].Role, seen.Turns[1].Role, seen.Turns[2].Role})
	assert.Equal(t, "third", seen.LastUserText())
}

func TestNoReadyProxy_APIRequestGetsFailedOutcome(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	h.registry.SetReady("gpt", false)
	api := domain.NewIdentity(domain.ChannelAPI, "billing")

	require.NoError(t, h.bus.Publish(context.Background(), event.Offer{Offer: domain.Offer{
		Identity: api, Text: "hi", OneHit: true, RequestID: "req-1",
	}}))
	resp := h.rec.responses()
	require.NotEmpty(t, resp)
	last := resp[len(resp)-1]
	assert.Equal(t, "req-1", last.RequestID)
	assert.Equal(t, event.OutcomeFailed, last.Outcome)
}

func TestPredictionFailure_RestoresTrimmedConversation(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	h.history = state.NewHistory(h.store, nil, 2)
	h.bus.Register("context_retriever", &ContextRetriever{history: h.history})
	h.bus.Register("predictor", &Predictor{deps: Deps{History: h.history, Texts: h.texts}, logger: quietLogger()})
	h.bus.Register("context_saver", &ContextSaver{history: h.history})

	h.say(t, "hello")
	require.Equal(t, 2, h.contextLen(t))

	p.reply = func(domain.Context) (string, error) { return "", errors.New("upstream down") }
	h.say(t, "again")

	c, err := h.history.Get(context.Background(), tgUser.Identity())
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, "hello", c.Turns[0].Text)
	assert.Equal(t, "hi", c.Turns[1].Text)
}

func TestDailyBoundary(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	ctx := context.Background()
	require.NoError(t, h.store.SetAccount(ctx, tgUser.Identity(), domain.Account{Daily: 1}))

	h.say(t, "hello")
	resp := h.rec.responses()
	require.Len(t, resp, 2)
	assert.Equal(t, "hi", resp[0].Text, "reply precedes the boundary notice")
	assert.Equal(t, h.texts.DailyOver, resp[1].Text)
	assert.Equal(t, 0, h.account(t).Daily)

	h.rec.reset()
	h.say(t, "one more")
	resp = h.rec.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, h.texts.Declined, resp[0].Text)
	assert.Equal(t, event.OutcomeDeclined, resp[0].Outcome)
	assert.Equal(t, 2, h.contextLen(t), "declined offers never touch the context")
}

func TestPremiumBoundary_DowngradesPreference(t *testing.T) {
	free := &fakeProxy{name: "free", reply: func(domain.Context) (string, error) { return "from free", nil }}
	paid := &fakeProxy{name: "paid", premium: true, reply: func(domain.Context) (string, error) { return "from paid", nil }}
	h := newHarness(t, free, paid)
	ctx := context.Background()
	id := tgUser.Identity()
	require.NoError(t, h.store.SetAccount(ctx, id, domain.Account{Daily: 10, Premium: 1}))
	require.NoError(t, h.prefs.SetProxyName(ctx, id, "paid"))

	h.say(t, "hello")

	resp := h.rec.responses()
	require.Len(t, resp, 2)
	assert.Equal(t, "from paid", resp[0].Text)
	assert.Equal(t, "Your premium requests are over. Switched to free.", resp[1].Text)
	assert.Equal(t, domain.Account{Daily: 10, Premium: 0}, h.account(t))

	name, err := h.prefs.ProxyName(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "free", name)

	h.rec.reset()
	h.say(t, "again")
	resp = h.rec.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, "from free", resp[0].Text)
	assert.Equal(t, 9, h.account(t).Daily)
}

func TestRouter_IneligiblePremiumPreferenceFallsBack(t *testing.T) {
	free := &fakeProxy{name: "free"}
	paid := &fakeProxy{name: "paid", premium: true}
	h := newHarness(t, free, paid)
	require.NoError(t, h.prefs.SetProxyName(context.Background(), tgUser.Identity(), "paid"))

	h.say(t, "hello")
	assert.Equal(t, 1, free.calls())
	assert.Equal(t, 0, paid.calls())
}

func TestRouter_StalePreferenceFallsBack(t *testing.T) {
	free := &fakeProxy{name: "free"}
	h := newHarness(t, free)
	require.NoError(t, h.prefs.SetProxyName(context.Background(), tgUser.Identity(), "removed"))

	h.say(t, "hello")
	assert.Equal(t, 1, free.calls())
}

func TestInvalidOfferIsRejected(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	id := tgUser.Identity()
	bad := domain.NewContext(domain.Turn{Role: domain.RoleUser, Text: "x"})

	for name, o := range map[string]domain.Offer{
		"nothing":             {Identity: id},
		"one hit and context": {Identity: id, Text: "x", Context: &bad, OneHit: true},
		"one hit no text":     {Identity: id, OneHit: true},
	} {
		t.Run(name, func(t *testing.T) {
			err := h.bus.Publish(context.Background(), event.Offer{Offer: o})
			assert.ErrorIs(t, err, domain.ErrInvalidOffer)
		})
	}
}

func TestAPIOffers(t *testing.T) {
	p := &fakeProxy{name: "gpt"}
	h := newHarness(t, p)
	api := domain.NewIdentity(domain.ChannelAPI, "billing")
	ctx := context.Background()

	t.Run("one hit", func(t *testing.T) {
		h.rec.reset()
		err := h.bus.Publish(ctx, event.Offer{Offer: domain.Offer{Identity: api, Text: "ping", OneHit: true, RequestID: "r1"}})
		require.NoError(t, err)

		resp := h.rec.responses()
		require.NotEmpty(t, resp)
		last := resp[len(resp)-1]
		assert.Equal(t, "r1", last.RequestID)
		assert.Equal(t, "hi", last.Text)
	})

	t.Run("verbatim transcript is not stored", func(t *testing.T) {
		h.rec.reset()
		transcript := domain.NewContext(
			domain.Turn{Role: domain.RoleUser, Text: "a"},
			domain.Turn{Role: domain.RoleAssistant, Text: "b"},
			domain.Turn{Role: domain.RoleUser, Text: "c"},
		)
		err := h.bus.Publish(ctx, event.Offer{Offer: domain.Offer{Identity: api, Context: &transcript, RequestID: "r2"}})
		require.NoError(t, err)

		assert.Equal(t, 3, p.seen[len(p.seen)-1].Len())
		c, _ := h.history.Get(ctx, api)
		assert.True(t, c.Empty())
	})

	acc, err := h.access.Get(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, 10, acc.Daily, "API requests are free unless charging is on")
}

func TestAPIChargeQuota(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	h.bus.Register("output_router", &OutputRouter{deps: Deps{
		Registry: h.registry, Access: h.access, Preferences: h.prefs, Texts: h.texts, ChargeAPI: true,
	}, logger: quietLogger()})
	api := domain.NewIdentity(domain.ChannelAPI, "billing")

	err := h.bus.Publish(context.Background(), event.Offer{Offer: domain.Offer{Identity: api, Text: "ping", OneHit: true}})
	require.NoError(t, err)
	acc, _ := h.access.Get(context.Background(), api)
	assert.Equal(t, 9, acc.Daily)
}

func command(t *testing.T, h *harness, cmd string) []event.Response {
	t.Helper()
	h.rec.reset()
	require.NoError(t, h.bus.Publish(context.Background(), event.InCommand{Sender: tgUser, Command: cmd}))
	return h.rec.responses()
}

func TestCommands(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})

	assert.Equal(t, h.texts.Greeting, command(t, h, "start")[0].Text)
	assert.Equal(t, h.texts.Help, command(t, h, "help")[0].Text)
	assert.Equal(t, h.texts.Buy, command(t, h, "buy")[0].Text)
	assert.Equal(t, h.texts.UnknownCommand, command(t, h, "frobnicate")[0].Text)

	status := command(t, h, "status")[0].Text
	assert.Contains(t, status, "Model: gpt")
	assert.Contains(t, status, "Requests left today: 10")
	_, err := h.access.Get(context.Background(), tgUser.Identity())
	assert.ErrorIs(t, err, domain.ErrNotFound, "status does not create accounts")

	h.say(t, "hello")
	require.Equal(t, 2, h.contextLen(t))
	assert.Equal(t, h.texts.Cleared, command(t, h, "clear")[0].Text)
	assert.Equal(t, 0, h.contextLen(t))
}

func TestSetProxyChooser(t *testing.T) {
	h := newHarness(t,
		&fakeProxy{name: "free"},
		&fakeProxy{name: "paid", premium: true},
		&fakeProxy{name: "down"},
	)
	h.registry.SetReady("down", false)

	resp := command(t, h, "set_proxy")
	require.Len(t, resp, 1)
	r := resp[0]
	assert.Equal(t, ChooserTag, r.SaveAs)
	assert.True(t, r.PendingEdit)
	assert.Equal(t, "Choose a model:\n1. free - fake free\n2. 🔒 paid - fake paid", r.Text)
	require.Len(t, r.Buttons, 2)
	assert.Equal(t, domain.Button{Text: "free", Data: "proxy_choice free"}, r.Buttons[0][0])
	assert.Equal(t, "proxy_choice paid", r.Buttons[1][0].Data)
}

func TestSetProxyChooser_NoReadyProxies(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	h.registry.SetReady("gpt", false)

	resp := command(t, h, "set_proxy")
	require.Len(t, resp, 1)
	assert.Equal(t, h.texts.NoReadyProxies, resp[0].Text)
	assert.Empty(t, resp[0].Buttons)
}

func push(t *testing.T, h *harness, data string) []event.EditMessage {
	t.Helper()
	h.rec.reset()
	require.NoError(t, h.bus.Publish(context.Background(), event.InButton{Sender: tgUser, Data: data}))
	return h.rec.edits()
}

func TestProxyChoiceButtons(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "free"}, &fakeProxy{name: "paid", premium: true})
	ctx := context.Background()
	id := tgUser.Identity()

	edits := push(t, h, "proxy_choice ghost")
	require.Len(t, edits, 1)
	assert.Equal(t, h.texts.ProxyUnavailable, edits[0].Text)
	assert.Equal(t, ChooserTag, edits[0].Tag)

	edits = push(t, h, "proxy_choice paid")
	require.Len(t, edits, 1)
	assert.Equal(t, h.texts.PremiumRequired, edits[0].Text)

	edits = push(t, h, "proxy_choice free")
	require.Len(t, edits, 1)
	assert.Equal(t, "Selected proxy: free", edits[0].Text)
	name, _ := h.prefs.ProxyName(ctx, id)
	assert.Equal(t, "free", name)

	_, err := h.access.AddPremium(ctx, id, 3)
	require.NoError(t, err)
	edits = push(t, h, "proxy_choice paid")
	require.Len(t, edits, 1)
	assert.True(t, strings.HasSuffix(edits[0].Text, "paid"))

	assert.Empty(t, push(t, h, "something_else 1"), "unknown buttons are ignored")
}

func TestReadinessEventsUpdateRegistry(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	ctx := context.Background()

	require.NoError(t, h.bus.Publish(ctx, event.ProxyReadinessChanged{Name: "gpt", Ready: false}))
	assert.False(t, h.registry.Ready("gpt"))
	require.NoError(t, h.bus.Publish(ctx, event.ProxyReadinessChanged{Name: "gpt", Ready: true}))
	assert.True(t, h.registry.Ready("gpt"))
	require.NoError(t, h.bus.Publish(ctx, event.ProxyReadinessChanged{Name: "ghost", Ready: true}))
}

func TestConcurrentConversationsStayConsistent(t *testing.T) {
	h := newHarness(t, &fakeProxy{name: "gpt"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := domain.Sender{Kind: domain.ChannelTelegram, ID: string(rune('a' + i))}
			for range 3 {
				assert.NoError(t, h.bus.Publish(ctx, event.InText{Sender: s, Text: "hey"}))
			}
		}()
	}
	wg.Wait()

	for i := range 8 {
		id := domain.NewIdentity(domain.ChannelTelegram, string(rune('a'+i)))
		c, err := h.history.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 6, c.Len())
		acc, err := h.access.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 7, acc.Daily)
	}
}
