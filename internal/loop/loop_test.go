package loop

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/memory"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedProxy struct {
	name   string
	reply  string
	err    error
	block  bool
	mu     sync.Mutex
	prompt []string
}

func (s *scriptedProxy) Name() string        { return s.name }
func (s *scriptedProxy) Description() string { return s.name }
func (s *scriptedProxy) Premium() bool       { return false }

func (s *scriptedProxy) Generate(ctx context.Context, c domain.Context) (string, error) {
	s.mu.Lock()
	s.prompt = append(s.prompt, c.LastUserText())
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.reply, s.err
}

type publishRecorder struct {
	mu     sync.Mutex
	drains [][]event.Event
}

func (p *publishRecorder) Publish(_ context.Context, events ...event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains = append(p.drains, events)
	return nil
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.drains)
}

func TestProber_RunOnce(t *testing.T) {
	good := &scriptedProxy{name: "good", reply: "fine, thanks"}
	broken := &scriptedProxy{name: "broken", err: errors.New("502")}
	empty := &scriptedProxy{name: "empty", reply: "  "}
	slow := &scriptedProxy{name: "slow", block: true}

	reg := proxy.NewRegistry(proxy.RegistryConfig{Logger: testLogger()})
	for _, p := range []domain.Proxy{good, broken, empty, slow} {
		require.NoError(t, reg.Register(p))
	}
	reg.SetReady("broken", true)

	pub := &publishRecorder{}
	prober := NewProber(ProberConfig{
		Registry: reg,
		Bus:      pub,
		Timeout:  20 * time.Millisecond,
		Logger:   testLogger(),
	})

	results := prober.RunOnce(context.Background())
	require.Len(t, results, 4)
	assert.True(t, results[0].Ready)
	assert.False(t, results[1].Ready)
	assert.False(t, results[2].Ready)
	assert.False(t, results[3].Ready)
	assert.ErrorIs(t, results[3].Err, context.DeadlineExceeded)

	assert.True(t, reg.Ready("good"))
	assert.False(t, reg.Ready("broken"))
	assert.False(t, reg.Ready("empty"))
	assert.Equal(t, []string{"Привет, как дела?"}, good.prompt)

	require.Equal(t, 1, pub.count(), "one drain per cycle")
	drain := pub.drains[0]
	require.Len(t, drain, 4)
	first := drain[0].(event.ProxyReadinessChanged)
	assert.Equal(t, event.ProxyReadinessChanged{Name: "good", Ready: true}, first)
	second := drain[1].(event.ProxyReadinessChanged)
	assert.Equal(t, "502", second.Reason)
}

func TestProber_EmptyRegistry(t *testing.T) {
	pub := &publishRecorder{}
	prober := NewProber(ProberConfig{Registry: proxy.NewRegistry(proxy.RegistryConfig{}), Bus: pub, Logger: testLogger()})

	assert.Empty(t, prober.RunOnce(context.Background()))
	assert.Equal(t, 0, pub.count())
}

func TestProber_RunProbesAtStart(t *testing.T) {
	reg := proxy.NewRegistry(proxy.RegistryConfig{Logger: testLogger()})
	require.NoError(t, reg.Register(&scriptedProxy{name: "gpt", reply: "ok"}))
	pub := &publishRecorder{}
	prober := NewProber(ProberConfig{Registry: reg, Bus: pub, Interval: time.Hour, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prober.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.Ready("gpt") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
	assert.Equal(t, 1, pub.count())
}

func TestProber_TickWaitsForInterval(t *testing.T) {
	reg := proxy.NewRegistry(proxy.RegistryConfig{Logger: testLogger()})
	require.NoError(t, reg.Register(&scriptedProxy{name: "gpt", reply: "ok"}))
	pub := &publishRecorder{}
	prober := NewProber(ProberConfig{Registry: reg, Bus: pub, Interval: 30 * time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = prober.Tick(ctx) }()

	assert.False(t, reg.Ready("gpt"), "no cycle before the first tick")
	require.Eventually(t, func() bool { return reg.Ready("gpt") }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, pub.count(), 1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestResetter_Check(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	access := state.NewAccess(state.AccessConfig{Store: store, Initial: domain.NewAccount(), Logger: testLogger()})
	id := domain.NewIdentity(domain.ChannelTelegram, "1")
	require.NoError(t, store.SetAccount(ctx, id, domain.Account{Daily: 0, Premium: 4}))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)}
	r := NewResetter(ResetterConfig{
		Access:   access,
		Meta:     store,
		Level:    10,
		Location: time.UTC,
		Logger:   testLogger(),
		Now:      clock.Now,
	})

	did, err := r.Check(ctx)
	require.NoError(t, err)
	assert.False(t, did, "first run only records the date")
	last, ok, err := store.GetMeta(ctx, LastResetKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-03-01", last)

	clock.Advance(time.Hour)
	did, err = r.Check(ctx)
	require.NoError(t, err)
	assert.False(t, did, "same day")

	clock.Advance(2 * time.Hour)
	did, err = r.Check(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	acc, err := access.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Account{Daily: 10, Premium: 4}, acc, "premium is untouched")

	last, _, _ = store.GetMeta(ctx, LastResetKey)
	assert.Equal(t, "2026-03-02", last)

	did, err = r.Check(ctx)
	require.NoError(t, err)
	assert.False(t, did, "resets once per day")
}

func TestResetter_UsesLocation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	access := state.NewAccess(state.AccessConfig{Store: store, Initial: domain.NewAccount()})
	require.NoError(t, store.SetMeta(ctx, LastResetKey, "2026-03-01"))

	moscow := time.FixedZone("MSK", 3*60*60)
	// 22:30 UTC on March 1st is already March 2nd in Moscow.
	clock := &fakeClock{now: time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)}
	r := NewResetter(ResetterConfig{Access: access, Meta: store, Location: moscow, Now: clock.Now, Logger: testLogger()})

	did, err := r.Check(ctx)
	require.NoError(t, err)
	assert.True(t, did)
}
