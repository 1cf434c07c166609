package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
)

const (
	apiMaxBodySize    = 1 << 20 // 1MB
	apiDefaultTimeout = 180 * time.Second
	apiAnonymous      = "anonymous"
)

type APIConfig struct {
	Host string
	Port int
	// Keys maps bearer keys to client names. Empty disables authentication.
	Keys     map[string]string
	Timeout  time.Duration
	Bus      Publisher
	Registry *proxy.Registry
	Logger   *slog.Logger
}

// API is an OpenAI-compatible HTTP channel. It is also the bus subscriber
// that hands Responses back to waiting requests.
type API struct {
	addr     string
	keys     map[string]string
	timeout  time.Duration
	bus      Publisher
	registry *proxy.Registry
	logger   *slog.Logger
	router   chi.Router
	server   *http.Server

	pending   map[string]chan event.Response
	pendingMu sync.Mutex
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = apiDefaultTimeout
	}
	a := &API{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		keys:     cfg.Keys,
		timeout:  cfg.Timeout,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		pending:  make(map[string]chan event.Response),
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Get("/metrics", metrics.Collector.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", a.handleModels)
		r.Post("/chat/completions", a.handleChatCompletions)
	})
	a.router = r
	return a
}

func (a *API) Name() string { return "api" }

// Handler exposes the router, mainly for tests.
func (a *API) Handler() http.Handler { return a.router }

// Start serves HTTP until ctx is done.
func (a *API) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if len(a.keys) == 0 {
		a.logger.Warn("API channel has no keys configured, authentication disabled")
	}
	a.logger.Info("API channel started", "addr", a.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// Handle implements bus.Subscriber for API identities.
func (a *API) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	r, ok := ev.(event.Response)
	if !ok || r.Identity.Kind != domain.ChannelAPI || r.RequestID == "" {
		return nil, nil
	}
	a.pendingMu.Lock()
	ch, ok := a.pending[r.RequestID]
	a.pendingMu.Unlock()
	if !ok {
		return nil, nil
	}
	select {
	case ch <- r:
	default:
		a.logger.Debug("dropping extra response", "request_id", r.RequestID)
	}
	return nil, nil
}

func (a *API) client(r *http.Request) (string, bool) {
	if len(a.keys) == 0 {
		return apiAnonymous, true
	}
	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", false
	}
	name, ok := a.keys[strings.TrimSpace(key)]
	return name, ok
}

func (a *API) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	client, ok := a.client(r)
	if !ok {
		apiError(w, http.StatusUnauthorized, "invalid_api_key", "invalid API key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodySize))
	if err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request_error", "bad request")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON")
		return
	}
	if req.Stream {
		apiError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
		return
	}
	conv, err := req.conversation()
	if err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	reqID := uuid.NewString()
	offer := domain.Offer{Identity: domain.NewIdentity(domain.ChannelAPI, client), RequestID: reqID}
	if conv.Len() == 1 && conv.Turns[0].Role == domain.RoleUser {
		offer.Text = conv.Turns[0].Text
		offer.OneHit = true
	} else {
		offer.Context = &conv
	}

	ch := make(chan event.Response, 1)
	a.pendingMu.Lock()
	a.pending[reqID] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, reqID)
		a.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	a.logger.Info("api request",
		"request_id", reqID,
		"client", client,
		"messages", conv.Len(),
		"one_hit", offer.OneHit,
	)
	if err := a.bus.Publish(ctx, event.Offer{Offer: offer}); err != nil {
		a.logger.Error("pipeline failed", "request_id", reqID, "err", err)
		apiError(w, http.StatusBadGateway, "upstream_error", "request could not be processed")
		return
	}

	var resp event.Response
	select {
	case resp = <-ch:
	default:
		a.logger.Error("pipeline produced no response", "request_id", reqID)
		apiError(w, http.StatusBadGateway, "upstream_error", "no response")
		return
	}

	switch resp.Outcome {
	case event.OutcomeDeclined:
		apiError(w, http.StatusTooManyRequests, "quota_exceeded", resp.Text)
		return
	case event.OutcomeFailed:
		apiError(w, http.StatusBadGateway, "upstream_error", resp.Text)
		return
	}

	model := req.Model
	if model == "" {
		model = "gptproxy"
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: string(domain.RoleAssistant), Content: resp.Text},
			FinishReason: "stop",
		}},
	})
}

func (a *API) handleModels(w http.ResponseWriter, _ *http.Request) {
	infos := a.registry.List(true)
	data := make([]modelEntry, 0, len(infos))
	for _, info := range infos {
		data = append(data, modelEntry{ID: info.Name, Object: "model", OwnedBy: "gptproxy", Description: info.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func apiError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": apiErrorBody{Message: message, Type: kind}})
}

// --- OpenAI-compatible request/response types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// conversation converts the request messages. System messages are dropped.
func (r chatRequest) conversation() (domain.Context, error) {
	var c domain.Context
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "developer":
			continue
		case string(domain.RoleUser), string(domain.RoleAssistant):
		default:
			return domain.Context{}, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return domain.Context{}, fmt.Errorf("messages[%d]: empty content", i)
		}
		c = c.With(domain.Turn{Role: domain.Role(m.Role), Text: m.Content})
	}
	if c.Empty() {
		return domain.Context{}, errors.New("no messages")
	}
	return c, nil
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type modelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description,omitempty"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
