package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/blog/internal/abuse"
	"github.com/abdul-hamid-achik/blog/internal/assistant"
	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/identity"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/moderation"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
	"github.com/abdul-hamid-achik/blog/internal/store/memory"
	"github.com/abdul-hamid-achik/blog/internal/verification"
)

const (
	testSessionID = "7b0c2f4e-3f6a-4c1e-9d1a-2a4b5c6d7e8f"
	otherSession  = "1f2e3d4c-5b6a-4789-8abc-def012345678"
	testAppURL    = "http://blog.test"
	testOrigin    = "https://blog.example.test"
)

func hashKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

// stubProvider answers every turn with the same text.
type stubProvider struct {
	mu     sync.Mutex
	calls  int
	reply  string
	deltas []string
	delay  time.Duration
}

func (p *stubProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	time.Sleep(p.delay)
	return llm.Response{Content: p.reply, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (p *stubProvider) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	for _, delta := range p.deltas {
		if err := onDelta(delta); err != nil {
			return llm.Response{}, err
		}
	}
	return llm.Response{Content: strings.Join(p.deltas, ""), Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type MockResponder struct {
	mock.Mock
}

func (m *MockResponder) Respond(ctx context.Context, turn assistant.Turn) (assistant.Reply, error) {
	args := m.Called(ctx, turn)
	return args.Get(0).(assistant.Reply), args.Error(1)
}

func (m *MockResponder) RespondStream(ctx context.Context, turn assistant.Turn, onDelta func(string) error) (assistant.Reply, error) {
	args := m.Called(ctx, turn, onDelta)
	return args.Get(0).(assistant.Reply), args.Error(1)
}

type recordingDeliverer struct {
	mu    sync.Mutex
	links []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, email, link string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, link)
	return nil
}

func (d *recordingDeliverer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *recordingDeliverer) lastToken(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.links)
	parsed, err := url.Parse(d.links[len(d.links)-1])
	require.NoError(t, err)
	return parsed.Query().Get("token")
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

type harness struct {
	server    *Server
	handler   http.Handler
	store     *memory.MemoryStore
	kv        *kv.MemoryStore
	provider  *stubProvider
	deliverer *recordingDeliverer
	escalator *abuse.Escalator
	registry  *abuse.Registry
	cookies   *identity.CookieCodec
}

type harnessOption func(*config.Config, map[ratelimit.Channel]config.Rate)

func withBudget(channel ratelimit.Channel, rate config.Rate) harnessOption {
	return func(_ *config.Config, budgets map[ratelimit.Channel]config.Rate) {
		budgets[channel] = rate
	}
}

// withoutTrustedProxies makes the httptest peer an ordinary client whose
// forwarding headers are ignored.
func withoutTrustedProxies() harnessOption {
	return func(cfg *config.Config, _ map[ratelimit.Channel]config.Rate) {
		cfg.TrustedProxies = nil
	}
}

// newHarness trusts the httptest peer address as a proxy so tests can pick
// a client IP with fromIP.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Config{
		AppURL:           testAppURL,
		Environment:      "production",
		AllowedOrigins:   []string{testOrigin},
		TrustedProxies:   []string{"192.0.2.1/32"},
		FreeMessageLimit: 5,
		AuthorName:       "Abdul Hamid",
	}
	budgets := map[ratelimit.Channel]config.Rate{
		ratelimit.ChannelSite:      {Limit: 1000, Window: time.Minute},
		ratelimit.ChannelChat:      {Limit: 1000, Window: time.Minute},
		ratelimit.ChannelStream:    {Limit: 1000, Window: time.Minute},
		ratelimit.ChannelMagicLink: {Limit: 3, Window: time.Hour},
	}
	for _, opt := range opts {
		opt(&cfg, budgets)
	}

	kvStore := kv.NewMemory()
	st := memory.New()
	limiter := ratelimit.New(kvStore, budgets)
	registry := abuse.NewRegistry(kvStore)
	escalator := abuse.NewEscalator(kvStore, registry, abuse.EscalatorConfig{Threshold: 2, Window: time.Minute, BlockFor: time.Hour}, nil)
	moderator, err := moderation.New()
	require.NoError(t, err)
	cookies := identity.NewCookieCodec(hashKey(), time.Hour, false)
	deliverer := &recordingDeliverer{}
	issuer := verification.NewIssuer(st, limiter, deliverer, verification.IssuerConfig{AppURL: testAppURL, TTL: time.Hour, HashKey: hashKey()}, nil)
	provider := &stubProvider{reply: "Hello from the blog.", deltas: []string{"Hello", " there"}}

	server := NewServer(Deps{
		Store:      st,
		KV:         kvStore,
		Moderator:  moderator,
		Strikes:    escalator,
		Gate:       identity.NewGate(registry, limiter, st, kvStore, issuer, cfg.FreeMessageLimit, nil),
		Identities: identity.NewResolver(cookies, st),
		Assistant:  assistant.NewOrchestrator(provider, 2, nil),
		Issuer:     issuer,
		Redeemer:   verification.NewRedeemer(st, nil),
		Cookies:    cookies,
		SiteLimit:  limiter,
		Catalog:    content.NewCatalog(nil),
		HashKey:    hashKey(),
	}, cfg)
	server.heartbeat = 0

	return &harness{
		server:    server,
		handler:   server.Router(),
		store:     st,
		kv:        kvStore,
		provider:  provider,
		deliverer: deliverer,
		escalator: escalator,
		registry:  registry,
		cookies:   cookies,
	}
}

func chatBody(t *testing.T, message string, sessionID string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"message":   message,
		"sessionId": sessionID,
		"history":   []map[string]string{},
	})
	require.NoError(t, err)
	return string(raw)
}

type requestOption func(*http.Request)

func fromIP(ip string) requestOption {
	return func(r *http.Request) { r.Header.Set("X-Real-IP", ip) }
}

func fromPeer(addr string) requestOption {
	return func(r *http.Request) { r.RemoteAddr = addr }
}

func withCookie(c *http.Cookie) requestOption {
	return func(r *http.Request) { r.AddCookie(c) }
}

func (h *harness) do(t *testing.T, method, target, body string, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	h.server.Wait()
	return rec
}

func (h *harness) chat(t *testing.T, message string, opts ...requestOption) chatResponse {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/chat", chatBody(t, message, testSessionID), opts...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp chatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}
