package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/abdul-hamid-achik/blog/internal/abuse"
	"github.com/abdul-hamid-achik/blog/internal/api"
	"github.com/abdul-hamid-achik/blog/internal/assistant"
	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/identity"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/mail"
	"github.com/abdul-hamid-achik/blog/internal/moderation"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
	"github.com/abdul-hamid-achik/blog/internal/store"
	"github.com/abdul-hamid-achik/blog/internal/store/memory"
	"github.com/abdul-hamid-achik/blog/internal/store/postgres"
	"github.com/abdul-hamid-achik/blog/internal/stream"
	"github.com/abdul-hamid-achik/blog/internal/verification"
	"github.com/abdul-hamid-achik/blog/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

// conversationStore is what the gateway needs from either backend.
type conversationStore interface {
	store.Store
	store.DocumentSearcher
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newKV       = kv.New
	loadCatalog = content.LoadCatalog
	newPostgres = func(ctx context.Context, conn string) (*postgres.PostgresStore, error) {
		st, err := postgres.New(conn)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return st, nil
	}
	newProvider  = llm.NewProvider
	newSender    = mail.NewResendSender
	dialTemporal = client.Dial
	newServer    = func(deps api.Deps, cfg config.Config) server {
		return api.NewServer(deps, cfg)
	}
	notifyContext = signal.NotifyContext
)

var logOutput io.Writer = os.Stdout

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("chat gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.TrustedProxyPrefixes(); err != nil {
		return err
	}
	logger := observability.Configure(logOutput, cfg.LogLevel)
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	keys, err := deriveKeys(cfg)
	if err != nil {
		return err
	}

	kvStore, err := newKV(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("kv: %w", err)
	}
	if closer, ok := kvStore.(io.Closer); ok {
		defer closer.Close()
	}

	catalog, err := loadCatalog(cfg.ContentManifestPath)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg, catalog)
	if err != nil {
		return err
	}
	defer closeStore()

	llmCfg := llm.Config{
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		EmbeddingModel:   cfg.EmbeddingModel,
	}
	provider, err := newProvider(llmCfg)
	if err != nil {
		return err
	}

	deliverer, closeDeliverer, err := newDeliverer(cfg, keys)
	if err != nil {
		return err
	}
	defer closeDeliverer()

	limiter := ratelimit.New(kvStore, ratelimit.BudgetsFromConfig(cfg),
		ratelimit.WithDryRun(cfg.RateLimitDryRun),
		ratelimit.WithMetrics(metrics),
	)
	blocks := abuse.NewRegistry(kvStore)
	escalator := abuse.NewEscalator(kvStore, blocks, abuse.EscalatorConfig{
		Threshold: cfg.AbuseThreshold,
		Window:    cfg.AbuseWindow,
		BlockFor:  cfg.TempBlockDuration,
	}, metrics)
	moderator, err := moderation.New()
	if err != nil {
		return err
	}
	cookies := identity.NewCookieCodec(keys.Cookie, cfg.AuthCookieMaxAge, cfg.IsProduction())
	issuer := verification.NewIssuer(st, limiter, deliverer, verification.IssuerConfig{
		AppURL:  cfg.AppURL,
		TTL:     cfg.VerificationTokenTTL,
		HashKey: keys.EmailHash,
	}, metrics)
	searcher := content.NewSearcher(st, llm.NewEmbedder(llmCfg))

	srv := newServer(api.Deps{
		Store:      st,
		KV:         kvStore,
		Moderator:  moderator,
		Strikes:    escalator,
		Gate:       identity.NewGate(blocks, limiter, st, kvStore, issuer, cfg.FreeMessageLimit, metrics),
		Identities: identity.NewResolver(cookies, st),
		Assistant:  assistant.NewOrchestrator(provider, cfg.MaxToolRounds, metrics),
		Issuer:     issuer,
		Redeemer:   verification.NewRedeemer(st, metrics),
		Cookies:    cookies,
		SiteLimit:  limiter,
		Streams:    stream.NewRegistry(),
		Catalog:    catalog,
		Search:     searcher,
		Metrics:    metrics,
		Gatherer:   registry,
		HashKey:    keys.EmailHash,
	}, cfg)

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("chat gateway listening",
		"addr", addr,
		"store", cfg.StoreDriver,
		"llm_provider", cfg.LLMProvider,
		"mail_delivery", cfg.MailDelivery,
		"rate_limit_dry_run", cfg.RateLimitDryRun,
	)
	return srv.Start(ctx, addr)
}

// deriveKeys falls back to a random master key outside production, which
// invalidates every session cookie on restart.
func deriveKeys(cfg config.Config) (secrets.Keys, error) {
	if cfg.SessionSecret == "" && !cfg.IsProduction() {
		observability.Logger().Warn("SESSION_SECRET not set, using an ephemeral key")
		master := make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return secrets.Keys{}, err
		}
		return secrets.DeriveKeys(master)
	}
	master, err := secrets.ParseKey(cfg.SessionSecret)
	if err != nil {
		return secrets.Keys{}, err
	}
	return secrets.DeriveKeys(master)
}

func openStore(ctx context.Context, cfg config.Config, catalog *content.Catalog) (conversationStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		st := memory.New()
		for _, doc := range catalog.Documents() {
			st.AddDocument(doc)
		}
		return st, func() {}, nil
	case "postgres", "":
		st, err := newPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func newDeliverer(cfg config.Config, keys secrets.Keys) (verification.Deliverer, func(), error) {
	switch cfg.MailDelivery {
	case "log", "":
		if cfg.IsProduction() {
			observability.Logger().Warn("verification emails are only logged")
		}
		return mail.NewLogDeliverer(keys.EmailHash), func() {}, nil
	case "direct":
		sender, err := newSender(cfg.ResendAPIKey, cfg.MailFrom)
		if err != nil {
			return nil, nil, err
		}
		return mail.NewDirectDeliverer(sender, cfg.VerificationTokenTTL, keys.EmailHash), func() {}, nil
	case "temporal":
		c, err := dialTemporal(client.Options{
			HostPort: cfg.TemporalAddress,
			Logger:   temporallog.NewStructuredLogger(observability.Logger()),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("temporal: %w", err)
		}
		closeClient := func() {
			if c != nil {
				c.Close()
			}
		}
		return workflows.NewService(c, cfg.TemporalTaskQueue, keys.MailPayload), closeClient, nil
	default:
		return nil, nil, errors.New("MAIL_DELIVERY must be one of log, direct or temporal")
	}
}
