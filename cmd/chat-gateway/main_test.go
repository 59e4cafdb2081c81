package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"go.temporal.io/sdk/client"

	"github.com/abdul-hamid-achik/blog/internal/api"
	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/mail"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
	"github.com/abdul-hamid-achik/blog/internal/store/postgres"
	"github.com/abdul-hamid-achik/blog/internal/workflows"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubServer struct {
	err  error
	addr *string
}

func (s stubServer) Start(ctx context.Context, addr string) error {
	if s.addr != nil {
		*s.addr = addr
	}
	return s.err
}

func captureGatewayDeps() func() {
	origLoadConfig := loadConfig
	origLogOutput := logOutput
	origNewKV := newKV
	origLoadCatalog := loadCatalog
	origNewPostgres := newPostgres
	origNewProvider := newProvider
	origNewSender := newSender
	origDialTemporal := dialTemporal
	origNewServer := newServer
	origNotifyContext := notifyContext

	logOutput = io.Discard
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}

	return func() {
		loadConfig = origLoadConfig
		logOutput = origLogOutput
		newKV = origNewKV
		loadCatalog = origLoadCatalog
		newPostgres = origNewPostgres
		newProvider = origNewProvider
		newSender = origNewSender
		dialTemporal = origDialTemporal
		newServer = origNewServer
		notifyContext = origNotifyContext
	}
}

func memoryConfig() config.Config {
	return config.Config{
		Port:             "0",
		AppURL:           "http://localhost:3000",
		StoreDriver:      "memory",
		SessionSecret:    testSecret,
		LLMProvider:      "local",
		MailDelivery:     "log",
		FreeMessageLimit: 5,
		MaxToolRounds:    4,
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return memoryConfig(), nil
	}
	var captured api.Deps
	var addr string
	newServer = func(deps api.Deps, _ config.Config) server {
		captured = deps
		return stubServer{addr: &addr}
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if addr != ":0" {
		t.Fatalf("expected addr :0, got %q", addr)
	}
	if captured.Store == nil || captured.Gate == nil || captured.Assistant == nil {
		t.Fatal("expected store, gate and assistant to be wired")
	}
	if captured.Gatherer == nil || captured.Metrics == nil {
		t.Fatal("expected metrics to be wired")
	}
	if captured.Streams == nil || captured.Search == nil || captured.Catalog == nil {
		t.Fatal("expected stream registry, search and catalog to be wired")
	}
}

func TestRunRunsTwiceWithoutDuplicateRegistration(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return memoryConfig(), nil
	}
	newServer = func(api.Deps, config.Config) server {
		return stubServer{}
	}
	for i := 0; i < 2; i++ {
		if err := run(); err != nil {
			t.Fatalf("run %d: expected nil error, got %v", i, err)
		}
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunRejectsInvalidTrustedProxy(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := memoryConfig()
		cfg.TrustedProxies = []string{"proxy.internal"}
		return cfg, nil
	}
	newServer = func(api.Deps, config.Config) server {
		t.Fatal("server must not start with an unparsable proxy list")
		return nil
	}

	if err := run(); err == nil || !strings.Contains(err.Error(), "trusted proxy") {
		t.Fatalf("expected trusted proxy error, got %v", err)
	}
}

func TestRunServerFailure(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return memoryConfig(), nil
	}
	newServer = func(api.Deps, config.Config) server {
		return stubServer{err: errors.New("listen failed")}
	}

	if err := run(); err == nil || err.Error() != "listen failed" {
		t.Fatalf("expected listen failure, got %v", err)
	}
}

func TestRunProductionRequiresSecret(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := memoryConfig()
		cfg.Environment = "production"
		cfg.SessionSecret = ""
		return cfg, nil
	}
	newServer = func(api.Deps, config.Config) server {
		t.Fatal("server must not start without a secret")
		return nil
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunDevelopmentGeneratesSecret(t *testing.T) {
	keys, err := deriveKeys(config.Config{Environment: "development"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(keys.Cookie) != 32 || len(keys.MailPayload) != 32 {
		t.Fatal("expected 32-byte subkeys")
	}
}

func TestRunCatalogFailure(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := memoryConfig()
		cfg.ContentManifestPath = "/does/not/exist.yaml"
		return cfg, nil
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunProviderFailure(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := memoryConfig()
		cfg.LLMProvider = "nope"
		return cfg, nil
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestOpenStore(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	catalog := content.NewCatalog([]content.Item{{
		ID:    "post-1",
		Kind:  content.KindPost,
		Title: "Reading Lacan",
		Slug:  "/en/posts/reading-lacan",
	}})

	st, closeStore, err := openStore(context.Background(), config.Config{StoreDriver: "memory"}, catalog)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer closeStore()
	docs, err := st.SearchDocuments(context.Background(), "lacan", nil, 5)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "post-1" {
		t.Fatalf("expected the catalog to be indexed, got %v", docs)
	}

	newPostgres = func(context.Context, string) (*postgres.PostgresStore, error) {
		return nil, errors.New("connection refused")
	}
	if _, _, err := openStore(context.Background(), config.Config{StoreDriver: "postgres"}, catalog); err == nil {
		t.Fatal("expected postgres failure")
	}
	if _, _, err := openStore(context.Background(), config.Config{StoreDriver: "sqlite"}, catalog); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestNewDeliverer(t *testing.T) {
	restore := captureGatewayDeps()
	t.Cleanup(restore)

	keys, err := secrets.DeriveKeys([]byte(testSecret))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	deliverer, closeDeliverer, err := newDeliverer(config.Config{MailDelivery: "log"}, keys)
	if err != nil {
		t.Fatalf("log: expected nil error, got %v", err)
	}
	closeDeliverer()
	if _, ok := deliverer.(*mail.LogDeliverer); !ok {
		t.Fatalf("log: got %T", deliverer)
	}

	if _, _, err := newDeliverer(config.Config{MailDelivery: "direct"}, keys); err == nil {
		t.Fatal("direct: expected missing api key error")
	}
	deliverer, _, err = newDeliverer(config.Config{MailDelivery: "direct", ResendAPIKey: "re_test"}, keys)
	if err != nil {
		t.Fatalf("direct: expected nil error, got %v", err)
	}
	if _, ok := deliverer.(*mail.DirectDeliverer); !ok {
		t.Fatalf("direct: got %T", deliverer)
	}

	var dialed client.Options
	dialTemporal = func(options client.Options) (client.Client, error) {
		dialed = options
		return nil, nil
	}
	deliverer, closeDeliverer, err = newDeliverer(config.Config{MailDelivery: "temporal", TemporalAddress: "temporal:7233"}, keys)
	if err != nil {
		t.Fatalf("temporal: expected nil error, got %v", err)
	}
	closeDeliverer()
	if _, ok := deliverer.(*workflows.Service); !ok {
		t.Fatalf("temporal: got %T", deliverer)
	}
	if dialed.HostPort != "temporal:7233" {
		t.Fatalf("temporal: dialed %q", dialed.HostPort)
	}

	dialTemporal = func(client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}
	if _, _, err := newDeliverer(config.Config{MailDelivery: "temporal"}, keys); err == nil {
		t.Fatal("temporal: expected dial error")
	}
	if _, _, err := newDeliverer(config.Config{MailDelivery: "carrier-pigeon"}, keys); err == nil {
		t.Fatal("expected unsupported delivery error")
	}
}
