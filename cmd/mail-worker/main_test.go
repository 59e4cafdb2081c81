package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/mail"
)

// stubWorker embeds the interface so only the calls run makes need
// bodies; anything else panics.
type stubWorker struct {
	worker.Worker
	runErr     error
	workflows  int
	activities int
}

func (s *stubWorker) RegisterWorkflow(w interface{}) { s.workflows++ }

func (s *stubWorker) RegisterActivity(a interface{}) { s.activities++ }

func (s *stubWorker) Run(_ <-chan interface{}) error {
	return s.runErr
}

type nopSender struct{}

func (nopSender) Send(ctx context.Context, msg mail.Message) error { return nil }

func captureWorkerDeps() func() {
	origLoadConfig := loadConfig
	origDialTemporal := dialTemporal
	origParseSecretsKey := parseSecretsKey
	origNewSender := newSender
	origNewWorker := newWorker
	origWorkerInterrupt := workerInterrupt
	origLogOutput := logOutput

	logOutput = io.Discard

	return func() {
		loadConfig = origLoadConfig
		dialTemporal = origDialTemporal
		parseSecretsKey = origParseSecretsKey
		newSender = origNewSender
		newWorker = origNewWorker
		workerInterrupt = origWorkerInterrupt
		logOutput = origLogOutput
	}
}

func workerConfig() config.Config {
	return config.Config{
		SessionSecret:   "0123456789abcdef0123456789abcdef",
		ResendAPIKey:    "re_test",
		TemporalAddress: "localhost:7233",
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return workerConfig(), nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newSender = func(string, string) (mail.Sender, error) {
		return nopSender{}, nil
	}
	stub := &stubWorker{}
	var queue string
	newWorker = func(_ client.Client, taskQueue string, _ worker.Options) worker.Worker {
		queue = taskQueue
		return stub
	}
	workerInterrupt = func() <-chan interface{} {
		return make(chan interface{})
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if queue != "chat-mail" {
		t.Fatalf("expected default task queue, got %q", queue)
	}
	if stub.workflows != 1 || stub.activities != 1 {
		t.Fatalf("expected one workflow and one activity set, got %d and %d", stub.workflows, stub.activities)
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunMissingSecret(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := workerConfig()
		cfg.SessionSecret = ""
		return cfg, nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		t.Fatal("temporal must not be dialed without a secret")
		return nil, nil
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunMissingResendKey(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := workerConfig()
		cfg.ResendAPIKey = ""
		return cfg, nil
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunTemporalClientFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return workerConfig(), nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunWorkerFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		cfg := workerConfig()
		cfg.TemporalTaskQueue = "custom"
		return cfg, nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newWorker = func(_ client.Client, _ string, _ worker.Options) worker.Worker {
		return &stubWorker{runErr: errors.New("worker stopped")}
	}
	workerInterrupt = func() <-chan interface{} {
		return make(chan interface{})
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}
