package main

import (
	"io"
	"os"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/mail"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
	"github.com/abdul-hamid-achik/blog/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	dialTemporal    = client.Dial
	parseSecretsKey = secrets.ParseKey
	newSender       = func(apiKey, from string) (mail.Sender, error) {
		return mail.NewResendSender(apiKey, from)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
)

var logOutput io.Writer = os.Stdout

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("mail worker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.Configure(logOutput, cfg.LogLevel)

	// The gateway seals payloads with a key derived from the same secret,
	// so a missing secret is fatal here even in development.
	master, err := parseSecretsKey(cfg.SessionSecret)
	if err != nil {
		return err
	}
	keys, err := secrets.DeriveKeys(master)
	if err != nil {
		return err
	}
	sender, err := newSender(cfg.ResendAPIKey, cfg.MailFrom)
	if err != nil {
		return err
	}

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	taskQueue := cfg.TemporalTaskQueue
	if taskQueue == "" {
		taskQueue = workflows.DefaultTaskQueue
	}
	w := newWorker(temporalClient, taskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.DeliverVerificationEmail)
	w.RegisterActivity(workflows.NewMailActivities(keys.MailPayload, sender, cfg.VerificationTokenTTL))

	logger.Info("mail worker started", "task_queue", taskQueue)
	return w.Run(workerInterrupt())
}
