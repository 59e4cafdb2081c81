// Command chatctl is the operator tool for the chat gateway: it manages
// block entries and abuse strikes, flags accounts, applies migrations
// and indexes site content for search.
package main

import (
	"context"
	"os"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	root := newRootCmd(&app{
		cfg:    cfg,
		openKV: kv.New,
		openAdmin: func(ctx context.Context, conn string) (adminStore, error) {
			return postgres.New(conn)
		},
		embedder: llm.NewEmbedder(llm.Config{
			Model:          cfg.LLMModel,
			OpenAIAPIKey:   cfg.OpenAIAPIKey,
			EmbeddingModel: cfg.EmbeddingModel,
		}),
	})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
