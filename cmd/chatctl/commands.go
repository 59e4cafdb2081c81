package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/blog/internal/abuse"
	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/store"
	"github.com/abdul-hamid-achik/blog/internal/verification"
)

// adminStore is the part of the postgres store the operator commands use.
type adminStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool) error
	UpsertDocument(ctx context.Context, doc store.Document, embedding []float32) error
	Migrate(ctx context.Context) error
	Close() error
}

type app struct {
	cfg       config.Config
	openKV    func(url string) (kv.Store, error)
	openAdmin func(ctx context.Context, conn string) (adminStore, error)
	embedder  llm.Embedder
}

func (a *app) withKV(fn func(st kv.Store) error) error {
	st, err := a.openKV(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open kv: %w", err)
	}
	if closer, ok := st.(io.Closer); ok {
		defer closer.Close()
	}
	return fn(st)
}

func (a *app) withAdmin(ctx context.Context, fn func(st adminStore) error) error {
	st, err := a.openAdmin(ctx, a.cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func (a *app) escalator(st kv.Store) *abuse.Escalator {
	return abuse.NewEscalator(st, abuse.NewRegistry(st), abuse.EscalatorConfig{
		Threshold: a.cfg.AbuseThreshold,
		Window:    a.cfg.AbuseWindow,
		BlockFor:  a.cfg.TempBlockDuration,
	}, nil)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Operate the chat gateway's block registry, accounts and content index",
		SilenceUsage: true,
	}
	root.AddCommand(
		newBlockCmd(a),
		newUnblockCmd(a),
		newStatusCmd(a),
		newStrikesCmd(a),
		newUserCmd(a),
		newMigrateCmd(a),
		newIndexCmd(a),
	)
	return root
}

func newBlockCmd(a *app) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "block [identity]",
		Short: "Block an IP, user id or session-<id> key",
		Long:  "Block an identity. A duration of 0 blocks until unblock is run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKV(func(st kv.Store) error {
				if err := abuse.NewRegistry(st).Block(cmd.Context(), args[0], duration); err != nil {
					return err
				}
				if duration == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "blocked %s permanently\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %s for %s\n", args[0], duration)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "block duration, 0 for permanent")
	return cmd
}

func newUnblockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock [identity]",
		Short: "Remove a block entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKV(func(st kv.Store) error {
				if err := abuse.NewRegistry(st).Unblock(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [identity]",
		Short: "Show whether an identity is blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKV(func(st kv.Store) error {
				status, err := abuse.NewRegistry(st).Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case !status.Blocked:
					fmt.Fprintf(out, "%s is not blocked\n", args[0])
				case status.Permanent:
					fmt.Fprintf(out, "%s is blocked permanently\n", args[0])
				default:
					fmt.Fprintf(out, "%s is blocked for another %s\n", args[0], status.Remaining.Round(time.Second))
				}
				return nil
			})
		},
	}
}

func newStrikesCmd(a *app) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "strikes [ip]",
		Short: "Show or reset the moderation strikes of an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKV(func(st kv.Store) error {
				escalator := a.escalator(st)
				if reset {
					if err := escalator.Reset(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset strikes for %s\n", args[0])
					return nil
				}
				strikes, err := escalator.Strikes(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s has %d of %d strikes\n", args[0], strikes, a.cfg.AbuseThreshold)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the strike counter")
	return cmd
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Flag or clear verified accounts",
	}
	cmd.AddCommand(newUserFlagCmd(a, "block", true), newUserFlagCmd(a, "unblock", false))
	return cmd
}

func newUserFlagCmd(a *app, use string, blocked bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [email]",
		Short: "Set the blocked flag of the account with this email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := verification.NormalizeEmail(args[0])
			return a.withAdmin(cmd.Context(), func(st adminStore) error {
				user, err := st.GetUserByEmail(cmd.Context(), email)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no verified account for %s", email)
				}
				if err != nil {
					return err
				}
				if err := st.SetUserBlocked(cmd.Context(), user.ID, blocked); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s %sed\n", user.ID, use)
				return nil
			})
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd.Context(), func(st adminStore) error {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newIndexCmd(a *app) *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the content manifest for search",
		Long:  "Upsert every visible manifest item into the documents table. Items get an embedding when OPENAI_API_KEY is set and keyword search only otherwise.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest == "" {
				manifest = a.cfg.ContentManifestPath
			}
			if manifest == "" {
				return errors.New("no manifest: pass --manifest or set CONTENT_MANIFEST_PATH")
			}
			catalog, err := content.LoadCatalog(manifest)
			if err != nil {
				return err
			}
			return a.withAdmin(cmd.Context(), func(st adminStore) error {
				indexed := 0
				for _, doc := range catalog.Documents() {
					embedding, err := a.embed(cmd.Context(), doc.Content)
					if err != nil {
						return fmt.Errorf("embed %s: %w", doc.ID, err)
					}
					if err := st.UpsertDocument(cmd.Context(), doc, embedding); err != nil {
						return fmt.Errorf("index %s: %w", doc.ID, err)
					}
					indexed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents\n", indexed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "content manifest path (defaults to CONTENT_MANIFEST_PATH)")
	return cmd
}

func (a *app) embed(ctx context.Context, text string) ([]float32, error) {
	if a.embedder == nil {
		return nil, nil
	}
	return a.embedder.Embed(ctx, text)
}
