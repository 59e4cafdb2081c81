//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	storepkg "github.com/abdul-hamid-achik/blog/internal/store"
)

var (
	testDB   *sql.DB
	testConn string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpostgres.Run(
		ctx,
		"pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("blog"),
		tcpostgres.WithUsername("blog"),
		tcpostgres.WithPassword("blog"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start postgres container:", err)
		os.Exit(1)
	}
	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "connection string:", err)
		os.Exit(1)
	}
	pgStore, err := New(conn)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	if err := pgStore.Migrate(ctx); err != nil {
		_ = pgStore.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "apply migrations:", err)
		os.Exit(1)
	}
	testDB = pgStore.db
	testConn = conn
	code := m.Run()
	_ = pgStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func cleanDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(`TRUNCATE TABLE chat_messages, chat_sessions, verification_tokens, users, documents CASCADE`)
	if err != nil {
		t.Fatalf("clean db: %v", err)
	}
}

func newStore(t *testing.T) *PostgresStore {
	t.Helper()
	cleanDB(t)
	return &PostgresStore{db: testDB}
}

func TestOpen_VerifiesSchema(t *testing.T) {
	pgStore, err := Open(testConn)
	require.NoError(t, err)
	require.NoError(t, pgStore.Close())
}

func TestMigrate_Idempotent(t *testing.T) {
	pgStore := newStore(t)
	require.NoError(t, pgStore.Migrate(context.Background()))
}

func TestRecordExchange_CountsAndLists(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, pgStore.RecordExchange(ctx, storepkg.Exchange{
			SessionID:        "s-1",
			UserMessage:      fmt.Sprintf("question %d", i),
			AssistantMessage: fmt.Sprintf("answer %d", i),
			PromptTokens:     12,
			CompletionTokens: 7,
		}))
	}

	count, err := pgStore.CountUserMessages(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	messages, err := pgStore.ListMessages(ctx, "s-1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, storepkg.RoleUser, messages[0].Role)
	require.Equal(t, "question 2", messages[0].Content)
	require.Equal(t, storepkg.RoleAssistant, messages[1].Role)
	require.Equal(t, 7, messages[1].Tokens)
}

func TestEnsureSession_UpgradeIsOneWay(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)

	first, err := pgStore.UpsertUserByEmail(ctx, "first@example.com", time.Now().UTC())
	require.NoError(t, err)
	second, err := pgStore.UpsertUserByEmail(ctx, "second@example.com", time.Now().UTC())
	require.NoError(t, err)

	session, err := pgStore.EnsureSession(ctx, "s-1", "")
	require.NoError(t, err)
	require.Empty(t, session.UserID)

	session, err = pgStore.EnsureSession(ctx, "s-1", first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, session.UserID)

	session, err = pgStore.EnsureSession(ctx, "s-1", second.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, session.UserID)
}

func TestConsumeVerificationToken_ConcurrentSingleUse(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, pgStore.CreateVerificationToken(ctx, storepkg.VerificationToken{
		Token:     "race-token",
		Email:     "me@example.com",
		ExpiresAt: now.Add(time.Hour),
	}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if email, err := pgStore.ConsumeVerificationToken(ctx, "race-token", now); err == nil && email == "me@example.com" {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	_, err := pgStore.ConsumeVerificationToken(ctx, "race-token", now)
	require.ErrorIs(t, err, storepkg.ErrTokenNotRedeemable)
}

func TestConsumeVerificationToken_Expired(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, pgStore.CreateVerificationToken(ctx, storepkg.VerificationToken{
		Token:     "old",
		Email:     "me@example.com",
		ExpiresAt: now.Add(-time.Minute),
	}))
	_, err := pgStore.ConsumeVerificationToken(ctx, "old", now)
	require.ErrorIs(t, err, storepkg.ErrTokenNotRedeemable)
}

func TestUsers_UpsertBlockLookup(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	verified := time.Now().UTC().Truncate(time.Microsecond)

	user, err := pgStore.UpsertUserByEmail(ctx, "me@example.com", verified)
	require.NoError(t, err)
	again, err := pgStore.UpsertUserByEmail(ctx, "me@example.com", verified.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, user.ID, again.ID)
	require.True(t, again.EmailVerified.Equal(verified))

	require.NoError(t, pgStore.SetUserBlocked(ctx, user.ID, true))
	loaded, err := pgStore.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, loaded.Blocked)

	byEmail, err := pgStore.GetUserByEmail(ctx, "me@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, byEmail.ID)

	_, err = pgStore.GetUser(ctx, "not-a-uuid")
	require.ErrorIs(t, err, storepkg.ErrNotFound)
}

func TestSearchDocuments_VectorAndText(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)

	near := make([]float32, documentEmbeddingDimensions)
	near[0] = 1
	far := make([]float32, documentEmbeddingDimensions)
	far[1] = 1

	require.NoError(t, pgStore.UpsertDocument(ctx, storepkg.Document{Content: "Lacan and the mirror stage", Metadata: map[string]any{"slug": "mirror"}}, near))
	require.NoError(t, pgStore.UpsertDocument(ctx, storepkg.Document{Content: "Harbour at dusk, oil on canvas", Metadata: map[string]any{"slug": "harbour"}}, far))

	results, err := pgStore.SearchDocuments(ctx, "mirror", near, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "mirror", results[0].Metadata["slug"])

	results, err = pgStore.SearchDocuments(ctx, "harbour canvas", nil, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "harbour", results[0].Metadata["slug"])
}
