package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/abdul-hamid-achik/blog/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const documentEmbeddingDimensions = 1536

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Open connects and fails unless the schema is already migrated.
func Open(conn string) (*PostgresStore, error) {
	p, err := New(conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := verifySchema(ctx, p.db); err != nil {
		_ = p.db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate applies the embedded goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, p.db, "migrations")
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"users",
		"chat_sessions",
		"chat_messages",
		"verification_tokens",
		"documents",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run chatctl migrate)", table)
		}
	}
	return nil
}

const upsertSessionQuery = `
	INSERT INTO chat_sessions (id, session_id, user_id, created_at, last_activity_at)
	VALUES ($1, $2, $3, $4, $4)
	ON CONFLICT (session_id)
	DO UPDATE SET
		last_activity_at = EXCLUDED.last_activity_at,
		user_id = COALESCE(chat_sessions.user_id, EXCLUDED.user_id)
	RETURNING id, session_id, user_id, created_at, last_activity_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (store.Session, error) {
	var session store.Session
	var userID sql.NullString
	if err := row.Scan(&session.ID, &session.SessionID, &userID, &session.CreatedAt, &session.LastActivityAt); err != nil {
		return store.Session{}, err
	}
	session.UserID = userID.String
	return session, nil
}

func (p *PostgresStore) EnsureSession(ctx context.Context, sessionID string, userID string) (store.Session, error) {
	row := p.db.QueryRowContext(ctx, upsertSessionQuery, uuid.NewString(), sessionID, nullString(userID), time.Now().UTC())
	return scanSession(row)
}

func (p *PostgresStore) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM chat_messages m
		JOIN chat_sessions s ON s.id = m.session_id
		WHERE s.session_id = $1 AND m.role = 'user'
	`
	var count int
	if err := p.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) RecordExchange(ctx context.Context, exchange store.Exchange) (err error) {
	at := exchange.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	session, err := scanSession(tx.QueryRowContext(ctx, upsertSessionQuery, uuid.NewString(), exchange.SessionID, nullString(exchange.UserID), at))
	if err != nil {
		return err
	}
	const insertMessage = `
		INSERT INTO chat_messages (id, session_id, role, content, tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err = tx.ExecContext(ctx, insertMessage, uuid.NewString(), session.ID, string(store.RoleUser), exchange.UserMessage, nullInt(exchange.PromptTokens), at); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, insertMessage, uuid.NewString(), session.ID, string(store.RoleAssistant), exchange.AssistantMessage, nullInt(exchange.CompletionTokens), at.Add(time.Microsecond)); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, session_id, role, content, tokens, created_at
		FROM (
			SELECT m.id, s.session_id, m.role, m.content, m.tokens, m.created_at
			FROM chat_messages m
			JOIN chat_sessions s ON s.id = m.session_id
			WHERE s.session_id = $1
			ORDER BY m.created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []store.Message{}
	for rows.Next() {
		var msg store.Message
		var role string
		var tokens sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &tokens, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = store.Role(role)
		msg.Tokens = int(tokens.Int64)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *PostgresStore) CreateVerificationToken(ctx context.Context, token store.VerificationToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO verification_tokens (id, token, email, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
	`
	_, err := p.db.ExecContext(ctx, query, token.ID, token.Token, token.Email, token.ExpiresAt, token.CreatedAt)
	return err
}

// ConsumeVerificationToken relies on the row lock taken by UPDATE: of two
// concurrent redemptions the second re-evaluates used = false after the
// first commits and matches nothing.
func (p *PostgresStore) ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (string, error) {
	const query = `
		UPDATE verification_tokens
		SET used = true
		WHERE token = $1 AND used = false AND expires_at > $2
		RETURNING email
	`
	var email string
	err := p.db.QueryRowContext(ctx, query, token, now).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrTokenNotRedeemable
	}
	if err != nil {
		return "", err
	}
	return email, nil
}

const userColumns = "id, email, email_verified, created_at, blocked"

func scanUser(row rowScanner) (store.User, error) {
	var user store.User
	var verified sql.NullTime
	if err := row.Scan(&user.ID, &user.Email, &verified, &user.CreatedAt, &user.Blocked); err != nil {
		return store.User{}, err
	}
	if verified.Valid {
		user.EmailVerified = verified.Time
	}
	return user, nil
}

func (p *PostgresStore) UpsertUserByEmail(ctx context.Context, email string, verifiedAt time.Time) (store.User, error) {
	const query = `
		INSERT INTO users (id, email, email_verified, created_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (email)
		DO UPDATE SET email_verified = COALESCE(users.email_verified, EXCLUDED.email_verified)
		RETURNING ` + userColumns
	return scanUser(p.db.QueryRowContext(ctx, query, uuid.NewString(), email, verifiedAt))
}

func (p *PostgresStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, store.ErrNotFound
	}
	user, err := scanUser(p.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	user, err := scanUser(p.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *PostgresStore) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	result, err := p.db.ExecContext(ctx, "UPDATE users SET blocked = $2 WHERE id = $1", userID, blocked)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// UpsertDocument stores or replaces a retrievable document.
func (p *PostgresStore) UpsertDocument(ctx context.Context, doc store.Document, embedding []float32) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	var vector any
	if len(embedding) == documentEmbeddingDimensions {
		vector = formatVector(embedding)
	}
	const query = `
		INSERT INTO documents (id, content, embedding, metadata)
		VALUES ($1, $2, $3::vector, $4)
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
	`
	_, err = p.db.ExecContext(ctx, query, doc.ID, doc.Content, vector, encoded)
	return err
}

func (p *PostgresStore) SearchDocuments(ctx context.Context, query string, embedding []float32, limit int) ([]store.Document, error) {
	if limit <= 0 {
		return []store.Document{}, nil
	}
	if len(embedding) != documentEmbeddingDimensions {
		return p.searchDocumentsText(ctx, query, limit)
	}
	const sqlQuery = `
		SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS score
		FROM documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`
	results, err := p.queryDocuments(ctx, sqlQuery, formatVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return p.searchDocumentsText(ctx, query, limit)
	}
	return results, nil
}

func (p *PostgresStore) searchDocumentsText(ctx context.Context, query string, limit int) ([]store.Document, error) {
	if strings.TrimSpace(query) == "" {
		return []store.Document{}, nil
	}
	const sqlQuery = `
		SELECT id, content, metadata, ts_rank_cd(tsv, plainto_tsquery('english', $1)) AS score
		FROM documents
		WHERE tsv @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2
	`
	return p.queryDocuments(ctx, sqlQuery, query, limit)
}

func (p *PostgresStore) queryDocuments(ctx context.Context, query string, args ...any) ([]store.Document, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Document{}
	for rows.Next() {
		var doc store.Document
		var metadataBytes []byte
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataBytes, &doc.Score); err != nil {
			return nil, err
		}
		doc.Metadata = map[string]any{}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &doc.Metadata); err != nil {
				return nil, err
			}
		}
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int) any {
	if value <= 0 {
		return nil
	}
	return value
}

func formatVector(values []float32) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		parts = append(parts, fmt.Sprintf("%g", value))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
