package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrTokenNotRedeemable covers unknown, expired and already used
	// tokens alike.
	ErrTokenNotRedeemable = errors.New("store: verification token not redeemable")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Session struct {
	ID             string
	SessionID      string
	UserID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Tokens    int
	CreatedAt time.Time
}

type User struct {
	ID            string
	Email         string
	EmailVerified time.Time
	CreatedAt     time.Time
	Blocked       bool
}

type VerificationToken struct {
	ID        string
	Token     string
	Email     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Exchange is one completed user turn and the reply it produced. It is
// written as a unit.
type Exchange struct {
	SessionID        string
	UserID           string
	UserMessage      string
	AssistantMessage string
	PromptTokens     int
	CompletionTokens int
	At               time.Time
}

type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
	Score    float64
}

type Store interface {
	// EnsureSession creates the session on first sight. A user id, once
	// attached, is never replaced.
	EnsureSession(ctx context.Context, sessionID string, userID string) (Session, error)
	CountUserMessages(ctx context.Context, sessionID string) (int, error)
	RecordExchange(ctx context.Context, exchange Exchange) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	CreateVerificationToken(ctx context.Context, token VerificationToken) error
	// ConsumeVerificationToken marks token used and returns its email in
	// one conditional write.
	ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (string, error)
	UpsertUserByEmail(ctx context.Context, email string, verifiedAt time.Time) (User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool) error
	Ping(ctx context.Context) error
}

// DocumentSearcher finds site content for retrieval. Embedding may be
// nil, in which case implementations fall back to keyword search.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string, embedding []float32, limit int) ([]Document, error)
}
