package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/blog/internal/store"
)

type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]store.Session
	messages  map[string][]store.Message
	users     map[string]store.User
	userEmail map[string]string
	tokens    map[string]store.VerificationToken
	documents []store.Document
}

func New() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]store.Session{},
		messages:  map[string][]store.Message{},
		users:     map[string]store.User{},
		userEmail: map[string]string{},
		tokens:    map[string]store.VerificationToken{},
	}
}

func (m *MemoryStore) EnsureSession(ctx context.Context, sessionID string, userID string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSessionLocked(sessionID, userID, time.Now().UTC()), nil
}

func (m *MemoryStore) ensureSessionLocked(sessionID string, userID string, now time.Time) store.Session {
	session, ok := m.sessions[sessionID]
	if !ok {
		session = store.Session{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			CreatedAt: now,
		}
	}
	if session.UserID == "" {
		session.UserID = userID
	}
	session.LastActivityAt = now
	m.sessions[sessionID] = session
	return session
}

func (m *MemoryStore) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages[sessionID] {
		if msg.Role == store.RoleUser {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecordExchange(ctx context.Context, exchange store.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := exchange.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.ensureSessionLocked(exchange.SessionID, exchange.UserID, at)
	m.messages[exchange.SessionID] = append(m.messages[exchange.SessionID],
		store.Message{
			ID:        uuid.NewString(),
			SessionID: exchange.SessionID,
			Role:      store.RoleUser,
			Content:   exchange.UserMessage,
			Tokens:    exchange.PromptTokens,
			CreatedAt: at,
		},
		store.Message{
			ID:        uuid.NewString(),
			SessionID: exchange.SessionID,
			Role:      store.RoleAssistant,
			Content:   exchange.AssistantMessage,
			Tokens:    exchange.CompletionTokens,
			CreatedAt: at.Add(time.Microsecond),
		},
	)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := m.messages[sessionID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]store.Message(nil), messages...), nil
}

func (m *MemoryStore) CreateVerificationToken(ctx context.Context, token store.VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	m.tokens[token.Token] = token
	return nil
}

func (m *MemoryStore) ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok || stored.Used || !now.Before(stored.ExpiresAt) {
		return "", store.ErrTokenNotRedeemable
	}
	stored.Used = true
	m.tokens[token] = stored
	return stored.Email, nil
}

func (m *MemoryStore) UpsertUserByEmail(ctx context.Context, email string, verifiedAt time.Time) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.userEmail[email]; ok {
		user := m.users[id]
		if user.EmailVerified.IsZero() {
			user.EmailVerified = verifiedAt
			m.users[id] = user
		}
		return user, nil
	}
	user := store.User{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: verifiedAt,
		CreatedAt:     verifiedAt,
	}
	m.users[user.ID] = user
	m.userEmail[email] = user.ID
	return user, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	m.mu.RLock()
	id, ok := m.userEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.GetUser(ctx, id)
}

func (m *MemoryStore) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.Blocked = blocked
	m.users[userID] = user
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// AddDocument seeds the keyword search corpus.
func (m *MemoryStore) AddDocument(doc store.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	m.documents = append(m.documents, doc)
}

// SearchDocuments ranks documents by how many query terms they contain.
// The embedding is ignored.
func (m *MemoryStore) SearchDocuments(ctx context.Context, query string, embedding []float32, limit int) ([]store.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || limit <= 0 {
		return []store.Document{}, nil
	}
	results := []store.Document{}
	for _, doc := range m.documents {
		content := strings.ToLower(doc.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		doc.Score = float64(hits) / float64(len(terms))
		results = append(results, doc)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
