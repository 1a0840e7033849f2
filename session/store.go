// Package session persists conversation transcripts behind the query
// pipeline. Writes to the same session are serialized so title derivation,
// timestamp bumps and message order never race; different sessions are fully
// independent.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SHAIK14/Finsight-AI/types"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

const (
	maxTitleLen = 80
	stripeCount = 64
)

// Store is the gorm-backed session store.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	stripes [stripeCount]sync.Mutex
}

// NewStore migrates the session schema and returns a ready store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&ChatSession{}, &ChatMessage{}); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "session_store")),
	}, nil
}

// stripe returns the write lock for a session id. Striping bounds the lock
// table while still keeping unrelated sessions concurrent.
func (s *Store) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.stripes[h.Sum32()%stripeCount]
}

// EnsureSession resolves a possibly-empty session id to a persisted session.
// An empty id creates a fresh session; an unknown id is created as given so a
// client-generated id survives a server restart. The second return reports
// whether a new session row was created.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) (string, bool, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	var existing ChatSession
	err := s.db.WithContext(ctx).First(&existing, "id = ?", sessionID).Error
	if err == nil {
		return sessionID, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}

	now := time.Now().UTC()
	sess := ChatSession{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return "", false, fmt.Errorf("create session %s: %w", sessionID, err)
	}

	s.logger.Debug("session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID))

	return sessionID, true, nil
}

// AppendTurn persists one turn at the end of the transcript. The first user
// turn sets the session title; every append bumps UpdatedAt.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("append turn: empty session id")
	}

	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess ChatSession
		if err := tx.First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("append turn: %w", ErrSessionNotFound)
			}
			return fmt.Errorf("append turn: lookup session: %w", err)
		}

		msg := ChatMessage{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      string(turn.Role),
			Content:   turn.Content,
			Sources:   SourceList(turn.Sources),
			CreatedAt: createdAt,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("append turn: insert message: %w", err)
		}

		updates := map[string]any{"updated_at": now}
		if sess.Title == "" && turn.Role == types.RoleUser {
			updates["title"] = deriveTitle(turn.Content)
		}
		if err := tx.Model(&ChatSession{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
			return fmt.Errorf("append turn: update session: %w", err)
		}
		return nil
	})
}

// RecentHistory returns up to window most recent turns in chronological order.
// Used as the rewriting context window; a missing session yields empty
// history rather than an error.
func (s *Store) RecentHistory(ctx context.Context, sessionID string, window int) ([]types.Turn, error) {
	if sessionID == "" || window <= 0 {
		return nil, nil
	}

	var msgs []ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(window).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("recent history for %s: %w", sessionID, err)
	}

	turns := make([]types.Turn, len(msgs))
	for i, m := range msgs {
		turns[len(msgs)-1-i] = m.Turn()
	}
	return turns, nil
}

// List returns a user's sessions, most recently active first.
func (s *Store) List(ctx context.Context, userID string) ([]ChatSession, error) {
	var sessions []ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	return sessions, nil
}

// Get returns one session with its full transcript in chronological order.
func (s *Store) Get(ctx context.Context, sessionID string) (*ChatSession, error) {
	var sess ChatSession
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		First(&sess, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&ChatMessage{}).Error; err != nil {
			return fmt.Errorf("delete messages for %s: %w", sessionID, err)
		}
		res := tx.Delete(&ChatSession{}, "id = ?", sessionID)
		if res.Error != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// deriveTitle truncates the first user turn to a displayable session title.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxTitleLen-1]) + "…"
}
