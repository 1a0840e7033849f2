package session

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SHAIK14/Finsight-AI/types"
)

// ChatSession is one conversation. The title is derived from the first user
// turn and UpdatedAt is bumped on every append.
type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:64;index:idx_sessions_user" json:"user_id"`
	Title     string    `gorm:"size:120" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_sessions_updated" json:"updated_at"`

	Messages []ChatMessage `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

// ChatMessage is one persisted turn. Sources are stored as a JSON column so
// a reloaded transcript keeps its citations.
type ChatMessage struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID string     `gorm:"size:36;not null;index:idx_messages_session" json:"session_id"`
	Role      string     `gorm:"size:16;not null" json:"role"`
	Content   string     `gorm:"type:text" json:"content"`
	Sources   SourceList `gorm:"type:text" json:"sources,omitempty"`
	CreatedAt time.Time  `gorm:"index:idx_messages_created" json:"created_at"`
}

// SourceList serializes reranked citations into a single JSON column.
type SourceList []types.RerankedResult

func (s SourceList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	return string(b), nil
}

func (s *SourceList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported sources column type %T", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Turn converts a stored message back into the pipeline's transcript shape.
func (m ChatMessage) Turn() types.Turn {
	return types.Turn{
		Role:      types.Role(m.Role),
		Content:   m.Content,
		Sources:   []types.RerankedResult(m.Sources),
		CreatedAt: m.CreatedAt,
	}
}
