package state

import (
	"context"
	"fmt"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
)

// ChatMessage is one entry of a channel-scoped conversation history.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Channel   string    `json:"channel"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AppendMessage(ctx context.Context, projectID, channel, role, content string) (ChatMessage, error) {
	msg := ChatMessage{
		ID:        idgen.New(),
		ProjectID: projectID,
		Channel:   channel,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := execWithRetry(ctx, s.db, `
		INSERT INTO messages (id, project_id, channel, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, projectID, channel, role, content, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the most recent limit messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, projectID, channel string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, channel, role, content, created_at FROM (
			SELECT id, project_id, channel, role, content, created_at
			FROM messages WHERE project_id = ? AND channel = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC
	`, projectID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.Channel, &msg.Role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
