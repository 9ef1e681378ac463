package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loudwire/spacetap/completion"
)

// LoadHistory returns the stored conversation, or nil when none exists yet.
func LoadHistory(ctx context.Context, db *sql.DB) ([]completion.Message, error) {
	raw, err := GetKV(ctx, db, KeyChatHistory)
	if err != nil {
		return nil, err
	}
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var history []completion.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return history, nil
}

// SaveHistory persists the conversation. History is append-only within a
// session; callers pass the full updated slice.
func SaveHistory(ctx context.Context, db *sql.DB, history []completion.Message) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	return SetKV(ctx, db, KeyChatHistory, string(raw))
}

// ClearHistory resets the conversation to empty.
func ClearHistory(ctx context.Context, db *sql.DB) error {
	return SetKV(ctx, db, KeyChatHistory, "[]")
}

// Store adapts the raw helpers to the coordinator's storage interface.
type Store struct{ DB *sql.DB }

func (s *Store) Settings(ctx context.Context) (apiKey, apiModel string, err error) {
	return GetSettings(ctx, s.DB)
}

func (s *Store) History(ctx context.Context) ([]completion.Message, error) {
	return LoadHistory(ctx, s.DB)
}

func (s *Store) SaveHistory(ctx context.Context, history []completion.Message) error {
	return SaveHistory(ctx, s.DB, history)
}

func (s *Store) RecordSegment(ctx context.Context, sessionID string, size int, final bool, uploadErr string) error {
	return InsertSegment(ctx, s.DB, sessionID, size, final, uploadErr)
}
