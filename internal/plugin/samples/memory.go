// Package samples provides reference plugins exercising the plugin
// capability surface end to end: a SQLite-backed persistence plugin, a
// plugin demonstrating command-override behavior, and a plugin that
// only observes pipeline events.
package samples

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/pipeline"
	"github.com/vaultkit/sidecar/internal/plugin"
)

// Memory is a reference persistence plugin: it stores chat turns and
// arbitrary per-conversation metadata in a SQLite database scoped to
// the workspace, exposes that history through three commands, and
// records each turn itself via an OUTPUT-stage hook rather than
// requiring the orchestrator to know it exists. Adapted from a
// core-daemon persistence subsystem into a plugin since conversation
// storage belongs behind the plugin boundary here, not in the kernel.
type Memory struct {
	plugin.Base
	db *sql.DB
}

// NewMemory is the Factory registered for the "memory" plugin id.
func NewMemory(deps plugin.Deps) plugin.Plugin {
	return &Memory{Base: plugin.NewBase("memory", deps)}
}

func (m *Memory) RegisterCommands() error {
	m.Registry.Register("chat.get_history", m.getHistory, "memory", false)
	m.Registry.Register("chat.set_metadata", m.setMetadata, "memory", false)
	m.Registry.Register("chat.get_metadata", m.getMetadata, "memory", false)
	return nil
}

// RegisterHooks subscribes to the OUTPUT stage so every chat turn is
// persisted as it completes, the way the source's pipeline appended to
// working memory once a turn's response was final.
func (m *Memory) RegisterHooks() error {
	m.Subscribe(events.StageOutput, m.onOutput, 0)
	return nil
}

func (m *Memory) onOutput(ctx context.Context, event string, payload any) error {
	pc, ok := payload.(*pipeline.Context)
	if !ok || pc == nil {
		return nil
	}
	conversationID, _ := pc.Metadata["chat_id"].(string)
	if conversationID == "" {
		return nil
	}
	if err := m.RecordTurn(ctx, conversationID, "user", pc.OriginalMessage); err != nil {
		m.Logger.Warn("failed to record user turn", "error", err)
	}
	if pc.Response != nil && *pc.Response != "" {
		if err := m.RecordTurn(ctx, conversationID, "assistant", *pc.Response); err != nil {
			m.Logger.Warn("failed to record assistant turn", "error", err)
		}
	}
	return nil
}

func (m *Memory) OnLoad(ctx context.Context) error {
	dbPath := filepath.Join(m.VaultPath, "memory.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open memory database: %w", err)
	}
	if err := migrateMemorySchema(db); err != nil {
		db.Close()
		return fmt.Errorf("migrate memory database: %w", err)
	}
	m.db = db
	m.Logger.Debug("memory plugin ready", "db", dbPath)
	return nil
}

func migrateMemorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_metadata (
			conversation_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (conversation_id, key)
		);
	`)
	return err
}

func (m *Memory) OnClientConnected(ctx context.Context) error { return nil }

func (m *Memory) OnUnload(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// RecordTurn appends one chat turn to the history. Not itself a
// registered command — onOutput calls it once per turn via the OUTPUT
// stage hook, the way the original pipeline appended to working memory
// after every turn.
func (m *Memory) RecordTurn(ctx context.Context, conversationID, role, content string) error {
	if m.db == nil {
		return fmt.Errorf("memory plugin not loaded")
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, time.Now().UTC())
	return err
}

func (m *Memory) getHistory(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	limit := 50
	if raw, ok := params["limit"]; ok {
		if n, ok := raw.(float64); ok && n > 0 {
			limit = int(n)
		}
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []map[string]any
	for rows.Next() {
		var role, content string
		var createdAt time.Time
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, err
		}
		history = append([]map[string]any{{
			"role":       role,
			"content":    content,
			"created_at": createdAt.Format(time.RFC3339),
		}}, history...)
	}
	return map[string]any{"conversation_id": conversationID, "history": history}, rows.Err()
}

// setMetadata stores value as JSON so callers (e.g. the orchestrator's
// chat.set_model override) can round-trip a map, not just a string.
func (m *Memory) setMetadata(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	key, _ := params["key"].(string)
	if conversationID == "" || key == "" {
		return nil, fmt.Errorf("conversation_id and key are required")
	}
	encoded, err := json.Marshal(params["value"])
	if err != nil {
		return nil, fmt.Errorf("encode metadata value: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO conversation_metadata (conversation_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value`,
		conversationID, key, string(encoded))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}

func (m *Memory) getMetadata(ctx context.Context, params map[string]any) (any, error) {
	conversationID, _ := params["conversation_id"].(string)
	key, _ := params["key"].(string)
	if conversationID == "" || key == "" {
		return nil, fmt.Errorf("conversation_id and key are required")
	}
	var encoded string
	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM conversation_metadata WHERE conversation_id = ? AND key = ?`,
		conversationID, key).Scan(&encoded)
	if err == sql.ErrNoRows {
		return map[string]any{"conversation_id": conversationID, "key": key, "value": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, fmt.Errorf("decode metadata value: %w", err)
	}
	return map[string]any{"conversation_id": conversationID, "key": key, "value": value}, nil
}
