package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores records in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "langswarm/memory.db"
	}
	dsn := path
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve memory db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("ensure memory db dir: %w", err)
		}
		dsn = abs + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
	key TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	metadata TEXT,
	timestamp TEXT NOT NULL,
	session_id TEXT,
	agent_id TEXT,
	user_input TEXT,
	agent_response TEXT
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, timestamp);
`)
	if err != nil {
		return fmt.Errorf("create memory schema: %w", err)
	}
	return nil
}

func (s *SQLite) Add(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversations (key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	text = excluded.text,
	metadata = excluded.metadata,
	timestamp = excluded.timestamp,
	session_id = excluded.session_id,
	agent_id = excluded.agent_id,
	user_input = excluded.user_input,
	agent_response = excluded.agent_response`,
		rec.Key, rec.Text, string(meta), rec.Timestamp.UTC().Format(sqliteTimeLayout),
		rec.SessionID, rec.AgentID, rec.UserInput, rec.AgentResponse)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// sqliteTimeLayout is fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteColumns = `key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response`

func (s *SQLite) Session(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := `SELECT ` + sqliteColumns + ` FROM conversations WHERE session_id = ? ORDER BY timestamp ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLite) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	query := `SELECT ` + sqliteColumns + ` FROM conversations WHERE instr(lower(text), lower(?)) > 0 ORDER BY timestamp DESC`
	args := []interface{}{q}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLite) query(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                                      Record
			meta, ts                                 string
			session, agent, userInput, agentResponse sql.NullString
		)
		if err := rows.Scan(&rec.Key, &rec.Text, &meta, &ts, &session, &agent, &userInput, &agentResponse); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if rec.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		rec.SessionID = session.String
		rec.AgentID = agent.String
		rec.UserInput = userInput.String
		rec.AgentResponse = agentResponse.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
