package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresSchema creates the conversations table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	key TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL,
	session_id TEXT,
	agent_id TEXT,
	user_input TEXT,
	agent_response TEXT
)`

// Postgres stores records in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. The schema is not created.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects with dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}
	return NewPostgres(db), nil
}

func (p *Postgres) Add(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	query := `
		INSERT INTO conversations (key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			text = EXCLUDED.text,
			metadata = EXCLUDED.metadata,
			timestamp = EXCLUDED.timestamp,
			session_id = EXCLUDED.session_id,
			agent_id = EXCLUDED.agent_id,
			user_input = EXCLUDED.user_input,
			agent_response = EXCLUDED.agent_response
	`
	_, err = p.db.ExecContext(ctx, query, rec.Key, rec.Text, string(meta), rec.Timestamp,
		rec.SessionID, rec.AgentID, rec.UserInput, rec.AgentResponse)
	if err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}

const postgresColumns = "key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response"

func (p *Postgres) Session(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return p.query(ctx, "SELECT "+postgresColumns+" FROM conversations WHERE session_id = $1 ORDER BY timestamp ASC", sessionID)
	}
	return p.query(ctx, "SELECT "+postgresColumns+" FROM conversations WHERE session_id = $1 ORDER BY timestamp ASC LIMIT $2", sessionID, limit)
}

func (p *Postgres) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	pattern := "%" + likeEscaper.Replace(q) + "%"
	if limit <= 0 {
		return p.query(ctx, "SELECT "+postgresColumns+" FROM conversations WHERE text ILIKE $1 ESCAPE '\\' ORDER BY timestamp DESC", pattern)
	}
	return p.query(ctx, "SELECT "+postgresColumns+" FROM conversations WHERE text ILIKE $1 ESCAPE '\\' ORDER BY timestamp DESC LIMIT $2", pattern, limit)
}

// likeEscaper makes a search string match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (p *Postgres) query(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                                      Record
			meta                                     []byte
			session, agent, userInput, agentResponse sql.NullString
		)
		if err := rows.Scan(&rec.Key, &rec.Text, &meta, &rec.Timestamp, &session, &agent, &userInput, &agentResponse); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		rec.SessionID = session.String
		rec.AgentID = agent.String
		rec.UserInput = userInput.String
		rec.AgentResponse = agentResponse.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM conversations WHERE key = $1", key)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
