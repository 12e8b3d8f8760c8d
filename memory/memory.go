// Package memory provides conversation memory backends for agent exchanges.
//
// Every backend stores the same Record shape, which mirrors the conversations
// table used by the analytics sink:
//
//	key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a record key does not exist.
var ErrNotFound = errors.New("memory record not found")

// Record is one stored agent exchange.
type Record struct {
	Key           string                 `json:"key"`
	Text          string                 `json:"text"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     string                 `json:"session_id,omitempty"`
	AgentID       string                 `json:"agent_id,omitempty"`
	UserInput     string                 `json:"user_input,omitempty"`
	AgentResponse string                 `json:"agent_response,omitempty"`
}

func (r Record) validate() error {
	if r.Key == "" {
		return fmt.Errorf("record key is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record timestamp is required")
	}
	return nil
}

// Store persists conversation records.
type Store interface {
	// Add inserts or replaces a record.
	Add(ctx context.Context, rec Record) error
	// Session returns a session's records oldest first, at most limit (0 = all).
	Session(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Search returns records whose text contains query, newest first.
	Search(ctx context.Context, query string, limit int) ([]Record, error)
	// Delete removes a record by key.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open creates a store for backend ("memory", "sqlite", "postgres", "redis").
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "memory":
		return NewInMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	case "redis":
		return OpenRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", backend)
	}
}

// InMemory keeps records in process.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemory creates an empty in-process store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

func (m *InMemory) Add(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	return nil
}

func (m *InMemory) Session(_ context.Context, sessionID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return truncate(out, limit), nil
}

func (m *InMemory) Search(_ context.Context, query string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var out []Record
	for _, r := range m.records {
		if strings.Contains(strings.ToLower(r.Text), q) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return truncate(out, limit), nil
}

func (m *InMemory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *InMemory) Close() error { return nil }

func truncate(recs []Record, limit int) []Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
