package memory

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords(base time.Time) []Record {
	return []Record{
		{Key: "k1", Text: "What is the weather in Paris?", Timestamp: base, SessionID: "s1", AgentID: "weather", UserInput: "weather?", AgentResponse: "sunny"},
		{Key: "k2", Text: "Summarise the forecast", Timestamp: base.Add(time.Second), SessionID: "s1", AgentID: "summary", Metadata: map[string]interface{}{"tokens": float64(12)}},
		{Key: "k3", Text: "Unrelated weather chatter", Timestamp: base.Add(2 * time.Second), SessionID: "s2", AgentID: "weather"},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, rec := range sampleRecords(base) {
		require.NoError(t, store.Add(ctx, rec))
	}

	session, err := store.Session(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "k1", session[0].Key)
	assert.Equal(t, "k2", session[1].Key)
	assert.Equal(t, "sunny", session[0].AgentResponse)
	assert.Equal(t, float64(12), session[1].Metadata["tokens"])
	assert.True(t, session[0].Timestamp.Equal(base))

	limited, err := store.Session(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "k1", limited[0].Key)

	found, err := store.Search(ctx, "WEATHER", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "k3", found[0].Key, "newest first")

	require.NoError(t, store.Delete(ctx, "k1"))
	assert.ErrorIs(t, store.Delete(ctx, "k1"), ErrNotFound)

	session, err = store.Session(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, session, 1)

	moved := sampleRecords(base)[1]
	moved.SessionID = "s2"
	require.NoError(t, store.Add(ctx, moved))
	session, err = store.Session(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, session, "a record re-added under another session leaves the old one")
	session, err = store.Session(ctx, "s2", 0)
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "k2", session[0].Key)
	assert.Equal(t, "k3", session[1].Key)
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemory())
}

func TestInMemoryRejectsInvalidRecords(t *testing.T) {
	store := NewInMemory()
	assert.Error(t, store.Add(context.Background(), Record{Text: "no key", Timestamp: time.Now()}))
	assert.Error(t, store.Add(context.Background(), Record{Key: "k"}))
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	path := t.TempDir() + "/nested/memory.db"
	store, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), Record{Key: "a", Text: "hello", Timestamp: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	found, err := reopened.Search(context.Background(), "hello", 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestPostgresStore_Add(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
		WithArgs("k1", "hello", `{"source":"test"}`, sqlmock.AnyArg(), "s1", "agent", "hi", "hello").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Add(context.Background(), Record{
		Key: "k1", Text: "hello", Metadata: map[string]interface{}{"source": "test"},
		Timestamp: ts, SessionID: "s1", AgentID: "agent", UserInput: "hi", AgentResponse: "hello",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Session(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"key", "text", "metadata", "timestamp", "session_id", "agent_id", "user_input", "agent_response"}).
		AddRow("k1", "hello", []byte(`{"tokens":3}`), ts, "s1", "agent", "hi", "hello").
		AddRow("k2", "again", nil, ts.Add(time.Second), "s1", nil, nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, text, metadata, timestamp, session_id, agent_id, user_input, agent_response FROM conversations WHERE session_id = $1 ORDER BY timestamp ASC LIMIT $2")).
		WithArgs("s1", 5).
		WillReturnRows(rows)

	recs, err := store.Session(context.Background(), "s1", 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, float64(3), recs[0].Metadata["tokens"])
	assert.Equal(t, "", recs[1].AgentID)
	assert.Nil(t, recs[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchIsLiteral(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"key", "text", "metadata", "timestamp", "session_id", "agent_id", "user_input", "agent_response"}).
		AddRow("k1", "a_b at 50%", nil, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), "s1", "agent", nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversations WHERE text ILIKE $1 ESCAPE '\' ORDER BY timestamp DESC LIMIT $2`)).
		WithArgs(`%a\_b at 50\%\\%`, 3).
		WillReturnRows(rows)

	recs, err := NewPostgres(db).Search(context.Background(), `a_b at 50%\`, 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversations WHERE key = $1")).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgres(db).Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("LANGSWARM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LANGSWARM_TEST_REDIS_URL not set")
	}
	store, err := OpenRedis(context.Background(), url)
	require.NoError(t, err)
	defer store.Close()
	store.prefix = "langswarm:test:" + time.Now().Format("150405.000000") + ":"
	exerciseStore(t, store)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "bigtable", "")
	assert.Error(t, err)

	s, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &InMemory{}, s)
}
