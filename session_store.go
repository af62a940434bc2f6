package s2n

import (
	"database/sql"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
)

// SQLSessionStore is a SessionCache backed by SQLite, so resumable
// sessions survive process restarts.  Expired rows are reaped lazily on
// lookup.
type SQLSessionStore struct {
	db       *sql.DB
	lifetime time.Duration
}

func NewSQLSessionStore(path string, lifetime time.Duration) (*SQLSessionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	const schema = `
		create table if not exists sessions (
			key     text primary key,
			state   blob not null,
			expires integer not null
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLSessionStore{db: db, lifetime: lifetime}, nil
}

func (store *SQLSessionStore) Get(key string) (SessionState, bool) {
	var blob []byte
	var expires int64
	row := store.db.QueryRow(`select state, expires from sessions where key = ?`, key)
	if err := row.Scan(&blob, &expires); err != nil {
		return SessionState{}, false
	}
	if time.Now().Unix() > expires {
		store.db.Exec(`delete from sessions where key = ?`, key)
		return SessionState{}, false
	}
	var state SessionState
	if err := cbor.Unmarshal(blob, &state); err != nil {
		logf(logTypeSession, "dropping undecodable session %s: %v", key, err)
		return SessionState{}, false
	}
	return state, true
}

func (store *SQLSessionStore) Put(key string, state SessionState) {
	state.CreatedAt = time.Now().Unix()
	blob, err := cbor.Marshal(state)
	if err != nil {
		return
	}
	expires := time.Now().Add(store.lifetime).Unix()
	if _, err := store.db.Exec(
		`insert or replace into sessions (key, state, expires) values (?, ?, ?)`,
		key, blob, expires); err != nil {
		logf(logTypeSession, "failed to persist session %s: %v", key, err)
		return
	}
	logf(logTypeSession, "persisted session %s", key)
}

func (store *SQLSessionStore) Close() error {
	return store.db.Close()
}
