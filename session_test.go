package s2n

import (
	"path/filepath"
	"testing"
	"time"
)

func testSessionState() SessionState {
	return SessionState{
		ID:           []byte{1, 2, 3, 4},
		MasterSecret: []byte{5, 6, 7, 8},
		Suite:        uint16(TLS_AES_128_GCM_SHA256),
		Version:      uint16(VersionTLS12),
		ServerName:   "example.com",
	}
}

func TestTTLSessionCacheRoundTrip(t *testing.T) {
	cache := NewTTLSessionCache(time.Hour)
	cache.Put("host:example.com", testSessionState())

	got, ok := cache.Get("host:example.com")
	assertTrue(t, ok, "cached session should be found")
	assertByteEquals(t, got.ID, []byte{1, 2, 3, 4})
	assertByteEquals(t, got.MasterSecret, []byte{5, 6, 7, 8})
	assertEquals(t, got.ServerName, "example.com")
	assertTrue(t, got.CreatedAt > 0, "CreatedAt should be stamped on Put")

	_, ok = cache.Get("host:other.com")
	assertTrue(t, !ok, "unknown key should miss")
}

func TestTTLSessionCacheExpiry(t *testing.T) {
	cache := NewTTLSessionCache(10 * time.Millisecond)
	cache.Put("host:example.com", testSessionState())

	time.Sleep(50 * time.Millisecond)
	_, ok := cache.Get("host:example.com")
	assertTrue(t, !ok, "expired session should miss")
}

func TestSQLSessionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLSessionStore(path, time.Hour)
	assertNotError(t, err, "NewSQLSessionStore")
	defer store.Close()

	store.Put("abcd", testSessionState())
	got, ok := store.Get("abcd")
	assertTrue(t, ok, "persisted session should be found")
	assertByteEquals(t, got.MasterSecret, []byte{5, 6, 7, 8})
	assertEquals(t, got.Suite, uint16(TLS_AES_128_GCM_SHA256))

	// Replacing an entry keeps one row per key.
	fresh := testSessionState()
	fresh.MasterSecret = []byte{9, 9, 9, 9}
	store.Put("abcd", fresh)
	got, ok = store.Get("abcd")
	assertTrue(t, ok, "replaced session should be found")
	assertByteEquals(t, got.MasterSecret, []byte{9, 9, 9, 9})
}

func TestSQLSessionStoreExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLSessionStore(path, -time.Second)
	assertNotError(t, err, "NewSQLSessionStore")
	defer store.Close()

	store.Put("stale", testSessionState())
	_, ok := store.Get("stale")
	assertTrue(t, !ok, "expired session should be reaped")
}

// A persistent store survives reopening, unlike the in-memory cache.
func TestSQLSessionStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLSessionStore(path, time.Hour)
	assertNotError(t, err, "NewSQLSessionStore")
	store.Put("abcd", testSessionState())
	assertNotError(t, store.Close(), "Close")

	reopened, err := NewSQLSessionStore(path, time.Hour)
	assertNotError(t, err, "reopen")
	defer reopened.Close()
	_, ok := reopened.Get("abcd")
	assertTrue(t, ok, "session should survive reopen")
}

// The SQL store satisfies the same resumption flow as the TTL cache.
func TestResumptionThroughSQLStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	serverStore, err := NewSQLSessionStore(path, time.Hour)
	assertNotError(t, err, "NewSQLSessionStore")
	defer serverStore.Close()

	clientConfig := testClientConfig()
	clientConfig.SessionCache = NewTTLSessionCache(time.Hour)
	serverConfig := testServerConfig()
	serverConfig.SessionCache = serverStore

	client, server, _, _ := pipedPair(t, clientConfig, serverConfig)
	negotiateBoth(t, client, server)
	assertTrue(t, !client.handshake.resumed, "first handshake is full")

	client2, server2, _, _ := pipedPair(t, clientConfig, serverConfig)
	negotiateBoth(t, client2, server2)
	assertTrue(t, server2.handshake.resumed, "server should resume from SQL store")
}
