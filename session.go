package s2n

import (
	"time"

	"github.com/FloatTech/ttl"
	"github.com/fxamacker/cbor/v2"
)

// SessionState is the material a session cache holds to resume a
// connection: the identity the server assigned plus the master secret
// and the parameters it was negotiated under.
type SessionState struct {
	ID           []byte `cbor:"1,keyasint"`
	MasterSecret []byte `cbor:"2,keyasint"`
	Suite        uint16 `cbor:"3,keyasint"`
	Version      uint16 `cbor:"4,keyasint"`
	ServerName   string `cbor:"5,keyasint"`
	CreatedAt    int64  `cbor:"6,keyasint"`
}

// SessionCache stores resumable sessions.  Servers key entries by the
// hex session id they issued; clients key them by server name.
type SessionCache interface {
	Get(key string) (SessionState, bool)
	Put(key string, state SessionState)
}

func sessionKeyForServer(name string) string {
	return "host:" + name
}

// TTLSessionCache is an in-memory SessionCache whose entries expire
// after a fixed lifetime.  Entries are stored CBOR-encoded.
type TTLSessionCache struct {
	cache *ttl.Cache[string, []byte]
}

func NewTTLSessionCache(lifetime time.Duration) *TTLSessionCache {
	return &TTLSessionCache{cache: ttl.NewCache[string, []byte](lifetime)}
}

func (tc *TTLSessionCache) Get(key string) (SessionState, bool) {
	blob := tc.cache.Get(key)
	if blob == nil {
		return SessionState{}, false
	}
	var state SessionState
	if err := cbor.Unmarshal(blob, &state); err != nil {
		logf(logTypeSession, "dropping undecodable session %s: %v", key, err)
		return SessionState{}, false
	}
	return state, true
}

func (tc *TTLSessionCache) Put(key string, state SessionState) {
	state.CreatedAt = time.Now().Unix()
	blob, err := cbor.Marshal(state)
	if err != nil {
		return
	}
	tc.cache.Set(key, blob)
}
