package s2n

import (
	"sync"
	"time"
)

// Config carries the certificate, policy, and negotiation settings
// shared by connections.  The certificate chain and the OCSP/CT blobs
// are opaque to the core; validating them is the application's policy.
// The same Config may be shared among connections, so it carries its
// own mutex for Clone/Init.
type Config struct {
	// Client fields
	ServerName string

	// Server fields
	Certificates [][]byte
	OCSPResponse []byte
	CTResponse   []byte

	// Shared fields
	CipherSuites []CipherSuite
	NextProtos   []string

	// SessionCache enables resumption; nil disables it.  Servers store
	// sessions keyed by session id, clients by server name.
	SessionCache SessionCache

	// MinimumVersion refuses peers below it.  Zero means VersionTLS10.
	MinimumVersion ProtocolVersion

	// MaximumFragmentLength caps outgoing record fragments.  Zero means
	// the protocol maximum (16 KB).  It can only be lowered.
	MaximumFragmentLength int

	// BlindingPolicy bounds the randomized delay imposed after a fatal
	// error.  Zero values take the library defaults.
	BlindingPolicy BlindingPolicy

	// NonBlocking marks the transport as non-blocking; would-block
	// conditions surface as AlertWouldBlock instead of blocking the
	// calling role's thread.
	NonBlocking bool

	mutex sync.RWMutex
}

// Clone returns a shallow clone of c, safe to call while the Config is
// in use by other connections.
func (c *Config) Clone() *Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return &Config{
		ServerName:            c.ServerName,
		Certificates:          c.Certificates,
		OCSPResponse:          c.OCSPResponse,
		CTResponse:            c.CTResponse,
		CipherSuites:          c.CipherSuites,
		NextProtos:            c.NextProtos,
		SessionCache:          c.SessionCache,
		MinimumVersion:        c.MinimumVersion,
		MaximumFragmentLength: c.MaximumFragmentLength,
		BlindingPolicy:        c.BlindingPolicy,
		NonBlocking:           c.NonBlocking,
	}
}

// Init fills in defaults.  Called once when a connection binds the
// Config.
func (c *Config) Init() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultCipherSuites
	}
	if c.MinimumVersion == 0 {
		c.MinimumVersion = VersionTLS10
	}
	if c.MaximumFragmentLength == 0 || c.MaximumFragmentLength > maxFragmentLength {
		c.MaximumFragmentLength = maxFragmentLength
	}
	if c.BlindingPolicy.MaxDelay == 0 {
		c.BlindingPolicy = defaultBlindingPolicy
	}
	return nil
}

// ValidForServer reports whether the Config can drive a server
// handshake.
func (c *Config) ValidForServer() bool {
	return len(c.Certificates) > 0 || c.SessionCache != nil
}

// ValidForClient reports whether the Config can drive a client
// handshake.
func (c *Config) ValidForClient() bool {
	return len(c.ServerName) > 0
}

var defaultCipherSuites = []CipherSuite{
	TLS_AES_128_GCM_SHA256,
	TLS_CHACHA20_POLY1305_SHA256,
}

var defaultBlindingPolicy = BlindingPolicy{
	MinDelay: 1 * time.Second,
	MaxDelay: 10 * time.Second,
}

func (c *Config) minimumVersion() ProtocolVersion {
	if c.MinimumVersion == 0 {
		return VersionTLS10
	}
	return c.MinimumVersion
}

func (c *Config) supportsSuite(suite CipherSuite) bool {
	for _, s := range c.CipherSuites {
		if s == suite {
			return true
		}
	}
	return false
}

// selectSuite picks the first of our suites the peer also offered.
func (c *Config) selectSuite(offered []CipherSuite) (CipherSuite, bool) {
	for _, mine := range c.CipherSuites {
		for _, theirs := range offered {
			if mine == theirs {
				return mine, true
			}
		}
	}
	return 0, false
}
