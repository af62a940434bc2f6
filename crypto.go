package s2n

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the AEAD/hash pair negotiated for the secure
// parameter sets.
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

func (suite CipherSuite) String() string {
	switch suite {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	}
	return fmt.Sprintf("CipherSuite(%04x)", uint16(suite))
}

type cipherSuiteParams struct {
	suite  CipherSuite
	keyLen int
	ivLen  int
}

var supportedCipherSuites = map[CipherSuite]cipherSuiteParams{
	TLS_AES_128_GCM_SHA256:       {suite: TLS_AES_128_GCM_SHA256, keyLen: 16, ivLen: 12},
	TLS_CHACHA20_POLY1305_SHA256: {suite: TLS_CHACHA20_POLY1305_SHA256, keyLen: 32, ivLen: 12},
}

var (
	errSequenceOverflow = errors.New("crypto: record sequence number overflow")
	errUnknownSuite     = errors.New("crypto: unsupported cipher suite")
)

// cryptoParameters protects one traffic direction at one security
// level.  A nil aead means the null cipher: records pass through
// unmodified, which is how handshake records travel before key
// derivation.  The sequence number is never carried on the wire; it is
// tracked locally and mixed into the AEAD nonce, so a desynchronized
// peer surfaces as an authentication failure.
type cryptoParameters struct {
	suite CipherSuite
	aead  cipher.AEAD
	iv    []byte
	seq   uint64
}

func newAEAD(suite CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case TLS_AES_128_GCM_SHA256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case TLS_CHACHA20_POLY1305_SHA256:
		return chacha20poly1305.New(key)
	}
	return nil, errUnknownSuite
}

// setKey arms the parameter set with negotiated material and resets the
// sequence number for the new epoch.
func (p *cryptoParameters) setKey(suite CipherSuite, key, iv []byte) error {
	aead, err := newAEAD(suite, key)
	if err != nil {
		return err
	}
	p.suite = suite
	p.aead = aead
	p.iv = append([]byte(nil), iv...)
	p.seq = 0
	return nil
}

// overhead is the per-record ciphertext expansion.
func (p *cryptoParameters) overhead() int {
	if p.aead == nil {
		return 0
	}
	return p.aead.Overhead()
}

// nonce is the static IV XORed with the big-endian sequence number,
// left-padded to IV length.
func (p *cryptoParameters) nonce() []byte {
	out := append([]byte(nil), p.iv...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], p.seq)
	for i := 0; i < 8; i++ {
		out[len(out)-8+i] ^= seq[i]
	}
	return out
}

// checkSequence fails once the sequence number can no longer be
// incremented.  Rolling over would reuse a nonce, so this is fatal.
func (p *cryptoParameters) checkSequence() error {
	if p.seq == math.MaxUint64 {
		return errSequenceOverflow
	}
	return nil
}

// seal encrypts one fragment, authenticating the record header, and
// advances the sequence number.
func (p *cryptoParameters) seal(header, fragment []byte) ([]byte, error) {
	if err := p.checkSequence(); err != nil {
		return nil, err
	}
	if p.aead == nil {
		p.seq++
		return fragment, nil
	}
	out := p.aead.Seal(nil, p.nonce(), fragment, header)
	p.seq++
	return out, nil
}

// open decrypts one record payload using the locally expected sequence
// number.  On authentication failure the parameters are left
// unadvanced; the connection is no longer usable regardless.
func (p *cryptoParameters) open(header, payload []byte) ([]byte, error) {
	if err := p.checkSequence(); err != nil {
		return nil, err
	}
	if p.aead == nil {
		p.seq++
		return payload, nil
	}
	out, err := p.aead.Open(nil, p.nonce(), payload, header)
	if err != nil {
		return nil, err
	}
	p.seq++
	return out, nil
}

// cryptoParameterSet pairs the two traffic directions of one security
// epoch: client is the client-to-server pipeline, server the reverse.
type cryptoParameterSet struct {
	client cryptoParameters
	server cryptoParameters
}

// activeSet selects which owned parameter set the connection is
// speaking under.  Using an enumerated selector indexing two owned sets
// (instead of aliasing pointers) makes the single-store promotion
// trivially atomic for both directions.
type activeSet uint32

const (
	activeInitial activeSet = iota
	activeSecure
)

func (a activeSet) String() string {
	if a == activeSecure {
		return "secure"
	}
	return "initial"
}

// trafficKeys is the output of the key schedule for one epoch.
type trafficKeys struct {
	suite               CipherSuite
	clientKey, clientIV []byte
	serverKey, serverIV []byte
	masterSecret        []byte
}

// Key schedule labels.  The schedule is HKDF-SHA256: extract over the
// input secret salted with the transcript hash, then one expand per
// direction for key and IV, plus finished keys for transcript
// verification.
var (
	labelClientKey      = []byte("s2n client key")
	labelClientIV       = []byte("s2n client iv")
	labelServerKey      = []byte("s2n server key")
	labelServerIV       = []byte("s2n server iv")
	labelClientFinished = []byte("s2n client finished")
	labelServerFinished = []byte("s2n server finished")
)

func hkdfExpand(secret, label []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, label)
	if _, err := io.ReadFull(r, out); err != nil {
		// Expand only fails when asked for more than 255*HashLen.
		panic("s2n: hkdf expand: " + err.Error())
	}
	return out
}

// deriveTrafficKeys runs the key schedule for a full handshake: the
// X25519 shared secret is extracted against the transcript hash, giving
// the master secret from which both directions' key and IV are
// expanded.
func deriveTrafficKeys(suite CipherSuite, sharedSecret, transcriptHash []byte) (trafficKeys, error) {
	params, ok := supportedCipherSuites[suite]
	if !ok {
		return trafficKeys{}, errUnknownSuite
	}
	master := hkdf.Extract(sha256.New, sharedSecret, transcriptHash)
	return expandTrafficKeys(params, master), nil
}

// resumeTrafficKeys runs the abbreviated schedule: the cached master
// secret is re-extracted against the fresh transcript hash so resumed
// epochs never reuse key material.
func resumeTrafficKeys(suite CipherSuite, masterSecret, transcriptHash []byte) (trafficKeys, error) {
	params, ok := supportedCipherSuites[suite]
	if !ok {
		return trafficKeys{}, errUnknownSuite
	}
	fresh := hkdf.Extract(sha256.New, masterSecret, transcriptHash)
	keys := expandTrafficKeys(params, fresh)
	keys.masterSecret = masterSecret
	return keys, nil
}

func expandTrafficKeys(params cipherSuiteParams, master []byte) trafficKeys {
	return trafficKeys{
		suite:        params.suite,
		clientKey:    hkdfExpand(master, labelClientKey, params.keyLen),
		clientIV:     hkdfExpand(master, labelClientIV, params.ivLen),
		serverKey:    hkdfExpand(master, labelServerKey, params.keyLen),
		serverIV:     hkdfExpand(master, labelServerIV, params.ivLen),
		masterSecret: master,
	}
}

// finishedMAC computes the verify data carried in a Finished message:
// HMAC-SHA256 over the transcript hash under a per-role finished key.
func finishedMAC(masterSecret, transcriptHash []byte, client bool) []byte {
	label := labelServerFinished
	if client {
		label = labelClientFinished
	}
	key := hkdfExpand(masterSecret, label, sha256.Size)
	mac := hmac.New(sha256.New, key)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

func verifyFinishedMAC(masterSecret, transcriptHash, verifyData []byte, client bool) bool {
	return hmac.Equal(finishedMAC(masterSecret, transcriptHash, client), verifyData)
}

// newKeyShare generates an ephemeral X25519 key pair for the key
// exchange phase.
func newKeyShare(rand io.Reader) (public, private []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(rand, private); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}

// keyAgreement computes the X25519 shared secret.
func keyAgreement(private, peerPublic []byte) ([]byte, error) {
	return curve25519.X25519(private, peerPublic)
}
