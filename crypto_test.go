package s2n

import (
	"crypto/rand"
	"crypto/sha256"
	"math"
	"testing"
)

func testKeys(t *testing.T, suite CipherSuite) trafficKeys {
	t.Helper()
	shared := make([]byte, 32)
	rand.Read(shared)
	transcript := sha256.Sum256([]byte("handshake transcript"))
	keys, err := deriveTrafficKeys(suite, shared, transcript[:])
	assertNotError(t, err, "deriveTrafficKeys")
	return keys
}

func TestSealOpenRoundTrip(t *testing.T) {
	for suite := range supportedCipherSuites {
		keys := testKeys(t, suite)

		var sender, receiver cryptoParameters
		assertNotError(t, sender.setKey(suite, keys.clientKey, keys.clientIV), "sender setKey")
		assertNotError(t, receiver.setKey(suite, keys.clientKey, keys.clientIV), "receiver setKey")

		header := []byte{23, 3, 3, 0, 40}
		plaintext := []byte("attack at dawn")

		ciphertext, err := sender.seal(header, plaintext)
		assertNotError(t, err, "seal")
		assertNotByteEquals(t, ciphertext, plaintext)

		recovered, err := receiver.open(header, ciphertext)
		assertNotError(t, err, "open")
		assertByteEquals(t, recovered, plaintext)
	}
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)

	var sender, receiver cryptoParameters
	sender.setKey(keys.suite, keys.clientKey, keys.clientIV)
	receiver.setKey(keys.suite, keys.clientKey, keys.clientIV)

	header := []byte{23, 3, 3, 0, 40}
	ciphertext, err := sender.seal(header, []byte("payload"))
	assertNotError(t, err, "seal")

	tampered := append([]byte(nil), header...)
	tampered[0] = 22
	_, err = receiver.open(tampered, ciphertext)
	assertError(t, err, "open should reject a modified header")
}

// A record sealed under sequence number n only opens under expected
// sequence number n, so replayed or reordered records fail to
// authenticate.
func TestOpenRejectsReplay(t *testing.T) {
	keys := testKeys(t, TLS_CHACHA20_POLY1305_SHA256)

	var sender, receiver cryptoParameters
	sender.setKey(keys.suite, keys.clientKey, keys.clientIV)
	receiver.setKey(keys.suite, keys.clientKey, keys.clientIV)

	header := []byte{23, 3, 3, 0, 40}
	first, _ := sender.seal(header, []byte("one"))

	_, err := receiver.open(header, first)
	assertNotError(t, err, "first open")

	// Receiver now expects seq 1; the same bytes must not open again.
	_, err = receiver.open(header, first)
	assertError(t, err, "replayed record should fail authentication")
}

func TestNullCipherPassthrough(t *testing.T) {
	var p cryptoParameters
	header := []byte{22, 3, 1, 0, 5}
	payload := []byte("hello")

	out, err := p.seal(header, payload)
	assertNotError(t, err, "null seal")
	assertByteEquals(t, out, payload)
	assertEquals(t, p.overhead(), 0)
	assertEquals(t, p.seq, uint64(1))
}

func TestSequenceOverflowIsFatal(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)
	var p cryptoParameters
	p.setKey(keys.suite, keys.clientKey, keys.clientIV)
	p.seq = math.MaxUint64

	_, err := p.seal([]byte{23, 3, 3, 0, 1}, []byte{0})
	assertEquals(t, err, errSequenceOverflow)
	_, err = p.open([]byte{23, 3, 3, 0, 1}, []byte{0})
	assertEquals(t, err, errSequenceOverflow)
}

func TestNonceChangesPerRecord(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)
	var p cryptoParameters
	p.setKey(keys.suite, keys.clientKey, keys.clientIV)

	n0 := p.nonce()
	p.seq++
	n1 := p.nonce()
	assertNotByteEquals(t, n0, n1)
}

func TestSetKeyResetsSequence(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)
	var p cryptoParameters
	p.setKey(keys.suite, keys.clientKey, keys.clientIV)
	p.seq = 42
	p.setKey(keys.suite, keys.serverKey, keys.serverIV)
	assertEquals(t, p.seq, uint64(0))
}

func TestKeyAgreement(t *testing.T) {
	alicePub, alicePriv, err := newKeyShare(rand.Reader)
	assertNotError(t, err, "alice key share")
	bobPub, bobPriv, err := newKeyShare(rand.Reader)
	assertNotError(t, err, "bob key share")

	s1, err := keyAgreement(alicePriv, bobPub)
	assertNotError(t, err, "alice agreement")
	s2, err := keyAgreement(bobPriv, alicePub)
	assertNotError(t, err, "bob agreement")
	assertByteEquals(t, s1, s2)
}

func TestDeriveTrafficKeysDirectionality(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)
	assertNotByteEquals(t, keys.clientKey, keys.serverKey)
	assertNotByteEquals(t, keys.clientIV, keys.serverIV)
	assertEquals(t, len(keys.clientKey), 16)
	assertEquals(t, len(keys.clientIV), 12)
}

// Re-extracting the cached master against a fresh transcript must give
// different traffic keys each time a session resumes.
func TestResumeKeysFreshPerTranscript(t *testing.T) {
	keys := testKeys(t, TLS_AES_128_GCM_SHA256)

	t1 := sha256.Sum256([]byte("first resume"))
	t2 := sha256.Sum256([]byte("second resume"))
	r1, err := resumeTrafficKeys(keys.suite, keys.masterSecret, t1[:])
	assertNotError(t, err, "resume 1")
	r2, err := resumeTrafficKeys(keys.suite, keys.masterSecret, t2[:])
	assertNotError(t, err, "resume 2")

	assertNotByteEquals(t, r1.clientKey, r2.clientKey)
	// The cached master itself is carried forward unchanged.
	assertByteEquals(t, r1.masterSecret, keys.masterSecret)
}

func TestFinishedMAC(t *testing.T) {
	master := make([]byte, 32)
	rand.Read(master)
	transcript := sha256.Sum256([]byte("transcript"))

	clientMAC := finishedMAC(master, transcript[:], true)
	serverMAC := finishedMAC(master, transcript[:], false)
	assertNotByteEquals(t, clientMAC, serverMAC)

	assertTrue(t, verifyFinishedMAC(master, transcript[:], clientMAC, true), "client MAC should verify")
	assertTrue(t, !verifyFinishedMAC(master, transcript[:], clientMAC, false), "role mixup should fail")
	assertTrue(t, !verifyFinishedMAC(master, transcript[:], serverMAC[:len(serverMAC)-1], false), "truncated MAC should fail")
}

func TestUnknownSuiteRejected(t *testing.T) {
	var p cryptoParameters
	err := p.setKey(CipherSuite(0xffff), make([]byte, 16), make([]byte, 12))
	assertEquals(t, err, errUnknownSuite)

	_, err = deriveTrafficKeys(CipherSuite(0xffff), make([]byte, 32), make([]byte, 32))
	assertEquals(t, err, errUnknownSuite)
}
