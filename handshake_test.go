package s2n

import (
	"bytes"
	"testing"
)

func TestHandshakeMessageFraming(t *testing.T) {
	msg := &handshakeMessage{msgType: messageTypeClientHello, body: []byte("body bytes")}
	wire := msg.marshal()

	parsed, rest, err := parseHandshakeMessage(wire)
	assertNotError(t, err, "parse")
	assertEquals(t, parsed.msgType, messageTypeClientHello)
	assertByteEquals(t, parsed.body, msg.body)
	assertEquals(t, len(rest), 0)

	// Two messages back to back, as they arrive inside one record.
	double := append(append([]byte(nil), wire...), wire...)
	_, rest, err = parseHandshakeMessage(double)
	assertNotError(t, err, "parse first of two")
	assertByteEquals(t, rest, wire)

	// Truncation at any point is detected, not misparsed.
	for cut := 0; cut < len(wire); cut++ {
		_, _, err := parseHandshakeMessage(wire[:cut])
		assertEquals(t, err, errHandshakeMessageTruncated)
	}
}

func TestClientHelloCodec(t *testing.T) {
	ch := &clientHelloBody{
		version:      VersionTLS12,
		sessionID:    bytes.Repeat([]byte{9}, 32),
		cipherSuites: []CipherSuite{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256},
		keyShare:     bytes.Repeat([]byte{1}, 32),
		serverName:   "example.com",
		protocols:    []string{"h2", "http/1.1"},
		flags:        helloFlagSecureRenegotiation,
	}
	copy(ch.random[:], bytes.Repeat([]byte{7}, 32))

	wire, err := ch.marshal()
	assertNotError(t, err, "marshal")

	var got clientHelloBody
	assertTrue(t, got.unmarshal(wire), "unmarshal")
	assertEquals(t, got.version, VersionTLS12)
	assertByteEquals(t, got.random[:], ch.random[:])
	assertByteEquals(t, got.sessionID, ch.sessionID)
	assertEquals(t, got.serverName, "example.com")
	assertEquals(t, len(got.cipherSuites), 2)
	assertEquals(t, len(got.protocols), 2)
	assertEquals(t, got.protocols[0], "h2")
	assertEquals(t, got.flags, uint8(helloFlagSecureRenegotiation))

	// Trailing garbage is a decode error, not silently ignored.
	assertTrue(t, !got.unmarshal(append(wire, 0)), "trailing bytes should fail")
}

func TestSessionIDBounds(t *testing.T) {
	ch := &clientHelloBody{version: VersionTLS12, sessionID: make([]byte, 33)}
	_, err := ch.marshal()
	assertEquals(t, err, errSessionIDTooLong)

	sh := &serverHelloBody{version: VersionTLS12, sessionID: make([]byte, 33)}
	_, err = sh.marshal()
	assertEquals(t, err, errSessionIDTooLong)
}

func TestCertificateCodec(t *testing.T) {
	cb := &certificateBody{
		chain:        testCertChain,
		ocspResponse: []byte("ocsp"),
		ctResponse:   []byte("sct"),
	}
	wire, err := cb.marshal()
	assertNotError(t, err, "marshal")

	var got certificateBody
	assertTrue(t, got.unmarshal(wire), "unmarshal")
	assertEquals(t, len(got.chain), len(testCertChain))
	for i := range testCertChain {
		assertByteEquals(t, got.chain[i], testCertChain[i])
	}
	assertByteEquals(t, got.ocspResponse, []byte("ocsp"))
	assertByteEquals(t, got.ctResponse, []byte("sct"))
}

func TestCertificateCodecEmptyBlobs(t *testing.T) {
	cb := &certificateBody{chain: [][]byte{[]byte("leaf")}}
	wire, err := cb.marshal()
	assertNotError(t, err, "marshal")

	var got certificateBody
	assertTrue(t, got.unmarshal(wire), "unmarshal")
	assertEquals(t, len(got.ocspResponse), 0)
	assertEquals(t, len(got.ctResponse), 0)
}

func TestUnexpectedMessageRejected(t *testing.T) {
	_, server, _, _ := pipedPair(t, testClientConfig(), testServerConfig())
	server.handshake.state = serverStateStart{c: server}

	// A ServerHello to a server waiting for ClientHello is fatal.
	sh := &serverHelloBody{version: VersionTLS12}
	body, _ := sh.marshal()
	_, _, alert := server.handshake.state.next(&handshakeMessage{
		msgType: messageTypeServerHello, body: body,
	})
	assertEquals(t, alert, AlertUnexpectedMessage)
}

func TestEstablishedStateRejectsHandshake(t *testing.T) {
	_, _, alert := stateEstablished{}.next(&handshakeMessage{msgType: messageTypeClientHello})
	assertEquals(t, alert, AlertNoRenegotiation)
}

func TestNoCommonSuite(t *testing.T) {
	clientConfig := testClientConfig()
	clientConfig.CipherSuites = []CipherSuite{TLS_CHACHA20_POLY1305_SHA256}
	serverConfig := testServerConfig()
	serverConfig.CipherSuites = []CipherSuite{TLS_AES_128_GCM_SHA256}

	client, server, _, _ := pipedPair(t, clientConfig, serverConfig)
	assertEquals(t, client.Negotiate(), error(AlertWouldBlock))
	assertEquals(t, server.Negotiate(), error(AlertHandshakeFailure))
}

func TestSelectProtocol(t *testing.T) {
	assertEquals(t, selectProtocol([]string{"h2"}, []string{"http/1.1", "h2"}), "h2")
	assertEquals(t, selectProtocol([]string{"h2"}, []string{"spdy/3"}), "")
	assertEquals(t, selectProtocol(nil, []string{"h2"}), "")
}

// Finished messages never enter the transcript, so both sides hash the
// same message sequence regardless of who finishes first.
func TestTranscriptExcludesFinished(t *testing.T) {
	hs := newHandshakeContext()
	before := hs.transcriptHash()
	hs.addToTranscript(&handshakeMessage{msgType: messageTypeFinished, body: []byte("mac")})
	assertByteEquals(t, hs.transcriptHash(), before)

	hs.addToTranscript(&handshakeMessage{msgType: messageTypeClientHello, body: []byte("hello")})
	assertNotByteEquals(t, hs.transcriptHash(), before)
}
