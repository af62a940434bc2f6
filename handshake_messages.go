package s2n

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

type handshakeMessageType uint8

const (
	messageTypeClientHello     handshakeMessageType = 1
	messageTypeServerHello     handshakeMessageType = 2
	messageTypeCertificate     handshakeMessageType = 11
	messageTypeServerHelloDone handshakeMessageType = 14
	messageTypeFinished        handshakeMessageType = 20
)

func (mt handshakeMessageType) String() string {
	switch mt {
	case messageTypeClientHello:
		return "ClientHello"
	case messageTypeServerHello:
		return "ServerHello"
	case messageTypeCertificate:
		return "Certificate"
	case messageTypeServerHelloDone:
		return "ServerHelloDone"
	case messageTypeFinished:
		return "Finished"
	}
	return fmt.Sprintf("HandshakeType(%d)", uint8(mt))
}

const handshakeHeaderLength = 4

// handshakeMessage is one handshake-protocol message: a 1-byte type, a
// 24-bit body length, and the body.  Bodies are opaque to the record
// layer; the state machine parses them.
type handshakeMessage struct {
	msgType handshakeMessageType
	body    []byte
}

func (hm *handshakeMessage) marshal() []byte {
	out := make([]byte, handshakeHeaderLength+len(hm.body))
	out[0] = byte(hm.msgType)
	out[1] = byte(len(hm.body) >> 16)
	out[2] = byte(len(hm.body) >> 8)
	out[3] = byte(len(hm.body))
	copy(out[handshakeHeaderLength:], hm.body)
	return out
}

var errHandshakeMessageTruncated = errors.New("handshake: message truncated")

// parseHandshakeMessage consumes one message from b, returning the
// message and the remainder.
func parseHandshakeMessage(b []byte) (*handshakeMessage, []byte, error) {
	if len(b) < handshakeHeaderLength {
		return nil, nil, errHandshakeMessageTruncated
	}
	bodyLen := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if len(b) < handshakeHeaderLength+bodyLen {
		return nil, nil, errHandshakeMessageTruncated
	}
	hm := &handshakeMessage{
		msgType: handshakeMessageType(b[0]),
		body:    b[handshakeHeaderLength : handshakeHeaderLength+bodyLen],
	}
	return hm, b[handshakeHeaderLength+bodyLen:], nil
}

// Hello flag bits.
const helloFlagSecureRenegotiation = 0x01

type clientHelloBody struct {
	version      ProtocolVersion
	random       [32]byte
	sessionID    []byte
	cipherSuites []CipherSuite
	keyShare     []byte
	serverName   string
	protocols    []string
	flags        uint8
}

func (ch *clientHelloBody) marshal() ([]byte, error) {
	if len(ch.sessionID) > maxSessionIDLength {
		return nil, errSessionIDTooLong
	}
	var b cryptobyte.Builder
	b.AddUint16(uint16(ch.version))
	b.AddBytes(ch.random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ch.sessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, suite := range ch.cipherSuites {
			b.AddUint16(uint16(suite))
		}
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ch.keyShare)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(ch.serverName))
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, proto := range ch.protocols {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(proto))
			})
		}
	})
	b.AddUint8(ch.flags)
	return b.Bytes()
}

func (ch *clientHelloBody) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	var version uint16
	var sessionID, keyShare, serverName, suites, protos cryptobyte.String
	if !s.ReadUint16(&version) ||
		!s.CopyBytes(ch.random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&keyShare) ||
		!s.ReadUint8LengthPrefixed(&serverName) ||
		!s.ReadUint16LengthPrefixed(&protos) ||
		!s.ReadUint8(&ch.flags) ||
		!s.Empty() {
		return false
	}
	if len(sessionID) > maxSessionIDLength {
		return false
	}
	ch.version = ProtocolVersion(version)
	ch.sessionID = append([]byte(nil), sessionID...)
	ch.keyShare = append([]byte(nil), keyShare...)
	ch.serverName = string(serverName)
	ch.cipherSuites = nil
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return false
		}
		ch.cipherSuites = append(ch.cipherSuites, CipherSuite(suite))
	}
	ch.protocols = nil
	for !protos.Empty() {
		var proto cryptobyte.String
		if !protos.ReadUint8LengthPrefixed(&proto) {
			return false
		}
		ch.protocols = append(ch.protocols, string(proto))
	}
	return true
}

type serverHelloBody struct {
	version   ProtocolVersion
	random    [32]byte
	sessionID []byte
	suite     CipherSuite
	keyShare  []byte
	protocol  string
	flags     uint8
}

func (sh *serverHelloBody) marshal() ([]byte, error) {
	if len(sh.sessionID) > maxSessionIDLength {
		return nil, errSessionIDTooLong
	}
	var b cryptobyte.Builder
	b.AddUint16(uint16(sh.version))
	b.AddBytes(sh.random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sh.sessionID)
	})
	b.AddUint16(uint16(sh.suite))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sh.keyShare)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(sh.protocol))
	})
	b.AddUint8(sh.flags)
	return b.Bytes()
}

func (sh *serverHelloBody) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	var version, suite uint16
	var sessionID, keyShare, protocol cryptobyte.String
	if !s.ReadUint16(&version) ||
		!s.CopyBytes(sh.random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint8LengthPrefixed(&keyShare) ||
		!s.ReadUint8LengthPrefixed(&protocol) ||
		!s.ReadUint8(&sh.flags) ||
		!s.Empty() {
		return false
	}
	if len(sessionID) > maxSessionIDLength {
		return false
	}
	sh.version = ProtocolVersion(version)
	sh.sessionID = append([]byte(nil), sessionID...)
	sh.suite = CipherSuite(suite)
	sh.keyShare = append([]byte(nil), keyShare...)
	sh.protocol = string(protocol)
	return true
}

// certificateBody carries the server's certificate chain plus the OCSP
// and Certificate Transparency blobs attached to the connection.  All
// three are opaque to the core.
type certificateBody struct {
	chain        [][]byte
	ocspResponse []byte
	ctResponse   []byte
}

func (cb *certificateBody) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cert := range cb.chain {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(cert)
			})
		}
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cb.ocspResponse)
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cb.ctResponse)
	})
	return b.Bytes()
}

func (cb *certificateBody) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	var chain, ocsp, ct cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&chain) ||
		!s.ReadUint24LengthPrefixed(&ocsp) ||
		!s.ReadUint24LengthPrefixed(&ct) ||
		!s.Empty() {
		return false
	}
	cb.chain = nil
	for !chain.Empty() {
		var cert cryptobyte.String
		if !chain.ReadUint24LengthPrefixed(&cert) {
			return false
		}
		cb.chain = append(cb.chain, append([]byte(nil), cert...))
	}
	cb.ocspResponse = append([]byte(nil), ocsp...)
	cb.ctResponse = append([]byte(nil), ct...)
	return true
}

type finishedBody struct {
	verifyData []byte
}

func (fb *finishedBody) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(fb.verifyData)
	})
	return b.Bytes()
}

func (fb *finishedBody) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	var verify cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&verify) || !s.Empty() {
		return false
	}
	fb.verifyData = append([]byte(nil), verify...)
	return true
}
