package s2n

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func assertTrue(t *testing.T, test bool, msg string) {
	t.Helper()
	if !test {
		t.Fatalf("%s", msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	assertTrue(t, err != nil, msg)
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		msg += ": " + err.Error()
	}
	assertTrue(t, err == nil, msg)
}

func assertEquals(t *testing.T, a, b interface{}) {
	t.Helper()
	assertTrue(t, a == b, fmt.Sprintf("%+v != %+v", a, b))
}

func assertByteEquals(t *testing.T, a, b []byte) {
	t.Helper()
	assertTrue(t, bytes.Equal(a, b), fmt.Sprintf("%x != %x", a, b))
}

func assertNotByteEquals(t *testing.T, a, b []byte) {
	t.Helper()
	assertTrue(t, !bytes.Equal(a, b), fmt.Sprintf("%x == %x", a, b))
}

// pipeConn is an in-memory net.Conn half.  An empty read returns
// (0, nil), which the managed transport reports as AlertWouldBlock, so
// tests can single-step both ends of a handshake on one goroutine.
type pipeConn struct {
	closed bool
	r      *bytes.Buffer
	w      *bytes.Buffer
	rLock  *sync.Mutex
	wLock  *sync.Mutex
	name   string
}

func pipe() (client *pipeConn, server *pipeConn) {
	client = &pipeConn{name: "client"}
	server = &pipeConn{name: "server"}

	c2s := bytes.NewBuffer(nil)
	server.r = c2s
	client.w = c2s

	c2sLock := new(sync.Mutex)
	server.rLock = c2sLock
	client.wLock = c2sLock

	s2c := bytes.NewBuffer(nil)
	client.r = s2c
	server.w = s2c

	s2cLock := new(sync.Mutex)
	client.rLock = s2cLock
	server.wLock = s2cLock
	return
}

func (p *pipeConn) Read(data []byte) (n int, err error) {
	p.rLock.Lock()
	defer p.rLock.Unlock()

	if p.closed {
		return 0, errors.New("closed")
	}
	n, err = p.r.Read(data)
	// Suppress bytes.Buffer's EOF on an empty buffer; a zero-byte read
	// on an open pipe means would-block, not end of stream.
	if err != nil && err.Error() == "EOF" {
		err = nil
	}
	return
}

func (p *pipeConn) Write(data []byte) (n int, err error) {
	p.wLock.Lock()
	defer p.wLock.Unlock()
	if p.closed {
		return 0, errors.New("closed")
	}
	return p.w.Write(data)
}

func (p *pipeConn) Close() error {
	p.rLock.Lock()
	p.wLock.Lock()
	p.closed = true
	p.wLock.Unlock()
	p.rLock.Unlock()
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return nil }
func (p *pipeConn) RemoteAddr() net.Addr               { return nil }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

// pending returns the bytes sitting in the c-to-s or s-to-c buffer
// without consuming them.
func (p *pipeConn) pending() []byte {
	p.rLock.Lock()
	defer p.rLock.Unlock()
	return append([]byte(nil), p.r.Bytes()...)
}

var testCertChain = [][]byte{
	[]byte("test certificate: leaf"),
	[]byte("test certificate: intermediate"),
}

// testBlinding keeps fatal-path tests fast.
var testBlinding = BlindingPolicy{
	MinDelay: time.Millisecond,
	MaxDelay: 5 * time.Millisecond,
}

func testClientConfig() *Config {
	return &Config{
		ServerName:     "example.com",
		BlindingPolicy: testBlinding,
		NonBlocking:    true,
	}
}

func testServerConfig() *Config {
	return &Config{
		Certificates:   testCertChain,
		BlindingPolicy: testBlinding,
		NonBlocking:    true,
	}
}

// pipedPair builds a client/server pair joined by in-memory pipes.
func pipedPair(t *testing.T, clientConfig, serverConfig *Config) (*Conn, *Conn, *pipeConn, *pipeConn) {
	t.Helper()
	cPipe, sPipe := pipe()

	client, err := NewConn(ModeClient, clientConfig)
	assertNotError(t, err, "NewConn(client)")
	server, err := NewConn(ModeServer, serverConfig)
	assertNotError(t, err, "NewConn(server)")

	client.SetManagedConn(cPipe)
	server.SetManagedConn(sPipe)
	return client, server, cPipe, sPipe
}

// negotiateBoth single-steps both ends until the handshake completes.
func negotiateBoth(t *testing.T, client, server *Conn) {
	t.Helper()
	for i := 0; i < 100; i++ {
		cerr := client.Negotiate()
		serr := server.Negotiate()
		if cerr == nil && serr == nil {
			return
		}
		if cerr != nil && cerr != AlertWouldBlock {
			t.Fatalf("client handshake error: %v", cerr)
		}
		if serr != nil && serr != AlertWouldBlock {
			t.Fatalf("server handshake error: %v", serr)
		}
	}
	t.Fatalf("handshake did not complete")
}

// killAndVerifyNoLeaks hard-closes connections and checks no library
// goroutines outlive them.
func killAndVerifyNoLeaks(t *testing.T, conns ...*Conn) {
	t.Helper()
	for _, conn := range conns {
		if conn != nil {
			conn.Kill()
		}
	}
	goleak.VerifyNone(t)
}
