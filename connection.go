package s2n

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Mode says whether a connection speaks as a client or a server.
// Immutable after creation.
type Mode uint8

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// Blinding says who enforces the post-fatal-error delay.
type Blinding uint8

const (
	// BlindingBuiltIn has the library enforce the delay before the
	// connection can be freed.
	BlindingBuiltIn Blinding = iota
	// BlindingSelfService computes the delay but leaves enforcement to
	// the application.
	BlindingSelfService
)

// ProtocolVersion is the two-byte major/minor TLS version pair.
type ProtocolVersion uint16

const (
	VersionTLS10 ProtocolVersion = 0x0301
	VersionTLS11 ProtocolVersion = 0x0302
	VersionTLS12 ProtocolVersion = 0x0303
)

func (v ProtocolVersion) String() string {
	switch v {
	case VersionTLS10:
		return "TLS1.0"
	case VersionTLS11:
		return "TLS1.1"
	case VersionTLS12:
		return "TLS1.2"
	}
	return fmt.Sprintf("ProtocolVersion(%04x)", uint16(v))
}

const maxSessionIDLength = 32

// inStatus tags what the in stuffer currently holds.
type inStatus uint8

const (
	inEncrypted inStatus = iota
	inPlaintext
)

var (
	errClosed               = errors.New("connection is closed")
	errHandshakeNotComplete = errors.New("operation requires a completed handshake")
	errSessionIDTooLong     = errors.New("session id exceeds 32 bytes")
	errVersionRegression    = errors.New("negotiated protocol version may not change once established")
	errRenegotiation        = errors.New("renegotiation is not supported")
)

// peerAlertError reports a fatal alert received from the peer.
type peerAlertError struct {
	alert Alert
}

func (e peerAlertError) Error() string {
	return "received fatal alert: " + e.alert.String()
}

// Conn is the per-session core of a TLS connection.  It is safe for
// exactly two roles to use one Conn concurrently: a reader driving
// Recv/Negotiate-receive, and a writer driving Send/Shutdown.  The two
// roles touch disjoint buffers; the only shared mutable state is the
// closing/closed flags and the wire byte counters, which are atomics.
type Conn struct {
	config   *Config
	mode     Mode
	blinding Blinding

	// Transport bindings.
	sendFn    SendFn
	recvFn    RecvFn
	sendCtx   interface{}
	recvCtx   interface{}
	managedIO bool
	corked    bool

	// fatalLock guards the cross-role state that is not atomic: the
	// sticky fatal error, the blinding baseline and delay, and the
	// outbound alert slots.  The reader role writes these on a fatal
	// condition while the writer role reads them, so they need more
	// than the closing/closed flags provide.
	fatalLock     sync.Mutex
	fatalErr      error
	writeTimer    time.Time
	blindingUntil time.Time
	delay         time.Duration

	// Session identity.
	sessionID    [maxSessionIDLength]byte
	sessionIDLen uint8

	// Protocol versions: offered by the client, selected by the server,
	// and the one actually spoken.  actualProtocolVersion is set exactly
	// once and never decreases afterwards.
	clientHelloVersion               ProtocolVersion
	clientProtocolVersion            ProtocolVersion
	serverProtocolVersion            ProtocolVersion
	actualProtocolVersion            ProtocolVersion
	actualProtocolVersionEstablished bool

	// The two crypto parameter sets and the selector that says which is
	// live.  Before promotion both directions run initial (null); after
	// promotion both run secure.  initial's storage is retained until
	// teardown.
	initial   cryptoParameterSet
	secure    cryptoParameterSet
	activeSet atomic.Uint32

	// Workhorse stuffers for both directions.
	headerInData [recordHeaderLength]byte
	headerIn     *stuffer
	in           *stuffer
	out          *stuffer
	inStatus     inStatus

	// How much of the caller's current Send buffer has been framed and
	// flushed, so a blocked send resumes without re-encrypting.
	currentUserDataConsumed int

	// Alert reassembly and the two outbound single-slot queues.  Reader
	// and writer roles get separate queues so they never contend.
	alertInData        [alertWireLength]byte
	alertIn            *stuffer
	readerAlertData    [alertWireLength]byte
	writerAlertData    [alertWireLength]byte
	readerAlertOut     *stuffer
	writerAlertOut     *stuffer
	closeNotifyQueued  bool
	peerCloseNotify    bool

	handshake handshakeContext

	maxOutgoingFragmentLength int

	wireBytesIn  atomic.Uint64
	wireBytesOut atomic.Uint64

	// A connection is gracefully closed by marking it closing and
	// letting the writer send close_notify before marking it closed; a
	// hard close goes straight to closed.  Both flags are monotonic.
	closing atomic.Bool
	closed  atomic.Bool

	// Extension-derived state.
	serverName          string
	applicationProtocol string
	secureRenegotiation bool
	statusResponse      []byte
	ctResponse          []byte
	peerCertificates    [][]byte
}

// NewConn creates a connection bound to a mode and configuration.  I/O
// callbacks must be installed with SetIO or SetManagedConn before use.
func NewConn(mode Mode, config *Config) (*Conn, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Init(); err != nil {
		return nil, err
	}

	c := &Conn{
		config:                    config,
		mode:                      mode,
		blinding:                  BlindingBuiltIn,
		clientProtocolVersion:     VersionTLS12,
		serverProtocolVersion:     VersionTLS12,
		actualProtocolVersion:     VersionTLS10,
		maxOutgoingFragmentLength: config.MaximumFragmentLength,
		handshake:                 newHandshakeContext(),
		writeTimer:                time.Now(),
	}
	c.headerIn = newStuffer(c.headerInData[:])
	c.in = newGrowableStuffer(maxCiphertextLength)
	c.out = newGrowableStuffer(maxCiphertextLength + recordHeaderLength)
	c.alertIn = newStuffer(c.alertInData[:])
	c.readerAlertOut = newStuffer(c.readerAlertData[:])
	c.writerAlertOut = newStuffer(c.writerAlertData[:])

	logf(logTypeConnection, "new %s connection", mode)
	return c, nil
}

// SetBlinding chooses who enforces the post-fatal-error delay.
func (c *Conn) SetBlinding(b Blinding) {
	c.blinding = b
}

// Mode returns the connection's role.
func (c *Conn) Mode() Mode { return c.mode }

// --- Parameter selection ---

func (c *Conn) currentSet() *cryptoParameterSet {
	if activeSet(c.activeSet.Load()) == activeSecure {
		return &c.secure
	}
	return &c.initial
}

// outParameters is the crypto state for the direction this connection
// writes on.
func (c *Conn) outParameters() *cryptoParameters {
	set := c.currentSet()
	if c.mode == ModeClient {
		return &set.client
	}
	return &set.server
}

// inParameters is the crypto state for the direction this connection
// reads on.
func (c *Conn) inParameters() *cryptoParameters {
	set := c.currentSet()
	if c.mode == ModeClient {
		return &set.server
	}
	return &set.client
}

// --- Version and session identity ---

// establishProtocolVersion pins the negotiated version.  It may be
// called once; later calls must agree.
func (c *Conn) establishProtocolVersion(v ProtocolVersion) error {
	if c.actualProtocolVersionEstablished {
		if v != c.actualProtocolVersion {
			return errVersionRegression
		}
		return nil
	}
	c.actualProtocolVersion = v
	c.actualProtocolVersionEstablished = true
	logf(logTypeConnection, "negotiated protocol version %s", v)
	return nil
}

func (c *Conn) setSessionID(id []byte) {
	n := copy(c.sessionID[:], id)
	c.sessionIDLen = uint8(n)
}

// SessionID returns the session identifier, if any.
func (c *Conn) SessionID() []byte {
	return append([]byte(nil), c.sessionID[:c.sessionIDLen]...)
}

// --- Handshake driving ---

// Negotiate runs the handshake to completion (or, with a non-blocking
// transport, until it would block; call again to make progress).
func (c *Conn) Negotiate() error {
	if c.handshake.complete {
		return nil
	}
	if c.closed.Load() {
		return errClosed
	}
	if err := c.fatalError(); err != nil {
		return err
	}

	if c.handshake.state == nil {
		if c.mode == ModeClient {
			if !c.config.ValidForClient() {
				return errors.New("config not valid for a client connection")
			}
			c.handshake.state = clientStateStart{c: c}
			if err := c.advanceHandshake(nil); err != nil {
				return err
			}
		} else {
			if !c.config.ValidForServer() {
				return errors.New("config not valid for a server connection")
			}
			c.handshake.state = serverStateStart{c: c}
		}
	}

	for !c.handshake.complete {
		if c.closed.Load() {
			return errClosed
		}
		// Finish any partially flushed flight before reading.
		if err := c.drainOut(); err != nil {
			return err
		}

		rt, err := c.readRecord()
		if err == AlertWouldBlock && !c.config.NonBlocking {
			// Transports that cannot block signal an empty read with
			// zero bytes; poll until the peer's flight arrives.
			time.Sleep(blockingRetryInterval)
			continue
		}
		if err != nil {
			return err
		}
		switch rt {
		case recordTypeHandshake:
			fragment := append(c.handshake.recvBuffer, c.in.bytes()...)
			c.in.reset()
			for len(fragment) >= handshakeHeaderLength {
				hm, rest, perr := parseHandshakeMessage(fragment)
				if perr != nil {
					break
				}
				fragment = rest
				c.handshake.addToTranscript(hm)
				if err := c.advanceHandshake(hm); err != nil {
					return err
				}
			}
			c.handshake.recvBuffer = append(c.handshake.recvBuffer[:0], fragment...)

		case recordTypeAlert:
			fragment := append([]byte(nil), c.in.bytes()...)
			c.in.reset()
			if err := c.processAlertFragment(fragment); err != nil {
				return err
			}
			if c.peerCloseNotify {
				return io.EOF
			}

		default:
			return c.fatal(errors.New("application data before handshake completion"), AlertUnexpectedMessage)
		}
	}
	return nil
}

// advanceHandshake feeds one message to the state machine and performs
// the resulting actions.
func (c *Conn) advanceHandshake(hm *handshakeMessage) error {
	next, actions, alert := c.handshake.state.next(hm)
	if alert != AlertNoAlert {
		return c.fatal(alert, alert)
	}
	for _, action := range actions {
		if alert := c.takeAction(action); alert != AlertNoAlert {
			return c.fatal(alert, alert)
		}
	}
	c.handshake.state = next
	if next.phase() == PhaseEstablished {
		c.handshake.complete = true
	}
	return nil
}

func (c *Conn) takeAction(actionGeneric handshakeAction) Alert {
	switch action := actionGeneric.(type) {
	case queueHandshakeMessage:
		logf(logTypeHandshake, "queueing %s", action.message.msgType)
		c.handshake.queued = append(c.handshake.queued, action.message)

	case sendQueuedHandshake:
		var flight []byte
		for _, hm := range c.handshake.queued {
			flight = append(flight, hm.marshal()...)
		}
		c.handshake.queued = c.handshake.queued[:0]
		for len(flight) > 0 {
			n, err := c.writeRecord(recordTypeHandshake, flight)
			if err != nil {
				logf(logTypeHandshake, "error framing handshake flight: %v", err)
				return AlertInternalError
			}
			flight = flight[n:]
		}
		// A would-block here is fine: the flight stays in the out
		// stuffer and the negotiate loop resumes the flush.
		if err := c.flushOut(); err != nil && err != AlertWouldBlock {
			logf(logTypeHandshake, "error sending handshake flight: %v", err)
			return AlertInternalError
		}

	case promoteSecureParameters:
		keys := action.keys
		if err := c.secure.client.setKey(keys.suite, keys.clientKey, keys.clientIV); err != nil {
			return AlertInternalError
		}
		if err := c.secure.server.setKey(keys.suite, keys.serverKey, keys.serverIV); err != nil {
			return AlertInternalError
		}
		// The single store switches both directions at once; there is
		// never a state where one direction is secure and the other
		// initial.
		c.activeSet.Store(uint32(activeSecure))
		logf(logTypeCrypto, "promoted secure parameters, suite=%s", keys.suite)

	case storeSession:
		if c.config.SessionCache != nil {
			c.config.SessionCache.Put(action.key, action.state)
			logf(logTypeSession, "stored session %s", action.key)
		}

	default:
		logf(logTypeHandshake, "unknown handshake action %T", actionGeneric)
		return AlertInternalError
	}
	return AlertNoAlert
}

// --- Application data ---

// Send writes application data.  The payload is fragmented to the
// outgoing fragment limit and each fragment is encrypted and flushed in
// turn.  On AlertWouldBlock the caller retries with the same buffer;
// already-sent fragments are not re-encrypted.
func (c *Conn) Send(data []byte) (int, error) {
	if c.closed.Load() {
		return 0, errClosed
	}
	if !c.handshake.complete {
		return 0, errHandshakeNotComplete
	}
	if err := c.fatalError(); err != nil {
		return 0, err
	}

	// Writer-path alerts go out ahead of data.
	if err := c.flushAlertQueues(); err != nil {
		return 0, err
	}
	if err := c.drainOut(); err != nil {
		return 0, err
	}

	if c.currentUserDataConsumed > len(data) {
		// The caller switched buffers mid-resume; start over.
		c.currentUserDataConsumed = 0
	}

	for c.currentUserDataConsumed < len(data) {
		if c.closed.Load() {
			return 0, errClosed
		}
		n, err := c.writeRecord(recordTypeApplicationData, data[c.currentUserDataConsumed:])
		if err != nil {
			return 0, c.fatal(err, AlertNoAlert)
		}
		c.currentUserDataConsumed += n
		if err := c.drainOut(); err != nil {
			return 0, err
		}
	}

	sent := c.currentUserDataConsumed
	c.currentUserDataConsumed = 0
	return sent, nil
}

// Recv reads application data into p.  Alert and handshake records are
// consumed internally.  A close_notify from the peer yields io.EOF.
func (c *Conn) Recv(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, errClosed
	}
	if !c.handshake.complete {
		return 0, errHandshakeNotComplete
	}
	if err := c.fatalError(); err != nil {
		return 0, err
	}

	for {
		if c.inStatus == inPlaintext && c.in.dataAvailable() > 0 {
			n := copy(p, c.in.bytes())
			c.in.skipRead(n)
			if c.in.dataAvailable() == 0 {
				c.in.reset()
			}
			return n, nil
		}
		if c.peerCloseNotify {
			return 0, io.EOF
		}

		rt, err := c.readRecord()
		if err == AlertWouldBlock && !c.config.NonBlocking {
			time.Sleep(blockingRetryInterval)
			continue
		}
		if err != nil {
			return 0, err
		}
		switch rt {
		case recordTypeApplicationData:
			// Delivered at the top of the loop.
		case recordTypeAlert:
			fragment := append([]byte(nil), c.in.bytes()...)
			c.in.reset()
			if err := c.processAlertFragment(fragment); err != nil {
				return 0, err
			}
		case recordTypeHandshake:
			// Renegotiation is unsupported: the established state
			// machine rejects all post-handshake messages.
			c.in.reset()
			return 0, c.fatal(errRenegotiation, AlertNoRenegotiation)
		}
	}
}

// --- Alerts ---

// processAlertFragment feeds inbound alert bytes through the 2-byte
// reassembly buffer; alerts may arrive split across records.
func (c *Conn) processAlertFragment(fragment []byte) error {
	for len(fragment) > 0 {
		need := alertWireLength - c.alertIn.dataAvailable()
		take := need
		if take > len(fragment) {
			take = len(fragment)
		}
		if err := c.alertIn.write(fragment[:take]); err != nil {
			return err
		}
		fragment = fragment[take:]
		if c.alertIn.dataAvailable() < alertWireLength {
			return nil
		}

		pair := c.alertIn.bytes()
		level, desc := pair[0], Alert(pair[1])
		c.alertIn.reset()
		logf(logTypeAlert, "received alert level=%d %s", level, desc)

		switch {
		case desc == AlertCloseNotify:
			// Peer-signaled shutdown: not an error, drives graceful
			// close.  No alert needs to be sent first.
			c.peerCloseNotify = true
			c.closing.Store(true)
		case level == alertLevelError:
			return c.fatal(peerAlertError{alert: desc}, AlertNoAlert)
		default:
			// Warnings are dropped on the floor.
		}
	}
	return nil
}

// queueReaderAlert queues an alert generated in response to a received
// problem.  The slot holds one alert; the first one wins.
func (c *Conn) queueReaderAlert(a Alert) {
	c.fatalLock.Lock()
	defer c.fatalLock.Unlock()
	if c.readerAlertOut.dataAvailable() > 0 {
		return
	}
	c.readerAlertOut.write([]byte{a.level(), byte(a)})
}

// queueWriterAlert queues an alert for an intentional local shutdown.
func (c *Conn) queueWriterAlert(a Alert) {
	c.fatalLock.Lock()
	defer c.fatalLock.Unlock()
	if c.writerAlertOut.dataAvailable() > 0 {
		return
	}
	c.writerAlertOut.write([]byte{a.level(), byte(a)})
}

// flushAlertQueues writes any queued outbound alerts, writer intent
// first, then reader responses.  The slots are snapshotted under the
// lock and framed outside it, since framing touches the write timer.
func (c *Conn) flushAlertQueues() error {
	var pending [][]byte
	c.fatalLock.Lock()
	for _, queue := range []*stuffer{c.writerAlertOut, c.readerAlertOut} {
		if queue.dataAvailable() == alertWireLength {
			pending = append(pending, append([]byte(nil), queue.bytes()...))
			queue.reset()
		}
	}
	c.fatalLock.Unlock()

	for _, alert := range pending {
		if _, err := c.writeRecord(recordTypeAlert, alert); err != nil {
			return err
		}
	}
	return c.drainOut()
}

// --- Shutdown ---

// Shutdown closes the connection gracefully: it marks the connection
// closing, sends exactly one close_notify, and marks it closed.
// Calling Shutdown more than once never queues a second close_notify.
func (c *Conn) Shutdown() error {
	if c.closed.Load() {
		return nil
	}
	c.closing.Store(true)

	if !c.closeNotifyQueued {
		c.queueWriterAlert(AlertCloseNotify)
		c.closeNotifyQueued = true
	}
	if err := c.flushAlertQueues(); err != nil {
		// Retryable: close_notify stays queued/framed for next call.
		return err
	}
	c.closed.Store(true)
	logf(logTypeConnection, "graceful close complete")
	return nil
}

// Kill hard-closes the connection: no alert is sent and no transport
// resources are released (the transport remains the caller's
// responsibility).  Kill is idempotent and safe to call concurrently
// with in-flight reader or writer operations, which observe closed and
// abort.
func (c *Conn) Kill() {
	c.closing.Store(true)
	c.closed.Store(true)
	logf(logTypeConnection, "connection killed")
}

// Free tears the connection down.  Under built-in blinding any pending
// delay is enforced first; the remaining key-bearing buffers are wiped.
func (c *Conn) Free() error {
	if c.blinding == BlindingBuiltIn {
		if remaining := c.BlindingDelay(); remaining > 0 {
			logf(logTypeBlinding, "enforcing %v blinding delay before teardown", remaining)
			time.Sleep(remaining)
		}
	}
	c.Kill()
	c.in.wipe()
	c.out.wipe()
	c.headerIn.reset()
	for i := range c.handshake.masterSecret {
		c.handshake.masterSecret[i] = 0
	}
	return nil
}

// fatal records a fatal condition: the connection is marked closing, a
// blinding delay is scheduled, and (for reader-detected problems) an
// alert is queued on the reader queue.  The original error is returned
// for synchronous propagation.
func (c *Conn) fatal(err error, alert Alert) error {
	c.closing.Store(true)
	c.fatalLock.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.scheduleBlindingLocked()
	c.fatalLock.Unlock()
	if alert != AlertNoAlert {
		c.queueReaderAlert(alert)
	}
	logf(logTypeConnection, "fatal error: %v", err)
	return err
}

// fatalError returns the sticky fatal error, if any, safely from
// either role.
func (c *Conn) fatalError() error {
	c.fatalLock.Lock()
	defer c.fatalLock.Unlock()
	return c.fatalErr
}

// --- Accessors ---

// IsClosed reports whether the connection has fully closed.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// IsClosing reports whether a close is pending.
func (c *Conn) IsClosing() bool { return c.closing.Load() }

// WireBytesIn returns the count of bytes received from the transport.
func (c *Conn) WireBytesIn() uint64 { return c.wireBytesIn.Load() }

// WireBytesOut returns the count of bytes handed to the transport.
func (c *Conn) WireBytesOut() uint64 { return c.wireBytesOut.Load() }

// ActualProtocolVersion returns the negotiated protocol version.
func (c *Conn) ActualProtocolVersion() ProtocolVersion { return c.actualProtocolVersion }

// ClientHelloVersion returns the version carried in the ClientHello,
// which may be lower than the version finally negotiated.
func (c *Conn) ClientHelloVersion() ProtocolVersion { return c.clientHelloVersion }

// HandshakePhase returns the current phase of the handshake.
func (c *Conn) HandshakePhase() HandshakePhase {
	if c.handshake.state == nil {
		return PhaseHello
	}
	return c.handshake.state.phase()
}

// ServerName returns the server name received in (or sent with) the
// ClientHello.
func (c *Conn) ServerName() string { return c.serverName }

// ApplicationProtocol returns the negotiated application protocol, or
// the empty string.
func (c *Conn) ApplicationProtocol() string { return c.applicationProtocol }

// SecureRenegotiationAcknowledged reports whether the peer acknowledged
// the renegotiation_info extension.
func (c *Conn) SecureRenegotiationAcknowledged() bool { return c.secureRenegotiation }

// StatusResponse returns the OCSP response blob attached to the
// connection, if any.
func (c *Conn) StatusResponse() []byte { return c.statusResponse }

// CTResponse returns the Certificate Transparency blob attached to the
// connection, if any.
func (c *Conn) CTResponse() []byte { return c.ctResponse }

// PeerCertificates returns the raw certificate chain presented by the
// peer.
func (c *Conn) PeerCertificates() [][]byte { return c.peerCertificates }
