package s2n

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HandshakePhase labels the coarse phases of the handshake for
// observability and tests.
type HandshakePhase uint8

const (
	PhaseHello HandshakePhase = iota
	PhaseCertificate
	PhaseKeyExchange
	PhaseFinished
	PhaseEstablished
)

func (p HandshakePhase) String() string {
	switch p {
	case PhaseHello:
		return "hello"
	case PhaseCertificate:
		return "certificate"
	case PhaseKeyExchange:
		return "key_exchange"
	case PhaseFinished:
		return "finished"
	case PhaseEstablished:
		return "established"
	}
	return "unknown"
}

// Marker interface for actions the connection takes in response to a
// state transition.
type handshakeAction interface{}

type queueHandshakeMessage struct {
	message *handshakeMessage
}

type sendQueuedHandshake struct{}

// promoteSecureParameters keys both directions of the secure set and
// flips the active-set selector.  The flip is a single atomic store, so
// there is no window where the two directions disagree.
type promoteSecureParameters struct {
	keys trafficKeys
}

type storeSession struct {
	key   string
	state SessionState
}

// handshakeState values drive the handshake.  next consumes one inbound
// message (nil only for the client's initial flight) and returns the
// successor state plus the actions to take.  An unexpected message for
// the current state is a fatal protocol error.
type handshakeState interface {
	next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert)
	phase() HandshakePhase
}

// handshakeContext is the working state of an in-flight handshake.
type handshakeContext struct {
	state      handshakeState
	transcript hash.Hash

	queued     []*handshakeMessage
	recvBuffer []byte

	publicKey  []byte
	privateKey []byte
	recvShare  []byte

	clientRandom [32]byte
	serverRandom [32]byte

	offeredSessionID []byte
	cachedMaster     []byte

	suite        CipherSuite
	masterSecret []byte
	resumed      bool
	complete     bool
}

func newHandshakeContext() handshakeContext {
	return handshakeContext{transcript: sha256.New()}
}

// addToTranscript folds a non-Finished handshake message into the
// running transcript hash.  Outbound messages are added at build time
// by the states; inbound messages by the driver before dispatch.
func (hs *handshakeContext) addToTranscript(hm *handshakeMessage) {
	if hm.msgType == messageTypeFinished {
		return
	}
	hs.transcript.Write(hm.marshal())
}

func (hs *handshakeContext) transcriptHash() []byte {
	return hs.transcript.Sum(nil)
}

func expectMessage(hm *handshakeMessage, want handshakeMessageType) Alert {
	if hm == nil {
		return AlertUnexpectedMessage
	}
	if hm.msgType != want {
		logf(logTypeHandshake, "expected %s, got %s", want, hm.msgType)
		return AlertUnexpectedMessage
	}
	return AlertNoAlert
}

// --- Client states ---

type clientStateStart struct {
	c *Conn
}

func (state clientStateStart) phase() HandshakePhase { return PhaseHello }

func (state clientStateStart) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if hm != nil {
		return nil, nil, AlertUnexpectedMessage
	}
	c := state.c
	hs := &c.handshake

	if _, err := io.ReadFull(rand.Reader, hs.clientRandom[:]); err != nil {
		return nil, nil, AlertInternalError
	}
	pub, priv, err := newKeyShare(rand.Reader)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	hs.publicKey, hs.privateKey = pub, priv

	// Offer a cached session for this server, if we hold one.
	if c.config.SessionCache != nil {
		if cached, ok := c.config.SessionCache.Get(sessionKeyForServer(c.config.ServerName)); ok {
			hs.offeredSessionID = cached.ID
			hs.cachedMaster = cached.MasterSecret
			logf(logTypeHandshake, "[client] offering cached session id=%x", cached.ID)
		}
	}

	ch := &clientHelloBody{
		version:      c.clientProtocolVersion,
		random:       hs.clientRandom,
		sessionID:    hs.offeredSessionID,
		cipherSuites: c.config.CipherSuites,
		keyShare:     hs.publicKey,
		serverName:   c.config.ServerName,
		protocols:    c.config.NextProtos,
		flags:        helloFlagSecureRenegotiation,
	}
	body, err := ch.marshal()
	if err != nil {
		return nil, nil, AlertInternalError
	}
	msg := &handshakeMessage{msgType: messageTypeClientHello, body: body}
	hs.addToTranscript(msg)

	c.clientHelloVersion = c.clientProtocolVersion

	logf(logTypeHandshake, "[client] sending ClientHello")
	return clientStateHelloWait{c: c}, []handshakeAction{
		queueHandshakeMessage{msg},
		sendQueuedHandshake{},
	}, AlertNoAlert
}

type clientStateHelloWait struct {
	c *Conn
}

func (state clientStateHelloWait) phase() HandshakePhase { return PhaseHello }

func (state clientStateHelloWait) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeServerHello); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c
	hs := &c.handshake

	var sh serverHelloBody
	if !sh.unmarshal(hm.body) {
		return nil, nil, AlertDecodeError
	}
	if sh.version > c.clientProtocolVersion || sh.version < c.config.minimumVersion() {
		return nil, nil, AlertProtocolVersion
	}
	if !c.config.supportsSuite(sh.suite) {
		return nil, nil, AlertIllegalParameter
	}

	c.serverProtocolVersion = sh.version
	if err := c.establishProtocolVersion(sh.version); err != nil {
		return nil, nil, AlertProtocolVersion
	}
	c.setSessionID(sh.sessionID)
	c.applicationProtocol = sh.protocol
	c.secureRenegotiation = sh.flags&helloFlagSecureRenegotiation != 0

	hs.serverRandom = sh.random
	hs.suite = sh.suite

	// A ServerHello echoing our offered session id selects the
	// abbreviated handshake; key material comes from the cached master
	// secret rather than a fresh key exchange.
	if len(hs.offeredSessionID) > 0 && bytes.Equal(sh.sessionID, hs.offeredSessionID) {
		keys, err := resumeTrafficKeys(sh.suite, hs.cachedMaster, hs.transcriptHash())
		if err != nil {
			return nil, nil, AlertInternalError
		}
		hs.masterSecret = keys.masterSecret
		hs.resumed = true
		logf(logTypeHandshake, "[client] resuming session id=%x", sh.sessionID)
		return clientStateFinishedWait{c: c}, []handshakeAction{
			promoteSecureParameters{keys},
		}, AlertNoAlert
	}

	hs.recvShare = sh.keyShare
	return clientStateCertificateWait{c: c}, nil, AlertNoAlert
}

type clientStateCertificateWait struct {
	c *Conn
}

func (state clientStateCertificateWait) phase() HandshakePhase { return PhaseCertificate }

func (state clientStateCertificateWait) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeCertificate); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c

	var cb certificateBody
	if !cb.unmarshal(hm.body) {
		return nil, nil, AlertDecodeError
	}
	// Chain validation is the configuration object's policy, not the
	// core's; the blobs are attached to the connection as-is.
	c.peerCertificates = cb.chain
	c.statusResponse = cb.ocspResponse
	c.ctResponse = cb.ctResponse

	return clientStateHelloDoneWait{c: c}, nil, AlertNoAlert
}

type clientStateHelloDoneWait struct {
	c *Conn
}

func (state clientStateHelloDoneWait) phase() HandshakePhase { return PhaseKeyExchange }

func (state clientStateHelloDoneWait) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeServerHelloDone); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c
	hs := &c.handshake

	shared, err := keyAgreement(hs.privateKey, hs.recvShare)
	if err != nil {
		return nil, nil, AlertIllegalParameter
	}
	keys, err := deriveTrafficKeys(hs.suite, shared, hs.transcriptHash())
	if err != nil {
		return nil, nil, AlertInternalError
	}
	hs.masterSecret = keys.masterSecret

	fin := &finishedBody{verifyData: finishedMAC(hs.masterSecret, hs.transcriptHash(), true)}
	body, err := fin.marshal()
	if err != nil {
		return nil, nil, AlertInternalError
	}

	logf(logTypeHandshake, "[client] key schedule complete, promoting secure parameters")
	return clientStateFinishedWait{c: c}, []handshakeAction{
		promoteSecureParameters{keys},
		queueHandshakeMessage{&handshakeMessage{msgType: messageTypeFinished, body: body}},
		sendQueuedHandshake{},
	}, AlertNoAlert
}

type clientStateFinishedWait struct {
	c *Conn
}

func (state clientStateFinishedWait) phase() HandshakePhase { return PhaseFinished }

func (state clientStateFinishedWait) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeFinished); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c
	hs := &c.handshake

	var fb finishedBody
	if !fb.unmarshal(hm.body) {
		return nil, nil, AlertDecodeError
	}
	if !verifyFinishedMAC(hs.masterSecret, hs.transcriptHash(), fb.verifyData, false) {
		return nil, nil, AlertHandshakeFailure
	}

	var actions []handshakeAction
	if hs.resumed {
		// Abbreviated flight: the server finished first, we answer.
		fin := &finishedBody{verifyData: finishedMAC(hs.masterSecret, hs.transcriptHash(), true)}
		body, err := fin.marshal()
		if err != nil {
			return nil, nil, AlertInternalError
		}
		actions = append(actions,
			queueHandshakeMessage{&handshakeMessage{msgType: messageTypeFinished, body: body}},
			sendQueuedHandshake{})
	} else if c.config.SessionCache != nil && c.sessionIDLen > 0 {
		actions = append(actions, storeSession{
			key: sessionKeyForServer(c.config.ServerName),
			state: SessionState{
				ID:           c.SessionID(),
				MasterSecret: hs.masterSecret,
				Suite:        uint16(hs.suite),
				Version:      uint16(c.actualProtocolVersion),
				ServerName:   c.config.ServerName,
			},
		})
	}

	logf(logTypeHandshake, "[client] handshake established (resumed=%v)", hs.resumed)
	return stateEstablished{}, actions, AlertNoAlert
}

// --- Server states ---

type serverStateStart struct {
	c *Conn
}

func (state serverStateStart) phase() HandshakePhase { return PhaseHello }

func (state serverStateStart) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeClientHello); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c
	hs := &c.handshake

	var ch clientHelloBody
	if !ch.unmarshal(hm.body) {
		return nil, nil, AlertDecodeError
	}
	if ch.version < c.config.minimumVersion() {
		return nil, nil, AlertProtocolVersion
	}
	c.clientHelloVersion = ch.version
	c.clientProtocolVersion = ch.version

	version := ch.version
	if version > c.serverProtocolVersion {
		version = c.serverProtocolVersion
	}
	if err := c.establishProtocolVersion(version); err != nil {
		return nil, nil, AlertProtocolVersion
	}

	suite, ok := c.config.selectSuite(ch.cipherSuites)
	if !ok {
		return nil, nil, AlertHandshakeFailure
	}
	hs.suite = suite
	hs.clientRandom = ch.random
	c.serverName = ch.serverName
	// s2n does not support renegotiation, but acknowledges the
	// extension so strict clients do not abort (RFC 5746 section 4.3).
	c.secureRenegotiation = ch.flags&helloFlagSecureRenegotiation != 0

	protocol := selectProtocol(c.config.NextProtos, ch.protocols)
	c.applicationProtocol = protocol

	if _, err := io.ReadFull(rand.Reader, hs.serverRandom[:]); err != nil {
		return nil, nil, AlertInternalError
	}

	// Resumption intent: a known session id short-circuits certificate
	// and key exchange.
	if len(ch.sessionID) > 0 && c.config.SessionCache != nil {
		if cached, ok := c.config.SessionCache.Get(hex.EncodeToString(ch.sessionID)); ok &&
			CipherSuite(cached.Suite) == suite {
			return state.resume(&ch, cached, protocol)
		}
	}
	return state.fullHandshake(&ch, protocol)
}

func (state serverStateStart) buildServerHello(sessionID []byte, keyShare []byte, protocol string) (*handshakeMessage, Alert) {
	c := state.c
	sh := &serverHelloBody{
		version:   c.actualProtocolVersion,
		random:    c.handshake.serverRandom,
		sessionID: sessionID,
		suite:     c.handshake.suite,
		keyShare:  keyShare,
		protocol:  protocol,
		flags:     helloFlagSecureRenegotiation,
	}
	body, err := sh.marshal()
	if err != nil {
		return nil, AlertInternalError
	}
	return &handshakeMessage{msgType: messageTypeServerHello, body: body}, AlertNoAlert
}

func (state serverStateStart) resume(ch *clientHelloBody, cached SessionState, protocol string) (handshakeState, []handshakeAction, Alert) {
	c := state.c
	hs := &c.handshake

	shMsg, alert := state.buildServerHello(ch.sessionID, nil, protocol)
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	hs.addToTranscript(shMsg)
	c.setSessionID(ch.sessionID)

	keys, err := resumeTrafficKeys(hs.suite, cached.MasterSecret, hs.transcriptHash())
	if err != nil {
		return nil, nil, AlertInternalError
	}
	hs.masterSecret = keys.masterSecret
	hs.resumed = true

	fin := &finishedBody{verifyData: finishedMAC(hs.masterSecret, hs.transcriptHash(), false)}
	finBody, err := fin.marshal()
	if err != nil {
		return nil, nil, AlertInternalError
	}

	logf(logTypeHandshake, "[server] resuming session id=%x", ch.sessionID)
	return serverStateFinishedWait{c: c}, []handshakeAction{
		queueHandshakeMessage{shMsg},
		sendQueuedHandshake{},
		promoteSecureParameters{keys},
		queueHandshakeMessage{&handshakeMessage{msgType: messageTypeFinished, body: finBody}},
		sendQueuedHandshake{},
	}, AlertNoAlert
}

func (state serverStateStart) fullHandshake(ch *clientHelloBody, protocol string) (handshakeState, []handshakeAction, Alert) {
	c := state.c
	hs := &c.handshake

	pub, priv, err := newKeyShare(rand.Reader)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	hs.publicKey, hs.privateKey = pub, priv

	var sessionID []byte
	if c.config.SessionCache != nil {
		sessionID = make([]byte, maxSessionIDLength)
		if _, err := io.ReadFull(rand.Reader, sessionID); err != nil {
			return nil, nil, AlertInternalError
		}
	}

	shMsg, alert := state.buildServerHello(sessionID, pub, protocol)
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	hs.addToTranscript(shMsg)
	c.setSessionID(sessionID)

	cb := &certificateBody{
		chain:        c.config.Certificates,
		ocspResponse: c.config.OCSPResponse,
		ctResponse:   c.config.CTResponse,
	}
	certBody, err := cb.marshal()
	if err != nil {
		return nil, nil, AlertInternalError
	}
	certMsg := &handshakeMessage{msgType: messageTypeCertificate, body: certBody}
	hs.addToTranscript(certMsg)

	doneMsg := &handshakeMessage{msgType: messageTypeServerHelloDone}
	hs.addToTranscript(doneMsg)

	shared, err := keyAgreement(priv, ch.keyShare)
	if err != nil {
		return nil, nil, AlertIllegalParameter
	}
	keys, err := deriveTrafficKeys(hs.suite, shared, hs.transcriptHash())
	if err != nil {
		return nil, nil, AlertInternalError
	}
	hs.masterSecret = keys.masterSecret

	logf(logTypeHandshake, "[server] sending ServerHello flight, suite=%s", hs.suite)
	return serverStateFinishedWait{c: c}, []handshakeAction{
		queueHandshakeMessage{shMsg},
		queueHandshakeMessage{certMsg},
		queueHandshakeMessage{doneMsg},
		sendQueuedHandshake{},
		promoteSecureParameters{keys},
	}, AlertNoAlert
}

type serverStateFinishedWait struct {
	c *Conn
}

func (state serverStateFinishedWait) phase() HandshakePhase { return PhaseFinished }

func (state serverStateFinishedWait) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	if alert := expectMessage(hm, messageTypeFinished); alert != AlertNoAlert {
		return nil, nil, alert
	}
	c := state.c
	hs := &c.handshake

	var fb finishedBody
	if !fb.unmarshal(hm.body) {
		return nil, nil, AlertDecodeError
	}
	if !verifyFinishedMAC(hs.masterSecret, hs.transcriptHash(), fb.verifyData, true) {
		return nil, nil, AlertHandshakeFailure
	}

	var actions []handshakeAction
	if !hs.resumed {
		fin := &finishedBody{verifyData: finishedMAC(hs.masterSecret, hs.transcriptHash(), false)}
		body, err := fin.marshal()
		if err != nil {
			return nil, nil, AlertInternalError
		}
		actions = append(actions,
			queueHandshakeMessage{&handshakeMessage{msgType: messageTypeFinished, body: body}},
			sendQueuedHandshake{})
		if c.config.SessionCache != nil && c.sessionIDLen > 0 {
			actions = append(actions, storeSession{
				key: hex.EncodeToString(c.SessionID()),
				state: SessionState{
					ID:           c.SessionID(),
					MasterSecret: hs.masterSecret,
					Suite:        uint16(hs.suite),
					Version:      uint16(c.actualProtocolVersion),
					ServerName:   c.serverName,
				},
			})
		}
	}

	logf(logTypeHandshake, "[server] handshake established (resumed=%v)", hs.resumed)
	return stateEstablished{}, actions, AlertNoAlert
}

// stateEstablished is terminal.  Renegotiation is unsupported, so any
// further handshake traffic is a protocol error.
type stateEstablished struct{}

func (stateEstablished) phase() HandshakePhase { return PhaseEstablished }

func (stateEstablished) next(hm *handshakeMessage) (handshakeState, []handshakeAction, Alert) {
	return nil, nil, AlertNoRenegotiation
}

func selectProtocol(ours, theirs []string) string {
	for _, mine := range ours {
		for _, offered := range theirs {
			if mine == offered {
				return mine
			}
		}
	}
	return ""
}
