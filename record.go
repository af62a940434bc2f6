package s2n

import (
	"errors"
	"time"
)

// Record layer framing.  Every record on the wire is a 5-byte header
// (type, 2-byte protocol version, 2-byte big-endian ciphertext length)
// followed by the ciphertext.
const (
	recordHeaderLength = 5

	// maxFragmentLength bounds outgoing plaintext fragments; incoming
	// records may additionally carry AEAD expansion.
	maxFragmentLength   = 16384
	maxCiphertextLength = maxFragmentLength + 256
)

type recordType uint8

const (
	recordTypeAlert           recordType = 21
	recordTypeHandshake       recordType = 22
	recordTypeApplicationData recordType = 23
)

func (rt recordType) String() string {
	switch rt {
	case recordTypeAlert:
		return "alert"
	case recordTypeHandshake:
		return "handshake"
	case recordTypeApplicationData:
		return "application_data"
	}
	return "unknown"
}

var (
	errRecordOverflow = errors.New("record: declared length exceeds maximum record size")
	errBadRecordType  = errors.New("record: unknown record type")
	errDecrypt        = errors.New("record: payload failed authentication")
)

// writeRecord frames and encrypts a single fragment of data into the
// out stuffer and returns how many plaintext bytes it consumed.  The
// fragment is bounded by the connection's outgoing fragment limit; the
// caller loops for larger payloads.
func (c *Conn) writeRecord(rt recordType, data []byte) (int, error) {
	frag := len(data)
	if frag > c.maxOutgoingFragmentLength {
		frag = c.maxOutgoingFragmentLength
	}

	params := c.outParameters()
	header := []byte{
		byte(rt),
		byte(c.actualProtocolVersion >> 8),
		byte(c.actualProtocolVersion),
		byte((frag + params.overhead()) >> 8),
		byte(frag + params.overhead()),
	}

	ciphertext, err := params.seal(header, data[:frag])
	if err != nil {
		return 0, err
	}
	if err := c.out.write(header); err != nil {
		return 0, err
	}
	if err := c.out.write(ciphertext); err != nil {
		return 0, err
	}
	c.fatalLock.Lock()
	c.writeTimer = time.Now()
	c.fatalLock.Unlock()

	logf(logTypeRecord, "write record type=%s len=%d seq=%d set=%s",
		rt, frag, params.seq-1, activeSet(c.activeSet.Load()))
	return frag, nil
}

// flushOut drains pending framed bytes to the transport.  Under managed
// I/O the transport is treated as corked for the duration of the drain.
func (c *Conn) flushOut() error {
	if c.out.dataAvailable() == 0 {
		c.out.reset()
		return nil
	}
	if c.managedIO {
		c.corked = true
	}
	err := c.sendStuffer(c.out)
	if c.managedIO {
		c.corked = false
	}
	if err != nil {
		return err
	}
	c.out.reset()
	return nil
}

// blockingRetryInterval paces the poll loop for transports that report
// would-block instead of suspending the calling thread.
const blockingRetryInterval = 10 * time.Millisecond

// drainOut flushes framed bytes honoring the configured blocking mode:
// with a blocking configuration a would-block from the transport is
// polled until the bytes drain (or the connection closes), rather than
// surfaced to the caller.
func (c *Conn) drainOut() error {
	for {
		err := c.flushOut()
		if err != AlertWouldBlock || c.config.NonBlocking {
			return err
		}
		time.Sleep(blockingRetryInterval)
	}
}

// readRecord reads exactly one record from the transport: 5 header
// bytes into headerIn, then the declared ciphertext length into in,
// then decrypts in place under the active inbound parameters.  On
// success the in stuffer holds the plaintext fragment and the record
// type is returned.  AlertWouldBlock leaves all cursors intact for
// resumption.
func (c *Conn) readRecord() (recordType, error) {
	if err := c.recvStuffer(c.headerIn, recordHeaderLength); err != nil {
		return 0, err
	}
	header := c.headerIn.bytes()

	rt := recordType(header[0])
	switch rt {
	case recordTypeAlert, recordTypeHandshake, recordTypeApplicationData:
	default:
		return 0, c.fatal(errBadRecordType, AlertUnexpectedMessage)
	}

	version := ProtocolVersion(header[1])<<8 | ProtocolVersion(header[2])
	if c.actualProtocolVersionEstablished && version != c.actualProtocolVersion {
		return 0, c.fatal(errBadVersion, AlertProtocolVersion)
	}

	length := int(header[3])<<8 | int(header[4])
	// Oversize declarations are rejected before any payload is buffered.
	if length > maxCiphertextLength {
		return 0, c.fatal(errRecordOverflow, AlertRecordOverflow)
	}

	c.inStatus = inEncrypted
	if err := c.recvStuffer(c.in, length); err != nil {
		return 0, err
	}

	params := c.inParameters()
	payload, err := c.in.read(length)
	if err != nil {
		return 0, err
	}
	plaintext, err := params.open(header, payload)
	if err != nil {
		if err == errSequenceOverflow {
			return 0, c.fatal(err, AlertInternalError)
		}
		return 0, c.fatal(errDecrypt, AlertBadRecordMAC)
	}

	c.in.reset()
	if err := c.in.write(plaintext); err != nil {
		return 0, err
	}
	c.inStatus = inPlaintext
	c.headerIn.reset()

	logf(logTypeRecord, "read record type=%s len=%d seq=%d set=%s",
		rt, len(plaintext), params.seq-1, activeSet(c.activeSet.Load()))
	return rt, nil
}

var errBadVersion = errors.New("record: header version does not match negotiated version")
