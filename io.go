package s2n

import (
	"errors"
	"net"
	"os"
)

// SendFn writes up to len(b) bytes to the transport and returns how
// many were accepted.  A transport that cannot make progress returns
// AlertWouldBlock (or an error satisfying net.Error's Timeout); the
// caller retries the same logical operation later.
type SendFn func(ctx interface{}, b []byte) (int, error)

// RecvFn is the symmetric receive contract.
type RecvFn func(ctx interface{}, b []byte) (int, error)

// SetIO installs caller-supplied transport callbacks.  The send and
// receive sides take independent contexts, so a connection can run over
// two pipes.
func (c *Conn) SetIO(send SendFn, sendCtx interface{}, recv RecvFn, recvCtx interface{}) {
	c.sendFn = send
	c.sendCtx = sendCtx
	c.recvFn = recv
	c.recvCtx = recvCtx
	c.managedIO = false
}

// SetManagedConn binds the connection to a net.Conn using the default
// managed transport.  Managed I/O batches record flushes and tracks the
// corking state of the underlying transport; the corked flag is
// bookkeeping only and has no protocol effect.
func (c *Conn) SetManagedConn(conn net.Conn) {
	ctx := &managedIOContext{conn: conn}
	c.sendFn = managedSend
	c.sendCtx = ctx
	c.recvFn = managedRecv
	c.recvCtx = ctx
	c.managedIO = true
}

// IsManagedCorked reports whether the connection uses managed I/O and
// currently believes the underlying transport is corked.
func (c *Conn) IsManagedCorked() bool {
	return c.managedIO && c.corked
}

type managedIOContext struct {
	conn net.Conn
}

func managedSend(ctx interface{}, b []byte) (int, error) {
	io := ctx.(*managedIOContext)
	n, err := io.conn.Write(b)
	return n, mapWouldBlock(err)
}

func managedRecv(ctx interface{}, b []byte) (int, error) {
	io := ctx.(*managedIOContext)
	n, err := io.conn.Read(b)
	return n, mapWouldBlock(err)
}

// mapWouldBlock normalizes transport-specific retryable conditions to
// AlertWouldBlock so the record and alert pipelines see one value.
func mapWouldBlock(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return AlertWouldBlock
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return AlertWouldBlock
	}
	return err
}

// sendStuffer pushes the unread bytes of a stuffer to the transport,
// advancing the read cursor by whatever the callback accepted.  On a
// partial send it returns AlertWouldBlock and is resumable from the
// cursor.
func (c *Conn) sendStuffer(s *stuffer) error {
	for s.dataAvailable() > 0 {
		if c.closed.Load() {
			return errClosed
		}
		n, err := c.sendFn(c.sendCtx, s.bytes())
		if n > 0 {
			if serr := s.skipRead(n); serr != nil {
				return serr
			}
			c.wireBytesOut.Add(uint64(n))
			logf(logTypeIO, "wrote %d bytes to transport", n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return AlertWouldBlock
		}
	}
	return nil
}

// recvStuffer reads from the transport until the stuffer holds at least
// n unread bytes.  Partial reads leave the cursor in place, so a
// would-block caller resumes without re-reading committed bytes.
func (c *Conn) recvStuffer(s *stuffer, n int) error {
	for s.dataAvailable() < n {
		if c.closed.Load() {
			return errClosed
		}
		need := n - s.dataAvailable()
		dst, err := s.writableSlice(need)
		if err != nil {
			return err
		}
		got, err := c.recvFn(c.recvCtx, dst)
		// Return unfilled reservation before acting on the result.
		s.writeCursor -= need - got
		if got > 0 {
			c.wireBytesIn.Add(uint64(got))
			logf(logTypeIO, "read %d bytes from transport", got)
		}
		if err != nil {
			return err
		}
		if got == 0 {
			return AlertWouldBlock
		}
	}
	return nil
}
