package s2n

import (
	"encoding/binary"
	"errors"
)

var (
	errStufferOutOfData = errors.New("stuffer: read past write cursor")
	errStufferFull      = errors.New("stuffer: write past capacity")
)

// stuffer is a byte buffer with independent read and write cursors.  All
// record and header data on a connection flows through stuffers.  The
// invariant readCursor <= writeCursor <= len(data) holds at all times.
//
// A stuffer over a fixed backing array never grows; a growable stuffer
// extends its backing storage on demand.
type stuffer struct {
	data        []byte
	readCursor  int
	writeCursor int
	growable    bool
}

// newStuffer wraps a fixed backing slice.  Writes beyond its capacity
// fail with errStufferFull.
func newStuffer(backing []byte) *stuffer {
	return &stuffer{data: backing}
}

// newGrowableStuffer allocates a stuffer that grows as needed.
func newGrowableStuffer(capacity int) *stuffer {
	return &stuffer{data: make([]byte, capacity), growable: true}
}

// dataAvailable is the number of unread bytes.
func (s *stuffer) dataAvailable() int {
	return s.writeCursor - s.readCursor
}

// spaceRemaining is the number of bytes that can be written without
// growing.
func (s *stuffer) spaceRemaining() int {
	return len(s.data) - s.writeCursor
}

// reserve makes room for n more bytes, growing if permitted.
func (s *stuffer) reserve(n int) error {
	if s.spaceRemaining() >= n {
		return nil
	}
	if !s.growable {
		return errStufferFull
	}
	grown := make([]byte, max(len(s.data)*2, s.writeCursor+n))
	copy(grown, s.data[:s.writeCursor])
	s.data = grown
	return nil
}

func (s *stuffer) write(b []byte) error {
	if err := s.reserve(len(b)); err != nil {
		return err
	}
	copy(s.data[s.writeCursor:], b)
	s.writeCursor += len(b)
	return nil
}

func (s *stuffer) writeUint8(v uint8) error {
	return s.write([]byte{v})
}

func (s *stuffer) writeUint16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return s.write(b[:])
}

// writableSlice reserves n bytes and returns them for in-place filling.
// The write cursor advances immediately; callers must fill all n bytes.
func (s *stuffer) writableSlice(n int) ([]byte, error) {
	if err := s.reserve(n); err != nil {
		return nil, err
	}
	out := s.data[s.writeCursor : s.writeCursor+n]
	s.writeCursor += n
	return out, nil
}

// read returns the next n unread bytes.  The returned slice aliases the
// stuffer's storage and is only valid until the next mutation.
func (s *stuffer) read(n int) ([]byte, error) {
	if s.dataAvailable() < n {
		return nil, errStufferOutOfData
	}
	out := s.data[s.readCursor : s.readCursor+n]
	s.readCursor += n
	return out, nil
}

func (s *stuffer) readUint8() (uint8, error) {
	b, err := s.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *stuffer) readUint16() (uint16, error) {
	b, err := s.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// bytes returns the unread region without consuming it.
func (s *stuffer) bytes() []byte {
	return s.data[s.readCursor:s.writeCursor]
}

// skipRead advances the read cursor by n already-inspected bytes.
func (s *stuffer) skipRead(n int) error {
	if s.dataAvailable() < n {
		return errStufferOutOfData
	}
	s.readCursor += n
	return nil
}

// reset rewinds both cursors, logically emptying the stuffer.  Storage
// is retained.
func (s *stuffer) reset() {
	s.readCursor = 0
	s.writeCursor = 0
}

// wipe zeroes the storage and resets the cursors.  Used for buffers that
// have held key-dependent plaintext.
func (s *stuffer) wipe() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.reset()
}
