package s2n

import "testing"

func TestStufferCursors(t *testing.T) {
	s := newGrowableStuffer(8)

	assertNotError(t, s.write([]byte{1, 2, 3, 4}), "write")
	assertEquals(t, s.dataAvailable(), 4)

	got, err := s.read(2)
	assertNotError(t, err, "read")
	assertByteEquals(t, got, []byte{1, 2})
	assertEquals(t, s.dataAvailable(), 2)

	// Reads past the write cursor fail without moving anything.
	_, err = s.read(3)
	assertEquals(t, err, errStufferOutOfData)
	assertEquals(t, s.dataAvailable(), 2)

	assertByteEquals(t, s.bytes(), []byte{3, 4})
	assertNotError(t, s.skipRead(2), "skipRead")
	assertEquals(t, s.dataAvailable(), 0)
}

func TestStufferGrowth(t *testing.T) {
	s := newGrowableStuffer(2)
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	assertNotError(t, s.write(big), "write past initial capacity")
	got, err := s.read(100)
	assertNotError(t, err, "read")
	assertByteEquals(t, got, big)
}

func TestStufferFixedCapacity(t *testing.T) {
	var backing [4]byte
	s := newStuffer(backing[:])

	assertNotError(t, s.write([]byte{1, 2, 3, 4}), "write to capacity")
	assertEquals(t, s.write([]byte{5}), errStufferFull)

	s.reset()
	assertNotError(t, s.write([]byte{5, 6}), "write after reset")
	assertByteEquals(t, s.bytes(), []byte{5, 6})
}

func TestStufferIntegers(t *testing.T) {
	s := newGrowableStuffer(8)
	assertNotError(t, s.writeUint8(0x15), "writeUint8")
	assertNotError(t, s.writeUint16(0x0301), "writeUint16")

	b, err := s.readUint8()
	assertNotError(t, err, "readUint8")
	assertEquals(t, b, uint8(0x15))

	v, err := s.readUint16()
	assertNotError(t, err, "readUint16")
	assertEquals(t, v, uint16(0x0301))
}

func TestStufferWritableSlice(t *testing.T) {
	s := newGrowableStuffer(4)
	dst, err := s.writableSlice(3)
	assertNotError(t, err, "writableSlice")
	copy(dst, []byte{7, 8, 9})
	assertByteEquals(t, s.bytes(), []byte{7, 8, 9})
}

func TestStufferWipe(t *testing.T) {
	s := newGrowableStuffer(4)
	assertNotError(t, s.write([]byte{0xaa, 0xbb}), "write")
	s.wipe()
	assertEquals(t, s.dataAvailable(), 0)
	for _, b := range s.data {
		assertEquals(t, b, byte(0))
	}
}
