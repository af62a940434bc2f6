package s2n

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// BlindingPolicy bounds the randomized delay imposed after a fatal
// error, frustrating timing side channels that distinguish failure
// causes by how quickly the connection dies.
type BlindingPolicy struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// randomDelay draws a uniform duration in [MinDelay, MaxDelay) from the
// system CSPRNG.  Rejection sampling avoids modulo bias.
func randomDelay(policy BlindingPolicy) time.Duration {
	if policy.MaxDelay <= policy.MinDelay {
		return policy.MinDelay
	}
	span := uint64(policy.MaxDelay - policy.MinDelay)
	limit := math.MaxUint64 - math.MaxUint64%span

	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// No randomness available: the longest delay is the safe
			// fallback.
			return policy.MaxDelay
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return policy.MinDelay + time.Duration(v%span)
		}
	}
}

// scheduleBlinding arms the blinding delay for this connection.  The
// delay is measured from the last record write, and only the first
// fatal condition sets it.
func (c *Conn) scheduleBlinding() {
	c.fatalLock.Lock()
	defer c.fatalLock.Unlock()
	c.scheduleBlindingLocked()
}

// scheduleBlindingLocked is scheduleBlinding for callers already
// holding fatalLock.
func (c *Conn) scheduleBlindingLocked() {
	if !c.blindingUntil.IsZero() {
		return
	}
	c.delay = randomDelay(c.config.BlindingPolicy)
	c.blindingUntil = c.writeTimer.Add(c.delay)
	logf(logTypeBlinding, "scheduled %v blinding delay", c.delay)
}

// BlindingDelay returns the remaining delay the connection must observe
// before teardown.  Under BlindingSelfService the application sleeps
// for this long itself; under BlindingBuiltIn Free enforces it.
func (c *Conn) BlindingDelay() time.Duration {
	c.fatalLock.Lock()
	defer c.fatalLock.Unlock()
	if c.blindingUntil.IsZero() {
		return 0
	}
	remaining := time.Until(c.blindingUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}
