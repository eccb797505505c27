package tcpstack

import (
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
)

// handleFIN implements the passive-close and simultaneous-close paths of
// spec §4.5 "Close sequence".
func (c *Connection) handleFIN(seg *pkt.TCP) {
	if seg.SeqNum+uint32(len(seg.Payload)) != c.recv.nxt {
		return // FIN not yet in sequence; wait for the gap to close
	}
	c.recv.nxt++
	c.flushACK()
	c.notify("readable") // a reader blocked on empty buffer must observe EOF

	switch c.State {
	case StateEstablished:
		c.State = StateCloseWait
	case StateFinWait1:
		c.State = StateClosing
	case StateFinWait2:
		c.enterTimeWait()
	}
}

// Read drains up to len(p) bytes from the receive buffer, returning
// (0, nil) for EOF on a closed/closing peer with nothing left to read,
// or registering a readable waker and returning WouldBlock.
func (c *Connection) Read(p []byte, wake func()) (int, error) {
	if len(c.recvBuf) > 0 {
		n := copy(p, c.recvBuf)
		c.recvBuf = c.recvBuf[n:]
		return n, nil
	}
	if c.State == StateCloseWait || c.State == StateClosing || c.State == StateTimeWait || c.State == StateClosed {
		return 0, nil // EOF: peer has sent FIN and no more data is coming
	}
	c.addWaker(Waker{Kind: "readable", Wake: wake})
	return 0, errors.New("tcpstack: would block").AtDebug()
}

// Close implements the active-close path: emit FIN and transition per
// the current state (spec §4.5 "Close sequence").
func (c *Connection) Close() error {
	switch c.State {
	case StateEstablished:
		c.sendFIN()
		c.State = StateFinWait1
	case StateCloseWait:
		c.sendFIN()
		c.State = StateLastAck
	case StateSynSent, StateListen:
		c.State = StateClosed
		c.cancelTimers()
	default:
		return errors.New("tcpstack: close on non-open connection").AtDebug()
	}
	return nil
}

func (c *Connection) sendFIN() {
	c.sendSegment(c.send.nxt, pkt.TCPFlagFIN|pkt.TCPFlagACK, nil)
	c.send.nxt++
}

func (c *Connection) enterTimeWait() {
	c.State = StateTimeWait
	c.cancelTimers()
	c.timeWait = c.sched.ScheduleAt(c.clock.Now().Add(twoMSL), func() {
		c.State = StateClosed
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

// armPersist starts zero-window probing: a one-byte probe on an
// exponentially doubling timer (spec §4.5 "Tie-breaks and edge cases").
func (c *Connection) armPersist() {
	if c.persist != nil {
		return
	}
	c.persistCount = 0
	c.schedulePersist()
}

func (c *Connection) schedulePersist() {
	delay := c.rto << uint(minInt(c.persistCount, 6))
	c.persist = c.sched.ScheduleAt(c.clock.Now().Add(delay), c.onPersist)
}

func (c *Connection) onPersist() {
	c.persist = nil
	if c.send.wnd != 0 {
		return
	}
	buffered := int(c.send.nxt - c.send.una)
	if buffered < len(c.sendBuf) {
		probe := c.sendBuf[buffered : buffered+1]
		c.emit(pkt.TCPFlagACK, c.send.nxt, probe)
	} else {
		c.emit(pkt.TCPFlagACK, c.send.nxt-1, nil) // keep-alive style probe of already-sent data
	}
	c.persistCount++
	c.schedulePersist()
}
