package tcpstack

import (
	"time"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
)

// Deliver processes one incoming segment per spec §4.5 "Segment
// acceptance": sequence validity, RST, SYN, ACK, payload, then FIN.
func (c *Connection) Deliver(seg *pkt.TCP) {
	if c.State == StateClosed {
		return
	}
	if !c.sequenceAcceptable(seg) {
		if !seg.Flags.Has(pkt.TCPFlagRST) {
			c.emit(pkt.TCPFlagACK, c.send.nxt, nil)
		}
		return
	}
	if seg.Flags.Has(pkt.TCPFlagRST) {
		c.abort(errors.New("tcpstack: connection reset by peer").AtInfo())
		return
	}
	if seg.Flags.Has(pkt.TCPFlagSYN) {
		if c.State != StateSynSent && c.State != StateListen {
			// already synchronized: a second SYN is invalid (§4.5)
			if c.cfg.RstForSyn {
				c.emit(pkt.TCPFlagRST, c.send.nxt, nil)
			}
			c.abort(errors.New("tcpstack: unexpected SYN").AtWarning())
			return
		}
	}

	switch c.State {
	case StateSynSent:
		c.handleSynSent(seg)
		return
	case StateSynReceived:
		if seg.Flags.Has(pkt.TCPFlagACK) {
			if seg.AckNum != c.send.nxt {
				if c.cfg.RstForSyn {
					c.emit(pkt.TCPFlagRST, seg.AckNum, nil)
				}
				return
			}
			c.send.una = seg.AckNum
			c.clearAcked(seg.AckNum)
			c.State = StateEstablished
			c.notify("established")
			if c.onEstablished != nil {
				c.onEstablished()
			}
		}
		return
	}

	if seg.Flags.Has(pkt.TCPFlagACK) {
		c.handleACK(seg)
	}
	if len(seg.Payload) > 0 {
		c.handlePayload(seg)
	}
	if seg.Flags.Has(pkt.TCPFlagFIN) {
		c.handleFIN(seg)
	}
}

// sequenceAcceptable implements the RFC 793 §3.3 acceptance test against
// the current receive window.
func (c *Connection) sequenceAcceptable(seg *pkt.TCP) bool {
	if c.State == StateListen || c.State == StateSynSent {
		return true
	}
	segLen := uint32(len(seg.Payload))
	if seg.Flags.Has(pkt.TCPFlagFIN) || seg.Flags.Has(pkt.TCPFlagSYN) {
		segLen++
	}
	if segLen == 0 {
		if c.recv.wnd == 0 {
			return seg.SeqNum == c.recv.nxt
		}
		return inWindow(seg.SeqNum, c.recv.nxt, uint32(c.recv.wnd)+1)
	}
	if c.recv.wnd == 0 {
		return false
	}
	return inWindow(seg.SeqNum, c.recv.nxt, uint32(c.recv.wnd)) ||
		inWindow(seg.SeqNum+segLen-1, c.recv.nxt, uint32(c.recv.wnd))
}

func (c *Connection) handleSynSent(seg *pkt.TCP) {
	if seg.Flags.Has(pkt.TCPFlagACK) {
		if seg.AckNum != c.send.iss+1 {
			if c.cfg.RstForSyn {
				c.emit(pkt.TCPFlagRST, seg.AckNum, nil)
			}
			return
		}
	}
	if !seg.Flags.Has(pkt.TCPFlagSYN) {
		return
	}
	c.recv.irs = seg.SeqNum
	c.recv.nxt = seg.SeqNum + 1
	if seg.MSS != 0 && seg.MSS < c.cfg.mss() {
		c.cfg.MSS = seg.MSS
	}
	if seg.Flags.Has(pkt.TCPFlagACK) {
		c.send.una = seg.AckNum
		c.clearAcked(seg.AckNum)
		c.State = StateEstablished
		c.emit(pkt.TCPFlagACK, c.send.nxt, nil)
		c.notify("established")
		return
	}
	// simultaneous open: SYN with no ACK
	c.State = StateSynReceived
	c.emit(pkt.TCPFlagSYN|pkt.TCPFlagACK, c.send.iss, nil)
}

// handleACK advances UNA, drives congestion control, and detects the
// close-sequence transitions driven purely by ACK arrival.
func (c *Connection) handleACK(seg *pkt.TCP) {
	if cmpGreater(seg.AckNum, c.send.nxt) {
		c.emit(pkt.TCPFlagACK, c.send.nxt, nil) // ACKs something not yet sent
		return
	}
	c.send.wnd = seg.Window
	if seg.AckNum == c.send.una {
		if len(seg.Payload) == 0 && !seg.Flags.Has(pkt.TCPFlagFIN) && !seg.Flags.Has(pkt.TCPFlagSYN) {
			c.onDuplicateACK()
		}
	} else if cmpLess(c.send.una, seg.AckNum) {
		c.onNewACK(seg.AckNum)
	}
	c.applyStateOnACK(seg)
	c.pump()
	if c.send.wnd == 0 && len(c.sendBuf) > int(c.send.nxt-c.send.una) {
		c.armPersist()
	}
}

func (c *Connection) applyStateOnACK(seg *pkt.TCP) {
	switch c.State {
	case StateFinWait1:
		if seg.AckNum == c.send.nxt {
			c.State = StateFinWait2
		}
	case StateClosing:
		if seg.AckNum == c.send.nxt {
			c.enterTimeWait()
		}
	case StateLastAck:
		if seg.AckNum == c.send.nxt {
			c.State = StateClosed
			c.cancelTimers()
			c.notify("closed")
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	}
}

// onNewACK handles a cumulative ACK covering new data: RTT sampling
// (Karn's rule), retransmission-queue trimming, and congestion-window
// growth (spec §4.5 "Congestion control").
func (c *Connection) onNewACK(ack uint32) {
	acked := ack - c.send.una
	c.send.una = ack
	c.trimRetransQueue(ack)

	c.cc.dupACKs = 0
	if c.cc.mode == ccFastRecovery {
		c.cc.cwnd = c.cc.ssthresh
		c.cc.mode = ccSlowStart
	}
	if c.cfg.CongCtrl {
		mss := uint32(c.cfg.mss())
		if c.cc.mode == ccSlowStart {
			c.cc.cwnd += minU32(acked, mss)
			if c.cc.cwnd >= c.cc.ssthresh {
				c.cc.mode = ccCongestionAvoidance
			}
		} else {
			c.cc.cwnd += maxU32(1, mss*mss/maxU32(c.cc.cwnd, 1))
		}
	}

	if c.rtoHandle != nil && len(c.retransQueue) == 0 {
		c.rtoHandle.Cancel()
		c.rtoHandle = nil
	}
	if len(c.sendBuf) > 0 {
		c.sendBuf = c.sendBuf[minInt(int(acked), len(c.sendBuf)):]
	}
	c.notify("writable")
	if c.send.wnd == 0 {
		c.armPersist()
	} else if c.persist != nil {
		c.persist.Cancel()
		c.persist = nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Connection) trimRetransQueue(ack uint32) {
	i := 0
	for ; i < len(c.retransQueue); i++ {
		seg := &c.retransQueue[i]
		end := seg.seq + uint32(seg.length)
		if seg.flags.Has(pkt.TCPFlagSYN) || seg.flags.Has(pkt.TCPFlagFIN) {
			end++
		}
		if !cmpLessEq(end, ack) {
			break
		}
		if seg.attempts == 0 {
			c.sampleRTT(c.clock.Now().Sub(seg.firstSent))
		}
	}
	c.retransQueue = c.retransQueue[i:]
}

// sampleRTT updates SRTT/RTTVAR/RTO per RFC 6298 (α=1/8, β=1/4).
func (c *Connection) sampleRTT(sample time.Duration) {
	if !c.rttSet {
		c.srtt = sample
		c.rttvar = sample / 2
		c.rttSet = true
	} else {
		diff := c.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = c.rttvar - c.rttvar/4 + diff/4
		c.srtt = c.srtt - c.srtt/8 + sample/8
	}
	c.rto = c.srtt + 4*c.rttvar
}

// onDuplicateACK tracks duplicate ACKs and triggers fast retransmit on
// the third one (spec §4.5 "Fast retransmit / recovery").
func (c *Connection) onDuplicateACK() {
	c.cc.dupACKs++
	mss := uint32(c.cfg.mss())
	if c.cc.dupACKs == 3 {
		c.cc.ssthresh = maxU32(c.cc.cwnd/2, 2*mss)
		c.cc.cwnd = c.cc.ssthresh + 3*mss
		c.cc.mode = ccFastRecovery
		if len(c.retransQueue) > 0 {
			head := c.retransQueue[0]
			c.emit(head.flags, head.seq, head.data)
		}
	} else if c.cc.dupACKs > 3 && c.cc.mode == ccFastRecovery {
		c.cc.cwnd += mss
		c.pump()
	}
}

// handlePayload extends recv.NXT for in-order data and reassembles
// out-of-order segments (spec §4.5 "Receive path").
func (c *Connection) handlePayload(seg *pkt.TCP) {
	if seg.SeqNum == c.recv.nxt {
		c.recvBuf = append(c.recvBuf, seg.Payload...)
		c.recv.nxt += uint32(len(seg.Payload))
		c.absorbReassembly()
		c.notify("readable")
		c.scheduleACK(false)
		return
	}
	if cmpGreater(seg.SeqNum, c.recv.nxt) {
		c.ooq = append(c.ooq, ooSegment{start: seg.SeqNum, data: append([]byte(nil), seg.Payload...)})
		c.scheduleACK(true) // out-of-order arrival flushes the delayed ACK immediately
	}
}

func (c *Connection) absorbReassembly() {
	progress := true
	for progress {
		progress = false
		for i, seg := range c.ooq {
			if seg.start == c.recv.nxt {
				c.recvBuf = append(c.recvBuf, seg.data...)
				c.recv.nxt += uint32(len(seg.data))
				c.ooq = append(c.ooq[:i], c.ooq[i+1:]...)
				progress = true
				break
			}
		}
	}
}

// scheduleACK batches ACKs up to 200ms (spec §4.5), flushing immediately
// when forced (out-of-order arrival) or once two payload segments have
// arrived since the last ACK. Segment size is not checked: two short
// segments flush the ACK just as two full-sized ones do.
func (c *Connection) scheduleACK(forceNow bool) {
	c.fullSegsSinceACK++
	if forceNow || c.fullSegsSinceACK >= 2 {
		c.flushACK()
		return
	}
	if c.ackPending {
		return
	}
	c.ackPending = true
	c.delayedACK = c.sched.ScheduleAt(c.clock.Now().Add(delayedACKMax), c.flushACK)
}

func (c *Connection) flushACK() {
	c.ackPending = false
	c.fullSegsSinceACK = 0
	if c.delayedACK != nil {
		c.delayedACK.Cancel()
		c.delayedACK = nil
	}
	c.emit(pkt.TCPFlagACK, c.send.nxt, nil)
}

func (c *Connection) clearAcked(ack uint32) {
	c.trimRetransQueue(ack)
}
