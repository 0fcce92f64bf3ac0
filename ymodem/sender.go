package ymodem

import (
	"io"
	"strconv"
	"time"
)

// Sender drives the YMODEM-1K sender state machine of spec.md §4.3.
// Data is read forward only: each packet is encoded once and the same
// bytes are resent on retry.
type Sender struct {
	Transport Transport
	Filename  string
	Size      int64
	Data      io.ReadSeeker

	// AckTimeout overrides ackWaitTimeout when non-zero; tests use a
	// short value to exercise the retry/timeout paths without
	// sleeping real wall-clock seconds.
	AckTimeout time.Duration
	// StartTimeout and SecondTrigger override waitForCTotal and
	// waitSecondC respectively when non-zero.
	StartTimeout  time.Duration
	SecondTrigger time.Duration
}

func (s *Sender) ackTimeout() time.Duration {
	if s.AckTimeout > 0 {
		return s.AckTimeout
	}
	return ackWaitTimeout
}

func (s *Sender) startTimeout() time.Duration {
	if s.StartTimeout > 0 {
		return s.StartTimeout
	}
	return waitForCTotal
}

func (s *Sender) secondTrigger() time.Duration {
	if s.SecondTrigger > 0 {
		return s.SecondTrigger
	}
	return waitSecondC
}

// Send runs the full handshake-data-termination sequence: wait for
// the start trigger, send the header packet, wait for the second
// trigger, stream data packets, then EOT and the end-of-batch packet.
func (s *Sender) Send() error {
	if err := s.waitForTrigger(s.startTimeout(), true); err != nil {
		return err
	}
	if err := s.sendHeader(); err != nil {
		return err
	}
	if err := s.waitForTrigger(s.secondTrigger(), false); err != nil {
		return err
	}
	if err := s.sendData(); err != nil {
		return err
	}
	if err := s.sendEOT(); err != nil {
		return err
	}
	return s.sendPacketAwaitACK(packet{typ: ctlSOH, seq: 0, fill: 0x00})
}

// waitForTrigger reads bytes until it sees a 'C', for up to total. If
// announce is set (the initial handshake) it also re-sends its own
// 'C' every waitForCInterval, acting as a trigger toward a peer that
// is itself waiting to be initiated.
func (s *Sender) waitForTrigger(total time.Duration, announce bool) error {
	deadline := time.Now().Add(total)
	nextAnnounce := time.Now().Add(waitForCInterval)
	for time.Now().Before(deadline) {
		b, err := readByte(s.Transport, 200*time.Millisecond)
		if err == nil {
			switch b {
			case ctlC:
				return nil
			case ctlCAN:
				return ErrCancelled
			}
		}
		// Read first, announce second: a peer waiting to be triggered
		// may itself be blocked writing its own 'C' until we read, so
		// reading before writing avoids both sides announcing at once.
		if announce && !time.Now().Before(nextAnnounce) {
			if werr := writeByte(s.Transport, ctlC); werr != nil {
				return werr
			}
			nextAnnounce = time.Now().Add(waitForCInterval)
		}
	}
	return ErrStartTimeout
}

func (s *Sender) sendHeader() error {
	payload := append([]byte(s.Filename), 0)
	payload = append(payload, []byte(strconv.FormatInt(s.Size, 10))...)
	payload = append(payload, 0)
	return s.sendPacketAwaitACK(packet{typ: ctlSOH, seq: 0, data: payload, fill: padByte})
}

// sendData streams the file in 1024-byte chunks, falling back to a
// 128-byte SOH packet for a final chunk of 128 bytes or less (the
// interoperable deviation from the source's always-pad-to-1024 quirk,
// see DESIGN.md's open question decisions).
func (s *Sender) sendData() error {
	seq := byte(1)
	buf := make([]byte, longDataLen)
	for {
		n, err := io.ReadFull(s.Data, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		if n == 0 {
			return nil
		}

		typ := byte(ctlSTX)
		if n <= shortDataLen {
			typ = ctlSOH
		}
		chunk := append([]byte(nil), buf[:n]...)
		if perr := s.sendPacketAwaitACK(packet{typ: typ, seq: seq, data: chunk, fill: padByte}); perr != nil {
			return perr
		}
		seq++
		if n < longDataLen {
			return nil
		}
	}
}

func (s *Sender) sendEOT() error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := writeByte(s.Transport, ctlEOT); err != nil {
			return err
		}
		b, err := readByte(s.Transport, s.ackTimeout())
		if err == nil && b == ctlACK {
			return nil
		}
	}
	return ErrSendTimeout
}

// sendPacketAwaitACK writes the encoded packet and retries on NAK or
// timeout, up to maxRetries. A 'C' observed mid-wait means the peer
// re-synchronised and is re-requesting the current packet; it resends
// without charging a retry attempt, per spec.md §4.3.
func (s *Sender) sendPacketAwaitACK(p packet) error {
	wire := p.encode()
	attempts := 0
	for attempts < maxRetries {
		if _, err := s.Transport.Write(wire); err != nil {
			return err
		}
		b, err := readByte(s.Transport, s.ackTimeout())
		if err != nil {
			attempts++
			continue
		}
		switch b {
		case ctlACK:
			return nil
		case ctlNAK:
			attempts++
		case ctlCAN:
			return ErrCancelled
		case ctlC:
			// peer reset; resend current packet without counting it.
		default:
			attempts++
		}
	}
	return ErrSendTimeout
}
