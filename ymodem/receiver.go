package ymodem

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"time"
)

// FileSink is the destination a Receiver writes into. Reopen is
// invoked every 32 writes, a quirk of the embedded target's
// filesystem (spec.md §4.3); a plain os.File-backed implementation
// can make it a cheap close+reopen+seek, or a no-op if the backing
// store has no such requirement.
type FileSink interface {
	io.Writer
	Reopen(offset int64) error
}

// Result is what a completed receive produced.
type Result struct {
	Filename string
	// Size is the declared file size, or -1 if the header's size
	// field could not be parsed (spec.md §4.3: "size may be
	// unparseable → treat as unknown").
	Size    int64
	Written int64
}

// Receiver drives the YMODEM-1K receiver state machine of spec.md
// §4.3.
type Receiver struct {
	Transport Transport
	Sink      FileSink

	// DataTimeout overrides dataReadTimeout when non-zero; tests use
	// a short value so timeout-driven paths don't block for real
	// wall-clock seconds.
	DataTimeout time.Duration
	// NegotiatePeriod overrides receiverCPeriod when non-zero.
	NegotiatePeriod time.Duration
}

func (r *Receiver) dataTimeout() time.Duration {
	if r.DataTimeout > 0 {
		return r.DataTimeout
	}
	return dataReadTimeout
}

func (r *Receiver) negotiatePeriod() time.Duration {
	if r.NegotiatePeriod > 0 {
		return r.NegotiatePeriod
	}
	return receiverCPeriod
}

const (
	dataReadTimeout       = 3 * time.Second
	maxConsecutiveBad     = 10
	maxConsecutiveTimeout = 5
	reopenEvery           = 32
)

// Receive runs the handshake, header parse and data loop to
// completion, returning the transferred file's metadata and byte
// count.
func (r *Receiver) Receive() (Result, error) {
	hdr, err := r.negotiateHeader()
	if err != nil {
		return Result{}, err
	}
	filename, size, err := parseHeader(hdr.data)
	if err != nil {
		return Result{}, err
	}
	if err := writeByte(r.Transport, ctlACK); err != nil {
		return Result{}, err
	}
	// Re-trigger the sender into the data phase, per spec.md §4.3's
	// "wait for second 'C'" on the sender side.
	if err := writeByte(r.Transport, ctlC); err != nil {
		return Result{}, err
	}

	written, err := r.receiveData(size)
	if err != nil {
		return Result{}, err
	}
	return Result{Filename: filename, Size: size, Written: written}, nil
}

// negotiateHeader sends 'C' up to receiverCTotal times, waiting
// receiverCPeriod for a reply each time, until the sender's header
// packet arrives.
func (r *Receiver) negotiateHeader() (packet, error) {
	for i := 0; i < receiverCTotal; i++ {
		if err := writeByte(r.Transport, ctlC); err != nil {
			return packet{}, err
		}
		p, err := readPacket(r.Transport, r.negotiatePeriod())
		if err != nil {
			continue
		}
		if p.typ == ctlCAN {
			return packet{}, ErrCancelled
		}
		return p, nil
	}
	return packet{}, ErrStartTimeout
}

// parseHeader splits the NUL-terminated filename and decimal size
// fields out of a header packet's (padByte-padded) body.
func parseHeader(body []byte) (string, int64, error) {
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return string(bytes.TrimRight(body, string(padByte))), -1, nil
	}
	filename := string(body[:nul])
	rest := body[nul+1:]
	nul2 := bytes.IndexByte(rest, 0)
	if nul2 < 0 {
		nul2 = len(rest)
	}
	sizeStr := string(rest[:nul2])
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return filename, -1, nil
	}
	return filename, size, nil
}

func seqBefore(seq byte) byte { return seq - 1 }

func (r *Receiver) receiveData(size int64) (int64, error) {
	expected := byte(1)
	var written int64
	var writes int
	var consecBad, consecTimeout int

	for {
		p, err := readPacket(r.Transport, r.dataTimeout())
		if err != nil {
			if errors.Is(err, ErrBadCRC) || errors.Is(err, ErrBadSeqComplement) {
				consecBad++
				if consecBad >= maxConsecutiveBad {
					return written, ErrTooManyBadPackets
				}
			} else {
				consecTimeout++
				if consecTimeout >= maxConsecutiveTimeout {
					return written, ErrTooManyTimeouts
				}
			}
			_ = writeByte(r.Transport, ctlNAK)
			continue
		}

		if p.typ == ctlEOT {
			if err := writeByte(r.Transport, ctlACK); err != nil {
				return written, err
			}
			end, err := readPacket(r.Transport, r.dataTimeout())
			if err != nil {
				return written, err
			}
			if end.typ == ctlCAN {
				return written, ErrCancelled
			}
			if err := writeByte(r.Transport, ctlACK); err != nil {
				return written, err
			}
			return written, nil
		}
		if p.typ == ctlCAN {
			return written, ErrCancelled
		}

		switch p.seq {
		case expected:
			consecBad, consecTimeout = 0, 0
			chunk := p.data
			if size >= 0 {
				remaining := size - written
				if remaining < int64(len(chunk)) {
					chunk = chunk[:remaining]
				}
			}
			if _, err := r.Sink.Write(chunk); err != nil {
				return written, err
			}
			written += int64(len(chunk))
			writes++
			if writes%reopenEvery == 0 {
				if err := r.Sink.Reopen(written); err != nil {
					return written, ErrReopenFailed
				}
			}
			expected++
			if err := writeByte(r.Transport, ctlACK); err != nil {
				return written, err
			}
		case seqBefore(expected):
			// Duplicate of the last packet: ack without writing again.
			consecBad, consecTimeout = 0, 0
			if err := writeByte(r.Transport, ctlACK); err != nil {
				return written, err
			}
		default:
			consecBad++
			if consecBad >= maxConsecutiveBad {
				return written, ErrTooManyBadPackets
			}
			if err := writeByte(r.Transport, ctlNAK); err != nil {
				return written, err
			}
		}
	}
}
