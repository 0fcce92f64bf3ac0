package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fieldcam/aicam-node/bridge/bridgeerr"
)

// Timing/retry constants pinned from
// _examples/original_source/.../ms_bridging.h: MS_BR_WAIT_ACK_TIMEOUT_MS,
// MS_BR_WAIT_ACK_DELAY_MS, MS_BR_RETRY_TIMES.
const (
	AckTimeout   = 500 * time.Millisecond
	WaitAckDelay = 20 * time.Millisecond
	MaxRetries   = 3
)

// SendFunc transmits raw encoded frame bytes to the peer. Mirrors
// ms_bridging_send_func_t / npi_phy.go's phy.Write — synchronous, one
// frame at a time.
type SendFunc func(buf []byte) error

// NotifyFunc is invoked by Poll for every inbound REQUEST/EVENT frame.
// Mirrors ms_bridging_notify_cb_t / the appdrivers FrameReceiver idiom
// in the teacher, generalized to a plain function value.
type NotifyFunc func(Frame)

type mailboxEntry struct {
	frame      Frame
	valid      bool
	receivedAt time.Time
}

// Handler is the per-peer bridging protocol object described in
// spec.md §3/§4.1. Grounded on npi_linkmgr.go's LinkMgr (channel-driven
// correlation of outbound control frames against inbound replies) and
// npi_phy.go's RunNPI select-loop, generalized from NPI's radio-frame/
// control-frame split to the bridging protocol's four frame types.
type Handler struct {
	mu     sync.Mutex
	ready  bool
	nextID uint16

	send   SendFunc
	notify NotifyFunc
	dec    *decoder

	correlation [N_FRAME_SLOTS]mailboxEntry
	notifyMbox  [N_FRAME_SLOTS]mailboxEntry
	notifySem   chan struct{}
}

// New creates a bridging handler. It is not ready until Init is called.
func New(send SendFunc, notify NotifyFunc) *Handler {
	h := &Handler{
		send:      send,
		notify:    notify,
		dec:       newDecoder(),
		notifySem: make(chan struct{}, N_FRAME_SLOTS),
	}
	return h
}

// Init transitions the handler to ready, per spec.md §4.1's state
// machine ("ready=false on creation until init completes").
func (h *Handler) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.send == nil {
		return fmt.Errorf("bridge: %w: nil send function", bridgeerr.ErrInvalidArg)
	}
	h.ready = true
	return nil
}

// Deinit clears ready and drains both mailboxes. Any blocked
// Request/Event callers observe ready=false on their next poll tick
// and return bridgeerr.ErrInvalidState within one WAIT_ACK_DELAY_MS
// tick, per spec.md §8 invariant 4.
func (h *Handler) Deinit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
	for i := range h.correlation {
		h.correlation[i] = mailboxEntry{}
	}
	for i := range h.notifyMbox {
		h.notifyMbox[i] = mailboxEntry{}
	}
}

func (h *Handler) isReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Feed is the byte-stream entry point; it may be called from an
// interrupt or idle-line callback per spec.md §5. It only decodes and
// posts to a mailbox under the handler mutex; it never waits on the
// peer.
func (h *Handler) Feed(data []byte) {
	h.mu.Lock()
	var frames []Frame
	frames = h.dec.feed(data, frames[:0])
	for _, f := range frames {
		h.dispatchLocked(f)
	}
	h.mu.Unlock()
}

func (h *Handler) dispatchLocked(f Frame) {
	switch f.Type {
	case FrameRequest, FrameEvent:
		if !insertMailbox(&h.notifyMbox, f) {
			log.Printf("bridge: notify mailbox full, dropping frame id=%d cmd=%d", f.ID, f.Cmd)
			return
		}
		select {
		case h.notifySem <- struct{}{}:
		default:
		}
	case FrameResponse, FrameEventAck:
		if !insertMailbox(&h.correlation, f) {
			log.Printf("bridge: correlation mailbox full, dropping frame id=%d cmd=%d", f.ID, f.Cmd)
		}
	}
}

func insertMailbox(mbox *[N_FRAME_SLOTS]mailboxEntry, f Frame) bool {
	for i := range mbox {
		if !mbox[i].valid {
			mbox[i] = mailboxEntry{frame: f, valid: true, receivedAt: time.Now()}
			return true
		}
	}
	return false
}

// takeCorrelation removes and returns a matching (id, cmd, type) entry
// from the correlation mailbox, if present.
func (h *Handler) takeCorrelation(id uint16, cmd Command, ty FrameType) (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.correlation {
		e := &h.correlation[i]
		if e.valid && e.frame.ID == id && e.frame.Cmd == cmd && e.frame.Type == ty {
			f := e.frame
			*e = mailboxEntry{}
			return f, true
		}
	}
	return Frame{}, false
}

func (h *Handler) allocID() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	return id
}

// request is the shared implementation behind Request and Event: send,
// then wait up to AckTimeout for a matching ack, retrying up to
// MaxRetries times on timeout. Mirrors LinkMgr.Ctrl's send-then-select
// pattern, generalized to bounded retransmission instead of a single
// attempt.
func (h *Handler) request(ty FrameType, ackType FrameType, cmd Command, payload []byte) ([]byte, error) {
	if !h.isReady() {
		return nil, bridgeerr.ErrInvalidState
	}
	if len(payload) > MaxPayloadSize {
		return nil, bridgeerr.ErrInvalidSize
	}
	id := h.allocID()
	frame := Frame{ID: id, Type: ty, Cmd: cmd, Payload: payload}
	wire := frame.encode()

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if !h.isReady() {
			return nil, bridgeerr.ErrInvalidState
		}
		if err := h.send(wire); err != nil {
			return nil, fmt.Errorf("%w: %v", bridgeerr.ErrSend, err)
		}
		deadline := time.Now().Add(AckTimeout)
		for time.Now().Before(deadline) {
			if !h.isReady() {
				return nil, bridgeerr.ErrInvalidState
			}
			if reply, ok := h.takeCorrelation(id, cmd, ackType); ok {
				return reply.Payload, nil
			}
			time.Sleep(WaitAckDelay)
		}
	}
	return nil, bridgeerr.ErrTimeout
}

// Request sends cmd/payload to the peer and blocks for the matching
// RESPONSE, retrying up to MaxRetries times on timeout (spec.md §8
// invariant 2).
func (h *Handler) Request(cmd Command, payload []byte) ([]byte, error) {
	return h.request(FrameRequest, FrameResponse, cmd, payload)
}

// Event is symmetric to Request but uses EVENT/EVENT_ACK frame types.
func (h *Handler) Event(cmd Command, payload []byte) ([]byte, error) {
	return h.request(FrameEvent, FrameEventAck, cmd, payload)
}

// Respond answers an inbound request frame. Fire-and-forget, per
// spec.md §4.1.
func (h *Handler) Respond(req Frame, payload []byte) error {
	if !h.isReady() {
		return bridgeerr.ErrInvalidState
	}
	frame := Frame{ID: req.ID, Type: FrameResponse, Cmd: req.Cmd, Payload: payload}
	return h.send(frame.encode())
}

// Ack answers an inbound event frame with an EVENT_ACK. Fire-and-forget.
func (h *Handler) Ack(ev Frame, payload []byte) error {
	if !h.isReady() {
		return bridgeerr.ErrInvalidState
	}
	frame := Frame{ID: ev.ID, Type: FrameEventAck, Cmd: ev.Cmd, Payload: payload}
	return h.send(frame.encode())
}

// Poll performs one iteration of the polling task described in
// spec.md §4.1: dispatch every pending notify-mailbox entry to the
// application callback, evict stale correlation entries, then block
// briefly so the loop yields.
func (h *Handler) Poll() {
	h.mu.Lock()
	var deliver []Frame
	for i := range h.notifyMbox {
		if h.notifyMbox[i].valid {
			deliver = append(deliver, h.notifyMbox[i].frame)
			h.notifyMbox[i] = mailboxEntry{}
		}
	}
	now := time.Now()
	for i := range h.correlation {
		e := &h.correlation[i]
		if e.valid && now.Sub(e.receivedAt) > AckTimeout {
			*e = mailboxEntry{}
		}
	}
	cb := h.notify
	h.mu.Unlock()

	for _, f := range deliver {
		if cb != nil {
			cb(f)
		}
	}

	select {
	case <-h.notifySem:
	case <-time.After(WaitAckDelay):
	}
}

// Run drives Poll in a loop until ctx is cancelled or Deinit is
// called. This is the "one polling thread per handler" task from
// spec.md §5.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !h.isReady() {
			return
		}
		h.Poll()
	}
}
