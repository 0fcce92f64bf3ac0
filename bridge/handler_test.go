package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcam/aicam-node/bridge/bridgeerr"
)

// loopback wires two handlers together over a fake "wire", mirroring
// npi_test.go's TestLink fake-transport pattern but adapted to
// connect a pair of bridge.Handler values directly rather than a
// single handler against canned bytes.
type loopback struct {
	mu       sync.Mutex
	corrupt  func(buf []byte) []byte
	peerFeed func(buf []byte)
}

func (l *loopback) send(buf []byte) error {
	l.mu.Lock()
	c := l.corrupt
	l.mu.Unlock()
	if c != nil {
		buf = c(buf)
	}
	l.peerFeed(buf)
	return nil
}

func newLinkedHandlers(t *testing.T, notifyA, notifyB NotifyFunc) (*Handler, *Handler) {
	t.Helper()
	var a, b *Handler
	linkAB := &loopback{}
	linkBA := &loopback{}
	a = New(linkAB.send, notifyA)
	b = New(linkBA.send, notifyB)
	linkAB.peerFeed = b.Feed
	linkBA.peerFeed = a.Feed
	require.NoError(t, a.Init())
	require.NoError(t, b.Init())
	return a, b
}

// TestRequestResponseRoundTrip is spec.md §8 Scenario A.
func TestRequestResponseRoundTrip(t *testing.T) {
	want := RTCTime{Year: 2024, Month: 1, Day: 15, Weekday: 1, Hour: 10, Minute: 30, Second: 45}

	var b *Handler
	notifyB := func(f Frame) {
		if f.Cmd == CmdGetTime && f.Type == FrameRequest {
			_ = b.Respond(f, want.encode())
		}
	}
	a, bb := newLinkedHandlers(t, nil, notifyB)
	b = bb
	defer a.Deinit()
	defer b.Deinit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	got, err := a.GetTime()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestCorruptFrameThenRetrySucceeds is spec.md §8 Scenario B.
func TestCorruptFrameThenRetrySucceeds(t *testing.T) {
	var b *Handler
	notifyB := func(f Frame) {
		if f.Cmd == CmdKeepAlive && f.Type == FrameRequest {
			_ = b.Respond(f, nil)
		}
	}
	linkAB := &loopback{}
	linkBA := &loopback{}
	a := New(linkAB.send, nil)
	b = New(linkBA.send, notifyB)
	linkBA.peerFeed = a.Feed
	require.NoError(t, a.Init())
	require.NoError(t, b.Init())

	// Corrupt exactly the first frame A sends; later frames (the retry)
	// pass through untouched.
	var corruptApplied bool
	linkAB.peerFeed = func(buf []byte) {
		if !corruptApplied {
			corruptApplied = true
			corrupted := append([]byte(nil), buf...)
			corrupted[9] ^= 0xFF // malform the header CRC byte
			b.Feed(corrupted)
			return
		}
		b.Feed(buf)
	}
	defer a.Deinit()
	defer b.Deinit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	err := a.KeepAlive()
	require.NoError(t, err, "retry after a dropped/corrupt frame must still succeed")
}

func TestRequestTimesOutWhenPeerNeverReplies(t *testing.T) {
	a, _ := newLinkedHandlers(t, nil, nil)
	defer a.Deinit()

	start := time.Now()
	_, err := a.Request(CmdGetTime, nil)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, bridgeerr.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, AckTimeout)
}

func TestDeinitFailsFastForPendingCallers(t *testing.T) {
	a, _ := newLinkedHandlers(t, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := a.Request(CmdGetTime, nil)
		done <- err
	}()

	time.Sleep(2 * WaitAckDelay)
	a.Deinit()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bridgeerr.ErrInvalidState)
	case <-time.After(AckTimeout):
		t.Fatal("Deinit did not unblock pending Request within a reasonable bound")
	}
}

func TestCorrelationIsByIDCmdType(t *testing.T) {
	a, _ := newLinkedHandlers(t, nil, nil)
	defer a.Deinit()

	// Post a RESPONSE with a different id than any pending request; it
	// must be mailboxed but never matched.
	wrong := Frame{ID: 999, Type: FrameResponse, Cmd: CmdGetTime}
	a.Feed(wrong.encodePtr())

	_, ok := a.takeCorrelation(999, CmdGetTime, FrameResponse)
	assert.True(t, ok, "unrelated response is still mailboxed")
	_, ok = a.takeCorrelation(0, CmdGetTime, FrameResponse)
	assert.False(t, ok, "a response to a different id is never matched")
}

func (f Frame) encodePtr() []byte {
	ff := f
	return (&ff).encode()
}
