package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport. Inbound events are pushed with
// push; everything sent is recorded and observable through next.
type fakeTransport struct {
	addr string
	in   chan Inbound
	out  chan Message

	mu     sync.Mutex
	sent   []Message
	reason string

	// stall, when set, blocks Send until it is closed or the transport is.
	stall chan struct{}
	// fail rejects single messages without closing the transport.
	fail func(Message) error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{
		addr:   addr,
		in:     make(chan Inbound, 64),
		out:    make(chan Message, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-f.in:
		return in, nil
	case <-f.closed:
		return Inbound{}, ErrTransportClosed
	case <-ctx.Done():
		return Inbound{}, ErrTransportClosed
	}
}

func (f *fakeTransport) Send(msg Message) error {
	if f.stall != nil {
		select {
		case <-f.stall:
		case <-f.closed:
		}
	}
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}

	f.mu.Lock()
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.out <- msg
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) failWhen(fn func(Message) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeTransport) push(in Inbound) { f.in <- in }

func (f *fakeTransport) pushText(text string) {
	f.push(Inbound{Kind: KindText, Text: text})
}

// next waits for the next n sent messages.
func (f *fakeTransport) next(t *testing.T, n int) []Message {
	t.Helper()
	msgs := make([]Message, 0, n)
	timeout := time.After(2 * time.Second)
	for len(msgs) < n {
		select {
		case msg := <-f.out:
			msgs = append(msgs, msg)
		case <-timeout:
			require.FailNowf(t, "timed out waiting for messages", "%s got %d of %d", f.addr, len(msgs), n)
		}
	}
	return msgs
}

// quiet asserts nothing else is sent for a short while.
func (f *fakeTransport) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.out:
		require.FailNowf(t, "unexpected message", "%s got %+v", f.addr, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}
